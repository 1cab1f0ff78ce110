package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/regreport/eclbatch/internal/domain"
)

// Step binds one registry entry to a Runner.
type Step struct {
	def    domain.StepDefinition
	runner *Runner
}

func NewStep(def domain.StepDefinition, r *Runner) *Step {
	return &Step{def: def, runner: r}
}

func Bind(defs []domain.StepDefinition, r *Runner) []*Step {
	out := make([]*Step, 0, len(defs))
	for _, def := range defs {
		out = append(out, NewStep(def, r))
	}
	return out
}

func (s *Step) Definition() domain.StepDefinition {
	return s.def
}

// Execute returns a Success or Failed outcome. Launch failures and
// cancellation come back as errors. The log file is best effort and never
// changes the outcome.
func (s *Step) Execute(ctx context.Context, date domain.BusinessDate) (domain.StepOutcome, error) {
	res, err := s.runner.Run(ctx, s.def.ExecutableRef, date)
	if logErr := s.writeLog(date, res); logErr != nil {
		s.runner.logger.Warn("step log not written",
			"step", s.def.Name, "date", date.String(), "status", string(res.Status), "error", logErr)
	}
	if err != nil {
		return domain.StepOutcome{}, err
	}

	finished := res.FinishedAt
	return domain.StepOutcome{
		StepName:    s.def.Name,
		Description: s.def.Description,
		Status:      res.Status,
		Output:      res.Output,
		ExitCode:    res.ExitCode,
		StartedAt:   res.StartedAt,
		FinishedAt:  &finished,
	}, nil
}

func (s *Step) writeLog(date domain.BusinessDate, res Result) error {
	dir := s.runner.cfg.LogDir
	if dir == "" || res.StartedAt.IsZero() {
		return nil
	}
	dir = filepath.Join(dir, date.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create step log dir: %w", err)
	}
	path := filepath.Join(dir, s.def.Name+".log")
	if err := os.WriteFile(path, []byte(res.Log), 0o644); err != nil {
		return fmt.Errorf("write step log: %w", err)
	}
	return nil
}
