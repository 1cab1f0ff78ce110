package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/regreport/eclbatch/internal/domain"
)

// ErrLaunch marks a step that could not be started at all. Callers record
// it as an Error outcome, never as Failed.
var ErrLaunch = errors.New("step launch failed")

type Result struct {
	Status     domain.StepStatus
	Output     string
	Stdout     string
	Stderr     string
	Log        string
	ExitCode   int
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

type Runner struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	return &Runner{cfg: cfg, now: func() time.Time { return time.Now().UTC() }, logger: slog.Default()}, nil
}

// WithLogger sets the logger for problems that do not change a step outcome.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Run executes ref with the date as its single positional argument and waits
// for it. A non-zero exit is a Failed result, not an error.
func (r *Runner) Run(ctx context.Context, ref string, date domain.BusinessDate) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("%w: runner not initialized", ErrLaunch)
	}
	if strings.TrimSpace(ref) == "" {
		return Result{}, fmt.Errorf("%w: executable is required", ErrLaunch)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
	}
	defer cancel()

	name, args := r.command(ref, date)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = r.cfg.ProjectRoot
	cmd.WaitDelay = r.cfg.WaitDelay
	configureCommandProcess(cmd)

	var stdout, stderr bytes.Buffer
	combined := &syncBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)

	result := Result{StartedAt: r.now()}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrLaunch, ref, err)
	}
	waitErr := cmd.Wait()

	result.FinishedAt = r.now()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Log = combined.String()
	result.ExitCode = cmd.ProcessState.ExitCode()

	if ctx.Err() != nil {
		return result, fmt.Errorf("step %s cancelled: %w", ref, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.Status = domain.StepSuccess
		result.Output = strings.TrimSpace(result.Stdout)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = domain.StepFailed
		result.TimedOut = true
		result.Output = appendLine(failureOutput(result), fmt.Sprintf("step timed out after %s", r.cfg.Timeout))
	case errors.As(waitErr, &exitErr):
		result.Status = domain.StepFailed
		result.Output = failureOutput(result)
	default:
		return result, fmt.Errorf("wait for %s: %w", ref, waitErr)
	}
	return result, nil
}

func (r *Runner) command(ref string, date domain.BusinessDate) (string, []string) {
	path := ref
	if !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(r.cfg.ProjectRoot, path)
	}
	if len(r.cfg.Interpreter) == 0 {
		return path, []string{date.String()}
	}
	args := append([]string(nil), r.cfg.Interpreter[1:]...)
	args = append(args, path, date.String())
	return r.cfg.Interpreter[0], args
}

func failureOutput(result Result) string {
	if out := strings.TrimSpace(result.Stderr); out != "" {
		return out
	}
	return strings.TrimSpace(result.Stdout)
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	return text + "\n" + line
}

// syncBuffer serializes writes from the stdout and stderr copy goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
