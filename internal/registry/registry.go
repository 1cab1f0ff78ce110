// Package registry holds the ordered list of calculation steps. The order is
// part of the contract: every step reads tables written by the ones before it,
// so nothing here ever sorts or filters the list.
package registry

import (
	"errors"
	"fmt"

	"github.com/regreport/eclbatch/internal/domain"
)

var ErrEmpty = errors.New("step registry is empty")

type Registry struct {
	steps []domain.StepDefinition
}

var defaultSteps = []domain.StepDefinition{
	{Name: "pd_term_structure", Description: "Build probability-of-default term structures", ExecutableRef: "steps/pd_term_structure.py"},
	{Name: "staging", Description: "Assign IFRS 9 stages to exposures", ExecutableRef: "steps/staging.py"},
	{Name: "ead_projection", Description: "Project exposure at default over the lifetime", ExecutableRef: "steps/ead_projection.py"},
	{Name: "lgd_estimation", Description: "Estimate loss given default", ExecutableRef: "steps/lgd_estimation.py"},
	{Name: "ecl_calculation", Description: "Compute expected credit loss per exposure", ExecutableRef: "steps/ecl_calculation.py"},
	{Name: "reporting_load", Description: "Load results into the reporting fact table", ExecutableRef: "steps/reporting_load.py"},
}

func Default() *Registry {
	r, _ := New(defaultSteps)
	return r
}

func New(steps []domain.StepDefinition) (*Registry, error) {
	if len(steps) == 0 {
		return nil, ErrEmpty
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if _, ok := seen[step.Name]; ok {
			return nil, fmt.Errorf("step %d: duplicate name %q", i+1, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return &Registry{steps: append([]domain.StepDefinition(nil), steps...)}, nil
}

// Steps returns a copy in execution order.
func (r *Registry) Steps() []domain.StepDefinition {
	return append([]domain.StepDefinition(nil), r.steps...)
}

func (r *Registry) Len() int {
	return len(r.steps)
}

func (r *Registry) Lookup(name string) (domain.StepDefinition, bool) {
	for _, step := range r.steps {
		if step.Name == name {
			return step, true
		}
	}
	return domain.StepDefinition{}, false
}
