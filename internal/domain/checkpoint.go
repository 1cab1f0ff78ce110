package domain

import "time"

// Checkpoint is the durable progress snapshot of one business date.
type Checkpoint struct {
	Date      BusinessDate  `json:"date"`
	RunKey    int64         `json:"run_key"`
	Outcomes  []StepOutcome `json:"outcomes"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone copies the outcome slice so stores never share backing arrays.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.Outcomes = append([]StepOutcome(nil), c.Outcomes...)
	if out.Outcomes == nil {
		out.Outcomes = []StepOutcome{}
	}
	return out
}
