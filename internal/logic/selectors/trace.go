package selectors

import "github.com/patrickwarner/adtrack/internal/models"

// TraceStep records the candidate ads remaining after a selection stage.
type TraceStep struct {
	Stage   string            `json:"stage"`
	AdIDs   []int64           `json:"ad_ids"`
	Details map[string]string `json:"details,omitempty"`
}

// SelectionTrace captures the ordered list of steps performed by a selector.
type SelectionTrace struct {
	Steps []TraceStep `json:"steps"`
}

// AddStep appends a trace entry for stage listing the given ads.
func (t *SelectionTrace) AddStep(stage string, ads []models.Ad) {
	t.AddStepWithDetails(stage, ads, nil)
}

// AddStepWithDetails appends a trace entry with additional details about filtering.
func (t *SelectionTrace) AddStepWithDetails(stage string, ads []models.Ad, details map[string]string) {
	if t == nil {
		return
	}
	step := TraceStep{Stage: stage, AdIDs: make([]int64, 0, len(ads)), Details: details}
	for _, a := range ads {
		step.AdIDs = append(step.AdIDs, a.ID)
	}
	t.Steps = append(t.Steps, step)
}
