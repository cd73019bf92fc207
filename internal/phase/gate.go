package phase

import (
	"encoding/json"
	"path"

	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// CriterionResult records one criterion check.
type CriterionResult struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Met      bool   `json:"met"`
}

// OutputResult records one expected-output glob check.
type OutputResult struct {
	Pattern  string   `json:"pattern"`
	Required bool     `json:"required"`
	Matched  bool     `json:"matched"`
	Matches  []string `json:"matches,omitempty"`
}

// GateEvaluation is the derived verdict on whether a ticket may leave
// its current phase. It is never persisted; re-evaluate when needed.
type GateEvaluation struct {
	PhaseID  string            `json:"phase_id"`
	Passed   bool              `json:"passed"`
	Criteria []CriterionResult `json:"criteria"`
	Outputs  []OutputResult    `json:"outputs"`
	Missing  []string          `json:"missing"`
}

// EvaluateGate checks the phase's done criteria against the ticket
// context and completed-task results, and its expected outputs against
// recorded artifacts. Only required misses block; optional misses are
// recorded and ignored.
func EvaluateGate(tk store.Ticket, def Definition, tasks []store.Task) GateEvaluation {
	ev := GateEvaluation{PhaseID: def.ID, Passed: true}

	results := collectResultKeys(tasks)
	for _, c := range def.DoneCriteria {
		met := truthy(tk.Context[c.Name]) || truthy(results[c.Name])
		ev.Criteria = append(ev.Criteria, CriterionResult{Name: c.Name, Required: c.Required, Met: met})
		if !met && c.Required {
			ev.Passed = false
			ev.Missing = append(ev.Missing, c.Name)
		}
	}

	for _, o := range def.ExpectedOutputs {
		var matches []string
		for _, a := range tk.Artifacts {
			if ok, err := path.Match(o.Pattern, a.Name); err == nil && ok {
				matches = append(matches, a.Name)
			}
		}
		matched := len(matches) > 0
		ev.Outputs = append(ev.Outputs, OutputResult{Pattern: o.Pattern, Required: o.Required, Matched: matched, Matches: matches})
		if !matched && o.Required {
			ev.Passed = false
			ev.Missing = append(ev.Missing, o.Pattern)
		}
	}
	return ev
}

// collectResultKeys flattens top-level keys of completed tasks' result
// objects, later tasks winning on collision.
func collectResultKeys(tasks []store.Task) map[string]any {
	out := map[string]any{}
	for _, t := range tasks {
		if t.Status != store.TaskCompleted || len(t.Result) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(t.Result, &m); err != nil {
			continue
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "false"
	case float64:
		return x != 0
	case int:
		return x != 0
	default:
		return true
	}
}
