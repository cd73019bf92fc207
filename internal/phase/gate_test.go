package phase

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

func TestEvaluateGate(t *testing.T) {
	def := Definition{
		ID: "IMPLEMENTATION",
		DoneCriteria: []Criterion{
			{Name: "tests_passing", Required: true},
			{Name: "docs_updated", Required: false},
		},
		ExpectedOutputs: []OutputPattern{
			{Pattern: "patch*", Required: true},
			{Pattern: "benchmark*", Required: false},
		},
	}

	t.Run("all required met", func(t *testing.T) {
		tk := store.Ticket{
			Context:   map[string]any{"tests_passing": true},
			Artifacts: []store.Artifact{{Name: "patch-1", Ref: "diffs/1.patch"}},
		}
		ev := EvaluateGate(tk, def, nil)
		assert.True(t, ev.Passed)
		assert.Empty(t, ev.Missing)
		// The optional misses are recorded but never block.
		assert.False(t, ev.Criteria[1].Met)
		assert.False(t, ev.Outputs[1].Matched)
	})

	t.Run("missing required criterion", func(t *testing.T) {
		tk := store.Ticket{
			Artifacts: []store.Artifact{{Name: "patch-1"}},
		}
		ev := EvaluateGate(tk, def, nil)
		assert.False(t, ev.Passed)
		assert.Equal(t, []string{"tests_passing"}, ev.Missing)
	})

	t.Run("missing required output", func(t *testing.T) {
		tk := store.Ticket{
			Context: map[string]any{"tests_passing": true},
		}
		ev := EvaluateGate(tk, def, nil)
		assert.False(t, ev.Passed)
		assert.Equal(t, []string{"patch*"}, ev.Missing)
	})

	t.Run("criterion satisfied by task result", func(t *testing.T) {
		tk := store.Ticket{
			Artifacts: []store.Artifact{{Name: "patch-1"}},
		}
		tasks := []store.Task{
			{Status: store.TaskCompleted, Result: json.RawMessage(`{"tests_passing": true}`)},
			{Status: store.TaskFailed, Result: json.RawMessage(`{"tests_passing": false}`)},
		}
		ev := EvaluateGate(tk, def, tasks)
		assert.True(t, ev.Passed)
	})

	t.Run("non-completed results ignored", func(t *testing.T) {
		tasks := []store.Task{
			{Status: store.TaskRunning, Result: json.RawMessage(`{"tests_passing": true}`)},
		}
		ev := EvaluateGate(store.Ticket{Artifacts: []store.Artifact{{Name: "patch-1"}}}, def, tasks)
		assert.False(t, ev.Passed)
	})
}

func TestTruthy(t *testing.T) {
	assert.True(t, truthy(true))
	assert.True(t, truthy("yes"))
	assert.True(t, truthy(float64(1)))
	assert.True(t, truthy(map[string]any{}))
	assert.False(t, truthy(nil))
	assert.False(t, truthy(false))
	assert.False(t, truthy(""))
	assert.False(t, truthy("false"))
	assert.False(t, truthy(float64(0)))
}
