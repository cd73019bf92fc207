// Package phase holds the phase registry, gate evaluation and the
// progression service that moves tickets between phases.
package phase

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Retry strategies.
const (
	RetryNone        = "none"
	RetryLinear      = "linear"
	RetryExponential = "exponential"
)

// Criterion is a named completion condition checked against the ticket
// context and completed-task results.
type Criterion struct {
	Name     string `koanf:"name"`
	Required bool   `koanf:"required"`
}

// OutputPattern is a glob matched against ticket artifact names.
type OutputPattern struct {
	Pattern  string `koanf:"pattern"`
	Required bool   `koanf:"required"`
}

// TaskSpec declares a task spawned automatically on phase entry.
// Dependencies name sibling spec types within the same phase.
type TaskSpec struct {
	Type         string   `koanf:"type"`
	Title        string   `koanf:"title"`
	Priority     int      `koanf:"priority"`
	Capabilities []string `koanf:"capabilities"`
	DependsOn    []string `koanf:"depends_on"`
}

// Config carries per-phase operational limits.
type Config struct {
	Timeout        time.Duration `koanf:"timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryStrategy  string        `koanf:"retry_strategy"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	WIPLimit       int           `koanf:"wip_limit"`
}

// Definition describes a single phase.
type Definition struct {
	ID              string          `koanf:"id"`
	Sequence        int             `koanf:"sequence"`
	Transitions     []string        `koanf:"transitions"`
	Terminal        bool            `koanf:"terminal"`
	DoneCriteria    []Criterion     `koanf:"done_criteria"`
	ExpectedOutputs []OutputPattern `koanf:"expected_outputs"`
	Initial         []TaskSpec      `koanf:"initial_tasks"`
	Config          Config          `koanf:"config"`
}

// Registry is the immutable set of phase definitions, loaded once at
// startup.
type Registry struct {
	byID    map[string]Definition
	ordered []Definition
}

type registryFile struct {
	Phases []Definition `koanf:"phases"`
}

// LoadRegistry reads and validates a YAML phase registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phase registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses and validates YAML registry bytes.
func ParseRegistry(data []byte) (*Registry, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse phase registry: %w", err)
	}
	var file registryFile
	if err := k.Unmarshal("", &file); err != nil {
		return nil, fmt.Errorf("decode phase registry: %w", err)
	}
	return NewRegistry(file.Phases)
}

// NewRegistry validates defs and builds a registry.
func NewRegistry(defs []Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("phase registry is empty")
	}
	byID := make(map[string]Definition, len(defs))
	seenSeq := make(map[int]string, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("phase with empty id")
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate phase id %s", d.ID)
		}
		if prev, dup := seenSeq[d.Sequence]; dup {
			return nil, fmt.Errorf("phases %s and %s share sequence %d", prev, d.ID, d.Sequence)
		}
		seenSeq[d.Sequence] = d.ID
		switch d.Config.RetryStrategy {
		case "", RetryNone, RetryLinear, RetryExponential:
		default:
			return nil, fmt.Errorf("phase %s: unknown retry strategy %q", d.ID, d.Config.RetryStrategy)
		}
		byID[d.ID] = d
	}
	for _, d := range defs {
		if d.Terminal && len(d.Transitions) > 0 {
			return nil, fmt.Errorf("terminal phase %s declares transitions", d.ID)
		}
		if !d.Terminal && len(d.Transitions) == 0 {
			return nil, fmt.Errorf("non-terminal phase %s has no transitions", d.ID)
		}
		for _, target := range d.Transitions {
			if _, ok := byID[target]; !ok {
				return nil, fmt.Errorf("phase %s transitions to unknown phase %s", d.ID, target)
			}
		}
		types := map[string]bool{}
		for _, spec := range d.Initial {
			if spec.Type == "" {
				return nil, fmt.Errorf("phase %s: initial task with empty type", d.ID)
			}
			if types[spec.Type] {
				return nil, fmt.Errorf("phase %s: duplicate initial task type %s", d.ID, spec.Type)
			}
			types[spec.Type] = true
		}
		for _, spec := range d.Initial {
			for _, dep := range spec.DependsOn {
				if !types[dep] {
					return nil, fmt.Errorf("phase %s: task %s depends on unknown sibling %s", d.ID, spec.Type, dep)
				}
			}
		}
	}
	ordered := make([]Definition, len(defs))
	copy(ordered, defs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	return &Registry{byID: byID, ordered: ordered}, nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, error) {
	d, ok := r.byID[id]
	if !ok {
		return Definition{}, fmt.Errorf("unknown phase %s", id)
	}
	return d, nil
}

// Initial returns the entry phase, the one with the lowest sequence.
func (r *Registry) Initial() Definition {
	return r.ordered[0]
}

// Definitions returns all phases in sequence order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.ordered))
	copy(out, r.ordered)
	return out
}
