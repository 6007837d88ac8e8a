package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/ir"
)

// Scenario is one end-to-end pipeline run with scripted stage bodies.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Dispatch selects the scenes and the plan they run through.
	Dispatch DispatchStep `yaml:"dispatch"`

	// Bodies scripts the results of each stage, keyed by stage name.
	Bodies map[string][]BodyStep `yaml:"bodies,omitempty"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`

	// MaxSteps bounds the deliveries handled. Zero means DefaultMaxSteps.
	MaxSteps int `yaml:"max_steps,omitempty"`
}

// DefaultMaxSteps bounds a scenario whose script never lets it settle.
const DefaultMaxSteps = 500

// DispatchStep is the dispatch a scenario starts with. With Spec set the
// scenes run through that task tree, otherwise through the table entry of
// Type.
type DispatchStep struct {
	Type         string         `yaml:"type"`
	CollectionID int64          `yaml:"collection_id"`
	SceneIDs     []string       `yaml:"scene_ids"`
	Args         map[string]any `yaml:"args,omitempty"`
	SceneType    string         `yaml:"scene_type,omitempty"`
	Tags         []string       `yaml:"tags,omitempty"`
	Spec         *SpecNode      `yaml:"spec,omitempty"`
}

// SpecNode is the YAML form of compiler.TaskSpec.
type SpecNode struct {
	Type       string         `yaml:"type"`
	Collection int64          `yaml:"collection,omitempty"`
	Args       map[string]any `yaml:"args,omitempty"`
	When       string         `yaml:"when,omitempty"`
	Unless     string         `yaml:"unless,omitempty"`
	Mode       string         `yaml:"mode,omitempty"`
	Tasks      []SpecNode     `yaml:"tasks,omitempty"`
}

// TaskSpec converts the node and its children.
func (n SpecNode) TaskSpec() (compiler.TaskSpec, error) {
	t, err := ir.ParseActivityType(n.Type)
	if err != nil {
		return compiler.TaskSpec{}, err
	}
	spec := compiler.TaskSpec{
		Type:       t,
		Collection: n.Collection,
		Args:       ir.Args(n.Args),
		When:       n.When,
		Unless:     n.Unless,
		Mode:       n.Mode,
	}
	for _, child := range n.Tasks {
		c, err := child.TaskSpec()
		if err != nil {
			return compiler.TaskSpec{}, err
		}
		spec.Tasks = append(spec.Tasks, c)
	}
	return spec, nil
}

// BodyStep is one scripted run of a stage body: either output args or an
// error of the given kind.
type BodyStep struct {
	Args    map[string]any `yaml:"args,omitempty"`
	Error   string         `yaml:"error,omitempty"`
	Message string         `yaml:"message,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Stage is the activity type (trace_contains, trace_count,
	// final_outcome, activity_args).
	Stage string `yaml:"stage,omitempty"`

	// CollectionID and SceneID narrow the match when set.
	CollectionID int64  `yaml:"collection_id,omitempty"`
	SceneID      string `yaml:"scene_id,omitempty"`

	// Status, Attempt and ErrorKind narrow a trace_contains match.
	Status    string `yaml:"status,omitempty"`
	Attempt   int    `yaml:"attempt,omitempty"`
	ErrorKind string `yaml:"error_kind,omitempty"`

	// Stages is the expected order (trace_order).
	Stages []string `yaml:"stages,omitempty"`

	// Count is the expected number of runs (trace_count).
	Count int `yaml:"count,omitempty"`

	// Outcome is the expected ir.Outcome (final_outcome).
	Outcome string `yaml:"outcome,omitempty"`

	// Args is the expected subset of stored args (activity_args).
	Args map[string]any `yaml:"args,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalOutcome  = "final_outcome"
	AssertActivityArgs  = "activity_args"
)

var errorKinds = []ir.ErrorKind{
	ir.TemporarilyUnavailable,
	ir.TransientInfra,
	ir.ValidationError,
	ir.ProcessingFailure,
	ir.ConfigurationError,
}

func parseErrorKind(s string) (ir.ErrorKind, bool) {
	for _, k := range errorKinds {
		if string(k) == s {
			return k, true
		}
	}
	return ir.KindNone, false
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: empty document")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be non-negative")
	}

	d := s.Dispatch
	if len(d.SceneIDs) == 0 {
		return fmt.Errorf("dispatch.scene_ids is required and must be non-empty")
	}
	if d.Spec != nil {
		if d.Type != "" {
			return fmt.Errorf("dispatch: type and spec are mutually exclusive")
		}
		spec, err := d.Spec.TaskSpec()
		if err != nil {
			return fmt.Errorf("dispatch.spec: %w", err)
		}
		if err := compiler.CheckSpec(spec); err != nil {
			return fmt.Errorf("dispatch.spec: %w", err)
		}
	} else {
		if d.Type == "" {
			return fmt.Errorf("dispatch: type or spec is required")
		}
		if _, err := ir.ParseActivityType(d.Type); err != nil {
			return fmt.Errorf("dispatch.type: %w", err)
		}
		if d.CollectionID <= 0 {
			return fmt.Errorf("dispatch.collection_id must be positive")
		}
	}

	for stage, steps := range s.Bodies {
		if _, err := ir.ParseActivityType(stage); err != nil {
			return fmt.Errorf("bodies.%s: %w", stage, err)
		}
		for i, step := range steps {
			if step.Error != "" && step.Args != nil {
				return fmt.Errorf("bodies.%s[%d]: args and error are mutually exclusive", stage, i)
			}
			if step.Error != "" {
				if _, ok := parseErrorKind(step.Error); !ok {
					return fmt.Errorf("bodies.%s[%d]: unknown error kind %q", stage, i, step.Error)
				}
			}
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needStage := func() error {
		if a.Stage == "" {
			return fmt.Errorf("assertions[%d]: stage is required for %s", index, a.Type)
		}
		if _, err := ir.ParseActivityType(a.Stage); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		return nil
	}

	switch a.Type {
	case AssertTraceContains:
		if err := needStage(); err != nil {
			return err
		}
		if a.Status != "" {
			if _, err := ir.ParseStatus(a.Status); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
		if a.ErrorKind != "" {
			if _, ok := parseErrorKind(a.ErrorKind); !ok {
				return fmt.Errorf("assertions[%d]: unknown error kind %q", index, a.ErrorKind)
			}
		}
	case AssertTraceOrder:
		if len(a.Stages) == 0 {
			return fmt.Errorf("assertions[%d]: stages list is required for trace_order", index)
		}
		for _, stage := range a.Stages {
			if _, err := ir.ParseActivityType(stage); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertTraceCount:
		if err := needStage(); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalOutcome:
		if err := needStage(); err != nil {
			return err
		}
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for final_outcome", index)
		}
	case AssertActivityArgs:
		if err := needStage(); err != nil {
			return err
		}
		if len(a.Args) == 0 {
			return fmt.Errorf("assertions[%d]: args is required for activity_args", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
