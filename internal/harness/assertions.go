package harness

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/scenepipe/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describeEvent(event))
		}
	}
	return buf.String()
}

func describeEvent(e TraceEvent) string {
	s := fmt.Sprintf("%s %d/%s attempt=%d %s", e.Stage, e.CollectionID, e.SceneID, e.Attempt, e.Status)
	if e.ErrorKind != ir.KindNone {
		s += " " + string(e.ErrorKind)
	}
	return s
}

// EvaluateAssertions checks every assertion against a finished run and
// returns the failures in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion) []error {
	var errs []error
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalOutcome:
			err = assertFinalOutcome(result, a)
		case AssertActivityArgs:
			err = assertActivityArgs(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("assertions[%d]: %w", i, err))
		}
	}
	return errs
}

func stageOf(name string) ir.ActivityType {
	t, _ := ir.ParseActivityType(name)
	return t
}

// matchEvent reports whether event matches every field the assertion sets.
func matchEvent(event TraceEvent, a Assertion) bool {
	if event.Stage != stageOf(a.Stage) {
		return false
	}
	if a.CollectionID != 0 && event.CollectionID != a.CollectionID {
		return false
	}
	if a.SceneID != "" && event.SceneID != a.SceneID {
		return false
	}
	if a.Status != "" && event.Status != a.Status {
		return false
	}
	if a.Attempt != 0 && event.Attempt != a.Attempt {
		return false
	}
	if a.ErrorKind != "" && string(event.ErrorKind) != a.ErrorKind {
		return false
	}
	return true
}

// describeMatch renders the fields an assertion matches on.
func describeMatch(a Assertion) string {
	parts := []string{"stage=" + a.Stage}
	if a.CollectionID != 0 {
		parts = append(parts, fmt.Sprintf("collection_id=%d", a.CollectionID))
	}
	if a.SceneID != "" {
		parts = append(parts, "scene_id="+a.SceneID)
	}
	if a.Status != "" {
		parts = append(parts, "status="+a.Status)
	}
	if a.Attempt != 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", a.Attempt))
	}
	if a.ErrorKind != "" {
		parts = append(parts, "error_kind="+a.ErrorKind)
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks if some event matches the assertion.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matchEvent(event, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: "event with " + describeMatch(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first run of each listed stage occurs
// in the listed order. Stages don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[ir.ActivityType]int)
	for _, event := range trace {
		if _, seen := positions[event.Stage]; !seen {
			positions[event.Stage] = event.Seq
		}
	}

	for _, name := range a.Stages {
		if _, ok := positions[stageOf(name)]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all stages present: %v", a.Stages),
				Actual:   fmt.Sprintf("missing stage: %s", name),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Stages); i++ {
		prev, curr := a.Stages[i-1], a.Stages[i]
		if positions[stageOf(prev)] >= positions[stageOf(curr)] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("stages in order: %v", a.Stages),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[stageOf(prev)], curr, positions[stageOf(curr)]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks how many events match the assertion's stage
// (and collection or scene, when set).
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matchEvent(event, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events with %s", a.Count, describeMatch(a)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertFinalOutcome(result *Result, a Assertion) error {
	st, ok := result.activity(stageOf(a.Stage), a.CollectionID, a.SceneID)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalOutcome,
			Expected: "activity with " + describeMatch(a),
			Actual:   "activity not found",
			Trace:    result.Trace,
		}
	}
	if string(st.Outcome) != a.Outcome {
		return &AssertionError{
			Type:     AssertFinalOutcome,
			Expected: fmt.Sprintf("%s is %s", st.Key, a.Outcome),
			Actual:   string(st.Outcome),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertActivityArgs(result *Result, a Assertion) error {
	st, ok := result.activity(stageOf(a.Stage), a.CollectionID, a.SceneID)
	if !ok {
		return &AssertionError{
			Type:     AssertActivityArgs,
			Expected: "activity with " + describeMatch(a),
			Actual:   "activity not found",
		}
	}

	keys := make([]string, 0, len(a.Args))
	for k := range a.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		actual, exists := st.Args[key]
		if !exists {
			return &AssertionError{
				Type:     AssertActivityArgs,
				Expected: fmt.Sprintf("%s arg %q to exist", st.Key, key),
				Actual:   fmt.Sprintf("args have keys %v", st.Args.Keys()),
			}
		}
		if !argValuesEqual(a.Args[key], actual) {
			return &AssertionError{
				Type:     AssertActivityArgs,
				Expected: fmt.Sprintf("%s arg %q = %v", st.Key, key, a.Args[key]),
				Actual:   fmt.Sprintf("%v (type %T)", actual, actual),
			}
		}
	}
	return nil
}

// argValuesEqual compares through canonical JSON, so a YAML int matches
// the json.Number the store decodes.
func argValuesEqual(expected, actual any) bool {
	e, err := ir.MarshalCanonical(normalizeYAML(expected))
	if err != nil {
		return false
	}
	a, err := ir.MarshalCanonical(actual)
	if err != nil {
		return false
	}
	return bytes.Equal(e, a)
}

// normalizeYAML converts the map[any]any and []any values yaml.v3 may
// produce for nested literals into canonical-marshalable types.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = normalizeYAML(x)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[fmt.Sprint(k)] = normalizeYAML(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = normalizeYAML(x)
		}
		return out
	}
	return v
}
