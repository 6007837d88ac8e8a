package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Route prefixes for PlanCursor.Route.
const (
	RouteTablePrefix = "table/"
	RouteSpecPrefix  = "spec/"
)

// PlanCursor tells a worker which compiled plan its message belongs to and
// which node it is executing, so successors can be re-derived locally.
type PlanCursor struct {
	// Route is "table/<activity type>" for the fixed branching table or
	// "spec/<digest>" for a persisted task-spec tree.
	Route string `json:"route" validate:"required"`
	// Node is the arena index of the node this message executes.
	Node int `json:"node" validate:"gte=0"`
}

// TableRoute returns the route of the fixed table entry rooted at t.
func TableRoute(t ActivityType) string {
	return RouteTablePrefix + t.String()
}

// SpecRoute returns the route of a persisted task-spec tree.
func SpecRoute(digest string) string {
	return RouteSpecPrefix + digest
}

// TaskMessage is the payload carried on a stage queue.
type TaskMessage struct {
	ActivityType     ActivityType `json:"activity_type"`
	CollectionID     int64        `json:"collection_id" validate:"gt=0"`
	SceneID          string       `json:"scene_id" validate:"required"`
	Args             Args         `json:"args"`
	Plan             *PlanCursor  `json:"plan,omitempty"`
	ParentActivityID int64        `json:"parent_activity_id,omitempty" validate:"gte=0"`
	SceneType        string       `json:"scene_type,omitempty"`
	Tags             []string     `json:"tags,omitempty"`
}

// Key returns the activity key addressed by the message.
func (m TaskMessage) Key() ActivityKey {
	return ActivityKey{CollectionID: m.CollectionID, Type: m.ActivityType, SceneID: m.SceneID}.Normalize()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the message shape. Failures are ValidationErrors.
func (m TaskMessage) Validate() error {
	if !m.ActivityType.Valid() {
		return Invalid("invalid activity type %d", int(m.ActivityType))
	}
	if strings.TrimSpace(m.SceneID) == "" {
		return Invalid("scene_id is required")
	}
	if err := validate.Struct(m); err != nil {
		return NewError(ValidationError, describeValidation(err), err)
	}
	if m.Plan != nil {
		if err := validate.Struct(m.Plan); err != nil {
			return NewError(ValidationError, describeValidation(err), err)
		}
		if !strings.HasPrefix(m.Plan.Route, RouteTablePrefix) && !strings.HasPrefix(m.Plan.Route, RouteSpecPrefix) {
			return Invalid("unknown plan route %q", m.Plan.Route)
		}
	}
	return nil
}

// EncodeMessage serializes a message for a broker.
func EncodeMessage(m TaskMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode task message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses and validates a broker payload. Numbers in args are
// kept as json.Number so integer ids survive the round trip.
func DecodeMessage(data []byte) (TaskMessage, error) {
	var m TaskMessage
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		var ie *Error
		if errors.As(err, &ie) {
			return TaskMessage{}, ie
		}
		return TaskMessage{}, NewError(ValidationError, "malformed task message", err)
	}
	if err := m.Validate(); err != nil {
		return TaskMessage{}, err
	}
	return m, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
