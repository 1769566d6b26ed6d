package tasks

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/agentfabric/envelope"
)

// Common errors.
var (
	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("task manager closed")

	// ErrFeedClosed indicates the consumer closed the feed.
	ErrFeedClosed = errors.New("feed closed")
)

// State is the lifecycle state of a task.
type State string

const (
	StateSubmitted State = "submitted"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"

	// StateUnknown is reported for ids this manager has never seen.
	StateUnknown State = "unknown"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// working -> working is allowed so a runner can publish progress messages.
func CanTransition(from, to State) bool {
	switch from {
	case StateSubmitted:
		return to == StateWorking || to == StateCompleted || to == StateFailed
	case StateWorking:
		return to == StateWorking || to.IsTerminal()
	}
	return false
}

// Status is a point-in-time lifecycle state with an optional message.
type Status struct {
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a unit of task output, partial or final.
type Artifact struct {
	Name  string          `json:"name,omitempty"`
	Index int             `json:"index"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewArtifact marshals v as the artifact data.
func NewArtifact(name string, v any) (Artifact, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Name: name, Data: data}, nil
}

// Task is the observable record of one unit of work.
type Task struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id,omitempty"`
	Status    Status            `json:"status"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone creates a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	if t.Artifacts != nil {
		c.Artifacts = make([]Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			c.Artifacts[i] = a
			if a.Data != nil {
				c.Artifacts[i].Data = append(json.RawMessage(nil), a.Data...)
			}
		}
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// EventKind distinguishes status from artifact events.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventArtifact EventKind = "artifact"
)

// Event is one entry of a task's update stream.
type Event struct {
	TaskID   string    `json:"task_id"`
	Kind     EventKind `json:"kind"`
	Seq      int       `json:"seq"`
	Status   *Status   `json:"status,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// Final reports whether the event carries a terminal status.
func (e Event) Final() bool {
	return e.Kind == EventStatus && e.Status != nil && e.Status.State.IsTerminal()
}

// StartParams describes a task to start.
type StartParams struct {
	// ID identifies the task. A random id is assigned when empty.
	ID        string            `json:"id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// QueryParams names a task.
type QueryParams struct {
	ID string `json:"id"`
}

// PushConfig routes a task's events to an address as out-of-band messages.
type PushConfig struct {
	TaskID  string           `json:"task_id"`
	Address envelope.Address `json:"address"`
}
