package models

import (
	"encoding/json"
	"time"
)

// EntityKind names one of the persisted actor types
type EntityKind string

const (
	KindCoordinator   EntityKind = "coordinator"
	KindTracker       EntityKind = "tracker"
	KindOutputTracker EntityKind = "output_tracker"
)

// Address identifies a single entity
type Address struct {
	Kind EntityKind `json:"kind"`
	Key  string     `json:"key"`
}

func (a Address) String() string {
	return string(a.Kind) + "/" + a.Key
}

// Signal operations
const (
	OpStart            = "start"
	OpInit             = "init"
	OpAttemptSucceeded = "attempt_succeeded"
	OpAttemptFailed    = "attempt_failed"
	OpAttemptTimedOut  = "attempt_timed_out"
	OpStatusUpdate     = "status_update"
	OpOutputProgress   = "output_progress"
	OpCheckCurrency    = "check_currency"
	OpCheckTimeout     = "check_timeout"
)

// Outbound is a signal produced by a transition, before it is persisted.
// A zero DueAt means deliver as soon as possible.
type Outbound struct {
	To      Address
	Op      string
	Payload interface{}
	DueAt   time.Time
}

// Signal is a persisted message waiting for delivery to an entity
type Signal struct {
	ID          string
	To          Address
	Op          string
	Payload     json.RawMessage
	DueAt       time.Time
	CreatedAt   time.Time
	LockedUntil *time.Time
	Deliveries  int
}

// Decode unmarshals the payload into v
func (s Signal) Decode(v interface{}) error {
	if len(s.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(s.Payload, v)
}

// StartJob starts a coordinator
type StartJob struct {
	InputURL string `json:"inputUrl"`
}

// StartAttempt starts a tracker on one instance
type StartAttempt struct {
	JobID      string `json:"jobId"`
	InputURL   string `json:"inputUrl"`
	InstanceID string `json:"instanceId"`
}

// AttemptOutcome reports a terminal attempt to its coordinator
type AttemptOutcome struct {
	TrackerID string     `json:"trackerId"`
	Reason    string     `json:"reason,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// StatusUpdate carries a normalized status for a tracker or an output tracker
type StatusUpdate struct {
	State     AttemptState `json:"state"`
	Progress  int          `json:"progress,omitempty"`
	Source    UpdateSource `json:"source"`
	EventTime time.Time    `json:"eventTime"`
}

// OutputProgress is forwarded by an output tracker when its artifact advanced
type OutputProgress struct {
	ArtifactID string    `json:"artifactId"`
	EventTime  time.Time `json:"eventTime"`
}

// TimerFired is the payload of scheduled self-signals
type TimerFired struct {
	FireAt time.Time `json:"fireAt"`
}

// InitOutput creates an output tracker
type InitOutput struct {
	TrackerID  string `json:"trackerId"`
	ArtifactID string `json:"artifactId"`
}
