package models

import "time"

// Attempt is the persisted state of an attempt tracker: one submission of a job to one instance
type Attempt struct {
	ID             string          `json:"id"`
	JobID          string          `json:"jobId"`
	InstanceID     string          `json:"instanceId"`
	Instance       *InstanceConfig `json:"instance,omitempty"`
	InputURL       string          `json:"inputUrl"`
	State          AttemptState    `json:"state"`
	Artifacts      []ArtifactRef   `json:"artifacts,omitempty"`
	OutputTrackers []string        `json:"outputTrackers,omitempty"`
	History        []StatusRecord  `json:"history"`
	FailureReason  string          `json:"failureReason,omitempty"`
	SubmittedAt    time.Time       `json:"submittedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`

	// LastUpdateAt is the latest event time in History, kept on insert
	LastUpdateAt   *time.Time `json:"lastUpdateAt,omitempty"`
	LastProgressAt *time.Time `json:"lastProgressAt,omitempty"`

	// Fire times of the armed timers. A timer signal carrying any other time is stale.
	NextCurrencyCheckAt *time.Time `json:"nextCurrencyCheckAt,omitempty"`
	NextTimeoutCheckAt  *time.Time `json:"nextTimeoutCheckAt,omitempty"`
}

// StatusRecord is one entry of an attempt's status history
type StatusRecord struct {
	State      AttemptState `json:"state,omitempty"`
	Source     UpdateSource `json:"source"`
	EventTime  time.Time    `json:"eventTime"`
	ReceivedAt time.Time    `json:"receivedAt"`
}

// UpdateSource identifies which channel produced a status update
type UpdateSource string

const (
	SourceSubmit UpdateSource = "submit"
	SourcePush   UpdateSource = "push"
	SourcePoll   UpdateSource = "poll"
	SourceOutput UpdateSource = "output"
)

// Record appends to the history and advances LastUpdateAt
func (a *Attempt) Record(rec StatusRecord) {
	a.History = append(a.History, rec)
	if a.LastUpdateAt == nil || rec.EventTime.After(*a.LastUpdateAt) {
		t := rec.EventTime
		a.LastUpdateAt = &t
	}
}

// InstanceConfig holds the coordinates of one backend instance
type InstanceConfig struct {
	ID           string `json:"id" yaml:"id"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	Region       string `json:"region,omitempty" yaml:"region"`
	APIKey       string `json:"-" yaml:"api_key"`
	SignRequests bool   `json:"signRequests,omitempty" yaml:"sign_requests"`
}
