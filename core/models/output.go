package models

import "time"

// OutputTracker is the persisted state of one declared artifact of an attempt
type OutputTracker struct {
	ID              string         `json:"id"`
	TrackerID       string         `json:"trackerId"`
	ArtifactID      string         `json:"artifactId"`
	State           AttemptState   `json:"state"`
	Progress        int            `json:"progress"`
	History         []OutputRecord `json:"history"`
	LastForwardedAt *time.Time     `json:"lastForwardedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// OutputRecord is one status report received for an artifact
type OutputRecord struct {
	State      AttemptState `json:"state"`
	Progress   int          `json:"progress"`
	Source     UpdateSource `json:"source"`
	EventTime  time.Time    `json:"eventTime"`
	ReceivedAt time.Time    `json:"receivedAt"`
}
