package models

import (
	"strings"
	"time"
)

// EntityRecord is the stored form of any entity. State holds the JSON document,
// Status a copy of its current state for listing and metrics.
type EntityRecord struct {
	Kind      EntityKind
	Key       string
	Status    string
	State     []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Address returns where signals for this record are sent
func (r *EntityRecord) Address() Address {
	return Address{Kind: r.Kind, Key: r.Key}
}

const keySeparator = "|"

// TrackerKey builds the composite key of an attempt tracker
func TrackerKey(jobID, attemptID string) string {
	return jobID + keySeparator + attemptID
}

// OutputKey builds the key of an output tracker
func OutputKey(trackerID, artifactID string) string {
	return trackerID + keySeparator + artifactID
}

// JobIDFromTracker returns the job part of a tracker key
func JobIDFromTracker(trackerID string) string {
	jobID, _, _ := strings.Cut(trackerID, keySeparator)
	return jobID
}

// SplitOutputKey reverses OutputKey. Tracker keys always contain exactly one separator,
// so anything after the second belongs to the artifact id.
func SplitOutputKey(key string) (trackerID, artifactID string, ok bool) {
	parts := strings.SplitN(key, keySeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return TrackerKey(parts[0], parts[1]), parts[2], true
}
