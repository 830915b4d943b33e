package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnmappedState is returned when a backend reports a status value we do not know how to classify
var ErrUnmappedState = errors.New("unmapped backend state")

// AttemptState represents the state of one attempt, an output or a pushed update
type AttemptState string

const (
	AttemptStateSubmitted  AttemptState = "Submitted"
	AttemptStateProcessing AttemptState = "Processing"
	AttemptStateSucceeded  AttemptState = "Succeeded"
	AttemptStateFailed     AttemptState = "Failed"
	AttemptStateTimedOut   AttemptState = "TimedOut"
)

// Rank orders states so that forward transitions always increase it.
// All terminal states share the highest rank.
func (s AttemptState) Rank() int {
	switch s {
	case AttemptStateSubmitted:
		return 1
	case AttemptStateProcessing:
		return 2
	case AttemptStateSucceeded, AttemptStateFailed, AttemptStateTimedOut:
		return 3
	default:
		return 0
	}
}

// IsTerminal reports whether no further transitions may happen from s
func (s AttemptState) IsTerminal() bool {
	return s.Rank() == 3
}

// IsTransient reports whether s is an initial or in-flight value
func (s AttemptState) IsTransient() bool {
	return s == AttemptStateSubmitted || s == AttemptStateProcessing
}

// JobState represents the job-level state kept by a coordinator
type JobState string

const (
	JobStateSubmitted  JobState = "Submitted"
	JobStateProcessing JobState = "Processing"
	JobStateSucceeded  JobState = "Succeeded"
	JobStateFailed     JobState = "Failed"
)

// IsTerminal reports whether the job has finished
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// MapNativeState normalizes a backend-native job or output status.
// Unknown values are rejected rather than guessed.
func MapNativeState(native string) (AttemptState, error) {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "queued", "scheduled":
		return AttemptStateSubmitted, nil
	case "processing":
		return AttemptStateProcessing, nil
	case "finished":
		return AttemptStateSucceeded, nil
	case "error", "canceling", "canceled":
		return AttemptStateFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnmappedState, native)
	}
}

// RoutingMode controls how the first instance of a job is chosen
type RoutingMode string

const (
	RoutingModeRegionalAffinity RoutingMode = "RegionalAffinity"
	RoutingModeRoundRobin       RoutingMode = "RoundRobin"
)

// ParseRoutingMode accepts the routing mode names case-insensitively
func ParseRoutingMode(s string) (RoutingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regionalaffinity", "regional_affinity":
		return RoutingModeRegionalAffinity, nil
	case "roundrobin", "round_robin", "":
		return RoutingModeRoundRobin, nil
	default:
		return "", fmt.Errorf("unknown routing mode %q", s)
	}
}
