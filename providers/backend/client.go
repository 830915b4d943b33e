// Package backend talks to the external transcoding service instances.
package backend

import (
	"context"

	"transcode-orchestrator/core/models"
)

// Client is the contract a backend instance has to satisfy
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks transcode-orchestrator/providers/backend Client
type Client interface {
	// SubmitJob asks the instance to run a job keyed by jobKey. A rejected
	// submission returns accepted=false and no error.
	SubmitJob(ctx context.Context, inst models.InstanceConfig, inputURL, jobKey string) (accepted bool, artifacts []models.ArtifactRef, err error)
	GetJobStatus(ctx context.Context, inst models.InstanceConfig, jobKey string) (*JobStatus, error)
	GetArtifactLocation(ctx context.Context, inst models.InstanceConfig, artifactID string) (*models.StorageRef, error)
}

// JobStatus is the normalized state of a job and its outputs
type JobStatus struct {
	State   models.AttemptState
	Outputs []OutputStatus
}

// OutputStatus is the normalized state of one output
type OutputStatus struct {
	ArtifactID string
	State      models.AttemptState
	Progress   int
}
