// Package coordinator supervises jobs: it picks backend instances, starts one
// attempt tracker at a time and retries on another instance until one attempt
// succeeds or the pool is exhausted.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"transcode-orchestrator/core/clock"
	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/scheduler"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Config is the routing policy and instance pool
type Config struct {
	RoutingMode  models.RoutingMode
	HomeInstance string
	Instances    []string
}

// Coordinator handles signals addressed to job coordinators
type Coordinator struct {
	cfg    Config
	clock  clock.Clock
	logger hclog.Logger
	newID  func() string

	mu  sync.Mutex // rand.Rand is not safe for concurrent use
	rng *rand.Rand
}

// New creates a coordinator handler. rng drives random instance selection.
func New(cfg Config, rng *rand.Rand, clk clock.Clock, logger hclog.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		clock:  clk,
		logger: logger.Named("coordinator"),
		newID:  uuid.NewString,
		rng:    rng,
	}
}

func (c *Coordinator) Kind() models.EntityKind { return models.KindCoordinator }

func (c *Coordinator) Handle(_ context.Context, current []byte, sig models.Signal) (*scheduler.Result, error) {
	var job *models.Job
	if current != nil {
		job = &models.Job{}
		if err := json.Unmarshal(current, job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", sig.To.Key, err)
		}
	}

	var (
		next *models.Job
		out  []models.Outbound
	)
	switch sig.Op {
	case models.OpStart:
		var p models.StartJob
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		next, out = c.Start(job, sig.To.Key, p)
	case models.OpAttemptSucceeded:
		var p models.AttemptOutcome
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		next, out = c.OnAttemptSucceeded(job, p)
	case models.OpAttemptFailed:
		var p models.AttemptOutcome
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		next, out = c.OnAttemptFailed(job, p)
	case models.OpAttemptTimedOut:
		var p models.AttemptOutcome
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		next, out = c.OnAttemptTimedOut(job, p)
	default:
		c.logger.Warn("ignoring unknown operation", "op", sig.Op, "job_id", sig.To.Key)
		return scheduler.Ignore(), nil
	}

	if next == nil {
		return &scheduler.Result{Outbox: out}, nil
	}
	return &scheduler.Result{State: next, Status: string(next.State), Outbox: out}, nil
}

// Start creates the job and launches its first attempt. A replayed start is ignored.
func (c *Coordinator) Start(job *models.Job, jobID string, p models.StartJob) (*models.Job, []models.Outbound) {
	if job != nil {
		c.logger.Debug("job already started", "job_id", jobID)
		return nil, nil
	}

	job = &models.Job{
		ID:          jobID,
		InputURL:    p.InputURL,
		State:       models.JobStateSubmitted,
		SubmittedAt: c.clock.Now(),
	}
	c.logger.Info("job submitted", "job_id", jobID, "input_url", p.InputURL)

	out, ok := c.startAttempt(job)
	if !ok {
		c.fail(job, "no backend instance available")
		return job, nil
	}
	job.State = models.JobStateProcessing
	return job, out
}

// OnAttemptSucceeded records the winning instance and its artifacts
func (c *Coordinator) OnAttemptSucceeded(job *models.Job, p models.AttemptOutcome) (*models.Job, []models.Outbound) {
	ref := c.openAttempt(job, p.TrackerID, models.OpAttemptSucceeded)
	if ref == nil {
		return nil, nil
	}

	now := c.clock.Now()
	ref.Outcome = models.AttemptStateSucceeded
	job.Result = &models.JobResult{InstanceID: ref.InstanceID, Artifacts: p.Artifacts}
	job.State = models.JobStateSucceeded
	job.CompletedAt = &now

	c.logger.Info("job succeeded", "job_id", job.ID, "instance_id", ref.InstanceID,
		"artifacts", len(p.Artifacts), "attempts", len(job.Attempts))
	return job, nil
}

// OnAttemptFailed moves the job to another instance
func (c *Coordinator) OnAttemptFailed(job *models.Job, p models.AttemptOutcome) (*models.Job, []models.Outbound) {
	return c.retry(job, p, models.AttemptStateFailed, models.OpAttemptFailed)
}

// OnAttemptTimedOut moves the job to another instance
func (c *Coordinator) OnAttemptTimedOut(job *models.Job, p models.AttemptOutcome) (*models.Job, []models.Outbound) {
	return c.retry(job, p, models.AttemptStateTimedOut, models.OpAttemptTimedOut)
}

func (c *Coordinator) retry(job *models.Job, p models.AttemptOutcome, outcome models.AttemptState, op string) (*models.Job, []models.Outbound) {
	ref := c.openAttempt(job, p.TrackerID, op)
	if ref == nil {
		return nil, nil
	}

	ref.Outcome = outcome
	ref.Reason = p.Reason
	job.LastFailedInstance = ref.InstanceID
	c.logger.Warn("attempt did not succeed", "job_id", job.ID, "tracker_id", p.TrackerID,
		"instance_id", ref.InstanceID, "outcome", outcome, "reason", p.Reason)

	out, ok := c.startAttempt(job)
	if !ok {
		c.fail(job, "instance pool exhausted")
		return job, nil
	}
	return job, out
}

// openAttempt returns the attempt an outcome refers to, or nil when the outcome must be ignored:
// the job is unknown or finished, the tracker is not ours, or its outcome is already recorded.
func (c *Coordinator) openAttempt(job *models.Job, trackerID, op string) *models.AttemptRef {
	if job == nil {
		c.logger.Warn("outcome for unknown job", "op", op, "tracker_id", trackerID)
		return nil
	}
	if job.State.IsTerminal() {
		c.logger.Debug("ignoring outcome for finished job", "op", op, "job_id", job.ID, "tracker_id", trackerID, "state", job.State)
		return nil
	}
	ref := job.Attempt(trackerID)
	if ref == nil {
		c.logger.Warn("outcome from unknown tracker", "op", op, "job_id", job.ID, "tracker_id", trackerID)
		return nil
	}
	if ref.Outcome != "" {
		c.logger.Debug("duplicate outcome", "op", op, "job_id", job.ID, "tracker_id", trackerID)
		return nil
	}
	return ref
}

// startAttempt records a new attempt and returns the signal that starts its tracker.
// It returns false when no instance is left.
func (c *Coordinator) startAttempt(job *models.Job) ([]models.Outbound, bool) {
	instanceID, ok := c.SelectInstance(job)
	if !ok {
		return nil, false
	}

	trackerID := models.TrackerKey(job.ID, c.newID())
	job.Attempts = append(job.Attempts, models.AttemptRef{
		InstanceID: instanceID,
		TrackerID:  trackerID,
		StartedAt:  c.clock.Now(),
	})
	c.logger.Info("starting attempt", "job_id", job.ID, "tracker_id", trackerID,
		"instance_id", instanceID, "attempt", len(job.Attempts))

	return []models.Outbound{{
		To: models.Address{Kind: models.KindTracker, Key: trackerID},
		Op: models.OpStart,
		Payload: models.StartAttempt{
			JobID:      job.ID,
			InputURL:   job.InputURL,
			InstanceID: instanceID,
		},
	}}, true
}

// SelectInstance picks the home instance first under regional affinity,
// otherwise a random instance that has not been tried for this job.
func (c *Coordinator) SelectInstance(job *models.Job) (string, bool) {
	if c.cfg.RoutingMode == models.RoutingModeRegionalAffinity && c.cfg.HomeInstance != "" &&
		!job.Tried(c.cfg.HomeInstance) && c.inPool(c.cfg.HomeInstance) {
		return c.cfg.HomeInstance, true
	}

	remaining := make([]string, 0, len(c.cfg.Instances))
	for _, id := range c.cfg.Instances {
		if !job.Tried(id) {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return "", false
	}

	c.mu.Lock()
	i := c.rng.Intn(len(remaining))
	c.mu.Unlock()
	return remaining[i], true
}

func (c *Coordinator) inPool(id string) bool {
	for _, inst := range c.cfg.Instances {
		if inst == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) fail(job *models.Job, reason string) {
	now := c.clock.Now()
	job.State = models.JobStateFailed
	job.CompletedAt = &now
	c.logger.Error("job failed", "job_id", job.ID, "reason", reason,
		"attempts", len(job.Attempts), "last_failed_instance", job.LastFailedInstance)
}
