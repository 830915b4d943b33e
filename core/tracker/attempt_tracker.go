package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"transcode-orchestrator/core/clock"
	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/scheduler"
	"transcode-orchestrator/providers/backend"

	"github.com/hashicorp/go-hclog"
)

// Timing holds the intervals of the two attempt timers
type Timing struct {
	CurrencyCheckInterval time.Duration
	CurrencyThreshold     time.Duration
	TimeoutCheckInterval  time.Duration
	TimeoutThreshold      time.Duration
}

// Directory resolves an instance id to its backend coordinates
type Directory interface {
	Instance(id string) (models.InstanceConfig, bool)
}

// AttemptTracker handles signals addressed to attempt trackers
type AttemptTracker struct {
	backend   backend.Client
	directory Directory
	timing    Timing
	clock     clock.Clock
	logger    hclog.Logger
}

// NewAttemptTracker creates the attempt tracker handler
func NewAttemptTracker(client backend.Client, directory Directory, timing Timing, clk clock.Clock, logger hclog.Logger) *AttemptTracker {
	return &AttemptTracker{
		backend:   client,
		directory: directory,
		timing:    timing,
		clock:     clk,
		logger:    logger.Named("attempt-tracker"),
	}
}

func (t *AttemptTracker) Kind() models.EntityKind { return models.KindTracker }

func (t *AttemptTracker) Handle(ctx context.Context, current []byte, sig models.Signal) (*scheduler.Result, error) {
	var a *models.Attempt
	if current != nil {
		a = &models.Attempt{}
		if err := json.Unmarshal(current, a); err != nil {
			return nil, fmt.Errorf("decode attempt %s: %w", sig.To.Key, err)
		}
	}

	if a == nil && sig.Op != models.OpStart {
		t.logger.Warn("signal for unknown attempt", "op", sig.Op, "tracker_id", sig.To.Key)
		return scheduler.Ignore(), nil
	}

	var (
		changed bool
		out     []models.Outbound
		err     error
	)
	switch sig.Op {
	case models.OpStart:
		var p models.StartAttempt
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		if a != nil {
			t.logger.Debug("attempt already started", "tracker_id", a.ID)
			return scheduler.Ignore(), nil
		}
		a, out = t.Start(ctx, sig.To.Key, p)
		changed = true
	case models.OpStatusUpdate:
		var p models.StatusUpdate
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		out, err = t.ReceiveStatusUpdate(ctx, a, p)
		changed = true
	case models.OpOutputProgress:
		var p models.OutputProgress
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		out = t.ReceiveOutputProgress(a, p)
		changed = true
	case models.OpCheckCurrency:
		var p models.TimerFired
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		changed, out, err = t.CheckCurrency(ctx, a, p)
	case models.OpCheckTimeout:
		var p models.TimerFired
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		changed, out = t.CheckTimeout(a, p)
	default:
		t.logger.Warn("ignoring unknown operation", "op", sig.Op, "tracker_id", sig.To.Key)
		return scheduler.Ignore(), nil
	}
	if err != nil {
		return nil, err
	}

	if !changed {
		return &scheduler.Result{Outbox: out}, nil
	}
	return &scheduler.Result{State: a, Status: string(a.State), Outbox: out}, nil
}

// Start submits the attempt to its instance. Any submission problem fails the attempt at once.
func (t *AttemptTracker) Start(ctx context.Context, trackerID string, p models.StartAttempt) (*models.Attempt, []models.Outbound) {
	now := t.clock.Now()
	a := &models.Attempt{
		ID:          trackerID,
		JobID:       p.JobID,
		InstanceID:  p.InstanceID,
		InputURL:    p.InputURL,
		State:       models.AttemptStateSubmitted,
		SubmittedAt: now,
	}
	logger := t.logger.With("tracker_id", trackerID, "instance_id", p.InstanceID)

	inst, ok := t.directory.Instance(p.InstanceID)
	if !ok {
		logger.Error("instance is not configured")
		return a, t.finish(a, models.AttemptStateFailed, "instance not configured", nil)
	}
	a.Instance = &inst

	accepted, artifacts, err := t.backend.SubmitJob(ctx, inst, p.InputURL, trackerID)
	if err != nil {
		logger.Error("submission failed", "error", err)
		return a, t.finish(a, models.AttemptStateFailed, "submission failed: "+err.Error(), nil)
	}
	if !accepted {
		logger.Warn("submission rejected")
		return a, t.finish(a, models.AttemptStateFailed, "submission rejected", nil)
	}

	var out []models.Outbound
	a.Artifacts = artifacts
	for _, art := range artifacts {
		outputID := models.OutputKey(trackerID, art.ID)
		a.OutputTrackers = append(a.OutputTrackers, outputID)
		out = append(out, models.Outbound{
			To:      models.Address{Kind: models.KindOutputTracker, Key: outputID},
			Op:      models.OpInit,
			Payload: models.InitOutput{TrackerID: trackerID, ArtifactID: art.ID},
		})
	}

	a.Record(models.StatusRecord{State: models.AttemptStateSubmitted, Source: models.SourceSubmit, EventTime: now, ReceivedAt: now})
	a.State = models.AttemptStateProcessing
	a.LastProgressAt = &now
	out = append(out, t.armCurrencyCheck(a, now)...)
	out = append(out, t.armTimeoutCheck(a, now)...)

	logger.Info("attempt submitted", "artifacts", len(artifacts))
	return a, out
}

// ReceiveStatusUpdate records every update; only a newer forward transition changes the state
func (t *AttemptTracker) ReceiveStatusUpdate(ctx context.Context, a *models.Attempt, p models.StatusUpdate) ([]models.Outbound, error) {
	now := t.clock.Now()
	a.Record(models.StatusRecord{State: p.State, Source: p.Source, EventTime: p.EventTime, ReceivedAt: now})

	if a.State.IsTerminal() {
		t.logger.Debug("update after terminal state", "tracker_id", a.ID, "state", a.State, "update", p.State)
		return nil, nil
	}

	var out []models.Outbound
	newer := a.LastProgressAt == nil || p.EventTime.After(*a.LastProgressAt)
	if newer && p.State.Rank() > a.State.Rank() {
		t.logger.Info("attempt state changed", "tracker_id", a.ID, "from", a.State, "to", p.State, "source", p.Source)
		eventTime := p.EventTime
		a.LastProgressAt = &eventTime

		if p.State.IsTerminal() {
			var artifacts []models.Artifact
			if p.State == models.AttemptStateSucceeded {
				var err error
				if artifacts, err = t.resolveArtifacts(ctx, a); err != nil {
					return nil, err
				}
			}
			return t.finish(a, p.State, "backend reported "+string(p.State), artifacts), nil
		}
		a.State = p.State
	}

	if a.State == models.AttemptStateProcessing {
		out = append(out, t.armCurrencyCheck(a, now)...)
	}
	return out, nil
}

// ReceiveOutputProgress is a heartbeat from an output tracker and never changes the state
func (t *AttemptTracker) ReceiveOutputProgress(a *models.Attempt, p models.OutputProgress) []models.Outbound {
	a.Record(models.StatusRecord{Source: models.SourceOutput, EventTime: p.EventTime, ReceivedAt: t.clock.Now()})
	if a.State.IsTerminal() {
		return nil
	}
	if a.LastProgressAt == nil || p.EventTime.After(*a.LastProgressAt) {
		eventTime := p.EventTime
		a.LastProgressAt = &eventTime
	}
	return nil
}

// CheckCurrency polls the backend when no update arrived within the currency threshold.
// It reports whether the attempt changed.
func (t *AttemptTracker) CheckCurrency(ctx context.Context, a *models.Attempt, p models.TimerFired) (bool, []models.Outbound, error) {
	if a.State.IsTerminal() || !sameTime(a.NextCurrencyCheckAt, p.FireAt) {
		return false, nil, nil
	}

	now := t.clock.Now()
	a.NextCurrencyCheckAt = nil
	logger := t.logger.With("tracker_id", a.ID, "instance_id", a.InstanceID)

	var out []models.Outbound
	if a.LastUpdateAt != nil && now.Sub(*a.LastUpdateAt) < t.timing.CurrencyThreshold {
		logger.Debug("attempt is current", "last_update", *a.LastUpdateAt)
	} else {
		logger.Info("no recent updates, polling backend", "last_update", a.LastUpdateAt)
		polled, err := t.poll(ctx, a, now)
		if err != nil {
			return false, nil, err
		}
		out = append(out, polled...)
	}

	if !a.State.IsTerminal() {
		out = append(out, t.armCurrencyCheck(a, now)...)
	}
	return true, out, nil
}

// poll feeds the backend's view through the push paths: the job status directly,
// the outputs as signals to their trackers.
func (t *AttemptTracker) poll(ctx context.Context, a *models.Attempt, now time.Time) ([]models.Outbound, error) {
	inst, ok := t.instance(a)
	if !ok {
		return nil, nil
	}
	status, err := t.backend.GetJobStatus(ctx, inst, a.ID)
	if err != nil {
		t.logger.Error("poll failed", "tracker_id", a.ID, "instance_id", a.InstanceID, "error", err)
		return nil, nil
	}

	var out []models.Outbound
	for _, o := range status.Outputs {
		out = append(out, models.Outbound{
			To: models.Address{Kind: models.KindOutputTracker, Key: models.OutputKey(a.ID, o.ArtifactID)},
			Op: models.OpStatusUpdate,
			Payload: models.StatusUpdate{
				State:     o.State,
				Progress:  o.Progress,
				Source:    models.SourcePoll,
				EventTime: now,
			},
		})
	}

	if status.State != models.AttemptStateSubmitted {
		more, err := t.ReceiveStatusUpdate(ctx, a, models.StatusUpdate{State: status.State, Source: models.SourcePoll, EventTime: now})
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
	}
	return out, nil
}

// CheckTimeout declares the attempt dead when no progress was seen within the timeout threshold
func (t *AttemptTracker) CheckTimeout(a *models.Attempt, p models.TimerFired) (bool, []models.Outbound) {
	if a.State.IsTerminal() || !sameTime(a.NextTimeoutCheckAt, p.FireAt) {
		return false, nil
	}

	now := t.clock.Now()
	a.NextTimeoutCheckAt = nil
	if a.LastProgressAt == nil || a.LastProgressAt.Before(now.Add(-t.timing.TimeoutThreshold)) {
		t.logger.Warn("attempt timed out", "tracker_id", a.ID, "instance_id", a.InstanceID, "last_progress", a.LastProgressAt)
		return true, t.finish(a, models.AttemptStateTimedOut, "no progress within "+t.timing.TimeoutThreshold.String(), nil)
	}

	t.logger.Debug("attempt still progressing", "tracker_id", a.ID, "deadline", a.LastProgressAt.Add(t.timing.TimeoutThreshold))
	return true, t.armTimeoutCheck(a, now)
}

// finish moves the attempt to a terminal state and reports it to the coordinator
func (t *AttemptTracker) finish(a *models.Attempt, state models.AttemptState, reason string, artifacts []models.Artifact) []models.Outbound {
	now := t.clock.Now()
	a.State = state
	a.CompletedAt = &now
	a.NextCurrencyCheckAt = nil
	a.NextTimeoutCheckAt = nil

	op := models.OpAttemptFailed
	switch state {
	case models.AttemptStateSucceeded:
		op = models.OpAttemptSucceeded
		reason = ""
	case models.AttemptStateTimedOut:
		op = models.OpAttemptTimedOut
	}
	if state != models.AttemptStateSucceeded {
		a.FailureReason = reason
	}

	return []models.Outbound{{
		To:      models.Address{Kind: models.KindCoordinator, Key: a.JobID},
		Op:      op,
		Payload: models.AttemptOutcome{TrackerID: a.ID, Reason: reason, Artifacts: artifacts},
	}}
}

func (t *AttemptTracker) resolveArtifacts(ctx context.Context, a *models.Attempt) ([]models.Artifact, error) {
	inst, ok := t.instance(a)
	if !ok {
		return nil, fmt.Errorf("attempt %s has no instance coordinates", a.ID)
	}
	artifacts := make([]models.Artifact, 0, len(a.Artifacts))
	for _, art := range a.Artifacts {
		ref, err := t.backend.GetArtifactLocation(ctx, inst, art.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve artifact %s: %w", art.ID, err)
		}
		artifacts = append(artifacts, models.Artifact{ID: art.ID, Location: *ref})
	}
	return artifacts, nil
}

// instance prefers the directory entry, since credentials are never persisted with the attempt
func (t *AttemptTracker) instance(a *models.Attempt) (models.InstanceConfig, bool) {
	if inst, ok := t.directory.Instance(a.InstanceID); ok {
		return inst, true
	}
	if a.Instance != nil {
		return *a.Instance, true
	}
	return models.InstanceConfig{}, false
}

// armCurrencyCheck schedules the next currency check unless one is already armed for the same instant
func (t *AttemptTracker) armCurrencyCheck(a *models.Attempt, now time.Time) []models.Outbound {
	fireAt := now.Add(t.timing.CurrencyCheckInterval)
	if sameTime(a.NextCurrencyCheckAt, fireAt) {
		return nil
	}
	a.NextCurrencyCheckAt = &fireAt
	return []models.Outbound{timer(a.ID, models.OpCheckCurrency, fireAt)}
}

func (t *AttemptTracker) armTimeoutCheck(a *models.Attempt, now time.Time) []models.Outbound {
	fireAt := now.Add(t.timing.TimeoutCheckInterval)
	if sameTime(a.NextTimeoutCheckAt, fireAt) {
		return nil
	}
	a.NextTimeoutCheckAt = &fireAt
	return []models.Outbound{timer(a.ID, models.OpCheckTimeout, fireAt)}
}

func timer(trackerID, op string, fireAt time.Time) models.Outbound {
	return models.Outbound{
		To:      models.Address{Kind: models.KindTracker, Key: trackerID},
		Op:      op,
		Payload: models.TimerFired{FireAt: fireAt},
		DueAt:   fireAt,
	}
}

func sameTime(armed *time.Time, t time.Time) bool {
	return armed != nil && armed.Equal(t)
}
