package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"transcode-orchestrator/core/clock"
	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/scheduler"

	"github.com/hashicorp/go-hclog"
)

// OutputTracker filters per-artifact status noise and forwards genuine progress to the attempt
type OutputTracker struct {
	clock  clock.Clock
	logger hclog.Logger
}

// NewOutputTracker creates the output tracker handler
func NewOutputTracker(clk clock.Clock, logger hclog.Logger) *OutputTracker {
	return &OutputTracker{clock: clk, logger: logger.Named("output-tracker")}
}

func (t *OutputTracker) Kind() models.EntityKind { return models.KindOutputTracker }

func (t *OutputTracker) Handle(_ context.Context, current []byte, sig models.Signal) (*scheduler.Result, error) {
	var o *models.OutputTracker
	if current != nil {
		o = &models.OutputTracker{}
		if err := json.Unmarshal(current, o); err != nil {
			return nil, fmt.Errorf("decode output %s: %w", sig.To.Key, err)
		}
	}

	var out []models.Outbound
	switch sig.Op {
	case models.OpInit:
		if o != nil {
			return scheduler.Ignore(), nil
		}
		var p models.InitOutput
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		o = t.Init(sig.To.Key, p)
	case models.OpStatusUpdate:
		var p models.StatusUpdate
		if err := sig.Decode(&p); err != nil {
			return nil, err
		}
		if o == nil {
			// updates can overtake the init signal
			trackerID, artifactID, ok := models.SplitOutputKey(sig.To.Key)
			if !ok {
				t.logger.Warn("status for malformed output key", "output_id", sig.To.Key)
				return scheduler.Ignore(), nil
			}
			o = t.Init(sig.To.Key, models.InitOutput{TrackerID: trackerID, ArtifactID: artifactID})
		}
		out = t.ReceiveStatusUpdate(o, p)
	default:
		t.logger.Warn("ignoring unknown operation", "op", sig.Op, "output_id", sig.To.Key)
		return scheduler.Ignore(), nil
	}

	return &scheduler.Result{State: o, Status: string(o.State), Outbox: out}, nil
}

// Init creates the output record in its initial state
func (t *OutputTracker) Init(outputID string, p models.InitOutput) *models.OutputTracker {
	return &models.OutputTracker{
		ID:         outputID,
		TrackerID:  p.TrackerID,
		ArtifactID: p.ArtifactID,
		State:      models.AttemptStateSubmitted,
		CreatedAt:  t.clock.Now(),
	}
}

// ReceiveStatusUpdate records the update and forwards it when the artifact left a
// transient state for any other state or its progress increased, and the event is newer
// than the last one forwarded. Ordering of attempt states is left to the tracker.
func (t *OutputTracker) ReceiveStatusUpdate(o *models.OutputTracker, p models.StatusUpdate) []models.Outbound {
	o.History = append(o.History, models.OutputRecord{
		State:      p.State,
		Progress:   p.Progress,
		Source:     p.Source,
		EventTime:  p.EventTime,
		ReceivedAt: t.clock.Now(),
	})

	advanced := o.State.IsTransient() && p.State != o.State
	progressed := p.Progress > o.Progress
	if !advanced && !progressed {
		return nil
	}
	if o.LastForwardedAt != nil && !p.EventTime.After(*o.LastForwardedAt) {
		t.logger.Debug("stale output progress", "output_id", o.ID, "event_time", p.EventTime)
		return nil
	}

	if advanced {
		o.State = p.State
	}
	if progressed {
		o.Progress = p.Progress
	}
	eventTime := p.EventTime
	o.LastForwardedAt = &eventTime

	t.logger.Debug("forwarding output progress", "output_id", o.ID, "state", o.State, "progress", o.Progress)
	return []models.Outbound{{
		To:      models.Address{Kind: models.KindTracker, Key: o.TrackerID},
		Op:      models.OpOutputProgress,
		Payload: models.OutputProgress{ArtifactID: o.ArtifactID, EventTime: p.EventTime},
	}}
}
