package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"transcode-orchestrator/core/models"

	"github.com/hashicorp/go-hclog"
)

const (
	eventJobStateChange       = "JobStateChange"
	eventJobOutputStateChange = "JobOutputStateChange"
	eventSubscriptionValidate = "SubscriptionValidationEvent"
)

var eventSubjectRegex = regexp.MustCompile(`.*/jobs/(.*)`)

// Event is one envelope of a push notification batch
type Event struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Subject   string          `json:"subject"`
	EventTime time.Time       `json:"eventTime"`
	Data      json.RawMessage `json:"data"`
}

type jobStateData struct {
	State string `json:"state"`
}

type jobOutputStateData struct {
	Output struct {
		AssetName string `json:"assetName"`
		Progress  int    `json:"progress"`
		State     string `json:"state"`
	} `json:"output"`
}

type validationData struct {
	ValidationCode string `json:"validationCode"`
}

// EventHandler turns backend push notifications into tracker signals
type EventHandler struct {
	sender Sender
	logger hclog.Logger
}

// NewEventHandler creates a new push notification handler
func NewEventHandler(sender Sender, logger hclog.Logger) *EventHandler {
	return &EventHandler{sender: sender, logger: logger.Named("events-api")}
}

// ReceiveEvents handles POST /v1/events. The batch is rejected as a whole when any
// event carries a state that cannot be mapped, whatever its subject, so nothing is
// half-applied. A validation event is answered after the rest of the batch is queued.
func (h *EventHandler) ReceiveEvents(w http.ResponseWriter, r *http.Request) {
	var events []Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var out []models.Outbound
	var validation *validationData
	for _, ev := range events {
		switch {
		case strings.HasSuffix(ev.EventType, eventSubscriptionValidate):
			var data validationData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				http.Error(w, "Invalid validation event", http.StatusBadRequest)
				return
			}
			h.logger.Info("subscription validation", "event_id", ev.ID)
			validation = &data

		case strings.HasSuffix(ev.EventType, eventJobOutputStateChange):
			o, err := h.outputUpdate(ev)
			if err != nil {
				h.reject(w, ev, err)
				return
			}
			if o != nil {
				out = append(out, *o)
			}

		case strings.HasSuffix(ev.EventType, eventJobStateChange):
			o, err := h.jobUpdate(ev)
			if err != nil {
				h.reject(w, ev, err)
				return
			}
			if o != nil {
				out = append(out, *o)
			}

		default:
			h.logger.Debug("ignoring event", "event_type", ev.EventType, "subject", ev.Subject)
		}
	}

	if len(out) > 0 {
		if err := h.sender.Send(r.Context(), out...); err != nil {
			h.logger.Error("failed to enqueue status updates", "count", len(out), "error", err)
			http.Error(w, "Failed to accept events", http.StatusInternalServerError)
			return
		}
	}

	if validation != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"validationResponse": validation.ValidationCode,
		})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *EventHandler) jobUpdate(ev Event) (*models.Outbound, error) {
	var data jobStateData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return nil, err
	}
	state, err := models.MapNativeState(data.State)
	if err != nil {
		return nil, err
	}
	trackerID, ok := trackerFromSubject(ev.Subject)
	if !ok {
		h.logger.Warn("event subject does not name a job", "subject", ev.Subject)
		return nil, nil
	}
	// nothing to learn until the backend starts processing
	if state == models.AttemptStateSubmitted {
		return nil, nil
	}

	h.logger.Debug("job state event", "tracker_id", trackerID, "state", state, "event_time", ev.EventTime)
	return &models.Outbound{
		To: models.Address{Kind: models.KindTracker, Key: trackerID},
		Op: models.OpStatusUpdate,
		Payload: models.StatusUpdate{
			State:     state,
			Source:    models.SourcePush,
			EventTime: ev.EventTime.UTC(),
		},
	}, nil
}

func (h *EventHandler) outputUpdate(ev Event) (*models.Outbound, error) {
	var data jobOutputStateData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return nil, err
	}
	state, err := models.MapNativeState(data.Output.State)
	if err != nil {
		return nil, err
	}
	trackerID, ok := trackerFromSubject(ev.Subject)
	if !ok {
		h.logger.Warn("event subject does not name a job", "subject", ev.Subject)
		return nil, nil
	}
	if state == models.AttemptStateSubmitted {
		return nil, nil
	}
	if data.Output.AssetName == "" {
		h.logger.Warn("output event without asset", "tracker_id", trackerID)
		return nil, nil
	}

	outputID := models.OutputKey(trackerID, data.Output.AssetName)
	h.logger.Debug("output state event", "output_id", outputID, "state", state, "progress", data.Output.Progress)
	return &models.Outbound{
		To: models.Address{Kind: models.KindOutputTracker, Key: outputID},
		Op: models.OpStatusUpdate,
		Payload: models.StatusUpdate{
			State:     state,
			Progress:  data.Output.Progress,
			Source:    models.SourcePush,
			EventTime: ev.EventTime.UTC(),
		},
	}, nil
}

func (h *EventHandler) reject(w http.ResponseWriter, ev Event, err error) {
	h.logger.Error("rejecting event batch", "event_id", ev.ID, "event_type", ev.EventType, "subject", ev.Subject, "error", err)
	http.Error(w, "Invalid event "+ev.ID+": "+err.Error(), http.StatusBadRequest)
}

func trackerFromSubject(subject string) (string, bool) {
	m := eventSubjectRegex.FindStringSubmatch(subject)
	if m == nil || m[1] == "" {
		return "", false
	}
	return m[1], true
}
