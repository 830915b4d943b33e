package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"transcode-orchestrator/core/clock"
	"transcode-orchestrator/core/models"
	"transcode-orchestrator/providers/backend"
	"transcode-orchestrator/providers/backend/mocks"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type directory map[string]models.InstanceConfig

func (d directory) Instance(id string) (models.InstanceConfig, bool) {
	inst, ok := d[id]
	return inst, ok
}

var (
	instA  = models.InstanceConfig{ID: "a", Endpoint: "https://a.example"}
	timing = Timing{
		CurrencyCheckInterval: time.Minute,
		CurrencyThreshold:     2 * time.Minute,
		TimeoutCheckInterval:  5 * time.Minute,
		TimeoutThreshold:      30 * time.Minute,
	}
)

const trackerID = "job-1|attempt-1"

func newTracker(t *testing.T) (*AttemptTracker, *mocks.MockClient, *clock.Fake) {
	t.Helper()
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	clk := clock.NewFake(t0)
	return NewAttemptTracker(client, directory{"a": instA}, timing, clk, hclog.NewNullLogger()), client, clk
}

func startAttempt(t *testing.T, tr *AttemptTracker, client *mocks.MockClient, artifacts ...models.ArtifactRef) (*models.Attempt, []models.Outbound) {
	t.Helper()
	client.EXPECT().SubmitJob(gomock.Any(), instA, "https://media/in.mp4", trackerID).Return(true, artifacts, nil)
	return tr.Start(context.Background(), trackerID, models.StartAttempt{JobID: "job-1", InputURL: "https://media/in.mp4", InstanceID: "a"})
}

func findOp(out []models.Outbound, op string) []models.Outbound {
	var found []models.Outbound
	for _, o := range out {
		if o.Op == op {
			found = append(found, o)
		}
	}
	return found
}

func TestStartSubmitsAndArmsTimers(t *testing.T) {
	tr, client, _ := newTracker(t)

	a, out := startAttempt(t, tr, client, models.ArtifactRef{ID: "720p"}, models.ArtifactRef{ID: "1080p"})

	assert.Equal(t, models.AttemptStateProcessing, a.State)
	assert.Equal(t, t0, *a.LastProgressAt)
	assert.Equal(t, []string{"job-1|attempt-1|720p", "job-1|attempt-1|1080p"}, a.OutputTrackers)
	require.Len(t, a.History, 1)
	assert.Equal(t, models.AttemptStateSubmitted, a.History[0].State)

	inits := findOp(out, models.OpInit)
	require.Len(t, inits, 2)
	assert.Equal(t, models.KindOutputTracker, inits[0].To.Kind)
	assert.Equal(t, models.InitOutput{TrackerID: trackerID, ArtifactID: "720p"}, inits[0].Payload)

	currency := findOp(out, models.OpCheckCurrency)
	require.Len(t, currency, 1)
	assert.Equal(t, t0.Add(time.Minute), currency[0].DueAt)
	assert.Equal(t, models.TimerFired{FireAt: t0.Add(time.Minute)}, currency[0].Payload)

	timeout := findOp(out, models.OpCheckTimeout)
	require.Len(t, timeout, 1)
	assert.Equal(t, t0.Add(5*time.Minute), timeout[0].DueAt)
}

func TestStartFailures(t *testing.T) {
	cases := map[string]func(*mocks.MockClient){
		"rejected": func(c *mocks.MockClient) {
			c.EXPECT().SubmitJob(gomock.Any(), instA, gomock.Any(), trackerID).Return(false, nil, nil)
		},
		"error": func(c *mocks.MockClient) {
			c.EXPECT().SubmitJob(gomock.Any(), instA, gomock.Any(), trackerID).Return(false, nil, errors.New("connection refused"))
		},
	}
	for name, expect := range cases {
		t.Run(name, func(t *testing.T) {
			tr, client, _ := newTracker(t)
			expect(client)

			a, out := tr.Start(context.Background(), trackerID, models.StartAttempt{JobID: "job-1", InputURL: "u", InstanceID: "a"})
			assert.Equal(t, models.AttemptStateFailed, a.State)
			require.Len(t, out, 1)
			assert.Equal(t, models.OpAttemptFailed, out[0].Op)
			assert.Equal(t, models.Address{Kind: models.KindCoordinator, Key: "job-1"}, out[0].To)
			assert.Nil(t, a.NextCurrencyCheckAt)
			assert.Nil(t, a.NextTimeoutCheckAt)
		})
	}

	t.Run("unknown instance", func(t *testing.T) {
		tr, _, _ := newTracker(t)
		a, out := tr.Start(context.Background(), trackerID, models.StartAttempt{JobID: "job-1", InputURL: "u", InstanceID: "zz"})
		assert.Equal(t, models.AttemptStateFailed, a.State)
		require.Len(t, out, 1)
		assert.Equal(t, models.OpAttemptFailed, out[0].Op)
	})
}

func TestSucceededUpdateResolvesArtifacts(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client, models.ArtifactRef{ID: "720p"}, models.ArtifactRef{ID: "1080p"})

	client.EXPECT().GetArtifactLocation(gomock.Any(), instA, "720p").Return(&models.StorageRef{Container: "c-720p"}, nil)
	client.EXPECT().GetArtifactLocation(gomock.Any(), instA, "1080p").Return(&models.StorageRef{Container: "c-1080p"}, nil)

	clk.Advance(time.Minute)
	out, err := tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{
		State: models.AttemptStateSucceeded, Source: models.SourcePush, EventTime: clk.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, models.AttemptStateSucceeded, a.State)
	require.Len(t, out, 1)
	assert.Equal(t, models.OpAttemptSucceeded, out[0].Op)
	outcome := out[0].Payload.(models.AttemptOutcome)
	assert.Equal(t, trackerID, outcome.TrackerID)
	assert.Equal(t, []models.Artifact{
		{ID: "720p", Location: models.StorageRef{Container: "c-720p"}},
		{ID: "1080p", Location: models.StorageRef{Container: "c-1080p"}},
	}, outcome.Artifacts)
}

func TestArtifactResolutionErrorFailsTheTurn(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client, models.ArtifactRef{ID: "720p"})
	client.EXPECT().GetArtifactLocation(gomock.Any(), instA, "720p").Return(nil, errors.New("timeout"))

	clk.Advance(time.Second)
	_, err := tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{State: models.AttemptStateSucceeded, EventTime: clk.Now()})
	assert.Error(t, err)
}

func TestStaleUpdateIsRecordedButIgnored(t *testing.T) {
	tr, client, _ := newTracker(t)
	a, _ := startAttempt(t, tr, client)

	out, err := tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{
		State: models.AttemptStateFailed, Source: models.SourcePush, EventTime: t0.Add(-time.Second),
	})
	require.NoError(t, err)

	assert.Equal(t, models.AttemptStateProcessing, a.State)
	assert.Equal(t, t0, *a.LastProgressAt)
	assert.Len(t, a.History, 2)
	assert.Empty(t, findOp(out, models.OpAttemptFailed))
}

func TestUpdateAtSubmissionInstantIsIgnored(t *testing.T) {
	tr, client, _ := newTracker(t)
	a, _ := startAttempt(t, tr, client)

	out, err := tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{
		State: models.AttemptStateSucceeded, Source: models.SourcePush, EventTime: t0,
	})
	require.NoError(t, err)

	assert.Equal(t, models.AttemptStateProcessing, a.State)
	assert.Equal(t, t0, *a.LastProgressAt)
	assert.Empty(t, findOp(out, models.OpAttemptSucceeded))
}

func TestStateNeverMovesBackwards(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)

	clk.Advance(time.Second)
	_, err := tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{State: models.AttemptStateSubmitted, EventTime: clk.Now()})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStateProcessing, a.State)
	assert.Equal(t, t0, *a.LastProgressAt, "non-transition does not count as progress")

	clk.Advance(time.Second)
	out, err := tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{State: models.AttemptStateFailed, EventTime: clk.Now()})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStateFailed, a.State)
	assert.Len(t, findOp(out, models.OpAttemptFailed), 1)

	clk.Advance(time.Second)
	out, err = tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{State: models.AttemptStateSucceeded, EventTime: clk.Now()})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStateFailed, a.State)
	assert.Empty(t, out)
	assert.Len(t, a.History, 4)
}

func TestDuplicatePushChangesStateOnce(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)

	clk.Advance(time.Second)
	update := models.StatusUpdate{State: models.AttemptStateFailed, Source: models.SourcePush, EventTime: clk.Now()}

	first, err := tr.ReceiveStatusUpdate(context.Background(), a, update)
	require.NoError(t, err)
	second, err := tr.ReceiveStatusUpdate(context.Background(), a, update)
	require.NoError(t, err)

	assert.Len(t, findOp(first, models.OpAttemptFailed), 1)
	assert.Empty(t, second)
}

func TestDuplicateProcessingUpdateDoesNotDoubleArmTimer(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)
	clk.Advance(10 * time.Second)

	update := models.StatusUpdate{State: models.AttemptStateProcessing, Source: models.SourcePush, EventTime: clk.Now()}
	first, err := tr.ReceiveStatusUpdate(context.Background(), a, update)
	require.NoError(t, err)
	second, err := tr.ReceiveStatusUpdate(context.Background(), a, update)
	require.NoError(t, err)

	assert.Len(t, findOp(first, models.OpCheckCurrency), 1)
	assert.Empty(t, second, "timer for the same instant is already armed")
	assert.Equal(t, clk.Now().Add(time.Minute), *a.NextCurrencyCheckAt)
}

func TestOutputProgressIsHeartbeatOnly(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)

	clk.Advance(time.Minute)
	tr.ReceiveOutputProgress(a, models.OutputProgress{ArtifactID: "720p", EventTime: clk.Now()})
	assert.Equal(t, models.AttemptStateProcessing, a.State)
	assert.Equal(t, clk.Now(), *a.LastProgressAt)

	tr.ReceiveOutputProgress(a, models.OutputProgress{ArtifactID: "720p", EventTime: t0})
	assert.Equal(t, clk.Now(), *a.LastProgressAt, "older heartbeat is ignored")
	assert.Len(t, a.History, 3)
}

func TestCheckTimeout(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)

	// still within the threshold: re-arm
	clk.Advance(5 * time.Minute)
	changed, out := tr.CheckTimeout(a, models.TimerFired{FireAt: t0.Add(5 * time.Minute)})
	assert.True(t, changed)
	timers := findOp(out, models.OpCheckTimeout)
	require.Len(t, timers, 1)
	assert.Equal(t, t0.Add(10*time.Minute), timers[0].DueAt)

	clk.Set(t0.Add(31 * time.Minute))
	changed, out = tr.CheckTimeout(a, models.TimerFired{FireAt: t0.Add(10 * time.Minute)})
	assert.True(t, changed)
	assert.Equal(t, models.AttemptStateTimedOut, a.State)
	require.Len(t, out, 1)
	assert.Equal(t, models.OpAttemptTimedOut, out[0].Op)
}

func TestTimersAfterTerminalStateAreNoops(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)
	clk.Advance(time.Second)
	_, err := tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{State: models.AttemptStateFailed, EventTime: clk.Now()})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	changed, out := tr.CheckTimeout(a, models.TimerFired{FireAt: t0.Add(5 * time.Minute)})
	assert.False(t, changed)
	assert.Empty(t, out)

	changed, out, err = tr.CheckCurrency(context.Background(), a, models.TimerFired{FireAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, out)
	assert.Equal(t, models.AttemptStateFailed, a.State)
}

func TestSupersededTimerIsIgnored(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)

	clk.Advance(30 * time.Second)
	_, err := tr.ReceiveStatusUpdate(context.Background(), a, models.StatusUpdate{State: models.AttemptStateProcessing, EventTime: clk.Now()})
	require.NoError(t, err)

	// the timer armed at start was replaced by the one armed on the update
	clk.Advance(30 * time.Second)
	changed, out, err := tr.CheckCurrency(context.Background(), a, models.TimerFired{FireAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, out)
}

func TestCheckCurrencySkipsPollWhenCurrent(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)

	clk.Advance(time.Minute)
	changed, out, err := tr.CheckCurrency(context.Background(), a, models.TimerFired{FireAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, changed)
	timers := findOp(out, models.OpCheckCurrency)
	require.Len(t, timers, 1)
	assert.Equal(t, t0.Add(2*time.Minute), timers[0].DueAt)
}

func TestCheckCurrencyPollsWhenQuiet(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client, models.ArtifactRef{ID: "720p"})

	client.EXPECT().GetJobStatus(gomock.Any(), instA, trackerID).Return(&backend.JobStatus{
		State:   models.AttemptStateProcessing,
		Outputs: []backend.OutputStatus{{ArtifactID: "720p", State: models.AttemptStateProcessing, Progress: 35}},
	}, nil)

	clk.Set(t0.Add(3 * time.Minute))
	a.NextCurrencyCheckAt = &t0
	changed, out, err := tr.CheckCurrency(context.Background(), a, models.TimerFired{FireAt: t0})
	require.NoError(t, err)
	assert.True(t, changed)

	updates := findOp(out, models.OpStatusUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, models.Address{Kind: models.KindOutputTracker, Key: "job-1|attempt-1|720p"}, updates[0].To)
	assert.Equal(t, 35, updates[0].Payload.(models.StatusUpdate).Progress)
	assert.Len(t, findOp(out, models.OpCheckCurrency), 1, "exactly one re-armed timer")
	assert.Equal(t, models.SourcePoll, a.History[len(a.History)-1].Source)
}

func TestCheckCurrencyPollFindsTerminalState(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)
	client.EXPECT().GetJobStatus(gomock.Any(), instA, trackerID).Return(&backend.JobStatus{State: models.AttemptStateFailed}, nil)

	clk.Set(t0.Add(3 * time.Minute))
	a.NextCurrencyCheckAt = &t0
	changed, out, err := tr.CheckCurrency(context.Background(), a, models.TimerFired{FireAt: t0})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.AttemptStateFailed, a.State)
	assert.Len(t, findOp(out, models.OpAttemptFailed), 1)
	assert.Empty(t, findOp(out, models.OpCheckCurrency))
}

func TestCheckCurrencyPollErrorStillReschedules(t *testing.T) {
	tr, client, clk := newTracker(t)
	a, _ := startAttempt(t, tr, client)
	client.EXPECT().GetJobStatus(gomock.Any(), instA, trackerID).Return(nil, errors.New("unavailable"))

	clk.Set(t0.Add(3 * time.Minute))
	a.NextCurrencyCheckAt = &t0
	changed, out, err := tr.CheckCurrency(context.Background(), a, models.TimerFired{FireAt: t0})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.AttemptStateProcessing, a.State)
	assert.Len(t, findOp(out, models.OpCheckCurrency), 1)
}
