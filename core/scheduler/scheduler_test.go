package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"transcode-orchestrator/core/clock"
	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/repository/memstore"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter is a test entity that counts the signals it received and can relay one signal onward
type counter struct {
	Count int `json:"count"`
}

type relay struct {
	To    string        `json:"to,omitempty"`
	After time.Duration `json:"after,omitempty"`
}

type counterHandler struct {
	mu    sync.Mutex
	fail  int
	calls int
	now   func() time.Time
}

func (h *counterHandler) Kind() models.EntityKind { return models.KindCoordinator }

func (h *counterHandler) Handle(_ context.Context, current []byte, sig models.Signal) (*Result, error) {
	h.mu.Lock()
	h.calls++
	if h.fail > 0 {
		h.fail--
		h.mu.Unlock()
		return nil, errors.New("boom")
	}
	h.mu.Unlock()

	var c counter
	if current != nil {
		if err := json.Unmarshal(current, &c); err != nil {
			return nil, err
		}
	}
	c.Count++

	var p relay
	if err := sig.Decode(&p); err != nil {
		return nil, err
	}
	res := &Result{State: &c, Status: "counted"}
	if p.To != "" {
		out := models.Outbound{To: models.Address{Kind: models.KindCoordinator, Key: p.To}, Op: "count"}
		if p.After > 0 {
			out.DueAt = h.now().Add(p.After)
		}
		res.Outbox = append(res.Outbox, out)
	}
	return res, nil
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Scheduler, *memstore.Store, *clock.Fake, *counterHandler) {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFake(t0)
	h := &counterHandler{now: clk.Now}
	s := NewScheduler(store, clk, Config{RetryBackoff: time.Second, MaxBackoff: 4 * time.Second}, hclog.NewNullLogger())
	s.Register(h)
	return s, store, clk, h
}

func load(t *testing.T, store *memstore.Store, key string) counter {
	t.Helper()
	rec, err := store.LoadEntity(context.Background(), models.Address{Kind: models.KindCoordinator, Key: key})
	require.NoError(t, err)
	var c counter
	require.NoError(t, json.Unmarshal(rec.State, &c))
	return c
}

func TestRunDueDeliversChains(t *testing.T) {
	ctx := context.Background()
	s, store, _, _ := setup(t)

	require.NoError(t, s.Send(ctx, models.Outbound{
		To:      models.Address{Kind: models.KindCoordinator, Key: "a"},
		Op:      "count",
		Payload: relay{To: "b"},
	}))

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, load(t, store, "a").Count)
	assert.Equal(t, 1, load(t, store, "b").Count)
	assert.Equal(t, 0, store.Pending())
	assert.Equal(t, int64(2), s.Stats().Delivered)
}

func TestScheduledSignalWaitsForItsTime(t *testing.T) {
	ctx := context.Background()
	s, store, clk, _ := setup(t)

	require.NoError(t, s.Send(ctx, models.Outbound{
		To:      models.Address{Kind: models.KindCoordinator, Key: "a"},
		Op:      "count",
		Payload: relay{To: "a", After: time.Minute},
	}))

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Pending())

	clk.Advance(59 * time.Second)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(time.Second)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, load(t, store, "a").Count)
}

func TestFailedTurnIsRetriedWithBackoff(t *testing.T) {
	ctx := context.Background()
	s, store, clk, h := setup(t)
	h.fail = 2

	require.NoError(t, s.Send(ctx, models.Outbound{To: models.Address{Kind: models.KindCoordinator, Key: "a"}, Op: "count"}))

	_, err := s.RunDue(ctx)
	require.NoError(t, err)
	_, err = store.LoadEntity(ctx, models.Address{Kind: models.KindCoordinator, Key: "a"})
	require.Error(t, err, "failed turn must not be committed")

	next, ok := store.NextDue()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), next)

	clk.Advance(time.Second)
	_, err = s.RunDue(ctx)
	require.NoError(t, err)
	next, _ = store.NextDue()
	assert.Equal(t, t0.Add(3*time.Second), next, "second failure doubles the backoff")

	clk.Advance(2 * time.Second)
	_, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, load(t, store, "a").Count)
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, int64(2), s.Stats().Failed)
}

func TestUnknownKindIsDropped(t *testing.T) {
	ctx := context.Background()
	s, store, _, _ := setup(t)

	require.NoError(t, s.Send(ctx, models.Outbound{To: models.Address{Kind: models.KindTracker, Key: "x"}, Op: "count"}))
	_, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Pending())
	assert.Equal(t, int64(1), s.Stats().Dropped)
}

func TestStartDeliversInBackground(t *testing.T) {
	store := memstore.New()
	h := &counterHandler{now: time.Now}
	s := NewScheduler(store, clock.Real{}, Config{Workers: 2, PollInterval: 10 * time.Millisecond}, hclog.NewNullLogger())
	s.Register(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	for _, key := range []string{"a", "a", "b"} {
		require.NoError(t, s.Send(ctx, models.Outbound{To: models.Address{Kind: models.KindCoordinator, Key: key}, Op: "count"}))
	}

	require.Eventually(t, func() bool { return store.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, load(t, store, "a").Count)
	assert.Equal(t, 1, load(t, store, "b").Count)

	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestEntityLocksAreReleased(t *testing.T) {
	l := newEntityLocks()
	unlock := l.Lock("a")
	assert.Equal(t, 1, l.size())
	unlock()
	assert.Equal(t, 0, l.size())
}
