package memstore

import (
	"context"
	"testing"
	"time"

	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func signalAt(id string, due time.Time) models.Signal {
	return models.Signal{
		ID:        id,
		To:        models.Address{Kind: models.KindTracker, Key: "job|a"},
		Op:        models.OpCheckTimeout,
		DueAt:     due,
		CreatedAt: t0,
	}
}

func TestClaimDueOrdersByDueTimeAndLeases(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx,
		signalAt("later", t0.Add(time.Minute)),
		signalAt("first", t0.Add(-time.Second)),
		signalAt("now", t0),
	))

	claimed, err := s.ClaimDue(ctx, t0, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "first", claimed[0].ID)
	assert.Equal(t, "now", claimed[1].ID)
	assert.Equal(t, 1, claimed[0].Deliveries)

	// leased signals are not handed out twice
	claimed, err = s.ClaimDue(ctx, t0.Add(10*time.Second), 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// an expired lease makes the signal claimable again
	claimed, err = s.ClaimDue(ctx, t0.Add(31*time.Second), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, 2, claimed[0].Deliveries)
}

func TestClaimDueRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx, signalAt("a", t0), signalAt("b", t0), signalAt("c", t0)))

	claimed, err := s.ClaimDue(ctx, t0, 2, time.Second)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestReleaseReschedules(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx, signalAt("a", t0)))

	_, err := s.ClaimDue(ctx, t0, 1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "a", t0.Add(5*time.Second)))

	next, ok := s.NextDue()
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Second), next)
}

func TestCommitCreatesAndVersionsEntities(t *testing.T) {
	ctx := context.Background()
	s := New()
	addr := models.Address{Kind: models.KindCoordinator, Key: "job-1"}
	require.NoError(t, s.Enqueue(ctx, signalAt("start", t0)))

	err := s.Commit(ctx, repository.Commit{
		Entity:   &models.EntityRecord{Kind: addr.Kind, Key: addr.Key, Status: "Submitted", State: []byte(`{}`), UpdatedAt: t0},
		Consumed: "start",
		Outbox:   []models.Signal{signalAt("next", t0)},
	})
	require.NoError(t, err)

	rec, err := s.LoadEntity(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, 1, s.Pending())

	// a second create loses
	err = s.Commit(ctx, repository.Commit{
		Entity: &models.EntityRecord{Kind: addr.Kind, Key: addr.Key, Status: "Submitted", UpdatedAt: t0},
	})
	assert.ErrorIs(t, err, repository.ErrConflict)

	// a stale update loses and leaves the outbox alone
	err = s.Commit(ctx, repository.Commit{
		Entity:   &models.EntityRecord{Kind: addr.Kind, Key: addr.Key, Status: "Failed", Version: 7, UpdatedAt: t0},
		Consumed: "next",
	})
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.Equal(t, 1, s.Pending())

	err = s.Commit(ctx, repository.Commit{
		Entity: &models.EntityRecord{Kind: addr.Kind, Key: addr.Key, Status: "Processing", Version: 1, UpdatedAt: t0.Add(time.Second)},
	})
	require.NoError(t, err)

	rec, err = s.LoadEntity(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, t0, rec.CreatedAt)

	counts, err := s.CountByStatus(ctx, models.KindCoordinator)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Processing": 1}, counts)
}

func TestLoadEntityNotFound(t *testing.T) {
	_, err := New().LoadEntity(context.Background(), models.Address{Kind: models.KindTracker, Key: "x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
