// Package memstore keeps entities and signals in process memory.
// Nothing survives a restart; it backs tests and single-node development runs.
package memstore

import (
	"bytes"
	"container/heap"
	"context"
	"sync"
	"time"

	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/repository"
)

// Store is an in-memory repository.Store
type Store struct {
	mu       sync.Mutex
	entities map[models.Address]*models.EntityRecord
	signals  map[string]*queuedSignal
	queue    signalQueue
}

// New creates an empty store
func New() *Store {
	s := &Store{
		entities: make(map[models.Address]*models.EntityRecord),
		signals:  make(map[string]*queuedSignal),
	}
	heap.Init(&s.queue)
	return s
}

var _ repository.Store = (*Store)(nil)

func (s *Store) LoadEntity(_ context.Context, addr models.Address) (*models.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[addr]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) LoadEntities(_ context.Context, kind models.EntityKind, keys []string) ([]*models.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*models.EntityRecord
	for _, key := range keys {
		if rec, ok := s.entities[models.Address{Kind: kind, Key: key}]; ok {
			records = append(records, cloneRecord(rec))
		}
	}
	return records, nil
}

func (s *Store) CountByStatus(_ context.Context, kind models.EntityKind) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for addr, rec := range s.entities {
		if addr.Kind == kind {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (s *Store) Enqueue(_ context.Context, signals ...models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sig := range signals {
		s.push(sig)
	}
	return nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]models.Signal, error) {
	if lease <= 0 {
		lease = time.Nanosecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []models.Signal
	for len(claimed) < limit {
		top := s.queue.peek()
		if top == nil || top.availableAt().After(now) {
			break
		}
		until := now.Add(lease)
		top.signal.LockedUntil = &until
		top.signal.Deliveries++
		heap.Fix(&s.queue, top.index)
		claimed = append(claimed, cloneSignal(top.signal))
	}
	return claimed, nil
}

func (s *Store) Release(_ context.Context, signalID string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.signals[signalID]
	if !ok {
		return nil
	}
	item.signal.LockedUntil = nil
	item.signal.DueAt = dueAt
	heap.Fix(&s.queue, item.index)
	return nil
}

// Commit checks the version first so a conflict leaves the store untouched
func (s *Store) Commit(_ context.Context, c repository.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Entity != nil {
		addr := c.Entity.Address()
		existing, ok := s.entities[addr]
		if c.Entity.Version == 0 && ok {
			return repository.ErrConflict
		}
		if c.Entity.Version != 0 && (!ok || existing.Version != c.Entity.Version) {
			return repository.ErrConflict
		}

		rec := cloneRecord(c.Entity)
		rec.Version = c.Entity.Version + 1
		rec.CreatedAt = rec.UpdatedAt
		if ok {
			rec.CreatedAt = existing.CreatedAt
		}
		s.entities[addr] = rec
	}

	if item, ok := s.signals[c.Consumed]; ok {
		heap.Remove(&s.queue, item.index)
		delete(s.signals, c.Consumed)
	}

	for _, sig := range c.Outbox {
		s.push(sig)
	}
	return nil
}

// Pending returns how many signals are stored, leased or not
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

// NextDue returns when the earliest stored signal becomes claimable
func (s *Store) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	top := s.queue.peek()
	if top == nil {
		return time.Time{}, false
	}
	return top.availableAt(), true
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) push(sig models.Signal) {
	item := &queuedSignal{signal: cloneSignal(sig)}
	s.signals[sig.ID] = item
	heap.Push(&s.queue, item)
}

func cloneRecord(rec *models.EntityRecord) *models.EntityRecord {
	c := *rec
	c.State = bytes.Clone(rec.State)
	return &c
}

func cloneSignal(sig models.Signal) models.Signal {
	c := sig
	c.Payload = bytes.Clone(sig.Payload)
	if sig.LockedUntil != nil {
		t := *sig.LockedUntil
		c.LockedUntil = &t
	}
	return c
}
