package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"transcode-orchestrator/core/clock"
	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/repository"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// ErrUnknownKind is returned for signals addressed to an entity kind without a handler
var ErrUnknownKind = errors.New("no handler for entity kind")

// Config tunes signal delivery
type Config struct {
	Workers       int
	PollInterval  time.Duration
	BatchSize     int
	Lease         time.Duration
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	MaxDeliveries int // 0 retries forever
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		PollInterval:  time.Second,
		BatchSize:     64,
		Lease:         time.Minute,
		RetryBackoff:  time.Second,
		MaxBackoff:    5 * time.Minute,
		MaxDeliveries: 25,
	}
}

// Stats counts delivery outcomes since start
type Stats struct {
	Delivered int64
	Failed    int64
	Conflicts int64
	Dropped   int64
}

// Scheduler delivers persisted signals to entity handlers, one turn at a time per entity
type Scheduler struct {
	store    repository.Store
	handlers map[models.EntityKind]Handler
	clock    clock.Clock
	cfg      Config
	logger   hclog.Logger
	locks    *entityLocks

	nudge    chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once

	delivered atomic.Int64
	failed    atomic.Int64
	conflicts atomic.Int64
	dropped   atomic.Int64
}

// NewScheduler creates a scheduler; zero config fields take their defaults
func NewScheduler(store repository.Store, clk clock.Clock, cfg Config, logger hclog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}

	return &Scheduler{
		store:    store,
		handlers: make(map[models.EntityKind]Handler),
		clock:    clk,
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
		locks:    newEntityLocks(),
		nudge:    make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Register adds entity handlers. It must be called before Start.
func (s *Scheduler) Register(handlers ...Handler) {
	for _, h := range handlers {
		s.handlers[h.Kind()] = h
	}
}

// Send persists signals produced outside of a turn and wakes the workers
func (s *Scheduler) Send(ctx context.Context, out ...models.Outbound) error {
	signals, err := s.build(out, s.clock.Now())
	if err != nil {
		return err
	}
	if err := s.store.Enqueue(ctx, signals...); err != nil {
		return fmt.Errorf("enqueue signals: %w", err)
	}
	s.wake()
	return nil
}

// Start polls for due signals until ctx is cancelled or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	work := make(chan models.Signal)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sig := range work {
				s.deliver(ctx, sig)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
	}()

	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "poll_interval", s.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
		case <-s.nudge:
		}

		signals, err := s.store.ClaimDue(ctx, s.clock.Now(), s.cfg.BatchSize, s.cfg.Lease)
		if err != nil {
			s.logger.Error("failed to claim signals", "error", err)
			continue
		}
		for _, sig := range signals {
			select {
			case work <- sig:
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
		// a full batch probably means more is waiting
		if len(signals) == s.cfg.BatchSize {
			s.wake()
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// RunDue delivers every signal that is due now, including the ones those turns produce,
// on the calling goroutine. It returns how many deliveries were made.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	total := 0
	for {
		signals, err := s.store.ClaimDue(ctx, s.clock.Now(), s.cfg.BatchSize, s.cfg.Lease)
		if err != nil {
			return total, err
		}
		if len(signals) == 0 {
			return total, nil
		}
		for _, sig := range signals {
			s.deliver(ctx, sig)
			total++
		}
	}
}

// Stats returns delivery counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Conflicts: s.conflicts.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *Scheduler) deliver(ctx context.Context, sig models.Signal) {
	logger := s.logger.With("op", sig.Op, "target", sig.To.String(), "signal_id", sig.ID)

	h, ok := s.handlers[sig.To.Kind]
	if !ok {
		logger.Error("dropping signal", "error", ErrUnknownKind)
		s.drop(ctx, sig)
		return
	}
	if s.cfg.MaxDeliveries > 0 && sig.Deliveries > s.cfg.MaxDeliveries {
		logger.Error("dropping signal after too many deliveries", "deliveries", sig.Deliveries)
		s.drop(ctx, sig)
		return
	}

	unlock := s.locks.Lock(sig.To.String())
	defer unlock()

	var (
		current []byte
		version int64
	)
	rec, err := s.store.LoadEntity(ctx, sig.To)
	switch {
	case err == nil:
		current, version = rec.State, rec.Version
	case errors.Is(err, repository.ErrNotFound):
	default:
		s.retry(ctx, logger, sig, fmt.Errorf("load entity: %w", err))
		return
	}

	res, err := h.Handle(ctx, current, sig)
	if err != nil {
		s.retry(ctx, logger, sig, err)
		return
	}
	if res == nil {
		res = Ignore()
	}

	now := s.clock.Now()
	commit := repository.Commit{Consumed: sig.ID}
	if res.State != nil {
		data, err := json.Marshal(res.State)
		if err != nil {
			s.retry(ctx, logger, sig, fmt.Errorf("encode state: %w", err))
			return
		}
		commit.Entity = &models.EntityRecord{
			Kind:      sig.To.Kind,
			Key:       sig.To.Key,
			Status:    res.Status,
			State:     data,
			Version:   version,
			UpdatedAt: now,
		}
	}
	commit.Outbox, err = s.build(res.Outbox, now)
	if err != nil {
		s.retry(ctx, logger, sig, err)
		return
	}

	if err := s.store.Commit(ctx, commit); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.conflicts.Add(1)
			logger.Debug("turn lost a version race, redelivering", "version", version)
			if err := s.store.Release(ctx, sig.ID, now); err != nil {
				logger.Error("failed to release signal", "error", err)
			}
			return
		}
		s.retry(ctx, logger, sig, fmt.Errorf("commit: %w", err))
		return
	}

	s.delivered.Add(1)
	logger.Trace("signal delivered", "outbox", len(commit.Outbox))
	for _, out := range commit.Outbox {
		if !out.DueAt.After(now) {
			s.wake()
			break
		}
	}
}

// retry releases the signal with exponential backoff so it is delivered again later
func (s *Scheduler) retry(ctx context.Context, logger hclog.Logger, sig models.Signal, cause error) {
	s.failed.Add(1)

	backoff := s.cfg.RetryBackoff
	for i := 1; i < sig.Deliveries && backoff < s.cfg.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > s.cfg.MaxBackoff {
		backoff = s.cfg.MaxBackoff
	}

	logger.Warn("turn failed, will retry", "error", cause, "deliveries", sig.Deliveries, "backoff", backoff)
	if err := s.store.Release(ctx, sig.ID, s.clock.Now().Add(backoff)); err != nil {
		logger.Error("failed to release signal", "error", err)
	}
}

func (s *Scheduler) drop(ctx context.Context, sig models.Signal) {
	s.dropped.Add(1)
	if err := s.store.Commit(ctx, repository.Commit{Consumed: sig.ID}); err != nil {
		s.logger.Error("failed to drop signal", "signal_id", sig.ID, "error", err)
	}
}

func (s *Scheduler) build(out []models.Outbound, now time.Time) ([]models.Signal, error) {
	signals := make([]models.Signal, 0, len(out))
	for _, o := range out {
		payload, err := json.Marshal(o.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload for %s: %w", o.Op, o.To, err)
		}
		due := o.DueAt
		if due.IsZero() {
			due = now
		}
		signals = append(signals, models.Signal{
			ID:        uuid.NewString(),
			To:        o.To,
			Op:        o.Op,
			Payload:   payload,
			DueAt:     due,
			CreatedAt: now,
		})
	}
	return signals, nil
}

func (s *Scheduler) wake() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}
