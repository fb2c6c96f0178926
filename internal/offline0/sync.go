package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"offline0/internal/store"
)

// Record kinds produced locally.
const (
	KindReport   = "report"
	KindLocation = "location"
)

// Summary reports the outcome of one drain pass.
type Summary struct {
	Session   string `json:"session"`
	Submitted int    `json:"submitted"`
	Failed    int    `json:"failed"`
	// Skipped counts records another drain already had in flight.
	Skipped int `json:"skipped"`
}

// Synchronizer drains the pending-write queue through the submitter.
type Synchronizer struct {
	log       *zap.Logger
	queue     *store.Queue
	submitter Submitter
	notify    *Dispatcher
	stats     *statsCollector

	submitTimeout time.Duration

	position        PositionProvider
	positionTimeout time.Duration

	triggerCh chan string
	sessions  atomic.Uint64
}

func newSynchronizer(cfg *Config, q *store.Queue, sub Submitter, d *Dispatcher, stats *statsCollector, log *zap.Logger) *Synchronizer {
	return &Synchronizer{
		log:             log,
		queue:           q,
		submitter:       sub,
		notify:          d,
		stats:           stats,
		submitTimeout:   cfg.Sync.submitTimeoutDur,
		positionTimeout: cfg.Location.timeoutDur,
		triggerCh:       make(chan string, 1),
	}
}

// Drain submits every queued record oldest-first. A record's failure never
// stops the pass; it stays queued with its retry count bumped. Records that
// another drain has in flight are skipped. An empty queue is a no-op.
func (s *Synchronizer) Drain(ctx context.Context) (Summary, error) {
	sum := Summary{Session: fmt.Sprintf("drain-%d", s.sessions.Add(1))}
	recs, err := s.queue.DequeueAll()
	if err != nil {
		return sum, err
	}
	log := s.log.With(zap.String("session", sum.Session))

	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		claimed, err := s.queue.MarkInFlight(rec.ID)
		if err != nil {
			log.Warn("claim record", zap.String("id", rec.ID), zap.Error(err))
			sum.Failed++
			continue
		}
		if !claimed {
			sum.Skipped++
			continue
		}

		if err := s.submit(ctx, rec); err != nil {
			sum.Failed++
			if merr := s.queue.MarkFailed(rec.ID, err); merr != nil {
				log.Error("record failed and could not be marked", zap.String("id", rec.ID), zap.Error(merr))
			}
			log.Info("submission failed, will retry",
				zap.String("id", rec.ID),
				zap.Int("retries", rec.RetryCount+1),
				zap.Error(err))
			continue
		}

		removed, err := s.queue.Remove(rec.ID)
		if err != nil {
			// Delivered but still stored: the next drain resubmits and the
			// remote side dedups on the id.
			log.Error("remove delivered record", zap.String("id", rec.ID), zap.Error(err))
			if rerr := s.queue.Release(rec.ID); rerr != nil {
				log.Error("release delivered record", zap.String("id", rec.ID), zap.Error(rerr))
			}
			continue
		}
		if !removed {
			continue
		}
		sum.Submitted++
		s.confirm(ctx, rec)
	}

	if s.stats != nil {
		s.stats.ObserveDrain(sum)
	}
	if len(recs) > 0 {
		log.Info("drain finished",
			zap.Int("submitted", sum.Submitted),
			zap.Int("failed", sum.Failed),
			zap.Int("skipped", sum.Skipped))
	}
	return sum, nil
}

func (s *Synchronizer) submit(ctx context.Context, rec store.Record) error {
	sctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()
	return s.submitter.Submit(sctx, rec)
}

// confirm tells the originating client its record was delivered. It runs
// only after the record was removed.
func (s *Synchronizer) confirm(ctx context.Context, rec store.Record) {
	if s.notify == nil {
		return
	}
	n := s.notify.render(Alert{
		Type: "sync",
		Tag:  "sync-" + rec.ID,
		Data: map[string]string{"recordId": rec.ID, "kind": rec.Kind},
	})
	_ = s.notify.Show(ctx, n)
}

// Trigger requests a drain from the sync loop. Triggers arriving while one
// is pending are coalesced.
func (s *Synchronizer) Trigger(reason string) {
	select {
	case s.triggerCh <- reason:
	default:
	}
}

// RecordPosition acquires the current position and enqueues it as a
// location record.
func (s *Synchronizer) RecordPosition(ctx context.Context) (string, error) {
	if s.position == nil {
		return "", nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.positionTimeout)
	defer cancel()
	pos, err := s.position.CurrentPosition(pctx)
	if err != nil {
		return "", fmt.Errorf("acquire position: %w", err)
	}
	b, err := json.Marshal(pos)
	if err != nil {
		return "", err
	}
	return s.queue.Enqueue(KindLocation, b)
}

// run serves explicit triggers and the periodic tick until ctx ends. The
// period is a lower bound between periodic drains, not a schedule.
func (s *Synchronizer) run(ctx context.Context, every time.Duration) {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.triggerCh:
			s.drainLogged(ctx, reason)
		case <-tick:
			if _, err := s.RecordPosition(ctx); err != nil {
				s.log.Warn("location ping skipped", zap.Error(err))
			}
			s.drainLogged(ctx, "periodic")
		}
	}
}

func (s *Synchronizer) drainLogged(ctx context.Context, reason string) {
	if _, err := s.Drain(ctx); err != nil {
		s.log.Error("drain failed", zap.String("trigger", reason), zap.Error(err))
	}
}
