// Package sched implements the leader-elected scheduler (C11): a single
// pod, chosen via a Redis ownership lease, periodically fans out
// per-tenant email scan jobs. Grounded on the same SET-NX-EX lease idiom
// as internal/billing's distributed lock, both modeled after
// wisbric-nightowl's Redis-backed rate limiter
// (internal/auth/ratelimit.go) — INCR/EXPIRE there, SET NX EX here, same
// "Redis as the single source of truth for cross-pod coordination" idea.
package sched

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	tickInterval = time.Second
)

// FanOut is called once per eligible tenant when it is time to run; the
// scheduler does not know how to enqueue jobs itself, only when to.
type FanOut func(ctx context.Context) error

// Config carries the per-deployment scheduler parameters from spec.md
// §4.11.
type Config struct {
	EnabledKey     string
	OwnerKey       string
	PodID          string
	Interval       time.Duration
	OwnerTTL       time.Duration
	RestoreOnBoot  bool
}

// Scheduler runs Config.FanOut on Config.Interval from at most one pod at
// a time, using two Redis string keys as the coordination primitive.
type Scheduler struct {
	rdb    *redis.Client
	cfg    Config
	fanOut FanOut
	log    *zap.Logger

	lastRun time.Time
	nextRun time.Time
	running bool

	stop chan struct{}
	done chan struct{}
}

func New(rdb *redis.Client, cfg Config, fanOut FanOut, log *zap.Logger) *Scheduler {
	if cfg.OwnerTTL == 0 {
		cfg.OwnerTTL = 120 * time.Second
	}
	return &Scheduler{rdb: rdb, cfg: cfg, fanOut: fanOut, log: log, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start implements the boot algorithm from spec.md §4.11 step 1-2, then
// launches the local loop if this pod won (or auto-heals into) ownership.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.readEnabled(ctx)
	if err != nil {
		return err
	}

	if !enabled {
		if err := s.rdb.Set(ctx, s.cfg.EnabledKey, "false", 0).Err(); err != nil {
			return err
		}
		_ = s.rdb.Del(ctx, s.cfg.OwnerKey).Err()
		return nil
	}

	if !s.cfg.RestoreOnBoot {
		return s.rdb.Set(ctx, s.cfg.EnabledKey, "false", 0).Err()
	}

	won, err := s.claimOwnership(ctx)
	if err != nil {
		return err
	}
	if won {
		go s.loop(ctx)
	}
	return nil
}

// Stop implements spec.md §4.11's stop semantics: persists enabled=false
// and deletes the owner key globally, regardless of which pod calls it,
// so every pod converges.
func (s *Scheduler) Stop(ctx context.Context) error {
	if err := s.rdb.Set(ctx, s.cfg.EnabledKey, "false", 0).Err(); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.cfg.OwnerKey).Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
	default:
		close(s.stop)
	}
	return nil
}

func (s *Scheduler) readEnabled(ctx context.Context) (bool, error) {
	val, err := s.rdb.Get(ctx, s.cfg.EnabledKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "true", nil
}

func (s *Scheduler) claimOwnership(ctx context.Context) (bool, error) {
	return s.rdb.SetNX(ctx, s.cfg.OwnerKey, s.cfg.PodID, s.cfg.OwnerTTL).Result()
}

// loop is the winning pod's local tick, run once per second per spec.md
// §4.11: verify ownership and enabled state, refresh the TTL, run the
// fan-out when the interval has elapsed, and detect zombie state via the
// watchdog rule.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.nextRun = time.Now().Add(s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	enabled, err := s.readEnabled(ctx)
	if err != nil || !enabled {
		return
	}

	owner, err := s.rdb.Get(ctx, s.cfg.OwnerKey).Result()
	if err == redis.Nil {
		// Owner key expired or was deleted; a passive pod may auto-heal
		// by claiming it, so this pod must stop acting as owner.
		return
	}
	if err != nil || owner != s.cfg.PodID {
		return
	}

	if err := s.rdb.Expire(ctx, s.cfg.OwnerKey, s.cfg.OwnerTTL).Err(); err != nil {
		s.log.Warn("scheduler TTL refresh failed", zap.Error(err))
	}

	if s.running && time.Since(s.nextRun) > 2*s.cfg.Interval {
		s.log.Warn("scheduler watchdog detected zombie run, resetting", zap.Time("next_run", s.nextRun))
		s.running = false
		_ = s.rdb.Del(ctx, s.cfg.OwnerKey).Err()
		return
	}

	if time.Now().Before(s.nextRun) {
		return
	}

	s.running = true
	if err := s.fanOut(ctx); err != nil {
		s.log.Error("scheduler fan-out failed", zap.Error(err))
	}
	s.running = false
	s.lastRun = time.Now()
	s.nextRun = s.lastRun.Add(s.cfg.Interval)
}

// AutoHeal lets a passive pod attempt to claim ownership when it observes
// the owner key missing while enabled is still true, per spec.md §4.11.
func (s *Scheduler) AutoHeal(ctx context.Context) error {
	enabled, err := s.readEnabled(ctx)
	if err != nil || !enabled {
		return err
	}
	won, err := s.claimOwnership(ctx)
	if err != nil {
		return err
	}
	if won {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.loop(ctx)
	}
	return nil
}
