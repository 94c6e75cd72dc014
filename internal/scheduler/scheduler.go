// Package scheduler runs the periodic auto-release sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/engine"
)

// LockKey guards the sweep across instances.
const LockKey = "escrow:auto-release"

// Releaser is the part of the engine the sweep drives.
type Releaser interface {
	ListAutoReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]domain.ReleaseCandidate, error)
	ReleaseEscrowFunds(ctx context.Context, req engine.ReleaseRequest) (engine.ReleaseResult, error)
}

type ItemError struct {
	ProjectID string `json:"project_id"`
	EscrowID  string `json:"escrow_id"`
	Error     string `json:"error"`
}

// Report summarises one sweep. Skipped counts escrows another release got to first.
type Report struct {
	StartedAt   time.Time   `json:"started_at"`
	Processed   int         `json:"processed"`
	Succeeded   int         `json:"succeeded"`
	Skipped     int         `json:"skipped"`
	Failed      int         `json:"failed"`
	Errors      []ItemError `json:"errors,omitempty"`
	Warnings    []ItemError `json:"warnings,omitempty"`
	LockSkipped bool        `json:"lock_skipped,omitempty"`
}

type Scheduler struct {
	Releaser   Releaser
	Locker     Locker
	Interval   time.Duration
	LockTTL    time.Duration
	BatchLimit int
	Logger     *zap.Logger
	Now        func() time.Time
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Scheduler) log() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// Sweep releases every escrow whose protection period has elapsed. Items are independent:
// a failure is recorded in the report and the sweep moves on. Re-running after a crash is
// safe because released escrows are skipped.
func (s Scheduler) Sweep(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: s.now()}
	locker := s.Locker
	if locker == nil {
		locker = NoopLocker{}
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	unlock, ok, err := locker.Acquire(ctx, LockKey, ttl)
	if err != nil {
		return rep, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		rep.LockSkipped = true
		s.log().Info("auto-release sweep skipped; lock held elsewhere")
		return rep, nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("release sweep lock", zap.Error(err))
		}
	}()

	due, err := s.Releaser.ListAutoReleaseCandidates(ctx, rep.StartedAt, s.BatchLimit)
	if err != nil {
		return rep, fmt.Errorf("list release candidates: %w", err)
	}
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		rep.Processed++
		res, err := s.releaseOne(ctx, c)
		switch {
		case err == nil:
			rep.Succeeded++
			for _, nerr := range res.NotifyErrors {
				rep.Warnings = append(rep.Warnings, ItemError{ProjectID: c.ProjectID, EscrowID: c.EscrowID, Error: nerr.Error()})
			}
		case errors.Is(err, domain.ErrAlreadyReleased):
			rep.Skipped++
		default:
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{ProjectID: c.ProjectID, EscrowID: c.EscrowID, Error: err.Error()})
			s.log().Warn("auto-release failed",
				zap.String("project_id", c.ProjectID),
				zap.String("escrow_id", c.EscrowID),
				zap.Error(err))
		}
	}
	s.log().Info("auto-release sweep finished",
		zap.Int("processed", rep.Processed),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Int("warnings", len(rep.Warnings)))
	return rep, nil
}

func (s Scheduler) releaseOne(ctx context.Context, c domain.ReleaseCandidate) (res engine.ReleaseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release panicked: %v", r)
		}
	}()
	return s.Releaser.ReleaseEscrowFunds(ctx, engine.ReleaseRequest{
		EscrowID: c.EscrowID,
		Trigger:  domain.ReleaseAutomatic,
		ActorID:  domain.SystemActor,
		Notes:    "protection period elapsed",
	})
}

// Run sweeps once immediately and then on every interval until ctx is cancelled.
func (s Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.log().Error("auto-release sweep", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
