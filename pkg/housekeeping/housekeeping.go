// Package housekeeping runs the periodic maintenance sweeps that keep a
// client healthy between sync ticks: one-time-key replenishment,
// Megolm outbound session rotation for rooms that have gone quiet, and
// garbage collection of stale session-request tracking state.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hearthline/matrix-e2e/pkg/crypto"
	"github.com/hearthline/matrix-e2e/pkg/logger"
)

// OTKReplenisher is the subset of olm.Engine Scheduler needs for the
// every-minute OTK pool check.
type OTKReplenisher interface {
	ReplenishOTKs(ctx context.Context, threshold int) (int, error)
}

// OutboundRotator is the subset of megolm.Engine Scheduler needs for
// the every-5-minutes age-based rotation sweep.
type OutboundRotator interface {
	RotateAgedOutbound(ctx context.Context) ([]string, error)
}

// SentRequestGC is the subset of keydist.Engine Scheduler needs for the
// every-10-minutes GC pass.
type SentRequestGC interface {
	GCStaleSentRequests(maxAge time.Duration) int
}

// PendingRequestGC is the subset of devices.Registry Scheduler needs
// for the every-10-minutes GC pass.
type PendingRequestGC interface {
	GCStalePendingRequests(maxAge time.Duration) int
}

// staleRequestMaxAge is the age past which sent/pending session
// requests are collected, per spec.
const staleRequestMaxAge = 24 * time.Hour

// Scheduler runs the three housekeeping jobs on a robfig/cron/v3
// schedule. Its zero value is not usable; construct with New.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger

	account  *crypto.Account
	olm      OTKReplenisher
	megolm   OutboundRotator
	keydist  SentRequestGC
	registry PendingRequestGC

	otkJobID     cron.EntryID
	rotateJobID  cron.EntryID
	gcJobID      cron.EntryID
}

// New creates a Scheduler. account supplies the current MaxOTKs target
// for the replenishment threshold (MaxOTKs/2); the other four
// parameters are the narrow interfaces each job actually drives.
func New(account *crypto.Account, olm OTKReplenisher, megolm OutboundRotator, keydist SentRequestGC, registry PendingRequestGC, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		log:      log.WithComponent("housekeeping"),
		account:  account,
		olm:      olm,
		megolm:   megolm,
		keydist:  keydist,
		registry: registry,
	}
}

// Start registers and starts the three jobs. Calling Start twice is a
// no-op past the first call's job registration.
func (s *Scheduler) Start() error {
	if s.otkJobID != 0 {
		return nil
	}
	otkID, err := s.cron.AddFunc("@every 1m", s.runOTKCheck)
	if err != nil {
		return err
	}
	rotateID, err := s.cron.AddFunc("@every 5m", s.runRotationSweep)
	if err != nil {
		return err
	}
	gcID, err := s.cron.AddFunc("@every 10m", s.runStaleRequestGC)
	if err != nil {
		return err
	}
	s.otkJobID = otkID
	s.rotateJobID = rotateID
	s.gcJobID = gcID

	s.cron.Start()
	s.log.Info("housekeeping scheduler started")
	return nil
}

// Stop cancels all pending job runs and waits for any in-flight job to
// finish, mirroring cron.Cron.Stop's semantics.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("housekeeping scheduler stopped")
}

// runOTKCheck is the every-minute safety-net replenishment check; it
// duplicates SyncDispatcher step 7's inline check so a long gap between
// syncs never leaves the pool empty.
func (s *Scheduler) runOTKCheck() {
	threshold := s.account.MaxOTKs() / 2
	n, err := s.olm.ReplenishOTKs(context.Background(), threshold)
	if err != nil {
		s.log.ErrorEvent(context.Background(), "otk replenishment failed", err)
		return
	}
	if n > 0 {
		s.log.CryptoEvent(context.Background(), "otk_replenished", slog.Int("count", n))
	}
}

// runRotationSweep rotates every room's outbound Megolm session that
// has aged past the configured maximum, even if the room has gone
// quiet and no EncryptRoomEvent call would otherwise trigger it.
func (s *Scheduler) runRotationSweep() {
	rotated, err := s.megolm.RotateAgedOutbound(context.Background())
	if err != nil {
		s.log.ErrorEvent(context.Background(), "megolm rotation sweep failed", err)
		return
	}
	if len(rotated) > 0 {
		s.log.CryptoEvent(context.Background(), "megolm_rotation_swept", slog.Int("rooms_rotated", len(rotated)))
	}
}

// runStaleRequestGC drops tracking for sent and pending group-session
// requests older than 24 hours.
func (s *Scheduler) runStaleRequestGC() {
	sentRemoved := s.keydist.GCStaleSentRequests(staleRequestMaxAge)
	pendingRemoved := s.registry.GCStalePendingRequests(staleRequestMaxAge)
	if sentRemoved > 0 || pendingRemoved > 0 {
		s.log.CryptoEvent(context.Background(), "stale_session_requests_collected",
			slog.Int("sent_removed", sentRemoved),
			slog.Int("pending_removed", pendingRemoved),
		)
	}
}
