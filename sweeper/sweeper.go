// Package sweeper garbage-collects abandoned presence records. It is the only
// component allowed to delete a user it does not own, and it earns that right
// by multi-stage verification: staleness threshold, tab-ledger consultation,
// grace-window check, then a delayed re-read before any delete. Sweeps are
// idempotent and safe to run concurrently from any number of processes; there
// is no leader election.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lahmpalms/realtime-chat-website/config"
	"github.com/lahmpalms/realtime-chat-website/pkg/otelhelper"
	"github.com/lahmpalms/realtime-chat-website/presence"
	"github.com/lahmpalms/realtime-chat-website/store"
	"github.com/lahmpalms/realtime-chat-website/tabs"
)

// Sweeper runs the periodic reconciliation sweeps.
type Sweeper struct {
	cfg  *config.Config
	st   store.Store
	tabs *tabs.Registry

	tracer        trace.Tracer
	sweepCounter  metric.Int64Counter
	deleteCounter metric.Int64Counter
	abortCounter  metric.Int64Counter
	sweepDuration metric.Float64Histogram
}

func New(cfg *config.Config, st store.Store, registry *tabs.Registry) *Sweeper {
	meter := otel.Meter("reconciliation-sweeper")
	sweeps, _ := meter.Int64Counter("sweep_runs_total",
		metric.WithDescription("Total reconciliation sweeps executed"))
	deletes, _ := meter.Int64Counter("sweep_deletions_total",
		metric.WithDescription("Total abandoned users deleted by sweeps"))
	aborts, _ := meter.Int64Counter("sweep_aborts_total",
		metric.WithDescription("Sweep candidates spared by re-verification"))
	duration, _ := otelhelper.NewDurationHistogram(meter, "sweep_duration_seconds",
		"Wall time of one reconciliation pass, verification delay included")

	return &Sweeper{
		cfg:           cfg,
		st:            st,
		tabs:          registry,
		tracer:        otel.Tracer("reconciliation-sweeper"),
		sweepCounter:  sweeps,
		deleteCounter: deletes,
		abortCounter:  aborts,
		sweepDuration: duration,
	}
}

// Run blocks until ctx is done: one early sweep shortly after start, then the
// primary cadence, plus a strictly more conservative failsafe cadence whose
// threshold is a multiple of the primary timeout — it can only ever fire on
// records the primary sweep would already have reclaimed.
func (s *Sweeper) Run(ctx context.Context) {
	multiplier := s.cfg.FailsafeSweepMultiplier
	if multiplier < 2 {
		multiplier = 2
	}

	first := time.NewTimer(s.cfg.FirstSweepDelay)
	defer first.Stop()
	primary := time.NewTicker(s.cfg.SweepInterval)
	defer primary.Stop()
	failsafe := time.NewTicker(s.cfg.SweepInterval * time.Duration(multiplier))
	defer failsafe.Stop()

	slog.Info("Reconciliation sweeper running",
		"first_delay", s.cfg.FirstSweepDelay,
		"interval", s.cfg.SweepInterval,
		"timeout", s.cfg.UserTimeout,
		"failsafe_multiplier", multiplier)

	for {
		select {
		case <-ctx.Done():
			return
		case <-first.C:
			s.sweep(ctx, s.cfg.UserTimeout, "initial")
		case <-primary.C:
			s.sweep(ctx, s.cfg.UserTimeout, "primary")
		case <-failsafe.C:
			s.sweep(ctx, s.cfg.UserTimeout*time.Duration(multiplier), "failsafe")
		}
	}
}

// Sweep runs one reconciliation pass with the given staleness threshold and
// reports how many users it deleted. Exported for the standalone binary and
// for callers that want an on-demand pass.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration) int {
	return s.sweep(ctx, threshold, "manual")
}

type candidate struct {
	id       string
	lastSeen int64
}

func (s *Sweeper) sweep(ctx context.Context, threshold time.Duration, kind string) int {
	ctx, span := s.tracer.Start(ctx, "presence sweep")
	defer span.End()
	span.SetAttributes(attribute.String("sweep.kind", kind))
	s.sweepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	started := time.Now()
	defer func() {
		s.sweepDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("kind", kind)))
	}()

	users, err := s.st.List(ctx, store.CollectionUsers)
	if err != nil {
		slog.Warn("Sweep skipped, user snapshot failed", "error", err)
		return 0
	}
	presences, err := s.st.List(ctx, store.CollectionPresence)
	if err != nil {
		slog.Warn("Sweep skipped, presence snapshot failed", "error", err)
		return 0
	}

	now := time.Now().UnixMilli()
	var candidates []candidate
	for path, data := range users {
		_, id := store.SplitPath(path)
		if id == "" {
			continue
		}
		lastSeen, keep := s.evaluate(id, data, presences[store.PresencePath(id)], now, threshold)
		if keep {
			continue
		}
		candidates = append(candidates, candidate{id: id, lastSeen: lastSeen})
	}
	span.SetAttributes(attribute.Int("sweep.candidates", len(candidates)))
	if len(candidates) == 0 {
		return 0
	}

	slog.Info("Sweep found removal candidates, scheduling re-verification",
		"kind", kind, "candidates", len(candidates), "verify_delay", s.cfg.SweepVerifyDelay)

	// Absorb reconnect races before touching anything.
	select {
	case <-ctx.Done():
		return 0
	case <-time.After(s.cfg.SweepVerifyDelay):
	}

	deleted := 0
	for _, cand := range candidates {
		if s.verifyAbandoned(ctx, cand, threshold) {
			if s.remove(ctx, cand.id) {
				deleted++
			}
		} else {
			s.abortCounter.Add(ctx, 1)
			slog.Info("Sweep candidate showed late activity, removal aborted", "user", cand.id)
		}
	}
	span.SetAttributes(attribute.Int("sweep.deleted", deleted))
	if deleted > 0 {
		slog.Info("Sweep reclaimed abandoned users", "kind", kind, "deleted", deleted)
	}
	return deleted
}

// evaluate applies the keep rules to one user and returns the observed
// lastSeen. A user is kept when any of these holds: an active tab exists, a
// disconnect-trigger grace window is still open, or the record is fresher than
// the threshold.
func (s *Sweeper) evaluate(id string, userData, presenceData []byte, now int64, threshold time.Duration) (lastSeen int64, keep bool) {
	u, err := presence.DecodeUser(userData)
	if err != nil {
		slog.Warn("Undecodable user record, treating as stale", "user", id, "error", err)
	}
	lastSeen = u.LastSeen

	var p presence.Presence
	havePresence := false
	if presenceData != nil {
		if p, err = presence.DecodePresence(presenceData); err == nil {
			havePresence = true
		}
	}
	if havePresence && p.LastSeen > 0 {
		lastSeen = p.LastSeen
	}

	if s.tabs.HasOtherActiveTabs(id, "") {
		return lastSeen, true
	}
	if havePresence && p.GracePeriodActive && p.DisconnectTime > 0 &&
		now-p.DisconnectTime < s.cfg.GracePeriod.Milliseconds() {
		return lastSeen, true
	}
	if now-lastSeen < threshold.Milliseconds() {
		return lastSeen, true
	}
	return lastSeen, false
}

// verifyAbandoned re-reads a candidate after the verification delay. Any sign
// of life — lastSeen advanced past what the first pass observed, a tab
// appeared, the grace window restarted — aborts the removal.
func (s *Sweeper) verifyAbandoned(ctx context.Context, cand candidate, threshold time.Duration) bool {
	userData, err := s.st.Read(ctx, store.UserPath(cand.id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already gone — another sweep or an explicit leave won the race.
			return false
		}
		slog.Warn("Candidate re-read failed, keeping until next sweep", "user", cand.id, "error", err)
		return false
	}
	presenceData, err := s.st.Read(ctx, store.PresencePath(cand.id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Candidate presence re-read failed, keeping until next sweep", "user", cand.id, "error", err)
		return false
	}

	now := time.Now().UnixMilli()
	lastSeen, keep := s.evaluate(cand.id, userData, presenceData, now, threshold)
	if keep {
		return false
	}
	return lastSeen <= cand.lastSeen
}

// remove fires all three deletes. Deletes are idempotent; a partial failure is
// logged and retried by the next sweep.
func (s *Sweeper) remove(ctx context.Context, id string) bool {
	ok := true
	for _, path := range []string{
		store.UserPath(id),
		store.PresencePath(id),
		store.TypingPath(id),
	} {
		if err := s.st.Write(ctx, path, nil); err != nil {
			slog.Warn("Sweep delete failed, will retry next sweep", "path", path, "error", err)
			ok = false
		}
	}
	if ok {
		s.deleteCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("user", id)))
		slog.Info("Deleted abandoned user", "user", id)
	}
	return ok
}
