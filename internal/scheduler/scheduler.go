// Package scheduler runs the periodic sweeps that move markets through
// time-driven transitions: expiry, finalization, rate-window cleanup,
// configuration broadcast, and staleness reaping. Each sweep is a guarded
// bulk pass over the store; racing a concurrent worker loses the guard
// and moves on.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/config"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/store"
)

const (
	// rateWindowRetention keeps counter rows long enough for the widest
	// admission window before the sweep deletes them.
	rateWindowRetention = 24 * time.Hour

	// proposalStaleAfter reaps proposals stuck in processing.
	proposalStaleAfter = 30 * time.Minute

	// marketStaleAfter reaps markets stuck in resolving.
	marketStaleAfter = time.Hour
)

// Bus is the slice of the message broker the scheduler publishes on.
type Bus interface {
	Publish(ctx context.Context, queue string, msg any) error
	Broadcast(ctx context.Context) error
}

// Scheduler owns the five sweeps. Every sweep is independently callable
// so operators (and tests) can trigger one without the ticker loop.
type Scheduler struct {
	store store.Store
	bus   Bus
	cfg   config.SchedulerConfig
	now   func() time.Time
}

// New builds a scheduler over the given store and bus.
func New(st store.Store, bus Bus, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{store: st, bus: bus, cfg: cfg, now: time.Now}
}

// Run starts one ticker per sweep and blocks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	loops := []struct {
		name     string
		interval time.Duration
		sweep    func(context.Context) error
	}{
		{"expiry", secs(s.cfg.ExpirySweepSecs, time.Minute), s.SweepExpired},
		{"finalize", secs(s.cfg.FinalizeSweepSecs, 5*time.Minute), s.SweepFinalizable},
		{"rate_windows", secs(s.cfg.RateSweepSecs, time.Hour), s.SweepRateWindows},
		{"config_push", secs(s.cfg.ConfigPushSecs, 15*time.Minute), s.BroadcastConfig},
		{"staleness", secs(s.cfg.StalenessSweepSecs, 10*time.Minute), s.SweepStale},
	}

	for _, loop := range loops {
		g.Go(func() error {
			ticker := time.NewTicker(loop.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := loop.sweep(ctx); err != nil {
						zap.L().Error("sweep failed",
							zap.String("sweep", loop.name),
							zap.Error(err),
						)
					}
				}
			}
		})
	}
	return g.Wait()
}

func secs(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// SweepExpired moves expired active markets to resolving and announces
// them on markets.resolve. The guarded transition is the claim: a market
// another sweep instance already moved is skipped silently.
func (s *Scheduler) SweepExpired(ctx context.Context) error {
	markets, err := s.store.ListExpiredActiveMarkets(ctx, s.now().UTC())
	if err != nil {
		return eris.Wrap(err, "scheduler: list expired markets")
	}

	moved := 0
	for _, mkt := range markets {
		won, err := s.store.TransitionDraft(ctx, mkt.ID,
			model.MarketStatusActive, model.MarketStatusResolving)
		if err != nil {
			return eris.Wrapf(err, "scheduler: claim expired market %s", mkt.ID)
		}
		if !won {
			continue
		}

		msg := broker.MarketResolveMessage{
			MarketID:      mkt.ID,
			MarketAddress: mkt.MarketAddress,
		}
		if mkt.ExpiresAt != nil {
			msg.Expiry = *mkt.ExpiresAt
		}
		if err := s.bus.Publish(ctx, broker.QueueMarketsResolve, msg); err != nil {
			// The market sits in resolving unannounced; the staleness
			// sweep fails it and an operator requeues.
			s.audit(ctx, "draft_market", mkt.ID, "resolve_announce_failed", err.Error())
			zap.L().Warn("resolve announcement failed",
				zap.String("market_id", mkt.ID),
				zap.Error(err),
			)
			continue
		}
		moved++
	}

	if moved > 0 {
		zap.L().Info("expired markets queued for resolution", zap.Int("count", moved))
	}
	return nil
}

// SweepFinalizable finalizes resolutions whose dispute window passed with
// no open dispute.
func (s *Scheduler) SweepFinalizable(ctx context.Context) error {
	resolutions, err := s.store.ListFinalizableResolutions(ctx, s.now().UTC())
	if err != nil {
		return eris.Wrap(err, "scheduler: list finalizable resolutions")
	}

	finalized := 0
	for _, res := range resolutions {
		won, err := s.store.TransitionResolution(ctx, res.ID,
			model.ResolutionStatusResolved, model.ResolutionStatusFinalized)
		if err != nil {
			return eris.Wrapf(err, "scheduler: finalize resolution %s", res.ID)
		}
		if !won {
			continue
		}
		if _, err := s.store.TransitionDraft(ctx, res.MarketID,
			model.MarketStatusResolved, model.MarketStatusFinalized); err != nil {
			return eris.Wrapf(err, "scheduler: finalize market %s", res.MarketID)
		}
		s.audit(ctx, "draft_market", res.MarketID, "finalized", "dispute window closed")
		finalized++
	}

	if finalized > 0 {
		zap.L().Info("resolutions finalized", zap.Int("count", finalized))
	}
	return nil
}

// SweepRateWindows deletes admission counter rows older than the widest
// window.
func (s *Scheduler) SweepRateWindows(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-rateWindowRetention)
	n, err := s.store.DeleteRateWindowsBefore(ctx, cutoff)
	if err != nil {
		return eris.Wrap(err, "scheduler: sweep rate windows")
	}
	if n > 0 {
		zap.L().Debug("rate windows swept", zap.Int("deleted", n))
	}
	return nil
}

// BroadcastConfig nudges every worker to re-read dynamic settings.
func (s *Scheduler) BroadcastConfig(ctx context.Context) error {
	if err := s.bus.Broadcast(ctx); err != nil {
		return eris.Wrap(err, "scheduler: broadcast config refresh")
	}
	return nil
}

// SweepStale fails proposals stuck in processing and markets stuck in
// resolving past their thresholds. Both are states a crashed worker can
// strand an entity in.
func (s *Scheduler) SweepStale(ctx context.Context) error {
	now := s.now().UTC()

	proposals, err := s.store.ListStaleProposals(ctx,
		model.ProposalStatusProcessing, now.Add(-proposalStaleAfter))
	if err != nil {
		return eris.Wrap(err, "scheduler: list stale proposals")
	}
	for _, p := range proposals {
		won, err := s.store.TransitionProposal(ctx, p.ID,
			model.ProposalStatusProcessing, model.ProposalStatusFailed)
		if err != nil {
			return eris.Wrapf(err, "scheduler: fail stale proposal %s", p.ID)
		}
		if won {
			s.audit(ctx, "proposal", p.ID, "reaped", "stuck in processing")
		}
	}

	markets, err := s.store.ListStaleMarkets(ctx,
		model.MarketStatusResolving, now.Add(-marketStaleAfter))
	if err != nil {
		return eris.Wrap(err, "scheduler: list stale markets")
	}
	for _, mkt := range markets {
		won, err := s.store.TransitionDraft(ctx, mkt.ID,
			model.MarketStatusResolving, model.MarketStatusFailed)
		if err != nil {
			return eris.Wrapf(err, "scheduler: fail stale market %s", mkt.ID)
		}
		if won {
			s.audit(ctx, "draft_market", mkt.ID, "reaped", "stuck in resolving")
		}
	}

	if len(proposals)+len(markets) > 0 {
		zap.L().Warn("stale entities reaped",
			zap.Int("proposals", len(proposals)),
			zap.Int("markets", len(markets)),
		)
	}
	return nil
}

func (s *Scheduler) audit(ctx context.Context, entityType, entityID, action, detail string) {
	err := s.store.AppendAudit(ctx, &model.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Detail:     detail,
	})
	if err != nil {
		zap.L().Warn("audit append failed",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}
