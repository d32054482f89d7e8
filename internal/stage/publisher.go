package stage

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/resilience"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/pkg/chain"
)

// defaultMarketLifetime is used when a draft carries no expiry.
const defaultMarketLifetime = 30 * 24 * time.Hour

// Publisher consumes markets.publish and deploys drafts on-chain. Publish
// is idempotent twice over: a draft with a recorded address acks without
// touching the gateway, and the gateway itself keys deployments by draft
// ID, so the rare crash between deploy and record cannot double-deploy.
type Publisher struct {
	store store.Store
	chain chain.Client
}

// NewPublisher builds the publisher stage.
func NewPublisher(st store.Store, ch chain.Client) *Publisher {
	return &Publisher{store: st, chain: ch}
}

func (p *Publisher) Queue() string { return broker.QueueMarketsPublish }

// Handle deploys one draft market.
func (p *Publisher) Handle(ctx context.Context, msg any) error {
	m, ok := msg.(*broker.MarketPublishMessage)
	if !ok {
		return eris.Errorf("publisher: unexpected message type %T", msg)
	}

	draft, err := p.store.GetDraft(ctx, m.DraftMarketID)
	if err != nil {
		return eris.Wrapf(err, "publisher: load draft %s", m.DraftMarketID)
	}
	if draft.MarketAddress != "" {
		// Already deployed; a redelivery must not touch the chain again.
		return nil
	}
	switch draft.Status {
	case model.MarketStatusDraft, model.MarketStatusPendingReview:
	default:
		return nil
	}

	expiry := time.Now().UTC().Add(defaultMarketLifetime)
	if draft.ExpiresAt != nil {
		expiry = draft.ExpiresAt.UTC()
	}

	resp, err := p.chain.PublishMarket(ctx, chain.PublishRequest{
		DraftID:     draft.ID,
		Title:       draft.Title,
		Description: draft.Description,
		Category:    draft.Category,
		ExpiresAt:   expiry,
	})
	if err != nil {
		return p.classifyChainErr(ctx, draft, err)
	}

	won, err := p.store.SetDraftPublished(ctx, draft.ID, resp.Address, expiry, draft.Status)
	if err != nil {
		return eris.Wrapf(err, "publisher: record address for %s", draft.ID)
	}
	if !won {
		// A concurrent publish won the guard; the gateway's idempotency
		// key means both saw the same address.
		return nil
	}

	if draft.ProposalID != "" {
		if _, err := p.store.TransitionProposal(ctx, draft.ProposalID,
			model.ProposalStatusApproved, model.ProposalStatusPublished); err != nil {
			zap.L().Warn("proposal publish transition failed",
				zap.String("proposal_id", draft.ProposalID),
				zap.Error(err),
			)
		}
	}

	audit(ctx, p.store, "draft_market", draft.ID, "published", resp.Address)
	zap.L().Info("market published",
		zap.String("draft_id", draft.ID),
		zap.String("address", resp.Address),
		zap.Time("expires_at", expiry),
	)
	return nil
}

// classifyChainErr maps gateway failures: 4xx means the market can never
// deploy, so the draft fails terminally and the message acks; everything
// else is worth retrying.
func (p *Publisher) classifyChainErr(ctx context.Context, draft *model.DraftMarket, err error) error {
	var statusErr *chain.StatusError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
		if _, trErr := p.store.TransitionDraft(ctx, draft.ID,
			draft.Status, model.MarketStatusFailed); trErr != nil {
			return eris.Wrapf(trErr, "publisher: fail draft %s", draft.ID)
		}
		audit(ctx, p.store, "draft_market", draft.ID, "publish_rejected", err.Error())
		return resilience.NewPermanentError(eris.Wrapf(err, "publisher: gateway rejected %s", draft.ID))
	}
	return eris.Wrapf(err, "publisher: deploy %s", draft.ID)
}
