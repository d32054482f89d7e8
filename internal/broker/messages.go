package broker

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Messages carry only identifiers and minimal context; handlers re-fetch
// full state from the store. They are validated at the consumer boundary
// before any business logic runs.

// NewsRawMessage announces a newly ingested news item.
type NewsRawMessage struct {
	NewsID      string    `json:"news_id"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
}

// Validate checks required fields.
func (m *NewsRawMessage) Validate() error {
	if m.NewsID == "" {
		return eris.New("news.raw: missing news_id")
	}
	return nil
}

// CandidateMessage announces an unprocessed market candidate.
type CandidateMessage struct {
	CandidateID  string   `json:"candidate_id"`
	NewsID       string   `json:"news_id,omitempty"`
	ProposalID   string   `json:"proposal_id,omitempty"`
	Entities     []string `json:"entities"`
	EventType    string   `json:"event_type"`
	CategoryHint string   `json:"category_hint,omitempty"`
	RelevantText string   `json:"relevant_text,omitempty"`
}

func (m *CandidateMessage) Validate() error {
	if m.CandidateID == "" {
		return eris.New("candidates: missing candidate_id")
	}
	return nil
}

// DraftValidateMessage asks the validator to judge a generated draft.
type DraftValidateMessage struct {
	DraftMarketID string `json:"draft_market_id"`
	ProposalID    string `json:"proposal_id,omitempty"`
}

func (m *DraftValidateMessage) Validate() error {
	if m.DraftMarketID == "" {
		return eris.New("drafts.validate: missing draft_market_id")
	}
	return nil
}

// MarketPublishMessage asks the publisher to create the market on chain.
type MarketPublishMessage struct {
	DraftMarketID string `json:"draft_market_id"`
	ValidationID  string `json:"validation_id"`
}

func (m *MarketPublishMessage) Validate() error {
	if m.DraftMarketID == "" {
		return eris.New("markets.publish: missing draft_market_id")
	}
	return nil
}

// MarketResolveMessage asks the resolver to settle an expired market.
type MarketResolveMessage struct {
	MarketID      string    `json:"market_id"`
	MarketAddress string    `json:"market_address"`
	Expiry        time.Time `json:"expiry"`
}

func (m *MarketResolveMessage) Validate() error {
	if m.MarketID == "" {
		return eris.New("markets.resolve: missing market_id")
	}
	return nil
}

// DisputeMessage asks the dispute agent to review a challenge. A non-empty
// Ruling carries an operator's decision on an escalated dispute instead of
// triggering an automated review.
type DisputeMessage struct {
	DisputeID    string `json:"dispute_id"`
	ResolutionID string `json:"resolution_id"`
	Ruling       string `json:"ruling,omitempty"`
	RuledResult  string `json:"ruled_result,omitempty"`
}

func (m *DisputeMessage) Validate() error {
	if m.DisputeID == "" {
		return eris.New("disputes: missing dispute_id")
	}
	switch m.Ruling {
	case "":
	case "upheld":
	case "overturned":
		if m.RuledResult != "yes" && m.RuledResult != "no" {
			return eris.New("disputes: overturn ruling needs a yes/no result")
		}
	default:
		return eris.Errorf("disputes: unknown ruling %q", m.Ruling)
	}
	return nil
}

// validated is implemented by every queue message.
type validated interface {
	Validate() error
}

// Decode unmarshals and validates a message body for the named queue,
// returning the typed variant. Unknown queues and malformed bodies are
// permanent failures: redelivery cannot fix them.
func Decode(queue string, body []byte) (any, error) {
	var msg validated
	switch queue {
	case QueueNewsRaw:
		msg = &NewsRawMessage{}
	case QueueCandidates:
		msg = &CandidateMessage{}
	case QueueDraftsValidate:
		msg = &DraftValidateMessage{}
	case QueueMarketsPublish:
		msg = &MarketPublishMessage{}
	case QueueMarketsResolve:
		msg = &MarketResolveMessage{}
	case QueueDisputes:
		msg = &DisputeMessage{}
	default:
		return nil, eris.Errorf("broker: no schema for queue %s", queue)
	}

	if err := json.Unmarshal(body, msg); err != nil {
		return nil, eris.Wrapf(err, "broker: decode %s", queue)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
