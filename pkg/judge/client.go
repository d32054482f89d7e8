// Package judge wraps the Anthropic API behind the pipeline's market
// reasoning operations: candidate extraction, market generation, draft
// validation, resolution, and dispute review. Every operation asks the
// model for a single JSON object and parses it into a typed verdict.
package judge

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the reasoning operations used by the pipeline stages.
type Client interface {
	ExtractCandidates(ctx context.Context, article Article) ([]CandidateExtraction, error)
	GenerateMarket(ctx context.Context, cand CandidateInput) (*MarketSpec, error)
	ValidateDraft(ctx context.Context, draft DraftInput) (*Verdict, error)
	ResolveMarket(ctx context.Context, market DraftInput, evidence string) (*ResolutionVerdict, error)
	ReviewDispute(ctx context.Context, req DisputeReview) (*DisputeVerdict, error)
}

// Article is the input to candidate extraction.
type Article struct {
	Title   string `json:"title"`
	Source  string `json:"source"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// CandidateExtraction is one predictable event found in an article.
type CandidateExtraction struct {
	Entities     []string `json:"entities"`
	EventType    string   `json:"event_type"`
	CategoryHint string   `json:"category_hint"`
	RelevantText string   `json:"relevant_text"`
}

// CandidateInput is the input to market generation.
type CandidateInput struct {
	Entities     []string `json:"entities"`
	EventType    string   `json:"event_type"`
	CategoryHint string   `json:"category_hint"`
	RelevantText string   `json:"relevant_text"`
}

// MarketSpec is a fully specified binary market.
type MarketSpec struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Category        string   `json:"category"`
	Confidence      float64  `json:"confidence"`
	Criteria        string   `json:"criteria"`
	EvidenceSources []string `json:"evidence_sources"`
	ResolutionLogic string   `json:"resolution_logic"`
	ExpiryDays      int      `json:"expiry_days"`
}

// DraftInput is the draft market fed to validation and resolution.
type DraftInput struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Category        string   `json:"category"`
	Criteria        string   `json:"criteria"`
	EvidenceSources []string `json:"evidence_sources"`
	ResolutionLogic string   `json:"resolution_logic"`
}

// Verdict is the validator's judgment on a draft.
type Verdict struct {
	Approved   bool    `json:"approved"`
	Confidence float64 `json:"confidence"`
	Reasons    string  `json:"reasons"`
	Version    string  `json:"-"`
}

// ResolutionVerdict is the resolver's judgment. Result is yes, no, or
// invalid.
type ResolutionVerdict struct {
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// DisputeReview is the input to dispute review: the original resolution
// plus the challenger's reason.
type DisputeReview struct {
	Market        DraftInput `json:"market"`
	Result        string     `json:"result"`
	Reasoning     string     `json:"reasoning"`
	DisputeReason string     `json:"dispute_reason"`
	Evidence      string     `json:"evidence"`
}

// DisputeVerdict is the outcome of a dispute review. Escalate wins over
// Uphold: an escalated dispute goes to a human regardless of leaning.
type DisputeVerdict struct {
	Uphold    bool   `json:"uphold"`
	Escalate  bool   `json:"escalate"`
	Review    string `json:"review"`
	NewResult string `json:"new_result,omitempty"`
}

// messageCreator is the slice of the SDK the client needs; tests stub it.
type messageCreator interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Config holds model selection for the client.
type Config struct {
	HaikuModel  string
	SonnetModel string
	MaxTokens   int64
}

type sdkClient struct {
	msgs messageCreator
	cfg  Config
}

// NewClient creates a judge client backed by the official SDK.
func NewClient(apiKey string, cfg Config) Client {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &sdkClient{msgs: &client.Messages, cfg: cfg}
}

func (c *sdkClient) ExtractCandidates(ctx context.Context, article Article) ([]CandidateExtraction, error) {
	input, err := json.Marshal(article)
	if err != nil {
		return nil, eris.Wrap(err, "judge: marshal article")
	}

	var out struct {
		Candidates []CandidateExtraction `json:"candidates"`
	}
	if err := c.ask(ctx, c.cfg.HaikuModel, nil, extractSystem, string(input), "extract", &out); err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

func (c *sdkClient) GenerateMarket(ctx context.Context, cand CandidateInput) (*MarketSpec, error) {
	input, err := json.Marshal(cand)
	if err != nil {
		return nil, eris.Wrap(err, "judge: marshal candidate")
	}

	var spec MarketSpec
	if err := c.ask(ctx, c.cfg.SonnetModel, nil, generateSystem, string(input), "generate", &spec); err != nil {
		return nil, err
	}
	if spec.Title == "" || spec.Criteria == "" {
		return nil, eris.New("judge: generated market missing title or criteria")
	}
	if spec.ExpiryDays <= 0 {
		spec.ExpiryDays = 30
	}
	return &spec, nil
}

func (c *sdkClient) ValidateDraft(ctx context.Context, draft DraftInput) (*Verdict, error) {
	input, err := json.Marshal(draft)
	if err != nil {
		return nil, eris.Wrap(err, "judge: marshal draft")
	}

	var v Verdict
	if err := c.ask(ctx, c.cfg.SonnetModel, nil, validateSystem, string(input), "validate", &v); err != nil {
		return nil, err
	}
	v.Version = c.cfg.SonnetModel
	return &v, nil
}

func (c *sdkClient) ResolveMarket(ctx context.Context, market DraftInput, evidence string) (*ResolutionVerdict, error) {
	input, err := json.Marshal(struct {
		Market   DraftInput `json:"market"`
		Evidence string     `json:"evidence"`
	}{market, evidence})
	if err != nil {
		return nil, eris.Wrap(err, "judge: marshal resolution input")
	}

	// Resolution must be reproducible over the same evidence.
	zero := 0.0
	var v ResolutionVerdict
	if err := c.ask(ctx, c.cfg.SonnetModel, &zero, resolveSystem, string(input), "resolve", &v); err != nil {
		return nil, err
	}
	switch v.Result {
	case "yes", "no", "invalid":
	default:
		return nil, eris.Errorf("judge: unexpected resolution result %q", v.Result)
	}
	return &v, nil
}

func (c *sdkClient) ReviewDispute(ctx context.Context, req DisputeReview) (*DisputeVerdict, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "judge: marshal dispute review")
	}

	zero := 0.0
	var v DisputeVerdict
	if err := c.ask(ctx, c.cfg.SonnetModel, &zero, disputeSystem, string(input), "dispute", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ask sends one system+user exchange and decodes the model's JSON reply
// into out.
func (c *sdkClient) ask(ctx context.Context, model string, temperature *float64, system, user, phase string, out any) error {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: c.cfg.MaxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if temperature != nil {
		params.Temperature = sdk.Float(*temperature)
	}

	msg, err := c.msgs.New(ctx, params)
	if err != nil {
		return eris.Wrapf(err, "judge: %s", phase)
	}

	zap.L().Debug("judge call",
		zap.String("phase", phase),
		zap.String("model", model),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)

	text := firstText(msg)
	if text == "" {
		return eris.Errorf("judge: %s returned no text content", phase)
	}
	if err := json.Unmarshal([]byte(stripFences(text)), out); err != nil {
		return eris.Wrapf(err, "judge: %s parse reply", phase)
	}
	return nil
}

func firstText(msg *sdk.Message) string {
	for _, b := range msg.Content {
		if b.Type == "text" {
			return b.Text
		}
	}
	return ""
}

// stripFences removes a markdown code fence the model sometimes wraps its
// JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
