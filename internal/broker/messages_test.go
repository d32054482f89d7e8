package broker

import (
	"testing"
)

func TestDecode_TypedPerQueue(t *testing.T) {
	tests := []struct {
		queue string
		body  string
		check func(t *testing.T, msg any)
	}{
		{
			queue: QueueNewsRaw,
			body:  `{"news_id":"n1","source":"techwire","title":"X launches Y"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(*NewsRawMessage)
				if !ok {
					t.Fatalf("wrong type %T", msg)
				}
				if m.NewsID != "n1" || m.Source != "techwire" {
					t.Errorf("bad decode: %+v", m)
				}
			},
		},
		{
			queue: QueueCandidates,
			body:  `{"candidate_id":"c1","entities":["X","Y"],"event_type":"product_launch"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(*CandidateMessage)
				if !ok {
					t.Fatalf("wrong type %T", msg)
				}
				if m.CandidateID != "c1" || len(m.Entities) != 2 {
					t.Errorf("bad decode: %+v", m)
				}
			},
		},
		{
			queue: QueueMarketsPublish,
			body:  `{"draft_market_id":"d1","validation_id":"v1"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(*MarketPublishMessage)
				if !ok {
					t.Fatalf("wrong type %T", msg)
				}
				if m.DraftMarketID != "d1" || m.ValidationID != "v1" {
					t.Errorf("bad decode: %+v", m)
				}
			},
		},
		{
			queue: QueueMarketsResolve,
			body:  `{"market_id":"m1","market_address":"mkt_abc"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(*MarketResolveMessage)
				if !ok {
					t.Fatalf("wrong type %T", msg)
				}
				if m.MarketID != "m1" {
					t.Errorf("bad decode: %+v", m)
				}
			},
		},
		{
			queue: QueueDisputes,
			body:  `{"dispute_id":"dp1","resolution_id":"r1"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(*DisputeMessage)
				if !ok {
					t.Fatalf("wrong type %T", msg)
				}
				if m.DisputeID != "dp1" {
					t.Errorf("bad decode: %+v", m)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.queue, func(t *testing.T) {
			msg, err := Decode(tt.queue, []byte(tt.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		queue string
		body  string
	}{
		{"unknown queue", "nope", `{}`},
		{"malformed json", QueueNewsRaw, `{`},
		{"missing news_id", QueueNewsRaw, `{"source":"x"}`},
		{"missing candidate_id", QueueCandidates, `{"event_type":"x"}`},
		{"missing draft_market_id", QueueDraftsValidate, `{}`},
		{"missing market_id", QueueMarketsResolve, `{"market_address":"a"}`},
		{"missing dispute_id", QueueDisputes, `{"resolution_id":"r1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.queue, []byte(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
