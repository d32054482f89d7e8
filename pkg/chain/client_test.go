package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishMarket(t *testing.T) {
	var gotKey string
	var gotReq PublishRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/markets", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(PublishResponse{Address: "0xabc123", TxHash: "0xdeadbeef"})
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	resp, err := c.PublishMarket(context.Background(), PublishRequest{
		DraftID:   "draft-1",
		Title:     "Will it rain tomorrow?",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, "0xabc123", resp.Address)
	assert.Equal(t, "draft-1", gotKey)
	assert.Equal(t, "Will it rain tomorrow?", gotReq.Title)
}

func TestPublishMarket_RequiresDraftID(t *testing.T) {
	c := NewClient("test-key", "http://unused")
	_, err := c.PublishMarket(context.Background(), PublishRequest{Title: "t"})
	assert.Error(t, err)
}

func TestPublishMarket_EmptyAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(PublishResponse{})
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	_, err := c.PublishMarket(context.Background(), PublishRequest{DraftID: "draft-1"})
	assert.Error(t, err)
}

func TestSubmitResolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/markets/0xabc123/resolution", r.URL.Path)
		json.NewEncoder(w).Encode(ResolutionResponse{TxHash: "0xfeed"})
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	resp, err := c.SubmitResolution(context.Background(), "0xabc123", ResolutionRequest{
		Result:       "yes",
		EvidenceHash: "hash",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", resp.TxHash)
}

func TestCancelMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/markets/0xabc123/cancel", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "unresolvable", body["reason"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	assert.NoError(t, c.CancelMarket(context.Background(), "0xabc123", "unresolvable"))
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "market already resolved", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	_, err := c.SubmitResolution(context.Background(), "0xabc123", ResolutionRequest{Result: "yes"})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.Code)
}
