package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilproxy/councilproxy/internal/models"
)

func TestAdapter_SendRequest(t *testing.T) {
	var gotReq Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.Equal(t, APIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := Response{
			ID:   "msg-1",
			Type: "message",
			Role: "assistant",
			Content: []ContentBlock{
				{Type: "text", Text: "The answer "},
				{Type: "text", Text: "is 4."},
			},
			StopReason: "end_turn",
			Usage:      Usage{InputTokens: 42, OutputTokens: 8},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	member := models.CouncilMember{ID: "claude", Provider: "anthropic", Model: "claude-sonnet-4-20250514", TimeoutSec: 5}
	a := New("test-key", server.URL)
	resp, err := a.SendRequest(context.Background(), member, "What is 2+2?", "Be terse.")
	require.NoError(t, err)

	assert.Equal(t, "The answer is 4.", resp.Content)
	assert.Equal(t, 42, resp.TokenUsage.Prompt)
	assert.Equal(t, 8, resp.TokenUsage.Completion)
	assert.Equal(t, 50, resp.TokenUsage.Total)

	assert.Equal(t, "Be terse.", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.NotZero(t, gotReq.MaxTokens)
}

func TestAdapter_SendRequest_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"rate_limit_error"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	member := models.CouncilMember{ID: "claude", Provider: "anthropic", TimeoutSec: 5}
	a := New("test-key", server.URL)
	_, err := a.SendRequest(context.Background(), member, "hi", "")
	require.Error(t, err)
	assert.Equal(t, models.ErrRateLimit, models.KindOf(err))
}

func TestAdapter_SendRequest_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Content: []ContentBlock{}})
	}))
	defer server.Close()

	member := models.CouncilMember{ID: "claude", Provider: "anthropic", TimeoutSec: 5}
	a := New("test-key", server.URL)
	_, err := a.SendRequest(context.Background(), member, "hi", "")
	require.Error(t, err)
	assert.Equal(t, models.ErrUnknown, models.KindOf(err))
}
