package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilproxy/councilproxy/internal/models"
)

func testMember() models.CouncilMember {
	return models.CouncilMember{ID: "openai-gpt4", Provider: "openai", Model: "gpt-4o", TimeoutSec: 5}
}

func TestAdapter_SendRequest(t *testing.T) {
	var gotReq Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := Response{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []Choice{{
				Message:      Message{Role: "assistant", Content: "4"},
				FinishReason: "stop",
			}},
			Usage: Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := New("test-key", server.URL)
	resp, err := a.SendRequest(context.Background(), testMember(), "What is 2+2?", "Be terse.")
	require.NoError(t, err)

	assert.Equal(t, "openai-gpt4", resp.CouncilMemberID)
	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, 60, resp.TokenUsage.Total)
	assert.Equal(t, 50, resp.TokenUsage.Prompt)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "Be terse.", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.Equal(t, "gpt-4o", gotReq.Model)
}

func TestAdapter_SendRequest_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.ErrorKind
	}{
		{"rate limit", http.StatusTooManyRequests, models.ErrRateLimit},
		{"unavailable", http.StatusServiceUnavailable, models.ErrServiceUnavailable},
		{"bad key", http.StatusUnauthorized, models.ErrAuthentication},
		{"bad payload", http.StatusBadRequest, models.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"message":"nope"}}`, tt.status)
			}))
			defer server.Close()

			a := New("test-key", server.URL)
			_, err := a.SendRequest(context.Background(), testMember(), "hi", "")
			require.Error(t, err)
			assert.Equal(t, tt.want, models.KindOf(err))
		})
	}
}

func TestAdapter_SendRequest_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	a := New("test-key", server.URL)
	_, err := a.SendRequest(context.Background(), testMember(), "hi", "")
	require.Error(t, err)
	assert.Equal(t, models.ErrNetwork, models.KindOf(err))
}

func TestAdapter_SendRequest_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(Response{Choices: []Choice{{Message: Message{Content: "late"}}}})
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	a := New("test-key", server.URL)
	_, err := a.SendRequest(ctx, testMember(), "hi", "")
	require.Error(t, err)
	assert.Equal(t, models.ErrTimeout, models.KindOf(err))
}

func TestAdapter_SendRequest_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{})
	}))
	defer server.Close()

	a := New("test-key", server.URL)
	_, err := a.SendRequest(context.Background(), testMember(), "hi", "")
	require.Error(t, err)
	assert.Equal(t, models.ErrUnknown, models.KindOf(err))
}

func TestAdapter_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	a := New("test-key", server.URL)
	probe, err := a.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, probe.Available)
}
