// Package openai implements the provider adapter for the OpenAI chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/councilproxy/councilproxy/internal/llm"
	"github.com/councilproxy/councilproxy/internal/models"
)

const (
	// DefaultBaseURL is the base URL for the OpenAI API.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is used when a council member does not pin a model.
	DefaultModel = "gpt-4o"

	providerName = "openai"
)

// Adapter speaks the OpenAI chat completions wire protocol.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Request represents an OpenAI chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response represents an OpenAI chat completion response.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents one completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage reported by the API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func New(apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			// Safety net only; the per-attempt deadline arrives via ctx.
			Timeout: 120 * time.Second,
		},
	}
}

func (a *Adapter) Name() string {
	return providerName
}

func (a *Adapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error) {
	model := member.Model
	if model == "" {
		model = DefaultModel
	}

	messages := make([]Message, 0, 2)
	if promptContext != "" {
		messages = append(messages, Message{Role: "system", Content: promptContext})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	payload, err := json.Marshal(Request{Model: model, Messages: messages})
	if err != nil {
		return nil, models.WrapError(models.ErrUnknown, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return nil, models.WrapError(models.ErrUnknown, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, llm.NormalizeTransportError(providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NormalizeTransportError(providerName, err)
	}
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		return nil, llm.NormalizeHTTPError(providerName, resp.StatusCode, body)
	}

	var parsed Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, models.WrapError(models.ErrUnknown, "failed to parse response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, models.NewProviderError(models.ErrUnknown, providerName, "response contained no choices")
	}

	return &models.ProviderResponse{
		CouncilMemberID: member.ID,
		Content:         parsed.Choices[0].Message.Content,
		TokenUsage: models.TokenUsage{
			Prompt:     parsed.Usage.PromptTokens,
			Completion: parsed.Usage.CompletionTokens,
			Total:      parsed.Usage.TotalTokens,
		},
		LatencyMs: latency,
		Timestamp: time.Now(),
	}, nil
}

// Health lists models as a cheap availability probe.
func (a *Adapter) Health(ctx context.Context) (*models.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &models.ProbeResult{Available: false}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return &models.ProbeResult{
		Available: resp.StatusCode == http.StatusOK,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
