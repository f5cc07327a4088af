// Package anthropic implements the provider adapter for the Anthropic
// messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/councilproxy/councilproxy/internal/llm"
	"github.com/councilproxy/councilproxy/internal/models"
)

const (
	// DefaultBaseURL is the base URL for the Anthropic API.
	DefaultBaseURL = "https://api.anthropic.com/v1"
	// DefaultModel is used when a council member does not pin a model.
	DefaultModel = "claude-sonnet-4-20250514"
	// APIVersion is the Anthropic API version header value.
	APIVersion = "2023-06-01"

	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter speaks the Anthropic messages wire protocol.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Request represents an Anthropic messages request.
type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock represents a content block in a message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Response represents an Anthropic messages response.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage represents token usage reported by the API.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
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

	wire := Request{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    promptContext,
		Messages: []Message{{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: prompt}},
		}},
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, models.WrapError(models.ErrUnknown, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewBuffer(payload))
	if err != nil {
		return nil, models.WrapError(models.ErrUnknown, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", APIVersion)

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

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, models.NewProviderError(models.ErrUnknown, providerName, "response contained no text content")
	}

	return &models.ProviderResponse{
		CouncilMemberID: member.ID,
		Content:         sb.String(),
		TokenUsage: models.TokenUsage{
			Prompt:     parsed.Usage.InputTokens,
			Completion: parsed.Usage.OutputTokens,
			Total:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
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
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", APIVersion)

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
