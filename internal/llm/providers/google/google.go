// Package google implements the provider adapter for the Gemini
// generateContent API.
package google

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
	// DefaultBaseURL is the base URL for the Gemini API.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultModel is used when a council member does not pin a model.
	DefaultModel = "gemini-2.0-flash"

	providerName = "google"
)

// Adapter speaks the Gemini generateContent wire protocol. The API key
// travels in the query string, not a header.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Request represents a generateContent request.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content holds the parts of one conversational turn.
type Content struct {
	Parts []Part `json:"parts"`
	Role  string `json:"role,omitempty"`
}

// Part is a single text fragment.
type Part struct {
	Text string `json:"text,omitempty"`
}

// GenerationConfig tunes sampling.
type GenerationConfig struct {
	Temperature     float64  `json:"temperature,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// Response represents a generateContent response.
type Response struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one generated answer.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
	Index        int     `json:"index"`
}

// UsageMetadata reports token counts.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
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
		Contents: []Content{{
			Role:  "user",
			Parts: []Part{{Text: prompt}},
		}},
	}
	if promptContext != "" {
		wire.SystemInstruction = &Content{Parts: []Part{{Text: promptContext}}}
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, models.WrapError(models.ErrUnknown, "failed to marshal request", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, model, a.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, models.WrapError(models.ErrUnknown, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
	if len(parsed.Candidates) == 0 {
		return nil, models.NewProviderError(models.ErrUnknown, providerName, "response contained no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	usage := models.TokenUsage{}
	if parsed.UsageMetadata != nil {
		usage = models.TokenUsage{
			Prompt:     parsed.UsageMetadata.PromptTokenCount,
			Completion: parsed.UsageMetadata.CandidatesTokenCount,
			Total:      parsed.UsageMetadata.TotalTokenCount,
		}
	}

	return &models.ProviderResponse{
		CouncilMemberID: member.ID,
		Content:         sb.String(),
		TokenUsage:      usage,
		LatencyMs:       latency,
		Timestamp:       time.Now(),
	}, nil
}

// Health lists models as a cheap availability probe.
func (a *Adapter) Health(ctx context.Context) (*models.ProbeResult, error) {
	url := fmt.Sprintf("%s/models?key=%s", a.baseURL, a.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health request: %w", err)
	}

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
