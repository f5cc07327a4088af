// Package llm provides the provider adapter layer for CouncilProxy.
//
// Every council member maps to one ProviderAdapter, which speaks that
// provider's public HTTP wire protocol and nothing else. Adapters never
// retry; retry, backoff and health accounting belong to the provider pool.
//
// # Adapter Interface
//
// All adapters implement:
//
//	type ProviderAdapter interface {
//	    Name() string
//	    SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error)
//	    Health(ctx context.Context) (*models.ProbeResult, error)
//	}
//
// # Error Normalization
//
// Adapters classify every failure into a models.ErrorKind before returning:
//
//	HTTP 429            -> RATE_LIMIT
//	HTTP 503            -> SERVICE_UNAVAILABLE
//	HTTP 401/403        -> AUTHENTICATION_ERROR
//	other 4xx           -> INVALID_REQUEST
//	I/O before headers  -> NETWORK_ERROR
//	"timeout" anywhere  -> TIMEOUT
//	anything else       -> UNKNOWN_ERROR
//
// # Supported Providers
//
// The providers/ subdirectory contains implementations for:
//   - openai (chat completions)
//   - anthropic (messages)
//   - google (Gemini generateContent)
//   - xai (Grok, OpenAI-compatible)
//   - static (scripted responses for tests and offline runs)
package llm
