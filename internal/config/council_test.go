package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilproxy/councilproxy/internal/models"
)

const minimalCouncilYAML = `
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
    - id: claude-main
      provider: anthropic
      model: claude-sonnet
deliberation:
  rounds: 1
synthesis:
  strategy: consensus-extraction
`

func writeCouncilFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "council.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseCouncilFile_AppliesDefaults(t *testing.T) {
	file, err := ParseCouncilFile([]byte(minimalCouncilYAML))
	require.NoError(t, err)

	require.Len(t, file.Council.Members, 2)
	m := file.Council.Members[0]
	assert.Equal(t, float64(30), m.TimeoutSec)
	assert.Equal(t, 500, m.ExpectedTokensRound)
	assert.Equal(t, 3, m.RetryPolicy.MaxAttempts)
	assert.Equal(t, 200, m.RetryPolicy.InitialDelayMs)
	assert.Equal(t, 5000, m.RetryPolicy.MaxDelayMs)
	assert.Equal(t, float64(2), m.RetryPolicy.BackoffMultiplier)
	assert.Contains(t, m.RetryPolicy.RetryableErrors, models.ErrTimeout)
	assert.Contains(t, m.RetryPolicy.RetryableErrors, models.ErrRateLimit)

	assert.Equal(t, 2, file.Council.MinimumSize)
	assert.Equal(t, models.StrategyConsensusExtraction, file.Synthesis.Strategy)
	assert.Equal(t, float64(60), file.Performance.GlobalTimeoutSec)
}

func TestParseCouncilFile_KeepsExplicitValues(t *testing.T) {
	file, err := ParseCouncilFile([]byte(`
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
      timeout_sec: 12
      retry_policy:
        max_attempts: 1
        backoff_multiplier: 1.5
  minimum_size: 1
synthesis:
  strategy: meta-synthesis
  moderator_strategy: permanent
  moderator_member_id: gpt-main
performance:
  global_timeout_sec: 90
`))
	require.NoError(t, err)

	assert.Equal(t, float64(12), file.Council.Members[0].TimeoutSec)
	assert.Equal(t, 1, file.Council.Members[0].RetryPolicy.MaxAttempts)
	assert.Equal(t, 1.5, file.Council.Members[0].RetryPolicy.BackoffMultiplier)
	assert.Equal(t, 1, file.Council.MinimumSize)
	assert.Equal(t, models.StrategyMetaSynthesis, file.Synthesis.Strategy)
	assert.Equal(t, float64(90), file.Performance.GlobalTimeoutSec)
}

func TestParseCouncilFile_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_COUNCIL_MODEL", "gpt-4o-mini")

	file, err := ParseCouncilFile([]byte(`
council:
  members:
    - id: gpt-main
      provider: openai
      model: ${TEST_COUNCIL_MODEL}
  minimum_size: 1
`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", file.Council.Members[0].Model)
}

func TestParseCouncilFile_IterativeSection(t *testing.T) {
	file, err := ParseCouncilFile([]byte(`
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
    - id: claude-main
      provider: anthropic
      model: claude-sonnet
synthesis:
  strategy: iterative-consensus
  iterative:
    max_rounds: 4
    agreement_threshold: 0.85
    fallback_strategy: consensus-extraction
`))
	require.NoError(t, err)

	require.NotNil(t, file.Synthesis.Iterative)
	assert.Equal(t, 4, file.Synthesis.Iterative.MaxRounds)
	assert.Equal(t, 0.95, file.Synthesis.Iterative.EarlyTerminationThreshold)
	assert.Equal(t, 5, file.Synthesis.Iterative.EscalationRateLimit)
	assert.Equal(t, models.NegotiationParallel, file.Synthesis.Iterative.NegotiationMode)
}

func TestParseCouncilFile_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no members",
			yaml:    "council:\n  members: []\n",
			wantErr: "at least one council member",
		},
		{
			name: "duplicate member ids",
			yaml: `
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
    - id: gpt-main
      provider: openai
      model: gpt-4o-mini
`,
			wantErr: "duplicate council member",
		},
		{
			name: "unknown strategy",
			yaml: `
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
synthesis:
  strategy: majority-vote
`,
			wantErr: "unknown synthesis strategy",
		},
		{
			name: "iterative without section",
			yaml: `
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
synthesis:
  strategy: iterative-consensus
`,
			wantErr: "requires an iterative section",
		},
		{
			name: "iterative max rounds out of range",
			yaml: `
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
synthesis:
  strategy: iterative-consensus
  iterative:
    max_rounds: 11
    agreement_threshold: 0.85
    fallback_strategy: consensus-extraction
`,
			wantErr: "max_rounds",
		},
		{
			name: "minimum size above council size",
			yaml: `
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
  minimum_size: 3
  require_minimum_for_consensus: true
`,
			wantErr: "exceeds council size",
		},
		{
			name: "negative deliberation rounds",
			yaml: `
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
  minimum_size: 1
deliberation:
  rounds: -1
`,
			wantErr: "rounds must not be negative",
		},
		{
			name:    "not yaml",
			yaml:    "{{{",
			wantErr: "parse",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCouncilFile([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadCouncilFile(t *testing.T) {
	path := writeCouncilFile(t, minimalCouncilYAML)

	file, err := LoadCouncilFile(path)
	require.NoError(t, err)
	assert.Len(t, file.Council.Members, 2)

	_, err = LoadCouncilFile("")
	assert.ErrorContains(t, err, "path is required")

	_, err = LoadCouncilFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	file, err := ParseCouncilFile([]byte(minimalCouncilYAML))
	require.NoError(t, err)

	snap := file.Snapshot()
	assert.Len(t, snap.Council.Members, 2)
	assert.Equal(t, 1, snap.Deliberation.Rounds)
	assert.Equal(t, models.StrategyConsensusExtraction, snap.Synthesis.Strategy)
	assert.Equal(t, float64(60), snap.Performance.GlobalTimeoutSec)
}
