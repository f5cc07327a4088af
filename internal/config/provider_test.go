package config

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilproxy/councilproxy/internal/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestNewProvider_LoadsInitialSnapshot(t *testing.T) {
	path := writeCouncilFile(t, minimalCouncilYAML)

	p, err := NewProvider(path, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	assert.Len(t, p.CouncilConfig().Members, 2)
	assert.Equal(t, 1, p.DeliberationConfig().Rounds)
	assert.Equal(t, models.StrategyConsensusExtraction, p.SynthesisConfig().Strategy)
	assert.Equal(t, float64(60), p.PerformanceConfig().GlobalTimeoutSec)
}

func TestNewProvider_BadFile(t *testing.T) {
	path := writeCouncilFile(t, "council:\n  members: []\n")

	_, err := NewProvider(path, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one council member")
}

func TestProvider_ReloadSwapsSnapshot(t *testing.T) {
	path := writeCouncilFile(t, minimalCouncilYAML)

	p, err := NewProvider(path, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.WriteFile(path, []byte(`
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
  minimum_size: 1
synthesis:
  strategy: weighted-fusion
`), 0o644))

	require.NoError(t, p.Reload())
	assert.Len(t, p.CouncilConfig().Members, 1)
	assert.Equal(t, models.StrategyWeightedFusion, p.SynthesisConfig().Strategy)
}

func TestProvider_ReloadFailureKeepsPrevious(t *testing.T) {
	path := writeCouncilFile(t, minimalCouncilYAML)

	p, err := NewProvider(path, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	require.Error(t, p.Reload())
	assert.Len(t, p.CouncilConfig().Members, 2)
}

func TestProvider_WatchReloadsOnWrite(t *testing.T) {
	path := writeCouncilFile(t, minimalCouncilYAML)

	p, err := NewProvider(path, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Watch())

	require.NoError(t, os.WriteFile(path, []byte(`
council:
  members:
    - id: gpt-main
      provider: openai
      model: gpt-4o
    - id: claude-main
      provider: anthropic
      model: claude-sonnet
    - id: gemini-main
      provider: gemini
      model: gemini-pro
`), 0o644))

	require.Eventually(t, func() bool {
		return len(p.CouncilConfig().Members) == 3
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNewStaticProvider(t *testing.T) {
	snap := models.ConfigSnapshot{
		Council: models.CouncilConfig{
			Members: []models.CouncilMember{{ID: "gpt-main"}},
		},
		Synthesis: models.SynthesisConfig{Strategy: models.StrategyMetaSynthesis},
	}

	p := NewStaticProvider(snap)
	defer p.Close()

	assert.Len(t, p.CouncilConfig().Members, 1)
	assert.Equal(t, models.StrategyMetaSynthesis, p.SynthesisConfig().Strategy)
	assert.Equal(t, snap, p.Snapshot())
}
