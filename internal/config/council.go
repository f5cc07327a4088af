package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/councilproxy/councilproxy/internal/models"
)

// CouncilFile is the YAML document operators edit. It carries everything a
// request snapshot needs: the member roster plus deliberation, synthesis,
// and performance settings.
type CouncilFile struct {
	Council      models.CouncilConfig      `yaml:"council"`
	Deliberation models.DeliberationConfig `yaml:"deliberation"`
	Synthesis    models.SynthesisConfig    `yaml:"synthesis"`
	Performance  models.PerformanceConfig  `yaml:"performance"`
}

// LoadCouncilFile reads and parses the council YAML at path. Environment
// references like ${OPENAI_API_KEY} are expanded before parsing.
func LoadCouncilFile(path string) (*CouncilFile, error) {
	if path == "" {
		return nil, fmt.Errorf("council config: path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("council config: %w", err)
	}
	return ParseCouncilFile(data)
}

// ParseCouncilFile parses raw YAML, applies defaults, and validates.
func ParseCouncilFile(data []byte) (*CouncilFile, error) {
	expanded := os.ExpandEnv(string(data))

	var file CouncilFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("council config: parse: %w", err)
	}

	file.applyDefaults()
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("council config: %w", err)
	}
	return &file, nil
}

func (f *CouncilFile) applyDefaults() {
	for i := range f.Council.Members {
		m := &f.Council.Members[i]
		if m.TimeoutSec == 0 {
			m.TimeoutSec = 30
		}
		if m.ExpectedTokensRound == 0 {
			m.ExpectedTokensRound = 500
		}
		if m.RetryPolicy.MaxAttempts == 0 {
			m.RetryPolicy.MaxAttempts = 3
		}
		if m.RetryPolicy.InitialDelayMs == 0 {
			m.RetryPolicy.InitialDelayMs = 200
		}
		if m.RetryPolicy.MaxDelayMs == 0 {
			m.RetryPolicy.MaxDelayMs = 5000
		}
		if m.RetryPolicy.BackoffMultiplier == 0 {
			m.RetryPolicy.BackoffMultiplier = 2
		}
		if len(m.RetryPolicy.RetryableErrors) == 0 {
			m.RetryPolicy.RetryableErrors = []models.ErrorKind{
				models.ErrTimeout,
				models.ErrRateLimit,
				models.ErrServiceUnavailable,
				models.ErrNetwork,
			}
		}
	}

	if f.Council.MinimumSize == 0 {
		f.Council.MinimumSize = 2
	}
	if f.Synthesis.Strategy == "" {
		f.Synthesis.Strategy = models.StrategyConsensusExtraction
	}
	if f.Synthesis.Iterative != nil {
		filled := f.Synthesis.Iterative.WithDefaults()
		f.Synthesis.Iterative = &filled
	}
	if f.Performance.GlobalTimeoutSec == 0 {
		f.Performance.GlobalTimeoutSec = 60
	}
}

func (f *CouncilFile) Validate() error {
	if len(f.Council.Members) == 0 {
		return fmt.Errorf("at least one council member is required")
	}
	if err := f.Council.Validate(); err != nil {
		return err
	}
	if f.Council.RequireMinimumForConsensus && f.Council.MinimumSize > len(f.Council.Members) {
		return fmt.Errorf("minimum_size %d exceeds council size %d",
			f.Council.MinimumSize, len(f.Council.Members))
	}
	if f.Deliberation.Rounds < 0 {
		return fmt.Errorf("deliberation rounds must not be negative")
	}

	switch f.Synthesis.Strategy {
	case models.StrategyConsensusExtraction, models.StrategyWeightedFusion,
		models.StrategyMetaSynthesis, models.StrategyIterativeConsensus:
	default:
		return fmt.Errorf("unknown synthesis strategy %q", f.Synthesis.Strategy)
	}
	if f.Synthesis.Strategy == models.StrategyIterativeConsensus {
		if f.Synthesis.Iterative == nil {
			return fmt.Errorf("iterative-consensus strategy requires an iterative section")
		}
		if err := f.Synthesis.Iterative.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot converts the parsed file into the immutable per-request view.
func (f *CouncilFile) Snapshot() models.ConfigSnapshot {
	return models.ConfigSnapshot{
		Council:      f.Council,
		Deliberation: f.Deliberation,
		Synthesis:    f.Synthesis,
		Performance:  f.Performance,
	}
}
