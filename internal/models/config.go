package models

import (
	"fmt"
	"time"
)

// Synthesis strategy tags. Dispatch is by tag; each tag carries its own
// payload inside SynthesisConfig.
const (
	StrategyConsensusExtraction = "consensus-extraction"
	StrategyWeightedFusion      = "weighted-fusion"
	StrategyMetaSynthesis       = "meta-synthesis"
	StrategyIterativeConsensus  = "iterative-consensus"
)

const (
	ModeratorPermanent = "permanent"
	ModeratorRotate    = "rotate"
	ModeratorStrongest = "strongest"
)

const (
	NegotiationParallel   = "parallel"
	NegotiationSequential = "sequential"
)

type CouncilConfig struct {
	Members                   []CouncilMember `json:"members" yaml:"members"`
	MinimumSize               int             `json:"minimum_size" yaml:"minimum_size"`
	RequireMinimumForConsensus bool           `json:"require_minimum_for_consensus" yaml:"require_minimum_for_consensus"`
}

func (c CouncilConfig) Validate() error {
	seen := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		if m.ID == "" {
			return fmt.Errorf("council member with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate council member id %q", m.ID)
		}
		seen[m.ID] = true
		if m.TimeoutSec <= 0 {
			return fmt.Errorf("council member %q: timeout must be positive", m.ID)
		}
		if m.Weight < 0 || m.Weight > 1 {
			return fmt.Errorf("council member %q: weight must be within [0,1]", m.ID)
		}
		if err := m.RetryPolicy.Validate(); err != nil {
			return fmt.Errorf("council member %q: %w", m.ID, err)
		}
	}
	return nil
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max_attempts must be at least 1")
	}
	if p.InitialDelayMs < 0 {
		return fmt.Errorf("retry policy: initial_delay_ms must not be negative")
	}
	if p.MaxDelayMs < p.InitialDelayMs {
		return fmt.Errorf("retry policy: max_delay_ms must not be below initial_delay_ms")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("retry policy: backoff_multiplier must be at least 1")
	}
	return nil
}

type DeliberationConfig struct {
	Rounds int `json:"rounds" yaml:"rounds"`
}

type SynthesisConfig struct {
	Strategy          string             `json:"strategy" yaml:"strategy"`
	ReducerMemberID   string             `json:"reducer_member_id,omitempty" yaml:"reducer_member_id"`
	Weights           map[string]float64 `json:"weights,omitempty" yaml:"weights"`
	ModeratorStrategy string             `json:"moderator_strategy,omitempty" yaml:"moderator_strategy"`
	ModeratorMemberID string             `json:"moderator_member_id,omitempty" yaml:"moderator_member_id"`
	Iterative         *IterativeConfig   `json:"iterative,omitempty" yaml:"iterative"`
}

type IterativeConfig struct {
	MaxRounds                 int               `json:"max_rounds" yaml:"max_rounds"`
	AgreementThreshold        float64           `json:"agreement_threshold" yaml:"agreement_threshold"`
	FallbackStrategy          string            `json:"fallback_strategy" yaml:"fallback_strategy"`
	EarlyTerminationEnabled   bool              `json:"early_termination_enabled" yaml:"early_termination_enabled"`
	EarlyTerminationThreshold float64           `json:"early_termination_threshold" yaml:"early_termination_threshold"`
	NegotiationMode           string            `json:"negotiation_mode" yaml:"negotiation_mode"`
	RandomizationSeed         *int64            `json:"randomization_seed,omitempty" yaml:"randomization_seed"`
	PerRoundTimeoutSec        float64           `json:"per_round_timeout_sec" yaml:"per_round_timeout_sec"`
	HumanEscalationEnabled    bool              `json:"human_escalation_enabled" yaml:"human_escalation_enabled"`
	EscalationChannels        []string          `json:"escalation_channels,omitempty" yaml:"escalation_channels"`
	EscalationRateLimit       int               `json:"escalation_rate_limit" yaml:"escalation_rate_limit"`
	ExampleCount              int               `json:"example_count" yaml:"example_count"`
	PromptTemplates           map[string]string `json:"prompt_templates,omitempty" yaml:"prompt_templates"`
}

func (c IterativeConfig) PerRoundTimeout() time.Duration {
	return time.Duration(c.PerRoundTimeoutSec * float64(time.Second))
}

func (c IterativeConfig) Validate() error {
	if c.MaxRounds < 1 || c.MaxRounds > 10 {
		return fmt.Errorf("iterative config: max_rounds must be within [1,10]")
	}
	if c.AgreementThreshold < 0.7 || c.AgreementThreshold > 1.0 {
		return fmt.Errorf("iterative config: agreement_threshold must be within [0.7,1.0]")
	}
	switch c.FallbackStrategy {
	case StrategyConsensusExtraction, StrategyWeightedFusion, StrategyMetaSynthesis:
	default:
		return fmt.Errorf("iterative config: invalid fallback strategy %q", c.FallbackStrategy)
	}
	if c.NegotiationMode != NegotiationParallel && c.NegotiationMode != NegotiationSequential {
		return fmt.Errorf("iterative config: invalid negotiation mode %q", c.NegotiationMode)
	}
	return nil
}

// WithDefaults fills unset optional fields with their documented defaults.
func (c IterativeConfig) WithDefaults() IterativeConfig {
	if c.EarlyTerminationThreshold == 0 {
		c.EarlyTerminationThreshold = 0.95
	}
	if c.EscalationRateLimit == 0 {
		c.EscalationRateLimit = 5
	}
	if c.NegotiationMode == "" {
		c.NegotiationMode = NegotiationParallel
	}
	return c
}

type PerformanceConfig struct {
	GlobalTimeoutSec   float64 `json:"global_timeout_sec" yaml:"global_timeout_sec"`
	EnableFastFallback bool    `json:"enable_fast_fallback" yaml:"enable_fast_fallback"`
	StreamingEnabled   bool    `json:"streaming_enabled" yaml:"streaming_enabled"`
}

func (c PerformanceConfig) GlobalTimeout() time.Duration {
	return time.Duration(c.GlobalTimeoutSec * float64(time.Second))
}

// ConfigSnapshot is the immutable per-request view of all live configuration.
// Captured once at request start; live changes affect later requests only.
type ConfigSnapshot struct {
	Council      CouncilConfig
	Deliberation DeliberationConfig
	Synthesis    SynthesisConfig
	Performance  PerformanceConfig
}
