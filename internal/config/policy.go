package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sundayezeilo/tokengate/internal/ratelimit"
)

// PolicySeed is the token economics used when the global policy row is created
// for the first time. It never overwrites a policy that already exists.
type PolicySeed struct {
	MaxTokens              int     `yaml:"max_tokens"`
	RefillRatePerMinute    float64 `yaml:"refill_rate_per_minute"`
	StandardRequestCost    int     `yaml:"standard_request_cost"`
	ShortenURLCost         int     `yaml:"shorten_url_cost"`
	BlacklistThreshold     int     `yaml:"blacklist_threshold"`
	BlacklistDurationHours float64 `yaml:"blacklist_duration_hours"`
}

// DefaultPolicySeed returns the documented first-run policy.
func DefaultPolicySeed() PolicySeed {
	return PolicySeed{
		MaxTokens:              20,
		RefillRatePerMinute:    10,
		StandardRequestCost:    2,
		ShortenURLCost:         4,
		BlacklistThreshold:     20,
		BlacklistDurationHours: 24,
	}
}

// LoadPolicySeed reads a YAML seed file. An empty path yields the defaults;
// keys missing from the file keep their default value.
func LoadPolicySeed(path string) (PolicySeed, error) {
	seed := DefaultPolicySeed()
	if path == "" {
		return seed, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return PolicySeed{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return PolicySeed{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return PolicySeed{}, fmt.Errorf("failed to parse policy file: %w", err)
	}

	for key := range raw {
		if !knownSeedKeys[key] {
			return PolicySeed{}, fmt.Errorf("unknown policy key %q", key)
		}
	}
	if err := seed.Validate(); err != nil {
		return PolicySeed{}, fmt.Errorf("invalid policy file: %w", err)
	}
	return seed, nil
}

var knownSeedKeys = map[string]bool{
	"max_tokens":               true,
	"refill_rate_per_minute":   true,
	"standard_request_cost":    true,
	"shorten_url_cost":         true,
	"blacklist_threshold":      true,
	"blacklist_duration_hours": true,
}

// Validate checks that every value is strictly positive and that the float
// values stay within the rate-limit policy bounds.
func (s PolicySeed) Validate() error {
	switch {
	case s.MaxTokens <= 0:
		return fmt.Errorf("max_tokens must be positive")
	case s.RefillRatePerMinute <= 0:
		return fmt.Errorf("refill_rate_per_minute must be positive")
	case s.StandardRequestCost <= 0:
		return fmt.Errorf("standard_request_cost must be positive")
	case s.ShortenURLCost <= 0:
		return fmt.Errorf("shorten_url_cost must be positive")
	case s.BlacklistThreshold <= 0:
		return fmt.Errorf("blacklist_threshold must be positive")
	case s.BlacklistDurationHours <= 0:
		return fmt.Errorf("blacklist_duration_hours must be positive")
	case s.RefillRatePerMinute < ratelimit.MinRefillRatePerMinute:
		return fmt.Errorf("refill_rate_per_minute must be at least %g", ratelimit.MinRefillRatePerMinute)
	case s.BlacklistDurationHours > ratelimit.MaxBlacklistDurationHours:
		return fmt.Errorf("blacklist_duration_hours must be at most %g", float64(ratelimit.MaxBlacklistDurationHours))
	}
	return nil
}
