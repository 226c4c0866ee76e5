/*
config.go - Tagged per-rule configuration values

PURPOSE:
  The original system stored per-mechanic configuration as untyped JSONB
  blobs, validated nowhere. Here the configuration is a small sum type -
  numeric threshold, string choice, or nested key-values - validated when a
  rule is loaded, so a malformed config fails at load time rather than at
  grant time.

SERIALIZATION:
  Configs round-trip through a {"type": ..., ...} JSON envelope so the
  sqlite store can persist them in a single column.
*/
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RuleConfig is the tagged configuration value attached to a rule.
type RuleConfig interface {
	// configType is the serialization tag.
	configType() string
	Validate() error
}

// =============================================================================
// CONFIG VARIANTS
// =============================================================================

// ThresholdConfig holds a numeric threshold, e.g. a streak length.
type ThresholdConfig struct {
	Threshold int64 `json:"threshold"`
}

func (ThresholdConfig) configType() string { return "threshold" }

func (c ThresholdConfig) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", c.Threshold)
	}
	return nil
}

// ChoiceConfig holds a string selected from an allowed set.
type ChoiceConfig struct {
	Value   string   `json:"value"`
	Allowed []string `json:"allowed"`
}

func (ChoiceConfig) configType() string { return "choice" }

func (c ChoiceConfig) Validate() error {
	for _, a := range c.Allowed {
		if c.Value == a {
			return nil
		}
	}
	return fmt.Errorf("value %q not in allowed set %v", c.Value, c.Allowed)
}

// MapConfig holds free-form nested key-values for mechanics whose shape is
// not known to the engine. Keys must be non-empty.
type MapConfig struct {
	Values map[string]string `json:"values"`
}

func (MapConfig) configType() string { return "map" }

func (c MapConfig) Validate() error {
	for k := range c.Values {
		if k == "" {
			return errors.New("map config keys must not be empty")
		}
	}
	return nil
}

// =============================================================================
// SERIALIZATION
// =============================================================================

type configEnvelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// MarshalConfig serializes a RuleConfig to its JSON envelope.
// A nil config marshals to an empty string.
func MarshalConfig(c RuleConfig) (string, error) {
	if c == nil {
		return "", nil
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(configEnvelope{Type: c.configType(), Body: body})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// UnmarshalConfig parses the JSON envelope and validates the result.
func UnmarshalConfig(s string) (RuleConfig, error) {
	if s == "" {
		return nil, nil
	}
	var env configEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("parse rule config: %w", err)
	}

	var cfg RuleConfig
	switch env.Type {
	case "threshold":
		var c ThresholdConfig
		if err := json.Unmarshal(env.Body, &c); err != nil {
			return nil, err
		}
		cfg = c
	case "choice":
		var c ChoiceConfig
		if err := json.Unmarshal(env.Body, &c); err != nil {
			return nil, err
		}
		cfg = c
	case "map":
		var c MapConfig
		if err := json.Unmarshal(env.Body, &c); err != nil {
			return nil, err
		}
		cfg = c
	default:
		return nil, fmt.Errorf("unknown rule config type %q", env.Type)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
