package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefaultIterateConfig(t *testing.T) {
	c := DefaultIterateConfig()

	assert.Equal(t, 500000, c.MaxTotalTokens)
	assert.Equal(t, 120, c.MaxDurationMinutes)
	assert.Equal(t, 50, c.MaxTotalIterations)
	assert.Equal(t, 20, c.MaxStageIterations)
	assert.Equal(t, 30, c.MaxAutoResponses)
	assert.Equal(t, 10, c.MaxStageAutoResponses)
	assert.Equal(t, 20, c.ContextWindowSize)
	assert.Equal(t, []float64{0.75, 0.9}, c.WarningThresholds)
	assert.Equal(t, ToleranceBalanced, c.Tolerance)
	assert.True(t, c.PauseOnHighRisk)
	assert.False(t, c.EnableSemanticScoring)
}

func TestRiskTolerance_Valid(t *testing.T) {
	assert.True(t, ToleranceParanoid.Valid())
	assert.True(t, ToleranceBalanced.Valid())
	assert.True(t, TolerancePermissive.Valid())
	assert.False(t, RiskTolerance("reckless").Valid())
	assert.False(t, RiskTolerance("").Valid())
}

// =============================================================================
// MAP CONVERSION
// =============================================================================

func TestIterateConfigFromMap(t *testing.T) {
	c := IterateConfigFromMap(map[string]any{
		"max_total_tokens":   100000,
		"max_duration_minutes": float64(30), // JSON numbers arrive as float64
		"tolerance":          "paranoid",
		"pause_on_high_risk": false,
		"patterns_path":      "/etc/autopilot/patterns.yaml",
		"provider":           "claude",
		"warning_thresholds": []any{0.5, 0.8},
	})

	assert.Equal(t, 100000, c.MaxTotalTokens)
	assert.Equal(t, 30, c.MaxDurationMinutes)
	assert.Equal(t, ToleranceParanoid, c.Tolerance)
	assert.False(t, c.PauseOnHighRisk)
	assert.Equal(t, "/etc/autopilot/patterns.yaml", c.PatternsPath)
	assert.Equal(t, "claude", c.Provider)
	assert.Equal(t, []float64{0.5, 0.8}, c.WarningThresholds)

	// Untouched keys keep their defaults.
	assert.Equal(t, 50, c.MaxTotalIterations)
}

func TestIterateConfigFromMap_IgnoresBadValues(t *testing.T) {
	c := IterateConfigFromMap(map[string]any{
		"max_total_tokens": "not a number",
		"tolerance":        "reckless",
		"unknown_key":      42,
	})

	assert.Equal(t, 500000, c.MaxTotalTokens)
	assert.Equal(t, ToleranceBalanced, c.Tolerance)
}

func TestToMapRoundTrip(t *testing.T) {
	original := DefaultIterateConfig()
	original.Provider = "claude"
	original.Tolerance = TolerancePermissive

	restored := IterateConfigFromMap(original.ToMap())
	assert.Equal(t, original, restored)
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

func TestGlobalConfig(t *testing.T) {
	defer ResetIterateConfig()

	// Unset: defaults.
	assert.Equal(t, DefaultIterateConfig(), GetIterateConfig())

	custom := DefaultIterateConfig()
	custom.MaxTotalTokens = 7
	SetIterateConfig(custom)
	require.Same(t, custom, GetIterateConfig())

	ResetIterateConfig()
	assert.Equal(t, 500000, GetIterateConfig().MaxTotalTokens)
}
