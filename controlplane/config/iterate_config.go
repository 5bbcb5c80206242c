// Package config provides control-plane configuration - NO infrastructure URLs.
//
// This module contains ONLY configuration that is relevant to autonomous
// iteration control:
//   - Session budgets (tokens, wall clock, iterations, auto-responses)
//   - Classifier behavior toggles and library locations
//   - Safety tolerance for the dangerous-operation guard
//
// Infrastructure configuration (provider endpoints, database paths, metrics
// listeners) belongs to the embedding application, not here.
package config

import (
	"sync"
)

// =============================================================================
// Risk Tolerance
// =============================================================================

// RiskTolerance is the operator-selected strictness level for safety gating.
type RiskTolerance string

const (
	// ToleranceParanoid requires confirmation for MEDIUM and HIGH risk.
	ToleranceParanoid RiskTolerance = "paranoid"
	// ToleranceBalanced requires confirmation for HIGH risk only.
	ToleranceBalanced RiskTolerance = "balanced"
	// TolerancePermissive never requires confirmation.
	TolerancePermissive RiskTolerance = "permissive"
)

// Valid reports whether the tolerance is a known level.
func (t RiskTolerance) Valid() bool {
	switch t {
	case ToleranceParanoid, ToleranceBalanced, TolerancePermissive:
		return true
	}
	return false
}

// =============================================================================
// Iterate Config
// =============================================================================

// IterateConfig holds the configuration for one autonomous session.
//
// Budgets are hard ceilings: crossing one forces a pause until a human
// resumes the session. Warning thresholds are logged, never enforced.
type IterateConfig struct {
	// Session budgets
	MaxTotalTokens        int `json:"max_total_tokens"`
	MaxDurationMinutes    int `json:"max_duration_minutes"`
	MaxTotalIterations    int `json:"max_total_iterations"`
	MaxStageIterations    int `json:"max_stage_iterations"`
	MaxAutoResponses      int `json:"max_auto_responses"`
	MaxStageAutoResponses int `json:"max_stage_auto_responses"`

	// Classification history is bounded at 2x this window.
	ContextWindowSize int `json:"context_window_size"`

	// Budget warning thresholds as fractions of the ceiling (logged once each).
	WarningThresholds []float64 `json:"warning_thresholds"`

	// Library locations
	PatternsPath  string `json:"patterns_path"`
	TemplatesPath string `json:"templates_path"`

	// Safety
	Tolerance              RiskTolerance `json:"tolerance"`
	PauseOnHighRisk        bool          `json:"pause_on_high_risk"`
	WorkspaceRoot          string        `json:"workspace_root"`

	// Classifier / responder behavior
	EnableSemanticScoring bool   `json:"enable_semantic_scoring"`
	RandomizeResponses    bool   `json:"randomize_responses"`
	Provider              string `json:"provider"`

	// Logging
	LogLevel string `json:"log_level"`
}

// DefaultIterateConfig returns an IterateConfig with default values.
func DefaultIterateConfig() *IterateConfig {
	return &IterateConfig{
		MaxTotalTokens:        500000,
		MaxDurationMinutes:    120,
		MaxTotalIterations:    50,
		MaxStageIterations:    20,
		MaxAutoResponses:      30,
		MaxStageAutoResponses: 10,

		ContextWindowSize: 20,
		WarningThresholds: []float64{0.75, 0.9},

		Tolerance:       ToleranceBalanced,
		PauseOnHighRisk: true,

		EnableSemanticScoring: false,
		RandomizeResponses:    false,

		LogLevel: "INFO",
	}
}

// IterateConfigFromMap creates an IterateConfig from a map.
// Unknown keys are ignored.
func IterateConfigFromMap(m map[string]any) *IterateConfig {
	c := DefaultIterateConfig()

	if v, ok := intFromMap(m, "max_total_tokens"); ok {
		c.MaxTotalTokens = v
	}
	if v, ok := intFromMap(m, "max_duration_minutes"); ok {
		c.MaxDurationMinutes = v
	}
	if v, ok := intFromMap(m, "max_total_iterations"); ok {
		c.MaxTotalIterations = v
	}
	if v, ok := intFromMap(m, "max_stage_iterations"); ok {
		c.MaxStageIterations = v
	}
	if v, ok := intFromMap(m, "max_auto_responses"); ok {
		c.MaxAutoResponses = v
	}
	if v, ok := intFromMap(m, "max_stage_auto_responses"); ok {
		c.MaxStageAutoResponses = v
	}
	if v, ok := intFromMap(m, "context_window_size"); ok {
		c.ContextWindowSize = v
	}
	if v, ok := m["warning_thresholds"].([]float64); ok {
		c.WarningThresholds = v
	} else if v, ok := m["warning_thresholds"].([]any); ok {
		thresholds := make([]float64, 0, len(v))
		for _, t := range v {
			if f, ok := t.(float64); ok {
				thresholds = append(thresholds, f)
			}
		}
		if len(thresholds) > 0 {
			c.WarningThresholds = thresholds
		}
	}
	if v, ok := m["patterns_path"].(string); ok {
		c.PatternsPath = v
	}
	if v, ok := m["templates_path"].(string); ok {
		c.TemplatesPath = v
	}
	if v, ok := m["tolerance"].(string); ok && RiskTolerance(v).Valid() {
		c.Tolerance = RiskTolerance(v)
	}
	if v, ok := m["pause_on_high_risk"].(bool); ok {
		c.PauseOnHighRisk = v
	}
	if v, ok := m["workspace_root"].(string); ok {
		c.WorkspaceRoot = v
	}
	if v, ok := m["enable_semantic_scoring"].(bool); ok {
		c.EnableSemanticScoring = v
	}
	if v, ok := m["randomize_responses"].(bool); ok {
		c.RandomizeResponses = v
	}
	if v, ok := m["provider"].(string); ok {
		c.Provider = v
	}
	if v, ok := m["log_level"].(string); ok {
		c.LogLevel = v
	}

	return c
}

// intFromMap reads an int that may arrive as int or float64 (JSON decoding).
func intFromMap(m map[string]any, key string) (int, bool) {
	if v, ok := m[key].(int); ok {
		return v, true
	}
	if v, ok := m[key].(float64); ok {
		return int(v), true
	}
	return 0, false
}

// ToMap converts the config to a map.
func (c *IterateConfig) ToMap() map[string]any {
	return map[string]any{
		"max_total_tokens":         c.MaxTotalTokens,
		"max_duration_minutes":     c.MaxDurationMinutes,
		"max_total_iterations":     c.MaxTotalIterations,
		"max_stage_iterations":     c.MaxStageIterations,
		"max_auto_responses":       c.MaxAutoResponses,
		"max_stage_auto_responses": c.MaxStageAutoResponses,
		"context_window_size":      c.ContextWindowSize,
		"warning_thresholds":       c.WarningThresholds,
		"patterns_path":            c.PatternsPath,
		"templates_path":           c.TemplatesPath,
		"tolerance":                string(c.Tolerance),
		"pause_on_high_risk":       c.PauseOnHighRisk,
		"workspace_root":           c.WorkspaceRoot,
		"enable_semantic_scoring":  c.EnableSemanticScoring,
		"randomize_responses":      c.RandomizeResponses,
		"provider":                 c.Provider,
		"log_level":                c.LogLevel,
	}
}

// =============================================================================
// GLOBAL CONFIG (set by the embedding application at bootstrap)
// =============================================================================

var (
	globalIterateConfig *IterateConfig
	configMu            sync.RWMutex
)

// GetIterateConfig gets the iterate configuration instance.
// Returns the injected config or defaults.
func GetIterateConfig() *IterateConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalIterateConfig == nil {
		return DefaultIterateConfig()
	}
	return globalIterateConfig
}

// SetIterateConfig sets the iterate configuration instance.
func SetIterateConfig(c *IterateConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalIterateConfig = c
}

// ResetIterateConfig resets the config to nil (useful for testing).
// After reset, GetIterateConfig() returns defaults.
func ResetIterateConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalIterateConfig = nil
}
