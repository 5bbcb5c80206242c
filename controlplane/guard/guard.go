// Package guard scans operations and AI output for destructive or
// credential-leaking behavior and assigns a risk level.
//
// Detection is pattern based: each finding is a named risk factor with a
// fixed severity, and the overall assessment is the maximum severity across
// factors. Whether a finding requires human confirmation is governed by the
// operator's risk tolerance; whether it is blocking is governed by optional
// per-category ceilings. A false negative here can destroy data or leak
// secrets, so every ambiguous case resolves to the stricter answer.
package guard

import (
	"fmt"
	"strings"

	"github.com/sentinelworks/autopilot/controlplane/config"
)

// =============================================================================
// Risk Levels
// =============================================================================

// RiskLevel grades the severity of a finding or assessment.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Rank returns a comparable weight for the level.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// Operations
// =============================================================================

// OperationCategory identifies the kind of operation being checked.
type OperationCategory string

const (
	CategoryShell      OperationCategory = "shell"
	CategoryGit        OperationCategory = "git"
	CategoryFileRead   OperationCategory = "file_read"
	CategoryFileWrite  OperationCategory = "file_write"
	CategoryFileDelete OperationCategory = "file_delete"
	CategoryContent    OperationCategory = "content"
)

// Operation is a structured descriptor of an action the AI wants to perform.
type Operation struct {
	Category OperationCategory `json:"category"`
	// Command is the shell or git command line, when applicable.
	Command string `json:"command,omitempty"`
	// Path is the target path for file operations and content scans.
	Path string `json:"path,omitempty"`
	// Content is the data being written or scanned.
	Content string `json:"content,omitempty"`
}

// =============================================================================
// Risk Assessment
// =============================================================================

// RiskFactor is a single named pattern match contributing to an assessment.
type RiskFactor struct {
	Factor      string    `json:"factor"`
	Severity    RiskLevel `json:"severity"`
	Description string    `json:"description"`
}

// RiskAssessment is the result of one guard check.
// Produced fresh per check; never persisted beyond the triggering decision.
type RiskAssessment struct {
	RiskLevel            RiskLevel    `json:"risk_level"`
	Reason               string       `json:"reason"`
	Allowed              bool         `json:"allowed"`
	RequiresConfirmation bool         `json:"requires_confirmation"`
	RiskFactors          []RiskFactor `json:"risk_factors"`
	Recommendation       string       `json:"recommendation"`
}

// HasFactor reports whether a factor with the given name is present.
func (a *RiskAssessment) HasFactor(name string) bool {
	for _, f := range a.RiskFactors {
		if f.Factor == name {
			return true
		}
	}
	return false
}

// =============================================================================
// Guard Config
// =============================================================================

// Config configures the guard.
type Config struct {
	// Tolerance drives the confirmation policy.
	Tolerance config.RiskTolerance `json:"tolerance"`
	// WorkspaceRoot bounds file operations; paths resolving outside it are HIGH.
	WorkspaceRoot string `json:"workspace_root"`
	// CategoryCeilings optionally blocks a category at or above a level,
	// e.g. file_delete -> HIGH means HIGH-risk deletes are not allowed.
	CategoryCeilings map[OperationCategory]RiskLevel `json:"category_ceilings,omitempty"`
}

// DefaultConfig returns a guard config with balanced tolerance and no ceilings.
func DefaultConfig() *Config {
	return &Config{
		Tolerance: config.ToleranceBalanced,
	}
}

// Logger is the structured logging interface for the guard.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Guard
// =============================================================================

// Guard performs risk checks. Stateless per call; the compiled pattern
// tables are built once at construction.
type Guard struct {
	logger Logger
	cfg    *Config
}

// New creates a guard. A nil config uses defaults.
func New(logger Logger, cfg *Config) *Guard {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Tolerance.Valid() {
		cfg.Tolerance = config.ToleranceBalanced
	}
	return &Guard{logger: logger, cfg: cfg}
}

// CheckOperation checks a structured operation descriptor, dispatching on
// its category.
func (g *Guard) CheckOperation(op *Operation) *RiskAssessment {
	if op == nil {
		// No descriptor: conservatively treat as an unclassifiable action.
		return g.assess(CategoryContent, []RiskFactor{{
			Factor:      "missing_operation",
			Severity:    RiskMedium,
			Description: "operation descriptor was nil",
		}}, "nil operation")
	}

	switch op.Category {
	case CategoryShell:
		return g.CheckShellCommand(op.Command)
	case CategoryGit:
		return g.CheckGitOperation(op.Command)
	case CategoryFileRead, CategoryFileWrite, CategoryFileDelete:
		return g.CheckFileOperation(op)
	case CategoryContent:
		return g.ScanForSecrets(op.Content, op.Path)
	default:
		// Unknown category: fail toward caution, not approval.
		return g.assess(op.Category, []RiskFactor{{
			Factor:      "unknown_category",
			Severity:    RiskMedium,
			Description: fmt.Sprintf("unrecognized operation category %q", op.Category),
		}}, string(op.Category))
	}
}

// CheckTurnText scans raw AI turn text for embedded dangerous commands and
// secrets. Used by the mode controller as the per-turn safety gate.
func (g *Guard) CheckTurnText(text string) *RiskAssessment {
	var factors []RiskFactor
	factors = append(factors, matchPatterns(shellPatterns, text)...)
	factors = append(factors, matchPatterns(gitPatterns, text)...)
	factors = append(factors, g.secretFactors(text, "")...)

	return g.assess(CategoryContent, factors, "turn text scan")
}

// =============================================================================
// Assessment Assembly
// =============================================================================

// overallRisk folds factor severities: HIGH if any factor is HIGH, else
// MEDIUM if any factor is MEDIUM, else LOW.
func overallRisk(factors []RiskFactor) RiskLevel {
	level := RiskLow
	for _, f := range factors {
		if f.Severity.Rank() > level.Rank() {
			level = f.Severity
		}
	}
	return level
}

// assess builds the final assessment from collected factors, applying the
// confirmation policy and category ceiling.
func (g *Guard) assess(category OperationCategory, factors []RiskFactor, subject string) *RiskAssessment {
	level := overallRisk(factors)

	requiresConfirmation := false
	switch g.cfg.Tolerance {
	case config.ToleranceParanoid:
		requiresConfirmation = level.Rank() >= RiskMedium.Rank()
	case config.ToleranceBalanced:
		requiresConfirmation = level == RiskHigh
	case config.TolerancePermissive:
		requiresConfirmation = false
	}

	// Ceilings block independently of confirmation, except under permissive
	// tolerance where findings are surfaced but never blocking.
	allowed := true
	if g.cfg.Tolerance != config.TolerancePermissive {
		if ceiling, ok := g.cfg.CategoryCeilings[category]; ok && level.Rank() >= ceiling.Rank() {
			allowed = false
		}
	}

	assessment := &RiskAssessment{
		RiskLevel:            level,
		Reason:               reasonFor(level, factors, subject),
		Allowed:              allowed,
		RequiresConfirmation: requiresConfirmation,
		RiskFactors:          factors,
		Recommendation:       recommendationFor(level, requiresConfirmation, allowed),
	}

	if g.logger != nil && level != RiskLow {
		names := make([]string, len(factors))
		for i, f := range factors {
			names[i] = f.Factor
		}
		g.logger.Warn("risk_detected",
			"category", string(category),
			"risk_level", string(level),
			"factors", strings.Join(names, ","),
			"requires_confirmation", requiresConfirmation,
			"allowed", allowed,
		)
	}

	return assessment
}

func reasonFor(level RiskLevel, factors []RiskFactor, subject string) string {
	if len(factors) == 0 {
		return fmt.Sprintf("no risk factors detected in %s", subject)
	}
	return fmt.Sprintf("%d risk factor(s) detected in %s, highest severity %s",
		len(factors), subject, level)
}

func recommendationFor(level RiskLevel, requiresConfirmation, allowed bool) string {
	switch {
	case !allowed:
		return "blocked by category ceiling; do not execute"
	case requiresConfirmation:
		return "pause and request human confirmation before executing"
	case level == RiskMedium:
		return "proceed with caution; review the flagged factors"
	default:
		return "safe to proceed"
	}
}
