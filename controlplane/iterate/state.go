// Package iterate implements the mode controller - the orchestrator of
// autonomous session execution.
//
// The controller owns the only mutable state in the control plane
// (IterateState), enforces token/time/iteration budgets, runs the safety
// gate, maps classifications to actions through a fixed decision table,
// and emits telemetry. It is invoked synchronously once per AI turn by an
// external execution loop; turn order is the serialization boundary.
package iterate

import (
	"context"
	"time"

	"github.com/sentinelworks/autopilot/controlplane/classifier"
)

// =============================================================================
// Session Status
// =============================================================================

// Status is the lifecycle state of a session.
// Transitions: uninitialized -> running <-> paused -> stopped/completed.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusStopped       Status = "stopped"
	StatusCompleted     Status = "completed"
)

// IsTerminal reports whether the session has ended.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// =============================================================================
// Pause Reasons
// =============================================================================

// PauseReason is the enumerated cause for halting autonomous execution,
// persisted for the human operator.
type PauseReason string

const (
	PauseGenuineQuestion    PauseReason = "genuine_question"
	PauseBlockingRequest    PauseReason = "blocking_request"
	PauseErrorRecovery      PauseReason = "error_recovery_needed"
	PauseTokenLimit         PauseReason = "token_limit_exceeded"
	PauseTimeLimit          PauseReason = "time_limit_exceeded"
	PauseIterationLimit     PauseReason = "iteration_limit_exceeded"
	PauseStageLimit         PauseReason = "stage_iteration_limit_exceeded"
	PauseAutoResponseLimit  PauseReason = "auto_response_limit_exceeded"
	PauseHighRiskOperation  PauseReason = "high_risk_operation"
	PauseUserInterrupt      PauseReason = "user_interrupt"
)

// =============================================================================
// Iterate State
// =============================================================================

// Metadata keys tracked in IterateState.Metadata.
const (
	metaSafetyChecks        = "safety_checks"
	metaHighRiskDetections  = "high_risk_detections"
	metaLastWarnedThreshold = "last_warning_threshold"
	metaHumanReply          = "last_human_reply"
	metaDegradedPatterns    = "patterns_degraded"
	metaDegradedTemplates   = "templates_degraded"
)

// IterateState is the per-session mutable record. Created once per session
// by the controller, mutated only by the controller, dropped when the
// session ends. Durable copies go to the session-persistence collaborator
// at pause and resume points only.
type IterateState struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`

	TotalIterations        int `json:"total_iterations"`
	CurrentStageIterations int `json:"current_stage_iterations"`

	TotalAutoResponses        int `json:"total_auto_responses"`
	CurrentStageAutoResponses int `json:"current_stage_auto_responses"`

	TotalTokens        int `json:"total_tokens"`
	CurrentStageTokens int `json:"current_stage_tokens"`

	// ClassificationHistory is bounded at 2x the context window size.
	ClassificationHistory []classifier.Classification `json:"classification_history"`

	// Pause ticket. Exactly one of {PauseReason unset (running), set
	// (paused)} holds; PauseID and PausedAt travel with the reason.
	PauseID      string      `json:"pause_id,omitempty"`
	PausedAt     time.Time   `json:"paused_at,omitempty"`
	PauseReason  PauseReason `json:"pause_reason,omitempty"`
	PauseContext string      `json:"pause_context,omitempty"`

	Metadata map[string]any `json:"metadata"`
}

// newIterateState allocates a fresh state for a session.
func newIterateState(sessionID string) *IterateState {
	return &IterateState{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// appendClassification appends to the bounded history, trimming the oldest
// entries once length exceeds the bound. The window is clamped to a minimum
// of 1 so a misconfigured zero never unbounds the history.
func (s *IterateState) appendClassification(cls classifier.Classification, contextWindow int) {
	s.ClassificationHistory = append(s.ClassificationHistory, cls)

	if contextWindow < 1 {
		contextWindow = 1
	}
	bound := 2 * contextWindow
	if len(s.ClassificationHistory) > bound {
		overflow := len(s.ClassificationHistory) - bound
		s.ClassificationHistory = s.ClassificationHistory[overflow:]
	}
}

// tally increments an integer metadata counter.
func (s *IterateState) tally(key string) {
	n, _ := s.Metadata[key].(int)
	s.Metadata[key] = n + 1
}

// snapshot builds the partial-state payload handed to the persistence
// collaborator at pause/resume points.
func (s *IterateState) snapshot() map[string]any {
	m := map[string]any{
		"session_id":                   s.SessionID,
		"started_at":                   s.StartedAt.Format(time.RFC3339),
		"total_iterations":             s.TotalIterations,
		"current_stage_iterations":     s.CurrentStageIterations,
		"total_auto_responses":         s.TotalAutoResponses,
		"current_stage_auto_responses": s.CurrentStageAutoResponses,
		"total_tokens":                 s.TotalTokens,
		"current_stage_tokens":         s.CurrentStageTokens,
		"pause_id":                     s.PauseID,
		"pause_reason":                 string(s.PauseReason),
		"pause_context":                s.PauseContext,
	}
	if !s.PausedAt.IsZero() {
		m["paused_at"] = s.PausedAt.Format(time.RFC3339)
	}
	return m
}

// =============================================================================
// External Collaborators
// =============================================================================

// SessionStore is the external session-persistence collaborator.
// The core only writes to it, at pause and resume points; it never reads
// the durable copy back.
type SessionStore interface {
	UpdateMetadata(ctx context.Context, sessionID string, partial map[string]any) error
}

// Logger is the structured logging interface for the controller.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
