// Package classifier turns free-text AI output into an intent category.
//
// The classifier runs a four-stage pipeline over each turn:
//  1. Pattern library (compiled regexes, sub-millisecond target)
//  2. Contextual rules (heuristics over recent session activity)
//  3. Provider markers (backend-specific textual conventions)
//  4. Fallback (best candidate so far, optional semantic scoring, default)
//
// Stages exit early once their confidence threshold is met; otherwise the
// highest-confidence candidate wins. Ambiguity always resolves toward the
// cautious category, never toward an auto-approvable one.
package classifier

import (
	"time"
)

// =============================================================================
// Message Types
// =============================================================================

// MessageType is the inferred intent category of an AI turn.
type MessageType string

const (
	// MessageConfirmationPrompt indicates the AI is asking permission to proceed.
	MessageConfirmationPrompt MessageType = "confirmation_prompt"
	// MessageStatusUpdate indicates routine progress output.
	MessageStatusUpdate MessageType = "status_update"
	// MessageGenuineQuestion indicates a question only a human can answer.
	MessageGenuineQuestion MessageType = "genuine_question"
	// MessageBlockingRequest indicates the AI is blocked on external input.
	MessageBlockingRequest MessageType = "blocking_request"
	// MessageErrorSignal indicates the AI reported a failure.
	MessageErrorSignal MessageType = "error_signal"
	// MessageCompletionSignal indicates the AI declared the task done.
	MessageCompletionSignal MessageType = "completion_signal"
	// MessageRateLimit indicates rate-limit or context-window exhaustion.
	MessageRateLimit MessageType = "rate_limit_or_context"
)

// classifyOrder is the fixed priority order for pattern matching.
// Genuine questions are tried first to bias toward caution: a question
// misread as a confirmation prompt would be auto-answered.
var classifyOrder = []MessageType{
	MessageGenuineQuestion,
	MessageBlockingRequest,
	MessageErrorSignal,
	MessageRateLimit,
	MessageConfirmationPrompt,
	MessageCompletionSignal,
	MessageStatusUpdate,
}

// AllMessageTypes returns the closed set of classification types.
func AllMessageTypes() []MessageType {
	out := make([]MessageType, len(classifyOrder))
	copy(out, classifyOrder)
	return out
}

// Valid reports whether the type is a member of the closed set.
func (t MessageType) Valid() bool {
	for _, known := range classifyOrder {
		if t == known {
			return true
		}
	}
	return false
}

// =============================================================================
// Classification Method
// =============================================================================

// Method identifies which pipeline stage produced a classification.
type Method string

const (
	MethodPatternLibrary  Method = "pattern_library"
	MethodContextualRules Method = "contextual_rules"
	MethodProviderMarkers Method = "provider_markers"
	MethodSemanticScoring Method = "semantic_scoring"
	MethodFallback        Method = "fallback"
)

// =============================================================================
// Classification
// =============================================================================

// Classification is the result of classifying one AI turn.
// Immutable once produced.
type Classification struct {
	Type       MessageType   `json:"type"`
	Confidence float64       `json:"confidence"`
	Method     Method        `json:"method"`
	Reason     string        `json:"reason"`
	Timestamp  time.Time     `json:"timestamp"`
	Latency    time.Duration `json:"latency"`
}

// Context carries session signals consumed by the contextual-rules stage.
type Context struct {
	// Provider is the backend name, used to scope patterns and markers.
	Provider string
	// PreviousRole is the role of the prior turn ("assistant", "user", "").
	PreviousRole string
	// PreviousType is the classification of the prior turn, if any.
	PreviousType MessageType
	// RecentToolCalls counts tool invocations in the current turn.
	RecentToolCalls int
	// PendingTaskChanges reports whether the task list changed this turn.
	PendingTaskChanges bool
}

// Logger is the structured logging interface for the classifier.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
