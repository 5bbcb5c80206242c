package classifier

import (
	"strings"
)

// =============================================================================
// Stage 2: Contextual Rules
// =============================================================================

// Keyword sets for the contextual heuristics.
var (
	confirmationKeywords = []string{
		"proceed", "continue", "(yes/no)", "(y/n)", "shall i", "should i go ahead",
		"is that okay", "ok to",
	}
	questionLeads = []string{
		"which ", "what ", "where ", "who ", "why ", "how ", "should i ", "do you want",
		"would you prefer", "can you clarify",
	}
	blockingKeywords = []string{
		"waiting for", "i need you to", "please provide", "cannot proceed without",
		"requires your", "blocked on",
	}
	errorKeywords = []string{
		"error:", "failed", "exception", "traceback", "panic:", "fatal:",
		"could not", "unable to",
	}
	rateLimitKeywords = []string{
		"rate limit", "too many requests", "context window", "context is full",
		"running low on context", "429",
	}
	completionKeywords = []string{
		"task is complete", "all done", "finished the task", "everything is done",
	}
)

func containsAny(haystack string, needles []string) (string, bool) {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return n, true
		}
	}
	return "", false
}

// contextualStage applies heuristics over message shape and session signals.
// Returns the best-scoring rule hit, if any.
func contextualStage(message string, ctx *Context) (candidate, bool) {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return candidate{}, false
	}

	var best candidate
	consider := func(c candidate) {
		if c.confidence > best.confidence {
			best = c
		}
	}

	// Question following an assistant status update is almost always a
	// genuine question for the human.
	if kw, ok := containsAny(lower, questionLeads); ok {
		confidence := 0.6
		if strings.Contains(lower, "?") {
			confidence = 0.7
		}
		if ctx.PreviousRole == "assistant" && ctx.PreviousType == MessageStatusUpdate {
			confidence = 0.8
		}
		consider(candidate{
			msgType:    MessageGenuineQuestion,
			confidence: confidence,
			method:     MethodContextualRules,
			reason:     "question lead " + strconvQuote(kw),
		})
	}

	// Short messages asking to proceed are confirmation prompts.
	if len(message) < 50 {
		if kw, ok := containsAny(lower, confirmationKeywords); ok {
			consider(candidate{
				msgType:    MessageConfirmationPrompt,
				confidence: 0.7,
				method:     MethodContextualRules,
				reason:     "short message with " + strconvQuote(kw),
			})
		}
	}

	if kw, ok := containsAny(lower, rateLimitKeywords); ok {
		consider(candidate{
			msgType:    MessageRateLimit,
			confidence: 0.8,
			method:     MethodContextualRules,
			reason:     "rate-limit keyword " + strconvQuote(kw),
		})
	}

	if kw, ok := containsAny(lower, blockingKeywords); ok {
		consider(candidate{
			msgType:    MessageBlockingRequest,
			confidence: 0.7,
			method:     MethodContextualRules,
			reason:     "blocking keyword " + strconvQuote(kw),
		})
	}

	if kw, ok := containsAny(lower, errorKeywords); ok {
		consider(candidate{
			msgType:    MessageErrorSignal,
			confidence: 0.65,
			method:     MethodContextualRules,
			reason:     "error keyword " + strconvQuote(kw),
		})
	}

	if kw, ok := containsAny(lower, completionKeywords); ok {
		consider(candidate{
			msgType:    MessageCompletionSignal,
			confidence: 0.7,
			method:     MethodContextualRules,
			reason:     "completion keyword " + strconvQuote(kw),
		})
	}

	// A turn full of tool calls with terse output is routine progress.
	if ctx.RecentToolCalls >= 3 && len(message) < 200 {
		consider(candidate{
			msgType:    MessageStatusUpdate,
			confidence: 0.6,
			method:     MethodContextualRules,
			reason:     "tool-heavy turn with terse output",
		})
	}

	// Task-list churn without a question is progress, not a prompt.
	if ctx.PendingTaskChanges && !strings.Contains(lower, "?") {
		consider(candidate{
			msgType:    MessageStatusUpdate,
			confidence: 0.55,
			method:     MethodContextualRules,
			reason:     "task list changed without a question",
		})
	}

	if best.confidence == 0 {
		return candidate{}, false
	}
	return best, true
}

func strconvQuote(s string) string {
	return `"` + s + `"`
}

// =============================================================================
// Stage 3: Provider Markers
// =============================================================================

// marker is one backend-specific textual convention.
type marker struct {
	needle     string
	msgType    MessageType
	confidence float64
	provider   string
}

// providerMarkers maps backend conventions to type/confidence pairs.
// Agnostic entries have provider "".
var providerMarkers = []marker{
	// Self-reflection delimiters.
	{needle: "<reflection>", msgType: MessageStatusUpdate, confidence: 0.8},
	{needle: "<thinking>", msgType: MessageStatusUpdate, confidence: 0.8},

	// Fixed completion phrases.
	{needle: "i have completed all", msgType: MessageCompletionSignal, confidence: 0.85},
	{needle: "all tasks have been completed", msgType: MessageCompletionSignal, confidence: 0.85},
	{needle: "nothing further to do", msgType: MessageCompletionSignal, confidence: 0.8},

	// Structured confirmation markers.
	{needle: "? (yes/no)", msgType: MessageConfirmationPrompt, confidence: 0.8},
	{needle: "[y/n]", msgType: MessageConfirmationPrompt, confidence: 0.8},

	// Context exhaustion conventions.
	{needle: "compacting conversation", msgType: MessageRateLimit, confidence: 0.85},
	{needle: "context limit reached", msgType: MessageRateLimit, confidence: 0.85},
}

// markerStage looks for backend-specific conventions in the turn text.
func markerStage(message string, ctx *Context) (candidate, bool) {
	lower := strings.ToLower(message)
	provider := strings.ToLower(ctx.Provider)

	var best candidate
	for _, m := range providerMarkers {
		if m.provider != "" && m.provider != provider {
			continue
		}
		if strings.Contains(lower, m.needle) && m.confidence > best.confidence {
			best = candidate{
				msgType:    m.msgType,
				confidence: m.confidence,
				method:     MethodProviderMarkers,
				reason:     "marker " + strconvQuote(m.needle),
			}
		}
	}

	if best.confidence == 0 {
		return candidate{}, false
	}
	return best, true
}
