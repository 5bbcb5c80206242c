package classifier

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Early-exit confidence thresholds per pipeline stage.
const (
	patternStageThreshold    = 0.85
	contextualStageThreshold = 0.8
	markerStageThreshold     = 0.8
)

// fallbackConfidence is assigned when no stage produced a candidate.
const fallbackConfidence = 0.3

// SemanticScorer is a pluggable semantic classification strategy for the
// fallback stage. The shipped implementation is a stub; real embedding
// comparison slots in behind the same interface.
type SemanticScorer interface {
	// Score classifies a message semantically. The second return value
	// reports whether a classification was produced.
	Score(message string, ctx *Context) (MessageType, float64, bool)
}

// StubSemanticScorer always yields status_update at low confidence.
// It exists so the fallback wiring is exercised end to end.
type StubSemanticScorer struct{}

// Score implements SemanticScorer.
func (StubSemanticScorer) Score(string, *Context) (MessageType, float64, bool) {
	return MessageStatusUpdate, fallbackConfidence, true
}

// =============================================================================
// Classifier
// =============================================================================

// Classifier classifies AI turns. Stateless per call except for the
// compiled-pattern cache, which is replaced atomically on hot reload.
type Classifier struct {
	logger   Logger
	semantic SemanticScorer

	mu       sync.RWMutex
	compiled *compiledLibrary
	valErrs  []ValidationError
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSemanticScorer enables the semantic fallback stage.
func WithSemanticScorer(s SemanticScorer) Option {
	return func(c *Classifier) { c.semantic = s }
}

// New creates a classifier with no patterns loaded. Until LoadPatterns or
// UpdatePatterns succeeds, only stages 2-4 contribute.
func New(logger Logger, opts ...Option) *Classifier {
	c := &Classifier{logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadPatterns loads and compiles a pattern library file, then swaps it in.
// Parse and structural failures raise to the caller; per-entry failures are
// recorded as validation errors and skipped.
func (c *Classifier) LoadPatterns(path string) error {
	lib, err := LoadPatternLibrary(path)
	if err != nil {
		return err
	}
	c.UpdatePatterns(lib)
	return nil
}

// UpdatePatterns compiles and atomically swaps in a new library.
// In-flight classifications keep using whichever cache was live at call time.
func (c *Classifier) UpdatePatterns(lib *PatternLibrary) {
	compiled, errs := compileLibrary(lib)

	c.mu.Lock()
	c.compiled = compiled
	c.valErrs = errs
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("patterns_updated",
			"version", lib.Version,
			"types", len(compiled.byType),
			"validation_errors", len(errs),
		)
		for _, ve := range errs {
			c.logger.Warn("pattern_skipped",
				"type", ve.Type,
				"pattern", ve.Pattern,
				"error", ve.Message,
			)
		}
	}
}

// ValidationErrors returns the per-entry errors from the last load.
func (c *Classifier) ValidationErrors() []ValidationError {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ValidationError, len(c.valErrs))
	copy(out, c.valErrs)
	return out
}

// LibraryVersion returns the version of the live compiled library, or "".
func (c *Classifier) LibraryVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.compiled == nil {
		return ""
	}
	return c.compiled.version
}

// =============================================================================
// Pipeline
// =============================================================================

// candidate is an intermediate classification from one stage.
type candidate struct {
	msgType    MessageType
	confidence float64
	method     Method
	reason     string
}

// Classify classifies one AI turn. Never fails: malformed or empty input
// degrades to the fallback default, and the result always carries a type
// from the closed set with confidence in [0,1].
func (c *Classifier) Classify(message string, ctx *Context) Classification {
	start := time.Now()
	if ctx == nil {
		ctx = &Context{}
	}

	var candidates []candidate

	// Stage 1: pattern library.
	if best, ok := c.patternStage(message, ctx); ok {
		if best.confidence >= patternStageThreshold {
			return c.finish(best, start)
		}
		candidates = append(candidates, best)
	}

	// Stage 2: contextual rules.
	if best, ok := contextualStage(message, ctx); ok {
		if best.confidence >= contextualStageThreshold {
			return c.finish(best, start)
		}
		candidates = append(candidates, best)
	}

	// Stage 3: provider markers.
	if best, ok := markerStage(message, ctx); ok {
		if best.confidence >= markerStageThreshold {
			return c.finish(best, start)
		}
		candidates = append(candidates, best)
	}

	// Stage 4: fallback. Best candidate wins; semantic scoring only runs
	// when nothing at all matched.
	if len(candidates) > 0 {
		best := candidates[0]
		for _, cand := range candidates[1:] {
			if cand.confidence > best.confidence {
				best = cand
			}
		}
		return c.finish(best, start)
	}

	if c.semantic != nil {
		if msgType, confidence, ok := c.semantic.Score(message, ctx); ok {
			return c.finish(candidate{
				msgType:    msgType,
				confidence: clamp01(confidence),
				method:     MethodSemanticScoring,
				reason:     "semantic scorer",
			}, start)
		}
	}

	return c.finish(candidate{
		msgType:    MessageStatusUpdate,
		confidence: fallbackConfidence,
		method:     MethodFallback,
		reason:     "no stage was conclusive",
	}, start)
}

// finish converts a candidate into the immutable Classification record.
func (c *Classifier) finish(cand candidate, start time.Time) Classification {
	cls := Classification{
		Type:       cand.msgType,
		Confidence: clamp01(cand.confidence),
		Method:     cand.method,
		Reason:     cand.reason,
		Timestamp:  time.Now().UTC(),
		Latency:    time.Since(start),
	}

	if c.logger != nil {
		c.logger.Debug("turn_classified",
			"type", string(cls.Type),
			"confidence", cls.Confidence,
			"method", string(cls.Method),
			"latency_us", cls.Latency.Microseconds(),
		)
	}

	return cls
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// =============================================================================
// Stage 1: Pattern Library
// =============================================================================

// patternStage tests compiled patterns type by type in the fixed priority
// order; the first match wins with the entry's configured confidence.
func (c *Classifier) patternStage(message string, ctx *Context) (candidate, bool) {
	c.mu.RLock()
	compiled := c.compiled
	c.mu.RUnlock()

	if compiled == nil {
		return candidate{}, false
	}

	provider := strings.ToLower(ctx.Provider)
	for _, msgType := range classifyOrder {
		for _, p := range compiled.byType[msgType] {
			if p.provider != "" && p.provider != provider {
				continue
			}
			if p.re.MatchString(message) {
				return candidate{
					msgType:    msgType,
					confidence: p.confidence,
					method:     MethodPatternLibrary,
					reason:     fmt.Sprintf("pattern %q", truncatePattern(p.source)),
				}, true
			}
		}
	}

	return candidate{}, false
}
