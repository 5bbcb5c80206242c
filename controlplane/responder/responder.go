// Package responder generates the text sent back to the AI when a turn is
// safe to auto-acknowledge.
//
// The response policy is a closed table: only confirmation prompts and
// completion signals ever produce text. Every other classification yields
// no response, forcing the caller to pause or no-op. This asymmetry is the
// point - an auto-responder that answers questions is an auto-responder
// that makes decisions it has no authority to make.
package responder

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"

	"github.com/sentinelworks/autopilot/controlplane/classifier"
)

// fallbackAffirmative is used for confirmation prompts when no template data
// is available.
const fallbackAffirmative = "Yes, please proceed."

// Logger is the structured logging interface for the responder.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ResponseContext carries the selection inputs for one response.
type ResponseContext struct {
	// Provider filters templates; agnostic entries always remain eligible.
	Provider string
	// Vars substitutes {{name}} placeholders in the chosen template.
	Vars map[string]string
}

// =============================================================================
// Responder
// =============================================================================

// Responder selects and renders response templates. Stateless per call
// except for the template cache, replaced atomically on hot reload.
type Responder struct {
	logger    Logger
	randomize bool
	rng       *rand.Rand

	mu       sync.RWMutex
	compiled map[classifier.MessageType][]TemplateEntry
	version  string
	valErrs  []ValidationError
}

// Option configures a Responder.
type Option func(*Responder)

// WithRandomization enables priority-weighted random template selection,
// avoiding detectable repeated phrasing.
func WithRandomization(seed int64) Option {
	return func(r *Responder) {
		r.randomize = true
		r.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a responder with no templates loaded. Until templates load,
// confirmation prompts get the hardcoded affirmative.
func New(logger Logger, opts ...Option) *Responder {
	r := &Responder{logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// placeholderRe matches {{name}} substitution points.
var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// GenerateResponse produces the reply for a classification, or ok=false when
// the policy yields no response.
func (r *Responder) GenerateResponse(cls classifier.Classification, rctx *ResponseContext) (string, bool) {
	// Closed policy table: anything else never gets an automatic reply.
	switch cls.Type {
	case classifier.MessageConfirmationPrompt, classifier.MessageCompletionSignal:
	default:
		return "", false
	}

	if rctx == nil {
		rctx = &ResponseContext{}
	}

	entry, found := r.selectTemplate(cls.Type, rctx.Provider)
	if !found {
		if cls.Type == classifier.MessageConfirmationPrompt {
			return fallbackAffirmative, true
		}
		return "", false
	}

	return r.render(entry.Response, rctx.Vars), true
}

// selectTemplate filters the type's templates by provider and picks one.
// Provider-specific entries win over agnostic ones; within the surviving
// set, selection is deterministic highest-priority or a weighted lottery.
func (r *Responder) selectTemplate(msgType classifier.MessageType, provider string) (TemplateEntry, bool) {
	r.mu.RLock()
	entries := r.compiled[msgType]
	r.mu.RUnlock()

	if len(entries) == 0 {
		return TemplateEntry{}, false
	}

	providerLower := strings.ToLower(provider)
	var specific, agnostic []TemplateEntry
	for _, e := range entries {
		switch {
		case e.Provider == "":
			agnostic = append(agnostic, e)
		case strings.ToLower(e.Provider) == providerLower && providerLower != "":
			specific = append(specific, e)
		}
	}

	survivors := specific
	if len(survivors) == 0 {
		survivors = agnostic
	}
	if len(survivors) == 0 {
		return TemplateEntry{}, false
	}

	if r.randomize && len(survivors) > 1 {
		return r.weightedPick(survivors), true
	}

	// Deterministic: highest priority, earliest on ties (entries are kept
	// in compiled priority order).
	best := survivors[0]
	for _, e := range survivors[1:] {
		if e.Priority > best.Priority {
			best = e
		}
	}
	return best, true
}

// weightedPick selects with probability proportional to priority weight.
func (r *Responder) weightedPick(entries []TemplateEntry) TemplateEntry {
	total := 0
	for _, e := range entries {
		if e.Priority > 0 {
			total += e.Priority
		}
	}
	if total <= 0 {
		return entries[r.rng.Intn(len(entries))]
	}

	pick := r.rng.Intn(total)
	for _, e := range entries {
		if e.Priority <= 0 {
			continue
		}
		pick -= e.Priority
		if pick < 0 {
			return e
		}
	}
	return entries[len(entries)-1]
}

// render substitutes {{name}} placeholders from vars. Unresolved
// placeholders are left intact and logged so malformed templates fail
// visibly instead of silently emitting blanked text.
func (r *Responder) render(text string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		if r.logger != nil {
			r.logger.Warn("unresolved_placeholder", "name", name)
		}
		return match
	})
}
