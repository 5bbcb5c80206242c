package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Pattern Library (externally authored)
// =============================================================================

// PatternEntry is one rule in the pattern library.
type PatternEntry struct {
	// Match is the regular expression tested against the turn text.
	Match string `json:"match" yaml:"match"`
	// Priority orders entries within a type; higher is tried first.
	Priority int `json:"priority" yaml:"priority"`
	// Confidence is assigned to the classification when the entry matches.
	Confidence float64 `json:"confidence" yaml:"confidence"`
	// Provider optionally scopes the entry to one backend ("" = any).
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	// Description documents the rule for operators.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// PatternLibrary is a versioned, hot-swappable collection of pattern entries
// keyed by classification type.
type PatternLibrary struct {
	Version   string                   `json:"version" yaml:"version"`
	UpdatedAt time.Time                `json:"updated_at" yaml:"updated_at"`
	Metadata  map[string]any           `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Patterns  map[string][]PatternEntry `json:"patterns" yaml:"patterns"`
}

// ValidationError records one malformed entry skipped during compilation.
// Validation errors are data, not control flow: a bad entry never aborts
// a load and never surfaces on the classification hot path.
type ValidationError struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

// LoadPatternLibrary reads and parses a pattern library file.
// YAML and JSON are both accepted, dispatched on extension.
// A missing version or patterns map is a load-time fatal error.
func LoadPatternLibrary(path string) (*PatternLibrary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern library: %w", err)
	}

	lib := &PatternLibrary{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, lib)
	default:
		err = json.Unmarshal(data, lib)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse pattern library %s: %w", path, err)
	}

	if lib.Version == "" {
		return nil, fmt.Errorf("pattern library %s: missing version", path)
	}
	if lib.Patterns == nil {
		return nil, fmt.Errorf("pattern library %s: missing patterns map", path)
	}

	return lib, nil
}

// =============================================================================
// Compiled Library (internal representation)
// =============================================================================

// compiledPattern is one defensively compiled library entry.
type compiledPattern struct {
	re         *regexp.Regexp
	confidence float64
	priority   int
	provider   string
	source     string
}

// compiledLibrary is the immutable compiled form of a PatternLibrary.
// Swapped atomically on hot reload; readers see old or new in full.
type compiledLibrary struct {
	version string
	byType  map[MessageType][]compiledPattern
}

// truncatePattern shortens a pattern string for validation-error reporting.
func truncatePattern(p string) string {
	const maxLen = 80
	if len(p) > maxLen {
		return p[:maxLen] + "..."
	}
	return p
}

// compileLibrary builds the internal representation from a library.
// Empty or syntactically invalid patterns are recorded and skipped.
// Entries for unknown classification types are recorded and skipped.
func compileLibrary(lib *PatternLibrary) (*compiledLibrary, []ValidationError) {
	compiled := &compiledLibrary{
		version: lib.Version,
		byType:  make(map[MessageType][]compiledPattern),
	}
	var errs []ValidationError

	for typeName, entries := range lib.Patterns {
		msgType := MessageType(typeName)
		if !msgType.Valid() {
			errs = append(errs, ValidationError{
				Type:    typeName,
				Message: "unknown classification type",
			})
			continue
		}

		for _, entry := range entries {
			if strings.TrimSpace(entry.Match) == "" {
				errs = append(errs, ValidationError{
					Type:    typeName,
					Pattern: truncatePattern(entry.Match),
					Message: "empty pattern",
				})
				continue
			}

			// Patterns are case-insensitive unless the author already
			// set flags explicitly.
			expr := entry.Match
			if !strings.HasPrefix(expr, "(?") {
				expr = "(?i)" + expr
			}

			re, err := regexp.Compile(expr)
			if err != nil {
				errs = append(errs, ValidationError{
					Type:    typeName,
					Pattern: truncatePattern(entry.Match),
					Message: err.Error(),
				})
				continue
			}

			confidence := entry.Confidence
			if confidence <= 0 || confidence > 1 {
				errs = append(errs, ValidationError{
					Type:    typeName,
					Pattern: truncatePattern(entry.Match),
					Message: fmt.Sprintf("confidence %v outside (0,1]", entry.Confidence),
				})
				continue
			}

			compiled.byType[msgType] = append(compiled.byType[msgType], compiledPattern{
				re:         re,
				confidence: confidence,
				priority:   entry.Priority,
				provider:   strings.ToLower(entry.Provider),
				source:     entry.Match,
			})
		}

		// Higher priority first within each type.
		sort.SliceStable(compiled.byType[msgType], func(i, j int) bool {
			return compiled.byType[msgType][i].priority > compiled.byType[msgType][j].priority
		})
	}

	return compiled, errs
}
