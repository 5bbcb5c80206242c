package responder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelworks/autopilot/controlplane/classifier"
)

// =============================================================================
// Template Library (externally authored)
// =============================================================================

// TemplateEntry is one response template.
type TemplateEntry struct {
	// Response is the reply text; may contain {{name}} placeholders.
	Response string `json:"response" yaml:"response"`
	// Priority orders and weights entries; higher wins.
	Priority int `json:"priority" yaml:"priority"`
	// Provider optionally scopes the entry to one backend ("" = any).
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	// Description documents the template for operators.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TemplateLibrary is a versioned, hot-swappable collection of templates
// keyed by classification type.
type TemplateLibrary struct {
	Version   string                     `json:"version" yaml:"version"`
	UpdatedAt time.Time                  `json:"updated_at" yaml:"updated_at"`
	Metadata  map[string]any             `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Templates map[string][]TemplateEntry `json:"templates" yaml:"templates"`
}

// ValidationError records one malformed template skipped during load.
type ValidationError struct {
	Type     string `json:"type"`
	Template string `json:"template"`
	Message  string `json:"message"`
}

// LoadTemplateLibrary reads and parses a template library file.
// YAML and JSON are both accepted, dispatched on extension.
// A missing version or templates map is a load-time fatal error.
func LoadTemplateLibrary(path string) (*TemplateLibrary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template library: %w", err)
	}

	lib := &TemplateLibrary{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, lib)
	default:
		err = json.Unmarshal(data, lib)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse template library %s: %w", path, err)
	}

	if lib.Version == "" {
		return nil, fmt.Errorf("template library %s: missing version", path)
	}
	if lib.Templates == nil {
		return nil, fmt.Errorf("template library %s: missing templates map", path)
	}

	return lib, nil
}

// LoadTemplates loads a template library file and swaps it in.
func (r *Responder) LoadTemplates(path string) error {
	lib, err := LoadTemplateLibrary(path)
	if err != nil {
		return err
	}
	r.UpdateTemplates(lib)
	return nil
}

// UpdateTemplates validates and atomically swaps in a new library.
// Malformed entries are recorded and skipped, never fatal.
func (r *Responder) UpdateTemplates(lib *TemplateLibrary) {
	compiled := make(map[classifier.MessageType][]TemplateEntry)
	var errs []ValidationError

	for typeName, entries := range lib.Templates {
		msgType := classifier.MessageType(typeName)
		if !msgType.Valid() {
			errs = append(errs, ValidationError{
				Type:    typeName,
				Message: "unknown classification type",
			})
			continue
		}

		for _, entry := range entries {
			if strings.TrimSpace(entry.Response) == "" {
				errs = append(errs, ValidationError{
					Type:    typeName,
					Message: "empty response text",
				})
				continue
			}
			compiled[msgType] = append(compiled[msgType], entry)
		}

		sort.SliceStable(compiled[msgType], func(i, j int) bool {
			return compiled[msgType][i].Priority > compiled[msgType][j].Priority
		})
	}

	r.mu.Lock()
	r.compiled = compiled
	r.version = lib.Version
	r.valErrs = errs
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("templates_updated",
			"version", lib.Version,
			"types", len(compiled),
			"validation_errors", len(errs),
		)
		for _, ve := range errs {
			r.logger.Warn("template_skipped",
				"type", ve.Type,
				"error", ve.Message,
			)
		}
	}
}

// ValidationErrors returns the per-entry errors from the last load.
func (r *Responder) ValidationErrors() []ValidationError {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ValidationError, len(r.valErrs))
	copy(out, r.valErrs)
	return out
}

// LibraryVersion returns the version of the live template library, or "".
func (r *Responder) LibraryVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
