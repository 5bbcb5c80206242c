package iterate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelworks/autopilot/eventbus"
)

// =============================================================================
// Telemetry Events
// =============================================================================

// Telemetry topics published on the event bus.
const (
	TopicStart          = "iterate.start"
	TopicClassification = "iterate.classification"
	TopicPause          = "iterate.pause"
	TopicResume         = "iterate.resume"
	TopicStop           = "iterate.stop"
)

// Event is one telemetry record emitted by the controller.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Topic implements eventbus.Message.
func (e *Event) Topic() string { return e.Type }

// NewEvent builds a telemetry event with a fresh ID.
func NewEvent(eventType, sessionID string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}
}

// =============================================================================
// JSONL Telemetry Writer
// =============================================================================

// defaultTelemetryBuffer bounds the writer's in-flight queue.
const defaultTelemetryBuffer = 256

// TelemetryWriter appends telemetry events to per-session JSONL files under
// a logs directory. It is a fire-and-forget sink: Handle enqueues onto a
// bounded channel and returns immediately, a single consumer goroutine does
// the file I/O, and a full queue drops the event rather than block the
// decision path. Write failures are logged once per session and otherwise
// swallowed - telemetry must never take the control plane down with it.
type TelemetryWriter struct {
	logger Logger
	dir    string

	ch   chan *Event
	done chan struct{}

	mu        sync.Mutex
	failedFor map[string]bool
	dropWarn  bool
}

// NewTelemetryWriter creates and starts a writer rooted at dir.
func NewTelemetryWriter(logger Logger, dir string) *TelemetryWriter {
	w := &TelemetryWriter{
		logger:    logger,
		dir:       dir,
		ch:        make(chan *Event, defaultTelemetryBuffer),
		done:      make(chan struct{}),
		failedFor: make(map[string]bool),
	}
	go w.run()
	return w
}

// TelemetryDir derives the logs directory from the pattern library location,
// keeping operator-editable data and telemetry side by side.
func TelemetryDir(patternsPath string) string {
	return filepath.Join(filepath.Dir(patternsPath), "logs")
}

// Handle is the eventbus subscriber entry point.
func (w *TelemetryWriter) Handle(_ context.Context, msg eventbus.Message) error {
	ev, ok := msg.(*Event)
	if !ok {
		return nil
	}

	select {
	case w.ch <- ev:
	default:
		w.mu.Lock()
		warned := w.dropWarn
		w.dropWarn = true
		w.mu.Unlock()
		if !warned && w.logger != nil {
			w.logger.Warn("telemetry_queue_full", "dir", w.dir)
		}
	}
	return nil
}

// Attach subscribes the writer to every iterate topic on the bus and returns
// a combined unsubscribe function.
func (w *TelemetryWriter) Attach(bus *eventbus.Bus) func() {
	topics := []string{TopicStart, TopicClassification, TopicPause, TopicResume, TopicStop}
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		unsubs = append(unsubs, bus.Subscribe(topic, w.Handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close drains the queue and stops the consumer.
func (w *TelemetryWriter) Close() {
	close(w.ch)
	<-w.done
}

func (w *TelemetryWriter) run() {
	defer close(w.done)
	for ev := range w.ch {
		w.append(ev)
	}
}

// append writes one event as a JSON line to the session's log file.
func (w *TelemetryWriter) append(ev *Event) {
	w.mu.Lock()
	failed := w.failedFor[ev.SessionID]
	w.mu.Unlock()
	if failed {
		return
	}

	line, err := json.Marshal(ev)
	if err != nil {
		w.fail(ev.SessionID, "telemetry_marshal_failed", err)
		return
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.fail(ev.SessionID, "telemetry_dir_failed", err)
		return
	}

	path := filepath.Join(w.dir, ev.SessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.fail(ev.SessionID, "telemetry_open_failed", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		w.fail(ev.SessionID, "telemetry_write_failed", err)
	}
}

// fail records a write failure and silences further attempts for the session.
func (w *TelemetryWriter) fail(sessionID, event string, err error) {
	w.mu.Lock()
	already := w.failedFor[sessionID]
	w.failedFor[sessionID] = true
	w.mu.Unlock()

	if !already && w.logger != nil {
		w.logger.Warn(event,
			"session_id", sessionID,
			"dir", w.dir,
			"error", err.Error(),
		)
	}
}
