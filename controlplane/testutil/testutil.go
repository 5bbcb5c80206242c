// Package testutil provides shared test utilities and mocks for the control
// plane.
//
// All mocks in this package are designed for testing control-plane components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/sentinelworks/autopilot/eventbus"
)

// =============================================================================
// MOCK SESSION STORE
// =============================================================================

// MockSessionStore implements iterate.SessionStore for testing.
// It records every update and can be configured to fail.
type MockSessionStore struct {
	// Error causes UpdateMetadata to return this error.
	Error error

	mu      sync.Mutex
	updates []SessionUpdate
}

// SessionUpdate is one recorded UpdateMetadata call.
type SessionUpdate struct {
	SessionID string
	Partial   map[string]any
}

// UpdateMetadata records the call.
func (m *MockSessionStore) UpdateMetadata(_ context.Context, sessionID string, partial map[string]any) error {
	if m.Error != nil {
		return m.Error
	}

	cp := make(map[string]any, len(partial))
	for k, v := range partial {
		cp[k] = v
	}

	m.mu.Lock()
	m.updates = append(m.updates, SessionUpdate{SessionID: sessionID, Partial: cp})
	m.mu.Unlock()
	return nil
}

// Updates returns all recorded calls.
func (m *MockSessionStore) Updates() []SessionUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionUpdate, len(m.updates))
	copy(out, m.updates)
	return out
}

// LastUpdate returns the most recent call, or false when none was made.
func (m *MockSessionStore) LastUpdate() (SessionUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.updates) == 0 {
		return SessionUpdate{}, false
	}
	return m.updates[len(m.updates)-1], true
}

// =============================================================================
// EVENT CAPTURE
// =============================================================================

// EventCapture collects every message published to the topics it subscribes
// to, for asserting on telemetry in tests.
type EventCapture struct {
	mu     sync.Mutex
	events []eventbus.Message
}

// SubscribeAll attaches the capture to the given topics.
func (c *EventCapture) SubscribeAll(bus *eventbus.Bus, topics ...string) {
	for _, topic := range topics {
		bus.Subscribe(topic, c.handle)
	}
}

func (c *EventCapture) handle(_ context.Context, msg eventbus.Message) error {
	c.mu.Lock()
	c.events = append(c.events, msg)
	c.mu.Unlock()
	return nil
}

// Events returns all captured messages.
func (c *EventCapture) Events() []eventbus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]eventbus.Message, len(c.events))
	copy(out, c.events)
	return out
}

// ByTopic returns captured messages for one topic.
func (c *EventCapture) ByTopic(topic string) []eventbus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []eventbus.Message
	for _, e := range c.events {
		if e.Topic() == topic {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// CAPTURING LOGGER
// =============================================================================

// LogEntry is one captured log call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields []any
}

// CaptureLogger records log calls for assertions. Implements the Logger
// interface shared by all control-plane packages.
type CaptureLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (l *CaptureLogger) Debug(msg string, kv ...any) { l.record("debug", msg, kv) }
func (l *CaptureLogger) Info(msg string, kv ...any)  { l.record("info", msg, kv) }
func (l *CaptureLogger) Warn(msg string, kv ...any)  { l.record("warn", msg, kv) }
func (l *CaptureLogger) Error(msg string, kv ...any) { l.record("error", msg, kv) }

func (l *CaptureLogger) record(level, msg string, kv []any) {
	l.mu.Lock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg, Fields: kv})
	l.mu.Unlock()
}

// Entries returns all captured log calls.
func (l *CaptureLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// CountMsg returns how many entries carry the given message.
func (l *CaptureLogger) CountMsg(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.entries {
		if e.Msg == msg {
			n++
		}
	}
	return n
}

// String renders the captured log for test failure output.
func (l *CaptureLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := ""
	for _, e := range l.entries {
		out += fmt.Sprintf("[%s] %s %v\n", e.Level, e.Msg, e.Fields)
	}
	return out
}
