package iterate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sentinelworks/autopilot/controlplane/testutil"
	"github.com/sentinelworks/autopilot/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTelemetryDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/data/autopilot", "logs"),
		TelemetryDir("/data/autopilot/patterns.yaml"))
}

func TestTelemetryWriter_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	w := NewTelemetryWriter(nil, dir)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, NewEvent(TopicStart, "s1", map[string]any{"provider": "claude"})))
	require.NoError(t, w.Handle(ctx, NewEvent(TopicClassification, "s1", map[string]any{"type": "status_update"})))
	require.NoError(t, w.Handle(ctx, NewEvent(TopicPause, "s2", nil)))
	w.Close()

	data, err := os.ReadFile(filepath.Join(dir, "s1.jsonl"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, TopicStart, first.Type)
	assert.Equal(t, "s1", first.SessionID)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "claude", first.Payload["provider"])

	// Each session gets its own file.
	_, err = os.Stat(filepath.Join(dir, "s2.jsonl"))
	assert.NoError(t, err)
}

func TestTelemetryWriter_IgnoresForeignMessages(t *testing.T) {
	dir := t.TempDir()
	w := NewTelemetryWriter(nil, dir)
	defer w.Close()

	require.NoError(t, w.Handle(context.Background(), otherMessage{}))
}

type otherMessage struct{}

func (otherMessage) Topic() string { return "other" }

func TestTelemetryWriter_FailureLoggedOncePerSession(t *testing.T) {
	// Point the logs dir at an existing file so MkdirAll fails.
	parent := t.TempDir()
	blocked := filepath.Join(parent, "logs")
	require.NoError(t, os.WriteFile(blocked, []byte("not a directory"), 0o644))

	logger := &testutil.CaptureLogger{}
	w := NewTelemetryWriter(logger, blocked)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, NewEvent(TopicStart, "s1", nil)))
	require.NoError(t, w.Handle(ctx, NewEvent(TopicPause, "s1", nil)))
	require.NoError(t, w.Handle(ctx, NewEvent(TopicStart, "s2", nil)))
	w.Close()

	assert.Equal(t, 2, logger.CountMsg("telemetry_dir_failed"),
		"one failure log per session, not per event")
}

func TestTelemetryWriter_AttachSubscribesAllTopics(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New(nil)
	w := NewTelemetryWriter(nil, dir)

	unsubscribe := w.Attach(bus)
	for _, topic := range []string{TopicStart, TopicClassification, TopicPause, TopicResume, TopicStop} {
		assert.Equal(t, 1, bus.SubscriberCount(topic))
	}

	require.NoError(t, bus.Publish(context.Background(), NewEvent(TopicStart, "s1", nil)))
	w.Close()

	_, err := os.Stat(filepath.Join(dir, "s1.jsonl"))
	assert.NoError(t, err)

	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount(TopicStart))
}
