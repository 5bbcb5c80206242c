package sessionstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpdateMetadata_CreatesSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateMetadata(ctx, "s1", map[string]any{
		"status":       "paused",
		"pause_reason": "genuine_question",
	})
	require.NoError(t, err)

	meta, err := s.GetMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "paused", meta["status"])
	assert.Equal(t, "genuine_question", meta["pause_reason"])
}

func TestUpdateMetadata_MergePreservesOtherKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateMetadata(ctx, "s1", map[string]any{
		"status":       "paused",
		"total_tokens": 120,
	}))
	require.NoError(t, s.UpdateMetadata(ctx, "s1", map[string]any{
		"status": "running",
	}))

	meta, err := s.GetMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "running", meta["status"], "updated keys overwrite")
	assert.Equal(t, float64(120), meta["total_tokens"], "absent keys are preserved")
}

func TestUpdateMetadata_RequiresSessionID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.UpdateMetadata(context.Background(), "", map[string]any{"a": 1}))
}

func TestGetMetadata_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMetadata(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateMetadata(ctx, "s1", map[string]any{"status": "running"}))
	require.NoError(t, s.UpdateMetadata(ctx, "s2", map[string]any{"status": "paused"}))

	ids, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.UpdateMetadata(ctx, "s1", map[string]any{"status": "stopped"}))
	require.NoError(t, s1.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	meta, err := s2.GetMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", meta["status"])
}
