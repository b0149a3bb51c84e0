package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
)

func listSegments(t *testing.T, dir string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, "*.jobs.zst"))
	require.NoError(t, err)
	return matches
}

func TestArchiverRoundTrip(t *testing.T) {
	t.Run("archived jobs read back intact", func(t *testing.T) {
		dir := t.TempDir()
		a, err := New(Config{Dir: dir, RetentionDays: 30})
		require.NoError(t, err)

		processed := time.Now().Truncate(time.Millisecond)
		jobs := []*models.Job{
			{
				ID:          "job-1",
				Queue:       "interactive",
				State:       models.JobStateCompleted,
				Payload:     json.RawMessage(`{"conversationId":"conv-1"}`),
				Result:      json.RawMessage(`{"messageId":"msg-1"}`),
				Attempts:    1,
				MaxAttempts: 3,
				ProcessedAt: &processed,
			},
			{
				ID:           "job-2",
				Queue:        "interactive",
				State:        models.JobStateFailed,
				Payload:      json.RawMessage(`{}`),
				Attempts:     3,
				MaxAttempts:  3,
				FailedReason: "model timeout",
			},
		}

		require.NoError(t, a.Archive(jobs))

		segments := listSegments(t, dir)
		require.Len(t, segments, 1)

		got, err := ReadSegment(segments[0])
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "job-1", got[0].ID)
		require.Equal(t, models.JobStateCompleted, got[0].State)
		require.JSONEq(t, `{"messageId":"msg-1"}`, string(got[0].Result))
		require.Equal(t, "job-2", got[1].ID)
		require.Equal(t, "model timeout", got[1].FailedReason)
	})

	t.Run("each batch becomes its own segment", func(t *testing.T) {
		dir := t.TempDir()
		a, err := New(Config{Dir: dir})
		require.NoError(t, err)

		require.NoError(t, a.Archive([]*models.Job{{ID: "job-1", Queue: "interactive", State: models.JobStateCompleted}}))
		require.NoError(t, a.Archive([]*models.Job{{ID: "job-2", Queue: "interactive", State: models.JobStateCompleted}}))

		require.Len(t, listSegments(t, dir), 2)
	})

	t.Run("empty batch writes nothing", func(t *testing.T) {
		dir := t.TempDir()
		a, err := New(Config{Dir: dir})
		require.NoError(t, err)

		require.NoError(t, a.Archive(nil))
		require.Empty(t, listSegments(t, dir))
	})

	t.Run("garbage file fails to read", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "broken.jobs.zst")
		require.NoError(t, os.WriteFile(path, []byte("not a segment"), 0o644))

		_, err := ReadSegment(path)
		require.Error(t, err)
	})
}

func TestArchiverCleanup(t *testing.T) {
	t.Run("removes segments past retention", func(t *testing.T) {
		dir := t.TempDir()
		a, err := New(Config{Dir: dir, RetentionDays: 1})
		require.NoError(t, err)

		require.NoError(t, a.Archive([]*models.Job{{ID: "job-old", Queue: "interactive", State: models.JobStateCompleted}}))
		require.NoError(t, a.Archive([]*models.Job{{ID: "job-new", Queue: "interactive", State: models.JobStateCompleted}}))

		segments := listSegments(t, dir)
		require.Len(t, segments, 2)

		// Age the first segment past the retention window.
		old := time.Now().AddDate(0, 0, -3)
		require.NoError(t, os.Chtimes(segments[0], old, old))

		require.NoError(t, a.Cleanup())
		require.Len(t, listSegments(t, dir), 1)
	})

	t.Run("cleanup disabled without retention", func(t *testing.T) {
		dir := t.TempDir()
		a, err := New(Config{Dir: dir})
		require.NoError(t, err)

		require.NoError(t, a.Archive([]*models.Job{{ID: "job-1", Queue: "interactive", State: models.JobStateCompleted}}))

		segments := listSegments(t, dir)
		old := time.Now().AddDate(0, 0, -30)
		require.NoError(t, os.Chtimes(segments[0], old, old))

		require.NoError(t, a.Cleanup())
		require.Len(t, listSegments(t, dir), 1)
	})
}

func TestArchiverImplementsInterface(t *testing.T) {
	var _ store.JobArchiver = (*Archiver)(nil)
}
