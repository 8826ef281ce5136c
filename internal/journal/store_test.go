package journal

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	// reopening is a no-op
	require.NoError(t, RunMigrations(s.db, slog.Default()))
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Entry{Level: "INFO", Message: "handling message"}))
	require.NoError(t, s.Append(ctx, Entry{Level: "ERROR", Message: "image pipeline aborted", Attrs: map[string]any{"stage": "decode"}}))
	require.NoError(t, s.Append(ctx, Entry{Level: "DEBUG", Message: "photo decoded"}))

	all, err := s.Recent(ctx, 10, slog.LevelDebug)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "photo decoded", all[0].Message, "newest first")

	errs, err := s.Recent(ctx, 10, slog.LevelError)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "decode", errs[0].Attrs["stage"])
	assert.WithinDuration(t, time.Now(), errs[0].Time, time.Minute)

	limited, err := s.Recent(ctx, 1, slog.LevelDebug)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestHandler_JournalsRecordsWithRunID(t *testing.T) {
	s := openTestStore(t)
	logger := slog.New(s.Handler(slog.LevelInfo)).With("run", "run-1")

	logger.Debug("skipped")
	logger.Info("downloading photo", "url", "https://example.com/a.jpg")
	logger.WithGroup("photo").Info("photo selected", "width", 400, "sizes", slog.GroupValue(slog.Int("count", 2)))
	logger.Error("image pipeline aborted", "stage", "upload", "error", errors.New("denied"))

	entries, err := s.ByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "https://example.com/a.jpg", entries[0].Attrs["url"])
	assert.EqualValues(t, 400, entries[1].Attrs["photo.width"])
	assert.EqualValues(t, 2, entries[1].Attrs["photo.sizes.count"])
	assert.Equal(t, "ERROR", entries[2].Level)
	assert.Equal(t, "denied", entries[2].Attrs["error"])
}
