package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHandlerFormatsAttributes(t *testing.T) {
	color.NoColor = true
	out := &syncBuffer{}
	h := newAsyncHandler(out, "", slog.LevelInfo)
	log := slog.New(h).With("component", "relay")

	log.Info("forwarded", "sn", "D1")
	log.Debug("hidden")
	log.WithGroup("auth").Warn("rejected", "reason", "duplicate")
	require.NoError(t, h.Close())

	text := out.String()
	assert.Contains(t, text, "forwarded component=relay sn=D1")
	assert.Contains(t, text, "rejected component=relay auth.reason=duplicate")
	assert.NotContains(t, text, "hidden")
}

func TestHandlerWritesDailyFile(t *testing.T) {
	color.NoColor = true
	dir := t.TempDir()
	h := newAsyncHandler(&syncBuffer{}, dir, slog.LevelDebug)
	slog.New(h).Debug("to file")
	require.NoError(t, h.Close())

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestWriteAfterCloseDoesNotPanic(t *testing.T) {
	out := &syncBuffer{}
	h := newAsyncHandler(out, "", slog.LevelInfo)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.NotPanics(t, func() { slog.New(h).Info("late line") })
	assert.Contains(t, out.String(), "late line")
}
