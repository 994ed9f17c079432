package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLogger(t *testing.T) {
	t.Run("writes fields and service name", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewZerologLogger(zerolog.New(&buf), "remotedb", zerolog.DebugLevel)

		l.With(Field{Key: "session", Value: 7}).Warn("rolled back", Err(errors.New("boom")))

		out := buf.String()
		assert.Contains(t, out, `"service":"remotedb"`)
		assert.Contains(t, out, `"session":7`)
		assert.Contains(t, out, `"error":"boom"`)
		assert.Contains(t, out, `"level":"warn"`)
	})

	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewZerologLogger(zerolog.New(&buf), "remotedb", zerolog.InfoLevel)

		l.Debug("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("nop logger accepts everything", func(t *testing.T) {
		l := NewNopLogger()
		l.Info("x")
		assert.NoError(t, l.With(Field{Key: "a", Value: 1}).Close())
	})
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)

	level, err = ParseLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestDailyFileWriter(t *testing.T) {
	t.Run("appends to dated file", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewDailyFileWriter("svc", dir)
		require.NoError(t, err)

		_, err = w.Write([]byte("hello\n"))
		require.NoError(t, err)

		path := w.CurrentLogFile()
		assert.Equal(t, filepath.Join(dir, "svc_"+time.Now().Format(dateLayout)+".log"), path)
		require.NoError(t, w.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
	})

	t.Run("switches file when the date changes", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewDailyFileWriter("svc", dir)
		require.NoError(t, err)
		defer w.Close()

		w.mu.Lock()
		w.now = func() time.Time { return time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC) }
		w.mu.Unlock()

		_, err = w.Write([]byte("tomorrow\n"))
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(w.CurrentLogFile(), "svc_2030-01-02.log"))
	})

	t.Run("write after close fails and close is idempotent", func(t *testing.T) {
		w, err := NewDailyFileWriter("svc", t.TempDir())
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())

		_, err = w.Write([]byte("x"))
		assert.Error(t, err)
		assert.Empty(t, w.CurrentLogFile())
	})
}
