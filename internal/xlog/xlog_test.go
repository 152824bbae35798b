package xlog

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeLogger builds a Logger writing into a pipe so tests can assert on
// its output without touching a real file on disk.
func pipeLogger(t *testing.T, level Level) (*Logger, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	return New(w, level), r
}

func readAvailable(t *testing.T, r *os.File, w *os.File) string {
	t.Helper()
	w.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String()
}

func TestTraceSilentUntilCategoryEnabled(t *testing.T) {
	l, r := pipeLogger(t, LevelDebug)
	w := l.out

	l.Trace(Sys, "hello %d", 1)
	l.EnableCategory(string(Sys))
	l.Trace(Sys, "world %d", 2)
	l.Trace(Jit, "should stay silent")

	out := readAvailable(t, r, w)
	assert.NotContains(t, out, "hello")
	assert.Contains(t, out, "world 2")
	assert.NotContains(t, out, "should stay silent")
}

func TestEnableCategoryAllTurnsOnEveryCategory(t *testing.T) {
	l, r := pipeLogger(t, LevelDebug)
	w := l.out

	l.EnableCategory("all")
	for _, cat := range allCategories {
		l.Trace(cat, "line for %s", cat)
	}

	out := readAvailable(t, r, w)
	for _, cat := range allCategories {
		assert.True(t, strings.Contains(out, "line for "+string(cat)), "category %s must be enabled by \"all\"", cat)
	}
}

func TestLevelGating(t *testing.T) {
	t.Run("LevelError suppresses Info and Warn", func(t *testing.T) {
		l, r := pipeLogger(t, LevelError)
		w := l.out
		l.Info("info line")
		l.Warn("warn line")
		l.Error("error line")
		out := readAvailable(t, r, w)
		assert.NotContains(t, out, "info line")
		assert.NotContains(t, out, "warn line")
		assert.Contains(t, out, "error line")
	})

	t.Run("LevelDebug allows everything including gated categories", func(t *testing.T) {
		l, r := pipeLogger(t, LevelDebug)
		w := l.out
		l.EnableCategory("all")
		l.Trace(Mem, "mem trace")
		out := readAvailable(t, r, w)
		assert.Contains(t, out, "mem trace")
	})
}
