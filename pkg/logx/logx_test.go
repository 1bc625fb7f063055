package logx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugEnabledRespectsDomains(t *testing.T) {
	defer SetDebug(false)

	SetDebug(true)
	assert.True(t, DebugEnabled("loop"))
	assert.True(t, DebugEnabled("host"))

	SetDebug(true, "loop", "dispatch")
	assert.True(t, DebugEnabled("loop"))
	assert.True(t, DebugEnabled("dispatch"))
	assert.False(t, DebugEnabled("host"))

	SetDebug(false)
	assert.False(t, DebugEnabled("loop"))
}

func TestLogFileReceivesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.log")
	require.NoError(t, InitLogFile(path))
	defer CloseLogFile()

	logger := NewLogger("testcomp")
	logger.Info("hello %s", "world")
	logger.Warn("watch out")

	CloseLogFile()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "[testcomp] INFO: hello world")
	assert.Contains(t, content, "[testcomp] WARN: watch out")
}

func TestErrorfReturnsFormattedError(t *testing.T) {
	base := errors.New("connection refused")
	err := Errorf("dial backend: %w", base)
	require.Error(t, err)
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, "dial backend: connection refused", err.Error())
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "no-op"))

	base := errors.New("disk full")
	err := Wrap(base, "save checkpoint")
	require.Error(t, err)
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, "save checkpoint: disk full", err.Error())
}

func TestWithComponent(t *testing.T) {
	l := NewLogger("kernel")
	sub := l.WithComponent("kernel.mounts")
	assert.Equal(t, "kernel.mounts", sub.Component())
	assert.Equal(t, "kernel", l.Component())
	assert.False(t, strings.Contains(sub.Component(), " "))
}
