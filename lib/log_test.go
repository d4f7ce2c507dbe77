package lib

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultLogger(t *testing.T) {
	got, ok := NewDefaultLogger().(*Logger)
	require.True(t, ok)
	require.Equal(t, DebugLevel, got.config.Level)
	require.Equal(t, os.Stdout, got.config.Out)
}

func TestNewNullLogger(t *testing.T) {
	got, ok := NewNullLogger().(*Logger)
	require.True(t, ok)
	require.Equal(t, io.Discard, got.config.Out)
	require.Greater(t, got.config.Level, ErrorLevel)
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name     string
		detail   string
		level    int32
		log      func(l LoggerI)
		expected string
	}{
		{
			name:     "debug at debug",
			detail:   "a debug line is written at debug level",
			level:    DebugLevel,
			log:      func(l LoggerI) { l.Debugf("height %d", 3) },
			expected: "DEBUG: height 3",
		},
		{
			name:     "debug at info",
			detail:   "a debug line is filtered at info level",
			level:    InfoLevel,
			log:      func(l LoggerI) { l.Debug("hidden") },
			expected: "",
		},
		{
			name:     "warn at info",
			detail:   "a warning passes an info level logger",
			level:    InfoLevel,
			log:      func(l LoggerI) { l.Warn("slow round") },
			expected: "WARN: slow round",
		},
		{
			name:     "info at error",
			detail:   "info is filtered at error level",
			level:    ErrorLevel,
			log:      func(l LoggerI) { l.Info("hidden") },
			expected: "",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			test.log(NewLogger(LoggerConfig{Level: test.level, Out: buf}))
			if test.expected == "" {
				require.Empty(t, buf.String(), test.detail)
				return
			}
			require.Contains(t, buf.String(), test.expected, test.detail)
		})
	}
}

func TestLoggerWithPrefix(t *testing.T) {
	buf := new(bytes.Buffer)
	l := NewLogger(LoggerConfig{Level: DebugLevel, Out: buf}).WithPrefix("0-99").WithPrefix("v1")
	l.Info("proposing")
	require.True(t, strings.Contains(buf.String(), "[0-99 v1] proposing"))
}
