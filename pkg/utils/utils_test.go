package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1B", 1, false},
		{"512K", 512 * 1024, false},
		{"50MB", 50 * 1024 * 1024, false},
		{"1.5GB", 1536 * 1024 * 1024, false},
		{"8GiB", 8 * 1024 * 1024 * 1024, false},
		{" 5mb ", 5 * 1024 * 1024, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-1MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "50.0 MB", FormatBytes(50*1024*1024))
}

func TestMustParseBytesPanics(t *testing.T) {
	assert.Panics(t, func() { MustParseBytes("nope") })
	assert.Equal(t, int64(2048), MustParseBytes("2K"))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "querycache.log")

	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "console", File: file})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("hello")
	_ = logger.Sync()

	assert.FileExists(t, file)

	_, err = NewLogger(LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	logger, err := NewLogger(LoggingConfig{})
	require.NoError(t, err)
	assert.Same(t, logger, OrNop(logger))
}
