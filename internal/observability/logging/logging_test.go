package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestConfig_Format(t *testing.T) {
	assert.Equal(t, "json", Config("info", "json").Encoding)
	assert.Equal(t, "json", Config("info", "").Encoding)
	assert.Equal(t, "console", Config("info", "console").Encoding)
	assert.Equal(t, "timestamp", Config("info", "json").EncoderConfig.TimeKey)
}

func TestNew(t *testing.T) {
	logger, err := New("debug", "json", "triage-api")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
