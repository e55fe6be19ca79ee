package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"wsrpline/internal/logger"
)

func TestNewWithWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter(logger.Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	require.Zero(t, buf.Len())

	regLog := logger.WithComponent(log, "registration")
	regLog.Warn().Str("consumer", "portal").Msg("shown")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "registration", entry["component"])
	require.Equal(t, "portal", entry["consumer"])
}

func TestDebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter(logger.Config{Level: "error", Debug: true}, &buf)
	require.NoError(t, err)
	log.Debug().Msg("visible")
	require.NotZero(t, buf.Len())
}

func TestInvalidConfig(t *testing.T) {
	_, err := logger.New(logger.Config{Output: "syslog"})
	require.Error(t, err)
	_, err = logger.NewWithWriter(logger.Config{Level: "chatty"}, &bytes.Buffer{})
	require.Error(t, err)
}
