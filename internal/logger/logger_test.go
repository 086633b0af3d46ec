package logger_test

import (
	"bytes"
	"testing"

	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{
		"debug":   logger.DebugLevel,
		"INFO":    logger.InfoLevel,
		"":        logger.InfoLevel,
		"warning": logger.WarnLevel,
		"warn":    logger.WarnLevel,
		"error":   logger.ErrorLevel,
	}
	for in, want := range cases {
		got, err := logger.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := logger.ParseLevel("verbose")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestInitWithWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.InitWithWriter(&buf, "warn", true))
	t.Cleanup(func() { logger.SetLogLevel(logger.InfoLevel) })

	logger.Info().Msg("hidden step")
	logger.Warn().Int("step", 3).Msg("visible step")

	out := buf.String()
	assert.NotContains(t, out, "hidden step")
	assert.Contains(t, out, "visible step")
	assert.Contains(t, out, "step=3")
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.InitWithWriter(&buf, "debug", true))
	t.Cleanup(func() { logger.SetLogLevel(logger.InfoLevel) })

	err := errors.New().New(errors.ErrTransport)
	logger.ErrorWithCode(err).Msg("send failed")

	assert.Contains(t, buf.String(), "error_code=instrument_transport_failed")
}

func TestDefaultLoggerWritesThroughPackageLogger(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.InitWithWriter(&buf, "debug", true))
	t.Cleanup(func() { logger.SetLogLevel(logger.InfoLevel) })

	log := logger.Default()
	log.Debug().Msg("debug line")
	log.Info().Msg("info line")
	log.Warn().Msg("warn line")
	log.Error().Msg("error line")
	log.ErrorWithCode(errors.New().New(errors.ErrProcess)).Msg("coded line")

	out := buf.String()
	for _, want := range []string{"debug line", "info line", "warn line", "error line", "error_code=plotter_process_failed"} {
		assert.Contains(t, out, want)
	}
}
