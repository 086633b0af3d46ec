package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/sweepctl/internal/acquisition"
	"codeberg.org/mutker/sweepctl/internal/config"
	"codeberg.org/mutker/sweepctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sweepctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[instrument]
host = "192.168.0.20"
port = 5025
io_timeout = "2s"
max_response = 256

[instrument.commands]
measure_b = ":MEAS:CAP?"

[sweep]
type = "Capacitance"
start = "-1.5"
end = "1.5"
points = "31"
plot = "y"
save = "y"
frequency = "1000"
ac_level = "0.1"
settle = "500ms"

[output]
dir = "/tmp/sweeps"
label_derived = "Capacitance"

[store]
enabled = true
path = "/tmp/sweeps/records.db"
`)

	cfg, err := config.Load(config.WithConfigFile(path), config.WithArgs(nil))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "192.168.0.20", cfg.Instrument.Host)
	assert.Equal(t, 5025, cfg.Instrument.Port)
	assert.Equal(t, 2*time.Second, cfg.Instrument.IOTimeout)
	assert.Equal(t, config.DefaultDialTimeout, cfg.Instrument.DialTimeout)
	assert.Equal(t, 256, cfg.Instrument.MaxResponse)
	assert.Equal(t, ":MEAS:CAP?", cfg.Instrument.Commands.MeasureB)
	assert.Equal(t, "*IDN?", cfg.Instrument.Commands.Identify)
	assert.Equal(t, 500*time.Millisecond, cfg.Sweep.Settle)
	assert.Equal(t, "Capacitance", cfg.Output.LabelDerived)
	assert.Equal(t, "Voltage", cfg.Output.LabelA)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, "/tmp/sweeps/measurement.csv", cfg.CSVPath())

	plan, err := acquisition.ParsePlan(cfg.Sweep.Type, cfg.SweepFields())
	require.NoError(t, err)
	assert.Equal(t, 31, plan.Points)
	assert.Equal(t, 1000.0, plan.Frequency)
	assert.True(t, plan.Plot)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SWEEPCTL_CONFIG", "")
	t.Setenv("XDG_DATA_HOME", "/data/home")

	cfg, err := config.Load(config.WithArgs([]string{}))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.DefaultPort, cfg.Instrument.Port)
	assert.Equal(t, config.DefaultMaxResponse, cfg.Instrument.MaxResponse)
	assert.Equal(t, config.DefaultSettle, cfg.Sweep.Settle)
	assert.Equal(t, acquisition.TypeResistance, cfg.Sweep.Type)
	assert.Equal(t, ":SOUR:VOLT %f", cfg.Instrument.Commands.SetOutput)
	assert.Equal(t, ":OUTP ON", cfg.Instrument.Commands.EnableOutput)
	assert.Equal(t, "/data/home/sweepctl/plotter.py", cfg.Plotter.Script)
	assert.NotEmpty(t, cfg.Plotter.Executable)
	assert.Equal(t, "/data/home/sweepctl/records.db", cfg.Store.Path)
	assert.False(t, cfg.Store.Enabled)
	assert.False(t, cfg.Transcript.Enabled)
}

func TestLoadFlagsOverrideFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
[instrument]
host = "10.0.0.1"
port = 5025

[sweep]
points = "5"
`)
	t.Setenv("SWEEPCTL_INSTRUMENT_PORT", "6000")
	t.Setenv("SWEEPCTL_SWEEP_START", "0.25")

	cfg, err := config.Load(
		config.WithConfigFile(path),
		config.WithArgs([]string{"--host", "10.0.0.9", "--points", "11", "--settle", "1s", "--store"}),
	)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.9", cfg.Instrument.Host)
	assert.Equal(t, 6000, cfg.Instrument.Port)
	assert.Equal(t, "0.25", cfg.Sweep.Start)
	assert.Equal(t, "11", cfg.Sweep.Points)
	assert.Equal(t, time.Second, cfg.Sweep.Settle)
	assert.True(t, cfg.Store.Enabled)
}

func TestLoadConfigFlag(t *testing.T) {
	path := writeConfig(t, `log_level = "error"`)

	cfg, err := config.Load(config.WithArgs([]string{"--config", path}))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoadEnvConfigPath(t *testing.T) {
	path := writeConfig(t, `log_level = "warning"`)
	t.Setenv("SWEEPCTL_CONFIG", path)

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)
	assert.Equal(t, "warning", cfg.LogLevel)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, "This is not a valid TOML file\n")

	_, err := config.Load(config.WithConfigFile(path), config.WithArgs(nil))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := config.Load(
		config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")),
		config.WithArgs(nil),
	)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadUnknownFlag(t *testing.T) {
	_, err := config.Load(config.WithArgs([]string{"--no-such-flag"}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrBindFlags))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code errors.ErrorCode
	}{
		{"log level", []string{"--log-level", "verbose"}, errors.ErrInvalidLogLevel},
		{"port", []string{"--port", "70000"}, errors.ErrInvalidConfig},
		{"max response", []string{"--max-response", "0"}, errors.ErrInvalidConfig},
		{"settle", []string{"--settle", "-1s"}, errors.ErrInvalidConfig},
		{"store path", []string{"--store", "--store-path", ""}, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SWEEPCTL_CONFIG", "")

			_, err := config.Load(config.WithArgs(tt.args))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestSweepFieldsOmitsUnsetOptionals(t *testing.T) {
	t.Setenv("SWEEPCTL_CONFIG", "")

	cfg, err := config.Load(config.WithArgs([]string{"--start", "0", "--end", "10", "--points", "3"}))
	require.NoError(t, err)

	fields := cfg.SweepFields()
	assert.Equal(t, map[string]string{
		acquisition.FieldStart:  "0",
		acquisition.FieldEnd:    "10",
		acquisition.FieldPoints: "3",
		acquisition.FieldPlot:   "n",
		acquisition.FieldSave:   "n",
	}, fields)

	plan, err := acquisition.ParsePlan(cfg.Sweep.Type, fields)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 5, 10}, plan.SetValues())
}

func TestLogLevelIsValid(t *testing.T) {
	assert.True(t, config.LogLevelDebug.IsValid())
	assert.True(t, config.LogLevelWarning.IsValid())
	assert.True(t, config.LogLevelWarn.IsValid())
	assert.False(t, config.LogLevel("trace").IsValid())
}

func TestLoadAcceptsLoggerLevelNames(t *testing.T) {
	t.Setenv("SWEEPCTL_CONFIG", "")

	cfg, err := config.Load(config.WithArgs([]string{"--log-level", "warn"}))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)

	t.Setenv("SWEEPCTL_LOG_LEVEL", "WARN")
	cfg, err = config.Load(config.WithArgs(nil))
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.LogLevel)
}
