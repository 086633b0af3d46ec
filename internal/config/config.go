package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/sweepctl/internal/acquisition"
	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix   = "SWEEPCTL"
	DefaultLogLevel    = "info"
	DefaultPort        = 5025
	DefaultMaxResponse = 1024
	DefaultDialTimeout = 5 * time.Second
	DefaultIOTimeout   = 5 * time.Second
	DefaultSettle      = 200 * time.Millisecond
	DefaultCSVFile     = "measurement.csv"
	DefaultPlotterStop = 10 * time.Second

	configName = "sweepctl"
)

type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Plotter    PlotterConfig    `mapstructure:"plotter"`
	Output     OutputConfig     `mapstructure:"output"`
	Store      StoreConfig      `mapstructure:"store"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
}

type InstrumentConfig struct {
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	DialTimeout time.Duration  `mapstructure:"dial_timeout"`
	IOTimeout   time.Duration  `mapstructure:"io_timeout"`
	MaxResponse int            `mapstructure:"max_response"`
	Commands    CommandsConfig `mapstructure:"commands"`
}

// CommandsConfig holds the command text for each protocol step. SetOutput is
// a format string receiving the set value.
type CommandsConfig struct {
	Identify     string `mapstructure:"identify"`
	MeasureA     string `mapstructure:"measure_a"`
	MeasureB     string `mapstructure:"measure_b"`
	SetOutput    string `mapstructure:"set_output"`
	EnableOutput string `mapstructure:"enable_output"`
}

// SweepConfig carries the raw parameter entries exactly as a front end
// would hand them over; acquisition.ParsePlan validates them.
type SweepConfig struct {
	Type      string        `mapstructure:"type"`
	Start     string        `mapstructure:"start"`
	End       string        `mapstructure:"end"`
	Points    string        `mapstructure:"points"`
	Plot      string        `mapstructure:"plot"`
	Save      string        `mapstructure:"save"`
	Averages  string        `mapstructure:"averages"`
	Frequency string        `mapstructure:"frequency"`
	ACLevel   string        `mapstructure:"ac_level"`
	Settle    time.Duration `mapstructure:"settle"`
}

type PlotterConfig struct {
	Executable  string        `mapstructure:"executable"`
	Script      string        `mapstructure:"script"`
	Args        []string      `mapstructure:"args"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

type OutputConfig struct {
	Dir          string `mapstructure:"dir"`
	CSVFile      string `mapstructure:"csv_file"`
	LabelA       string `mapstructure:"label_a"`
	LabelB       string `mapstructure:"label_b"`
	LabelDerived string `mapstructure:"label_derived"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TranscriptConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load resolves configuration from defaults, the config file, the
// environment and the command line, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := o.configPath
	if flagPath, _ := fs.GetString("config"); flagPath != "" {
		path = flagPath
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	} else {
		v.SetConfigName(configName)
		for _, dir := range searchPaths() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values that the rest of the program relies on.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if strings.TrimSpace(c.Instrument.Host) == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "instrument.host is empty")
	}
	if c.Instrument.Port < 1 || c.Instrument.Port > 65535 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value int
		}{"instrument.port", c.Instrument.Port})
	}
	if c.Instrument.DialTimeout <= 0 || c.Instrument.IOTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "instrument timeouts must be positive")
	}
	if c.Instrument.MaxResponse <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value int
		}{"instrument.max_response", c.Instrument.MaxResponse})
	}
	if c.Sweep.Settle < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "sweep.settle must not be negative")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "store.path is empty")
	}
	if c.Transcript.Enabled && c.Transcript.Path == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "transcript.path is empty")
	}

	return nil
}

// SweepFields returns the sweep parameters keyed by the field names the
// parameter-entry front end uses.
func (c *Config) SweepFields() map[string]string {
	fields := map[string]string{
		acquisition.FieldStart:  c.Sweep.Start,
		acquisition.FieldEnd:    c.Sweep.End,
		acquisition.FieldPoints: c.Sweep.Points,
		acquisition.FieldPlot:   c.Sweep.Plot,
		acquisition.FieldSave:   c.Sweep.Save,
	}
	if c.Sweep.Averages != "" {
		fields[acquisition.FieldAverages] = c.Sweep.Averages
	}
	if c.Sweep.Frequency != "" {
		fields[acquisition.FieldFrequency] = c.Sweep.Frequency
	}
	if c.Sweep.ACLevel != "" {
		fields[acquisition.FieldACLevel] = c.Sweep.ACLevel
	}

	return fields
}

// CSVPath is the destination of the CSV record sink.
func (c *Config) CSVPath() string {
	return filepath.Join(c.Output.Dir, c.Output.CSVFile)
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	data := filepath.Join(dataHome(home), configName)

	v.SetDefault("log_level", DefaultLogLevel)

	v.SetDefault("instrument.host", "127.0.0.1")
	v.SetDefault("instrument.port", DefaultPort)
	v.SetDefault("instrument.dial_timeout", DefaultDialTimeout)
	v.SetDefault("instrument.io_timeout", DefaultIOTimeout)
	v.SetDefault("instrument.max_response", DefaultMaxResponse)
	v.SetDefault("instrument.commands.identify", "*IDN?")
	v.SetDefault("instrument.commands.measure_a", ":MEAS:VOLT?")
	v.SetDefault("instrument.commands.measure_b", ":MEAS:CURR?")
	v.SetDefault("instrument.commands.set_output", ":SOUR:VOLT %f")
	v.SetDefault("instrument.commands.enable_output", ":OUTP ON")

	v.SetDefault("sweep.type", acquisition.TypeResistance)
	v.SetDefault("sweep.start", "")
	v.SetDefault("sweep.end", "")
	v.SetDefault("sweep.points", "")
	v.SetDefault("sweep.plot", "n")
	v.SetDefault("sweep.save", "n")
	v.SetDefault("sweep.averages", "")
	v.SetDefault("sweep.frequency", "")
	v.SetDefault("sweep.ac_level", "")
	v.SetDefault("sweep.settle", DefaultSettle)

	v.SetDefault("plotter.executable", defaultPlotterExecutable())
	v.SetDefault("plotter.script", filepath.Join(data, "plotter.py"))
	v.SetDefault("plotter.args", []string{})
	v.SetDefault("plotter.stop_timeout", DefaultPlotterStop)

	v.SetDefault("output.dir", filepath.Join(home, "Desktop", "data"))
	v.SetDefault("output.csv_file", DefaultCSVFile)
	v.SetDefault("output.label_a", "Voltage")
	v.SetDefault("output.label_b", "Current")
	v.SetDefault("output.label_derived", "Resistance")

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", filepath.Join(data, "records.db"))

	v.SetDefault("transcript.enabled", false)
	v.SetDefault("transcript.path", filepath.Join(data, "transcript.bin"))
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)

	fs.String("config", "", "Path to config file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")

	fs.String("host", "", "Instrument address")
	fs.Int("port", DefaultPort, "Instrument command port")
	fs.Int("max-response", DefaultMaxResponse, "Maximum bytes read per response")

	fs.String("type", acquisition.TypeResistance, "Measurement type (Resistance, Capacitance)")
	fs.String("start", "", "Sweep start value")
	fs.String("end", "", "Sweep end value")
	fs.String("points", "", "Number of sweep points (>= 2)")
	fs.String("plot", "n", "Live plot (y/n)")
	fs.String("save", "n", "Save data table (y/n)")
	fs.String("averages", "", "Readings averaged per point")
	fs.String("frequency", "", "Test frequency (Capacitance)")
	fs.String("ac-level", "", "AC level (Capacitance)")
	fs.Duration("settle", DefaultSettle, "Settle time after setting the output")

	fs.String("plotter", "", "Plotter executable")
	fs.String("plotter-script", "", "Plotter script path")
	fs.String("output-dir", "", "Directory for the CSV data table")
	fs.Bool("store", false, "Also store records in the SQLite database")
	fs.String("store-path", "", "SQLite database path")
	fs.Bool("transcript", false, "Save a binary command/response transcript")

	return fs
}

var flagKeys = map[string]string{
	"log-level":      "log_level",
	"host":           "instrument.host",
	"port":           "instrument.port",
	"max-response":   "instrument.max_response",
	"type":           "sweep.type",
	"start":          "sweep.start",
	"end":            "sweep.end",
	"points":         "sweep.points",
	"plot":           "sweep.plot",
	"save":           "sweep.save",
	"averages":       "sweep.averages",
	"frequency":      "sweep.frequency",
	"ac-level":       "sweep.ac_level",
	"settle":         "sweep.settle",
	"plotter":        "plotter.executable",
	"plotter-script": "plotter.script",
	"output-dir":     "output.dir",
	"store":          "store.enabled",
	"store-path":     "store.path",
	"transcript":     "transcript.enabled",
}

// bindFlags binds only the flags given on the command line, so unset flag
// defaults never shadow config file or environment values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})

	return err
}

func searchPaths() []string {
	paths := []string{filepath.Join("/etc", configName)}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, configName))
	}

	return append(paths, ".")
}

func dataHome(home string) string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}

	return filepath.Join(home, ".local", "share")
}

func defaultPlotterExecutable() string {
	if path, err := exec.LookPath("python3"); err == nil {
		return path
	}

	return "python3"
}
