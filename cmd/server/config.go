package main

import (
	"flag"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration. It is read from the optional -config.file YAML file,
// then overridden by command line flags.
type Config struct {
	LogLevel        string            `yaml:"log_level"`
	LogFormat       string            `yaml:"log_format"`
	MetricsAddress  string            `yaml:"metrics_address"`
	GenerateSummary bool              `yaml:"generate_summary"`
	DefaultTopN     int               `yaml:"default_top_n"`
	SamplingPeriod  time.Duration     `yaml:"sampling_period"`
	Filter          MajorityFilterCfg `yaml:"majority_start_filter"`
}

// MajorityFilterCfg controls the majority-start filter run on every loaded capture
type MajorityFilterCfg struct {
	Enabled             bool    `yaml:"enabled"`
	MinMajorityFraction float64 `yaml:"min_majority_fraction"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.LogLevel, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
	f.StringVar(&cfg.MetricsAddress, "metrics.address", "", "Address to serve Prometheus metrics on, e.g. :9090. Disabled when empty.")
	f.BoolVar(&cfg.GenerateSummary, "summary", true, "Aggregate all threads into a summary bucket.")
	f.IntVar(&cfg.DefaultTopN, "default-top-n", 10, "Number of entries returned by report tools when the request does not say.")
	f.DurationVar(&cfg.SamplingPeriod, "sampling-period", time.Millisecond, "Sampling period recorded in exported pprof profiles.")
	cfg.Filter.RegisterFlags(f)
}

func (cfg *MajorityFilterCfg) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, "majority-start-filter.enabled", true, "Drop callstacks whose outermost frame differs from the thread's most common one.")
	f.Float64Var(&cfg.MinMajorityFraction, "majority-start-filter.min-fraction", 0, "Only filter threads whose most common outermost frame reaches this fraction of their callstacks.")
}

func (cfg *Config) Validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("invalid log level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "logfmt", "json":
	default:
		return errors.Errorf("invalid log format %q", cfg.LogFormat)
	}
	if cfg.DefaultTopN <= 0 {
		return errors.New("default-top-n must be positive")
	}
	if cfg.SamplingPeriod <= 0 {
		return errors.New("sampling-period must be positive")
	}
	return cfg.Filter.Validate()
}

func (cfg *MajorityFilterCfg) Validate() error {
	if cfg.MinMajorityFraction < 0 || cfg.MinMajorityFraction > 1 {
		return errors.Errorf("majority-start-filter.min-fraction must be within [0, 1], got %v", cfg.MinMajorityFraction)
	}
	return nil
}

// loadConfig registers the flags on fs, applies the YAML file named by -config.file and then
// the flags given explicitly in args.
func loadConfig(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	cfg.RegisterFlags(fs)
	configFile := fs.String("config.file", "", "YAML configuration file to load before applying flags.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		buf, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", *configFile)
		}
		// Flags given on the command line win over the file.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func newLogger(cfg *Config) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if cfg.LogFormat == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	}
	logger = level.NewFilter(logger, levelFilter(cfg.LogLevel))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func levelFilter(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowAll()
	}
}
