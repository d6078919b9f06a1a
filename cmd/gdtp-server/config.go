package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/outofforest/gdtp"
	"github.com/outofforest/gdtp/internal/service"
)

const defaultListen = ":1027"

type config struct {
	Listen        string
	MetricsListen string
	IdleTimeout   time.Duration
	MaxFrameSize  int
	Log           service.LogConfig
}

func defaultConfig() config {
	return config{
		Listen:       defaultListen,
		IdleTimeout:  gdtp.DefaultIdleTimeout,
		MaxFrameSize: gdtp.DefaultMaxFrameSize,
		Log:          service.DefaultLogConfig(),
	}
}

type fileConfig struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
	IdleTimeout   string `toml:"idle_timeout"`
	MaxFrameSize  int    `toml:"max_frame_size"`
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
	LogDebug      bool   `toml:"log_debug"`
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, errors.Wrapf(err, "loading config %q", path)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return config{}, errors.Wrap(err, "parsing idle_timeout")
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("log_file") {
		cfg.Log.File = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("log_max_size_mb") {
		cfg.Log.MaxSizeMB = raw.LogMaxSizeMB
	}
	if meta.IsDefined("log_max_backups") {
		cfg.Log.MaxBackups = raw.LogMaxBackups
	}
	if meta.IsDefined("log_max_age_days") {
		cfg.Log.MaxAgeDays = raw.LogMaxAgeDays
	}
	if meta.IsDefined("log_debug") {
		cfg.Log.Debug = raw.LogDebug
	}

	return cfg, nil
}

// configure reads the config file if given and applies flags set explicitly on top of it.
func configure(args []string) (config, error) {
	flags := pflag.NewFlagSet("gdtp-server", pflag.ContinueOnError)
	path := flags.String("config", "", "Path to TOML config file")
	listen := flags.String("listen", defaultListen, "Address to accept client connections on")
	metricsListen := flags.String("metrics-listen", "", "Address to expose metrics on, disabled if empty")
	idleTimeout := flags.Duration("idle-timeout", gdtp.DefaultIdleTimeout, "Time after which idle connection is closed")
	logFile := flags.String("log-file", "", "Path of rotated log file")
	debug := flags.Bool("debug", false, "Write debug entries to the log file")

	if err := flags.Parse(args); err != nil {
		return config{}, errors.WithStack(err)
	}

	cfg := defaultConfig()
	if *path != "" {
		var err error
		cfg, err = loadConfig(*path)
		if err != nil {
			return config{}, err
		}
	}

	if flags.Changed("listen") {
		cfg.Listen = *listen
	}
	if flags.Changed("metrics-listen") {
		cfg.MetricsListen = *metricsListen
	}
	if flags.Changed("idle-timeout") {
		cfg.IdleTimeout = *idleTimeout
	}
	if flags.Changed("log-file") {
		cfg.Log.File = *logFile
	}
	if flags.Changed("debug") {
		cfg.Log.Debug = *debug
	}

	if cfg.Listen == "" {
		return config{}, errors.New("listen address is empty")
	}
	return cfg, nil
}
