package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/outofforest/gdtp"
	"github.com/outofforest/gdtp/directory"
	"github.com/outofforest/gdtp/internal/service"
	"github.com/outofforest/gdtp/ledger"
)

const (
	defaultServer   = "localhost:1027"
	defaultPeerPort = 7201
)

type config struct {
	Server         string
	Credential     string
	PeerPort       int
	MetricsListen  string
	RequestTimeout time.Duration
	MaxPacketSize  int
	Ledger         ledger.Config
	Directory      directory.Config
	Log            service.LogConfig
}

func defaultConfig() config {
	return config{
		Server:         defaultServer,
		PeerPort:       defaultPeerPort,
		RequestTimeout: gdtp.DefaultRequestTimeout,
		MaxPacketSize:  gdtp.DefaultMaxPacketSize,
		Ledger:         ledger.DefaultConfig(),
		Directory:      directory.DefaultConfig(),
		Log:            service.DefaultLogConfig(),
	}
}

type fileConfig struct {
	Server         string `toml:"server"`
	Credential     string `toml:"credential"`
	PeerPort       int    `toml:"peer_port"`
	MetricsListen  string `toml:"metrics_listen"`
	RequestTimeout string `toml:"request_timeout"`
	MaxPacketSize  int    `toml:"max_packet_size"`
	MaxAttempts    int    `toml:"max_attempts"`
	RetryStep      string `toml:"retry_step"`
	PeerTTL        string `toml:"peer_ttl"`
	LogFile        string `toml:"log_file"`
	LogDebug       bool   `toml:"log_debug"`
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, errors.Wrapf(err, "loading config %q", path)
	}

	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("credential") {
		cfg.Credential = strings.TrimSpace(raw.Credential)
	}
	if meta.IsDefined("peer_port") {
		cfg.PeerPort = raw.PeerPort
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}
	if meta.IsDefined("request_timeout") {
		if cfg.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("max_packet_size") {
		cfg.MaxPacketSize = raw.MaxPacketSize
	}
	if meta.IsDefined("max_attempts") {
		cfg.Ledger.MaxAttempts = raw.MaxAttempts
	}
	if meta.IsDefined("retry_step") {
		if cfg.Ledger.RetryStep, err = parseDuration("retry_step", raw.RetryStep); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("peer_ttl") {
		if cfg.Directory.TTL, err = parseDuration("peer_ttl", raw.PeerTTL); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("log_file") {
		cfg.Log.File = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("log_debug") {
		cfg.Log.Debug = raw.LogDebug
	}

	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return d, nil
}

// configure reads the config file if given and applies flags set explicitly on top of it.
func configure(args []string) (config, error) {
	flags := pflag.NewFlagSet("gdtp-peer", pflag.ContinueOnError)
	path := flags.String("config", "", "Path to TOML config file")
	server := flags.String("server", defaultServer, "Address of the server")
	credential := flags.StringP("user", "u", "", "User name, or token prefixed with #")
	peerPort := flags.Int("peer-port", defaultPeerPort, "Port used by peers for direct messages")
	metricsListen := flags.String("metrics-listen", "", "Address to expose metrics on, disabled if empty")
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

	if flags.Changed("server") {
		cfg.Server = *server
	}
	if flags.Changed("user") {
		cfg.Credential = *credential
	}
	if flags.Changed("peer-port") {
		cfg.PeerPort = *peerPort
	}
	if flags.Changed("metrics-listen") {
		cfg.MetricsListen = *metricsListen
	}
	if flags.Changed("log-file") {
		cfg.Log.File = *logFile
	}
	if flags.Changed("debug") {
		cfg.Log.Debug = *debug
	}

	if cfg.Credential == "" {
		return config{}, errors.New("user is not specified")
	}
	if cfg.PeerPort <= 0 || cfg.PeerPort > 65535 {
		return config{}, errors.Errorf("invalid peer port %d", cfg.PeerPort)
	}
	return cfg, nil
}
