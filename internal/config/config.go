package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the receiver daemon.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	QUICAddr        string        `yaml:"quic_addr"`
	RecordingsDir   string        `yaml:"recordings_dir"`
	Extension       string        `yaml:"extension"`
	StatsFile       string        `yaml:"stats_file"`
	CatalogPath     string        `yaml:"catalog_path"`
	LogLevel        string        `yaml:"log_level"`
	LogDir          string        `yaml:"log_dir"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
	SaveInterval    time.Duration `yaml:"save_interval"`
	FeedInterval    time.Duration `yaml:"feed_interval"`
	StoppedTTL      time.Duration `yaml:"stopped_ttl"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Not read from the file.
	ConfigFile string `yaml:"-"`
	StatsReset bool   `yaml:"-"`
}

// CaptureConfig holds configuration for the capture command.
type CaptureConfig struct {
	ServerURL     string
	QUICAddr      string
	SessionID     string
	Name          string
	Input         string
	Command       string
	Timeslice     time.Duration
	MinChunkBytes int
	MaxInFlight   int
	Duration      time.Duration
	LogLevel      string
}

// WatchConfig holds configuration for the watch command.
type WatchConfig struct {
	ServerURL string
	LogLevel  string
	Once      bool
}

// DefaultServerConfig returns the receiver defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		RecordingsDir:   "./recordings",
		Extension:       ".webm",
		LogLevel:        "info",
		AllowedOrigin:   "*",
		SaveInterval:    5 * time.Second,
		FeedInterval:    time.Second,
		MaxMessageBytes: 32 * 1024 * 1024,
		ShutdownTimeout: 10 * time.Second,
	}
}

// StatsPath returns the stats snapshot location, defaulting to
// <recordings>/stats.json.
func (c ServerConfig) StatsPath() string {
	if c.StatsFile != "" {
		return c.StatsFile
	}
	return filepath.Join(c.RecordingsDir, "stats.json")
}

// CatalogFile returns the sqlite catalog location. "off" disables the
// catalog and yields "".
func (c ServerConfig) CatalogFile() string {
	switch c.CatalogPath {
	case "off", "none":
		return ""
	case "":
		return filepath.Join(c.RecordingsDir, "catalog.db")
	default:
		return c.CatalogPath
	}
}

// Validate checks values that have no usable fallback.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.RecordingsDir == "" {
		errs = append(errs, errors.New("recordings directory is required"))
	}
	if c.SaveInterval <= 0 {
		errs = append(errs, errors.New("save interval must be positive"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max message bytes must be positive"))
	}
	if c.StoppedTTL < 0 {
		errs = append(errs, errors.New("stopped ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseServerConfig layers defaults, the optional YAML file, environment
// variables and finally flags. Flags take precedence.
func ParseServerConfig(args []string) (ServerConfig, error) {
	return parseServerConfigWithFlagSet(pflag.NewFlagSet("streamrecd", pflag.ContinueOnError), args)
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	var flags ServerConfig
	def := DefaultServerConfig()

	fs.StringVar(&flags.ConfigFile, "config", "", "YAML config file")
	fs.StringVar(&flags.Addr, "addr", def.Addr, "HTTP listen address")
	fs.StringVar(&flags.QUICAddr, "quic-addr", "", "QUIC listen address (empty disables QUIC ingestion)")
	fs.StringVar(&flags.RecordingsDir, "dir", def.RecordingsDir, "recordings directory")
	fs.StringVar(&flags.Extension, "ext", def.Extension, "recording file extension")
	fs.StringVar(&flags.StatsFile, "stats-file", "", "stats snapshot path (default <dir>/stats.json)")
	fs.StringVar(&flags.CatalogPath, "catalog", "", "recordings catalog database (default <dir>/catalog.db, \"off\" disables)")
	fs.StringVar(&flags.LogLevel, "log-level", def.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&flags.LogDir, "log-dir", "", "also write daily log files to this directory")
	fs.StringVar(&flags.AllowedOrigin, "allowed-origin", def.AllowedOrigin, "CORS allowed origin")
	fs.DurationVar(&flags.SaveInterval, "save-interval", def.SaveInterval, "stats save interval")
	fs.DurationVar(&flags.FeedInterval, "feed-interval", def.FeedInterval, "live stats feed interval")
	fs.DurationVar(&flags.StoppedTTL, "stopped-ttl", 0, "how long a stopped session id rejects data (0 = until restart)")
	fs.Int64Var(&flags.MaxMessageBytes, "max-message-bytes", def.MaxMessageBytes, "maximum chunk message size")
	fs.DurationVar(&flags.ShutdownTimeout, "shutdown-timeout", def.ShutdownTimeout, "graceful shutdown timeout")
	fs.BoolVar(&flags.StatsReset, "stats-reset", false, "start from zero totals if the stats snapshot is corrupt")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	cfg := def

	// File first, located by flag or environment.
	configFile := os.Getenv("STREAMREC_CONFIG")
	if fs.Changed("config") {
		configFile = flags.ConfigFile
	}
	if configFile != "" {
		if err := loadYAML(configFile, &cfg); err != nil {
			return ServerConfig{}, err
		}
		cfg.ConfigFile = configFile
	}

	if err := applyServerEnv(&cfg); err != nil {
		return ServerConfig{}, err
	}

	// Flags override environment
	if fs.Changed("addr") {
		cfg.Addr = flags.Addr
	}
	if fs.Changed("quic-addr") {
		cfg.QUICAddr = flags.QUICAddr
	}
	if fs.Changed("dir") {
		cfg.RecordingsDir = flags.RecordingsDir
	}
	if fs.Changed("ext") {
		cfg.Extension = flags.Extension
	}
	if fs.Changed("stats-file") {
		cfg.StatsFile = flags.StatsFile
	}
	if fs.Changed("catalog") {
		cfg.CatalogPath = flags.CatalogPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if fs.Changed("log-dir") {
		cfg.LogDir = flags.LogDir
	}
	if fs.Changed("allowed-origin") {
		cfg.AllowedOrigin = flags.AllowedOrigin
	}
	if fs.Changed("save-interval") {
		cfg.SaveInterval = flags.SaveInterval
	}
	if fs.Changed("feed-interval") {
		cfg.FeedInterval = flags.FeedInterval
	}
	if fs.Changed("stopped-ttl") {
		cfg.StoppedTTL = flags.StoppedTTL
	}
	if fs.Changed("max-message-bytes") {
		cfg.MaxMessageBytes = flags.MaxMessageBytes
	}
	if fs.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout = flags.ShutdownTimeout
	}
	cfg.StatsReset = flags.StatsReset

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyServerEnv(cfg *ServerConfig) error {
	// SERVER_PORT is the legacy way to pick the port.
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("SERVER_PORT: invalid port %q", port)
		}
		cfg.Addr = ":" + port
	}
	if addr := os.Getenv("STREAMREC_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if addr := os.Getenv("STREAMREC_QUIC_ADDR"); addr != "" {
		cfg.QUICAddr = addr
	}
	if dir := os.Getenv("STREAMREC_DIR"); dir != "" {
		cfg.RecordingsDir = dir
	}
	if path := os.Getenv("STREAMREC_STATS_FILE"); path != "" {
		cfg.StatsFile = path
	}
	if path := os.Getenv("STREAMREC_CATALOG"); path != "" {
		cfg.CatalogPath = path
	}
	if level := os.Getenv("STREAMREC_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if dir := os.Getenv("STREAMREC_LOG_DIR"); dir != "" {
		cfg.LogDir = dir
	}
	if origin := os.Getenv("ALLOWED_ORIGIN"); origin != "" {
		cfg.AllowedOrigin = origin
	}
	if v := os.Getenv("STREAMREC_SAVE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STREAMREC_SAVE_INTERVAL: %w", err)
		}
		cfg.SaveInterval = d
	}
	if v := os.Getenv("STREAMREC_STOPPED_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STREAMREC_STOPPED_TTL: %w", err)
		}
		cfg.StoppedTTL = d
	}
	return nil
}

// ParseCaptureConfig parses the capture command's flags and environment.
func ParseCaptureConfig(args []string) (CaptureConfig, error) {
	return parseCaptureConfigWithFlagSet(pflag.NewFlagSet("capture", pflag.ContinueOnError), args)
}

// parseCaptureConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseCaptureConfigWithFlagSet(fs *pflag.FlagSet, args []string) (CaptureConfig, error) {
	cfg := CaptureConfig{
		ServerURL:     "http://localhost:8080",
		Name:          "recording",
		Input:         "-",
		Timeslice:     time.Second,
		MinChunkBytes: 100,
		MaxInFlight:   1,
		LogLevel:      "info",
	}

	// Read from environment first
	if serverURL := os.Getenv("STREAMREC_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if addr := os.Getenv("STREAMREC_QUIC_ADDR"); addr != "" {
		cfg.QUICAddr = addr
	}
	if level := os.Getenv("STREAMREC_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "receiver URL")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "send over QUIC to this address instead of HTTP")
	fs.StringVar(&cfg.SessionID, "session", "", "session id (default: random)")
	fs.StringVarP(&cfg.Name, "name", "n", cfg.Name, "recording name")
	fs.StringVarP(&cfg.Input, "input", "i", cfg.Input, "encoded stream to record (\"-\" for stdin)")
	fs.StringVar(&cfg.Command, "exec", "", "encoder command whose stdout is recorded (overrides --input)")
	fs.DurationVar(&cfg.Timeslice, "timeslice", cfg.Timeslice, "chunk interval")
	fs.IntVar(&cfg.MinChunkBytes, "min-chunk", cfg.MinChunkBytes, "discard chunks smaller than this many bytes")
	fs.IntVar(&cfg.MaxInFlight, "max-in-flight", cfg.MaxInFlight, "concurrent chunk deliveries (values above 1 lose ordering)")
	fs.DurationVarP(&cfg.Duration, "duration", "d", 0, "stop automatically after this long (0 = until interrupted)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return CaptureConfig{}, err
	}

	if cfg.Timeslice <= 0 {
		return CaptureConfig{}, errors.New("timeslice must be positive")
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.MinChunkBytes < 0 {
		cfg.MinChunkBytes = 0
	}
	if cfg.Duration < 0 {
		return CaptureConfig{}, errors.New("duration must not be negative")
	}
	return cfg, nil
}

// ParseWatchConfig parses the watch command's flags and environment.
func ParseWatchConfig(args []string) (WatchConfig, error) {
	return parseWatchConfigWithFlagSet(pflag.NewFlagSet("watch", pflag.ContinueOnError), args)
}

// parseWatchConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseWatchConfigWithFlagSet(fs *pflag.FlagSet, args []string) (WatchConfig, error) {
	cfg := WatchConfig{
		ServerURL: "http://localhost:8080",
		LogLevel:  "info",
	}
	if serverURL := os.Getenv("STREAMREC_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if level := os.Getenv("STREAMREC_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "receiver URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Once, "once", false, "print one snapshot and exit")

	if err := fs.Parse(args); err != nil {
		return WatchConfig{}, err
	}
	return cfg, nil
}
