package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xinfuwcx/deepcad-rtengine/internal/monitor"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "rtengine.db"
	defaultServiceName = "rtengine"
	defaultSimStepCost = 20 * time.Millisecond

	envConfigFile       = "RTENGINE_CONFIG"
	envListenAddr       = "RTENGINE_LISTEN_ADDR"
	envDBPath           = "RTENGINE_DB_PATH"
	envLogLevel         = "RTENGINE_LOG_LEVEL"
	envPoolSize         = "RTENGINE_POOL_SIZE"
	envTickInterval     = "RTENGINE_TICK_INTERVAL"
	envSampleInterval   = "RTENGINE_SAMPLE_INTERVAL"
	envOptimizeInterval = "RTENGINE_OPTIMIZE_INTERVAL"
	envBaseTimeSlice    = "RTENGINE_BASE_TIME_SLICE"
	envHighLoad         = "RTENGINE_HIGH_LOAD"
	envLowLoad          = "RTENGINE_LOW_LOAD"
	envCriticalMemory   = "RTENGINE_CRITICAL_MEMORY"
	envHistorySize      = "RTENGINE_HISTORY_SIZE"
	envCoalesceThresh   = "RTENGINE_COALESCE_THRESHOLD"
	envCoalesceWindow   = "RTENGINE_COALESCE_WINDOW"
	envSimStepCost      = "RTENGINE_SIM_STEP_COST"
	envOTelExporter     = "RTENGINE_OTEL_EXPORTER"
	envOTelEndpoint     = "RTENGINE_OTEL_ENDPOINT"
	envOTelInsecure     = "RTENGINE_OTEL_INSECURE"
	envOTelSampleRatio  = "RTENGINE_OTEL_SAMPLE_RATIO"
)

// Config holds application configuration. Zero engine fields take the
// engine's defaults.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	DBPath     string     `yaml:"db_path"`
	LogLevel   slog.Level `yaml:"-"`
	Engine     Engine     `yaml:"engine"`
	Tracing    Tracing    `yaml:"tracing"`
}

// Engine tunes scheduling, execution and adaptation.
type Engine struct {
	PoolSize          int                `yaml:"pool_size"`
	TickInterval      time.Duration      `yaml:"tick_interval"`
	SampleInterval    time.Duration      `yaml:"sample_interval"`
	OptimizeInterval  time.Duration      `yaml:"optimize_interval"`
	BaseTimeSlice     time.Duration      `yaml:"base_time_slice"`
	Thresholds        monitor.Thresholds `yaml:"thresholds"`
	HistorySize       int                `yaml:"history_size"`
	CoalesceThreshold int                `yaml:"coalesce_threshold"`
	CoalesceWindow    time.Duration      `yaml:"coalesce_window"`
	SimStepCost       time.Duration      `yaml:"sim_step_cost"`
}

// Tracing selects the OpenTelemetry exporter.
type Tracing struct {
	Service     string  `yaml:"service"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// fileConfig is the on-disk shape; the log level is kept as text.
type fileConfig struct {
	Config   `yaml:",inline"`
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration from defaults, then the YAML file named by
// RTENGINE_CONFIG if set, then RTENGINE_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Engine: Engine{
			Thresholds:  monitor.DefaultThresholds(),
			SimStepCost: defaultSimStepCost,
		},
		Tracing: Tracing{
			Service:     defaultServiceName,
			Exporter:    "none",
			SampleRatio: 1,
		},
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	*cfg = fc.Config
	cfg.LogLevel = slog.LevelInfo
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envOTelExporter); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv(envOTelEndpoint); v != "" {
		cfg.Tracing.Endpoint = v
	}

	e := &cfg.Engine
	ints := []struct {
		env string
		dst *int
	}{
		{envPoolSize, &e.PoolSize},
		{envHistorySize, &e.HistorySize},
		{envCoalesceThresh, &e.CoalesceThreshold},
	}
	for _, f := range ints {
		if v := os.Getenv(f.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", f.env, err)
			}
			*f.dst = n
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envTickInterval, &e.TickInterval},
		{envSampleInterval, &e.SampleInterval},
		{envOptimizeInterval, &e.OptimizeInterval},
		{envBaseTimeSlice, &e.BaseTimeSlice},
		{envCoalesceWindow, &e.CoalesceWindow},
		{envSimStepCost, &e.SimStepCost},
	}
	for _, f := range durations {
		if v := os.Getenv(f.env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", f.env, err)
			}
			*f.dst = d
		}
	}

	floats := []struct {
		env string
		dst *float64
	}{
		{envHighLoad, &e.Thresholds.High},
		{envLowLoad, &e.Thresholds.Low},
		{envCriticalMemory, &e.Thresholds.CriticalMemory},
		{envOTelSampleRatio, &cfg.Tracing.SampleRatio},
	}
	for _, f := range floats {
		if v := os.Getenv(f.env); v != "" {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", f.env, err)
			}
			*f.dst = x
		}
	}

	if v := os.Getenv(envOTelInsecure); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envOTelInsecure, err)
		}
		cfg.Tracing.Insecure = b
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	e := c.Engine
	if e.PoolSize < 0 || e.HistorySize < 0 || e.CoalesceThreshold < 0 {
		return fmt.Errorf("engine sizes must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"tick_interval":     e.TickInterval,
		"sample_interval":   e.SampleInterval,
		"optimize_interval": e.OptimizeInterval,
		"base_time_slice":   e.BaseTimeSlice,
		"coalesce_window":   e.CoalesceWindow,
		"sim_step_cost":     e.SimStepCost,
	} {
		if d < 0 {
			return fmt.Errorf("engine.%s must not be negative", name)
		}
	}
	t := e.Thresholds
	if t.Low < 0 || t.High > 1 || t.Low >= t.High {
		return fmt.Errorf("thresholds: need 0 <= low < high <= 1, got low=%v high=%v", t.Low, t.High)
	}
	if t.CriticalMemory <= 0 || t.CriticalMemory > 1 {
		return fmt.Errorf("thresholds: critical_memory must be in (0, 1], got %v", t.CriticalMemory)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
