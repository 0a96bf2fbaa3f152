package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Velocity    VelocityConfig    `yaml:"velocity"`
	Baseline    BaselineConfig    `yaml:"baseline"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Sources     SourcesConfig     `yaml:"sources"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig configures the tick loop.
type PipelineConfig struct {
	TickInterval string `yaml:"tick_interval"`
	MaxClockSkew string `yaml:"max_clock_skew"`
}

// ParseTickInterval returns the tick interval as time.Duration.
func (p PipelineConfig) ParseTickInterval() time.Duration {
	d, err := time.ParseDuration(p.TickInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// ParseMaxClockSkew returns how far in the past a sample timestamp may lie
// before it is excluded from windowed statistics.
func (p PipelineConfig) ParseMaxClockSkew() time.Duration {
	d, err := time.ParseDuration(p.MaxClockSkew)
	if err != nil || d <= 0 {
		return 48 * time.Hour
	}
	return d
}

// ClusterConfig configures event clustering.
type ClusterConfig struct {
	JaccardThreshold float64 `yaml:"jaccard_threshold"`
	RetirementWindow string  `yaml:"retirement_window"`
}

// ParseRetirementWindow returns the event inactivity window as time.Duration.
func (c ClusterConfig) ParseRetirementWindow() time.Duration {
	d, err := time.ParseDuration(c.RetirementWindow)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// VelocityConfig configures windowed velocity tracking and sentiment scoring.
type VelocityConfig struct {
	Windows             []string           `yaml:"windows"`
	SigmaThreshold      float64            `yaml:"sigma_threshold"`
	HistoryLength       int                `yaml:"history_length"`
	SentimentKeywords   map[string]float64 `yaml:"sentiment_keywords"`
	SentimentShiftDelta float64            `yaml:"sentiment_shift_delta"`
}

// ParseWindows returns the configured window sizes, falling back to the
// default set when the list is empty or unparseable.
func (v VelocityConfig) ParseWindows() []time.Duration {
	var out []time.Duration
	for _, w := range v.Windows {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return []time.Duration{15 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour}
	}
	return out
}

// BaselineConfig configures the slow-moving 7d/30d baselines.
type BaselineConfig struct {
	UpdateInterval string `yaml:"update_interval"`
	MinSamples     int    `yaml:"min_samples"`
	PrimaryWindow  string `yaml:"primary_window"` // "7d" or "30d"
}

// ParseUpdateInterval returns how often baselines are refreshed.
func (b BaselineConfig) ParseUpdateInterval() time.Duration {
	d, err := time.ParseDuration(b.UpdateInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// CorrelationConfig configures cross-stream lag detection.
type CorrelationConfig struct {
	Granularity       string  `yaml:"granularity"`
	LagRange          string  `yaml:"lag_range"`
	Retention         string  `yaml:"retention"`
	StrengthThreshold float64 `yaml:"strength_threshold"`
	MinPoints         int     `yaml:"min_points"`
}

// ParseGranularity returns the series bucket size.
func (c CorrelationConfig) ParseGranularity() time.Duration {
	d, err := time.ParseDuration(c.Granularity)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// ParseLagRange returns the maximum lead/lag offset searched.
func (c CorrelationConfig) ParseLagRange() time.Duration {
	d, err := time.ParseDuration(c.LagRange)
	if err != nil || d <= 0 {
		return 6 * time.Hour
	}
	return d
}

// ParseRetention returns how much series history is kept per instrument.
func (c CorrelationConfig) ParseRetention() time.Duration {
	d, err := time.ParseDuration(c.Retention)
	if err != nil || d <= 0 {
		return 48 * time.Hour
	}
	return d
}

// AlertsConfig configures the alert gate.
type AlertsConfig struct {
	Cooldown string `yaml:"cooldown"`
}

// ParseCooldown returns the per-key suppression window after an alert fires.
func (a AlertsConfig) ParseCooldown() time.Duration {
	d, err := time.ParseDuration(a.Cooldown)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// SourcesConfig maps source names to priority tiers (1 = highest).
type SourcesConfig struct {
	Tiers       map[string]int `yaml:"tiers"`
	DefaultTier int            `yaml:"default_tier"`
}

// TierOf returns the configured tier for a source name, clamped to 1..4.
func (s SourcesConfig) TierOf(name string) int {
	tier, ok := s.Tiers[name]
	if !ok {
		tier = s.DefaultTier
	}
	if tier < 1 {
		tier = 1
	}
	if tier > 4 {
		tier = 4
	}
	return tier
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./pulseradar.db"},
		Pipeline: PipelineConfig{
			TickInterval: "30s",
			MaxClockSkew: "48h",
		},
		Cluster: ClusterConfig{
			JaccardThreshold: 0.6,
			RetirementWindow: "24h",
		},
		Velocity: VelocityConfig{
			Windows:        []string{"15m", "1h", "6h", "24h"},
			SigmaThreshold: 2.0,
			HistoryLength:  30,
			SentimentKeywords: map[string]float64{
				"escalate":    1.0,
				"escalation":  1.0,
				"invade":      0.9,
				"surge":       0.8,
				"attack":      0.7,
				"strike":      0.6,
				"mobilize":    0.6,
				"sanctions":   0.5,
				"agreement":   -0.4,
				"withdraw":    -0.5,
				"peace":       -0.7,
				"truce":       -0.9,
				"ceasefire":   -1.0,
				"de-escalate": -1.0,
				"deescalate":  -1.0,
			},
			SentimentShiftDelta: 1.0,
		},
		Baseline: BaselineConfig{
			UpdateInterval: "1h",
			MinSamples:     12,
			PrimaryWindow:  "7d",
		},
		Correlation: CorrelationConfig{
			Granularity:       "15m",
			LagRange:          "6h",
			Retention:         "48h",
			StrengthThreshold: 0.7,
			MinPoints:         8,
		},
		Alerts: AlertsConfig{Cooldown: "1h"},
		Sources: SourcesConfig{
			Tiers: map[string]int{
				"reuters":   1,
				"ap":        1,
				"afp":       1,
				"bbc":       2,
				"cnn":       2,
				"aljazeera": 2,
				"bloomberg": 2,
				"axios":     3,
				"politico":  3,
				"semafor":   3,
			},
			DefaultTier: 4,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSERADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PULSERADAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
