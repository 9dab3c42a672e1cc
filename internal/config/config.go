// Package config loads node configuration from TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"

	"github.com/roach88/holdfast/internal/cache"
	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/engine"
	"github.com/roach88/holdfast/internal/validation"
)

// Config is the on-disk node configuration.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	Cache      CacheConfig      `toml:"cache"`
	Abandon    AbandonConfig    `toml:"abandon"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Precedence PrecedenceConfig `toml:"precedence"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

type NodeConfig struct {
	Database string `toml:"database"`
	Dna      string `toml:"dna"`
}

// CacheConfig configures the Cache scope. An empty Dir keeps the cache in
// memory.
type CacheConfig struct {
	Dir        string   `toml:"dir"`
	TTL        Duration `toml:"ttl"`
	GCInterval Duration `toml:"gc_interval"`
}

type AbandonConfig struct {
	MaxRetries int      `toml:"max_retries"`
	MaxAge     Duration `toml:"max_age"`
}

type PipelineConfig struct {
	// PassRate is passes per second per stage. Zero means unlimited.
	PassRate       float64 `toml:"pass_rate"`
	PassBurst      int     `toml:"pass_burst"`
	MaxDrainRounds int     `toml:"max_drain_rounds"`
}

type PrecedenceConfig struct {
	Sys   []string `toml:"sys"`
	App   []string `toml:"app"`
	Query []string `toml:"query"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as a Go duration string ("10m").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	def := cache.DefaultConfig("")
	return Config{
		Node: NodeConfig{
			Database: "holdfast.db",
		},
		Cache: CacheConfig{
			TTL:        Duration(def.TTL),
			GCInterval: Duration(def.GCInterval),
		},
		Abandon: AbandonConfig{
			MaxRetries: validation.DefaultAbandonPolicy.MaxRetries,
			MaxAge:     Duration(validation.DefaultAbandonPolicy.MaxAge),
		},
		Pipeline: PipelineConfig{
			PassRate:       float64(engine.DefaultPassRate),
			PassBurst:      engine.DefaultPassBurst,
			MaxDrainRounds: engine.DefaultMaxDrainRounds,
		},
		Precedence: PrecedenceConfig{
			Sys:   cascade.SysPrecedence.Strings(),
			App:   cascade.AppPrecedence.Strings(),
			Query: cascade.QueryPrecedence.Strings(),
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown
// keys are an error so that typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Write saves cfg as TOML.
func Write(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config encode failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config write failed (%s): %w", path, err)
	}
	return nil
}

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Node.Database) == "" {
		errs = append(errs, errors.New("node.database is required"))
	}
	if c.Cache.TTL < 0 || c.Cache.GCInterval < 0 {
		errs = append(errs, errors.New("cache durations must not be negative"))
	}
	if err := c.AbandonPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.PassRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.pass_rate must be >= 0, got %v", c.Pipeline.PassRate))
	}
	if c.Pipeline.PassBurst < 1 {
		errs = append(errs, fmt.Errorf("pipeline.pass_burst must be >= 1, got %d", c.Pipeline.PassBurst))
	}
	if c.Pipeline.MaxDrainRounds < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_drain_rounds must be >= 1, got %d", c.Pipeline.MaxDrainRounds))
	}
	if _, err := c.Precedences(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AbandonPolicy converts the abandon section.
func (c Config) AbandonPolicy() validation.AbandonPolicy {
	return validation.AbandonPolicy{
		MaxRetries: c.Abandon.MaxRetries,
		MaxAge:     time.Duration(c.Abandon.MaxAge),
	}
}

// Precedences parses the precedence section.
func (c Config) Precedences() (engine.Precedences, error) {
	var p engine.Precedences
	var err error
	if p.Sys, err = cascade.ParsePrecedence(c.Precedence.Sys); err != nil {
		return p, fmt.Errorf("precedence.sys: %w", err)
	}
	if p.App, err = cascade.ParsePrecedence(c.Precedence.App); err != nil {
		return p, fmt.Errorf("precedence.app: %w", err)
	}
	if p.Query, err = cascade.ParsePrecedence(c.Precedence.Query); err != nil {
		return p, fmt.Errorf("precedence.query: %w", err)
	}
	return p, nil
}

// PassRate converts the pipeline rate. Zero means unlimited.
func (c Config) PassRate() rate.Limit {
	if c.Pipeline.PassRate == 0 {
		return rate.Inf
	}
	return rate.Limit(c.Pipeline.PassRate)
}

// CacheConfig converts the cache section.
func (c Config) CacheConfig() cache.Config {
	if c.Cache.Dir == "" {
		cfg := cache.InMemoryConfig()
		cfg.TTL = time.Duration(c.Cache.TTL)
		return cfg
	}
	cfg := cache.DefaultConfig(c.Cache.Dir)
	cfg.TTL = time.Duration(c.Cache.TTL)
	cfg.GCInterval = time.Duration(c.Cache.GCInterval)
	return cfg
}

// EngineOptions returns the cell options the configuration determines.
func (c Config) EngineOptions() ([]engine.Option, error) {
	prec, err := c.Precedences()
	if err != nil {
		return nil, err
	}
	return []engine.Option{
		engine.WithAbandonPolicy(c.AbandonPolicy()),
		engine.WithPrecedences(prec),
		engine.WithPassRate(c.PassRate(), c.Pipeline.PassBurst),
		engine.WithMaxDrainRounds(c.Pipeline.MaxDrainRounds),
	}, nil
}
