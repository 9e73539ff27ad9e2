package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ticpu/heicfs/pkg/imaging"
)

// Config is the full process configuration.
type Config struct {
	MountPoint  string         `mapstructure:"mount_point"`
	SourcePaths []SourceConfig `mapstructure:"source_paths"`
	Heic        HeicSettings   `mapstructure:"heic_settings"`
	Cache       CacheSettings  `mapstructure:"cache"`
	Fuse        FuseSettings   `mapstructure:"fuse"`
	Workers     int            `mapstructure:"workers"`
	Logging     LogSettings    `mapstructure:"logging"`
}

// SourceConfig describes one source root.
type SourceConfig struct {
	Path      string   `mapstructure:"path"`
	Recursive bool     `mapstructure:"recursive"`
	MountName string   `mapstructure:"mount_name"`
	Patterns  []string `mapstructure:"patterns"`
}

// HeicSettings are the encoder knobs.
type HeicSettings struct {
	Quality          int   `mapstructure:"quality"`
	Speed            int   `mapstructure:"speed"`
	Chroma           int   `mapstructure:"chroma"`
	MaxWidth         int   `mapstructure:"max_width"`
	MaxHeight        int   `mapstructure:"max_height"`
	BypassAboveBytes int64 `mapstructure:"bypass_above_bytes"`
}

// Params converts the settings into encoder params.
func (h HeicSettings) Params() imaging.Params {
	return imaging.Params{
		Quality:          h.Quality,
		Speed:            h.Speed,
		Chroma:           h.Chroma,
		MaxWidth:         h.MaxWidth,
		MaxHeight:        h.MaxHeight,
		BypassAboveBytes: h.BypassAboveBytes,
	}
}

// CacheSettings bound the artifact store.
type CacheSettings struct {
	MaxSizeBytes int64  `mapstructure:"max_size_bytes"`
	RootPath     string `mapstructure:"root_path"`
	MemoryBytes  int64  `mapstructure:"memory_bytes"`
}

// FuseSettings tune the mount behavior.
type FuseSettings struct {
	AttrTimeoutSeconds int  `mapstructure:"attr_timeout_seconds"`
	PrefetchCount      int  `mapstructure:"prefetch_count"`
	AllowOther         bool `mapstructure:"allow_other"`
}

// LogSettings configure logging.
type LogSettings struct {
	Level string `mapstructure:"level"`
}

func setConfigDefaults() {
	viper.SetDefault("heic_settings.quality", 50)
	viper.SetDefault("heic_settings.speed", 4)
	viper.SetDefault("heic_settings.chroma", 420)
	viper.SetDefault("cache.max_size_bytes", int64(1)<<30)
	viper.SetDefault("cache.memory_bytes", int64(64)<<20)
	viper.SetDefault("fuse.attr_timeout_seconds", 60)
	viper.SetDefault("fuse.prefetch_count", 0)
	viper.SetDefault("workers", 0)
	viper.SetDefault("logging.level", "warn")
}

// loadConfig unmarshals and validates the effective configuration.
func loadConfig() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Cache.RootPath == "" {
		cfg.Cache.RootPath = defaultCacheRoot()
	}
	cfg.Cache.RootPath = expandHome(cfg.Cache.RootPath)
	cfg.MountPoint = expandHome(cfg.MountPoint)
	for i := range cfg.SourcePaths {
		cfg.SourcePaths[i].Path = expandHome(cfg.SourcePaths[i].Path)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MountPoint == "" {
		return errors.New("mount_point is required")
	}
	if len(c.SourcePaths) == 0 {
		return errors.New("at least one source path is required")
	}
	seen := make(map[string]bool, len(c.SourcePaths))
	for _, sp := range c.SourcePaths {
		if sp.Path == "" {
			return errors.New("source path must not be empty")
		}
		if sp.MountName == "" || strings.ContainsRune(sp.MountName, '/') {
			return fmt.Errorf("mount_name %q must be a single path component", sp.MountName)
		}
		if seen[sp.MountName] {
			return fmt.Errorf("duplicate mount_name %q", sp.MountName)
		}
		seen[sp.MountName] = true
	}
	if err := c.Heic.Params().Validate(); err != nil {
		return fmt.Errorf("heic_settings: %w", err)
	}
	if c.Cache.MaxSizeBytes <= 0 {
		return errors.New("cache.max_size_bytes must be positive")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	return nil
}

func defaultCacheRoot() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "heicfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "heicfs-cache")
	}
	return filepath.Join(home, ".cache", "heicfs")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
