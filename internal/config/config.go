package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config holds all user-configurable settings.
type Config struct {
	Sources    []string        `mapstructure:"sources"`    // Directories to scan for images
	SortDir    string          `mapstructure:"sort_dir"`   // Root for category and delete destinations
	Categories []string        `mapstructure:"categories"` // Move targets, slot 1..9
	Workers    int             `mapstructure:"workers"`    // 0 = min(4, GOMAXPROCS)
	Cache      CacheConfig     `mapstructure:"cache"`
	Prefetch   PrefetchConfig  `mapstructure:"prefetch"`
	Display    DisplayConfig   `mapstructure:"display"`
	Slideshow  SlideshowConfig `mapstructure:"slideshow"`
	Undo       UndoConfig      `mapstructure:"undo"`
	Store      StoreConfig     `mapstructure:"store"`
	Watch      WatchConfig     `mapstructure:"watch"`
	Logging    LoggingConfig   `mapstructure:"logging"`
}

type CacheConfig struct {
	MaxEntries int    `mapstructure:"max_entries"`
	MaxSize    string `mapstructure:"max_size"` // e.g. "512MB"
}

// Bytes parses the human-readable MaxSize.
func (c CacheConfig) Bytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("cache.max_size %q: %w", c.MaxSize, err)
	}
	return int64(n), nil
}

type PrefetchConfig struct {
	Radius int `mapstructure:"radius"` // Neighbors loaded ahead on each side
}

type DisplayConfig struct {
	MaxEdge int `mapstructure:"max_edge"` // Downscale bound in pixels, 0 keeps full size
}

type SlideshowConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type UndoConfig struct {
	Depth int `mapstructure:"depth"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Sources:    nil,
		SortDir:    "",
		Categories: nil,
		Workers:    0,
		Cache: CacheConfig{
			MaxEntries: 64,
			MaxSize:    "512MB",
		},
		Prefetch:  PrefetchConfig{Radius: 2},
		Display:   DisplayConfig{MaxEdge: 0},
		Slideshow: SlideshowConfig{Interval: 3 * time.Second},
		Undo:      UndoConfig{Depth: 100},
		Store: StoreConfig{
			Enabled: true,
			Path:    defaultStorePath(),
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 250 * time.Millisecond,
		},
		Logging: LoggingConfig{
			File:  "",
			Level: "info",
		},
	}
}

func defaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", "winnow", "meta.db")
	}
	return filepath.Join(dir, "winnow", "meta.db")
}

// defaultConfigDir returns the directory searched when no --config flag
// is given: ~/.config/winnow.
func defaultConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "winnow")
}

// Load reads configuration from file and environment. An empty path
// searches the default locations and tolerates a missing file; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath(".")
	}

	// Registering every key as a default lets WINNOW_* env vars
	// override settings absent from the file.
	bindDefaults(v, Default())
	v.SetEnvPrefix("WINNOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("sources", c.Sources)
	v.SetDefault("sort_dir", c.SortDir)
	v.SetDefault("categories", c.Categories)
	v.SetDefault("workers", c.Workers)
	v.SetDefault("cache.max_entries", c.Cache.MaxEntries)
	v.SetDefault("cache.max_size", c.Cache.MaxSize)
	v.SetDefault("prefetch.radius", c.Prefetch.Radius)
	v.SetDefault("display.max_edge", c.Display.MaxEdge)
	v.SetDefault("slideshow.interval", c.Slideshow.Interval)
	v.SetDefault("undo.depth", c.Undo.Depth)
	v.SetDefault("store.enabled", c.Store.Enabled)
	v.SetDefault("store.path", c.Store.Path)
	v.SetDefault("watch.enabled", c.Watch.Enabled)
	v.SetDefault("watch.debounce", c.Watch.Debounce)
	v.SetDefault("logging.file", c.Logging.File)
	v.SetDefault("logging.level", c.Logging.Level)
}

// Finalize resolves paths and validates the merged configuration.
// Positional sources from the command line take precedence over the
// file. An empty sort_dir lands beside the first source.
func (c *Config) Finalize(cliSources []string) error {
	if len(cliSources) > 0 {
		c.Sources = cliSources
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("no source directories given")
	}
	for i, src := range c.Sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("source %q: %w", src, err)
		}
		c.Sources[i] = filepath.Clean(abs)
	}

	if c.SortDir == "" {
		c.SortDir = filepath.Join(c.Sources[0], "sorted")
	}
	abs, err := filepath.Abs(c.SortDir)
	if err != nil {
		return fmt.Errorf("sort_dir %q: %w", c.SortDir, err)
	}
	c.SortDir = filepath.Clean(abs)

	if len(c.Categories) > 9 {
		return fmt.Errorf("at most 9 categories supported, got %d", len(c.Categories))
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, name := range c.Categories {
		if name == "" {
			return fmt.Errorf("empty category name")
		}
		if strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("category %q: name must not contain path separators", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate category %q", name)
		}
		seen[name] = true
	}

	if _, err := c.Cache.Bytes(); err != nil {
		return err
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if c.Prefetch.Radius < 0 {
		return fmt.Errorf("prefetch.radius must not be negative")
	}
	if c.Slideshow.Interval <= 0 {
		return fmt.Errorf("slideshow.interval must be positive")
	}
	if c.Undo.Depth < 1 {
		return fmt.Errorf("undo.depth must be at least 1")
	}
	if c.Watch.Debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive")
	}
	return nil
}

// DeleteDir is where deleted images land, under the sort root.
func (c *Config) DeleteDir() string {
	return filepath.Join(c.SortDir, "deleted")
}

// CategoryDir returns the destination directory for a category name.
func (c *Config) CategoryDir(name string) string {
	return filepath.Join(c.SortDir, name)
}

// CategoryBySlot resolves a 1-based keyboard slot to its category.
func (c *Config) CategoryBySlot(slot int) (string, bool) {
	if slot < 1 || slot > len(c.Categories) {
		return "", false
	}
	return c.Categories[slot-1], true
}

// SkipDirs lists directories the scanner and watcher must ignore so
// sorted images do not reappear in the index.
func (c *Config) SkipDirs() []string {
	return []string{c.SortDir}
}
