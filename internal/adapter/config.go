package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/growthops/countsync/internal/counter"
	"github.com/growthops/countsync/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Bulk    BulkConfig    `mapstructure:"bulk"`
	Store   StoreConfig   `mapstructure:"store"`
	Fanout  FanoutConfig  `mapstructure:"fanout"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RemoteConfig holds catalog API configuration
type RemoteConfig struct {
	BaseURL           string  `mapstructure:"base_url"`            // e.g. https://shop.example.com
	AccessKey         string  `mapstructure:"access_key"`          // entity API key
	PageSize          int     `mapstructure:"page_size"`           // items per page when counting
	MaxPages          int     `mapstructure:"max_pages"`           // safety cap per combination
	UsePagingTotal    bool    `mapstructure:"use_paging_total"`    // trust paging.total when present
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 disables client-side pacing
}

// CatalogConfig holds the counting dimensions
type CatalogConfig struct {
	Substores  []string `mapstructure:"substores"`
	Categories []string `mapstructure:"categories"` // optional static override of published categories
}

// WorkerConfig holds the perpetual refresh worker configuration
type WorkerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinBatch         int           `mapstructure:"min_batch"`
	MaxBatch         int           `mapstructure:"max_batch"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	InterBatchDelay  time.Duration `mapstructure:"inter_batch_delay"`
	CyclePause       time.Duration `mapstructure:"cycle_pause"`
	ErrorCooldown    time.Duration `mapstructure:"error_cooldown"`
	ProgressEvery    int           `mapstructure:"progress_every"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	Retries          int           `mapstructure:"retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	InStockOnly      bool          `mapstructure:"in_stock_only"` // adds inventory_quantity > 0
}

// BulkConfig holds on-demand bulk compute configuration
type BulkConfig struct {
	MinBatch         int           `mapstructure:"min_batch"`
	MaxBatch         int           `mapstructure:"max_batch"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	Retries          int           `mapstructure:"retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	LookupTTL        time.Duration `mapstructure:"lookup_ttl"`
	InStockOnly      bool          `mapstructure:"in_stock_only"`
}

// StoreConfig holds count cache configuration
type StoreConfig struct {
	Path   string        `mapstructure:"path"`    // empty keeps the cache in memory only
	MaxAge time.Duration `mapstructure:"max_age"` // oldest acceptable record for a healthy status
}

// FanoutConfig holds live subscription configuration
type FanoutConfig struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Buffer    int           `mapstructure:"buffer"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"` // empty logs to stderr
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Remote: RemoteConfig{
			PageSize: 500,
			MaxPages: 20,
		},
		Catalog: CatalogConfig{
			Substores: []string{"noi", "blr", "hyd"},
		},
		Worker: WorkerConfig{
			Enabled:          true,
			MinBatch:         1,
			MaxBatch:         2,
			SuccessThreshold: 20,
			InterBatchDelay:  300 * time.Millisecond,
			CyclePause:       time.Second,
			ErrorCooldown:    5 * time.Second,
			ProgressEvery:    20,
			RequestTimeout:   10 * time.Second,
			Retries:          3,
			RetryDelay:       3 * time.Second,
			InStockOnly:      true,
		},
		Bulk: BulkConfig{
			MinBatch:         10,
			MaxBatch:         50,
			SuccessThreshold: 20,
			RequestTimeout:   5 * time.Second,
			Retries:          3,
			RetryDelay:       time.Second,
			LookupTTL:        time.Minute,
		},
		Store: StoreConfig{
			Path:   defaultStorePath(),
			MaxAge: 24 * time.Hour,
		},
		Fanout: FanoutConfig{
			Heartbeat: 30 * time.Second,
			Buffer:    64,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// defaultStorePath returns the default count cache path for the current OS
func defaultStorePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "countsync", "counts.db")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "countsync", "counts.db")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "countsync")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "countsync")
	}
}

// LoadConfig loads configuration from file, .env and environment. An empty
// path searches the default config directory and the working directory.
func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	cfg := DefaultConfig()
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Environment variable overrides: COUNTSYNC_REMOTE_ACCESS_KEY, ...
	v.SetEnvPrefix("COUNTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)

	v.SetDefault("remote.base_url", cfg.Remote.BaseURL)
	v.SetDefault("remote.access_key", cfg.Remote.AccessKey)
	v.SetDefault("remote.page_size", cfg.Remote.PageSize)
	v.SetDefault("remote.max_pages", cfg.Remote.MaxPages)
	v.SetDefault("remote.use_paging_total", cfg.Remote.UsePagingTotal)
	v.SetDefault("remote.requests_per_second", cfg.Remote.RequestsPerSecond)

	v.SetDefault("catalog.substores", cfg.Catalog.Substores)
	v.SetDefault("catalog.categories", cfg.Catalog.Categories)

	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.min_batch", cfg.Worker.MinBatch)
	v.SetDefault("worker.max_batch", cfg.Worker.MaxBatch)
	v.SetDefault("worker.success_threshold", cfg.Worker.SuccessThreshold)
	v.SetDefault("worker.inter_batch_delay", cfg.Worker.InterBatchDelay)
	v.SetDefault("worker.cycle_pause", cfg.Worker.CyclePause)
	v.SetDefault("worker.error_cooldown", cfg.Worker.ErrorCooldown)
	v.SetDefault("worker.progress_every", cfg.Worker.ProgressEvery)
	v.SetDefault("worker.request_timeout", cfg.Worker.RequestTimeout)
	v.SetDefault("worker.retries", cfg.Worker.Retries)
	v.SetDefault("worker.retry_delay", cfg.Worker.RetryDelay)
	v.SetDefault("worker.in_stock_only", cfg.Worker.InStockOnly)

	v.SetDefault("bulk.min_batch", cfg.Bulk.MinBatch)
	v.SetDefault("bulk.max_batch", cfg.Bulk.MaxBatch)
	v.SetDefault("bulk.success_threshold", cfg.Bulk.SuccessThreshold)
	v.SetDefault("bulk.request_timeout", cfg.Bulk.RequestTimeout)
	v.SetDefault("bulk.retries", cfg.Bulk.Retries)
	v.SetDefault("bulk.retry_delay", cfg.Bulk.RetryDelay)
	v.SetDefault("bulk.lookup_ttl", cfg.Bulk.LookupTTL)
	v.SetDefault("bulk.in_stock_only", cfg.Bulk.InStockOnly)

	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.max_age", cfg.Store.MaxAge)

	v.SetDefault("fanout.heartbeat", cfg.Fanout.Heartbeat)
	v.SetDefault("fanout.buffer", cfg.Fanout.Buffer)

	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.level", cfg.Logging.Level)
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required"))
	}
	if c.Remote.AccessKey == "" {
		errs = append(errs, errors.New("remote.access_key is required"))
	}
	if c.Remote.PageSize <= 0 || c.Remote.MaxPages <= 0 {
		errs = append(errs, errors.New("remote.page_size and remote.max_pages must be positive"))
	}
	if len(c.Catalog.Substores) == 0 {
		errs = append(errs, errors.New("catalog.substores must not be empty"))
	}
	if c.Worker.MinBatch < 1 || c.Worker.MaxBatch < c.Worker.MinBatch {
		errs = append(errs, fmt.Errorf("worker batch bounds [%d, %d] are invalid", c.Worker.MinBatch, c.Worker.MaxBatch))
	}
	if c.Bulk.MinBatch < 1 || c.Bulk.MaxBatch < c.Bulk.MinBatch {
		errs = append(errs, fmt.Errorf("bulk batch bounds [%d, %d] are invalid", c.Bulk.MinBatch, c.Bulk.MaxBatch))
	}
	return errors.Join(errs...)
}

// WorkerPolicy returns the patient fixed-delay retry policy of the refresh worker.
func (c *Config) WorkerPolicy() transport.Policy {
	p := transport.BackgroundPolicy
	p.MaxRetries = c.Worker.Retries
	p.BaseDelay = c.Worker.RetryDelay
	p.Timeout = c.Worker.RequestTimeout
	return p
}

// BulkPolicy returns the exponential retry policy of interactive and bulk paths.
func (c *Config) BulkPolicy() transport.Policy {
	p := transport.InteractivePolicy
	p.MaxRetries = c.Bulk.Retries
	p.BaseDelay = c.Bulk.RetryDelay
	p.Timeout = c.Bulk.RequestTimeout
	return p
}

// WorkerCounter returns the counting options of the refresh worker.
func (c *Config) WorkerCounter() counter.Options {
	return c.counterOptions(c.Worker.InStockOnly)
}

// BulkCounter returns the counting options of bulk compute and lookups.
func (c *Config) BulkCounter() counter.Options {
	return c.counterOptions(c.Bulk.InStockOnly)
}

func (c *Config) counterOptions(inStockOnly bool) counter.Options {
	return counter.Options{
		PageSize:       c.Remote.PageSize,
		MaxPages:       c.Remote.MaxPages,
		InStockOnly:    inStockOnly,
		UsePagingTotal: c.Remote.UsePagingTotal,
	}
}

// ExpandPath expands a leading ~ to the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
