// Package config loads the harvester configuration from YAML, a .env file,
// and HARVEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/mzcr-harvester/pkg/client"
	"github.com/Sternrassler/mzcr-harvester/pkg/ingest"
	"github.com/Sternrassler/mzcr-harvester/pkg/logging"
	"github.com/Sternrassler/mzcr-harvester/pkg/pagination"
	"github.com/Sternrassler/mzcr-harvester/pkg/store"
	"github.com/hashicorp/go-multierror"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// API configures the statistics API transport.
type API struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	ItemsPerPage int           `yaml:"items_per_page"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
	UserAgent    string        `yaml:"user_agent"`
}

// Retry configures transport retries.
type Retry struct {
	Total           int           `yaml:"total"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	StatusForcelist []int         `yaml:"status_forcelist"`
}

// General holds run-level limits.
type General struct {
	MaxNoDataSchemas       int           `yaml:"max_no_data_schemas"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BatchSize              int           `yaml:"batch_size"`
	IncrementalLookback    time.Duration `yaml:"incremental_lookback"`

	// BackfillBefore is an optional YYYY-MM-DD upper bound for the first run.
	BackfillBefore string `yaml:"backfill_before"`

	ProgressEvery int `yaml:"progress_every"`
}

// MongoDB configures the document store.
type MongoDB struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Redis configures run bookkeeping. An empty Addr disables it.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// Logging configures the global logger.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Schema is one configured dataset.
type Schema struct {
	Key          string `yaml:"key"`
	Endpoint     string `yaml:"endpoint"`
	ItemsPerPage int    `yaml:"items_per_page"`
}

// Config is the complete harvester configuration.
type Config struct {
	API     API      `yaml:"api"`
	Retry   Retry    `yaml:"retry"`
	General General  `yaml:"general"`
	MongoDB MongoDB  `yaml:"mongodb"`
	Redis   Redis    `yaml:"redis"`
	Logging Logging  `yaml:"logging"`
	Schemas []Schema `yaml:"schemas"`
}

// Default returns the configuration used for anything the file leaves out.
// The retry forcelist is filled in after decoding; see applyDefaults.
func Default() *Config {
	return &Config{
		API: API{
			Timeout:      10 * time.Second,
			ItemsPerPage: 1000,
			RateBurst:    1,
			UserAgent:    "mzcr-harvester/1.0",
		},
		Retry: Retry{
			Total:         5,
			BackoffFactor: 1,
			MaxBackoff:    120 * time.Second,
		},
		General: General{
			MaxNoDataSchemas:       3,
			MaxConsecutiveFailures: 10,
			BatchSize:              store.DefaultBatchSize,
			IncrementalLookback:    ingest.DefaultLookback,
			ProgressEvery:          50,
		},
		MongoDB: MongoDB{
			ConnectTimeout: 10 * time.Second,
		},
		Redis: Redis{
			LockTTL: 2 * time.Hour,
		},
		Logging: Logging{
			Level: string(logging.LevelInfo),
		},
	}
}

// applyDefaults fills slice defaults that cannot live in Default, since
// decoding a shorter list onto a pre-filled slice keeps the tail.
func (c *Config) applyDefaults() {
	if c.Retry.StatusForcelist == nil {
		c.Retry.StatusForcelist = client.DefaultRetryConfig().StatusForcelist
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.API.BaseURL == "" {
		result = multierror.Append(result, errors.New("api.base_url is required"))
	}
	if c.API.Token == "" {
		result = multierror.Append(result, errors.New("api.token is required"))
	}
	if c.API.ItemsPerPage <= 0 {
		result = multierror.Append(result, fmt.Errorf("api.items_per_page must be positive (got %d)", c.API.ItemsPerPage))
	}
	if c.API.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("api.timeout must be positive (got %s)", c.API.Timeout))
	}
	if c.API.RateLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("api.rate_limit must not be negative (got %g)", c.API.RateLimit))
	}

	if c.Retry.Total < 0 {
		result = multierror.Append(result, fmt.Errorf("retry.total must not be negative (got %d)", c.Retry.Total))
	}
	if c.Retry.BackoffFactor < 0 {
		result = multierror.Append(result, fmt.Errorf("retry.backoff_factor must not be negative (got %g)", c.Retry.BackoffFactor))
	}
	for _, code := range c.Retry.StatusForcelist {
		if code < 100 || code > 599 {
			result = multierror.Append(result, fmt.Errorf("retry.status_forcelist: %d is not an HTTP status", code))
		}
	}

	if c.General.MaxNoDataSchemas <= 0 {
		result = multierror.Append(result, fmt.Errorf("general.max_no_data_schemas must be positive (got %d)", c.General.MaxNoDataSchemas))
	}
	if c.General.MaxConsecutiveFailures <= 0 {
		result = multierror.Append(result, fmt.Errorf("general.max_consecutive_failures must be positive (got %d)", c.General.MaxConsecutiveFailures))
	}
	if c.General.BatchSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("general.batch_size must be positive (got %d)", c.General.BatchSize))
	}
	if c.General.IncrementalLookback <= 0 {
		result = multierror.Append(result, fmt.Errorf("general.incremental_lookback must be positive (got %s)", c.General.IncrementalLookback))
	}
	if _, err := c.BackfillBefore(); err != nil {
		result = multierror.Append(result, err)
	}

	if c.MongoDB.URI == "" {
		result = multierror.Append(result, errors.New("mongodb.uri is required"))
	}
	if c.MongoDB.Database == "" {
		result = multierror.Append(result, errors.New("mongodb.database is required"))
	}

	if err := logging.ValidLevel(logging.Level(c.Logging.Level)); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
	}

	if len(c.Schemas) == 0 {
		result = multierror.Append(result, errors.New("at least one schema is required"))
	}
	seen := make(map[string]bool, len(c.Schemas))
	for i, s := range c.Schemas {
		if s.Key == "" {
			result = multierror.Append(result, fmt.Errorf("schemas[%d]: key is required", i))
		} else if seen[s.Key] {
			result = multierror.Append(result, fmt.Errorf("schemas[%d]: duplicate key %q", i, s.Key))
		}
		seen[s.Key] = true
		if strings.Trim(s.Endpoint, "/") == "" {
			result = multierror.Append(result, fmt.Errorf("schemas[%d]: endpoint is required", i))
		}
		if s.ItemsPerPage < 0 {
			result = multierror.Append(result, fmt.Errorf("schemas[%d]: items_per_page must not be negative (got %d)", i, s.ItemsPerPage))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// BackfillBefore parses general.backfill_before. An empty value yields the
// zero time, meaning no upper bound.
func (c *Config) BackfillBefore() (time.Time, error) {
	if c.General.BackfillBefore == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(pagination.DateLayout, c.General.BackfillBefore)
	if err != nil {
		return time.Time{}, fmt.Errorf("general.backfill_before: want YYYY-MM-DD, got %q", c.General.BackfillBefore)
	}
	return t, nil
}

// PaginationSchemas returns the schemas in configured order.
func (c *Config) PaginationSchemas() []pagination.Schema {
	out := make([]pagination.Schema, 0, len(c.Schemas))
	for _, s := range c.Schemas {
		out = append(out, pagination.Schema{
			Key:          s.Key,
			Endpoint:     s.Endpoint,
			ItemsPerPage: s.ItemsPerPage,
		})
	}
	return out
}

// ClientConfig returns the transport configuration.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		BaseURL:   c.API.BaseURL,
		UserAgent: c.API.UserAgent,
		Timeout:   c.API.Timeout,
		RateLimit: c.API.RateLimit,
		RateBurst: c.API.RateBurst,
		Retry: client.RetryConfig{
			Total:           c.Retry.Total,
			BackoffFactor:   c.Retry.BackoffFactor,
			MaxBackoff:      c.Retry.MaxBackoff,
			StatusForcelist: c.Retry.StatusForcelist,
		},
	}
}

// FetcherConfig returns the page fetcher configuration.
func (c *Config) FetcherConfig() pagination.Config {
	return pagination.Config{
		APIToken:               c.API.Token,
		ItemsPerPage:           c.API.ItemsPerPage,
		Timeout:                c.API.Timeout,
		MaxConsecutiveFailures: c.General.MaxConsecutiveFailures,
		ProgressEvery:          c.General.ProgressEvery,
	}
}

// OrchestratorConfig returns the run orchestration configuration.
func (c *Config) OrchestratorConfig() ingest.Config {
	return ingest.Config{MaxNoDataSchemas: c.General.MaxNoDataSchemas}
}

// MongoConfig returns the document store connection settings.
func (c *Config) MongoConfig() store.MongoConfig {
	return store.MongoConfig{
		URI:            c.MongoDB.URI,
		Database:       c.MongoDB.Database,
		ConnectTimeout: c.MongoDB.ConnectTimeout,
	}
}

// LoggingConfig returns the logger configuration; output stays at its default.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.Level(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
