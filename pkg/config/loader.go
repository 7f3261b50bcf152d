package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/mzcr-harvester/pkg/logging"
)

// Environment variables that override file values when set.
const (
	EnvAPIToken      = "HARVEST_API_TOKEN"
	EnvAPIBaseURL    = "HARVEST_API_BASE_URL"
	EnvMongoURI      = "HARVEST_MONGODB_URI"
	EnvMongoDatabase = "HARVEST_MONGODB_DATABASE"
	EnvRedisAddr     = "HARVEST_REDIS_ADDR"
	EnvLogLevel      = "HARVEST_LOG_LEVEL"
)

// Load reads the YAML file at path, loads envFile (if non-empty) into the
// process environment, applies HARVEST_* overrides, and validates the result.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			// A missing .env file is normal outside development.
			logger := logging.NewLogger("config")
			logger.Debug().Err(err).Str("file", envFile).Msg(".env file not loaded")
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML onto Default. It does not validate.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := Default()
	if err := bind(raw, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// bind decodes raw onto target using yaml tags. Durations may be written as
// "10s" or as a bare number of seconds, integer lists as "429,500,502".
func bind(raw map[string]interface{}, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			secondsToDurationHook(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		targetType := reflect.TypeOf(target)
		if targetType.Kind() == reflect.Ptr {
			targetType = targetType.Elem()
		}
		return fmt.Errorf("bind %s: %w", targetType.Name(), err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHook reads plain numbers as seconds.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

// applyEnv overrides connection and secret settings from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key    string
		target *string
	}{
		{EnvAPIToken, &c.API.Token},
		{EnvAPIBaseURL, &c.API.BaseURL},
		{EnvMongoURI, &c.MongoDB.URI},
		{EnvMongoDatabase, &c.MongoDB.Database},
		{EnvRedisAddr, &c.Redis.Addr},
		{EnvLogLevel, &c.Logging.Level},
	}

	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.target = v
		}
	}
}
