package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/creupload/pkg/resolve"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "CREUPLOAD"

// ConfigFileEnv names an explicit config file.
const ConfigFileEnv = EnvPrefix + "_CONFIG"

// Defaults.
const (
	DefaultRefGenome    = "GRCh37"
	DefaultLookup       = string(resolve.LookupFetch)
	DefaultMaxFileBytes = 10 << 20
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	v.SetDefault("store.base_url", "")
	v.SetDefault("store.ref_genome", DefaultRefGenome)
	v.SetDefault("store.timeout", "30s")
	v.SetDefault("store.rate_limit", 0)
	v.SetDefault("store.insecure_skip_verify", false)
	v.SetDefault("store.lookup", DefaultLookup)
	v.SetDefault("store.max_file_bytes", DefaultMaxFileBytes)
	v.SetDefault("store.user_agent", "")

	v.SetDefault("auth.method", "basic")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_file", "")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.force_path_style", false)
}

// Load resolves the configuration with the default file search.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile resolves the configuration. An explicit path must exist; with
// an empty path CREUPLOAD_CONFIG is consulted, then ./creupload.yaml and
// the user config directory, and a missing file is not an error.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", found, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		emptyStringToZeroHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	if _, err := resolve.ParseLookupMode(c.Store.Lookup); err != nil {
		return fmt.Errorf("%w: store.lookup: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.Auth.Method) {
	case "basic", "bearer", "auth0":
	default:
		return fmt.Errorf("%w: auth.method: %q (want basic or bearer)", ErrInvalidConfig, c.Auth.Method)
	}
	if c.Store.Timeout < 0 {
		return fmt.Errorf("%w: store.timeout must not be negative", ErrInvalidConfig)
	}
	if c.Store.RateLimit < 0 {
		return fmt.Errorf("%w: store.rate_limit must not be negative", ErrInvalidConfig)
	}
	if c.Store.MaxFileBytes < 0 {
		return fmt.Errorf("%w: store.max_file_bytes must not be negative", ErrInvalidConfig)
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{"creupload.yaml", "creupload.yml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "creupload", "config.yaml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// emptyStringToZeroHook lets unset numeric environment variables decode
// as zero.
func emptyStringToZeroHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || reflect.ValueOf(data).String() != "" {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int64, reflect.Float64, reflect.Bool:
			return reflect.Zero(to).Interface(), nil
		}
		return data, nil
	}
}
