// Package config loads creupload's runtime configuration.
//
// Precedence, highest first: runtime overrides, CREUPLOAD_* environment
// variables, the config file, built-in defaults. Nested keys map to
// environment variables by upper-casing and replacing "." with "_", so
// store.base_url is read from CREUPLOAD_STORE_BASE_URL.
package config

import (
	"time"

	"github.com/3leaps/creupload/pkg/provider/s3"
	"github.com/3leaps/creupload/pkg/store"
)

// Config is the complete runtime configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Auth    AuthConfig    `mapstructure:"auth"`
	S3      S3Config      `mapstructure:"s3"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// File is a log file path, "auto" for variant-upload-<date>.log, or
	// empty for stderr only.
	File string `mapstructure:"file"`
}

// StoreConfig addresses the remote variant store.
type StoreConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	RefGenome          string        `mapstructure:"ref_genome"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Lookup             string        `mapstructure:"lookup"`
	MaxFileBytes       int64         `mapstructure:"max_file_bytes"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// AuthConfig holds store credentials.
type AuthConfig struct {
	Method    string `mapstructure:"method"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

// S3Config is shared by every s3:// location in a run.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Client returns the store client configuration.
func (c StoreConfig) Client(version string) store.Config {
	ua := c.UserAgent
	if ua == "" {
		ua = "creupload/" + version
	}
	return store.Config{
		BaseURL:            c.BaseURL,
		RefGenome:          c.RefGenome,
		Timeout:            c.Timeout,
		RateLimit:          c.RateLimit,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MaxFileBytes:       c.MaxFileBytes,
		UserAgent:          ua,
	}
}

// Store returns the credentials in the store package's form.
func (a AuthConfig) Store() store.AuthConfig {
	return store.AuthConfig(a)
}

// Provider returns an s3 provider template; the bucket comes from each
// location.
func (s S3Config) Provider() s3.Config {
	return s3.Config{
		Region:         s.Region,
		Endpoint:       s.Endpoint,
		Profile:        s.Profile,
		ForcePathStyle: s.ForcePathStyle,
	}
}
