// Package s3 reads CRE reports from, and archives participant reports to,
// AWS S3 or an S3-compatible store.
package s3

// Config configures an S3 provider.
//
// Credentials resolve through the AWS SDK v2 default chain (environment,
// shared files, instance roles) unless AccessKeyID and SecretAccessKey are
// both set. Set Endpoint and ForcePathStyle for MinIO or Wasabi.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// MaxKeys is the list page size. Values outside 1..1000 use 1000.
	MaxKeys int
}

const (
	// DefaultMaxKeys is the list page size when none is configured.
	DefaultMaxKeys = 1000

	// DefaultAWSRegion is used when neither config nor environment sets a
	// region and no custom endpoint is configured.
	DefaultAWSRegion = "us-east-1"
)

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "access key ID and secret access key must be set together",
		}
	}
	return nil
}

// ConfigError is a configuration validation failure.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
