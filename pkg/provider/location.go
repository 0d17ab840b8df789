package provider

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Location parsing errors.
var (
	// ErrInvalidLocation indicates the location string could not be parsed.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrUnsupportedProvider indicates a URI scheme other than s3.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Location identifies a directory-like root in a provider.
//
// Accepted forms:
//   - /data/reports or ./reports (local directory)
//   - s3://bucket
//   - s3://bucket/results/
type Location struct {
	Provider ProviderType

	// Bucket is set for s3 locations.
	Bucket string

	// Prefix is the key prefix inside the bucket. Empty or ending in "/".
	Prefix string

	// Dir is the cleaned local directory for file locations.
	Dir string
}

// String returns the location in canonical form.
func (l Location) String() string {
	if l.Provider == ProviderS3 {
		return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Prefix)
	}
	return l.Dir
}

// Join returns the display path of key under the location.
func (l Location) Join(key string) string {
	if l.Provider == ProviderS3 {
		return fmt.Sprintf("s3://%s/%s", l.Bucket, key)
	}
	return filepath.Join(l.Dir, filepath.FromSlash(key))
}

// ParseLocation parses a local path or an s3:// URI.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, fmt.Errorf("%w: empty location", ErrInvalidLocation)
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return Location{Provider: ProviderFile, Dir: filepath.Clean(s)}, nil
	}

	scheme := strings.ToLower(s[:schemeEnd])
	switch scheme {
	case "file":
		dir := s[schemeEnd+3:]
		if dir == "" {
			return Location{}, fmt.Errorf("%w: empty path in %s", ErrInvalidLocation, s)
		}
		return Location{Provider: ProviderFile, Dir: filepath.Clean(dir)}, nil
	case "s3":
	default:
		return Location{}, fmt.Errorf("%w: %s (supported: file, s3)", ErrUnsupportedProvider, scheme)
	}

	rest := s[schemeEnd+3:]
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("%w: missing bucket in %s", ErrInvalidLocation, s)
	}
	if _, err := url.Parse("s3://" + bucket + "/"); err != nil {
		return Location{}, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidLocation, bucket)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return Location{Provider: ProviderS3, Bucket: bucket, Prefix: prefix}, nil
}
