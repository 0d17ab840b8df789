package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates the object or directory does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates the caller lacks permission.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the S3 bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates the store rejected the credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable indicates the store is temporarily unavailable
	// or throttling requests.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// ProviderError records the operation and location of a failed call.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string
	Err      error
}

func (e *ProviderError) Error() string {
	loc := e.Key
	if e.Bucket != "" {
		loc = e.Bucket + "/" + e.Key
	}
	if loc == "" {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, loc, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBucketNotFound)
}

// IsAccessDenied reports whether err is a permission or credential failure.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidCredentials)
}

// IsProviderUnavailable reports whether err is transient on the store side.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
