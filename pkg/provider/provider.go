// Package provider abstracts the object stores that CRE reports are read
// from and that demultiplexed participant reports are archived to.
//
// Two backends exist: a local directory (package file) and S3 or an
// S3-compatible store (package s3). Credentials for S3 come from the AWS SDK
// default chain unless explicit keys are configured.
package provider

import (
	"context"
	"time"
)

// Provider lists objects under a prefix.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// List returns one page of objects whose keys start with opts.Prefix.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List call.
type ListOptions struct {
	Prefix            string
	ContinuationToken string

	// MaxKeys caps the page size. Zero uses the provider default.
	MaxKeys int
}

// ListResult is one page of a listing.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is empty on the last page.
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary describes one listed object.
type ObjectSummary struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	ProviderFile ProviderType = "file"
	ProviderS3   ProviderType = "s3"
)

func (p ProviderType) String() string {
	return string(p)
}

// Walk pages through every object under prefix, calling fn in key order as
// returned by the provider. Iteration stops at the first error from fn.
func Walk(ctx context.Context, p Provider, prefix string, fn func(ObjectSummary) error) error {
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return err
		}
		for _, obj := range page.Objects {
			if err := fn(obj); err != nil {
				return err
			}
		}
		if !page.IsTruncated || page.ContinuationToken == "" {
			return nil
		}
		token = page.ContinuationToken
	}
}
