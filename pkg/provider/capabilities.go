package provider

import (
	"context"
	"io"
)

// Optional capabilities, detected with type assertions.

// ObjectGetter streams an object's content.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter creates or overwrites an object. Archiving participant
// reports requires it.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}
