package port

import (
	"context"
	"io"
	"net/http"
	"time"
)

type BlobStore interface {
	// Put stores data under key and returns a URL referencing it
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error)

	// Get streams the object; failures wrap domain.ErrSourceUnavailable
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

type IdentityResolver interface {
	// Resolve returns the caller's user id or an error wrapping domain.ErrUnauthenticated
	Resolve(r *http.Request) (string, error)
}

// Presigner is implemented by blob stores able to hand out time-limited download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
