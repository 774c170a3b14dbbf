package paper

import (
	"context"
	"errors"
	"io"
	"time"
)

// Source fetches paper metadata from the remote citation service.
type Source interface {
	// References returns the papers cited by id, each projected to fields.
	References(ctx context.Context, id string, fields []string) ([]Paper, error)
	// Search returns papers matching a free-text query, best match first.
	Search(ctx context.Context, query string, fields []string) ([]Paper, error)
}

// BlobStore writes checkpoint artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// IsPermanent reports whether err is marked as not worth retrying. Errors opt
// in by implementing Permanent() bool.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}
