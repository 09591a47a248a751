package storage

import (
	"context"
	"io"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/models"
)

// FlagResolver answers which of the requested feature flags are on
type FlagResolver interface {
	// Enabled returns the enabled subset of names, in request order
	Enabled(ctx context.Context, names []string) ([]string, error)
}

// ActivityRecorder receives one record per proxied batch
type ActivityRecorder interface {
	Record(ctx context.Context, a *models.Activity) error
}

// ActivityStore is a persistent, closable activity sink
type ActivityStore interface {
	ActivityRecorder

	// Ping checks if the store is reachable
	Ping(ctx context.Context) error

	// Close closes the store connection
	io.Closer
}
