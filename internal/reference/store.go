package reference

import (
	"context"
	"errors"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// ErrNoCache is returned by a Store that has nothing persisted yet
var ErrNoCache = errors.New("no cached reference data")

// Meta describes the persisted bundle. Version and ETag always belong to
// the bundle stored with them.
type Meta struct {
	Version  string    `json:"version"`
	ETag     string    `json:"etag"`
	LastSync time.Time `json:"last_sync"`
}

// Store persists reference bundles. Save must replace bundle and meta as
// one atomic unit; MarkSynced only moves LastSync.
type Store interface {
	Load(ctx context.Context) (*models.SyncResponse, Meta, error)
	Save(ctx context.Context, bundle *models.SyncResponse, meta Meta) error
	MarkSynced(ctx context.Context, at time.Time) error
}
