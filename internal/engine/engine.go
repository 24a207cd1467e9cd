// Package engine defines the surface of the entity-resolution engine
// that the replicator consumes, plus the JSON decoding of its entity
// documents. The engine itself is an external service; this package
// ships a client interface, an HTTP implementation, and an in-memory
// mock for tests.
package engine

import (
	"context"
	"errors"

	"github.com/entitygraph/datamart/internal/types"
)

// ErrEntityNotFound is returned by GetEntity when the engine has no
// entity with the requested id. The replicator treats this as an
// authoritative removal.
var ErrEntityNotFound = errors.New("entity not found")

// Client is the engine surface the replicator depends on.
type Client interface {
	// GetEntity fetches the authoritative resolved state of one entity.
	GetEntity(ctx context.Context, entityID int64) (*types.ResolvedEntity, error)
	// Ping verifies the engine is reachable; used at startup.
	Ping(ctx context.Context) error
}
