// Package factory opens the right mart backend for a database URL.
package factory

import (
	"context"
	"fmt"

	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/storage/mysql"
	"github.com/entitygraph/datamart/internal/storage/sqlite"
)

// Open parses a database URL ("sqlite:path" or "mysql:dsn") and opens
// the matching backend.
func Open(ctx context.Context, databaseURL string) (storage.Storage, error) {
	backend, locator, err := storage.ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	switch backend {
	case storage.BackendSQLite:
		return sqlite.Open(ctx, locator)
	case storage.BackendMySQL:
		return mysql.Open(ctx, locator)
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", storage.ErrInvalidArgument, backend)
	}
}
