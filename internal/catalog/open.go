package catalog

import (
	"context"
	"fmt"
	"strings"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open constructs the Store named by driver. For sqlite dsn is the database
// file path; for postgres it is a connection string. The Postgres schema is
// applied before returning.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemory(opts...), nil
	case DriverSQLite:
		return OpenSQLite(dsn, opts...)
	case DriverPostgres:
		store, err := OpenPostgres(ctx, dsn, opts...)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}
}
