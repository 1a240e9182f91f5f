// Package data is the relational side of the state layer: the pgx pool and
// the queries the synchronizer and warmup run against it.
package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yola1107/holdem-live/pkg/xlog"
)

// Data wraps the database clients shared by the repositories.
type Data struct {
	Pool *pgxpool.Pool
}

// NewData opens the postgres pool and returns a cleanup to close it.
func NewData(ctx context.Context, dsn string) (*Data, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	cleanup := func() {
		xlog.Infof("closing the data resources")
		pool.Close()
	}
	return &Data{Pool: pool}, cleanup, nil
}
