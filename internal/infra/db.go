// README: Postgres connection pool initialization using pgxpool, plus store error classification.
package infra

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable marks failures to reach Postgres or Redis. Callers back off and retry.
var ErrStoreUnavailable = errors.New("store unavailable")

func NewDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, StoreError(err)
	}
	return pool, nil
}

// StoreError wraps connectivity failures with ErrStoreUnavailable and returns
// every other error unchanged.
func StoreError(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) || errors.Is(err, redis.Nil) {
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		pgconn.Timeout(err),
		errors.As(err, &netErr),
		errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// UniqueViolation reports a Postgres unique_violation (SQLSTATE 23505).
func UniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
