package dbdriver // import "github.com/atriumhq/atrium/dbdriver"

import (
	"context"
	_ "embed"
	"errors"

	"github.com/atriumhq/atrium/utils"
	"github.com/jackc/pgx/v4/pgxpool"
)

// This package owns all interactions with the platform database: the
// instance records, the per-instance configs, the pairing codes, and the
// host heartbeat. The pool is constructed once at process start and
// injected into whatever needs it, so tests can substitute fakes behind
// the consumer-side interfaces in the services.

//go:embed schema.sql
var schema string

// Client wraps a pgx connection pool with the queries the services use.
type Client struct {
	pool *pgxpool.Pool
}

// ErrNotFound is returned when a query finds no matching row. Callers that
// treat absence as a non-fatal negative result check for it with
// errors.Is.
var ErrNotFound = errors.New("no matching row in database")

// Connect creates a connection pool against the provided database URL and
// verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*Client, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, utils.MakeError("couldn't parse database URL: %s", err)
	}
	config.MaxConns = 8

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, utils.MakeError("couldn't connect to database: %s", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, utils.MakeError("couldn't ping database: %s", err)
	}

	return &Client{pool: pool}, nil
}

// EnsureSchema applies the embedded schema. Every statement is written to
// be idempotent, so this is safe to run on every startup.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return utils.MakeError("couldn't apply database schema: %s", err)
	}
	return nil
}

// Close drains and closes the underlying pool.
func (c *Client) Close() {
	c.pool.Close()
}
