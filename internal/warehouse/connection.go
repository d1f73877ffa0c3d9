package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

// Connection wraps a pooled *sql.DB with the pool bounds from Config.
// Connections run in autocommit; no method here ever opens a transaction.
type Connection struct {
	*sql.DB
}

// NewConnection opens and health-checks a pooled Postgres connection.
func NewConnection(cfg *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("warehouse: opening connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("warehouse: health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck verifies the connection is still alive.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)
		defer cancel()
	}

	return c.PingContext(ctx)
}

// isConnectionError reports whether err indicates the Postgres connection
// itself failed, as opposed to a query-level error (constraint violation,
// bad syntax). Class 08 covers every connection_exception subcode.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// classify wraps a statement failure, attaching ErrConnectionLost when the
// underlying cause is the connection itself so callers can distinguish a
// retriable pool problem from a query-level error with errors.Is.
func classify(op string, err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("%s: %w (%w)", op, ErrConnectionLost, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
