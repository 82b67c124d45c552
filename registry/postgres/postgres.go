// Package postgres provides a PostgreSQL lease registry.
//
// Leases are rows keyed by (namespace, username, name, topic) with an
// expires_at column. Postgres has no per-row expiry, so freshness is
// checked at read time and expired rows are removed by Sweep.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
)

const backend = "postgres"

// Compile-time checks
var (
	_ registry.Registry  = (*Registry)(nil)
	_ registry.Sweeper   = (*Registry)(nil)
	_ registry.Lifecycle = (*Registry)(nil)
)

// Registry implements registry.Registry using PostgreSQL.
type Registry struct {
	db        *sqlx.DB
	opts      *options
	table     string
	connected int32
	logger    *slog.Logger
}

// New creates a PostgreSQL registry with the provided database connection.
// Call Connect() to create the table and index.
func New(db *sqlx.DB, opts ...Option) *Registry {
	o := newOptions(opts...)
	return &Registry{
		db:     db,
		opts:   o,
		table:  pq.QuoteIdentifier(o.table),
		logger: o.logger,
	}
}

// NewFromDB creates a registry from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Registry {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect pings the server and ensures the schema exists.
func (r *Registry) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.connected, 0, 1) {
		return registry.ErrAlreadyConnected
	}

	if r.db == nil {
		atomic.StoreInt32(&r.connected, 0)
		return registry.Failed(backend, "connect", errors.New("db is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	if err := r.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&r.connected, 0)
		return classify("connect", err)
	}

	if err := r.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&r.connected, 0)
		return classify("ensure schema", err)
	}

	r.logger.Info("connected to PostgreSQL", "table", r.opts.table)
	return nil
}

// Close marks the registry as disconnected.
// The caller is responsible for closing the database connection.
func (r *Registry) Close(_ context.Context) error {
	atomic.StoreInt32(&r.connected, 0)
	return nil
}

func (r *Registry) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			namespace  TEXT NOT NULL,
			username   TEXT NOT NULL,
			name       TEXT NOT NULL,
			topic      TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (namespace, username, name, topic)
		)
	`, r.table)
	if _, err := r.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(expires_at)`,
		pq.QuoteIdentifier("idx_"+r.opts.table+"_expires"), r.table)
	if _, err := r.db.ExecContext(ctx, index); err != nil {
		r.logger.Warn("failed to create index", "error", err, "sql", index)
	}
	return nil
}

func (r *Registry) checkConnected() error {
	if atomic.LoadInt32(&r.connected) == 0 {
		return registry.ErrNotConnected
	}
	return nil
}

// Register upserts the lease with a new expiry.
func (r *Registry) Register(ctx context.Context, path mailbox.Path, topic mailbox.Topic, ttl time.Duration) error {
	if err := r.checkConnected(); err != nil {
		return err
	}
	if err := registry.ValidateLease(path, topic, ttl); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, username, name, topic, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, username, name, topic)
		DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, r.table)

	expiry := r.opts.clock().Add(ttl).UTC()
	if _, err := r.db.ExecContext(ctx, query, path.Namespace, path.User, path.Name, string(topic), expiry); err != nil {
		return classify("register", err)
	}
	return nil
}

// Unregister deletes the lease row.
func (r *Registry) Unregister(ctx context.Context, path mailbox.Path, topic mailbox.Topic) error {
	if err := r.checkConnected(); err != nil {
		return err
	}
	if err := registry.ValidateEntry(path, topic); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE namespace = $1 AND username = $2 AND name = $3 AND topic = $4
	`, r.table)
	if _, err := r.db.ExecContext(ctx, query, path.Namespace, path.User, path.Name, string(topic)); err != nil {
		return classify("unregister", err)
	}
	return nil
}

// Topics returns the unexpired topics for path in ascending order.
func (r *Registry) Topics(ctx context.Context, path mailbox.Path) ([]mailbox.Topic, error) {
	if err := r.checkConnected(); err != nil {
		return nil, err
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT topic FROM %s
		WHERE namespace = $1 AND username = $2 AND name = $3 AND expires_at > $4
		ORDER BY topic
	`, r.table)

	var rows []string
	now := r.opts.clock().UTC()
	if err := r.db.SelectContext(ctx, &rows, query, path.Namespace, path.User, path.Name, now); err != nil {
		return nil, classify("topics", err)
	}
	out := make([]mailbox.Topic, len(rows))
	for i, t := range rows {
		out[i] = mailbox.Topic(t)
	}
	return out, nil
}

// Sweep deletes expired rows.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	if err := r.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, r.table)
	result, err := r.db.ExecContext(ctx, query, r.opts.clock().UTC())
	if err != nil {
		return 0, classify("sweep", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify("sweep", err)
	}
	if n > 0 {
		r.logger.Debug("swept expired leases", "count", n)
	}
	return n, nil
}

// transientClasses are SQLSTATE classes worth retrying: connection
// exceptions, transaction rollbacks, insufficient resources and operator
// intervention (e.g. admin shutdown during failover).
var transientClasses = map[pq.ErrorClass]bool{
	"08": true,
	"40": true,
	"53": true,
	"57": true,
}

// classify wraps a driver error as a registry error. Server errors are
// split by SQLSTATE class; anything that never reached the server
// (network, bad connection, timeout) is transient.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if transientClasses[pqErr.Code.Class()] {
			return registry.Unavailable(backend, op, err)
		}
		return registry.Failed(backend, op, err)
	}
	return registry.Unavailable(backend, op, err)
}
