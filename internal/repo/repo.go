// Package repo owns the PostgreSQL connection and the statement helpers
// every accessor goes through. One Repo wraps one pgxpool.Pool; the typed
// store in internal/store builds on these primitives.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var dialect = goqu.Dialect("postgres")

// retryAttempts bounds the transient-failure retries per statement.
const retryAttempts = 3

// Repo is the single owner of the database pool.
type Repo struct {
	pool *pgxpool.Pool
}

// Open connects and verifies the connection. The initial ping retries
// with the same backoff as statements, so a database that is still
// starting up does not kill the process.
func Open(ctx context.Context, connURL string) (*Repo, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("repo connect: %w", err)
	}
	r := &Repo{pool: pool}
	if err := withRetry(ctx, func() error { return pool.Ping(ctx) }, true); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repo ping: %w", err)
	}
	log.Info().Msg("repository connected")
	return r, nil
}

// Ping is the health-check probe: a scalar round trip, no retries.
func (r *Repo) Ping(ctx context.Context) error {
	var one int
	return r.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close releases the pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// NormalizeID qualifies a bare record id with its table prefix:
// "01ABC" becomes "source:01ABC"; an already-qualified id passes through.
func NormalizeID(table, id string) string {
	if strings.Contains(id, ":") {
		return id
	}
	return table + ":" + id
}

// ── Statement execution ─────────────────────────────────────

// Exec runs a statement and reports affected rows. Transient connection
// failures are retried.
func (r *Repo) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	var tag pgconn.CommandTag
	err := withRetry(ctx, func() error {
		var err error
		tag, err = r.pool.Exec(ctx, sql, args...)
		return err
	}, false)
	return tag.RowsAffected(), err
}

// Query runs sql and hands the rows to scan. On a transient failure the
// whole query re-runs, so scan must start from scratch each attempt.
func (r *Repo) Query(ctx context.Context, scan func(pgx.Rows) error, sql string, args ...interface{}) error {
	return withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	}, false)
}

// QueryRow runs a query expected to yield exactly one row and scans it
// into dest. A missing row surfaces as pgx.ErrNoRows.
func (r *Repo) QueryRow(ctx context.Context, dest []interface{}, sql string, args ...interface{}) error {
	return withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, sql, args...).Scan(dest...)
	}, false)
}

// ── goqu-built statements ───────────────────────────────────
//
// Caller values never reach the SQL text: every builder runs with
// Prepared(true) and binds through placeholders.

// Select starts a prepared SELECT builder on table.
func Select(table string) *goqu.SelectDataset {
	return dialect.From(table).Prepared(true)
}

// Insert writes one record.
func (r *Repo) Insert(ctx context.Context, table string, rec goqu.Record) error {
	sql, args, err := dialect.Insert(table).Prepared(true).Rows(rec).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert %s: %w", table, err)
	}
	_, err = r.Exec(ctx, sql, args...)
	return err
}

// Update applies rec to the rows matching where and reports how many
// matched.
func (r *Repo) Update(ctx context.Context, table string, rec goqu.Record, where goqu.Ex) (int64, error) {
	sql, args, err := dialect.Update(table).Prepared(true).Set(rec).Where(where).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build update %s: %w", table, err)
	}
	return r.Exec(ctx, sql, args...)
}

// Delete removes the rows matching where and reports how many matched.
func (r *Repo) Delete(ctx context.Context, table string, where goqu.Ex) (int64, error) {
	sql, args, err := dialect.Delete(table).Prepared(true).Where(where).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete %s: %w", table, err)
	}
	return r.Exec(ctx, sql, args...)
}

// Relate writes an edge record; an existing edge is left alone.
func (r *Repo) Relate(ctx context.Context, table string, rec goqu.Record) error {
	sql, args, err := dialect.Insert(table).Prepared(true).Rows(rec).
		OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return fmt.Errorf("build relate %s: %w", table, err)
	}
	_, err = r.Exec(ctx, sql, args...)
	return err
}

// Upsert inserts rec; when the target key exists, update is applied
// instead.
func (r *Repo) Upsert(ctx context.Context, table string, rec goqu.Record, target string, update goqu.Record) error {
	sql, args, err := dialect.Insert(table).Prepared(true).Rows(rec).
		OnConflict(goqu.DoUpdate(target, update)).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert %s: %w", table, err)
	}
	_, err = r.Exec(ctx, sql, args...)
	return err
}

// ── LISTEN/NOTIFY ───────────────────────────────────────────

// Notify fires a NOTIFY on channel.
func (r *Repo) Notify(ctx context.Context, channel, payload string) error {
	_, err := r.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

// Listen holds a dedicated connection and invokes notify for every
// payload delivered on channel. It returns when ctx ends or the
// connection drops; the caller decides whether to re-establish.
func (r *Repo) Listen(ctx context.Context, channel string, notify func(payload string)) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("listen acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		notify(n.Payload)
	}
}

// ── Retry policy ────────────────────────────────────────────

// withRetry runs op, retrying transient connection failures with
// exponential backoff: 2 s initial, doubling, retryAttempts retries.
// everything means retry any failure (used only for the startup ping).
func withRetry(ctx context.Context, op func() error, everything bool) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), retryAttempts), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !everything && !isTransient(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Msg("transient database error, retrying")
		return err
	}, policy)
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// isTransient reports whether err is worth re-running the statement for.
// pgconn knows which protocol-level failures are safe; beyond those,
// SQLSTATE class 08 (connection exception) and 57P01 (admin shutdown)
// mean the server went away mid-flight.
func isTransient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01"
	}
	return false
}
