package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrOrderLocked   = errors.New("order is locked by a confirmed payment")
	ErrInvalidWindow = errors.New("order must stop after it begins")
	ErrTxRefReused   = errors.New("transaction already settled another payment")
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// notYetMicro is NotYet as stored in BIGINT columns.
var notYetMicro = NotYet.UnixMicro()

// Storage handles all database operations
type Storage struct {
	db     *sql.DB
	driver string
}

// New opens the database for driver and creates the schema.
func New(driver, dsn string) (*Storage, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers; one connection avoids SQLITE_BUSY between transactions
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &Storage{db: db, driver: driver}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewWithDB wraps an already opened database without creating the schema.
func NewWithDB(db *sql.DB, driver string) *Storage {
	return &Storage{db: db, driver: driver}
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			payment_key TEXT NOT NULL UNIQUE,
			provider TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			notify_email TEXT NOT NULL DEFAULT '',
			expected TEXT NOT NULL,
			currency TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			received_at BIGINT NOT NULL,
			confirmed_at BIGINT NOT NULL,
			tx_ref TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_provider ON payments(provider)`,
		// one electrum transaction may fund several of our addresses
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_tx_ref ON payments(provider, tx_ref)
			WHERE tx_ref <> '' AND provider <> 'electrum'`,

		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			zone_id BIGINT NOT NULL,
			banner_id BIGINT NOT NULL,
			campaign_id BIGINT NOT NULL UNIQUE,
			begins_at BIGINT NOT NULL,
			stops_at BIGINT NOT NULL,
			payment_key TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			cleanup_after BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_payment_key ON orders(payment_key)`,

		`CREATE TABLE IF NOT EXISTS campaigns (
			id BIGINT PRIMARY KEY,
			order_id TEXT NOT NULL,
			zone_id BIGINT NOT NULL,
			begins_at BIGINT NOT NULL,
			stops_at BIGINT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			linked_at BIGINT NOT NULL,
			link_unknown_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_order_id ON campaigns(order_id)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			logged_at BIGINT NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_user_id ON audit_log(user_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

// rebind rewrites ? placeholders into the $n form postgres expects.
func (s *Storage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toDB(t time.Time) int64 {
	if t.Equal(NotYet) {
		return notYetMicro
	}
	return t.UnixMicro()
}

func fromDB(v int64) time.Time {
	if v == notYetMicro {
		return NotYet
	}
	return time.UnixMicro(v).UTC()
}
