package journal

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"AgentFuel/deploy/migrations"
	xerrors "AgentFuel/internal/errors"
)

// MySQLStore persists cycle records in MySQL for deployments where the
// journal must survive restarts.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens the DSN, verifies connectivity and ensures the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql")
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// applyMigrations runs the embedded schema files in lexical order. Each file
// holds one idempotent statement.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "list migrations")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		statement, err := migrations.Files.ReadFile(name)
		if err != nil {
			return xerrors.Wrapf(xerrors.CodeStorageFailure, err, "read migration %s", name)
		}
		if _, err := db.ExecContext(ctx, string(statement)); err != nil {
			return xerrors.Wrapf(xerrors.CodeStorageFailure, err, "apply migration %s", name)
		}
	}
	return nil
}

// Append inserts one cycle record.
func (s *MySQLStore) Append(ctx context.Context, record Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_journal
		    (id, cycle, started_at, duration_ms, outcome, fees_wei, claim_tx,
		     credits, purchased, purchase_tx, error_code, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Cycle, record.StartedAt.UTC(), record.Duration.Milliseconds(),
		string(record.Outcome), record.FeesWei, record.ClaimTx,
		record.Credits, record.Purchased, record.PurchaseTx,
		record.ErrorCode, record.ErrorDetail,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert journal record")
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *MySQLStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle, started_at, duration_ms, outcome, fees_wei, claim_tx,
		       credits, purchased, purchase_tx, error_code, error_detail
		FROM cycle_journal ORDER BY cycle DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query journal")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var outcome string
		var durationMS int64
		if err := rows.Scan(&record.ID, &record.Cycle, &record.StartedAt, &durationMS,
			&outcome, &record.FeesWei, &record.ClaimTx, &record.Credits,
			&record.Purchased, &record.PurchaseTx, &record.ErrorCode, &record.ErrorDetail); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan journal record")
		}
		record.Outcome = Outcome(outcome)
		record.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate journal")
	}
	return records, nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }

var _ Store = (*MySQLStore)(nil)
