package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

// SQLiteStore is the durable backend. The dynamic type-specific fields are
// kept in a JSON column; field filters are applied after the type scan
// since their shape varies per receipt type.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	clock  func() time.Time
	tenant string
}

func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite %s: %w", dsn, err)
	}
	return NewSQLiteStore(db)
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now, tenant: DefaultTenant}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

// WithTenant overrides the default tenant stamped on receipts.
func (s *SQLiteStore) WithTenant(tenant string) *SQLiteStore {
	s.tenant = tenant
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		receipt_id TEXT NOT NULL UNIQUE,
		receipt_type TEXT NOT NULL,
		ts TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		fields JSON NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_type ON receipts(receipt_type);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, r *receipt.Receipt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := stamp(r, s.clock, s.tenant); err != nil {
		return "", err
	}
	fieldsJSON, err := json.Marshal(r.Fields)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (receipt_id, receipt_type, ts, tenant_id, payload_hash, fields)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ReceiptID, r.ReceiptType, r.TS.UTC().Format(time.RFC3339Nano),
		r.TenantID, r.PayloadHash, string(fieldsJSON),
	)
	if err != nil {
		return "", fmt.Errorf("ledger: insert receipt: %w", err)
	}
	return r.ReceiptID, nil
}

func (s *SQLiteStore) Query(ctx context.Context, receiptType string, filters map[string]any) ([]*receipt.Receipt, error) {
	query := `SELECT receipt_id, receipt_type, ts, tenant_id, payload_hash, fields
		FROM receipts`
	var args []any
	if receiptType != "" {
		query += ` WHERE receipt_type = ?`
		args = append(args, receiptType)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*receipt.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		if matches(r, receiptType, filters) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestByKey(ctx context.Context, receiptType string, keys map[string]any) (*receipt.Receipt, error) {
	rs, err := s.Query(ctx, receiptType, keys)
	if err != nil {
		return nil, err
	}
	return latest(rs)
}

func (s *SQLiteStore) All(ctx context.Context) ([]*receipt.Receipt, error) {
	return s.Query(ctx, "", nil)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanReceipt(rows *sql.Rows) (*receipt.Receipt, error) {
	var (
		r          receipt.Receipt
		ts         string
		fieldsJSON string
	)
	if err := rows.Scan(&r.ReceiptID, &r.ReceiptType, &ts, &r.TenantID, &r.PayloadHash, &fieldsJSON); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("ledger: bad ts %q: %w", ts, err)
	}
	r.TS = parsed
	if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
		return nil, fmt.Errorf("ledger: bad fields column: %w", err)
	}
	return &r, nil
}
