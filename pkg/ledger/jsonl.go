package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

// JSONLStore persists receipts as newline-delimited JSON, one receipt per
// line, appended with O_APPEND. The full log is replayed into memory on
// open; malformed lines are skipped so the rest of the audit trail stays
// available. A trailing partial line left by an interrupted write is
// truncated on open so the next append starts on a fresh line instead of
// gluing onto the torn bytes.
type JSONLStore struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	receipts []*receipt.Receipt
	clock    func() time.Time
	tenant   string
	closed   bool
}

func OpenJSONLStore(path string) (*JSONLStore, error) {
	s := &JSONLStore{path: path, clock: time.Now, tenant: DefaultTenant}
	tail, err := s.replay()
	if err != nil {
		return nil, err
	}
	if tail >= 0 {
		if err := os.Truncate(path, tail); err != nil {
			return nil, fmt.Errorf("ledger: truncate partial line in %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	s.file = f
	return s, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *JSONLStore) WithClock(clock func() time.Time) *JSONLStore {
	s.clock = clock
	return s
}

// WithTenant overrides the default tenant stamped on receipts.
func (s *JSONLStore) WithTenant(tenant string) *JSONLStore {
	s.tenant = tenant
	return s
}

// replay loads the log into memory. It returns the byte offset where the
// last newline-terminated line ends, or -1 when the file already ends
// cleanly, so the caller can truncate a partial line left by a crash.
func (s *JSONLStore) replay() (int64, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("ledger: replay %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	rd := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	for {
		line, err := rd.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				return offset, nil
			}
			return -1, nil
		}
		if err != nil {
			return -1, fmt.Errorf("ledger: replay %s: %w", s.path, err)
		}
		offset += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var r receipt.Receipt
		if err := json.Unmarshal(trimmed, &r); err != nil {
			continue // corrupt line, keep the rest of the trail
		}
		copied := r
		s.receipts = append(s.receipts, &copied)
	}
}

func (s *JSONLStore) Append(ctx context.Context, r *receipt.Receipt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if err := stamp(r, s.clock, s.tenant); err != nil {
		return "", err
	}
	line, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal receipt: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("ledger: append to %s: %w", s.path, err)
	}
	s.receipts = append(s.receipts, r)
	return r.ReceiptID, nil
}

func (s *JSONLStore) Query(ctx context.Context, receiptType string, filters map[string]any) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*receipt.Receipt
	for _, r := range s.receipts {
		if matches(r, receiptType, filters) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *JSONLStore) LatestByKey(ctx context.Context, receiptType string, keys map[string]any) (*receipt.Receipt, error) {
	rs, err := s.Query(ctx, receiptType, keys)
	if err != nil {
		return nil, err
	}
	return latest(rs)
}

func (s *JSONLStore) All(ctx context.Context) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*receipt.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
