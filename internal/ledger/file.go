package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mystworks/presale/internal/policy"
)

// FileStore keeps the full payout map in memory and rewrites a JSON file
// through a temp-file rename on every Record. A single mutex serializes
// Has/Record, which gives the check-then-record sequence its required
// linearizability in a single-process deployment.
type FileStore struct {
	mu            sync.Mutex
	path          string
	tokenDecimals int32
	records       map[string]PayoutRecord
}

// NewFileStore loads any existing records from path. A missing file is an
// empty ledger, not an error.
func NewFileStore(path string, tokenDecimals int32) (*FileStore, error) {
	s := &FileStore{
		path:          path,
		tokenDecimals: tokenDecimals,
		records:       make(map[string]PayoutRecord),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read payout ledger: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse payout ledger %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Has(ctx context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[canonical(ref)]
	return ok, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) (*PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[canonical(ref)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *FileStore) Record(ctx context.Context, ref, wallet, amountMinorUnits string) error {
	key := canonical(ref)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; ok {
		return ErrAlreadyRecorded
	}

	s.records[key] = PayoutRecord{
		Wallet:           wallet,
		AmountMinorUnits: amountMinorUnits,
		RecordedAt:       time.Now().UTC(),
	}
	if err := s.persist(); err != nil {
		// Roll back the in-memory insert so a later retry can succeed.
		delete(s.records, key)
		return fmt.Errorf("persist payout ledger: %w", err)
	}
	return nil
}

func (s *FileStore) PaidSince(ctx context.Context, t time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, rec := range s.records {
		if rec.RecordedAt.Before(t) {
			continue
		}
		units, ok := new(big.Int).SetString(rec.AmountMinorUnits, 10)
		if !ok {
			return decimal.Zero, fmt.Errorf("corrupt amount in payout ledger: %q", rec.AmountMinorUnits)
		}
		total = total.Add(policy.FromMinorUnits(units, s.tokenDecimals))
	}
	return total, nil
}

// persist writes the whole map to a temp file, fsyncs, then renames over
// the live file. Caller holds s.mu.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".payouts-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
