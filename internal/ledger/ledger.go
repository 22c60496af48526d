// Package ledger is the idempotency ledger: the durable mapping from a
// deposit reference to the payout it produced. Its presence for a reference
// is the sole condition that suppresses a repeat disbursement.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrAlreadyRecorded = errors.New("reference already recorded")

// PayoutRecord is written exactly once per reference, at the moment an
// outbound transfer has been accepted for broadcast. Never updated or
// deleted afterwards.
type PayoutRecord struct {
	Wallet           string    `json:"wallet"`
	AmountMinorUnits string    `json:"amount_minor_units"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Store answers "has this reference already been paid" and persists the
// answer. Has and Record together must behave as if executed under a single
// lock per reference: two concurrent disbursement attempts for the same
// reference must not both observe Has() == false.
type Store interface {
	Has(ctx context.Context, ref string) (bool, error)
	Get(ctx context.Context, ref string) (*PayoutRecord, error)

	// Record inserts the payout record for ref. Returns ErrAlreadyRecorded
	// if one exists; the stored record is left unchanged in that case.
	// Persistence is synchronous: a successful return survives restart.
	Record(ctx context.Context, ref, wallet, amountMinorUnits string) error

	// PaidSince sums the recorded token amounts (major units) with
	// RecordedAt >= t. Backs the rolling daily payout cap.
	PaidSince(ctx context.Context, t time.Time) (decimal.Decimal, error)
}

// canonical lower-cases a reference so lookups are case-insensitive.
func canonical(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
