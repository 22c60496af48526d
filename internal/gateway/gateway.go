// Package gateway owns all interaction with the remote chain node: reading
// deposit transactions and receipts, reading the treasury token balance, and
// broadcasting signed payout transfers.
package gateway

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrTxNotFound means the node has no transaction for the reference.
	// Distinct from transport failures: the deposit may simply not have
	// propagated yet.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrReceiptPending means the transaction exists but produced no receipt
	// within the wait deadline.
	ErrReceiptPending = errors.New("receipt still pending")
)

// DepositTx is the narrow view of an on-chain transaction the engine needs.
// To is empty for contract-creation transactions.
type DepositTx struct {
	Hash  string
	From  string
	To    string
	Value *big.Int // native coin, wei
}

// Receipt carries the confirmation status: 1 for success, 0 for revert.
type Receipt struct {
	Status uint64
}

// Gateway is the chain access contract consumed by the engine. Calls are
// network round-trips with bounded timeouts; the gateway does not retry
// internally.
type Gateway interface {
	Transaction(ctx context.Context, ref string) (*DepositTx, error)
	WaitReceipt(ctx context.Context, ref string) (*Receipt, error)
	TokenBalance(ctx context.Context, account string) (*big.Int, error)

	// SubmitTransfer builds, signs and broadcasts a token transfer of
	// amountMinorUnits from the treasury to the destination wallet. The
	// returned hash is only valid once the node accepted the broadcast.
	SubmitTransfer(ctx context.Context, to string, amountMinorUnits *big.Int) (string, error)
}
