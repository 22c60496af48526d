package engine

import "fmt"

// RejectCode classifies deterministic, caller-input-driven verification
// outcomes. Rejections are surfaced verbatim to the front-end; the engine
// never retries them.
type RejectCode string

const (
	RejectMalformedReference RejectCode = "malformed_reference"
	RejectInvalidWallet      RejectCode = "invalid_wallet"
	RejectAlreadyPaid        RejectCode = "already_paid"
	RejectNotFoundYet        RejectCode = "not_found_yet"
	RejectNotConfirmedYet    RejectCode = "not_confirmed_yet"
	RejectTransactionFailed  RejectCode = "transaction_failed"
	RejectWrongDestination   RejectCode = "wrong_destination"
	RejectAmountOutOfRange   RejectCode = "amount_out_of_range"

	// RejectGatewayError is a transport-level failure talking to the node.
	// Kept distinct so a timed-out read is never reported as "not found".
	RejectGatewayError RejectCode = "gateway_error"
)

// Rejection is a terminal verification outcome. It is an ordinary value,
// not a fault: the deposit simply does not (yet) qualify.
type Rejection struct {
	Code   RejectCode
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func reject(code RejectCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// DisburseCode classifies system/resource-driven payout failures.
type DisburseCode string

const (
	DisbursePayoutTooLarge       DisburseCode = "payout_too_large"
	DisburseDailyCapReached      DisburseCode = "daily_cap_reached"
	DisburseInsufficientTreasury DisburseCode = "insufficient_treasury"
	DisburseBroadcastError       DisburseCode = "broadcast_error"
)

// DisburseError is a terminal payout failure. The underlying deposit stays
// unpaid from this system's point of view, so the reference remains
// retryable by a later claim.
type DisburseError struct {
	Code   DisburseCode
	Detail string
}

func (e *DisburseError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func disburseErr(code DisburseCode, format string, args ...any) *DisburseError {
	return &DisburseError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
