// Package engine implements the deposit verification pipeline and the
// idempotent disbursement executor on top of the chain gateway, the pricing
// policy and the idempotency ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/mystworks/presale/internal/gateway"
	"github.com/mystworks/presale/internal/ledger"
	"github.com/mystworks/presale/internal/policy"
)

// referencePattern is the canonical deposit reference shape: 0x + 64 hex.
var referencePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Engine is safe for concurrent use. Verifications run in parallel; the
// has-check -> balance -> broadcast -> record sequence of a disbursement is
// serialized by payoutMu so at most one payout is in flight at a time.
type Engine struct {
	params     policy.Params
	store      ledger.Store
	gw         gateway.Gateway
	collection string
	treasury   string

	payoutMu sync.Mutex
	log      *logrus.Entry
}

func New(params policy.Params, store ledger.Store, gw gateway.Gateway, collectionAddr, treasuryAddr string) *Engine {
	return &Engine{
		params:     params,
		store:      store,
		gw:         gw,
		collection: collectionAddr,
		treasury:   treasuryAddr,
		log:        logrus.WithField("component", "engine"),
	}
}

// Params exposes the pricing parameters for front-end rendering.
func (e *Engine) Params() policy.Params { return e.params }

// CollectionAddress is the fixed account deposits must be sent to.
func (e *Engine) CollectionAddress() string { return e.collection }

// Verify re-derives a claimed deposit's validity and value against chain
// state. Each step is a potential terminal rejection; the first failing
// check wins. No mutation occurs, so it is safe to call repeatedly.
func (e *Engine) Verify(ctx context.Context, ref string, requireUnpaid bool) (policy.Quote, *gateway.DepositTx, error) {
	ref = strings.TrimSpace(ref)
	if !referencePattern.MatchString(ref) {
		return e.rejected(reject(RejectMalformedReference, "expected 0x-prefixed 64-hex-digit hash"))
	}
	ref = strings.ToLower(ref)

	// Only the disbursing path cares whether the reference was paid; a pure
	// status lookup must still work after payout.
	if requireUnpaid {
		paid, err := e.store.Has(ctx, ref)
		if err != nil {
			return policy.Quote{}, nil, fmt.Errorf("payout ledger lookup: %w", err)
		}
		if paid {
			return e.rejected(reject(RejectAlreadyPaid, "deposit %s was already paid out", ref))
		}
	}

	tx, err := e.gw.Transaction(ctx, ref)
	if errors.Is(err, gateway.ErrTxNotFound) {
		return e.rejected(reject(RejectNotFoundYet, "transaction not seen by the node yet"))
	}
	if err != nil {
		return e.rejected(reject(RejectGatewayError, "%v", err))
	}

	receipt, err := e.gw.WaitReceipt(ctx, ref)
	if errors.Is(err, gateway.ErrReceiptPending) {
		return e.rejected(reject(RejectNotConfirmedYet, "transaction exists but is not confirmed yet"))
	}
	if err != nil {
		return e.rejected(reject(RejectGatewayError, "%v", err))
	}

	if receipt.Status != 1 {
		return e.rejected(reject(RejectTransactionFailed, "receipt status %d", receipt.Status))
	}

	if tx.To == "" || !strings.EqualFold(tx.To, e.collection) {
		return e.rejected(reject(RejectWrongDestination, "expected %s, got %s", e.collection, tx.To))
	}

	deposit := policy.WeiToCoin(tx.Value)
	if !e.params.InRange(deposit) {
		return e.rejected(reject(RejectAmountOutOfRange,
			"deposit %s outside [%s, %s]", deposit, e.params.MinDeposit, e.params.MaxDeposit))
	}

	verificationsTotal.WithLabelValues("verified").Inc()
	return e.params.Quote(deposit), tx, nil
}

func (e *Engine) rejected(r *Rejection) (policy.Quote, *gateway.DepositTx, error) {
	verificationsTotal.WithLabelValues(string(r.Code)).Inc()
	return policy.Quote{}, nil, r
}

// Disburse executes the at-most-once outbound transfer for a quote that
// Verify already produced for ref with requireUnpaid set. The payout record
// is written only after the node accepted the broadcast; a broadcast
// failure records nothing and leaves the reference retryable.
func (e *Engine) Disburse(ctx context.Context, ref, wallet string, quote policy.Quote) (string, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))

	if quote.Total.GreaterThan(e.params.MaxPerTransfer) {
		disburseFailures.WithLabelValues(string(DisbursePayoutTooLarge)).Inc()
		return "", disburseErr(DisbursePayoutTooLarge,
			"quote total %s exceeds per-transfer cap %s", quote.Total, e.params.MaxPerTransfer)
	}

	// An abandoned caller must not interrupt a payout mid-flight: once we
	// start, the broadcast and its record run to completion server-side.
	ctx = context.WithoutCancel(ctx)

	e.payoutMu.Lock()
	defer e.payoutMu.Unlock()

	// Closes the race between pipeline verification and this point.
	paid, err := e.store.Has(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("payout ledger lookup: %w", err)
	}
	if paid {
		return "", reject(RejectAlreadyPaid, "deposit %s was already paid out", ref)
	}

	if e.params.DailyCap.IsPositive() {
		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		paidToday, err := e.store.PaidSince(ctx, midnight)
		if err != nil {
			return "", fmt.Errorf("payout ledger daily total: %w", err)
		}
		if paidToday.Add(quote.Total).GreaterThan(e.params.DailyCap) {
			disburseFailures.WithLabelValues(string(DisburseDailyCapReached)).Inc()
			return "", disburseErr(DisburseDailyCapReached,
				"%s paid today, cap %s", paidToday, e.params.DailyCap)
		}
	}

	need := quote.TotalMinorUnits(e.params.TokenDecimals)

	balance, err := e.gw.TokenBalance(ctx, e.treasury)
	if err != nil {
		disburseFailures.WithLabelValues(string(DisburseBroadcastError)).Inc()
		return "", disburseErr(DisburseBroadcastError, "treasury balance read: %v", err)
	}
	if balance.Cmp(need) < 0 {
		disburseFailures.WithLabelValues(string(DisburseInsufficientTreasury)).Inc()
		return "", disburseErr(DisburseInsufficientTreasury,
			"treasury holds %s minor units, need %s", balance, need)
	}

	txHash, err := e.gw.SubmitTransfer(ctx, wallet, need)
	if err != nil {
		disburseFailures.WithLabelValues(string(DisburseBroadcastError)).Inc()
		return "", disburseErr(DisburseBroadcastError, "%v", err)
	}

	if err := e.store.Record(ctx, ref, wallet, need.String()); err != nil {
		if errors.Is(err, ledger.ErrAlreadyRecorded) {
			// The has-check above should have caught this; a duplicate here
			// is an invariant violation, fatal to this request only.
			return "", fmt.Errorf("payout record for %s already exists after broadcast %s: %w", ref, txHash, err)
		}
		// The transfer is on chain but the record is not. Surface loudly;
		// reconciliation is manual.
		e.log.WithFields(logrus.Fields{
			"reference": ref,
			"payout_tx": txHash,
			"wallet":    wallet,
		}).WithError(err).Error("payout broadcast but record failed")
		return "", fmt.Errorf("record payout for %s (broadcast %s): %w", ref, txHash, err)
	}

	payoutsTotal.Inc()
	tokens, _ := quote.Total.Float64()
	payoutTokens.Add(tokens)
	e.log.WithFields(logrus.Fields{
		"reference": ref,
		"payout_tx": txHash,
		"wallet":    wallet,
		"tokens":    quote.Total.String(),
	}).Info("payout recorded")
	return txHash, nil
}

// CheckStatus is the read-only front-end call: verify without the unpaid
// requirement and never disburse.
func (e *Engine) CheckStatus(ctx context.Context, ref string) (policy.Quote, *gateway.DepositTx, error) {
	return e.Verify(ctx, ref, false)
}

// SubmitClaim is the disbursing front-end call: verify with requireUnpaid,
// then pay out to wallet. Returns the outbound transaction hash.
func (e *Engine) SubmitClaim(ctx context.Context, ref, wallet string) (policy.Quote, string, error) {
	if !common.IsHexAddress(wallet) {
		return policy.Quote{}, "", reject(RejectInvalidWallet, "%q is not a valid address", wallet)
	}
	wallet = common.HexToAddress(wallet).Hex()

	quote, _, err := e.Verify(ctx, ref, true)
	if err != nil {
		return policy.Quote{}, "", err
	}

	txHash, err := e.Disburse(ctx, ref, wallet, quote)
	if err != nil {
		return quote, "", err
	}
	return quote, txHash, nil
}
