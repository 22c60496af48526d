package engine

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mystworks/presale/internal/gateway"
	"github.com/mystworks/presale/internal/ledger"
	"github.com/mystworks/presale/internal/policy"
)

const (
	collectionAddr = "0x1111111111111111111111111111111111111111"
	treasuryAddr   = "0x2222222222222222222222222222222222222222"
	userWallet     = "0x3333333333333333333333333333333333333333"
	depositRef     = "0xaaaa000000000000000000000000000000000000000000000000000000000001"
)

// oneCoin is 1 native coin in wei.
var oneCoin = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type stubGateway struct {
	tx         *gateway.DepositTx
	txErr      error
	receipt    *gateway.Receipt
	receiptErr error
	balance    *big.Int
	balanceErr error
	submitHash string
	submitErr  error

	submitDelay time.Duration
	submitCalls atomic.Int32
}

func (s *stubGateway) Transaction(ctx context.Context, ref string) (*gateway.DepositTx, error) {
	if s.txErr != nil {
		return nil, s.txErr
	}
	return s.tx, nil
}

func (s *stubGateway) WaitReceipt(ctx context.Context, ref string) (*gateway.Receipt, error) {
	if s.receiptErr != nil {
		return nil, s.receiptErr
	}
	return s.receipt, nil
}

func (s *stubGateway) TokenBalance(ctx context.Context, account string) (*big.Int, error) {
	if s.balanceErr != nil {
		return nil, s.balanceErr
	}
	return s.balance, nil
}

func (s *stubGateway) SubmitTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	s.submitCalls.Add(1)
	if s.submitDelay > 0 {
		time.Sleep(s.submitDelay)
	}
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.submitHash, nil
}

func testParams() policy.Params {
	return policy.Params{
		Rate:           decimal.NewFromInt(1900000),
		BonusBps:       5000,
		MinDeposit:     decimal.RequireFromString("0.01"),
		MaxDeposit:     decimal.NewFromInt(1),
		MaxPerTransfer: decimal.NewFromInt(2850000),
		DailyCap:       decimal.NewFromInt(5000000),
		TokenDecimals:  18,
	}
}

// healthyGateway returns a stub where depositRef is a confirmed 1-coin
// deposit to the collection address and the treasury is well funded.
func healthyGateway() *stubGateway {
	balance := new(big.Int).Mul(oneCoin, big.NewInt(10_000_000))
	return &stubGateway{
		tx: &gateway.DepositTx{
			Hash:  depositRef,
			From:  userWallet,
			To:    collectionAddr,
			Value: new(big.Int).Set(oneCoin),
		},
		receipt:    &gateway.Receipt{Status: 1},
		balance:    balance,
		submitHash: "0xpayout01",
	}
}

func newTestEngine(t *testing.T, gw gateway.Gateway) (*Engine, ledger.Store) {
	t.Helper()
	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "payouts.json"), 18)
	require.NoError(t, err)
	return New(testParams(), store, gw, collectionAddr, treasuryAddr), store
}

func rejectionCode(t *testing.T, err error) RejectCode {
	t.Helper()
	var r *Rejection
	require.ErrorAs(t, err, &r)
	return r.Code
}

func disburseCode(t *testing.T, err error) DisburseCode {
	t.Helper()
	var d *DisburseError
	require.ErrorAs(t, err, &d)
	return d.Code
}

func TestVerify_MalformedReference(t *testing.T) {
	e, _ := newTestEngine(t, healthyGateway())

	for _, ref := range []string{"", "abc", "0x1234", depositRef + "00", "0x" + "zz" + depositRef[4:]} {
		_, _, err := e.Verify(context.Background(), ref, false)
		assert.Equal(t, RejectMalformedReference, rejectionCode(t, err), "ref %q", ref)
	}
}

func TestVerify_Success(t *testing.T) {
	e, _ := newTestEngine(t, healthyGateway())

	quote, tx, err := e.Verify(context.Background(), depositRef, false)
	require.NoError(t, err)
	require.NotNil(t, tx)

	assert.True(t, quote.Base.Equal(decimal.NewFromInt(1900000)))
	assert.True(t, quote.Bonus.Equal(decimal.NewFromInt(950000)))
	assert.True(t, quote.Total.Equal(decimal.NewFromInt(2850000)))
	assert.Equal(t, userWallet, tx.From)
}

func TestVerify_UppercaseReferenceAccepted(t *testing.T) {
	e, _ := newTestEngine(t, healthyGateway())

	ref := "0xAAAA000000000000000000000000000000000000000000000000000000000001"
	_, _, err := e.Verify(context.Background(), ref, false)
	assert.NoError(t, err)
}

func TestVerify_NotFoundYet(t *testing.T) {
	gw := healthyGateway()
	gw.txErr = gateway.ErrTxNotFound
	e, _ := newTestEngine(t, gw)

	_, _, err := e.Verify(context.Background(), depositRef, false)
	assert.Equal(t, RejectNotFoundYet, rejectionCode(t, err))
}

func TestVerify_TransportErrorIsNotNotFound(t *testing.T) {
	gw := healthyGateway()
	gw.txErr = errors.New("connection reset")
	e, _ := newTestEngine(t, gw)

	_, _, err := e.Verify(context.Background(), depositRef, false)
	code := rejectionCode(t, err)
	assert.Equal(t, RejectGatewayError, code)
	assert.NotEqual(t, RejectNotFoundYet, code)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestVerify_NotConfirmedYet(t *testing.T) {
	gw := healthyGateway()
	gw.receiptErr = gateway.ErrReceiptPending
	e, _ := newTestEngine(t, gw)

	_, _, err := e.Verify(context.Background(), depositRef, false)
	assert.Equal(t, RejectNotConfirmedYet, rejectionCode(t, err))
}

func TestVerify_TransactionFailed(t *testing.T) {
	gw := healthyGateway()
	gw.receipt = &gateway.Receipt{Status: 0}
	e, _ := newTestEngine(t, gw)

	_, _, err := e.Verify(context.Background(), depositRef, false)
	assert.Equal(t, RejectTransactionFailed, rejectionCode(t, err))
}

func TestVerify_WrongDestination(t *testing.T) {
	gw := healthyGateway()
	gw.tx.To = "0x9999999999999999999999999999999999999999"
	e, _ := newTestEngine(t, gw)

	_, _, err := e.Verify(context.Background(), depositRef, false)
	assert.Equal(t, RejectWrongDestination, rejectionCode(t, err))
}

func TestVerify_DestinationComparisonIgnoresCase(t *testing.T) {
	gw := healthyGateway()
	// Same address, different case form than the configured one.
	gw.tx.To = "0xABCDEF0123456789ABCDEF0123456789ABCDEF01"

	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "payouts.json"), 18)
	require.NoError(t, err)
	e := New(testParams(), store, gw, "0xabcdef0123456789abcdef0123456789abcdef01", treasuryAddr)

	_, _, err = e.Verify(context.Background(), depositRef, false)
	assert.NoError(t, err)
}

func TestVerify_MissingDestinationRejected(t *testing.T) {
	gw := healthyGateway()
	gw.tx.To = "" // contract creation
	e, _ := newTestEngine(t, gw)

	_, _, err := e.Verify(context.Background(), depositRef, false)
	assert.Equal(t, RejectWrongDestination, rejectionCode(t, err))
}

func TestVerify_AmountOutOfRange(t *testing.T) {
	gw := healthyGateway()
	// 0.005 native coin, below the 0.01 minimum.
	gw.tx.Value = new(big.Int).Div(oneCoin, big.NewInt(200))
	e, _ := newTestEngine(t, gw)

	_, _, err := e.Verify(context.Background(), depositRef, false)
	assert.Equal(t, RejectAmountOutOfRange, rejectionCode(t, err))
}

func TestVerify_AlreadyPaidOnlyWhenRequired(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, healthyGateway())

	require.NoError(t, store.Record(ctx, depositRef, userWallet, "1"))

	_, _, err := e.Verify(ctx, depositRef, true)
	assert.Equal(t, RejectAlreadyPaid, rejectionCode(t, err))

	// A pure status lookup still verifies the paid deposit.
	_, _, err = e.Verify(ctx, depositRef, false)
	assert.NoError(t, err)
}

func TestDisburse_Success(t *testing.T) {
	ctx := context.Background()
	gw := healthyGateway()
	e, store := newTestEngine(t, gw)

	quote, _, err := e.Verify(ctx, depositRef, true)
	require.NoError(t, err)

	txHash, err := e.Disburse(ctx, depositRef, userWallet, quote)
	require.NoError(t, err)
	assert.Equal(t, "0xpayout01", txHash)

	rec, err := store.Get(ctx, depositRef)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, userWallet, rec.Wallet)
	assert.Equal(t, "2850000000000000000000000", rec.AmountMinorUnits)
}

func TestDisburse_PayoutTooLarge(t *testing.T) {
	e, _ := newTestEngine(t, healthyGateway())

	quote := testParams().Quote(decimal.NewFromInt(2)) // above per-transfer cap
	_, err := e.Disburse(context.Background(), depositRef, userWallet, quote)
	assert.Equal(t, DisbursePayoutTooLarge, disburseCode(t, err))
}

func TestDisburse_AlreadyPaidRecheck(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, healthyGateway())

	quote, _, err := e.Verify(ctx, depositRef, true)
	require.NoError(t, err)

	// Another claim wins the race between Verify and Disburse.
	require.NoError(t, store.Record(ctx, depositRef, userWallet, "1"))

	_, err = e.Disburse(ctx, depositRef, userWallet, quote)
	assert.Equal(t, RejectAlreadyPaid, rejectionCode(t, err))
}

func TestDisburse_DailyCapReached(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, healthyGateway())

	// 4M tokens already paid today against a 5M cap.
	require.NoError(t, store.Record(ctx,
		"0xaaaa000000000000000000000000000000000000000000000000000000000099",
		userWallet, "4000000000000000000000000"))

	quote := testParams().Quote(decimal.NewFromInt(1)) // 2.85M more
	_, err := e.Disburse(ctx, depositRef, userWallet, quote)
	assert.Equal(t, DisburseDailyCapReached, disburseCode(t, err))
}

func TestDisburse_InsufficientTreasury_NoRecord(t *testing.T) {
	ctx := context.Background()
	gw := healthyGateway()
	gw.balance = big.NewInt(1)
	e, store := newTestEngine(t, gw)

	quote := testParams().Quote(decimal.NewFromInt(1))
	_, err := e.Disburse(ctx, depositRef, userWallet, quote)
	assert.Equal(t, DisburseInsufficientTreasury, disburseCode(t, err))

	has, err := store.Has(ctx, depositRef)
	require.NoError(t, err)
	assert.False(t, has, "failed disbursement must not write a payout record")
	assert.Equal(t, int32(0), gw.submitCalls.Load())
}

func TestDisburse_BroadcastError_RemainsRetryable(t *testing.T) {
	ctx := context.Background()
	gw := healthyGateway()
	gw.submitErr = errors.New("node timeout")
	e, store := newTestEngine(t, gw)

	quote := testParams().Quote(decimal.NewFromInt(1))
	_, err := e.Disburse(ctx, depositRef, userWallet, quote)
	assert.Equal(t, DisburseBroadcastError, disburseCode(t, err))

	has, err := store.Has(ctx, depositRef)
	require.NoError(t, err)
	assert.False(t, has)

	// A later attempt succeeds once the node recovers.
	gw.submitErr = nil
	txHash, err := e.Disburse(ctx, depositRef, userWallet, quote)
	require.NoError(t, err)
	assert.Equal(t, "0xpayout01", txHash)
}

func TestDisburse_ConcurrentSameReference_OneWinner(t *testing.T) {
	ctx := context.Background()
	gw := healthyGateway()
	gw.submitDelay = 20 * time.Millisecond
	e, _ := newTestEngine(t, gw)

	quote := testParams().Quote(decimal.NewFromInt(1))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.Disburse(ctx, depositRef, userWallet, quote)
		}(i)
	}
	wg.Wait()

	var ok, alreadyPaid int
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		var r *Rejection
		if errors.As(err, &r) && r.Code == RejectAlreadyPaid {
			alreadyPaid++
		}
	}
	assert.Equal(t, 1, ok, "exactly one transfer must be accepted")
	assert.Equal(t, 1, alreadyPaid, "the loser must see AlreadyPaid")
	assert.Equal(t, int32(1), gw.submitCalls.Load(), "only one broadcast may happen")
}

func TestSubmitClaim_InvalidWallet(t *testing.T) {
	e, _ := newTestEngine(t, healthyGateway())

	_, _, err := e.SubmitClaim(context.Background(), depositRef, "not-an-address")
	assert.Equal(t, RejectInvalidWallet, rejectionCode(t, err))
}

func TestSubmitClaim_EndToEnd(t *testing.T) {
	e, store := newTestEngine(t, healthyGateway())
	ctx := context.Background()

	quote, txHash, err := e.SubmitClaim(ctx, depositRef, userWallet)
	require.NoError(t, err)
	assert.Equal(t, "0xpayout01", txHash)
	assert.True(t, quote.Total.Equal(decimal.NewFromInt(2850000)))

	// Second claim for the same reference is rejected.
	_, _, err = e.SubmitClaim(ctx, depositRef, userWallet)
	assert.Equal(t, RejectAlreadyPaid, rejectionCode(t, err))

	has, err := store.Has(ctx, depositRef)
	require.NoError(t, err)
	assert.True(t, has)
}
