package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Default timeouts and fee budget. The receipt wait is deliberately longer
// than a plain read: the transaction exists, we are waiting for inclusion.
const (
	DefaultReadTimeout    = 15 * time.Second
	DefaultReceiptTimeout = 60 * time.Second
	DefaultReceiptPoll    = 2 * time.Second

	fallbackTransferGas uint64 = 120_000
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// EthGateway implements Gateway against an EVM JSON-RPC node for an ERC-20
// token. A single mutex serializes nonce acquisition and broadcast so two
// in-flight payouts never reuse the treasury nonce.
type EthGateway struct {
	client   *ethclient.Client
	chainID  *big.Int
	token    common.Address
	tokenABI abi.ABI

	treasuryKey  *ecdsa.PrivateKey
	treasuryAddr common.Address

	readTimeout    time.Duration
	receiptTimeout time.Duration
	receiptPoll    time.Duration

	submitMu sync.Mutex
	log      *logrus.Entry
}

// Option configures an EthGateway.
type Option func(*EthGateway)

// WithReadTimeout bounds single read calls (transaction, balance, nonce).
func WithReadTimeout(d time.Duration) Option {
	return func(g *EthGateway) { g.readTimeout = d }
}

// WithReceiptTimeout bounds the total receipt wait.
func WithReceiptTimeout(d time.Duration) Option {
	return func(g *EthGateway) { g.receiptTimeout = d }
}

// WithReceiptPoll sets the receipt polling interval.
func WithReceiptPoll(d time.Duration) Option {
	return func(g *EthGateway) { g.receiptPoll = d }
}

// NewEthGateway dials the node and derives the treasury address from the
// signing key.
func NewEthGateway(rpcURL string, chainID int64, tokenAddr, treasuryPrivKey string, opts ...Option) (*EthGateway, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc node: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(treasuryPrivKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid treasury key: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	g := &EthGateway{
		client:         client,
		chainID:        big.NewInt(chainID),
		token:          common.HexToAddress(tokenAddr),
		tokenABI:       parsedABI,
		treasuryKey:    key,
		treasuryAddr:   crypto.PubkeyToAddress(key.PublicKey),
		readTimeout:    DefaultReadTimeout,
		receiptTimeout: DefaultReceiptTimeout,
		receiptPoll:    DefaultReceiptPoll,
		log:            logrus.WithField("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// TreasuryAddress returns the address derived from the signing key.
func (g *EthGateway) TreasuryAddress() string {
	return g.treasuryAddr.Hex()
}

func (g *EthGateway) Transaction(ctx context.Context, ref string) (*DepositTx, error) {
	ctx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()

	hash := common.HexToHash(ref)
	// Pending-ness is resolved by the receipt wait, not here.
	tx, _, err := g.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(g.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}

	dep := &DepositTx{
		Hash:  hash.Hex(),
		From:  from.Hex(),
		Value: tx.Value(),
	}
	if to := tx.To(); to != nil {
		dep.To = to.Hex()
	}
	return dep, nil
}

func (g *EthGateway) WaitReceipt(ctx context.Context, ref string) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.receiptTimeout)
	defer cancel()

	hash := common.HexToHash(ref)
	ticker := time.NewTicker(g.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &Receipt{Status: receipt.Status}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			// A transport failure must not look like "still pending".
			return nil, fmt.Errorf("get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ErrReceiptPending
		case <-ticker.C:
		}
	}
}

func (g *EthGateway) TokenBalance(ctx context.Context, account string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()

	data, err := g.tokenABI.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	results, err := g.tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}

func (g *EthGateway) SubmitTransfer(ctx context.Context, to string, amountMinorUnits *big.Int) (string, error) {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()

	nonce, err := g.client.PendingNonceAt(callCtx, g.treasuryAddr)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}

	gasPrice, err := g.client.SuggestGasPrice(callCtx)
	if err != nil {
		return "", fmt.Errorf("fetch gas price: %w", err)
	}

	data, err := g.tokenABI.Pack("transfer", common.HexToAddress(to), amountMinorUnits)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}

	gasLimit, err := g.client.EstimateGas(callCtx, ethereum.CallMsg{
		From: g.treasuryAddr,
		To:   &g.token,
		Data: data,
	})
	if err != nil {
		// A failed estimate falls back to a conservative fixed budget
		// rather than aborting the payout.
		g.log.WithError(err).Warn("gas estimate failed, using fallback limit")
		gasLimit = fallbackTransferGas
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &g.token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.treasuryKey)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}

	if err := g.client.SendTransaction(callCtx, signedTx); err != nil {
		return "", fmt.Errorf("broadcast transfer: %w", err)
	}

	g.log.WithFields(logrus.Fields{
		"tx":    signedTx.Hash().Hex(),
		"to":    to,
		"nonce": nonce,
	}).Info("payout transfer broadcast")
	return signedTx.Hash().Hex(), nil
}
