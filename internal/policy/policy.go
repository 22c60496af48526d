package policy

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Params holds the presale pricing rules. Loaded once at startup and
// treated as read-only for the lifetime of the process.
type Params struct {
	Rate           decimal.Decimal // tokens per 1 native coin
	BonusBps       int64           // bonus in basis points, 100 bps = 1%
	MinDeposit     decimal.Decimal // native coin
	MaxDeposit     decimal.Decimal // native coin
	MaxPerTransfer decimal.Decimal // tokens, cap on a single payout
	DailyCap       decimal.Decimal // tokens, cap on payouts per UTC day
	TokenDecimals  int32
}

// Quote is the token entitlement computed for a verified deposit.
// All amounts are in whole-token (major) units.
type Quote struct {
	Deposit decimal.Decimal `json:"deposit"`
	Base    decimal.Decimal `json:"base"`
	Bonus   decimal.Decimal `json:"bonus"`
	Total   decimal.Decimal `json:"total"`
}

// Quote prices a deposit: base = deposit * rate, bonus = base * bps/10000.
// Pure and total for deposit >= 0. The bonus factor is expressed as an
// exact scale (bps * 10^-4) so no step of the computation rounds.
func (p Params) Quote(deposit decimal.Decimal) Quote {
	base := deposit.Mul(p.Rate)
	bonus := base.Mul(decimal.New(p.BonusBps, -4))
	return Quote{
		Deposit: deposit,
		Base:    base,
		Bonus:   bonus,
		Total:   base.Add(bonus),
	}
}

// InRange reports whether a deposit lies within [MinDeposit, MaxDeposit].
func (p Params) InRange(deposit decimal.Decimal) bool {
	return deposit.GreaterThanOrEqual(p.MinDeposit) && deposit.LessThanOrEqual(p.MaxDeposit)
}

// TotalMinorUnits converts the quote total to the token's integer
// representation, truncating toward zero.
func (q Quote) TotalMinorUnits(decimals int32) *big.Int {
	return toMinorUnits(q.Total, decimals)
}

func toMinorUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromMinorUnits scales an integer token amount back to major units.
func FromMinorUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, 0).Shift(-decimals)
}

// WeiToCoin converts a native-coin value in wei (18 decimals) to major units.
func WeiToCoin(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, 0).Shift(-18)
}
