package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the full startup surface: chain access, presale policy,
// treasury credentials and front-end wiring. Loaded once; read-only for
// the lifetime of the process.
type Config struct {
	RPCURL  string
	ChainID int64

	TokenAddress  string
	TokenDecimals int32

	CollectionAddress string
	TreasuryAddress   string
	TreasuryPrivKey   string

	Rate           decimal.Decimal
	BonusBps       int64
	MinDeposit     decimal.Decimal
	MaxDeposit     decimal.Decimal
	MaxPerTransfer decimal.Decimal
	DailyCap       decimal.Decimal
	AutoPayout     bool

	// ProcessedFile backs the file ledger; DatabaseURL, when set, selects
	// the Postgres ledger instead.
	ProcessedFile string
	DatabaseURL   string

	HTTPAddr string
	BotToken string
}

func Load() (*Config, error) {
	cfg := &Config{
		RPCURL:        getEnv("RPC_URL", "https://bsc-dataseed.binance.org"),
		BotToken:      os.Getenv("BOT_TOKEN"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		ProcessedFile: getEnv("PROCESSED_FILE", "processed_tx.json"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		AutoPayout:    getEnv("AUTO_PAYOUT", "1") == "1",
	}

	var err error
	if cfg.ChainID, err = parseInt(getEnv("CHAIN_ID", "56")); err != nil {
		return nil, fmt.Errorf("CHAIN_ID: %w", err)
	}

	tokenDecimals, err := parseInt(getEnv("TOKEN_DECIMALS", "18"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_DECIMALS: %w", err)
	}
	if tokenDecimals < 0 || tokenDecimals > 77 {
		return nil, fmt.Errorf("TOKEN_DECIMALS: %d outside [0, 77]", tokenDecimals)
	}
	cfg.TokenDecimals = int32(tokenDecimals)

	if cfg.TokenAddress, err = requireAddress("TOKEN_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.CollectionAddress, err = requireAddress("COLLECTION_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.TreasuryAddress, err = requireAddress("TREASURY_ADDRESS"); err != nil {
		return nil, err
	}

	cfg.TreasuryPrivKey = os.Getenv("TREASURY_PRIVKEY")
	if cfg.TreasuryPrivKey == "" {
		return nil, fmt.Errorf("TREASURY_PRIVKEY environment variable is required")
	}

	if cfg.Rate, err = parseDecimal(getEnv("RATE", "1900000")); err != nil {
		return nil, fmt.Errorf("RATE: %w", err)
	}
	if cfg.BonusBps, err = parseInt(getEnv("BONUS_BPS", "5000")); err != nil {
		return nil, fmt.Errorf("BONUS_BPS: %w", err)
	}
	if cfg.MinDeposit, err = parseDecimal(getEnv("MIN_DEPOSIT", "0.01")); err != nil {
		return nil, fmt.Errorf("MIN_DEPOSIT: %w", err)
	}
	if cfg.MaxDeposit, err = parseDecimal(getEnv("MAX_DEPOSIT", "1")); err != nil {
		return nil, fmt.Errorf("MAX_DEPOSIT: %w", err)
	}
	if cfg.MaxPerTransfer, err = parseDecimal(getEnv("MAX_PER_TRANSFER", "2000000")); err != nil {
		return nil, fmt.Errorf("MAX_PER_TRANSFER: %w", err)
	}
	if cfg.DailyCap, err = parseDecimal(getEnv("DAILY_CAP", "5000000")); err != nil {
		return nil, fmt.Errorf("DAILY_CAP: %w", err)
	}

	if cfg.Rate.IsNegative() || cfg.BonusBps < 0 {
		return nil, fmt.Errorf("RATE and BONUS_BPS must be non-negative")
	}
	if cfg.MinDeposit.GreaterThan(cfg.MaxDeposit) {
		return nil, fmt.Errorf("MIN_DEPOSIT %s exceeds MAX_DEPOSIT %s", cfg.MinDeposit, cfg.MaxDeposit)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireAddress(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s environment variable is required", key)
	}
	if !common.IsHexAddress(v) {
		return "", fmt.Errorf("%s: %q is not a valid address", key, v)
	}
	return common.HexToAddress(v).Hex(), nil
}

func parseInt(v string) (int64, error) {
	return strconv.ParseInt(v, 10, 64)
}

func parseDecimal(v string) (decimal.Decimal, error) {
	return decimal.NewFromString(v)
}
