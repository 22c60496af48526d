// Command reconcile prints payout-ledger state for manual reconciliation:
// the tokens paid since UTC midnight and, for any references given as
// arguments, their recorded payouts.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mystworks/presale/internal/config"
	"github.com/mystworks/presale/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	var store ledger.Store
	if cfg.DatabaseURL != "" {
		pg, err := ledger.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.TokenDecimals)
		if err != nil {
			log.Fatalf("payout ledger (postgres): %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		fs, err := ledger.NewFileStore(cfg.ProcessedFile, cfg.TokenDecimals)
		if err != nil {
			log.Fatalf("payout ledger (file): %v", err)
		}
		store = fs
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	paid, err := store.PaidSince(ctx, midnight)
	if err != nil {
		log.Fatalf("daily total: %v", err)
	}
	fmt.Printf("paid since %s: %s tokens (daily cap %s)\n",
		midnight.Format(time.RFC3339), paid, cfg.DailyCap)

	for _, ref := range os.Args[1:] {
		rec, err := store.Get(ctx, ref)
		if err != nil {
			log.Fatalf("lookup %s: %v", ref, err)
		}
		if rec == nil {
			fmt.Printf("%s: no payout recorded\n", ref)
			continue
		}
		fmt.Printf("%s: paid %s minor units to %s at %s\n",
			ref, rec.AmountMinorUnits, rec.Wallet, rec.RecordedAt.Format(time.RFC3339))
	}
}
