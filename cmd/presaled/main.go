package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mystworks/presale/internal/api"
	"github.com/mystworks/presale/internal/bot"
	"github.com/mystworks/presale/internal/config"
	"github.com/mystworks/presale/internal/engine"
	"github.com/mystworks/presale/internal/gateway"
	"github.com/mystworks/presale/internal/ledger"
	"github.com/mystworks/presale/internal/policy"
)

func main() {
	_ = godotenv.Load()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		pg, err := ledger.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.TokenDecimals)
		if err != nil {
			logrus.Fatalf("payout ledger (postgres): %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		fs, err := ledger.NewFileStore(cfg.ProcessedFile, cfg.TokenDecimals)
		if err != nil {
			logrus.Fatalf("payout ledger (file): %v", err)
		}
		store = fs
	}

	gw, err := gateway.NewEthGateway(cfg.RPCURL, cfg.ChainID, cfg.TokenAddress, cfg.TreasuryPrivKey)
	if err != nil {
		logrus.Fatalf("chain gateway: %v", err)
	}
	if !strings.EqualFold(gw.TreasuryAddress(), cfg.TreasuryAddress) {
		logrus.Fatalf("TREASURY_PRIVKEY derives %s, but TREASURY_ADDRESS is %s",
			gw.TreasuryAddress(), cfg.TreasuryAddress)
	}

	params := policy.Params{
		Rate:           cfg.Rate,
		BonusBps:       cfg.BonusBps,
		MinDeposit:     cfg.MinDeposit,
		MaxDeposit:     cfg.MaxDeposit,
		MaxPerTransfer: cfg.MaxPerTransfer,
		DailyCap:       cfg.DailyCap,
		TokenDecimals:  cfg.TokenDecimals,
	}
	eng := engine.New(params, store, gw, cfg.CollectionAddress, cfg.TreasuryAddress)

	if cfg.BotToken != "" {
		b, err := bot.New(cfg.BotToken, eng, cfg.AutoPayout)
		if err != nil {
			logrus.Fatalf("telegram bot: %v", err)
		}
		go b.Run(ctx)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewHandler(eng).Router(),
	}
	go func() {
		logrus.Infof("http server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("http shutdown: %v", err)
	}
}
