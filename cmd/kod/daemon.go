package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/koracle-dev/koracle/api"
	"github.com/koracle-dev/koracle/chain"
	"github.com/koracle-dev/koracle/fanout"
	"github.com/koracle-dev/koracle/ingest"
	"github.com/koracle-dev/koracle/internal/build"
	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"github.com/koracle-dev/koracle/persist"
	"github.com/koracle-dev/koracle/scorer"
	"go.uber.org/zap"
)

const (
	// logFilename is the name of the log file in the state directory.
	logFilename = "kod.log"

	// upstreamRPS is the request budget against the upstream indexer.
	upstreamRPS = 10

	snapshotInterval = 24 * time.Hour
	backupInterval   = 24 * time.Hour
	priceInterval    = time.Hour
)

// refreshPrice fetches the primary token price and derives the raw
// amount worth one USD, which the calculator uses as its USD-minimum
// threshold.
func refreshPrice(store *kdb.Store, client *chain.Client, cfg *persist.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := client.FetchTokenInfo(ctx, cfg.TokenMint)
	if err != nil {
		logger.Warn("couldn't refresh token price", zap.Error(err))
		return
	}
	if info.PriceUSD <= 0 {
		return
	}
	if err := store.SetSyncValue(kdb.SyncKeyTokenPrice,
		strconv.FormatFloat(info.PriceUSD, 'f', -1, 64)); err != nil {
		logger.Error("couldn't store token price", zap.Error(err))
		return
	}
	oneUSD := utils.TokensFromFloat(1.0/info.PriceUSD, cfg.TokenDecimals)
	if err := store.SetSyncValue(kdb.SyncKeyOneUSDThreshold, oneUSD.String()); err != nil {
		logger.Error("couldn't store USD threshold", zap.Error(err))
	}
}

// startDaemon starts the kod server.
func startDaemon(cfg *persist.Config) error {
	fmt.Printf("kod v%v\n", build.NodeVersion)
	if build.GitRevision == "" {
		fmt.Println("WARN: compiled without build commit or version. To compile correctly, please use the makefile")
	} else {
		fmt.Println("Git Revision " + build.GitRevision)
	}
	fmt.Println("Loading...")

	logger, closeLogger, err := persist.NewLogger(filepath.Join(cfg.Dir, logFilename))
	if err != nil {
		return utils.AddContext(err, "couldn't open log file")
	}
	defer closeLogger()

	store, err := kdb.NewStore(filepath.Join(cfg.Dir, cfg.DBName), logger)
	if err != nil {
		return utils.AddContext(err, "couldn't open database")
	}

	client := chain.NewClient(cfg.HeliusAPIKey, upstreamRPS, logger)
	calc := kmetric.NewCalculator(store, cfg, logger)
	hub := fanout.NewHub(logger)
	dispatcher := fanout.NewDispatcher(store, logger)
	pipe := ingest.NewPipeline(store, calc, hub, dispatcher, cfg, logger)
	puller := ingest.NewPuller(pipe, client, store, cfg.TokenMint, logger)
	walletScorer := scorer.NewWalletScorer(store, client, cfg, logger)
	tokenScorer := scorer.NewTokenScorer(store, client, logger)

	gateway, err := api.NewAPI(store, cfg, calc, client, hub, pipe, puller, tokenScorer, logger)
	if err != nil {
		store.Close()
		return utils.AddContext(err, "couldn't start gateway")
	}
	log.Println("api: Listening on", cfg.APIAddr)

	stopChan := make(chan struct{})
	go func() {
		refreshPrice(store, client, cfg, logger)
		for {
			select {
			case <-stopChan:
				return
			case <-time.After(priceInterval):
			}
			refreshPrice(store, client, cfg, logger)
		}
	}()
	go func() {
		for {
			select {
			case <-stopChan:
				return
			case <-time.After(snapshotInterval):
			}
			if _, err := calc.CalculateAndSave(); err != nil {
				logger.Error("couldn't save daily snapshot", zap.Error(err))
			}
		}
	}()
	go func() {
		for {
			select {
			case <-stopChan:
				return
			case <-time.After(backupInterval):
			}
			if _, err := store.Backup(cfg.BackupDir); err != nil {
				logger.Error("scheduled backup failed", zap.Error(err))
			}
		}
	}()
	go func() {
		// Catch up on anything missed while the daemon was down.
		if applied, err := puller.Sync(context.Background()); err != nil {
			logger.Warn("startup sync failed", zap.Error(err))
		} else if applied > 0 {
			logger.Info("startup sync applied changes", zap.Int("applied", applied))
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	<-signalCh
	log.Println("Shutting down...")
	close(stopChan)
	errGateway := gateway.Close()
	puller.Close()
	walletScorer.Close()
	tokenScorer.Close()
	dispatcher.Close()
	hub.Close()

	return utils.ComposeErrors(errGateway, store.Close())
}
