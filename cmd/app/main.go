package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"tagaudit/internal/pkg/administrator"
	"tagaudit/internal/pkg/api"
	"tagaudit/internal/pkg/auditor"
	"tagaudit/internal/pkg/cms"
	"tagaudit/internal/pkg/config"
	"tagaudit/internal/pkg/fetcher"
	bloomfilter "tagaudit/internal/pkg/filter"
	"tagaudit/internal/pkg/fixes"
	"tagaudit/internal/pkg/logging"
	"tagaudit/internal/pkg/store"
	"tagaudit/internal/pkg/types"
	"tagaudit/internal/pkg/verify"
	"tagaudit/internal/pkg/websites"
)

const (
	ledgerCapacity  = 100000
	ledgerFPRate    = 0.001
	ledgerSaveEvery = 50
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// A missing .env is fine, the environment may already be set
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.WithError(envErr).Warn("could not read .env")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.WithError(err).Fatal("creating data directory")
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("opening database")
	}
	defer db.Close()

	agents, err := fetcher.LoadUserAgents()
	if err != nil {
		logger.WithError(err).Fatal("loading user agents")
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	gate := fetcher.NewRobotsGate(httpClient, cfg.Audit.MaxCrawlDelay, cfg.Audit.RespectRobots)
	browser := fetcher.NewBrowserFetcher(fetcher.Options{
		Headless:          cfg.Audit.Headless,
		NoSandbox:         cfg.Audit.NoSandbox,
		NavigationTimeout: cfg.Audit.NavigationTimeout,
	}, gate, agents, logger)

	runner := auditor.New(browser, nil, auditor.Options{
		Timeout:           cfg.Audit.Timeout,
		NavigationTimeout: cfg.Audit.NavigationTimeout,
	}, logger)

	verifier := verify.NewVerifier(net.DefaultResolver, agents.Random(), logger)
	applier := fixes.NewApplier(func(p types.Platform) (cms.Installer, error) {
		return cms.ForPlatform(p, httpClient)
	}, logger)
	service := websites.NewService(db, verifier, runner, applier, logger)

	var admin *administrator.Administrator
	if cfg.Scheduler.Workers > 0 {
		ledger, err := bloomfilter.NewRunLedger(cfg.Scheduler.LedgerPath, ledgerSaveEvery, ledgerCapacity, ledgerFPRate, logger)
		if err != nil {
			logger.WithError(err).Fatal("loading run ledger")
		}
		admin, err = administrator.NewAdministrator(service, ledger, administrator.Options{
			Workers:       cfg.Scheduler.Workers,
			QueueCapacity: cfg.Scheduler.QueueCapacity,
			Interval:      cfg.Scheduler.Interval,
			Rate:          cfg.Scheduler.Rate,
		}, clockwork.NewRealClock(), logger)
		if err != nil {
			logger.WithError(err).Fatal("creating scheduler")
		}
		go admin.Run()
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.New(service, db, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.WithField("addr", cfg.Server.ListenAddr).Info("listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server error")
		}
	}

	// Audits can take up to the audit timeout to drain
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Audit.Timeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if admin != nil {
		if err := admin.ShutDown(); err != nil {
			logger.WithError(err).Warn("saving run ledger")
		}
	}
}
