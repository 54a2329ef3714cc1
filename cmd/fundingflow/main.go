package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingflow/archive"
	"fundingflow/config"
	"fundingflow/coordinator"
	"fundingflow/exchange/registry"
	"fundingflow/logger"
	"fundingflow/scheduler"
	"fundingflow/storage"
	"fundingflow/storage/memory"
	"fundingflow/storage/postgres"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	exchanges := flag.String("exchanges", "", "Comma-separated exchange list (overrides config)")
	debugExchanges := flag.String("debug-exchanges", "", "Exchanges to log at debug level")
	debugLive := flag.String("debug-exchanges-live", "", "Exchanges to log live collection at debug level")
	instanceID := flag.Int("instance-id", -1, "Instance index within the fleet (overrides config)")
	totalInstances := flag.Int("total-instances", 0, "Fleet size (overrides config)")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if *exchanges != "" {
		cfg.Exchanges.Enabled = config.SplitList(*exchanges)
	}
	if *debugExchanges != "" {
		cfg.Exchanges.Debug = config.SplitList(*debugExchanges)
	}
	if *debugLive != "" {
		cfg.Exchanges.DebugLive = config.SplitList(*debugLive)
	}
	if *instanceID >= 0 {
		cfg.Instance.Index = *instanceID
	}
	if *totalInstances > 0 {
		cfg.Instance.Total = *totalInstances
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	logger.SetDebugNames(cfg.Exchanges.Debug)
	// Live collectors log under "<exchange>.live"; debug_exchanges covers
	// them too, debug_exchanges_live elevates only the live sweep.
	liveDebug := make([]string, 0, len(cfg.Exchanges.Debug)+len(cfg.Exchanges.DebugLive))
	for _, id := range cfg.Exchanges.Debug {
		liveDebug = append(liveDebug, id+".live")
	}
	for _, id := range cfg.Exchanges.DebugLive {
		liveDebug = append(liveDebug, id+".live")
	}
	logger.SetDebugNames(liveDebug)

	log.WithFields(logger.Fields{
		"service":  cfg.Fundingflow.Name,
		"version":  cfg.Fundingflow.Version,
		"instance": cfg.Instance.Index,
		"total":    cfg.Instance.Total,
	}).Info("starting fundingflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Metrics.Enabled {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	adapters := registry.Build(cfg)

	enabled := make([]string, 0, len(cfg.Exchanges.Enabled))
	for _, id := range cfg.Exchanges.Enabled {
		if _, ok := adapters[id]; !ok {
			log.WithFields(logger.Fields{"exchange": id}).Warn("unknown exchange in configuration, skipping")
			continue
		}
		enabled = append(enabled, id)
	}
	if len(enabled) == 0 {
		log.Error("no valid exchanges enabled")
		os.Exit(1)
	}

	assigned, err := config.PartitionExchanges(enabled, cfg.Instance.Total, cfg.Instance.Index)
	if err != nil {
		log.WithError(err).Error("invalid instance partition configuration")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"assigned": strings.Join(assigned, ","),
		"instance": cfg.Instance.Index,
		"total":    cfg.Instance.Total,
	}).Info("exchange partition resolved")

	if len(assigned) == 0 {
		log.Warn("no exchanges assigned to this instance; idling until shutdown")
	}

	var store storage.Store
	switch cfg.Storage.Driver {
	case "memory":
		store = memory.New()
		log.WithComponent("main").Info("using in-memory store")
	default:
		store, err = postgres.New(ctx, cfg.Storage.Postgres)
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
	}
	defer store.Close()

	contracts := coordinator.NewRegistry()
	if err := contracts.Load(ctx, store, assigned); err != nil {
		log.WithError(err).Error("failed to load contract registry")
		os.Exit(1)
	}

	var archiver *archive.Archiver
	var sink archive.Sink
	if cfg.Archive.Enabled {
		archiver, err = archive.New(ctx, cfg.Archive)
		if err != nil {
			log.WithError(err).Error("failed to initialize archiver")
			os.Exit(1)
		}
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
		sink = archiver
	}

	sched := scheduler.New(cfg.Scheduler, log)

	for i, id := range assigned {
		adapter := adapters[id]

		sync := coordinator.NewContractSync(store, contracts, adapter)
		backfill := coordinator.NewBackfill(store, contracts, adapter, cfg.Backfill, sink)
		live := coordinator.NewLive(store, contracts, adapter, cfg.Live, sink)

		if err := sched.Schedule(id, "contract_sync", cfg.Scheduler.ContractSyncInterval, 0, true, sync.Run); err != nil {
			log.WithError(err).Error("failed to schedule contract sync")
			os.Exit(1)
		}
		if err := sched.Schedule(id, "backfill", cfg.Scheduler.BackfillInterval, cfg.Scheduler.BackfillStartDelay, true, backfill.Run); err != nil {
			log.WithError(err).Error("failed to schedule backfill")
			os.Exit(1)
		}

		// stagger live jobs so the instance does not burst every exchange at once
		stagger := time.Duration(i) * cfg.Scheduler.LiveInterval / time.Duration(len(assigned))
		if err := sched.Schedule(id, "live", cfg.Scheduler.LiveInterval, stagger, false, live.Run); err != nil {
			log.WithError(err).Error("failed to schedule live collection")
			os.Exit(1)
		}
	}

	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping scheduler")
	sched.Stop()

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	log.Info("fundingflow stopped")
}
