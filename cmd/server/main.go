package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/config"
	"github.com/exef-pl/faktury/internal/describe"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/email"
	"github.com/exef-pl/faktury/internal/export"
	"github.com/exef-pl/faktury/internal/inbox"
	httpiface "github.com/exef-pl/faktury/internal/interfaces/http"
	"github.com/exef-pl/faktury/internal/ksef"
	"github.com/exef-pl/faktury/internal/ocr"
	"github.com/exef-pl/faktury/internal/store"
	storagesync "github.com/exef-pl/faktury/internal/sync"
	"github.com/exef-pl/faktury/internal/worker"
	"github.com/exef-pl/faktury/internal/workflow"
	"github.com/exef-pl/faktury/pkg/utils"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting invoice processing service",
		zap.String("store", cfg.Store.Backend),
		zap.Int("port", cfg.Server.Port))

	st, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer closeStore()

	sugar := utils.NewSugarAdapter(logger)
	bus := dispatcher.NewDispatcher(dispatcher.WithLogger(sugar))
	defer bus.Close()

	box := inbox.New(st, bus, logger)

	pipeline := ocr.NewPipeline(ocr.Config{
		Provider: ocr.Provider(cfg.OCR.Provider),
		Tesseract: ocr.TesseractConfig{
			Language: cfg.OCR.Language,
			PSM:      cfg.OCR.PSM,
			OEM:      cfg.OCR.OEM,
			Timeout:  cfg.OCR.Timeout,
			PDFDPI:   cfg.OCR.PDFDPI,
			MaxPages: cfg.OCR.MaxPages,
		},
		External: ocr.ExternalConfig{
			URL:    cfg.OCR.ExternalURL,
			Preset: cfg.OCR.Preset,
			APIKey: cfg.OCR.APIKey,
		},
	}, logger)

	describeEngine := describe.NewEngine(describe.Config{
		Rules:     loadRules(cfg.Describe.RulesPath, logger),
		AIEnabled: cfg.Describe.AIEnabled,
		AIAPIKey:  cfg.Describe.AIAPIKey,
		AIModel:   cfg.Describe.AIModel,
	}, st, bus, logger)

	exporter := export.NewService(logger)

	scheduler := storagesync.NewScheduler(storagesync.SchedulerConfig{
		PollInterval: cfg.Sync.PollInterval,
	}, box, bus, logger)

	watcher := email.NewWatcher(email.WatcherConfig{
		PollInterval: cfg.Email.PollInterval,
	}, box, logger)

	ksefClient := ksef.NewRestClient(ksef.RestClientConfig{
		BaseURL: cfg.KSeF.BaseURL,
		Nip:     cfg.KSeF.Nip,
	}, logger)
	ingester := ksef.NewIngester(ksef.IngesterConfig{
		PollInterval: cfg.KSeF.PollInterval,
	}, ksefClient, box, bus, logger)
	if cfg.KSeF.AccessToken != "" {
		ingester.SetAccessToken(cfg.KSeF.AccessToken)
	}

	engine := workflow.NewEngine(workflow.Config{
		AutoProcess: cfg.Workflow.AutoProcess,
	}, workflow.Components{
		Inbox:     box,
		Pipeline:  pipeline,
		Describe:  describeEngine,
		Exporter:  exporter,
		Scheduler: scheduler,
		Mail:      watcher,
		KSeF:      ingester,
		Store:     st,
		Bus:       bus,
	}, logger)

	// The engine starts first so its subscriptions and persisted cursors are
	// in place before any poller produces events.
	manager := worker.NewManager(logger)
	manager.Register(engine)
	manager.Register(scheduler)
	manager.Register(watcher)
	manager.Register(ingester)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}
	defer manager.StopAll()

	server := httpiface.NewServer(httpiface.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, engine, box, sugar)

	if err := server.Start(ctx); err != nil {
		logger.Error("HTTP server failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

// buildStore selects the persistence backend configured for the deployment.
func buildStore(cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "file":
		fs, err := store.NewFileStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil

	case "sqlite":
		ss, err := store.OpenSQLiteStore(store.SQLiteConfig{
			Path:            cfg.Store.Path,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return ss, func() { ss.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// loadRules reads the describe rule set. A missing path means no rules.
func loadRules(path string, logger *zap.Logger) []entity.DescribeRule {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Describe rules file not readable, starting without rules",
			zap.String("path", path),
			zap.Error(err))
		return nil
	}
	var rules []entity.DescribeRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		logger.Warn("Describe rules file malformed, starting without rules",
			zap.String("path", path),
			zap.Error(err))
		return nil
	}
	logger.Info("Loaded describe rules", zap.Int("count", len(rules)))
	return rules
}
