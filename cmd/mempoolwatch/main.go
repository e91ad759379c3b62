package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"mempoolwatch/config"
	"mempoolwatch/internal/dedup"
	inputredis "mempoolwatch/internal/input/redis"
	"mempoolwatch/internal/keys"
	"mempoolwatch/internal/logger"
	"mempoolwatch/internal/metrics"
	"mempoolwatch/internal/output/alertclickhouse"
	"mempoolwatch/internal/output/alerthttp"
	"mempoolwatch/internal/output/alertjson"
	"mempoolwatch/internal/output/alertkafka"
	"mempoolwatch/internal/pipeline"
	"mempoolwatch/internal/rules"
	"mempoolwatch/internal/windowstore"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("mempoolwatch.yml"); err == nil {
		return "mempoolwatch.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "mempoolwatch.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "mempoolwatch.yml"
}

func applyDefaults(cfg *config.Config) {
	mw := &cfg.MempoolWatch

	if mw.Input.Redis.Addr == "" {
		mw.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if mw.Input.Redis.Key == "" {
		mw.Input.Redis.Key = "mempool_txs"
	}
	if mw.Input.Redis.BlockTimeout == 0 {
		mw.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if mw.Pipeline.Workers <= 0 {
		mw.Pipeline.Workers = 8
	}
	if mw.Pipeline.QueueCapacity <= 0 {
		mw.Pipeline.QueueCapacity = 1024
	}

	if mw.Store.Shards <= 0 {
		mw.Store.Shards = 16
	}
	if mw.Store.MaxEntriesPerKey <= 0 {
		mw.Store.MaxEntriesPerKey = 512
	}
	if mw.Store.SweepInterval <= 0 {
		mw.Store.SweepInterval = 30 * time.Second
	}

	if mw.Rules.Sandwich.Enabled == nil {
		mw.Rules.Sandwich.Enabled = boolPtr(true)
	}
	if mw.Rules.Sandwich.Window <= 0 {
		mw.Rules.Sandwich.Window = 30 * time.Second
	}
	if mw.Rules.Sandwich.Pairing == "" {
		mw.Rules.Sandwich.Pairing = string(rules.PairEarliest)
	}
	if mw.Rules.Approval.Enabled == nil {
		mw.Rules.Approval.Enabled = boolPtr(true)
	}
	if mw.Rules.Fanout.Enabled == nil {
		mw.Rules.Fanout.Enabled = boolPtr(true)
	}
	if mw.Rules.Fanout.Window <= 0 {
		mw.Rules.Fanout.Window = 10 * time.Second
	}
	if mw.Rules.Fanout.FanoutThreshold <= 0 {
		mw.Rules.Fanout.FanoutThreshold = 50
	}
	if mw.Rules.Fanout.FaninThreshold <= 0 {
		mw.Rules.Fanout.FaninThreshold = 50
	}

	if mw.Rules.Sigma.Enabled == nil {
		mw.Rules.Sigma.Enabled = boolPtr(true)
	}

	if mw.Dedup.Mode == "" {
		mw.Dedup.Mode = "memory"
	}
	if mw.Dedup.TTL <= 0 {
		mw.Dedup.TTL = 60 * time.Second
	}

	if mw.Alerts.Output.Mode == "" {
		mw.Alerts.Output.Mode = "file"
	}
	if mw.Alerts.Output.File.Path == "" {
		mw.Alerts.Output.File.Path = "output/alerts.jsonl"
	}

	if mw.Metrics.Listen == "" {
		mw.Metrics.Listen = ":9090"
	}

	if mw.Logging.Level == "" {
		mw.Logging.Level = "info"
	}
}

func applyEnvOverrides(cfg *config.Config) {
	mw := &cfg.MempoolWatch

	if v := os.Getenv("MEMPOOLWATCH_REDIS_ADDR"); v != "" {
		mw.Input.Redis.Addr = v
	}
	if v := os.Getenv("MEMPOOLWATCH_REDIS_PASSWORD"); v != "" {
		mw.Input.Redis.Password = v
	}
	if v := os.Getenv("MEMPOOLWATCH_DEDUP_REDIS_PASSWORD"); v != "" {
		mw.Dedup.Redis.Password = v
	}
	if v := os.Getenv("MEMPOOLWATCH_KAFKA_BROKERS"); v != "" {
		mw.Alerts.Output.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MEMPOOLWATCH_CLICKHOUSE_PASSWORD"); v != "" {
		mw.Alerts.Output.ClickHouse.Password = v
	}
}

func buildSink(cfg config.AlertOutputConfig) (pipeline.AlertSink, error) {
	switch cfg.Mode {
	case "file":
		return alertjson.NewWriter(cfg.File.Path)
	case "http":
		return alerthttp.NewWriter(alerthttp.Config{
			URL:     cfg.HTTP.URL,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
		})
	case "kafka":
		return alertkafka.NewWriter(alertkafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Timeout: cfg.Kafka.Timeout,
		})
	case "clickhouse":
		return alertclickhouse.NewWriter(alertclickhouse.Config{
			URL:      cfg.ClickHouse.URL,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Timeout:  cfg.ClickHouse.Timeout,
			Headers:  cfg.ClickHouse.Headers,
		})
	default:
		log.Fatalf("Unknown alert output mode: %s", cfg.Mode)
		return nil, nil
	}
}

func buildDeduper(cfg config.DedupConfig) (dedup.Deduper, error) {
	switch cfg.Mode {
	case "off":
		return dedup.Nop{}, nil
	case "memory":
		return dedup.NewMemory(cfg.TTL), nil
	case "redis":
		return dedup.NewRedis(dedup.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		})
	default:
		log.Fatalf("Unknown dedup mode: %s", cfg.Mode)
		return nil, nil
	}
}

func boolPtr(v bool) *bool { return &v }

// ruleEnabled treats an absent flag as enabled.
func ruleEnabled(v *bool) bool { return v == nil || *v }

func registerRules(engine *rules.Engine, cfg config.RulesConfig) {
	if ruleEnabled(cfg.Sandwich.Enabled) {
		engine.Register(rules.NewSandwichRule(rules.SandwichConfig{
			Window:  cfg.Sandwich.Window,
			Pairing: rules.PairingPolicy(cfg.Sandwich.Pairing),
		}))
	}

	if ruleEnabled(cfg.Approval.Enabled) {
		var large *big.Int
		if raw := strings.TrimSpace(cfg.Approval.LargeAllowance); raw != "" {
			parsed, ok := new(big.Int).SetString(raw, 10)
			if !ok {
				log.Fatalf("Invalid rules.approval.large_allowance: %s", raw)
			}
			large = parsed
		}
		engine.Register(rules.NewApprovalRule(rules.ApprovalConfig{
			AllowList:      cfg.Approval.AllowList,
			LargeAllowance: large,
			RiskyTokens:    cfg.Approval.RiskyTokens,
		}))
	}

	if ruleEnabled(cfg.Fanout.Enabled) {
		fan := rules.FanConfig{
			Window:          cfg.Fanout.Window,
			FanOutThreshold: cfg.Fanout.FanoutThreshold,
			FanInThreshold:  cfg.Fanout.FaninThreshold,
		}
		engine.Register(rules.NewFanOutRule(fan))
		engine.Register(rules.NewFanInRule(fan))
	}

	if ruleEnabled(cfg.Sigma.Enabled) && strings.TrimSpace(cfg.Sigma.Path) != "" {
		sigmaRule, stats, err := rules.NewSigmaRule(cfg.Sigma.Path)
		if err != nil {
			log.Fatalf("Failed to load Sigma rules: %v", err)
		}
		logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_invalid=%d files=%d",
			stats.Loaded, stats.SkippedComplex, stats.SkippedInvalid, stats.TotalFiles)
		if stats.Loaded == 0 {
			logger.Warnf("No compatible Sigma rules loaded; sigma detections are effectively disabled")
		}
		engine.Register(sigmaRule)
	}
}

func run(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}

	_ = godotenv.Load()

	configPath := findConfigFile(configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	mw := cfg.MempoolWatch

	if err := logger.Init(mw.Logging.Enabled, mw.Logging.Level, mw.Logging.File, mw.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("mempoolwatch starting")
	logger.Infof("Config loaded from: %s", configPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	rec := metrics.NewProm(registry)

	retention := mw.Rules.Sandwich.Window
	if mw.Rules.Fanout.Window > retention {
		retention = mw.Rules.Fanout.Window
	}
	store := windowstore.New(windowstore.Config{
		Shards:           mw.Store.Shards,
		MaxEntriesPerKey: mw.Store.MaxEntriesPerKey,
		Retention:        retention,
	})

	engine := rules.NewEngine(store, rec)
	registerRules(engine, mw.Rules)
	logger.Infof("Rules registered: %s", strings.Join(engine.Rules(), ", "))

	deduper, err := buildDeduper(mw.Dedup)
	if err != nil {
		logger.Errorf("Failed to create deduper: %v", err)
		log.Fatalf("Failed to create deduper: %v", err)
	}

	sink, err := buildSink(mw.Alerts.Output)
	if err != nil {
		logger.Errorf("Failed to create alert sink: %v", err)
		log.Fatalf("Failed to create alert sink: %v", err)
	}
	logger.Infof("Alert output mode: %s", mw.Alerts.Output.Mode)

	consumer, err := inputredis.NewConsumer(inputredis.Config{
		Addr:         mw.Input.Redis.Addr,
		Password:     mw.Input.Redis.Password,
		DB:           mw.Input.Redis.DB,
		Key:          mw.Input.Redis.Key,
		BlockTimeout: mw.Input.Redis.BlockTimeout,
	})
	if err != nil {
		logger.Errorf("Failed to create Redis consumer: %v", err)
		log.Fatalf("Failed to create Redis consumer: %v", err)
	}

	mapper := keys.NewMapper(mw.Rules.Sandwich.Window, mw.Rules.Fanout.Window)
	proc := pipeline.NewProcessor(pipeline.Config{
		Workers:       mw.Pipeline.Workers,
		QueueCapacity: mw.Pipeline.QueueCapacity,
	}, consumer, store, mapper, engine, deduper, sink, rec)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := proc.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(mw.Store.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if removed := store.Evict(); removed > 0 {
					logger.Debugf("Window sweep evicted %d entries", removed)
				}
			}
		}
	})

	if mw.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: mw.Metrics.Listen, Handler: mux}
		g.Go(func() error {
			logger.Infof("Metrics listening on %s", mw.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Errorf("Pipeline error: %v", err)
	}

	logger.Infof("Shutting down")
	if err := consumer.Close(); err != nil {
		logger.Errorf("Error closing consumer: %v", err)
	}
	if err := sink.Close(); err != nil {
		logger.Errorf("Error closing alert sink: %v", err)
	}
	if err := deduper.Close(); err != nil {
		logger.Errorf("Error closing deduper: %v", err)
	}
	if err := store.Close(); err != nil {
		logger.Errorf("Error closing window store: %v", err)
	}

	logger.Infof("mempoolwatch stopped")
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			run(os.Args[2:])
			return
		default:
			// Backward-compatible mode: first arg is config path.
			run(os.Args[1:])
			return
		}
	}

	run(nil)
}
