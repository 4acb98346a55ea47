// Command ghostd runs an input-telemetry session: it derives kinematic
// metrics from a raw sample feed, scores them for anomalous patterns, and
// commits every event to a tamper-evident hash-linked ledger. At session
// end it issues a signed receipt over the session's ledger range.
//
// Usage:
//
//	ghostd [flags]
//
// Examples:
//
//	# Run over a live JSONL sample feed on stdin
//	capture-tap | ghostd
//
//	# Replay a recorded capture at its original pacing
//	ghostd -replay match.jsonl -realtime
//
//	# Run with an explicit config file
//	ghostd -config /etc/ghostd/ghostd.toml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ghostd/internal/anomaly"
	"ghostd/internal/chain"
	"ghostd/internal/clip"
	"ghostd/internal/config"
	"ghostd/internal/gamectx"
	"ghostd/internal/input"
	"ghostd/internal/kinematics"
	"ghostd/internal/logging"
	"ghostd/internal/metrics"
	"ghostd/internal/receipt"
	"ghostd/internal/schema"
	"ghostd/internal/scorer"
	"ghostd/internal/session"
	"ghostd/internal/signer"
	"ghostd/internal/store"
)

var (
	// Version information (set at build time)
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	replayPath := flag.String("replay", "", "replay a JSONL capture instead of reading stdin")
	realtime := flag.Bool("realtime", false, "pace replay by recorded timestamps")
	sessionID := flag.String("session-id", "", "override the generated session ID")
	summaryJSON := flag.Bool("json", false, "print the session summary as JSON")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("ghostd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if err := run(*configPath, *replayPath, *realtime, *sessionID, *summaryJSON); err != nil {
		fmt.Fprintf(os.Stderr, "ghostd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, replayPath string, realtime bool, sessionID string, summaryJSON bool) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	if replayPath != "" {
		cfg.Input.Source = "replay"
		cfg.Input.ReplayPath = replayPath
		cfg.Input.ReplayRealtime = realtime
	}
	if err := config.EnsureDataDirs(cfg); err != nil {
		return err
	}

	logger, err := newLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	ghostdMetrics := metrics.GetMetrics()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, logger)
	}

	// Ledger storage.
	var (
		blockStore chain.BlockStore
		sessions   session.SessionStore
	)
	switch cfg.Chain.Storage {
	case "memory":
		blockStore = store.NewMemory()
	default:
		st, err := store.Open(cfg.Chain.Path)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
		defer st.Close()
		blockStore = st
		sessions = st
	}

	hasher, err := chain.NewHasher(cfg.Chain.Hash)
	if err != nil {
		return fmt.Errorf("select hash: %w", err)
	}
	ledger, err := chain.Open(blockStore, chain.WithHasher(hasher))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	// Receipts, optionally signed.
	var receiptOpts []receipt.Option
	if cfg.Receipt.KeyPath != "" {
		key, err := signer.LoadPrivateKey(cfg.Receipt.KeyPath)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		receiptOpts = append(receiptOpts, receipt.WithSigningKey(key))
	}
	receipts := receipt.NewService(blockStore, receiptOpts...)

	// Sample source.
	var source input.Source
	switch cfg.Input.Source {
	case "replay":
		source = &input.ReplaySource{Path: cfg.Input.ReplayPath, Realtime: cfg.Input.ReplayRealtime}
	default:
		source = input.NewStdinSource()
	}

	sc, err := buildScorer(&cfg.Anomaly)
	if err != nil {
		return err
	}

	var clipRecorder clip.Recorder
	if cfg.Clip.Enabled {
		clipRecorder, err = clip.NewDirRecorder(cfg.Clip.OutputDir, schema.ValidateManifest)
		if err != nil {
			return fmt.Errorf("init clip recorder: %w", err)
		}
	}

	sess, err := session.New(session.Config{
		SessionID:        sessionID,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		ChainBuffer:      cfg.Stream.ChainBuffer,
		Anomaly: anomaly.Config{
			Bucket:            cfg.Anomaly.Bucket(),
			Hop:               cfg.Anomaly.Hop(),
			Threshold:         cfg.Anomaly.Threshold,
			Deadline:          cfg.Anomaly.ScorerDeadline(),
			QueueDepth:        cfg.Anomaly.QueueDepth,
			RecordCalibration: cfg.Anomaly.RecordCalibration,
		},
		Clip: clip.Config{
			Pre:          cfg.Clip.Pre(),
			Post:         cfg.Clip.Post(),
			TriggerKinds: cfg.Clip.TriggerKinds,
		},
		ReceiptDir:          cfg.Receipt.OutputDir,
		ContextPollInterval: time.Duration(cfg.Context.PollIntervalMs) * time.Millisecond,
	}, session.Deps{
		Source: source,
		Engine: kinematics.New(
			kinematics.WithWindowSize(cfg.Engine.WindowSize),
			kinematics.WithHighVelocityThreshold(cfg.Engine.HighVelocityThreshold),
		),
		Chain:        ledger,
		Receipts:     receipts,
		Sessions:     sessions,
		Scorer:       sc,
		ClipRecorder: clipRecorder,
		Provider: gamectx.StaticProvider{
			App:   cfg.Context.App,
			State: map[string]string{"state": cfg.Context.State},
		},
		Logger:  logger,
		Metrics: ghostdMetrics,
	})
	if err != nil {
		return err
	}

	// Live threshold tuning via config reload.
	loader.OnChange(func(newCfg *config.Config) {
		if p := sess.Pipeline(); p != nil {
			p.SetThreshold(newCfg.Anomaly.Threshold)
			logger.Info("anomaly threshold updated", "threshold", newCfg.Anomaly.Threshold)
		}
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("ghostd starting", "version", version, "session_id", sess.ID())

	summary, err := sess.Run(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if summaryJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Printf("session %s finished\n", summary.SessionID)
	fmt.Printf("  samples:  %d (%d rejected)\n", summary.Samples, summary.Rejected)
	fmt.Printf("  flags:    %d\n", summary.Flags)
	fmt.Printf("  ledger:   [%d, %d]\n", summary.FirstIndex, summary.LastIndex)
	if summary.Receipt != nil {
		fmt.Printf("  receipt:  %s\n", summary.Receipt.RootHashHex())
		if summary.ReceiptPath != "" {
			fmt.Printf("  exported: %s\n", summary.ReceiptPath)
		}
	}
	return nil
}

func newLogger(cfg *config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if cfg.Format == "json" {
		format = logging.FormatJSON
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = format
	logCfg.Output = cfg.Output
	if cfg.FilePath != "" {
		logCfg.FilePath = cfg.FilePath
	}
	return logging.New(logCfg)
}

func buildScorer(cfg *config.AnomalyConfig) (anomaly.Scorer, error) {
	switch cfg.Scorer {
	case "statistical":
		return scorer.NewStatistical(), nil
	default:
		rules := scorer.DefaultRules()
		if cfg.RulesPath != "" {
			var err error
			rules, err = scorer.LoadRules(cfg.RulesPath)
			if err != nil {
				return nil, fmt.Errorf("load scorer rules: %w", err)
			}
		}
		return scorer.NewHeuristic(rules), nil
	}
}

func serveMetrics(addr string, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Default().HTTPHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics endpoint stopped", "error", err)
	}
}
