// Command edrcore is the EDR telemetry core: it attaches the shared-memory
// ring transport, opens the durable event store, compiles the rule engine,
// and wires the fan-out dispatcher, scanner orchestrator, local sensors, and
// control plane together. It loads a YAML configuration file, runs until
// SIGTERM/SIGINT, and shuts down in the ordered sequence the control plane
// enforces.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edrcore/core/internal/authz"
	"github.com/edrcore/core/internal/config"
	"github.com/edrcore/core/internal/control"
	"github.com/edrcore/core/internal/dispatcher"
	"github.com/edrcore/core/internal/event"
	"github.com/edrcore/core/internal/ringbuf"
	"github.com/edrcore/core/internal/rules"
	"github.com/edrcore/core/internal/scanner"
	"github.com/edrcore/core/internal/sensors"
	"github.com/edrcore/core/internal/sensors/file"
	"github.com/edrcore/core/internal/sensors/network"
	"github.com/edrcore/core/internal/sensors/process"
	"github.com/edrcore/core/internal/store"
)

// Exit codes per the configured process contract.
const (
	exitOK             = 0
	exitConfigInvalid  = 2
	exitStoreFailed    = 3
	exitRingAttachFail = 4
	exitFatal          = 5
)

func main() {
	configPath := flag.String("config", "/etc/edrcore/config.yaml", "path to the core's YAML configuration file")
	watchPaths := flag.String("watch-paths", "", "comma-separated list of filesystem paths the local file sensor monitors (optional; the ring is the primary transport)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edrcore: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("health_addr", cfg.HealthAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	engine, err := rules.NewEngine(cfg.Scanner.RulesPath, rules.WithMMapMin(cfg.Scanner.MMapMinBytes))
	if err != nil {
		logger.Error("failed to load rule engine", slog.Any("error", err))
		os.Exit(exitConfigInvalid)
	}
	logger.Info("rule engine loaded", slog.Int("rules", len(engine.Generation().RuleIDs())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retentionByTable := make(map[string]time.Duration, len(cfg.Store.RetentionByTable))
	for table := range cfg.Store.RetentionByTable {
		retentionByTable[table] = cfg.RetentionFor(table)
	}
	var storePostgres *store.PostgresConfig
	if cfg.Store.Postgres != nil {
		storePostgres = &store.PostgresConfig{
			ConnString:    cfg.Store.Postgres.ConnString,
			BatchSize:     cfg.Store.Postgres.BatchSize,
			FlushInterval: time.Duration(cfg.Store.Postgres.FlushIntervalMS) * time.Millisecond,
		}
	}
	st, err := store.Open(ctx, store.Config{
		Path:             cfg.Store.Path,
		QueueDepth:       cfg.Store.QueueDepth,
		BatchTimeout:     time.Duration(cfg.Store.BatchTimeoutMS) * time.Millisecond,
		RetentionDefault: cfg.RetentionFor(""),
		RetentionByTable: retentionByTable,
		Logger:           logger,
		Postgres:         storePostgres,
	})
	if err != nil {
		logger.Error("failed to open event store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(exitStoreFailed)
	}

	region, err := ringbuf.AttachRegion(cfg.Ring.Path)
	if err != nil {
		logger.Error("failed to attach ring region", slog.String("path", cfg.Ring.Path), slog.Any("error", err))
		os.Exit(exitRingAttachFail)
	}

	// input is the merged stream every producer (ring, local sensors, and
	// the scanner's own result feedback) writes Envelopes onto; the
	// dispatcher is the single reader.
	input := make(chan event.Envelope, 4096)

	resultSink := &feedbackSink{ch: input, log: logger}
	scanOrch := scanner.New(&ruleEngineAdapter{engine}, resultSink, cfg.Store.QueueDepth,
		scanner.WithWorkers(cfg.Scanner.Workers),
		scanner.WithFileTimeout(time.Duration(cfg.Scanner.FileTimeoutMS)*time.Millisecond),
		scanner.WithCoalesceTTL(time.Duration(cfg.Scanner.CoalesceTTLMS)*time.Millisecond),
		scanner.WithLogger(logger),
	)

	consumer := ringbuf.NewConsumer(region,
		ringbuf.WithMaxFrame(cfg.Ring.MaxFrameBytes),
		ringbuf.WithPeerTimeout(time.Duration(cfg.Ring.PeerTimeoutMS)*time.Millisecond),
		ringbuf.WithLogger(logger),
	)

	drainTimeout := time.Duration(cfg.Drain.TimeoutMS) * time.Millisecond

	// The ring consumer gets its own cancellation so StopRing can halt it
	// without tearing down the dispatcher/scanner/sensors ahead of their
	// own ordered shutdown steps.
	ringCtx, ringCancel := context.WithCancel(ctx)

	var disp *dispatcher.Dispatcher
	plane := control.New(control.ShutdownHooks{
		StopRing: func(ctx context.Context) error {
			ringCancel()
			return nil
		},
		FlushDispatcher: func(ctx context.Context) error {
			disp.Drain(drainTimeout)
			scanOrch.Stop(drainTimeout)
			return nil
		},
		DrainStore: func(ctx context.Context) error {
			return st.Stop(ctx, drainTimeout)
		},
		CheckpointWAL: func(ctx context.Context) error {
			return nil // st.Stop already checkpoints the WAL before closing
		},
		ReleaseMapping: func(ctx context.Context) error {
			return region.Close()
		},
	}, logger)

	disp = dispatcher.New(st, &scanQueueAdapter{scanOrch}, []dispatcher.Option{
		dispatcher.WithScanMaxSize(cfg.Scanner.MaxSizeBytes),
		dispatcher.WithCounters(plane.Counters()),
		dispatcher.WithLogger(logger),
	}...)

	scanOrch.Start(ctx)

	var activeSensors []sensors.Sensor
	if *watchPaths != "" {
		fileSensor, err := file.New(splitPaths(*watchPaths), logger)
		if err != nil {
			logger.Warn("failed to create file sensor", slog.Any("error", err))
		} else {
			activeSensors = append(activeSensors, fileSensor)
		}
	}
	activeSensors = append(activeSensors, process.New(logger), network.New(logger))
	for _, s := range activeSensors {
		if err := s.Start(ctx); err != nil {
			logger.Warn("failed to start sensor", slog.Any("error", err))
			continue
		}
		go forward(s.Events(), input)
	}

	plane.MarkRunning()
	go disp.Run(ctx, input)
	go func() {
		if err := consumer.Run(ringCtx, func(f ringbuf.Frame) {
			env, err := event.Decode(f.Payload)
			if err != nil {
				plane.Counters().IncPoisoned()
				logger.Warn("ring frame decode failed", slog.Any("error", err))
				return
			}
			select {
			case input <- env:
			default:
				plane.Counters().IncDropped()
			}
		}); err != nil {
			logger.Error("ring consumer exited", slog.Any("error", err))
		}
	}()

	var authzPubKey *rsa.PublicKey
	if cfg.Authz != nil {
		pemBytes, err := os.ReadFile(cfg.Authz.PublicKeyPath)
		if err != nil {
			logger.Error("failed to read authz public key", slog.String("path", cfg.Authz.PublicKeyPath), slog.Any("error", err))
			os.Exit(exitConfigInvalid)
		}
		authzPubKey, err = authz.ParseRSAPublicKeyPEM(pemBytes)
		if err != nil {
			logger.Error("failed to parse authz public key", slog.Any("error", err))
			os.Exit(exitConfigInvalid)
		}
		logger.Info("ruleset reload authentication enabled")
	} else {
		logger.Warn("authz not configured; /debug/ruleset/reload is unauthenticated")
	}

	router := control.NewRouter(plane, &rulesetAdapter{engine, cfg.Scanner.RulesPath}, authzPubKey, st)
	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("control plane listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control plane server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	for _, s := range activeSensors {
		_ = s.Stop()
	}
	if err := plane.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown sequence reported errors", slog.Any("error", err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control plane server shutdown error", slog.Any("error", err))
	}

	cancel()
	logger.Info("edrcore exited cleanly")
	os.Exit(exitOK)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func splitPaths(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func forward(from <-chan event.Envelope, to chan<- event.Envelope) {
	for env := range from {
		select {
		case to <- env:
		default:
		}
	}
}

// feedbackSink re-injects scanner ScanResults into the dispatcher's input
// stream so they are stored the same way any other event is.
type feedbackSink struct {
	ch  chan<- event.Envelope
	log *slog.Logger
}

func (s *feedbackSink) Emit(env event.Envelope) {
	select {
	case s.ch <- env:
	default:
		s.log.Warn("scan result dropped, input channel full")
	}
}

// ruleEngineAdapter satisfies scanner.RuleEngine by translating
// rules.RuleHit into scanner.RuleHit, which exist as distinct identical-
// shaped types so neither package imports the other.
type ruleEngineAdapter struct{ eng *rules.Engine }

func (a *ruleEngineAdapter) Scan(path string) ([]scanner.RuleHit, error) {
	hits, err := a.eng.Scan(path)
	if err != nil {
		return nil, err
	}
	out := make([]scanner.RuleHit, len(hits))
	for i, h := range hits {
		out[i] = scanner.RuleHit{RuleID: h.RuleID, Matches: h.Matches, Severity: h.Severity}
	}
	return out, nil
}

// scanQueueAdapter satisfies dispatcher.ScanQueue by translating
// dispatcher.ScanJob into scanner.Job.
type scanQueueAdapter struct{ orch *scanner.Orchestrator }

func (a *scanQueueAdapter) Submit(job dispatcher.ScanJob) bool {
	return a.orch.Submit(scanner.Job{Path: job.Path, OriginEventID: job.OriginEventID})
}

// rulesetAdapter satisfies control.RulesetInspector by binding the engine's
// Reload to its one configured rules path.
type rulesetAdapter struct {
	eng  *rules.Engine
	path string
}

func (a *rulesetAdapter) RuleIDs() []string { return a.eng.Generation().RuleIDs() }
func (a *rulesetAdapter) Reload() error     { return a.eng.Reload(a.path) }
