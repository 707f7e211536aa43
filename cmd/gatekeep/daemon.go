package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fentz26/gatekeep/internal/audit"
	"github.com/fentz26/gatekeep/internal/classify"
	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/config"
	"github.com/fentz26/gatekeep/internal/connectors"
	"github.com/fentz26/gatekeep/internal/connectors/localexec"
	"github.com/fentz26/gatekeep/internal/connectors/simulated"
	"github.com/fentz26/gatekeep/internal/connectors/webhook"
	"github.com/fentz26/gatekeep/internal/controlplane"
	"github.com/fentz26/gatekeep/internal/dedup"
	"github.com/fentz26/gatekeep/internal/execution"
	"github.com/fentz26/gatekeep/internal/gate"
	"github.com/fentz26/gatekeep/internal/logging"
	"github.com/fentz26/gatekeep/internal/ratelimit"
	"github.com/fentz26/gatekeep/internal/source"
	"github.com/fentz26/gatekeep/internal/source/dropdir"
	"github.com/fentz26/gatekeep/internal/store"
	"github.com/fentz26/gatekeep/internal/telemetry"
	"github.com/fentz26/gatekeep/internal/watcher"
	"github.com/fentz26/gatekeep/internal/workflow"
)

var (
	listenAddr string
	dbPath     string
	liveRun    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the gatekeep daemon",
	Long: `Starts the watchers and the HTTP API. Outward actions are simulated
unless dry_run is disabled in the config or --live is passed.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().BoolVar(&liveRun, "live", false, "Perform outward actions instead of simulating them")
}

// daemon holds the wired components and what must be closed on exit.
type daemon struct {
	log      zerolog.Logger
	store    *store.Store
	jsonl    *audit.JSONLSink
	redis    *ratelimit.RedisStore
	watchers *watcher.Manager
	server   *controlplane.Server
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if liveRun {
		cfg.DryRun = false
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: os.Stderr})
	logger.Info().Str("db", cfg.DBPath).Bool("dry_run", cfg.DryRun).Msg("starting gatekeep daemon")

	d, err := buildDaemon(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	d.watchers.Start()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := d.server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			d.watchers.Stop()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info().Msg("shutting down HTTP server")
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("stopping watchers")
	d.watchers.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

// buildDaemon wires every component from cfg. The caller owns Close.
func buildDaemon(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *daemon, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d := &daemon{log: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	d.store, err = store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	sinks := []audit.Sink{audit.NewStoreSink(d.store)}
	if cfg.Audit.JSONLPath != "" {
		d.jsonl, err = audit.OpenJSONLFile(cfg.Audit.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("opening audit file: %w", err)
		}
		sinks = append(sinks, d.jsonl)
	}
	al := audit.New(sinks, audit.WithLogger(logging.Component(logger, "audit")))

	metrics, reader, err := telemetry.NewWithReader()
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	machine, err := workflow.New(d.store, al,
		workflow.WithLogger(logging.Component(logger, "workflow")),
		workflow.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	dedupOpts := []dedup.Option{
		dedup.WithRetention(cfg.Dedup.Retention),
		dedup.WithLogger(logging.Component(logger, "dedup")),
		dedup.WithMetrics(metrics),
	}
	for src, keep := range cfg.Dedup.PerSource {
		dedupOpts = append(dedupOpts, dedup.WithSourceRetention(src, keep))
	}
	ix := dedup.New(d.store, dedupOpts...)

	limiter, err := d.buildLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	g := gate.New(machine, al,
		gate.WithPolicy(cfg.Approval.Ambiguity),
		gate.WithLogger(logging.Component(logger, "gate")))

	executors, err := buildExecutors(cfg.Executors)
	if err != nil {
		return nil, err
	}
	if len(cfg.Executors.Webhooks) == 0 && len(cfg.Executors.LocalExec) == 0 && len(cfg.Executors.Simulated) == 0 {
		logger.Warn().Msg("no executors configured; approved actions can only be dry-run")
	}
	exec := execution.New(g, limiter, executors, al,
		execution.WithDryRun(cfg.DryRun),
		execution.WithLogger(logging.Component(logger, "execution")),
		execution.WithMetrics(metrics))

	d.watchers = watcher.NewManager(ix, clock.Real{}, logger)
	deps := watcher.Deps{
		Dedup:       ix,
		Classifier:  classify.New(cfg.Keywords),
		Machine:     machine,
		Checkpoints: d.store,
		Audit:       al,
		Logger:      logger,
		Metrics:     metrics,
	}
	for _, wc := range cfg.Watchers {
		src, err := buildSource(wc, logger)
		if err != nil {
			return nil, fmt.Errorf("watcher %s: %w", wc.Name, err)
		}
		d.watchers.Add(watcher.NewLoop(src, wc.Loop, deps))
	}

	service := controlplane.NewService(d.store, machine, exec)
	service.SetWatchers(d.watchers)
	service.SetMetricsReader(reader)
	d.server = controlplane.NewServer(service, cfg.Listen,
		controlplane.WithClientLimit(cfg.API.RequestsPerSecond, cfg.API.Burst),
		controlplane.WithServerLogger(logging.Component(logger, "api")))

	return d, nil
}

func (d *daemon) buildLimiter(ctx context.Context, rc config.RateLimitConfig) (*ratelimit.Limiter, error) {
	var ws ratelimit.WindowStore = ratelimit.NewMemoryStore()
	if rc.Backend == "redis" {
		d.redis = ratelimit.NewRedisStore(rc.Redis.Addr, rc.Redis.Password, rc.Redis.DB, rc.Redis.Prefix)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.redis.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", rc.Redis.Addr, err)
		}
		ws = d.redis
	}

	opts := []ratelimit.Option{ratelimit.WithFallback(rc.Fallback)}
	for cat, p := range rc.Policies {
		opts = append(opts, ratelimit.WithPolicy(cat, p))
	}
	for actionType, cat := range rc.Categories {
		opts = append(opts, ratelimit.WithCategory(actionType, cat))
	}
	return ratelimit.New(ws, opts...), nil
}

// buildExecutors orders executors as webhooks, local commands, simulated.
func buildExecutors(ec config.ExecutorsConfig) (*connectors.Registry, error) {
	reg := connectors.NewRegistry()
	for i, wc := range ec.Webhooks {
		wh, err := webhook.New(wc, nil)
		if err != nil {
			return nil, fmt.Errorf("webhook %d: %w", i, err)
		}
		reg.Register(wh)
	}
	if len(ec.LocalExec) > 0 {
		workDir := ec.WorkDir
		if workDir == "" {
			workDir, _ = os.Getwd()
		}
		reg.Register(localexec.New(workDir, ec.LocalExec))
	}
	if len(ec.Simulated) > 0 {
		reg.Register(simulated.New(ec.Simulated...))
	}
	return reg, nil
}

func buildSource(wc config.WatcherConfig, logger zerolog.Logger) (source.Source, error) {
	var src source.Source
	switch wc.Type {
	case "dropdir":
		src = dropdir.New(wc.Name, wc.Path, dropdir.WithLogger(logging.Component(logger, "dropdir")))
	default:
		return nil, fmt.Errorf("unknown source type %q", wc.Type)
	}
	f := wc.Filter
	if len(f.Include) == 0 && len(f.Exclude) == 0 && f.Expr == "" {
		return src, nil
	}
	return source.NewFiltered(src, f)
}

// Close releases everything buildDaemon opened.
func (d *daemon) Close() {
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.log.Error().Err(err).Msg("redis close error")
		}
	}
	if d.jsonl != nil {
		if err := d.jsonl.Close(); err != nil {
			d.log.Error().Err(err).Msg("audit file close error")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error().Err(err).Msg("database close error")
		}
	}
}
