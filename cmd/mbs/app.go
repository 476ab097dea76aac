package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/modularity/mbs/builder"
	"github.com/modularity/mbs/config"
	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/messaging"
	"github.com/modularity/mbs/models"
	"github.com/modularity/mbs/monitor"
	"github.com/modularity/mbs/resolver"
	"github.com/modularity/mbs/scheduler"
	"github.com/modularity/mbs/scheduler/handlers"
	"github.com/modularity/mbs/submit"
)

type submitOptions struct {
	Owner    string
	SCMURL   string
	Strategy string
	Strict   bool
	// Streams are "name:stream" default stream picks.
	Streams []string
	// Name and Stream override the manifest's, when configuration
	// allows SCM-derived overrides.
	Name   string
	Stream string
}

// setup configures logging and loads the layered configuration. An
// explicit --config path bypasses the user and project config layers.
func setup(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, logger, nil
	}

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openTransport connects to NATS, or falls back to the in-process
// transport when no messaging URL is configured.
func openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Transport, error) {
	if cfg.Messaging.URL == "" {
		logger.Info("No messaging URL configured, using in-process transport")
		return messaging.NewMemTransport(cfg.Scheduler.QueueSize, logger), nil
	}
	return messaging.NewNATSTransport(ctx, messaging.NATSOptions{
		URL:            cfg.Messaging.URL,
		Stream:         cfg.Messaging.Stream,
		Consumer:       cfg.Messaging.Consumer,
		PublishRetries: cfg.Messaging.PublishRetries,
		Logger:         logger,
	})
}

func newBuilder(cfg *config.Config, publisher messaging.Publisher, logger *slog.Logger) (builder.Builder, error) {
	switch cfg.Builds.System {
	case "mock":
		return builder.NewMockBuilder(publisher, true, logger), nil
	default:
		return nil, fmt.Errorf("unsupported build system %q", cfg.Builds.System)
	}
}

func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := models.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Builds.MockResultsdir != "" {
		imported, err := submit.LoadLocalBuilds(ctx, store, cfg.Builds.MockResultsdir, logger)
		if err != nil {
			logger.Warn("Failed to import local builds", "error", err)
		} else if len(imported) > 0 {
			logger.Info("Imported local builds", "count", len(imported))
		}
	}

	transport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	bldr, err := newBuilder(cfg, transport, logger)
	if err != nil {
		return err
	}

	env := &handlers.Env{
		Config:   cfg,
		Builder:  bldr,
		Resolver: resolver.NewDBResolver(logger),
		Logger:   logger,
	}
	sched, err := scheduler.New(env, store, transport)
	if err != nil {
		return err
	}

	if cfg.Monitor.Addr != "" {
		go func() {
			logger.Info("Serving metrics", "addr", cfg.Monitor.Addr)
			if err := monitor.Serve(cfg.Monitor.Addr); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	sched.StartPoller(ctx)

	logger.Info("Orchestrator ready",
		"version", Version,
		"build_system", cfg.Builds.System,
		"database", cfg.Database.Path)

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	sched.Stop()
	logger.Info("Orchestrator shutdown complete")
	return nil
}

// loadManifest reads and parses a modulemd file.
func loadManifest(path string) (*manifest.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return manifest.Parse(data)
}

// parseDefaultStreams turns "name:stream" pairs into the default
// stream map.
func parseDefaultStreams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	defaults := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, stream, ok := strings.Cut(pair, ":")
		if !ok || name == "" || stream == "" {
			return nil, fmt.Errorf("invalid default stream %q, want name:stream", pair)
		}
		defaults[name] = stream
	}
	return defaults, nil
}

func buildRequest(doc *manifest.Document, opts submitOptions) (submit.Request, error) {
	defaults, err := parseDefaultStreams(opts.Streams)
	if err != nil {
		return submit.Request{}, err
	}
	return submit.Request{
		Manifest:         doc,
		Owner:            opts.Owner,
		SCMURL:           opts.SCMURL,
		RebuildStrategy:  opts.Strategy,
		RaiseIfAmbiguous: opts.Strict,
		DefaultStreams:   defaults,
		ModuleName:       opts.Name,
		ModuleStream:     opts.Stream,
	}, nil
}

func runSubmit(cfg *config.Config, logger *slog.Logger, path string, opts submitOptions) error {
	ctx := context.Background()

	doc, err := loadManifest(path)
	if err != nil {
		return err
	}
	req, err := buildRequest(doc, opts)
	if err != nil {
		return err
	}

	store, err := models.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	transport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	bldr, err := newBuilder(cfg, transport, logger)
	if err != nil {
		return err
	}

	sub := submit.NewSubmitter(cfg, resolver.NewDBResolver(logger), bldr, logger)
	var builds []*models.ModuleBuild
	events, err := store.WithSession(ctx, func(sess *models.Session) error {
		var err error
		builds, err = sub.SubmitModuleBuild(ctx, sess, req)
		return err
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := transport.Publish(ctx, ev.Subject(), ev); err != nil {
			return err
		}
	}

	for _, mb := range builds {
		fmt.Printf("%s\n", mb.NSVC())
	}
	return nil
}

func runCancel(cfg *config.Config, logger *slog.Logger, nsvc, user string) error {
	ctx := context.Background()

	parts := strings.Split(nsvc, ":")
	if len(parts) != 4 {
		return fmt.Errorf("invalid build id %q, want name:stream:version:context", nsvc)
	}
	version, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version in %q: %w", nsvc, err)
	}

	store, err := models.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	transport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	events, err := store.WithSession(ctx, func(sess *models.Session) error {
		mb, err := sess.GetBuildFromNSVC(parts[0], parts[1], version, parts[3])
		if err != nil {
			return err
		}
		if mb == nil {
			return fmt.Errorf("module build %s not found", nsvc)
		}
		return submit.CancelModuleBuild(sess, mb, user)
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := transport.Publish(ctx, ev.Subject(), ev); err != nil {
			return err
		}
	}

	fmt.Printf("canceled %s\n", nsvc)
	return nil
}

// runLocalBuild runs the full orchestration in-process and blocks until
// every submitted variant reaches a terminal state.
func runLocalBuild(cfg *config.Config, logger *slog.Logger, path string, opts submitOptions) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doc, err := loadManifest(path)
	if err != nil {
		return err
	}
	req, err := buildRequest(doc, opts)
	if err != nil {
		return err
	}

	store, err := models.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Builds.MockResultsdir != "" {
		if _, err := submit.LoadLocalBuilds(ctx, store, cfg.Builds.MockResultsdir, logger); err != nil {
			logger.Warn("Failed to import local builds", "error", err)
		}
	}

	transport := messaging.NewMemTransport(cfg.Scheduler.QueueSize, logger)
	defer transport.Close()
	res := resolver.NewDBResolver(logger)

	mock := builder.NewMockBuilder(transport, true, logger)
	env := &handlers.Env{
		Config:   cfg,
		Builder:  mock,
		Resolver: res,
		Logger:   logger,
	}
	sched, err := scheduler.New(env, store, transport)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	sub := submit.NewSubmitter(cfg, res, mock, logger)
	var builds []*models.ModuleBuild
	events, err := store.WithSession(ctx, func(sess *models.Session) error {
		var err error
		builds, err = sub.SubmitModuleBuild(ctx, sess, req)
		return err
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := transport.Publish(ctx, ev.Subject(), ev); err != nil {
			return err
		}
	}

	if err := waitForTerminal(ctx, store, builds); err != nil {
		return err
	}
	cancel()
	sched.Stop()

	failed := 0
	for _, mb := range builds {
		final, err := finalState(store, mb.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", final.NSVC(), final.State)
		if final.State == models.StateFailed {
			failed++
			logger.Error("Module build failed",
				"nsvc", final.NSVC(), "reason", final.StateReason)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d module builds failed", failed, len(builds))
	}
	return nil
}

func waitForTerminal(ctx context.Context, store *models.Store, builds []*models.ModuleBuild) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		done := true
		for _, mb := range builds {
			current, err := finalState(store, mb.ID)
			if err != nil {
				return err
			}
			if !current.State.Terminal() {
				done = false
				break
			}
		}
		if done {
			return nil
		}
	}
}

func finalState(store *models.Store, id int64) (*models.ModuleBuild, error) {
	var mb *models.ModuleBuild
	_, err := store.WithSession(context.Background(), func(sess *models.Session) error {
		var err error
		mb, err = sess.ModuleByID(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if mb == nil {
		return nil, fmt.Errorf("module build %d disappeared", id)
	}
	return mb, nil
}
