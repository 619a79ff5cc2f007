// Command fabricd is the process entry point: it loads configuration,
// wires the storage, registry, routing, and supervision layers together,
// bootstraps bridge manifests, and runs until signaled to stop.
//
// It owns no HTTP listener or wire codec — those are the concern of
// whatever transport a deployment fronts fabricd with, which calls into
// internal/webhook per inbound request.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beeper/bridgefabric/internal/config"
	"github.com/beeper/bridgefabric/internal/configstore"
	"github.com/beeper/bridgefabric/internal/deadletter"
	"github.com/beeper/bridgefabric/internal/dedupe"
	"github.com/beeper/bridgefabric/internal/ingest"
	"github.com/beeper/bridgefabric/internal/lifecycle"
	"github.com/beeper/bridgefabric/internal/outbound"
	"github.com/beeper/bridgefabric/internal/policy"
	"github.com/beeper/bridgefabric/internal/registry"
	"github.com/beeper/bridgefabric/internal/router"
	"github.com/beeper/bridgefabric/internal/security"
	"github.com/beeper/bridgefabric/internal/session"
	"github.com/beeper/bridgefabric/internal/signalbus"
	"github.com/beeper/bridgefabric/internal/storage"
	"github.com/beeper/bridgefabric/internal/webhook"
)

// Build metadata injected via -X linker flags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// fabric holds every wired subsystem, assembled once at startup and shared
// by whatever transport layer a deployment fronts this process with.
type fabric struct {
	cfg         config.FabricConfig
	bus         *signalbus.Bus
	storage     storage.Storage
	registry    *registry.Registry
	configStore *configstore.Store
	session     *session.Manager
	outbound    *outbound.Gateway
	deadLetters *deadletter.Store
	router      *router.Router
	ingest      *ingest.Pipeline
	webhook     *webhook.Router
	lifecycle   *lifecycle.Supervisor
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("fabricd stopped")
	}
}

func run() error {
	configPath := flag.String("config", "fabricd.yaml", "path to the fabricd config file")
	devLog := flag.Bool("dev", false, "use a human-readable console log writer")
	manifestDir := flag.String("manifests", "./manifests", "directory of bridge manifest files to bootstrap")
	flag.Parse()

	if *devLog {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	logger := log.Logger

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("starting fabricd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := assemble(cfg, &logger, *manifestDir)
	if err != nil {
		return fmt.Errorf("assemble fabric: %w", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f.runBackgroundWorkers(ctx)

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")
	return nil
}

// assemble wires every subsystem together in dependency order: storage,
// registry and config store first, then the security and policy engines,
// the session manager, dead-letter store and outbound gateway, then the
// router, ingest pipeline, webhook router and lifecycle supervisor layered
// over them, and finally bootstraps the bridge manifests into the registry.
func assemble(cfg config.FabricConfig, logger *zerolog.Logger, manifestDir string) (*fabric, error) {
	bus := signalbus.New(logger)
	store := storage.New()
	reg := registry.New(logger)
	cs := configstore.New(store)

	secEngine := &security.Engine{
		VerifyTimeout:   time.Duration(cfg.Security.VerifyTimeoutMS) * time.Millisecond,
		SanitizeTimeout: time.Duration(cfg.Security.SanitizeTimeoutMS) * time.Millisecond,
		SanitizeFallback: security.SanitizeFallback(cfg.Security.SanitizeFallback),
	}
	polEngine := &policy.Engine{
		GatingTimeout:     time.Duration(cfg.Policy.GatingTimeoutMS) * time.Millisecond,
		ModerationTimeout: time.Duration(cfg.Policy.ModerationTimeoutMS) * time.Millisecond,
		TimeoutFallback:   policy.TimeoutFallback(cfg.Policy.TimeoutFallback),
		Bus:               bus,
	}

	sessionMgr := session.New(cfg.Session, bus, func() int64 { return time.Now().UnixMilli() })

	dl := deadletter.New(deadletter.Options{
		Storage: store,
		Config:  cfg.DeadLetter,
		Bus:     bus,
		Log:     logger,
		NewID:   func() string { return "dl_" + xid.New().String() },
	})

	gw := outbound.New(outbound.Options{
		Config:      cfg.Outbound,
		Registry:    reg,
		Security:    secEngine,
		Bus:         bus,
		Log:         logger,
		DeadLetters: dl,
	})

	rt := &router.Router{Storage: store, ConfigStore: cs, Gateway: gw, Bus: bus}

	pipeline := &ingest.Pipeline{
		Storage:  store,
		Policy:   polEngine,
		Security: secEngine,
		Bus:      bus,
		NewID:    func() string { return "msg_" + uuid.NewString() },
	}

	whRouter := &webhook.Router{
		Registry:    reg,
		ConfigStore: cs,
		Dedupe:      dedupe.New(),
		DedupeTTL:   time.Duration(cfg.Dedupe.DefaultTTLMS) * time.Millisecond,
		Ingest:      pipeline,
		Bus:         bus,
	}

	sup := lifecycle.New(cfg.Lifecycle, bus, logger)

	if _, err := registry.Bootstrap(context.Background(), reg, bus, registry.BootstrapOptions{
		Paths:           manifestPaths(manifestDir),
		CollisionPolicy: registry.PreferLast,
	}); err != nil {
		return nil, fmt.Errorf("bootstrap manifests: %w", err)
	}

	return &fabric{
		cfg:         cfg,
		bus:         bus,
		storage:     store,
		registry:    reg,
		configStore: cs,
		session:     sessionMgr,
		outbound:    gw,
		deadLetters: dl,
		router:      rt,
		ingest:      pipeline,
		webhook:     whRouter,
		lifecycle:   sup,
	}, nil
}

// runBackgroundWorkers starts the periodic maintenance loops that don't
// belong to any single request: session-route pruning on the configured
// interval, for as long as ctx is alive.
func (f *fabric) runBackgroundWorkers(ctx context.Context) {
	interval := time.Duration(f.cfg.Session.PruneIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.session.Prune()
			}
		}
	}()
}

// Close stops every worker-owning subsystem.
func (f *fabric) Close() {
	f.outbound.Close()
	f.deadLetters.Close()
}

func manifestPaths(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, dir+"/"+e.Name())
	}
	return paths
}
