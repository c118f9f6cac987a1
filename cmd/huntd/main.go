package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"huntd/pkg/api"
	"huntd/pkg/auth"
	"huntd/pkg/config"
	"huntd/pkg/engine"
	"huntd/pkg/hunt"
	"huntd/pkg/plugin"
	"huntd/pkg/store"
	"huntd/pkg/stream"
	"huntd/pkg/version"
)

func main() {
	cfgPath := flag.String("config", "huntd.toml", "config file path")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "huntd",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
	})
	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := plugin.NewRegistry()
	if err := plugin.RegisterAll(reg, cfg.Plugins); err != nil {
		return fmt.Errorf("plugins: %w", err)
	}
	logger.Info("plugins registered", "names", reg.Names())

	catalog := hunt.NewCatalog(reg.Has, logger.Named("catalog"))
	if err := loadCatalog(ctx, cfg.Catalog, catalog, logger); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	st, err := store.Open(cfg.Store.Backend, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	hub := stream.NewHub(cfg.Stream.Buffer, logger.Named("stream"))
	adapter := plugin.NewAdapter(reg, plugin.AdapterOptions{
		StepTimeout: cfg.Engine.StepTimeout.Duration,
		GracePeriod: cfg.Engine.GracePeriod.Duration,
	}, logger.Named("plugin"))
	mgr := engine.NewManager(st, adapter, hub, engine.Options{
		MaxParallelSteps: cfg.Engine.MaxParallelSteps,
		MaxGlobalSteps:   cfg.Engine.MaxGlobalSteps,
	}, logger.Named("engine"))
	mgr.SetEvidenceSink(engine.AuditEvidenceSink{Store: st})

	signer := auth.NewSigner(cfg.Auth.JWTSecret)
	if cfg.Auth.Disabled {
		logger.Warn("authentication disabled")
	}
	gateway := stream.NewGateway(hub, st, signer, stream.Options{
		PingInterval: cfg.Stream.PingInterval.Duration,
		PongWait:     cfg.Stream.PongWait.Duration,
	}, logger.Named("gateway"))

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Deps{
		Catalog:      catalog,
		Manager:      mgr,
		Store:        st,
		Plugins:      reg,
		Signer:       signer,
		Keys:         auth.NewKeyChecker(cfg.Auth.APIKeyHash),
		AuthDisabled: cfg.Auth.Disabled,
		StreamTTL:    cfg.Stream.TokenTTL.Duration,
		Gateway:      gateway,
		Log:          logger.Named("api"),
	})

	tlsCfg, err := api.ServerTLSConfig(cfg.Server)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweeper, err := retentionSweeper(cfg.Store, mgr, logger.Named("retention"))
	if err != nil {
		return err
	}
	if sweeper != nil {
		sweeper.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr, "tls", tlsCfg != nil, "version", version.Build)
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if sweeper != nil {
			<-sweeper.Stop().Done()
		}
		if err := mgr.Shutdown(sctx); err != nil {
			logger.Warn("executions still running at shutdown", "error", err)
		}
		hub.Close()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// loadCatalog performs the first catalog load and installs the configured watcher.
func loadCatalog(ctx context.Context, cfg config.CatalogConfig, catalog *hunt.Catalog, logger hclog.Logger) error {
	if cfg.ConsulAddr != "" {
		if !hunt.ConsulEnabled() {
			return fmt.Errorf("consul_addr set but binary built without the consul tag")
		}
		return catalog.WatchConsul(ctx, cfg.ConsulAddr, cfg.ConsulToken, cfg.ConsulPrefix)
	}
	if err := catalog.LoadDir(cfg.Dir); err != nil {
		return err
	}
	logger.Info("hunts loaded", "dir", cfg.Dir, "count", len(catalog.List()))
	if cfg.Watch {
		return catalog.WatchDir(ctx, cfg.Dir)
	}
	return nil
}

// retentionSweeper schedules pruning of finished executions. It returns nil
// when retention is disabled.
func retentionSweeper(cfg config.StoreConfig, mgr *engine.Manager, logger hclog.Logger) (*cron.Cron, error) {
	if cfg.RetentionDays <= 0 {
		return nil, nil
	}
	age := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	c := cron.New()
	_, err := c.AddFunc(cfg.SweepSchedule, func() {
		if _, err := mgr.Prune(age); err != nil {
			logger.Error("prune failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	return c, nil
}
