package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/tls-chameleon/internal/aggregator"
	"github.com/tls-chameleon/internal/api"
	"github.com/tls-chameleon/internal/backoff"
	"github.com/tls-chameleon/internal/checker"
	"github.com/tls-chameleon/internal/classifier"
	"github.com/tls-chameleon/internal/config"
	"github.com/tls-chameleon/internal/controller"
	"github.com/tls-chameleon/internal/metrics"
	"github.com/tls-chameleon/internal/presets"
	"github.com/tls-chameleon/internal/profiles"
	"github.com/tls-chameleon/internal/proxypool"
	"github.com/tls-chameleon/internal/session"
	"github.com/tls-chameleon/internal/snapshot"
	"github.com/tls-chameleon/internal/storage"
	"github.com/tls-chameleon/internal/transport"
)

const version = "1.0.0"

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting tls-chameleon v%s", version)

	cfgPath := config.PathFromEnv()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", cfgPath, err)
	}
	applyLogging(cfg.Logging)

	collector := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	catalog := presets.NewCatalog()
	for _, p := range cfg.SitePresets() {
		if err := catalog.Register(p); err != nil {
			log.Fatalf("Failed to register preset %s: %v", p.Name, err)
		}
	}
	log.Infof("Site presets: %v", catalog.Names())

	pool, err := proxypool.New(cfg.ProxyPool.Proxies)
	if err != nil {
		log.Fatalf("Failed to build proxy pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var agg *aggregator.Aggregator
	if cfg.Aggregator.Enabled {
		agg = aggregator.NewAggregator(cfg.Aggregator, collector)
		if _, err := agg.Refresh(ctx, pool); err != nil {
			log.Warnf("Initial proxy aggregation failed: %v", err)
		}
		go agg.Run(ctx, pool)
	}
	log.Infof("Shared proxy pool: %d proxies", pool.Len())

	var snapshotMgr *snapshot.Manager
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to initialize storage: %v", err)
		}
		defer store.Close()

		snapshotMgr = snapshot.NewManager(pool, store,
			time.Duration(cfg.Storage.PersistIntervalSeconds)*time.Second,
			time.Duration(cfg.ProxyPool.SnapshotMaxAgeSeconds)*time.Second)
		if _, err := snapshotMgr.LoadFromStorage(); err != nil {
			log.Warnf("Failed to load proxy health: %v (starting fresh)", err)
		}
	}
	collector.SetProxyHealth(pool.Counts())

	var chk *checker.Checker
	if cfg.Checker.Enabled {
		chk = checker.NewChecker(cfg.Checker, collector, cfg.Transport.InsecureSkipVerify)
		go func() {
			if pool.Len() > 0 {
				if _, err := chk.CheckPool(ctx, pool); err != nil && ctx.Err() == nil {
					log.Warnf("Initial proxy check failed: %v", err)
				}
			}
			chk.Run(ctx, pool)
		}()
	}

	backend, err := transport.New(cfg.Transport.Engine, transport.Options{
		DialTimeout:        time.Duration(cfg.Transport.DialTimeoutMs) * time.Millisecond,
		MaxBodyBytes:       cfg.Transport.MaxBodyBytes,
		MaxRedirects:       cfg.Transport.MaxRedirects,
		InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
	})
	if err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
	}
	log.Infof("Transport engine: %s", backend.Name())

	ctrl := controller.New(backend, controller.Options{
		Backoff:        backoff.New(),
		AttemptTimeout: time.Duration(cfg.Transport.AttemptTimeoutMs) * time.Millisecond,
		Logger:         log.WithField("component", "controller"),
		Observers:      []controller.Observer{collector},
	})

	sessions := session.NewRegistry(session.Deps{
		Profiles:   profiles.Default(),
		Presets:    catalog,
		Rules:      classifier.DefaultRules(),
		SharedPool: pool,
	})

	apiServer := api.NewServer(cfg, api.Deps{
		Sessions:   sessions,
		Controller: ctrl,
		Metrics:    collector,
		Pool:       pool,
		Checker:    chk,
		Aggregator: agg,
	})
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		// only logging picks up a reload; the rest needs a restart
		if err := cfg.Reload(); err != nil {
			log.Errorf("Config reload failed: %v", err)
			continue
		}
		applyLogging(cfg.Logging)
		log.Info("Config reloaded")
	}

	log.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}
	if snapshotMgr != nil {
		if err := snapshotMgr.Close(); err != nil {
			log.Errorf("Final proxy health save failed: %v", err)
		}
	}

	log.Info("Shutdown complete")
}

func applyLogging(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("Unknown log level %q, keeping %s", cfg.Level, log.GetLevel())
	}
}
