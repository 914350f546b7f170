package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pgdog/pgdog-core/internal/admin"
	"github.com/pgdog/pgdog-core/internal/cluster"
	"github.com/pgdog/pgdog-core/internal/config"
	"github.com/pgdog/pgdog-core/internal/gather"
	"github.com/pgdog/pgdog-core/internal/metrics"
	"github.com/pgdog/pgdog-core/internal/pool"
	"github.com/pgdog/pgdog-core/internal/route"
	"github.com/pgdog/pgdog-core/internal/server"
	"github.com/pgdog/pgdog-core/internal/session"
)

// startupID is a process-lifetime identifier, attached to every log line
// through the logger's With so operators can correlate a run's log lines across a log aggregator even
// when PIDs are reused across restarts.
var startupID = uuid.New().String()

func main() {
	configPath := flag.String("config", "configs/pgdog.toml", "path to configuration file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("startup_id", startupID)
	slog.SetDefault(log)
	log.Info("pgdog starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "path", *configPath, "clusters", len(cfg.Clusters), "users", len(cfg.Users))

	var cfgHolder atomic.Pointer[config.Config]
	cfgHolder.Store(cfg)

	m := metrics.New()
	registry := route.NewRegistry(buildClusters(cfg, log))
	balancer := route.NewBalancer()

	poolMgr := pool.NewManager(
		pool.DialPostgres(session.DialBackend),
		newOptFactory(&cfgHolder),
	)
	poolMgr.SetOnPoolExhausted(func(id cluster.Identity) {
		m.IncPoolExhausted(id)
	})
	poolMgr.StartStatsLoop(5*time.Second, func(s pool.Stats) {
		m.SetPoolOccupancy(s.Identity, s.Active, s.Idle, s.Total, s.Waiting)
	})

	auth, err := session.NewAuthenticator(buildCredentials(cfg))
	if err != nil {
		log.Error("failed to build authenticator", "error", err)
		os.Exit(1)
	}

	var tlsConfig *tls.Config
	if cfg.Listen.TLSEnabled() {
		tlsConfig, err = server.LoadTLSConfig(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			log.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
	}

	handler := &session.Handler{
		Registry:  registry,
		Pools:     poolMgr,
		Balancer:  balancer,
		Auth:      auth,
		Cancels:   session.NewCancelTable(),
		Metrics:   m,
		TLSConfig: tlsConfig,
		Gather:    &gather.Executor{Metrics: m, Balancer: balancer},
	}

	pgServer := server.NewServer(handler, log)
	if err := pgServer.Listen(cfg.Listen.PostgresPort); err != nil {
		log.Error("failed to start postgres listener", "error", err)
		os.Exit(1)
	}

	reload := func() error {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("reloading config: %w", err)
		}
		registry.Reload(buildClusters(newCfg, log))
		if err := auth.Reload(buildCredentials(newCfg)); err != nil {
			return fmt.Errorf("rebuilding authenticator: %w", err)
		}
		cfgHolder.Store(newCfg)
		return nil
	}

	adminServer := admin.NewServer(registry, poolMgr, m, reload, log)
	adminAddr := fmt.Sprintf("%s:%d", cfg.Listen.AdminBind, cfg.Listen.AdminPort)
	if err := adminServer.Start(adminAddr); err != nil {
		log.Error("failed to start admin server", "error", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		if err := reload(); err != nil {
			log.Error("config hot-reload failed", "error", err)
		}
	})
	if err != nil {
		log.Warn("config hot-reload not available", "error", err)
	}

	log.Info("pgdog ready", "postgres_port", cfg.Listen.PostgresPort, "admin_addr", adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	if err := adminServer.Stop(); err != nil {
		log.Warn("admin server shutdown error", "error", err)
	}
	pgServer.Stop()
	poolMgr.Close()

	log.Info("pgdog stopped")
}

// buildClusters adapts config.ClusterConfig into the runtime cluster.Cluster
// values the registry and router operate on.
func buildClusters(cfg *config.Config, log *slog.Logger) []*cluster.Cluster {
	clusters := make([]*cluster.Cluster, 0, len(cfg.Clusters))
	for name, cc := range cfg.Clusters {
		c, err := cc.ToCluster(name, cfg.Defaults)
		if err != nil {
			log.Error("skipping invalid cluster", "cluster", name, "error", err)
			continue
		}
		clusters = append(clusters, c)
	}
	return clusters
}

// buildCredentials adapts config.UserConfig into session.UserCredential,
// keeping internal/session free of a compile-time dependency on the
// config file shape.
func buildCredentials(cfg *config.Config) []session.UserCredential {
	creds := make([]session.UserCredential, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		creds = append(creds, session.UserCredential{
			Name:     u.Name,
			Password: u.Password,
			Cluster:  u.Cluster,
			Database: u.Database,
		})
	}
	return creds
}

// newOptFactory builds the pool.Manager's identity->(ServerConfig,Options)
// resolver. Backend selection itself no longer happens here: the caller
// (internal/session's per-checkout acquire, or internal/gather's
// per-shard fan-out) resolves a candidate backend via route.Balancer.Pick
// and stamps it into cluster.Identity.Backend before calling
// pool.Manager.Get/Checkout, so the same logical (cluster, shard, role,
// user, database) tuple can own one pool per physical backend and a
// single banned candidate never stops the others being tried. This
// factory only turns that already-resolved backend address plus live
// config into the ServerConfig/Options a pool needs to dial it.
func newOptFactory(cfgHolder *atomic.Pointer[config.Config]) func(cluster.Identity) (pool.ServerConfig, pool.Options) {
	return func(id cluster.Identity) (pool.ServerConfig, pool.Options) {
		cfg := cfgHolder.Load()
		var cc config.ClusterConfig
		if found, ok := cfg.Clusters[id.Cluster]; ok {
			cc = found
		}

		user, password := id.User, ""
		for _, u := range cfg.Users {
			if u.Name == id.User {
				password = u.Password
				break
			}
		}

		srv := pool.ServerConfig{
			Addr:        id.Backend,
			User:        user,
			Password:    password,
			Database:    id.Database,
			DialTimeout: cc.EffectiveDialTimeout(cfg.Defaults),
		}
		opts := pool.Options{
			MinConns:         cc.EffectiveMinConnections(cfg.Defaults),
			MaxConns:         cc.EffectiveMaxConnections(cfg.Defaults),
			IdleTimeout:      cc.EffectiveIdleTimeout(cfg.Defaults),
			MaxLifetime:      cc.EffectiveMaxLifetime(cfg.Defaults),
			AcquireTimeout:   cc.EffectiveAcquireTimeout(cfg.Defaults),
			DialTimeout:      cc.EffectiveDialTimeout(cfg.Defaults),
			BanDuration:      cc.EffectiveBanDuration(cfg.Defaults),
			FailureThreshold: cc.EffectiveFailureThreshold(cfg.Defaults),
		}
		return srv, opts
	}
}
