package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlmediator/sqlmediator/internal/api"
	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/config"
	"github.com/sqlmediator/sqlmediator/internal/driver"
	"github.com/sqlmediator/sqlmediator/internal/health"
	"github.com/sqlmediator/sqlmediator/internal/listener"
	"github.com/sqlmediator/sqlmediator/internal/metrics"
	"github.com/sqlmediator/sqlmediator/internal/pool"
	"github.com/sqlmediator/sqlmediator/internal/script"
)

func main() {
	configPath := flag.String("config", "configs/sqlmediator.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("sqlmediator starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d backends)", *configPath, len(cfg.Backends))

	reg := backend.New(cfg.Addresses(), cfg.Roles())

	var dialer net.Dialer
	dial := pool.Dialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	})
	p := pool.New(dial, cfg.Pool.MaxPerKey, cfg.Pool.IdleTimeout, cfg.Pool.AcquireTimeout)

	m := metrics.New()
	hc := health.NewChecker(reg, m, cfg.HealthCheck)
	hc.Start()

	d := driver.New(reg, p, dial, cfg.Master.ServerVersion)

	scripts := script.NewRegistry(&script.BuiltinHost{})
	hostFactory := func() script.Host {
		return scripts.Get()
	}
	l := listener.New(d, reg, p, m, cfg, hostFactory)

	if err := l.ListenProxy(cfg.Listen.ProxyAddr); err != nil {
		log.Fatalf("Failed to start proxy listener: %v", err)
	}
	if err := l.ListenMaster(cfg.Listen.MasterAddr); err != nil {
		log.Fatalf("Failed to start master listener: %v", err)
	}
	l.StartReaper()

	apiServer := api.NewServer(reg, p, hc, m, cfg.Listen, cfg.Pool)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		reg.Reload(newCfg.Addresses(), newCfg.Roles())
		scripts.Reload(&script.BuiltinHost{})
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("sqlmediator ready - proxy:%s master:%s api:%d",
		cfg.Listen.ProxyAddr, cfg.Listen.MasterAddr, cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	l.Shutdown(10 * time.Second)
	hc.Stop()

	log.Printf("sqlmediator stopped")
}
