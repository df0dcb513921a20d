// Command vixy runs the EL/CL reverse proxy: it loads a TOML
// configuration, starts the health-monitoring control loop, and serves the
// HTTP/WebSocket listener until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/exp/slog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/chainbound/vixy/internal/config"
	"github.com/chainbound/vixy/internal/health"
	"github.com/chainbound/vixy/internal/metrics"
	"github.com/chainbound/vixy/internal/registry"
	"github.com/chainbound/vixy/internal/server"
	"github.com/chainbound/vixy/internal/vxlog"
)

func main() {
	configPath := flag.String("config", "vixy.toml", "path to the TOML configuration file")
	listenAddr := flag.String("listen", ":8080", "address the HTTP/WebSocket listener binds to")
	logJSON := flag.Bool("log.json", false, "force JSON log output")
	logFile := flag.String("log.file", "", "also write rotated logs to this file")
	flag.Parse()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})); err != nil {
		fmt.Fprintf(os.Stderr, "maxprocs: %v\n", err)
	}

	log := vxlog.New(vxlog.Options{Level: slog.LevelInfo, JSON: *logJSON, File: *logFile})
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err, "path", *configPath)
		os.Exit(1)
	}

	reg := buildRegistry(cfg)
	mx := (*metrics.Metrics)(nil)
	if cfg.Metrics.Enabled {
		mx = metrics.New()
	}

	client := &http.Client{Timeout: cfg.Global.ProxyTimeout()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := health.New(reg, client, cfg.Global.HealthCheckInterval(), log.With("component", "health")).WithMetrics(mx)
	go mon.Run(ctx)

	srv := server.New(cfg, reg, client, mx, log.With("component", "server"))
	if mx != nil && cfg.Metrics.Port != 0 {
		// /metrics moves off the main listener onto its own port.
		srv.Metrics = nil
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			log.Info("serving metrics", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mx.Handler()); err != nil {
				log.Error("metrics listener failed", "err", err)
			}
		}()
	}
	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.Handler(cfg),
	}

	go func() {
		log.Info("listening", "addr", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listener failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
}

func buildRegistry(cfg *config.Config) *registry.Registry {
	var el []*registry.ElNode
	for _, n := range cfg.El.Primary {
		el = append(el, &registry.ElNode{Name: n.Name, HTTPURL: n.HTTPURL, WSURL: n.WSURL, Tier: registry.TierPrimary})
	}
	for _, n := range cfg.El.Backup {
		el = append(el, &registry.ElNode{Name: n.Name, HTTPURL: n.HTTPURL, WSURL: n.WSURL, Tier: registry.TierBackup})
	}

	var cl []*registry.ClNode
	for _, n := range cfg.Cl {
		cl = append(cl, &registry.ClNode{Name: n.Name, URL: n.URL})
	}

	return registry.New(el, cl, cfg.Global.MaxELLagBlocks, cfg.Global.MaxCLLagSlots, cfg.Global.HealthCheckMaxFails)
}
