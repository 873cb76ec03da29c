// vehicle-edge-runtime is the per-vehicle application supervisor: it installs,
// runs and reconciles sandboxed applications, brokers their declared vehicle
// signals, and exposes a websocket control plane to the fleet tooling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tri2510/vehicle-edge-runtime/broker"
	"github.com/tri2510/vehicle-edge-runtime/config"
	"github.com/tri2510/vehicle-edge-runtime/control"
	"github.com/tri2510/vehicle-edge-runtime/identity"
	"github.com/tri2510/vehicle-edge-runtime/lifecycle"
	"github.com/tri2510/vehicle-edge-runtime/router"
	sandboxdocker "github.com/tri2510/vehicle-edge-runtime/sandbox/docker"
	"github.com/tri2510/vehicle-edge-runtime/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: VEA_CONFIG)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("main: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir %s: %w", cfg.DataDir, err)
	}

	st, err := sqlite.Open(filepath.Join(cfg.DataDir, "supervisor.db"), cfg.LogRetentionRows)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	drv, err := sandboxdocker.New(cfg.SandboxSocket, cfg.ScriptImage)
	if err != nil {
		return fmt.Errorf("sandbox driver: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog := broker.DefaultCatalog()
	var gw broker.Gateway
	var brokerClient *broker.Client
	if cfg.BrokerEnabled {
		brokerClient = broker.NewClient("ws://" + cfg.BrokerEndpoint)
		gw = broker.NewGateway(brokerClient, catalog)
	} else {
		log.Printf("main: signal broker disabled")
		gw = broker.NewDisabledGateway(catalog)
	}

	ids := identity.New(cfg.AppIDPrefix, st)
	mgr := lifecycle.New(cfg, st, ids, drv, gw)

	controlSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ControlPort),
		Handler: control.NewServer(cfg, mgr).Handler(),
	}
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HealthPort),
		Handler: router.New(mgr),
	}

	g, ctx := errgroup.WithContext(ctx)

	if brokerClient != nil {
		g.Go(func() error {
			brokerClient.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Printf("main: reconciler running every %s", cfg.ReconcileInterval())
		return mgr.Run(ctx)
	})

	g.Go(func() error {
		log.Printf("main: control plane on :%d", cfg.ControlPort)
		if err := controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("main: health endpoint on :%d", cfg.HealthPort)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Printf("main: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		controlSrv.Shutdown(shutdownCtx)
		healthSrv.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}
