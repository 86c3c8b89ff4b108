package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/txweave/txweave/config"
	"github.com/txweave/txweave/config/certs"
	"github.com/txweave/txweave/core/coordinator"
	"github.com/txweave/txweave/core/resource"
	"github.com/txweave/txweave/core/txlog"
	"github.com/txweave/txweave/pkg/connection"
	"github.com/txweave/txweave/pkg/logger"
	"github.com/txweave/txweave/pkg/telemetry"
)

const (
	connPoolSize        = 4
	connDialTimeout     = 5 * time.Second
	httpShutdownTimeout = 5 * time.Second
	recoveryRunTimeout  = 2 * time.Minute
	localStoreAdapterID = "localstore"
)

var configPath = flag.String("config", "/etc/txweave/config.yaml", "Path to the coordinator configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: failed to load configuration: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: failed to initialize logger: %v", err)
	}
	defer zlogger.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	txLog, err := txlog.Open(cfg.TxLog, zlogger)
	if err != nil {
		zlogger.Fatal("failed to open transaction log", zap.Error(err))
	}

	coord, err := coordinator.New(cfg.Coordinator, txLog, tel, zlogger)
	if err != nil {
		zlogger.Fatal("failed to build coordinator", zap.Error(err))
	}

	// The local recoverable store participates in transactions and is also
	// exposed over the resource server for remote coordinators.
	store, err := resource.OpenLocalStore(localStoreAdapterID, cfg.DataDir, zlogger)
	if err != nil {
		zlogger.Fatal("failed to open local store", zap.Error(err))
	}
	if err := coord.Register(store); err != nil {
		zlogger.Fatal("failed to register local store", zap.Error(err))
	}

	// Remote XA resources share one pooled transport.
	var clientTLS *tls.Config
	if cfg.TLS.Enabled {
		clientTLS, err = certs.LoadClientTLSConfig(cfg.TLS.CACert, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			zlogger.Fatal("failed to load client TLS material", zap.Error(err))
		}
	}
	pool := connection.NewPoolManager(connPoolSize, connDialTimeout, clientTLS)
	defer pool.Close()
	for _, remote := range cfg.Remotes {
		adapter := resource.NewRemoteXA(remote.ID, remote.Address, pool, zlogger)
		if err := coord.Register(adapter); err != nil {
			zlogger.Fatal("failed to register remote resource", zap.Error(err))
		}
	}

	// Recovery must finish before any transaction is admitted.
	recoveryCtx, cancelRecovery := context.WithTimeout(context.Background(), recoveryRunTimeout)
	if err := coord.Recover(recoveryCtx); err != nil {
		cancelRecovery()
		zlogger.Fatal("recovery failed", zap.Error(err))
	}
	cancelRecovery()

	// Host the local store for remote coordinators, if configured.
	var resourceServer *resource.Server
	if cfg.ResourceAddr != "" {
		var listener net.Listener
		if cfg.TLS.Enabled {
			serverTLS, err := certs.LoadServerTLSConfig(cfg.TLS.CACert, cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				zlogger.Fatal("failed to load server TLS material", zap.Error(err))
			}
			listener, err = tls.Listen("tcp", cfg.ResourceAddr, serverTLS)
			if err != nil {
				zlogger.Fatal("failed to bind resource listener", zap.Error(err))
			}
		} else {
			listener, err = net.Listen("tcp", cfg.ResourceAddr)
			if err != nil {
				zlogger.Fatal("failed to bind resource listener", zap.Error(err))
			}
		}
		resourceServer = resource.NewServer(store, listener, zlogger)
		go resourceServer.Serve()
	}

	adminServer := newAdminServer(cfg.AdminAddr, coord, zlogger)
	go func() {
		zlogger.Info("admin HTTP listening", zap.String("addr", cfg.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlogger.Fatal("admin HTTP server failed", zap.Error(err))
		}
	}()

	zlogger.Info("txweave coordinator started",
		zap.String("txlog_dir", cfg.TxLog.Dir),
		zap.Int("remotes", len(cfg.Remotes)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zlogger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		zlogger.Warn("admin HTTP shutdown failed", zap.Error(err))
	}
	if resourceServer != nil {
		if err := resourceServer.Close(); err != nil {
			zlogger.Warn("resource server shutdown failed", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		zlogger.Warn("local store close failed", zap.Error(err))
	}
	if err := txLog.Close(); err != nil {
		zlogger.Warn("transaction log close failed", zap.Error(err))
	}
	if err := telShutdown(context.Background()); err != nil {
		zlogger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	zlogger.Info("shutdown complete")
}

// newAdminServer builds the read-only administrative inquiry surface.
func newAdminServer(addr string, coord *coordinator.Coordinator, zlogger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(coord.ListTransactions()); err != nil {
			zlogger.Warn("failed to encode transaction list", zap.Error(err))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return &http.Server{Addr: addr, Handler: mux}
}
