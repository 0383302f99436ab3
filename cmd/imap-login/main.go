// Command imap-login runs the IMAP pre-authentication gatekeeper: it
// accepts client connections, speaks the unauthenticated IMAP4rev1
// subset, verifies credentials against the auth broker, and hands
// authenticated connections off to the mail-access backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veymail/imap-login/config"
	"github.com/veymail/imap-login/login"
	"github.com/veymail/imap-login/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("imap-login version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imap-login: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imap-login: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("imap-login starting (version %s, commit %s, built %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	registry := login.NewRegistry(cfg.MaxLoggingUsers)
	registry.StartIdleSweep()
	defer registry.StopIdleSweep()

	authSvc, err := buildAuthService(cfg.AuthService)
	if err != nil {
		logger.Fatal("failed to build auth service", "error", err)
	}
	authSvc.OnReconnect(registry.ResumeBlocked)
	if cfg.AuthService.Addr != "" {
		go probeAuthBroker(ctx, cfg.AuthService, authSvc)
	}

	backendTimeout, err := config.ParseDuration(cfg.Backend.ConnectTimeout, 10*time.Second)
	if err != nil {
		logger.Fatal("invalid backend.connect_timeout", "error", err)
	}
	backend := login.NewTCPBackendMaster(cfg.Backend.Addr, cfg.Backend.MasterSASLUsername, cfg.Backend.MasterSASLPassword, backendTimeout)

	tlsUpgrader, err := buildTLSUpgrader(cfg.TLS)
	if err != nil {
		logger.Fatal("failed to build TLS configuration", "error", err)
	}

	listener := login.NewListener(cfg, registry, authSvc, backend, tlsUpgrader, cfg.TLS.Enabled)
	if err := listener.Start(); err != nil {
		logger.Fatal("failed to start listener", "error", err)
	}
	defer listener.Stop()

	login.SetProcTitle(fmt.Sprintf("imap-login %s", cfg.Addr))

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = startMetricsServer(cfg.MetricsAddr)
	}

	<-ctx.Done()
	logger.Infof("shutting down")

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}
}

// startMetricsServer exposes Prometheus metrics on its own listener,
// routed through gorilla/mux the way the wider stack's dynamic protocol
// servers route their own HTTP endpoints.
func startMetricsServer(addr string) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Infof("metrics listening on %s", addr)
	return srv
}

// probeAuthBroker periodically dials the auth broker's address and, on a
// successful connect, forces the circuit breaker out of the open state so
// the next AUTHENTICATE is actually attempted instead of failing fast —
// the out-of-band reconnect signal ResilientAuthService.ProbeReconnect's
// doc comment describes, standing in for a real health-check endpoint.
// A dial failure is routine while the broker is down and isn't logged.
func probeAuthBroker(ctx context.Context, cfg config.AuthServiceConfig, svc *login.ResilientAuthService) {
	dialTimeout, err := config.ParseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		dialTimeout = 5 * time.Second
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if svc.IsConnected() {
				continue
			}
			conn, err := net.DialTimeout("tcp", cfg.Addr, dialTimeout)
			if err != nil {
				continue
			}
			conn.Close()
			svc.ProbeReconnect()
		}
	}
}

// buildAuthService constructs the resilient auth broker from
// configuration. The credential store is an empty StaticCredentialStore,
// so every lookup reports the user as not found; a networked
// CredentialStore (talking to the same broker the wider stack's protocol
// servers use) plugs in here without touching the rest of the login
// front-end.
func buildAuthService(cfg config.AuthServiceConfig) (*login.ResilientAuthService, error) {
	openTimeout, err := config.ParseDuration(cfg.CircuitTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	store := login.StaticCredentialStore{}
	return login.NewResilientAuthService(store, cfg.CircuitThreshold, openTimeout), nil
}

func buildTLSUpgrader(cfg config.TLSConfig) (*login.TLSUpgrader, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil
	}
	return login.NewTLSUpgraderFromFiles(cfg.CertFile, cfg.KeyFile, cfg.MinVersion)
}
