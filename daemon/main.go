package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/onlitec/onlidesk-broker/daemon/api/server"
	"github.com/onlitec/onlidesk-broker/daemon/config"
	"github.com/onlitec/onlidesk-broker/daemon/router"
	"github.com/onlitec/onlidesk-broker/daemon/session"
	"github.com/onlitec/onlidesk-broker/daemon/transfer"
	"github.com/onlitec/onlidesk-broker/internal/audit"
	"github.com/onlitec/onlidesk-broker/internal/decision"
	"github.com/onlitec/onlidesk-broker/internal/fileguard"
	"github.com/onlitec/onlidesk-broker/internal/observability"
	"github.com/onlitec/onlidesk-broker/internal/tlsutil"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config/broker.json", "path to the broker config file")
	flag.Parse()

	// Initialize observability
	logger := observability.NewLogger("onlidesk-broker", version, os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker(version)
	if shutdown, err := observability.InitTracing(context.Background(), "onlidesk-broker", version); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("OnliDesk broker starting...")

	cfgManager, err := config.NewManager(*configPath)
	if err != nil {
		logger.Fatal(err, "Failed to load config")
	}
	cfg := cfgManager.Get()

	logger.Info("Configuration loaded")
	log.Printf("  Listen: %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("  Chunk size: %d bytes", cfg.Transfer.ChunkSize)
	log.Printf("  Max concurrent transfers: %d", cfg.Transfer.MaxConcurrent)

	// Audit sink
	var auditor *audit.Logger
	if cfg.RemoteAccess.AuditEnabled {
		auditor, err = audit.NewLogger(audit.Options{
			Dir:       cfg.RemoteAccess.AuditLogDir,
			Retention: time.Duration(cfg.RemoteAccess.AuditRetentionDays) * 24 * time.Hour,
			OnWrite:   metrics.RecordAuditEvent,
			OnDrop:    metrics.RecordAuditDrop,
		})
		if err != nil {
			logger.Fatal(err, "Failed to open audit log")
		}
		defer auditor.Close()
		logger.Info("Audit logging enabled: " + cfg.RemoteAccess.AuditLogDir)
	}

	// At-rest encryption
	var cryptor *fileguard.Cryptor
	if cfg.Transfer.EncryptFiles {
		key, err := fileguard.KeyFromConfig(
			cfg.Security.EncryptionKey,
			cfg.Security.EncryptionPassphrase,
			cfg.Security.EncryptionSalt,
		)
		if err != nil {
			logger.Fatal(err, "Failed to load encryption key")
		}
		cryptor, err = fileguard.NewCryptor(key)
		if err != nil {
			logger.Fatal(err, "Failed to initialize file encryption")
		}
		logger.Info("At-rest file encryption enabled")
	}

	validator := fileguard.NewValidator(policyFromConfig(&cfg.Security), nil, auditor, logger, metrics)

	if err := os.MkdirAll(cfg.Transfer.TempDir, 0750); err != nil {
		logger.Fatal(err, "Failed to create temp directory")
	}

	// Persistent stores
	if dir := filepath.Dir(cfg.DecisionStorePath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			logger.Fatal(err, "Failed to create data directory")
		}
	}
	decisions, err := decision.Open(cfg.DecisionStorePath)
	if err != nil {
		logger.Fatal(err, "Failed to open decision store")
	}
	defer decisions.Close()

	checkpoints, err := transfer.OpenCheckpointStore(cfg.CheckpointDBPath)
	if err != nil {
		logger.Fatal(err, "Failed to open checkpoint store")
	}
	defer checkpoints.Close()

	// Transfer engine
	engine := transfer.NewEngine(
		func() *config.TransferConfig { return &cfgManager.Get().Transfer },
		transfer.Options{
			Validator:   validator,
			Cryptor:     cryptor,
			Decisions:   decisions,
			Checkpoints: checkpoints,
			Auditor:     auditor,
			Logger:      logger,
			Metrics:     metrics,
		},
	)
	if stale, err := engine.Recover(); err != nil {
		logger.Error(err, "Checkpoint recovery failed")
	} else if stale > 0 {
		log.Printf("Marked %d interrupted transfers failed", stale)
	}
	logger.Info("Transfer engine initialized")

	// Session manager and websocket plane
	sessions := session.NewManager(
		func() *config.RemoteAccessConfig { return &cfgManager.Get().RemoteAccess },
		auditor, logger, metrics,
	)
	hub := router.NewHub(logger, metrics)
	wsRouter := router.New(
		func() *config.RemoteAccessConfig { return &cfgManager.Get().RemoteAccess },
		sessions, engine, hub, logger, metrics,
	)
	sessions.SetNotifier(wsRouter)
	logger.Info("Session manager initialized")

	// REST facade
	apiServer := server.New(cfgManager, sessions, engine, server.Options{
		Auditor: auditor,
		Cryptor: cryptor,
		Logger:  logger,
		Version: version,
	})

	// Register health checks
	healthChecker.RegisterCheck("temp_dir", observability.WritableDirCheck("temp_dir", cfg.Transfer.TempDir))
	healthChecker.RegisterCheck("checkpoint_store", observability.CheckpointStoreCheck(checkpoints.Ping))
	healthChecker.RegisterCheck("audit_sink", observability.AuditSinkCheck(func() bool {
		return auditor == nil || auditor.Enabled()
	}))
	healthChecker.RegisterCheck("encryption_key", observability.EncryptionKeyCheck(cryptor != nil || !cfg.Transfer.EncryptFiles))

	root := mux.NewRouter()
	apiServer.Routes(root)
	root.HandleFunc("/ws/client", wsRouter.HandleClient)
	root.HandleFunc("/ws/portal", wsRouter.HandlePortal)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go wsRouter.Run(ctx)
	go startObservabilityServer(metrics, healthChecker, logger) // exposes /metrics, /health, /debug/pprof
	go sweepLoop(ctx, cfgManager, sessions, engine, auditor, logger)

	go func() {
		err := serve(httpServer, &cfg.Server, logger)
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "HTTP server error")
		}
	}()

	logger.Info("OnliDesk broker running on " + httpServer.Addr)
	logger.Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP shutdown error")
	}

	expired, reaped := sessions.Sweep()
	log.Printf("Final sweep: %d sessions expired, %d reaped", expired, reaped)

	logger.Info("Broker stopped")
}

// serve starts the listener, generating a throwaway self-signed certificate
// when TLS is enabled without configured cert files.
func serve(httpServer *http.Server, cfg *config.ServerConfig, logger *observability.Logger) error {
	if !cfg.TLSEnabled {
		return httpServer.ListenAndServe()
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return httpServer.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	}

	certPEM, keyPEM, err := tlsutil.GenerateSelfSignedCert()
	if err != nil {
		return err
	}
	tlsConfig, err := tlsutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		return err
	}
	logger.Info("Generated self-signed TLS certificate")
	httpServer.TLSConfig = tlsConfig
	return httpServer.ListenAndServeTLS("", "")
}

func startObservabilityServer(metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: ":8081", Handler: mux}
	logger.Info("Observability server listening on :8081 (metrics, health, pprof)")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "Observability server error")
	}
}

// sweepLoop drives the periodic expiry of sessions, transfers and rotated
// audit files. Intervals are re-read each tick so config updates apply live.
func sweepLoop(ctx context.Context, cfgManager *config.Manager, sessions *session.Manager, engine *transfer.Engine, auditor *audit.Logger, logger *observability.Logger) {
	sessionTicker := time.NewTicker(cfgManager.Get().RemoteAccess.CleanupInterval.Std())
	transferTicker := time.NewTicker(cfgManager.Get().Transfer.CleanupInterval.Std())
	auditTicker := time.NewTicker(24 * time.Hour)
	defer sessionTicker.Stop()
	defer transferTicker.Stop()
	defer auditTicker.Stop()

	cfgManager.OnUpdate(func(cfg *config.Config) {
		sessionTicker.Reset(cfg.RemoteAccess.CleanupInterval.Std())
		transferTicker.Reset(cfg.Transfer.CleanupInterval.Std())
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionTicker.C:
			if expired, reaped := sessions.Sweep(); expired > 0 || reaped > 0 {
				log.Printf("Session sweep: %d expired, %d reaped", expired, reaped)
			}
		case <-transferTicker.C:
			if timedOut, reaped := engine.Sweep(); timedOut > 0 || reaped > 0 {
				log.Printf("Transfer sweep: %d timed out, %d reaped", timedOut, reaped)
			}
		case <-auditTicker.C:
			if auditor == nil {
				continue
			}
			if removed, err := auditor.Cleanup(); err != nil {
				logger.Error(err, "Audit retention cleanup failed")
			} else if removed > 0 {
				log.Printf("Audit retention: removed %d rotated files", removed)
			}
		}
	}
}

func policyFromConfig(sec *config.SecurityConfig) fileguard.Policy {
	policy := fileguard.DefaultPolicy()
	if sec.MaxFilenameLength > 0 {
		policy.MaxFilenameLength = sec.MaxFilenameLength
	}
	if len(sec.BlockedExtensions) > 0 {
		policy.BlockedExtensions = sec.BlockedExtensions
	}
	policy.AllowedMimeTypes = sec.AllowedMimeTypes
	policy.RequireChecksum = sec.RequireChecksum
	policy.ScanForMalware = sec.ScanForMalware
	if sec.QuarantineDir != "" {
		policy.QuarantineDir = sec.QuarantineDir
	}
	return policy
}
