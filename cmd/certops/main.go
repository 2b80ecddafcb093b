package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	v1 "go_certops/api/v1"
	"go_certops/internal/acmeclient"
	"go_certops/internal/auth"
	"go_certops/internal/cache"
	"go_certops/internal/config"
	"go_certops/internal/db"
	"go_certops/internal/dnsclient"
	"go_certops/internal/hosting"
	"go_certops/internal/issuance"
	"go_certops/internal/renewal"
	"go_certops/internal/workflow"
	"go_certops/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("✓ Configuration loaded")

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
	}
	defer db.Close()

	if cfg.Migrate {
		if err := db.Migrate(db.GetDB()); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	// 3. Initialize Redis
	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer cache.Close()

	// 4. Initialize JWT
	auth.InitJWT(cfg.JWT.Secret)

	// 5. Initialize Socket.IO server for workflow progress events
	if err := ws.InitServer(); err != nil {
		log.Fatalf("Failed to initialize WebSocket server: %v", err)
	}

	// 6. Build the external clients
	acmeClient, err := acmeclient.New(context.Background(), cfg.ACME.DirectoryURL, cfg.ACME.Email, cfg.ACME.AccountKeyPath)
	if err != nil {
		log.Fatalf("Failed to initialize ACME client: %v", err)
	}
	log.Println("✓ ACME account ready")

	dnsClient := dnsclient.NewRESTClient(cfg.DNS.APIBase, cfg.DNS.APIToken)

	var mtls *hosting.MTLSConfig
	if cfg.Hosting.MTLS.Enabled {
		mtls = &hosting.MTLSConfig{
			ClientCert: cfg.Hosting.MTLS.ClientCert,
			ClientKey:  cfg.Hosting.MTLS.ClientKey,
			CACert:     cfg.Hosting.MTLS.CACert,
		}
	}
	hostingClient, err := hosting.NewRESTClient(cfg.Hosting.APIBase, cfg.Hosting.APIToken, mtls)
	if err != nil {
		log.Fatalf("Failed to initialize hosting client: %v", err)
	}

	// 7. Wire the workflow engine and the issuance workflows
	logger := logrus.NewEntry(logrus.StandardLogger())
	store := workflow.NewService(db.GetDB())
	lease := time.Duration(cfg.WorkflowWorker.LeaseSec) * time.Second
	sinks := workflow.Sinks{
		ws.Sink{},
		issuance.NewLockReleaser(store, cache.ReleaseLock, logger),
	}
	engine := workflow.NewEngine(store, logger, sinks, lease)

	activities := issuance.NewActivities(issuance.ActivitiesConfig{
		ACME:           acmeClient,
		DNS:            dnsClient,
		Hosting:        hostingClient,
		Resolvers:      cfg.DNS.Resolvers,
		RecordTTL:      cfg.DNS.RecordTTL,
		BundlePassword: cfg.Issuance.BundlePassword,
	})
	orchestrator := issuance.NewOrchestrator(issuance.Config{
		PollMaxAttempts:   cfg.Issuance.PollMaxAttempts,
		PollInterval:      time.Duration(cfg.Issuance.PollIntervalSec) * time.Second,
		VerifyMaxAttempts: cfg.Issuance.VerifyMaxAttempts,
		VerifyInterval:    time.Duration(cfg.Issuance.VerifyIntervalSec) * time.Second,
	})
	orchestrator.Register(engine, activities)

	// 8. Start the background workers
	if cfg.WorkflowWorker.Enabled {
		worker := workflow.NewWorker(engine, workflow.WorkerConfig{
			IntervalSec: cfg.WorkflowWorker.IntervalSec,
			BatchSize:   cfg.WorkflowWorker.BatchSize,
			LeaseSec:    cfg.WorkflowWorker.LeaseSec,
		}, logger)
		worker.Start()
		defer worker.Stop()
	}

	scanner := renewal.NewScanner(engine, hostingClient, renewal.Config{
		Enabled:        cfg.Renewal.Enabled,
		IntervalSec:    cfg.Renewal.IntervalSec,
		BeforeDays:     cfg.Renewal.BeforeDays,
		ResourceGroups: cfg.Renewal.ResourceGroups,
		IssuerMatch:    cfg.Renewal.IssuerMatch,
	}, logger)
	scanner.Start()
	defer scanner.Stop()

	// 9. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	// Setup API v1 routes
	v1.SetupRouter(r, cfg, engine, store)

	// Mount the Socket.IO endpoint with JWT handshake validation
	wsHandler := ws.WrapWithAuth(ws.Server)
	r.GET("/socket.io/*any", gin.WrapH(wsHandler))
	r.POST("/socket.io/*any", gin.WrapH(wsHandler))

	// 10. Start server and wait for shutdown
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Printf("✓ Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	// In-flight workflow steps are interrupted by the worker Stop
	// deferred above; their instances resume from the step log once
	// the lease expires.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
}
