package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hub-backend/internal/app"
	"hub-backend/internal/config"
	"hub-backend/internal/db"
	"hub-backend/internal/events"
	"hub-backend/internal/handlers"
	"hub-backend/internal/router"

	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration (config.local.yaml wins when present)
	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database connection + schema migration
	db.InitDB()

	// Wire repositories, ledger, relay and services
	container, err := app.InitializeContainer()
	if err != nil {
		log.Fatalf("Failed to initialize service container: %v", err)
	}

	// Background workers
	container.Coordinator.Start()
	container.MonitoringService.Start()
	container.SchedulerService.Start()

	// NATS confirmation ingestion + lifecycle publishing
	if err := events.InitNATSServices(container.Coordinator); err != nil {
		log.Printf("⚠️ NATS initialization failed: %v", err)
		log.Printf("   → Signer confirmations must arrive through direct AddConfirmation calls")
	}

	// HTTP surface
	transferHandler := handlers.NewAdminTransferHandler(
		container.TransferRepo,
		container.ConfirmationRepo,
		container.AuditRepo,
		container.Coordinator,
		container.Ledger,
		container.Rules,
		logrus.StandardLogger(),
	)
	wsHandler := handlers.NewWebSocketHandler(container.WebSocketPushService)

	r := router.SetupRouter(transferHandler, wsHandler)

	addr := fmt.Sprintf("%s:%d", config.AppConfig.Server.Host, config.AppConfig.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Printf("🚀 hub-backend listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP server shutdown: %v", err)
	}

	events.CloseNATS()
	container.Cleanup()
	db.CloseDB()

	log.Println("✅ hub-backend stopped")
}
