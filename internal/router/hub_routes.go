package router

import (
	"hub-backend/internal/handlers"
	"hub-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupHubRoutes registers the admin/ops API. Ledger mutations stay library
// calls on the container services; no public user RPC is exposed here.
func SetupHubRoutes(r *gin.Engine, transferHandler *handlers.AdminTransferHandler, wsHandler *handlers.WebSocketHandler, localhostOnly *middleware.LocalhostOnly) {
	api := r.Group("/api/v1")

	// ============ Admin Authentication ============
	adminAuthHandler := handlers.NewAdminAuthHandler()
	// Admin login (username + password + TOTP)
	api.POST("/admin/login", adminAuthHandler.AdminLoginHandler)
	// Generate TOTP secret (for initial setup, refuses once configured)
	api.GET("/admin/totp/secret", adminAuthHandler.GenerateTOTPSecretHandler)

	// ============ Admin Operations ============
	// Bearer JWT with admin role, plus the IP whitelist.
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(logrus.New())
	admin := api.Group("/admin")
	admin.Use(localhostOnly.Restrict(), adminAuthMiddleware.RequireAdminAuth())
	{
		// Transfer inspection, dead letters via status=failed
		admin.GET("/transfers", transferHandler.ListTransfersHandler)
		// Per-status counts plus quorum parameters
		admin.GET("/transfers/stats", transferHandler.GetTransferStatsHandler)
		// Single transfer with signer confirmations
		admin.GET("/transfers/:id", transferHandler.GetTransferHandler)
		// Re-arm a dead-lettered transfer
		admin.POST("/transfers/:id/retry", transferHandler.RetryTransferHandler)

		// Commitment tree head and root history
		admin.GET("/ledger/root", transferHandler.GetLedgerRootHandler)

		// Compliance rule set and kill switch
		admin.GET("/compliance", transferHandler.GetComplianceHandler)
		admin.POST("/compliance/pause", transferHandler.PauseComplianceHandler)
		admin.POST("/compliance/resume", transferHandler.ResumeComplianceHandler)

		// Operational audit trail
		admin.GET("/audit", transferHandler.GetAuditLogHandler)
	}

	// ============ WebSocket ============
	api.GET("/ws", wsHandler.HandleWebSocket)
	api.GET("/ws/status", wsHandler.WebSocketStatusHandler)
}
