// Admin Transfer Handlers - Admin-only operations (authentication required)
//
// Transfer inspection, dead letters, operator retry, ledger state and the
// compliance pause switch.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"hub-backend/internal/compliance"
	"hub-backend/internal/ledger"
	"hub-backend/internal/models"
	"hub-backend/internal/relay"
	"hub-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminTransferHandler handles admin transfer and ledger operations
type AdminTransferHandler struct {
	transfers   repository.TransferRepository
	confirms    repository.ConfirmationRepository
	audits      repository.AuditRepository
	coordinator *relay.Coordinator
	ledger      *ledger.Ledger
	rules       *compliance.Engine
	logger      *logrus.Logger
}

// NewAdminTransferHandler creates a new AdminTransferHandler instance
func NewAdminTransferHandler(
	transfers repository.TransferRepository,
	confirms repository.ConfirmationRepository,
	audits repository.AuditRepository,
	coordinator *relay.Coordinator,
	l *ledger.Ledger,
	rules *compliance.Engine,
	logger *logrus.Logger,
) *AdminTransferHandler {
	return &AdminTransferHandler{
		transfers:   transfers,
		confirms:    confirms,
		audits:      audits,
		coordinator: coordinator,
		ledger:      l,
		rules:       rules,
		logger:      logger,
	}
}

// ============================================================================
// Transfer inspection
// ============================================================================

// ListTransfersHandler lists transfers filtered by status and destination
// chain. Dead letters are status=failed.
// GET /api/v1/admin/transfers?status=&chain=&page=&page_size=
func (h *AdminTransferHandler) ListTransfersHandler(c *gin.Context) {
	status := models.TransferStatus(c.Query("status"))
	switch status {
	case "", models.TransferStatusPending, models.TransferStatusConfirmed,
		models.TransferStatusRelayed, models.TransferStatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter", "details": string(status)})
		return
	}

	var chainID uint64
	if chain := c.Query("chain"); chain != "" {
		parsed, err := strconv.ParseUint(chain, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chain filter", "details": chain})
			return
		}
		chainID = parsed
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	transfers, total, err := h.transfers.List(c.Request.Context(), status, chainID, page, pageSize)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"status": status,
			"chain":  chainID,
			"error":  err.Error(),
		}).Error("Failed to list transfers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list transfers"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transfers": transfers,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetTransferStatsHandler reports per-status transfer counts and the signer
// set backing the quorum
// GET /api/v1/admin/transfers/stats
func (h *AdminTransferHandler) GetTransferStatsHandler(c *gin.Context) {
	counts, err := h.coordinator.Counts(c.Request.Context())
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to count transfers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count transfers"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"counts":    counts,
		"threshold": h.coordinator.Threshold(),
		"signers":   h.coordinator.Signers(),
	})
}

// GetTransferHandler returns one transfer with its signer confirmations
// GET /api/v1/admin/transfers/:id
func (h *AdminTransferHandler) GetTransferHandler(c *gin.Context) {
	transferID := c.Param("id")

	rec, err := h.coordinator.State(c.Request.Context(), transferID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transfer not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load transfer"})
		return
	}

	confirmations, err := h.confirms.ListByTransfer(c.Request.Context(), transferID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load confirmations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transfer":      rec,
		"confirmations": confirmations,
		"threshold":     h.coordinator.Threshold(),
	})
}

// RetryTransferHandler re-arms a dead-lettered transfer
// POST /api/v1/admin/transfers/:id/retry
func (h *AdminTransferHandler) RetryTransferHandler(c *gin.Context) {
	transferID := c.Param("id")
	operator := c.GetString("admin_username")

	rec, err := h.coordinator.RetryFailed(c.Request.Context(), transferID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transfer not found"})
		return
	}
	if errors.Is(err, relay.ErrNotFailed) {
		c.JSON(http.StatusConflict, gin.H{"error": "Transfer is not in failed status", "details": err.Error()})
		return
	}
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"transfer_id": transferID,
			"operator":    operator,
			"error":       err.Error(),
		}).Error("Operator retry failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retry transfer"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"operator":    operator,
		"status":      rec.Status,
	}).Info("Operator re-armed dead-lettered transfer")

	c.JSON(http.StatusOK, gin.H{
		"message":  "Transfer re-queued",
		"transfer": rec,
	})
}

// ============================================================================
// Ledger state
// ============================================================================

// GetLedgerRootHandler reports the commitment tree head and root history
// GET /api/v1/admin/ledger/root
func (h *AdminTransferHandler) GetLedgerRootHandler(c *gin.Context) {
	roots := h.ledger.KnownRoots()
	knownRoots := make([]string, len(roots))
	for i, root := range roots {
		knownRoots[i] = common.Hash(root).Hex()
	}

	c.JSON(http.StatusOK, gin.H{
		"root":        common.Hash(h.ledger.Root()).Hex(),
		"leaf_count":  h.ledger.LeafCount(),
		"capacity":    h.ledger.Capacity(),
		"known_roots": knownRoots,
	})
}

// ============================================================================
// Compliance
// ============================================================================

// GetComplianceHandler returns the effective rule set
// GET /api/v1/admin/compliance
func (h *AdminTransferHandler) GetComplianceHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"paused":     h.rules.Paused(),
		"conditions": h.rules.Conditions(),
	})
}

// PauseComplianceHandler flips the global kill switch on
// POST /api/v1/admin/compliance/pause
func (h *AdminTransferHandler) PauseComplianceHandler(c *gin.Context) {
	h.rules.Pause()
	h.auditComplianceSwitch(c, "compliance.paused")

	h.logger.WithField("operator", c.GetString("admin_username")).Warn("Compliance kill switch engaged, withdrawals paused")
	c.JSON(http.StatusOK, gin.H{
		"message": "Withdrawals paused",
		"paused":  true,
	})
}

// ResumeComplianceHandler flips the global kill switch off
// POST /api/v1/admin/compliance/resume
func (h *AdminTransferHandler) ResumeComplianceHandler(c *gin.Context) {
	h.rules.Resume()
	h.auditComplianceSwitch(c, "compliance.resumed")

	h.logger.WithField("operator", c.GetString("admin_username")).Info("Compliance kill switch released, withdrawals resumed")
	c.JSON(http.StatusOK, gin.H{
		"message": "Withdrawals resumed",
		"paused":  false,
	})
}

func (h *AdminTransferHandler) auditComplianceSwitch(c *gin.Context, action string) {
	if h.audits == nil {
		return
	}
	operator := c.GetString("admin_username")
	if operator == "" {
		operator = "admin"
	}
	if err := h.audits.Append(c.Request.Context(), &models.AuditRecord{
		Actor:    operator,
		Action:   action,
		Resource: "compliance",
		Outcome:  "ok",
		Detail:   "via admin API from " + c.ClientIP(),
	}); err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to write audit record")
	}
}

// ============================================================================
// Audit trail
// ============================================================================

// GetAuditLogHandler lists the operational audit trail
// GET /api/v1/admin/audit?action=&page=&page_size=
func (h *AdminTransferHandler) GetAuditLogHandler(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	entries, total, err := h.audits.List(c.Request.Context(), c.Query("action"), page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":   entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
