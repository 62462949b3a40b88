package services

import (
	"context"
	"errors"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"hub-backend/internal/compliance"
	"hub-backend/internal/ledger"
	"hub-backend/internal/metrics"
	"hub-backend/internal/models"
	"hub-backend/internal/relay"
	"hub-backend/internal/repository"
)

// TransferService is the entry point for ledger mutations. It runs the
// ledger spend path first and only hands the sealed message to the relay
// coordinator afterwards, so a rejected withdrawal never reaches the relay
// side.
type TransferService struct {
	ledger      *ledger.Ledger
	coordinator *relay.Coordinator
	audits      repository.AuditRepository
}

func NewTransferService(l *ledger.Ledger, coordinator *relay.Coordinator, audits repository.AuditRepository) *TransferService {
	return &TransferService{ledger: l, coordinator: coordinator, audits: audits}
}

// Deposit inserts a commitment into the ledger tree.
func (s *TransferService) Deposit(ctx context.Context, commitment [32]byte) (*ledger.DepositResult, error) {
	res, err := s.ledger.Deposit(ctx, commitment)
	if err != nil {
		return nil, err
	}
	metrics.LedgerDeposits.Inc()
	return res, nil
}

// Withdraw runs the full spend path and registers the resulting transfer
// with the relay coordinator as pending.
func (s *TransferService) Withdraw(ctx context.Context, req *ledger.WithdrawRequest) (*models.TransferRecord, error) {
	res, err := s.ledger.Withdraw(ctx, req)
	if err != nil {
		metrics.LedgerWithdrawals.WithLabelValues(withdrawOutcome(err)).Inc()
		if errors.Is(err, compliance.ErrRejected) {
			s.auditRejection(ctx, req, err)
		}
		return nil, err
	}
	metrics.LedgerWithdrawals.WithLabelValues("accepted").Inc()
	metrics.NullifiersConsumed.Inc()

	rec, err := s.coordinator.Submit(ctx, res.Message, res.Fee)
	if err != nil {
		if rec != nil {
			// A dead-lettered submit keeps the row, so the operator path is
			// a re-arm rather than a manual resubmission.
			log.Printf("❌ [Transfer] Withdrawal %s dead-lettered at submit: %v", rec.TransferID, err)
			return nil, err
		}
		// The nullifier is burned and the nonce spent at this point. Log
		// the message params so an operator can resubmit it by hand.
		log.Printf("❌ [Transfer] Submit failed after ledger accepted withdrawal: transfer=%s dest=%d amount=%s err=%v",
			res.Message.TransferID.Hex(), res.Message.DestinationChain, res.Message.Amount.String(), err)
		return nil, err
	}
	return rec, nil
}

// auditRejection records the failing rule for a blocked spend. The withdraw
// has no transfer id at this point, so the nullifier stands in as the
// resource.
func (s *TransferService) auditRejection(ctx context.Context, req *ledger.WithdrawRequest, cause error) {
	if s.audits == nil {
		return
	}
	rec := &models.AuditRecord{
		Actor:    "ledger",
		Action:   "compliance.rejected",
		Resource: common.BytesToHash(req.Nullifier[:]).Hex(),
		Outcome:  "rejected",
		Detail:   cause.Error(),
	}
	if err := s.audits.Append(ctx, rec); err != nil {
		log.Printf("⚠️ [Transfer] Failed to append audit record: %v", err)
	}
}

// withdrawOutcome maps ledger rejections onto the metric label.
func withdrawOutcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnknownRoot):
		return "unknown_root"
	case errors.Is(err, compliance.ErrRejected):
		return "compliance_rejected"
	case errors.Is(err, ledger.ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ledger.ErrDoubleSpend):
		return "double_spend"
	default:
		return "error"
	}
}
