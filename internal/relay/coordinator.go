// Package relay drives cross-chain transfer delivery: it collects signer
// confirmations until quorum, then dispatches each confirmed transfer to its
// destination chain exactly once per process, with exponential backoff and a
// dead-letter state for transfers that exhaust their attempts.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"sync"
	"time"

	"hub-backend/internal/bus"
	"hub-backend/internal/compliance"
	"hub-backend/internal/metrics"
	"hub-backend/internal/models"
	"hub-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	// ErrUnknownSigner rejects confirmations from addresses outside the
	// configured relay set.
	ErrUnknownSigner = errors.New("signer not in configured relay set")

	// ErrBadSignature rejects confirmations whose signature does not
	// recover to the claimed signer.
	ErrBadSignature = errors.New("confirmation signature does not match signer")

	// ErrNotFailed is returned when an operator retries a transfer that is
	// not in the failed state.
	ErrNotFailed = errors.New("transfer is not in failed status")

	// ErrRelayExhausted marks a transfer that used up every dispatch
	// attempt. The row is kept as a dead letter for inspection and manual
	// retry.
	ErrRelayExhausted = errors.New("relay attempts exhausted")
)

const dispatchBatchSize = 20

// CoordinatorConfig carries the relay policy. Zero values fall back to the
// defaults in normalize.
type CoordinatorConfig struct {
	Threshold           int
	Signers             []string
	VerifySignatures    bool
	MaxAttempts         int
	RetryBase           time.Duration
	RetryCap            time.Duration
	PollInterval        time.Duration
	SweepInterval       time.Duration
	ConfirmationTimeout time.Duration // 0 disables the stale-pending sweeper
}

func (c *CoordinatorConfig) normalize() {
	if c.Threshold < 1 {
		c.Threshold = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 10 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// TransferListener receives the transfer record after every status change.
// Implementations must not block.
type TransferListener interface {
	TransferUpdated(rec *models.TransferRecord)
}

// Coordinator owns the transfer state machine. All status changes go through
// guarded repository transitions, so concurrent confirmations, workers and
// operator actions cannot double-apply.
type Coordinator struct {
	cfg       CoordinatorConfig
	transfers repository.TransferRepository
	confirms  repository.ConfirmationRepository
	audits    repository.AuditRepository
	rules     *compliance.Engine
	bus       bus.MessageBus
	adapters  map[uint64]ChainAdapter
	signers   map[common.Address]struct{}

	listenerMu sync.RWMutex
	listeners  []TransferListener

	mu       sync.Mutex
	inFlight map[string]struct{}

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewCoordinator wires the coordinator. The audit repository and compliance
// engine are optional, everything else is required.
func NewCoordinator(
	cfg CoordinatorConfig,
	transfers repository.TransferRepository,
	confirms repository.ConfirmationRepository,
	audits repository.AuditRepository,
	rules *compliance.Engine,
	messageBus bus.MessageBus,
	adapters []ChainAdapter,
) (*Coordinator, error) {
	cfg.normalize()

	if transfers == nil || confirms == nil {
		return nil, errors.New("transfer and confirmation repositories are required")
	}
	if messageBus == nil {
		return nil, errors.New("message bus is required")
	}
	if len(cfg.Signers) == 0 {
		return nil, errors.New("at least one relay signer is required")
	}

	signers := make(map[common.Address]struct{}, len(cfg.Signers))
	for _, s := range cfg.Signers {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid signer address: %s", s)
		}
		signers[common.HexToAddress(s)] = struct{}{}
	}
	if cfg.Threshold > len(signers) {
		return nil, fmt.Errorf("threshold %d exceeds signer set size %d", cfg.Threshold, len(signers))
	}

	adapterMap := make(map[uint64]ChainAdapter, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, dup := adapterMap[a.ChainID()]; dup {
			return nil, fmt.Errorf("duplicate adapter for chain %d", a.ChainID())
		}
		adapterMap[a.ChainID()] = a
	}

	return &Coordinator{
		cfg:       cfg,
		transfers: transfers,
		confirms:  confirms,
		audits:    audits,
		rules:     rules,
		bus:       messageBus,
		adapters:  adapterMap,
		signers:   signers,
		inFlight:  make(map[string]struct{}),
		stopChan:  make(chan struct{}),
	}, nil
}

// AddListener registers a status change listener.
func (c *Coordinator) AddListener(l TransferListener) {
	if l == nil {
		return
	}
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

func (c *Coordinator) notify(rec *models.TransferRecord) {
	if rec == nil {
		return
	}
	c.listenerMu.RLock()
	listeners := c.listeners
	c.listenerMu.RUnlock()
	for _, l := range listeners {
		l.TransferUpdated(rec)
	}
}

// Submit publishes the sealed message to the bus and registers the transfer
// as pending. Submitting the same message twice returns the existing record.
// While the compliance engine is paused the transfer is registered failed
// instead, and the returned error wraps compliance.ErrRejected alongside
// the dead-lettered record.
func (c *Coordinator) Submit(ctx context.Context, msg *bus.RelayMessage, fee *big.Int) (*models.TransferRecord, error) {
	if msg == nil || msg.Amount == nil {
		return nil, errors.New("relay message is incomplete")
	}
	if msg.TransferID == (common.Hash{}) {
		return nil, errors.New("relay message is not sealed")
	}

	// A paused engine dead-letters the submission instead of dropping it.
	// The caller has already burned the nullifier by the time Submit runs,
	// so the transfer must stay visible for operator re-arm after resume.
	paused := c.rules != nil && c.rules.Paused()

	id, err := c.bus.Publish(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to publish relay message: %w", err)
	}
	if id != msg.TransferID {
		return nil, fmt.Errorf("relay message digest mismatch: sealed=%s computed=%s", msg.TransferID.Hex(), id.Hex())
	}

	if existing, err := c.transfers.GetByTransferID(ctx, id.Hex()); err == nil {
		log.Printf("ℹ️ [Coordinator] Transfer already submitted: %s (status=%s)", id.Hex(), existing.Status)
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	feeStr := "0"
	if fee != nil {
		feeStr = fee.String()
	}

	rec := &models.TransferRecord{
		ID:                 uuid.New().String(),
		TransferID:         id.Hex(),
		Sender:             msg.Sender.Hex(),
		Recipient:          msg.Recipient.Hex(),
		Amount:             msg.Amount.String(),
		Fee:                feeStr,
		SourceChainID:      msg.SourceChain,
		DestinationChainID: msg.DestinationChain,
		Token:              msg.Token.Hex(),
		Nonce:              msg.Nonce,
		MessageTimestamp:   msg.Timestamp,
		Status:             models.TransferStatusPending,
		MaxAttempts:        c.cfg.MaxAttempts,
	}
	if paused {
		rec.Status = models.TransferStatusFailed
		rec.FailureReason = "compliance rejected at submit: relay intake is paused"
	}
	if err := c.transfers.Create(ctx, rec); err != nil {
		// Concurrent submit of the same message: fall back to the row
		// that won.
		if existing, getErr := c.transfers.GetByTransferID(ctx, id.Hex()); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create transfer record: %w", err)
	}

	metrics.TransfersSubmitted.Inc()
	if paused {
		metrics.DeadLetters.Inc()
		log.Printf("❌ [Coordinator] Transfer %s dead-lettered at submit: relay intake is paused", rec.TransferID)
		c.audit("coordinator", "transfer.failed", rec.TransferID, "failed", rec.FailureReason)
		c.notify(rec)
		return rec, fmt.Errorf("%w: relay intake is paused", compliance.ErrRejected)
	}
	log.Printf("✅ [Coordinator] Transfer submitted: id=%s, dest=%d, amount=%s, nonce=%d",
		rec.TransferID, rec.DestinationChainID, rec.Amount, rec.Nonce)
	c.audit("coordinator", "transfer.submitted", rec.TransferID, "ok",
		fmt.Sprintf("dest=%d amount=%s", rec.DestinationChainID, rec.Amount))
	c.notify(rec)

	return rec, nil
}

// AddConfirmation records one signer's attestation. Duplicate confirmations
// from the same signer are ignored; the transfer flips to confirmed exactly
// once, when the count of distinct signers reaches the threshold.
func (c *Coordinator) AddConfirmation(ctx context.Context, transferID string, signerID string, signature []byte) (*models.TransferRecord, error) {
	rec, err := c.transfers.GetByTransferID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		log.Printf("ℹ️ [Coordinator] Ignoring confirmation for terminal transfer %s (status=%s)", transferID, rec.Status)
		return rec, nil
	}

	if !common.IsHexAddress(signerID) {
		metrics.ConfirmationsReceived.WithLabelValues(signerID, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, signerID)
	}
	signer := common.HexToAddress(signerID)
	if _, ok := c.signers[signer]; !ok {
		metrics.ConfirmationsReceived.WithLabelValues(signer.Hex(), "rejected").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, signer.Hex())
	}

	if c.cfg.VerifySignatures {
		if err := verifyConfirmationSignature(transferID, signer, signature); err != nil {
			metrics.ConfirmationsReceived.WithLabelValues(signer.Hex(), "rejected").Inc()
			log.Printf("⚠️ [Coordinator] Bad confirmation signature: transfer=%s, signer=%s", transferID, signer.Hex())
			return nil, err
		}
	}

	inserted, err := c.confirms.Insert(ctx, &models.ConfirmationRecord{
		ID:         uuid.New().String(),
		TransferID: transferID,
		SignerID:   signer.Hex(),
		Signature:  "0x" + hex.EncodeToString(signature),
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record confirmation: %w", err)
	}
	if !inserted {
		metrics.ConfirmationsReceived.WithLabelValues(signer.Hex(), "duplicate").Inc()
		log.Printf("ℹ️ [Coordinator] Duplicate confirmation ignored: transfer=%s, signer=%s", transferID, signer.Hex())
		return rec, nil
	}
	metrics.ConfirmationsReceived.WithLabelValues(signer.Hex(), "accepted").Inc()

	count, err := c.confirms.CountDistinctSigners(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if err := c.transfers.UpdateFields(ctx, transferID, map[string]interface{}{"confirmation_count": count}); err != nil {
		log.Printf("⚠️ [Coordinator] Failed to update confirmation count for %s: %v", transferID, err)
	}
	log.Printf("✅ [Coordinator] Confirmation recorded: transfer=%s, signer=%s, count=%d/%d",
		transferID, signer.Hex(), count, c.cfg.Threshold)

	if int(count) >= c.cfg.Threshold {
		flipped, err := c.transfers.TransitionStatus(ctx, transferID, models.TransferStatusPending, models.TransferStatusConfirmed, nil)
		if err != nil {
			return nil, err
		}
		if flipped {
			log.Printf("✅ [Coordinator] Quorum reached: transfer=%s, confirmations=%d", transferID, count)
			c.audit("coordinator", "transfer.confirmed", transferID, "ok",
				fmt.Sprintf("confirmations=%d threshold=%d", count, c.cfg.Threshold))
			if fresh, err := c.transfers.GetByTransferID(ctx, transferID); err == nil {
				c.notify(fresh)
			}
		}
	}

	return c.transfers.GetByTransferID(ctx, transferID)
}

// verifyConfirmationSignature recovers the secp256k1 signer from a 65-byte
// signature over the transfer id digest. Both V conventions (0/1 and 27/28)
// are accepted.
func verifyConfirmationSignature(transferID string, signer common.Address, signature []byte) error {
	if len(signature) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrBadSignature, len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := common.HexToHash(transferID)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return fmt.Errorf("%w: %s", ErrBadSignature, signer.Hex())
	}
	return nil
}

// RetryFailed is the operator path for dead letters. The attempt budget is
// reset and quorum is re-evaluated: a transfer that already has enough
// confirmations goes straight back to confirmed, one that never reached
// quorum returns to pending.
func (c *Coordinator) RetryFailed(ctx context.Context, transferID string) (*models.TransferRecord, error) {
	rec, err := c.transfers.GetByTransferID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.TransferStatusFailed {
		return nil, fmt.Errorf("%w: current status is %s", ErrNotFailed, rec.Status)
	}

	count, err := c.confirms.CountDistinctSigners(ctx, transferID)
	if err != nil {
		return nil, err
	}
	target := models.TransferStatusPending
	if int(count) >= c.cfg.Threshold {
		target = models.TransferStatusConfirmed
	}

	flipped, err := c.transfers.TransitionStatus(ctx, transferID, models.TransferStatusFailed, target, map[string]interface{}{
		"attempts":           0,
		"next_retry_at":      nil,
		"failure_reason":     "",
		"confirmation_count": count,
	})
	if err != nil {
		return nil, err
	}
	if flipped {
		log.Printf("🔄 [Coordinator] Operator retry: transfer %s re-queued as %s (confirmations=%d/%d)",
			transferID, target, count, c.cfg.Threshold)
		c.audit("operator", "transfer.retried", transferID, "ok",
			fmt.Sprintf("requeued as %s, attempts reset", target))
	}

	fresh, err := c.transfers.GetByTransferID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	c.notify(fresh)
	return fresh, nil
}

// claim marks a transfer as in-flight. The claim is process-local: it keeps
// one worker tick from dispatching a row another tick is still delivering.
func (c *Coordinator) claim(transferID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[transferID]; busy {
		return false
	}
	c.inFlight[transferID] = struct{}{}
	return true
}

func (c *Coordinator) release(transferID string) {
	c.mu.Lock()
	delete(c.inFlight, transferID)
	c.mu.Unlock()
}

// dispatch delivers one claimed, confirmed transfer. The row stays confirmed
// while the adapter call is in flight, so a crash or shutdown here is
// retried on restart.
func (c *Coordinator) dispatch(rec *models.TransferRecord) {
	ctx := context.Background()
	key := common.HexToHash(rec.TransferID)
	chainLabel := strconv.FormatUint(rec.DestinationChainID, 10)

	msg, err := c.bus.Get(ctx, key)
	if err != nil {
		c.failPermanently(rec, "relay message missing from bus")
		return
	}
	if !c.bus.Verify(ctx, key, msg) {
		c.failPermanently(rec, "relay message failed integrity check")
		return
	}

	adapter := c.adapters[rec.DestinationChainID]
	if adapter == nil {
		c.recordFailure(rec, fmt.Errorf("%w: no adapter configured for chain %d", ErrChainUnavailable, rec.DestinationChainID))
		return
	}

	attempt := rec.Attempts + 1
	maxAttempts := rec.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = c.cfg.MaxAttempts
	}
	log.Printf("🔄 [Coordinator] Dispatching transfer %s to chain %d (attempt %d/%d)",
		rec.TransferID, rec.DestinationChainID, attempt, maxAttempts)

	start := time.Now()
	receipt, err := adapter.Deliver(ctx, msg)
	metrics.DispatchDuration.WithLabelValues(chainLabel).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues(chainLabel, "error").Inc()
		c.recordFailure(rec, err)
		return
	}
	metrics.DispatchAttempts.WithLabelValues(chainLabel, "ok").Inc()

	flipped, err := c.transfers.TransitionStatus(ctx, rec.TransferID, models.TransferStatusConfirmed, models.TransferStatusRelayed, map[string]interface{}{
		"attempts":         attempt,
		"dispatch_tx_hash": receipt.TxHash,
		"receipt_block":    receipt.BlockNumber,
		"failure_reason":   "",
		"next_retry_at":    nil,
	})
	if err != nil {
		log.Printf("❌ [Coordinator] Delivered %s but failed to persist relayed status: %v", rec.TransferID, err)
		return
	}
	if !flipped {
		log.Printf("⚠️ [Coordinator] Delivered %s but row left confirmed state concurrently", rec.TransferID)
		return
	}

	log.Printf("✅ [Coordinator] Transfer relayed: id=%s, chain=%d, tx=%s, block=%d",
		rec.TransferID, rec.DestinationChainID, receipt.TxHash, receipt.BlockNumber)
	c.audit("coordinator", "transfer.relayed", rec.TransferID, "ok",
		fmt.Sprintf("chain=%d tx=%s block=%d", rec.DestinationChainID, receipt.TxHash, receipt.BlockNumber))

	if err := c.bus.Remove(ctx, key); err != nil {
		log.Printf("⚠️ [Coordinator] Failed to remove relayed message %s from bus: %v", rec.TransferID, err)
	}
	if fresh, err := c.transfers.GetByTransferID(ctx, rec.TransferID); err == nil {
		c.notify(fresh)
	}
}

// recordFailure applies the retry policy after a dispatch error: backoff
// while attempts remain, dead-letter once the budget is spent.
func (c *Coordinator) recordFailure(rec *models.TransferRecord, cause error) {
	ctx := context.Background()
	attempts := rec.Attempts + 1
	maxAttempts := rec.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = c.cfg.MaxAttempts
	}

	if attempts >= maxAttempts {
		flipped, err := c.transfers.TransitionStatus(ctx, rec.TransferID, models.TransferStatusConfirmed, models.TransferStatusFailed, map[string]interface{}{
			"attempts":       attempts,
			"failure_reason": fmt.Sprintf("%v: %v", ErrRelayExhausted, cause),
			"next_retry_at":  nil,
		})
		if err != nil {
			log.Printf("❌ [Coordinator] Failed to dead-letter transfer %s: %v", rec.TransferID, err)
			return
		}
		if flipped {
			metrics.DeadLetters.Inc()
			log.Printf("❌ [Coordinator] Transfer %s failed permanently after %d attempts: %v", rec.TransferID, attempts, cause)
			c.audit("coordinator", "transfer.failed", rec.TransferID, "failed",
				fmt.Sprintf("attempts=%d cause=%v", attempts, cause))
			if fresh, err := c.transfers.GetByTransferID(ctx, rec.TransferID); err == nil {
				c.notify(fresh)
			}
		}
		return
	}

	delay := c.retryDelay(attempts)
	nextRetry := time.Now().Add(delay)
	if err := c.transfers.UpdateFields(ctx, rec.TransferID, map[string]interface{}{
		"attempts":       attempts,
		"next_retry_at":  &nextRetry,
		"failure_reason": cause.Error(),
	}); err != nil {
		log.Printf("❌ [Coordinator] Failed to schedule retry for %s: %v", rec.TransferID, err)
		return
	}
	log.Printf("⚠️ [Coordinator] Dispatch failed for %s (attempt %d/%d), retrying in %v: %v",
		rec.TransferID, attempts, maxAttempts, delay, cause)
}

// failPermanently dead-letters a transfer without consuming retry budget.
// Used for non-retryable conditions like a lost or tampered message.
func (c *Coordinator) failPermanently(rec *models.TransferRecord, reason string) {
	ctx := context.Background()
	flipped, err := c.transfers.TransitionStatus(ctx, rec.TransferID, models.TransferStatusConfirmed, models.TransferStatusFailed, map[string]interface{}{
		"failure_reason": reason,
		"next_retry_at":  nil,
	})
	if err != nil {
		log.Printf("❌ [Coordinator] Failed to fail transfer %s: %v", rec.TransferID, err)
		return
	}
	if flipped {
		metrics.DeadLetters.Inc()
		log.Printf("❌ [Coordinator] Transfer %s failed permanently: %s", rec.TransferID, reason)
		c.audit("coordinator", "transfer.failed", rec.TransferID, "failed", reason)
		if fresh, err := c.transfers.GetByTransferID(ctx, rec.TransferID); err == nil {
			c.notify(fresh)
		}
	}
}

func (c *Coordinator) retryDelay(attempts int) time.Duration {
	if attempts > 16 {
		return c.cfg.RetryCap
	}
	delay := time.Duration(1<<uint(attempts)) * c.cfg.RetryBase
	if delay > c.cfg.RetryCap {
		delay = c.cfg.RetryCap
	}
	return delay
}

func (c *Coordinator) audit(actor, action, resource, outcome, detail string) {
	if c.audits == nil {
		return
	}
	rec := &models.AuditRecord{
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Outcome:  outcome,
		Detail:   detail,
	}
	if err := c.audits.Append(context.Background(), rec); err != nil {
		log.Printf("⚠️ [Coordinator] Failed to append audit record: %v", err)
	}
}

// State returns the persisted record for a transfer. A transfer that is
// still collecting confirmations is a state, not an error.
func (c *Coordinator) State(ctx context.Context, transferID string) (*models.TransferRecord, error) {
	return c.transfers.GetByTransferID(ctx, transferID)
}

// Counts returns the number of transfers in each status.
func (c *Coordinator) Counts(ctx context.Context) (map[models.TransferStatus]int64, error) {
	return c.transfers.CountByStatus(ctx)
}

// Threshold returns the configured quorum size.
func (c *Coordinator) Threshold() int {
	return c.cfg.Threshold
}

// Signers returns the configured signer addresses.
func (c *Coordinator) Signers() []string {
	out := make([]string, 0, len(c.signers))
	for addr := range c.signers {
		out = append(out, addr.Hex())
	}
	return out
}
