package relay

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"hub-backend/internal/bus"
	"hub-backend/internal/compliance"
	"hub-backend/internal/models"
	"hub-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	signerA = "0x1111111111111111111111111111111111111111"
	signerB = "0x2222222222222222222222222222222222222222"
	signerC = "0x3333333333333333333333333333333333333333"
)

// memTransfers is an in-memory TransferRepository for coordinator tests.
type memTransfers struct {
	mu   sync.Mutex
	rows map[string]*models.TransferRecord
}

func newMemTransfers() *memTransfers {
	return &memTransfers{rows: make(map[string]*models.TransferRecord)}
}

func cloneTransfer(rec *models.TransferRecord) *models.TransferRecord {
	out := *rec
	if rec.NextRetryAt != nil {
		t := *rec.NextRetryAt
		out.NextRetryAt = &t
	}
	return &out
}

func (m *memTransfers) Create(ctx context.Context, transfer *models.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[transfer.TransferID]; exists {
		return fmt.Errorf("duplicate transfer_id %s", transfer.TransferID)
	}
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = time.Now()
	}
	transfer.UpdatedAt = time.Now()
	m.rows[transfer.TransferID] = cloneTransfer(transfer)
	return nil
}

func (m *memTransfers) GetByTransferID(ctx context.Context, transferID string) (*models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[transferID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTransfer(rec), nil
}

func (m *memTransfers) List(ctx context.Context, status models.TransferStatus, chainID uint64, page, pageSize int) ([]*models.TransferRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TransferRecord
	for _, rec := range m.rows {
		if status != "" && rec.Status != status {
			continue
		}
		if chainID != 0 && rec.DestinationChainID != chainID {
			continue
		}
		out = append(out, cloneTransfer(rec))
	}
	return out, int64(len(out)), nil
}

func (m *memTransfers) ListLive(ctx context.Context) ([]*models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TransferRecord
	for _, rec := range m.rows {
		if rec.Status == models.TransferStatusPending || rec.Status == models.TransferStatusConfirmed {
			out = append(out, cloneTransfer(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memTransfers) ListDispatchable(ctx context.Context, chainID uint64, now time.Time, limit int) ([]*models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TransferRecord
	for _, rec := range m.rows {
		if rec.Status != models.TransferStatusConfirmed || rec.DestinationChainID != chainID {
			continue
		}
		if rec.NextRetryAt != nil && rec.NextRetryAt.After(now) {
			continue
		}
		out = append(out, cloneTransfer(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTransfers) ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TransferRecord
	for _, rec := range m.rows {
		if rec.Status == models.TransferStatusPending && rec.CreatedAt.Before(cutoff) {
			out = append(out, cloneTransfer(rec))
		}
	}
	return out, nil
}

func applyTransferUpdates(rec *models.TransferRecord, updates map[string]interface{}) {
	for key, val := range updates {
		switch key {
		case "status":
			rec.Status = val.(models.TransferStatus)
		case "attempts":
			rec.Attempts = val.(int)
		case "confirmation_count":
			switch v := val.(type) {
			case int:
				rec.ConfirmationCount = v
			case int64:
				rec.ConfirmationCount = int(v)
			}
		case "next_retry_at":
			if val == nil {
				rec.NextRetryAt = nil
			} else if t, ok := val.(*time.Time); ok {
				rec.NextRetryAt = t
			}
		case "failure_reason":
			rec.FailureReason = val.(string)
		case "dispatch_tx_hash":
			rec.DispatchTxHash = val.(string)
		case "receipt_block":
			rec.ReceiptBlock = val.(uint64)
		}
	}
	rec.UpdatedAt = time.Now()
}

func (m *memTransfers) UpdateFields(ctx context.Context, transferID string, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[transferID]
	if !ok {
		return repository.ErrNotFound
	}
	applyTransferUpdates(rec, updates)
	return nil
}

func (m *memTransfers) TransitionStatus(ctx context.Context, transferID string, from, to models.TransferStatus, updates map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[transferID]
	if !ok || rec.Status != from {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	applyTransferUpdates(rec, updates)
	rec.Status = to
	return true, nil
}

func (m *memTransfers) MaxNonce(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	for _, rec := range m.rows {
		if rec.Nonce > max {
			max = rec.Nonce
		}
	}
	return max, nil
}

func (m *memTransfers) CountByStatus(ctx context.Context) (map[models.TransferStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.TransferStatus]int64)
	for _, rec := range m.rows {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *memTransfers) setCreatedAt(transferID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.rows[transferID]; ok {
		rec.CreatedAt = at
	}
}

// memConfirms is an in-memory ConfirmationRepository.
type memConfirms struct {
	mu   sync.Mutex
	rows map[string]map[string]*models.ConfirmationRecord
}

func newMemConfirms() *memConfirms {
	return &memConfirms{rows: make(map[string]map[string]*models.ConfirmationRecord)}
}

func (m *memConfirms) Insert(ctx context.Context, confirmation *models.ConfirmationRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySigner, ok := m.rows[confirmation.TransferID]
	if !ok {
		bySigner = make(map[string]*models.ConfirmationRecord)
		m.rows[confirmation.TransferID] = bySigner
	}
	if _, dup := bySigner[confirmation.SignerID]; dup {
		return false, nil
	}
	confirmation.CreatedAt = time.Now()
	bySigner[confirmation.SignerID] = confirmation
	return true, nil
}

func (m *memConfirms) ListByTransfer(ctx context.Context, transferID string) ([]*models.ConfirmationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ConfirmationRecord
	for _, rec := range m.rows[transferID] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memConfirms) CountDistinctSigners(ctx context.Context, transferID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows[transferID])), nil
}

// fakeAdapter fails the first `failures` deliveries, then succeeds.
type fakeAdapter struct {
	mu        sync.Mutex
	chainID   uint64
	failures  int
	delay     time.Duration
	calls     int
	delivered []common.Hash
}

func (a *fakeAdapter) ChainID() uint64 { return a.chainID }

func (a *fakeAdapter) Deliver(ctx context.Context, msg *bus.RelayMessage) (*DeliveryReceipt, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	if call <= a.failures {
		return nil, fmt.Errorf("%w: rpc timeout", ErrChainUnavailable)
	}

	a.mu.Lock()
	a.delivered = append(a.delivered, msg.TransferID)
	a.mu.Unlock()
	return &DeliveryReceipt{
		TxHash:      fmt.Sprintf("0x%064x", call),
		BlockNumber: 1000 + uint64(call),
	}, nil
}

func (a *fakeAdapter) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	return 2000, nil
}

func (a *fakeAdapter) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	return 12, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingListener struct {
	mu       sync.Mutex
	statuses []models.TransferStatus
}

func (l *recordingListener) TransferUpdated(rec *models.TransferRecord) {
	l.mu.Lock()
	l.statuses = append(l.statuses, rec.Status)
	l.mu.Unlock()
}

func (l *recordingListener) seen(status models.TransferStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.statuses {
		if s == status {
			return true
		}
	}
	return false
}

func testConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Threshold:    2,
		Signers:      []string{signerA, signerB, signerC},
		MaxAttempts:  5,
		RetryBase:    5 * time.Millisecond,
		RetryCap:     50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, cfg CoordinatorConfig, adapters ...ChainAdapter) (*Coordinator, *memTransfers, *memConfirms, *bus.MemoryBus) {
	t.Helper()
	transfers := newMemTransfers()
	confirms := newMemConfirms()
	memBus := bus.NewMemoryBus()
	coord, err := NewCoordinator(cfg, transfers, confirms, nil, nil, memBus, adapters)
	require.NoError(t, err)
	return coord, transfers, confirms, memBus
}

func testMessage(t *testing.T, nonce uint64) *bus.RelayMessage {
	t.Helper()
	msg := &bus.RelayMessage{
		Sender:           common.HexToHash("0x10"),
		Recipient:        common.HexToHash("0x20"),
		Amount:           big.NewInt(99740),
		SourceChain:      1,
		DestinationChain: 42161,
		Token:            common.HexToHash("0x30"),
		Nonce:            nonce,
		Timestamp:        1700000000,
	}
	require.NoError(t, msg.Seal())
	return msg
}

func submitAndConfirm(t *testing.T, coord *Coordinator, msg *bus.RelayMessage, signers ...string) *models.TransferRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := coord.Submit(ctx, msg, nil)
	require.NoError(t, err)
	for _, signer := range signers {
		rec, err = coord.AddConfirmation(ctx, rec.TransferID, signer, nil)
		require.NoError(t, err)
	}
	return rec
}

func TestNewCoordinatorValidation(t *testing.T) {
	transfers := newMemTransfers()
	confirms := newMemConfirms()
	memBus := bus.NewMemoryBus()

	_, err := NewCoordinator(CoordinatorConfig{Signers: []string{signerA}}, nil, confirms, nil, nil, memBus, nil)
	require.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{}, transfers, confirms, nil, nil, memBus, nil)
	require.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{Signers: []string{"not-an-address"}}, transfers, confirms, nil, nil, memBus, nil)
	require.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{Signers: []string{signerA}, Threshold: 2}, transfers, confirms, nil, nil, memBus, nil)
	require.Error(t, err)
}

func TestSubmitCreatesPendingTransfer(t *testing.T) {
	coord, transfers, _, memBus := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	msg := testMessage(t, 0)
	rec, err := coord.Submit(ctx, msg, big.NewInt(260))
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusPending, rec.Status)
	require.Equal(t, msg.TransferID.Hex(), rec.TransferID)
	require.Equal(t, "99740", rec.Amount)
	require.Equal(t, "260", rec.Fee)
	require.Equal(t, uint64(42161), rec.DestinationChainID)
	require.Equal(t, 5, rec.MaxAttempts)

	stored, err := memBus.Get(ctx, msg.TransferID)
	require.NoError(t, err)
	require.True(t, memBus.Verify(ctx, msg.TransferID, stored))

	state, err := coord.State(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusPending, state.Status)

	counts, err := coord.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[models.TransferStatusPending])

	// Resubmitting the same sealed message is a no-op.
	again, err := coord.Submit(ctx, msg, big.NewInt(260))
	require.NoError(t, err)
	require.Equal(t, rec.ID, again.ID)
	require.Len(t, transfers.rows, 1)
}

func TestSubmitDeadLettersWhilePaused(t *testing.T) {
	rules := compliance.NewEngine(compliance.Settings{})
	transfers := newMemTransfers()
	memBus := bus.NewMemoryBus()
	coord, err := NewCoordinator(testConfig(), transfers, newMemConfirms(), nil, rules, memBus, nil)
	require.NoError(t, err)
	ctx := context.Background()

	rules.Pause()
	msg := testMessage(t, 0)
	_, err = coord.Submit(ctx, msg, nil)
	require.ErrorIs(t, err, compliance.ErrRejected)

	// The nullifier is already burned by the time Submit runs, so a paused
	// engine dead-letters the transfer instead of dropping it. Row and bus
	// message are both retained for re-arm.
	rec, err := transfers.GetByTransferID(ctx, msg.TransferID.Hex())
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusFailed, rec.Status)
	require.Contains(t, rec.FailureReason, "paused")
	_, err = memBus.Get(ctx, msg.TransferID)
	require.NoError(t, err)

	// After resume an operator re-arms it. No confirmations were recorded
	// yet, so it re-enters the queue as pending.
	rules.Resume()
	rearmed, err := coord.RetryFailed(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusPending, rearmed.Status)
	require.Empty(t, rearmed.FailureReason)

	// A fresh submit while unpaused goes straight to pending.
	second := testMessage(t, 1)
	fresh, err := coord.Submit(ctx, second, nil)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusPending, fresh.Status)
}

func TestSubmitRejectsUnsealedMessage(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t, testConfig())

	msg := &bus.RelayMessage{
		Sender:           common.HexToHash("0x10"),
		Recipient:        common.HexToHash("0x20"),
		Amount:           big.NewInt(100),
		SourceChain:      1,
		DestinationChain: 42161,
	}
	_, err := coord.Submit(context.Background(), msg, nil)
	require.Error(t, err)
}

func TestConfirmationQuorum(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t, testConfig())
	listener := &recordingListener{}
	coord.AddListener(listener)
	ctx := context.Background()

	msg := testMessage(t, 1)
	rec, err := coord.Submit(ctx, msg, nil)
	require.NoError(t, err)

	// One confirmation below the threshold of two leaves the transfer
	// pending.
	rec, err = coord.AddConfirmation(ctx, rec.TransferID, signerA, nil)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusPending, rec.Status)
	require.Equal(t, 1, rec.ConfirmationCount)

	// The second distinct signer reaches quorum.
	rec, err = coord.AddConfirmation(ctx, rec.TransferID, signerB, nil)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusConfirmed, rec.Status)
	require.Equal(t, 2, rec.ConfirmationCount)
	require.True(t, listener.seen(models.TransferStatusConfirmed))

	// A late confirmation does not disturb the state.
	rec, err = coord.AddConfirmation(ctx, rec.TransferID, signerC, nil)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusConfirmed, rec.Status)
}

func TestDuplicateSignerCountsOnce(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	msg := testMessage(t, 2)
	rec, err := coord.Submit(ctx, msg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec, err = coord.AddConfirmation(ctx, rec.TransferID, signerA, nil)
		require.NoError(t, err)
	}
	require.Equal(t, models.TransferStatusPending, rec.Status)
	require.Equal(t, 1, rec.ConfirmationCount)
}

func TestUnknownSignerRejected(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	msg := testMessage(t, 3)
	rec, err := coord.Submit(ctx, msg, nil)
	require.NoError(t, err)

	_, err = coord.AddConfirmation(ctx, rec.TransferID, "0x9999999999999999999999999999999999999999", nil)
	require.ErrorIs(t, err, ErrUnknownSigner)

	_, err = coord.AddConfirmation(ctx, rec.TransferID, "garbage", nil)
	require.ErrorIs(t, err, ErrUnknownSigner)
}

func TestConfirmationForUnknownTransfer(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t, testConfig())

	_, err := coord.AddConfirmation(context.Background(), "0xdeadbeef", signerA, nil)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConfirmationSignatureVerification(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signerAddr := crypto.PubkeyToAddress(key.PublicKey)

	cfg := testConfig()
	cfg.Threshold = 1
	cfg.Signers = []string{signerAddr.Hex(), signerB}
	cfg.VerifySignatures = true
	coord, _, _, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()

	msg := testMessage(t, 4)
	rec, err := coord.Submit(ctx, msg, nil)
	require.NoError(t, err)

	digest := common.HexToHash(rec.TransferID)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	// A signature from a different key must not be attributable to the
	// configured signer.
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	forged, err := crypto.Sign(digest.Bytes(), otherKey)
	require.NoError(t, err)
	_, err = coord.AddConfirmation(ctx, rec.TransferID, signerAddr.Hex(), forged)
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = coord.AddConfirmation(ctx, rec.TransferID, signerAddr.Hex(), sig[:10])
	require.ErrorIs(t, err, ErrBadSignature)

	rec, err = coord.AddConfirmation(ctx, rec.TransferID, signerAddr.Hex(), sig)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusConfirmed, rec.Status)

	// The 27/28 V convention is accepted as well.
	msg2 := testMessage(t, 5)
	rec2, err := coord.Submit(ctx, msg2, nil)
	require.NoError(t, err)
	digest2 := common.HexToHash(rec2.TransferID)
	sig2, err := crypto.Sign(digest2.Bytes(), key)
	require.NoError(t, err)
	sig2[64] += 27
	rec2, err = coord.AddConfirmation(ctx, rec2.TransferID, signerAddr.Hex(), sig2)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusConfirmed, rec2.Status)
}

func TestDispatchSucceedsWithinRetryBudget(t *testing.T) {
	adapter := &fakeAdapter{chainID: 42161, failures: 2}
	cfg := testConfig()
	cfg.Threshold = 1
	coord, transfers, _, _ := newTestCoordinator(t, cfg, adapter)
	ctx := context.Background()

	msg := testMessage(t, 6)
	rec := submitAndConfirm(t, coord, msg, signerA)
	require.Equal(t, models.TransferStatusConfirmed, rec.Status)

	// Drive the worker loop by hand: two failed attempts back off, the
	// third lands.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		coord.processChain(42161)
		fresh, err := transfers.GetByTransferID(ctx, rec.TransferID)
		require.NoError(t, err)
		if fresh.Status == models.TransferStatusRelayed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	fresh, err := transfers.GetByTransferID(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusRelayed, fresh.Status)
	require.Equal(t, 3, fresh.Attempts)
	require.Equal(t, 3, adapter.callCount())
	require.NotEmpty(t, fresh.DispatchTxHash)
	require.NotZero(t, fresh.ReceiptBlock)
	require.Empty(t, fresh.FailureReason)
}

func TestDispatchExhaustionDeadLettersAndOperatorRetry(t *testing.T) {
	adapter := &fakeAdapter{chainID: 42161, failures: 3}
	cfg := testConfig()
	cfg.Threshold = 1
	cfg.MaxAttempts = 3
	coord, transfers, _, _ := newTestCoordinator(t, cfg, adapter)
	ctx := context.Background()

	msg := testMessage(t, 7)
	rec := submitAndConfirm(t, coord, msg, signerA)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		coord.processChain(42161)
		fresh, err := transfers.GetByTransferID(ctx, rec.TransferID)
		require.NoError(t, err)
		if fresh.Status == models.TransferStatusFailed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	fresh, err := transfers.GetByTransferID(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusFailed, fresh.Status)
	require.Equal(t, 3, fresh.Attempts)
	require.Contains(t, fresh.FailureReason, "relay attempts exhausted")

	// The dead letter is retained and can be re-queued by an operator.
	// Quorum was already met, so it goes straight back to confirmed.
	requeued, err := coord.RetryFailed(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusConfirmed, requeued.Status)
	require.Zero(t, requeued.Attempts)
	require.Empty(t, requeued.FailureReason)

	// The adapter has burned through its scripted failures, so the next
	// attempt delivers.
	coord.processChain(42161)
	fresh, err = transfers.GetByTransferID(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusRelayed, fresh.Status)
}

func TestRetryFailedRequiresFailedStatus(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	msg := testMessage(t, 8)
	rec, err := coord.Submit(ctx, msg, nil)
	require.NoError(t, err)

	_, err = coord.RetryFailed(ctx, rec.TransferID)
	require.ErrorIs(t, err, ErrNotFailed)
}

func TestConcurrentDispatchClaimsOnce(t *testing.T) {
	adapter := &fakeAdapter{chainID: 42161, delay: 50 * time.Millisecond}
	cfg := testConfig()
	cfg.Threshold = 1
	coord, transfers, _, _ := newTestCoordinator(t, cfg, adapter)
	ctx := context.Background()

	msg := testMessage(t, 9)
	rec := submitAndConfirm(t, coord, msg, signerA)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			coord.processChain(42161)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, adapter.callCount())
	fresh, err := transfers.GetByTransferID(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusRelayed, fresh.Status)
}

func TestMissingBusMessageDeadLetters(t *testing.T) {
	adapter := &fakeAdapter{chainID: 42161}
	cfg := testConfig()
	cfg.Threshold = 1
	coord, transfers, _, memBus := newTestCoordinator(t, cfg, adapter)
	ctx := context.Background()

	msg := testMessage(t, 10)
	rec := submitAndConfirm(t, coord, msg, signerA)

	require.NoError(t, memBus.Remove(ctx, msg.TransferID))
	coord.processChain(42161)

	fresh, err := transfers.GetByTransferID(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusFailed, fresh.Status)
	require.Contains(t, fresh.FailureReason, "missing from bus")
	require.Zero(t, adapter.callCount())
}

func TestRecoverPromotesPendingAtQuorum(t *testing.T) {
	coord, transfers, confirms, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	// Simulate a crash after two confirmations landed but before the
	// status flip was persisted.
	msg := testMessage(t, 11)
	rec, err := coord.Submit(ctx, msg, nil)
	require.NoError(t, err)
	for _, signer := range []string{signerA, signerB} {
		_, err := confirms.Insert(ctx, &models.ConfirmationRecord{
			ID:         signer,
			TransferID: rec.TransferID,
			SignerID:   signer,
		})
		require.NoError(t, err)
	}

	require.NoError(t, coord.recoverLiveTransfers())

	fresh, err := transfers.GetByTransferID(ctx, rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusConfirmed, fresh.Status)
	require.Equal(t, 2, fresh.ConfirmationCount)
}

func TestSweeperDeadLettersStalePending(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationTimeout = 50 * time.Millisecond
	coord, transfers, confirms, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()

	stale, err := coord.Submit(ctx, testMessage(t, 12), nil)
	require.NoError(t, err)
	quorumMet := submitAndConfirm(t, coord, testMessage(t, 13), signerA, signerB)

	// Pending at quorum: confirmations landed but the status flip never
	// happened.
	stuck, err := coord.Submit(ctx, testMessage(t, 15), nil)
	require.NoError(t, err)
	for _, signer := range []string{signerA, signerB} {
		_, err := confirms.Insert(ctx, &models.ConfirmationRecord{
			ID:         signer + stuck.TransferID,
			TransferID: stuck.TransferID,
			SignerID:   signer,
		})
		require.NoError(t, err)
	}

	transfers.setCreatedAt(stale.TransferID, time.Now().Add(-time.Hour))
	transfers.setCreatedAt(quorumMet.TransferID, time.Now().Add(-time.Hour))
	transfers.setCreatedAt(stuck.TransferID, time.Now().Add(-time.Hour))

	coord.sweepStalePending()

	fresh, err := transfers.GetByTransferID(ctx, stale.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusFailed, fresh.Status)
	require.Contains(t, fresh.FailureReason, "quorum not reached")

	// The transfer that reached quorum is untouched.
	kept, err := transfers.GetByTransferID(ctx, quorumMet.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusConfirmed, kept.Status)

	// The stuck one is promoted, not dead-lettered.
	recovered, err := transfers.GetByTransferID(ctx, stuck.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusConfirmed, recovered.Status)
	require.Equal(t, 2, recovered.ConfirmationCount)
}

func TestStartStop(t *testing.T) {
	adapter := &fakeAdapter{chainID: 42161}
	cfg := testConfig()
	cfg.Threshold = 1
	cfg.ConfirmationTimeout = time.Minute
	coord, transfers, _, _ := newTestCoordinator(t, cfg, adapter)

	msg := testMessage(t, 14)
	rec := submitAndConfirm(t, coord, msg, signerA)

	coord.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fresh, err := transfers.GetByTransferID(context.Background(), rec.TransferID)
		require.NoError(t, err)
		if fresh.Status == models.TransferStatusRelayed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	coord.Stop()

	fresh, err := transfers.GetByTransferID(context.Background(), rec.TransferID)
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusRelayed, fresh.Status)
	require.Equal(t, 1, adapter.callCount())
}

func TestRetryDelayBacksOffExponentially(t *testing.T) {
	cfg := CoordinatorConfig{
		Signers:   []string{signerA},
		RetryBase: 10 * time.Second,
		RetryCap:  10 * time.Minute,
	}
	coord, err := NewCoordinator(cfg, newMemTransfers(), newMemConfirms(), nil, nil, bus.NewMemoryBus(), nil)
	require.NoError(t, err)

	require.Equal(t, 20*time.Second, coord.retryDelay(1))
	require.Equal(t, 40*time.Second, coord.retryDelay(2))
	require.Equal(t, 80*time.Second, coord.retryDelay(3))
	require.Equal(t, 10*time.Minute, coord.retryDelay(7))
	require.Equal(t, 10*time.Minute, coord.retryDelay(40))
}
