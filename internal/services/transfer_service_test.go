package services

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"hub-backend/internal/bus"
	"hub-backend/internal/compliance"
	"hub-backend/internal/ledger"
	"hub-backend/internal/models"
	"hub-backend/internal/relay"
	"hub-backend/internal/repository"
)

// scriptedVerifier accepts or rejects every proof, so the tests steer the
// ledger without real circuit material.
type scriptedVerifier struct {
	ok bool
}

func (v *scriptedVerifier) Verify(proof []byte, publicInputs [][]byte) (bool, error) {
	return v.ok, nil
}

// stubTransfers keeps rows in memory. The service path only creates and
// reads, so the queue-facing queries return nothing.
type stubTransfers struct {
	mu   sync.Mutex
	rows map[string]*models.TransferRecord
}

func newStubTransfers() *stubTransfers {
	return &stubTransfers{rows: make(map[string]*models.TransferRecord)}
}

func (s *stubTransfers) Create(ctx context.Context, transfer *models.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[transfer.TransferID]; ok {
		return errors.New("duplicate transfer id")
	}
	cp := *transfer
	s.rows[transfer.TransferID] = &cp
	return nil
}

func (s *stubTransfers) GetByTransferID(ctx context.Context, transferID string) (*models.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[transferID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *stubTransfers) List(ctx context.Context, status models.TransferStatus, chainID uint64, page, pageSize int) ([]*models.TransferRecord, int64, error) {
	return nil, 0, nil
}

func (s *stubTransfers) ListLive(ctx context.Context) ([]*models.TransferRecord, error) {
	return nil, nil
}

func (s *stubTransfers) ListDispatchable(ctx context.Context, chainID uint64, now time.Time, limit int) ([]*models.TransferRecord, error) {
	return nil, nil
}

func (s *stubTransfers) ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.TransferRecord, error) {
	return nil, nil
}

func (s *stubTransfers) UpdateFields(ctx context.Context, transferID string, updates map[string]interface{}) error {
	return nil
}

func (s *stubTransfers) TransitionStatus(ctx context.Context, transferID string, from, to models.TransferStatus, updates map[string]interface{}) (bool, error) {
	return false, nil
}

func (s *stubTransfers) MaxNonce(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (s *stubTransfers) CountByStatus(ctx context.Context) (map[models.TransferStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.TransferStatus]int64)
	for _, rec := range s.rows {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *stubTransfers) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *stubTransfers) only(t *testing.T) *models.TransferRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.rows, 1)
	for _, rec := range s.rows {
		cp := *rec
		return &cp
	}
	return nil
}

type stubConfirms struct{}

func (stubConfirms) Insert(ctx context.Context, confirmation *models.ConfirmationRecord) (bool, error) {
	return true, nil
}

func (stubConfirms) ListByTransfer(ctx context.Context, transferID string) ([]*models.ConfirmationRecord, error) {
	return nil, nil
}

func (stubConfirms) CountDistinctSigners(ctx context.Context, transferID string) (int64, error) {
	return 0, nil
}

// stubAudits records appended entries for trail assertions.
type stubAudits struct {
	mu      sync.Mutex
	entries []*models.AuditRecord
}

func (a *stubAudits) Append(ctx context.Context, entry *models.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *entry
	a.entries = append(a.entries, &cp)
	return nil
}

func (a *stubAudits) List(ctx context.Context, action string, page, pageSize int) ([]*models.AuditRecord, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.filterLocked(action)
	return out, int64(len(out)), nil
}

func (a *stubAudits) find(action string) []*models.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filterLocked(action)
}

func (a *stubAudits) filterLocked(action string) []*models.AuditRecord {
	var out []*models.AuditRecord
	for _, e := range a.entries {
		if action == "" || e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type transferHarness struct {
	svc       *TransferService
	ledger    *ledger.Ledger
	registry  *ledger.MemoryNullifierRegistry
	transfers *stubTransfers
	audits    *stubAudits
	bus       *bus.MemoryBus
}

// newTransferHarness wires a real ledger and coordinator over in-memory
// storage. The two rule engines are separate because the ledger checks
// compliance before the burn and the coordinator after it.
func newTransferHarness(t *testing.T, verifier ledger.ProofVerifier, ledgerRules, coordRules *compliance.Engine) *transferHarness {
	t.Helper()

	registry := ledger.NewMemoryNullifierRegistry()
	l, err := ledger.New(ledger.Config{
		TreeDepth:     4,
		RootHistory:   16,
		SourceChainID: 1,
		VaultAddress:  common.HexToHash("0x10"),
	}, registry, verifier, ledgerRules, nil)
	require.NoError(t, err)

	transfers := newStubTransfers()
	audits := &stubAudits{}
	memBus := bus.NewMemoryBus()
	coord, err := relay.NewCoordinator(relay.CoordinatorConfig{
		Threshold: 1,
		Signers:   []string{"0x1111111111111111111111111111111111111111"},
	}, transfers, stubConfirms{}, audits, coordRules, memBus, nil)
	require.NoError(t, err)

	return &transferHarness{
		svc:       NewTransferService(l, coord, audits),
		ledger:    l,
		registry:  registry,
		transfers: transfers,
		audits:    audits,
		bus:       memBus,
	}
}

func withdrawFixture(l *ledger.Ledger, nullifier uint64, amount int64) *ledger.WithdrawRequest {
	root := l.Root()
	var null [32]byte
	binary.BigEndian.PutUint64(null[24:], nullifier+1)
	return &ledger.WithdrawRequest{
		Proof:            []byte{0x01},
		PublicInputs:     [][]byte{root[:]},
		Nullifier:        null,
		Recipient:        common.HexToHash("0x22"),
		Amount:           big.NewInt(amount),
		DestinationChain: 42161,
		Token:            common.HexToHash("0x33"),
	}
}

func TestDepositInsertsCommitment(t *testing.T) {
	h := newTransferHarness(t, &scriptedVerifier{ok: true}, nil, nil)

	var commitment [32]byte
	commitment[31] = 0x07
	res, err := h.svc.Deposit(context.Background(), commitment)
	require.NoError(t, err)
	require.Zero(t, res.LeafIndex)
	require.Equal(t, res.Root, h.ledger.Root())
}

func TestWithdrawRegistersPendingTransfer(t *testing.T) {
	rules := compliance.NewEngine(compliance.Settings{
		MinAmount:      1000,
		FeeBasisPoints: 25,
		RelayerFee:     10,
	})
	h := newTransferHarness(t, &scriptedVerifier{ok: true}, rules, rules)
	ctx := context.Background()

	rec, err := h.svc.Withdraw(ctx, withdrawFixture(h.ledger, 1, 100000))
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusPending, rec.Status)
	// 25 bps of 100000 plus the 10 flat relayer fee.
	require.Equal(t, "99740", rec.Amount)
	require.Equal(t, "260", rec.Fee)
	require.Equal(t, uint64(42161), rec.DestinationChainID)
	require.Equal(t, uint64(0), rec.Nonce)
	require.Equal(t, 1, h.registry.Size())

	// The sealed message is retrievable from the bus under the same id.
	msg, err := h.bus.Get(ctx, common.HexToHash(rec.TransferID))
	require.NoError(t, err)
	require.Equal(t, "99740", msg.Amount.String())

	require.Len(t, h.audits.find("transfer.submitted"), 1)
}

func TestWithdrawComplianceRejectionAudited(t *testing.T) {
	rules := compliance.NewEngine(compliance.Settings{MinAmount: 1000})
	h := newTransferHarness(t, &scriptedVerifier{ok: true}, rules, rules)

	req := withdrawFixture(h.ledger, 2, 10)
	_, err := h.svc.Withdraw(context.Background(), req)
	require.ErrorIs(t, err, compliance.ErrRejected)

	// Rejected before the burn: no row, no consumed nullifier, but the
	// rejection lands on the audit trail keyed by the nullifier.
	require.Zero(t, h.transfers.size())
	require.Zero(t, h.registry.Size())
	entries := h.audits.find("compliance.rejected")
	require.Len(t, entries, 1)
	require.Equal(t, common.BytesToHash(req.Nullifier[:]).Hex(), entries[0].Resource)
	require.Equal(t, "rejected", entries[0].Outcome)
	require.Equal(t, "ledger", entries[0].Actor)
}

func TestWithdrawDoubleSpendLeavesSingleRow(t *testing.T) {
	h := newTransferHarness(t, &scriptedVerifier{ok: true}, nil, nil)
	ctx := context.Background()

	_, err := h.svc.Withdraw(ctx, withdrawFixture(h.ledger, 5, 100000))
	require.NoError(t, err)

	_, err = h.svc.Withdraw(ctx, withdrawFixture(h.ledger, 5, 100000))
	require.ErrorIs(t, err, ledger.ErrDoubleSpend)
	require.Equal(t, 1, h.transfers.size())
}

func TestWithdrawInvalidProofWritesNothing(t *testing.T) {
	h := newTransferHarness(t, &scriptedVerifier{ok: false}, nil, nil)

	_, err := h.svc.Withdraw(context.Background(), withdrawFixture(h.ledger, 6, 100000))
	require.ErrorIs(t, err, ledger.ErrInvalidProof)
	require.Zero(t, h.transfers.size())
	require.Zero(t, h.registry.Size())
	require.Empty(t, h.audits.find(""))
}

func TestWithdrawDeadLetteredSubmitKeepsRow(t *testing.T) {
	// The coordinator holds a paused engine while the ledger holds none,
	// reproducing a pause that lands between the compliance check and the
	// submit. The burn has already happened, so the transfer must survive
	// as a dead letter instead of vanishing.
	coordRules := compliance.NewEngine(compliance.Settings{})
	coordRules.Pause()
	h := newTransferHarness(t, &scriptedVerifier{ok: true}, nil, coordRules)

	_, err := h.svc.Withdraw(context.Background(), withdrawFixture(h.ledger, 8, 100000))
	require.ErrorIs(t, err, compliance.ErrRejected)
	require.Equal(t, 1, h.registry.Size())

	rec := h.transfers.only(t)
	require.Equal(t, models.TransferStatusFailed, rec.Status)
	require.Contains(t, rec.FailureReason, "paused")
	require.Len(t, h.audits.find("transfer.failed"), 1)
}
