// Package ledger orchestrates the confidential transfer ledger: commitment
// deposits, proof-gated withdrawals, nullifier consumption, and relay
// message construction. All state lives in an explicit Ledger struct with
// constructor-injected collaborators.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"hub-backend/internal/bus"
	"hub-backend/internal/compliance"
	"hub-backend/internal/merkle"
	"hub-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidProof is returned when proof verification fails. The
	// nullifier is never consumed on this path.
	ErrInvalidProof = errors.New("invalid proof")

	// ErrDoubleSpend is returned when the nullifier was already consumed.
	ErrDoubleSpend = errors.New("nullifier already spent")

	// ErrUnknownRoot is returned when the proof binds a commitment root
	// outside the known-root history.
	ErrUnknownRoot = errors.New("unknown commitment root")
)

// LeafStore persists inserted leaves. Nil disables persistence (pure
// in-memory ledger for tests).
type LeafStore interface {
	Append(ctx context.Context, leaf *models.CommitmentLeafRecord) error
}

// Config carries the ledger parameters. SourceChainID and VaultAddress
// identify the hub on its home chain; the vault is the sender of every
// relay message, so withdrawals never reveal a depositor.
type Config struct {
	TreeDepth     int
	RootHistory   int
	SourceChainID uint64
	VaultAddress  common.Hash
	InitialNonce  uint64
}

// WithdrawRequest is the spender's submission. PublicInputs is the ordered
// field-element sequence for the external circuit; by circuit convention
// the first element binds the commitment root the proof was built against.
type WithdrawRequest struct {
	Proof             []byte
	PublicInputs      [][]byte
	Nullifier         [32]byte
	Recipient         common.Hash
	Amount            *big.Int
	DestinationChain  uint64
	Token             common.Hash
	Jurisdiction      string
	AssuranceLevel    compliance.AssuranceLevel
	TwoFactorVerified bool
}

// DepositResult reports where a commitment landed.
type DepositResult struct {
	LeafIndex uint64
	Root      [32]byte
}

// WithdrawResult carries the sealed relay message plus the fee split the
// caller needs for the transfer record.
type WithdrawResult struct {
	Message   *bus.RelayMessage
	Fee       *big.Int
	NetAmount *big.Int
}

// Ledger owns the commitment tree, the nullifier registry, the root
// history, and the message nonce. Tree mutations and nonce assignment are
// serialized by one mutex; proof verification and compliance run before it
// so the writer lock never spans an external call.
type Ledger struct {
	mu    sync.Mutex
	tree  *merkle.Tree
	nonce uint64

	registry NullifierRegistry
	verifier ProofVerifier
	rules    *compliance.Engine
	leaves   LeafStore
	roots    *rootHistory
	cfg      Config
}

// New builds a ledger with an empty tree. Call Restore before serving
// traffic when persisted leaves exist.
func New(cfg Config, registry NullifierRegistry, verifier ProofVerifier, rules *compliance.Engine, leaves LeafStore) (*Ledger, error) {
	if registry == nil {
		return nil, errors.New("ledger requires a nullifier registry")
	}
	if verifier == nil {
		return nil, errors.New("ledger requires a proof verifier")
	}

	tree, err := merkle.NewTree(cfg.TreeDepth)
	if err != nil {
		return nil, err
	}

	if cfg.RootHistory < 1 {
		cfg.RootHistory = 64
	}

	l := &Ledger{
		tree:     tree,
		nonce:    cfg.InitialNonce,
		registry: registry,
		verifier: verifier,
		rules:    rules,
		leaves:   leaves,
		roots:    newRootHistory(cfg.RootHistory),
		cfg:      cfg,
	}

	// The empty root is valid until the first insert.
	l.roots.push(tree.Root())
	return l, nil
}

// Restore rebuilds the tree from persisted leaves and reseeds the root
// history and nonce counter. Must run before the ledger serves traffic.
func (l *Ledger) Restore(leaves [][32]byte, recentRoots [][32]byte, nextNonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.tree.Restore(leaves); err != nil {
		return fmt.Errorf("failed to restore commitment tree: %w", err)
	}
	for _, root := range recentRoots {
		l.roots.push(root)
	}
	if nextNonce > l.nonce {
		l.nonce = nextNonce
	}

	log.Printf("🌳 [Ledger] Restored %d leaves, root=%s, next nonce=%d",
		len(leaves), common.Hash(l.tree.Root()).Hex(), l.nonce)
	return nil
}

// Deposit inserts a commitment, persists the leaf, and returns its index
// plus the new root. Fails with merkle.ErrPoolFull at capacity.
func (l *Ledger) Deposit(ctx context.Context, commitment [32]byte) (*DepositResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, err := l.tree.Insert(commitment)
	if err != nil {
		return nil, err
	}

	root := l.tree.Root()
	l.roots.push(root)

	if l.leaves != nil {
		record := &models.CommitmentLeafRecord{
			LeafIndex:  index,
			Commitment: common.BytesToHash(commitment[:]).Hex(),
			RootAfter:  common.Hash(root).Hex(),
		}
		if err := l.leaves.Append(ctx, record); err != nil {
			// The in-memory tree is ahead of storage now; a restart rebuilds
			// from the table and drops this leaf.
			log.Printf("❌ [Ledger] Failed to persist leaf %d, restart required: %v", index, err)
			return nil, fmt.Errorf("failed to persist commitment leaf: %w", err)
		}
	}

	log.Printf("🌳 [Ledger] Deposit accepted: leaf=%d root=%s", index, common.Hash(root).Hex())
	return &DepositResult{LeafIndex: index, Root: root}, nil
}

// Withdraw runs the spend path: root binding, compliance, proof
// verification, then the irreversible nullifier consumption, and finally
// message construction. Verification always precedes consumption so an
// invalid proof can never burn a nullifier.
func (l *Ledger) Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResult, error) {
	if req == nil {
		return nil, errors.New("nil withdraw request")
	}

	// 1. Root binding. Read-only, so rejection costs the caller nothing.
	if len(req.PublicInputs) > 0 {
		var root [32]byte
		copy(root[32-min(32, len(req.PublicInputs[0])):], req.PublicInputs[0])
		if !l.roots.contains(merkle.Normalize(root)) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, common.Hash(root).Hex())
		}
	}

	// 2. Compliance and fee. Still no side effects.
	fee := big.NewInt(0)
	net := req.Amount
	if l.rules != nil {
		if err := l.rules.Check(&compliance.Request{
			Amount:            req.Amount,
			Jurisdiction:      req.Jurisdiction,
			AssuranceLevel:    req.AssuranceLevel,
			TwoFactorVerified: req.TwoFactorVerified,
		}); err != nil {
			return nil, err
		}

		var err error
		fee, net, err = l.rules.Fee(req.Amount)
		if err != nil {
			return nil, err
		}
	}

	// 3. Proof verification. External call, runs outside the writer lock.
	ok, err := l.verifier.Verify(req.Proof, req.PublicInputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !ok {
		return nil, ErrInvalidProof
	}

	// 4. Nullifier consumption. The registry's check-and-insert is atomic,
	// so losing this race is the only way a double spend surfaces.
	consumed, err := l.registry.TryConsume(ctx, req.Nullifier)
	if err != nil {
		return nil, fmt.Errorf("failed to consume nullifier: %w", err)
	}
	if !consumed {
		log.Printf("⚠️ [Ledger] Double spend rejected: nullifier=%s", common.BytesToHash(req.Nullifier[:]).Hex())
		return nil, ErrDoubleSpend
	}

	// 5. Message construction with the next ledger nonce.
	l.mu.Lock()
	nonce := l.nonce
	l.nonce++
	l.mu.Unlock()

	msg := &bus.RelayMessage{
		Sender:           l.cfg.VaultAddress,
		Recipient:        req.Recipient,
		Amount:           net,
		SourceChain:      l.cfg.SourceChainID,
		DestinationChain: req.DestinationChain,
		Token:            req.Token,
		Nonce:            nonce,
		Timestamp:        time.Now().Unix(),
	}
	if err := msg.Seal(); err != nil {
		return nil, fmt.Errorf("failed to seal relay message: %w", err)
	}

	log.Printf("✅ [Ledger] Withdrawal accepted: transfer=%s dest=%d amount=%s fee=%s nonce=%d",
		msg.TransferID.Hex(), msg.DestinationChain, net.String(), fee.String(), nonce)
	return &WithdrawResult{Message: msg, Fee: fee, NetAmount: net}, nil
}

// Root returns the current tree root.
func (l *Ledger) Root() [32]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Root()
}

// LeafCount returns the number of inserted commitments.
func (l *Ledger) LeafCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.LeafCount()
}

// Capacity returns the maximum number of leaves.
func (l *Ledger) Capacity() uint64 {
	return l.tree.Capacity()
}

// ProveMembership builds a membership proof against the current root.
func (l *Ledger) ProveMembership(leafIndex uint64) (*merkle.MerkleProof, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.ProveMembership(leafIndex)
}

// KnownRoots returns the root history window, oldest first.
func (l *Ledger) KnownRoots() [][32]byte {
	return l.roots.snapshot()
}

// IsKnownRoot reports whether the root is inside the history window.
func (l *Ledger) IsKnownRoot(root [32]byte) bool {
	return l.roots.contains(merkle.Normalize(root))
}

// rootHistory is a fixed-size window of recent roots with O(1) membership.
// Proofs are built against a snapshot of the tree, so a root stays
// acceptable for the window length even as deposits keep moving the tip.
type rootHistory struct {
	mu    sync.RWMutex
	size  int
	order [][32]byte
	count map[[32]byte]int
}

func newRootHistory(size int) *rootHistory {
	return &rootHistory{
		size:  size,
		count: make(map[[32]byte]int),
	}
}

func (h *rootHistory) push(root [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.order = append(h.order, root)
	h.count[root]++

	if len(h.order) > h.size {
		oldest := h.order[0]
		h.order = h.order[1:]
		h.count[oldest]--
		if h.count[oldest] == 0 {
			delete(h.count, oldest)
		}
	}
}

func (h *rootHistory) contains(root [32]byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count[root] > 0
}

func (h *rootHistory) snapshot() [][32]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][32]byte, len(h.order))
	copy(out, h.order)
	return out
}
