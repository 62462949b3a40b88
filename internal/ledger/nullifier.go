package ledger

import (
	"context"
	"sync"

	"hub-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
)

// NullifierRegistry is the consumed-nullifier set. TryConsume is atomic:
// it returns true exactly once per nullifier and never mutates state on the
// false path. Nullifiers are never pruned.
type NullifierRegistry interface {
	TryConsume(ctx context.Context, nullifier [32]byte) (bool, error)
}

// MemoryNullifierRegistry keeps the set in process memory. Used by tests
// and single-node deployments without Postgres.
type MemoryNullifierRegistry struct {
	mu       sync.Mutex
	consumed map[[32]byte]struct{}
}

// NewMemoryNullifierRegistry creates an empty registry.
func NewMemoryNullifierRegistry() *MemoryNullifierRegistry {
	return &MemoryNullifierRegistry{
		consumed: make(map[[32]byte]struct{}),
	}
}

// TryConsume holds the lock across the check and the insert so concurrent
// withdrawals of the same note serialize on one decision.
func (r *MemoryNullifierRegistry) TryConsume(ctx context.Context, nullifier [32]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, spent := r.consumed[nullifier]; spent {
		return false, nil
	}
	r.consumed[nullifier] = struct{}{}
	return true, nil
}

// Size returns the number of consumed nullifiers.
func (r *MemoryNullifierRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumed)
}

// PostgresNullifierRegistry delegates to the nullifier table, where the
// primary-key conflict clause makes check-and-insert a single statement.
// Atomic across every backend process sharing the database.
type PostgresNullifierRegistry struct {
	repo repository.NullifierRepository
}

// NewPostgresNullifierRegistry wraps the repository.
func NewPostgresNullifierRegistry(repo repository.NullifierRepository) *PostgresNullifierRegistry {
	return &PostgresNullifierRegistry{repo: repo}
}

func (r *PostgresNullifierRegistry) TryConsume(ctx context.Context, nullifier [32]byte) (bool, error) {
	return r.repo.Consume(ctx, common.BytesToHash(nullifier[:]).Hex())
}
