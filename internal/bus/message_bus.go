package bus

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MessageBus is the content-addressed store for live relay messages.
// Publish derives the key from the message content; Verify recomputes the
// digest to detect tampering; Remove is called when a transfer leaves the
// live set after a successful relay.
type MessageBus interface {
	Publish(ctx context.Context, msg *RelayMessage) (common.Hash, error)
	Get(ctx context.Context, transferID common.Hash) (*RelayMessage, error)
	Verify(ctx context.Context, transferID common.Hash, msg *RelayMessage) bool
	Remove(ctx context.Context, transferID common.Hash) error
}

// MemoryBus is the in-process MessageBus used in tests and single-node
// deployments.
type MemoryBus struct {
	mu       sync.RWMutex
	messages map[common.Hash]*RelayMessage
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		messages: make(map[common.Hash]*RelayMessage),
	}
}

// Publish stores the message under its content digest. Re-publishing
// identical content is a no-op that returns the same id.
func (b *MemoryBus) Publish(ctx context.Context, msg *RelayMessage) (common.Hash, error) {
	id, err := msg.ComputeID()
	if err != nil {
		return common.Hash{}, err
	}

	stored := msg.Clone()
	stored.TransferID = id

	b.mu.Lock()
	b.messages[id] = stored
	b.mu.Unlock()

	return id, nil
}

// Get returns a copy of the stored message or ErrMessageNotFound.
func (b *MemoryBus) Get(ctx context.Context, transferID common.Hash) (*RelayMessage, error) {
	b.mu.RLock()
	msg, ok := b.messages[transferID]
	b.mu.RUnlock()

	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg.Clone(), nil
}

// Verify recomputes the digest of the supplied message against the key.
func (b *MemoryBus) Verify(ctx context.Context, transferID common.Hash, msg *RelayMessage) bool {
	return VerifyMessage(transferID, msg)
}

// Remove deletes the message from the live set. Removing an absent id is
// not an error.
func (b *MemoryBus) Remove(ctx context.Context, transferID common.Hash) error {
	b.mu.Lock()
	delete(b.messages, transferID)
	b.mu.Unlock()
	return nil
}
