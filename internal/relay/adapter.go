package relay

import (
	"context"
	"errors"

	"hub-backend/internal/bus"
)

var (
	// ErrChainUnavailable marks transient delivery failures: RPC timeouts,
	// connection errors, nonce races. The coordinator retries these.
	ErrChainUnavailable = errors.New("destination chain unavailable")

	// ErrRelayReverted means the destination contract rejected the relay
	// transaction. Also retried, the bridge may simply be out of sync.
	ErrRelayReverted = errors.New("relay transaction reverted")
)

// DeliveryReceipt describes a successful dispatch on the destination chain.
type DeliveryReceipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// ChainAdapter delivers a sealed relay message to one destination chain.
// Implementations must be safe for concurrent use.
type ChainAdapter interface {
	ChainID() uint64
	Deliver(ctx context.Context, msg *bus.RelayMessage) (*DeliveryReceipt, error)

	// CurrentBlockHeight reports the destination chain head.
	CurrentBlockHeight(ctx context.Context) (uint64, error)

	// Confirmations reports how many blocks sit on top of the given
	// delivery transaction, 0 if it is not yet mined.
	Confirmations(ctx context.Context, txHash string) (uint64, error)
}
