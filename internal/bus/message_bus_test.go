package bus

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func testMessage() *RelayMessage {
	return &RelayMessage{
		Sender:           common.HexToHash("0x01"),
		Recipient:        common.HexToHash("0x02"),
		Amount:           big.NewInt(5000),
		SourceChain:      1,
		DestinationChain: 42161,
		Token:            common.HexToHash("0x03"),
		Nonce:            7,
		Timestamp:        1700000000,
	}
}

func TestSealStampsContentDigest(t *testing.T) {
	msg := testMessage()
	require.NoError(t, msg.Seal())
	require.NotEqual(t, common.Hash{}, msg.TransferID)

	id, err := msg.ComputeID()
	require.NoError(t, err)
	require.Equal(t, id, msg.TransferID)
}

func TestTransferIDStableAcrossEqualMessages(t *testing.T) {
	a := testMessage()
	b := testMessage()
	require.NoError(t, a.Seal())
	require.NoError(t, b.Seal())
	require.Equal(t, a.TransferID, b.TransferID)
}

func TestTransferIDChangesWithAnyField(t *testing.T) {
	base := testMessage()
	require.NoError(t, base.Seal())

	mutations := map[string]func(*RelayMessage){
		"sender":    func(m *RelayMessage) { m.Sender = common.HexToHash("0xaa") },
		"recipient": func(m *RelayMessage) { m.Recipient = common.HexToHash("0xbb") },
		"amount":    func(m *RelayMessage) { m.Amount = big.NewInt(5001) },
		"source":    func(m *RelayMessage) { m.SourceChain = 10 },
		"dest":      func(m *RelayMessage) { m.DestinationChain = 8453 },
		"token":     func(m *RelayMessage) { m.Token = common.HexToHash("0xcc") },
		"nonce":     func(m *RelayMessage) { m.Nonce = 8 },
		"timestamp": func(m *RelayMessage) { m.Timestamp = 1700000001 },
	}

	for name, mutate := range mutations {
		m := testMessage()
		mutate(m)
		require.NoError(t, m.Seal())
		require.NotEqual(t, base.TransferID, m.TransferID, "field %s must be part of the digest", name)
	}
}

func TestCanonicalEncodingRejectsBadAmount(t *testing.T) {
	m := testMessage()
	m.Amount = nil
	_, err := m.CanonicalEncoding()
	require.Error(t, err)

	m.Amount = big.NewInt(-1)
	_, err = m.CanonicalEncoding()
	require.Error(t, err)

	m.Amount = new(big.Int).Lsh(big.NewInt(1), 257)
	_, err = m.CanonicalEncoding()
	require.Error(t, err)
}

func TestSealFillsTimestamp(t *testing.T) {
	m := testMessage()
	m.Timestamp = 0
	require.NoError(t, m.Seal())
	require.InDelta(t, time.Now().Unix(), m.Timestamp, 5)
}

func TestMemoryBusRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	msg := testMessage()
	id, err := b.Publish(ctx, msg)
	require.NoError(t, err)

	got, err := b.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got.TransferID)
	require.Equal(t, msg.Amount, got.Amount)
	require.True(t, b.Verify(ctx, id, got))
}

func TestMemoryBusGetMissing(t *testing.T) {
	b := NewMemoryBus()
	_, err := b.Get(context.Background(), common.HexToHash("0xdead"))
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	id, err := b.Publish(ctx, testMessage())
	require.NoError(t, err)

	tampered, err := b.Get(ctx, id)
	require.NoError(t, err)
	tampered.Amount = big.NewInt(999999)
	require.False(t, b.Verify(ctx, id, tampered))
}

func TestStoredMessageIsIsolatedFromCaller(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	msg := testMessage()
	id, err := b.Publish(ctx, msg)
	require.NoError(t, err)

	// Mutating the caller's copy must not corrupt the stored message.
	msg.Amount.SetInt64(1)

	got, err := b.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(5000), got.Amount.Int64())
	require.True(t, b.Verify(ctx, id, got))
}

func TestRemoveDeletesFromLiveSet(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	id, err := b.Publish(ctx, testMessage())
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, id))
	_, err = b.Get(ctx, id)
	require.ErrorIs(t, err, ErrMessageNotFound)

	// Removing twice is harmless.
	require.NoError(t, b.Remove(ctx, id))
}
