package services

import (
	"encoding/json"
	"testing"
	"time"

	"hub-backend/internal/models"

	"github.com/stretchr/testify/require"
)

// pushEnvelope mirrors the wire shape clients decode.
type pushEnvelope struct {
	Type       string             `json:"type"`
	TransferID string             `json:"transfer_id"`
	Data       TransferUpdateData `json:"data"`
}

func newTestConnection(id string) *Connection {
	return &Connection{
		ID:       id,
		Send:     make(chan []byte, 16),
		LastPing: time.Now(),
	}
}

func recvEnvelope(t *testing.T, conn *Connection) pushEnvelope {
	t.Helper()
	select {
	case raw, ok := <-conn.Send:
		require.True(t, ok, "send channel closed")
		var env pushEnvelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for push message on %s", conn.ID)
		return pushEnvelope{}
	}
}

// registerAndDrain registers the connection and consumes the
// connection_established greeting, so later reads see only test traffic.
func registerAndDrain(t *testing.T, svc *WebSocketPushService, conn *Connection) {
	t.Helper()
	svc.RegisterConnection(conn)
	env := recvEnvelope(t, conn)
	require.Equal(t, "connection_established", env.Type)
}

func transferFixture(id string) *models.TransferRecord {
	return &models.TransferRecord{
		TransferID:         id,
		Status:             models.TransferStatusConfirmed,
		DestinationChainID: 42161,
		ConfirmationCount:  2,
		Attempts:           1,
		DispatchTxHash:     "0xfeed",
	}
}

func TestPushServiceRoutesUpdatesToSubscribers(t *testing.T) {
	svc := NewWebSocketPushService()

	watcher := newTestConnection("conn-watcher")
	bystander := newTestConnection("conn-bystander")
	registerAndDrain(t, svc, watcher)
	registerAndDrain(t, svc, bystander)

	svc.Subscribe(watcher, "0xaaaa")
	env := recvEnvelope(t, watcher)
	require.Equal(t, "subscribed", env.Type)
	require.Equal(t, "0xaaaa", env.TransferID)

	svc.Subscribe(bystander, "0xbbbb")
	env = recvEnvelope(t, bystander)
	require.Equal(t, "subscribed", env.Type)

	svc.TransferUpdated(transferFixture("0xaaaa"))

	env = recvEnvelope(t, watcher)
	require.Equal(t, "transfer_update", env.Type)
	require.Equal(t, "0xaaaa", env.TransferID)
	require.Equal(t, "confirmed", env.Data.Status)
	require.Equal(t, uint64(42161), env.Data.DestinationChain)
	require.Equal(t, 2, env.Data.ConfirmationCount)
	require.Equal(t, 1, env.Data.Attempts)
	require.Equal(t, "0xfeed", env.Data.TxHash)

	// The bystander follows a different transfer and hears nothing.
	select {
	case raw := <-bystander.Send:
		t.Fatalf("bystander received unexpected message: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPushServiceFansOutToEverySubscriber(t *testing.T) {
	svc := NewWebSocketPushService()

	first := newTestConnection("conn-first")
	second := newTestConnection("conn-second")
	registerAndDrain(t, svc, first)
	registerAndDrain(t, svc, second)

	svc.Subscribe(first, "0xcccc")
	recvEnvelope(t, first)
	svc.Subscribe(second, "0xcccc")
	recvEnvelope(t, second)
	require.Equal(t, 2, svc.GetSubscriberCount("0xcccc"))

	svc.TransferUpdated(transferFixture("0xcccc"))

	for _, conn := range []*Connection{first, second} {
		env := recvEnvelope(t, conn)
		require.Equal(t, "transfer_update", env.Type)
		require.Equal(t, "0xcccc", env.TransferID)
	}
}

func TestPushServiceUnsubscribeStopsDelivery(t *testing.T) {
	svc := NewWebSocketPushService()

	conn := newTestConnection("conn-flaky")
	registerAndDrain(t, svc, conn)

	svc.Subscribe(conn, "0xdddd")
	recvEnvelope(t, conn)

	svc.Unsubscribe(conn, "0xdddd")
	require.Zero(t, svc.GetSubscriberCount("0xdddd"))

	svc.TransferUpdated(transferFixture("0xdddd"))

	select {
	case raw := <-conn.Send:
		t.Fatalf("received update after unsubscribe: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPushServiceUnregisterDropsSubscriptions(t *testing.T) {
	svc := NewWebSocketPushService()

	conn := newTestConnection("conn-leaving")
	registerAndDrain(t, svc, conn)
	require.Equal(t, 1, svc.GetActiveConnections())

	svc.Subscribe(conn, "0xeeee")
	recvEnvelope(t, conn)
	require.Equal(t, 1, svc.GetSubscriberCount("0xeeee"))

	svc.UnregisterConnection(conn)

	require.Eventually(t, func() bool {
		return svc.GetActiveConnections() == 0 && svc.GetSubscriberCount("0xeeee") == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Unregistering twice must not panic or close the channel again.
	svc.UnregisterConnection(conn)
	require.Eventually(t, func() bool {
		return svc.GetActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPushServiceFailureReasonReachesSubscriber(t *testing.T) {
	svc := NewWebSocketPushService()

	conn := newTestConnection("conn-ops")
	registerAndDrain(t, svc, conn)
	svc.Subscribe(conn, "0xffff")
	recvEnvelope(t, conn)

	rec := transferFixture("0xffff")
	rec.Status = models.TransferStatusFailed
	rec.Attempts = 5
	rec.FailureReason = "relay attempts exhausted: rpc timeout"
	rec.DispatchTxHash = ""
	svc.TransferUpdated(rec)

	env := recvEnvelope(t, conn)
	require.Equal(t, "transfer_update", env.Type)
	require.Equal(t, "failed", env.Data.Status)
	require.Equal(t, 5, env.Data.Attempts)
	require.Contains(t, env.Data.Reason, "exhausted")
	require.Empty(t, env.Data.TxHash)
}
