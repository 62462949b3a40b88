package clients

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"hub-backend/internal/config"
	"hub-backend/internal/metrics"

	"github.com/nats-io/nats.go"
)

// ConfirmationMessage is the payload signer watchers publish on
// hub.<chain>.Relay.Confirmation after observing a sealed transfer.
type ConfirmationMessage struct {
	TransferID  string `json:"transferId"`
	SignerID    string `json:"signerId"`
	Signature   string `json:"signature"` // hex encoded secp256k1 signature over the transfer id
	SourceChain uint64 `json:"sourceChain"`
	Timestamp   int64  `json:"timestamp"`
}

// TransferLifecycleEvent is published on hub.transfers.<status> whenever a
// transfer changes state.
type TransferLifecycleEvent struct {
	TransferID       string `json:"transferId"`
	Status           string `json:"status"`
	DestinationChain uint64 `json:"destinationChain"`
	Attempts         int    `json:"attempts"`
	Reason           string `json:"reason,omitempty"`
}

// defaultConfirmationSubject matches one token per source chain.
const defaultConfirmationSubject = "hub.*.Relay.Confirmation"

// NATSClient NATS client
type NATSClient struct {
	conn         *nats.Conn
	js           nats.JetStreamContext
	streamName   string
	consumerName string
}

// NewNATSClient CreateNATS client
func NewNATSClient(url, streamName, consumerName string) (*NATSClient, error) {
	// 获取配置的超时时间（如果配置了）
	var connectTimeout time.Duration = 10 * time.Second // 默认 10 秒
	if config.AppConfig != nil && config.AppConfig.NATS.Timeout > 0 {
		connectTimeout = time.Duration(config.AppConfig.NATS.Timeout) * time.Second
		log.Printf("🔌 Using configured NATS timeout: %v", connectTimeout)
	} else {
		log.Printf("🔌 Using default NATS timeout: %v", connectTimeout)
	}

	reconnectWait := 5 * time.Second
	maxReconnects := -1
	if config.AppConfig != nil {
		if config.AppConfig.NATS.ReconnectWait > 0 {
			reconnectWait = time.Duration(config.AppConfig.NATS.ReconnectWait) * time.Second
		}
		if config.AppConfig.NATS.MaxReconnects != 0 {
			maxReconnects = config.AppConfig.NATS.MaxReconnects
		}
	}

	// connect to NATS server
	conn, err := nats.Connect(url,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️ [NATS] connection lost: %v", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ [NATS] reconnected to %s", nc.ConnectedUrl())
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	// CreateJetStream
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &NATSClient{
		conn:         conn,
		js:           js,
		streamName:   streamName,
		consumerName: consumerName,
	}

	if config.AppConfig != nil && config.AppConfig.NATS.EnableJetStream {
		if err := client.ensureStream(); err != nil {
			// Plain subscriptions still work without the stream.
			log.Printf("⚠️ [NATS] JetStream stream setup failed, falling back to core NATS: %v", err)
		}
	}

	return client, nil
}

// ensureStream JetStreamexists
func (c *NATSClient) ensureStream() error {
	// Checkwhetherexists
	_, err := c.js.StreamInfo(c.streamName)
	if err == nil {
		log.Printf("✅ [NATS] stream %s already exists", c.streamName)
		return nil
	}

	// Create
	streamConfig := &nats.StreamConfig{
		Name: c.streamName,
		Subjects: []string{
			"hub.>",
		},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour, // 24hours
		Storage:   nats.FileStorage,
	}

	_, err = c.js.AddStream(streamConfig)
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.streamName, err)
	}

	log.Printf("✅ [NATS] stream %s created", c.streamName)
	return nil
}

// SubscribeToConfirmations Subscriptionsigner confirmationevent
// Subjects come from config; the default matches every source chain.
func (c *NATSClient) SubscribeToConfirmations(handler func(*ConfirmationMessage, string)) error {
	subjects := []string{defaultConfirmationSubject}
	if config.AppConfig != nil && len(config.AppConfig.NATS.Subscriptions.Confirmations) > 0 {
		subjects = subjects[:0]
		for _, sub := range config.AppConfig.NATS.Subscriptions.Confirmations {
			if sub.Enabled && sub.Subject != "" {
				subjects = append(subjects, sub.Subject)
			}
		}
	}

	for i, subject := range subjects {
		durable := c.consumerName
		if i > 0 {
			durable = fmt.Sprintf("%s-%d", c.consumerName, i)
		}
		if err := c.subscribe(subject, durable, func(msg *nats.Msg) {
			metrics.NATSMessagesReceived.WithLabelValues("Confirmation").Inc()
			log.Printf("📨 [NATS] confirmation message: Subject=%s, data=%d", msg.Subject, len(msg.Data))

			var confirmation ConfirmationMessage
			if err := json.Unmarshal(msg.Data, &confirmation); err != nil {
				log.Printf("❌ [NATS] failed to parse confirmation: %v", err)
				metrics.NATSMessagesFailed.WithLabelValues("Confirmation", "decode_error").Inc()
				// A malformed payload never gets better on redelivery.
				msg.Ack()
				return
			}

			handler(&confirmation, msg.Subject)
			msg.Ack()
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}
	return nil
}

// subscribe Subscription
// Prefers a durable JetStream consumer, falls back to core NATS when the
// stream is unavailable.
func (c *NATSClient) subscribe(subject, durable string, handler nats.MsgHandler) error {
	log.Printf("🔍 [NATS] subscribing to subject: %s", subject)

	if config.AppConfig == nil || config.AppConfig.NATS.EnableJetStream {
		_, err := c.js.Subscribe(subject, handler,
			nats.Durable(durable),
			nats.ManualAck(),
			nats.DeliverAll(),
		)
		if err == nil {
			log.Printf("✅ [NATS] JetStream subscription active: %s (durable=%s)", subject, durable)
			metrics.NATSSubscriptionStatus.WithLabelValues(subject).Set(1)
			return nil
		}
		log.Printf("⚠️ [NATS] JetStream subscription failed, trying core NATS: %v", err)
	}

	_, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		metrics.NATSSubscriptionStatus.WithLabelValues(subject).Set(0)
		return fmt.Errorf("failed to subscribe to subject: %w", err)
	}

	log.Printf("✅ [NATS] core subscription active: %s", subject)
	metrics.NATSSubscriptionStatus.WithLabelValues(subject).Set(1)
	return nil
}

// PublishTransferEvent publishtransfer lifecycleevent
func (c *NATSClient) PublishTransferEvent(event *TransferLifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer event: %w", err)
	}

	subject := fmt.Sprintf("hub.transfers.%s", event.Status)
	if _, err := c.js.Publish(subject, data); err != nil {
		// Stream may be absent; core publish still reaches live subscribers.
		if pubErr := c.conn.Publish(subject, data); pubErr != nil {
			return fmt.Errorf("failed to publish transfer event: %w", pubErr)
		}
	}

	log.Printf("📤 [NATS] transfer event published: %s (transferId=%s)", subject, event.TransferID)
	return nil
}

// Close connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// GetConnection GetNATSconnection
func (c *NATSClient) GetConnection() *nats.Conn {
	return c.conn
}

// GetJetStream GetJetStream
func (c *NATSClient) GetJetStream() nats.JetStreamContext {
	return c.js
}
