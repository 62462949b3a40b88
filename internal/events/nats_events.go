package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"hub-backend/internal/clients"
	"hub-backend/internal/config"
	"hub-backend/internal/models"
	"hub-backend/internal/relay"
	"hub-backend/internal/repository"
	"hub-backend/internal/services"

	"github.com/ethereum/go-ethereum/common"
)

var (
	natsClient  *clients.NATSClient
	coordinator *relay.Coordinator
	natsOnce    sync.Once
)

// InitNATSServices InitializeNATSservice
// Wires confirmation ingestion into the coordinator and starts publishing
// transfer lifecycle events.
func InitNATSServices(coord *relay.Coordinator) error {
	var initErr error
	natsOnce.Do(func() {
		// CheckwhetherconfigurationNATS
		if config.AppConfig == nil || config.AppConfig.NATS.URL == "" {
			log.Println("NATS not configured, skipping initialization")
			return
		}
		if coord == nil {
			initErr = fmt.Errorf("NATS initialization requires a relay coordinator")
			return
		}
		coordinator = coord

		streamName := "hub-events"
		consumerName := "hub-backend"

		client, err := clients.NewNATSClient(
			config.AppConfig.NATS.URL,
			streamName,
			consumerName,
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create NATS client: %w", err)
			return
		}

		natsClient = client
		log.Printf("✅ NATS client initialized successfully")

		// subscribe to events
		if err := SubscribeToEvents(); err != nil {
			initErr = fmt.Errorf("failed to subscribe to events: %w", err)
			return
		}

		// Lifecycle events ride on every coordinator state change.
		coordinator.AddListener(&lifecyclePublisher{client: client})

		log.Printf("✅ NATS event subscriptions initialized")
	})

	return initErr
}

// SubscribeToEvents SubscriptionNATSevent
func SubscribeToEvents() error {
	if natsClient == nil {
		return fmt.Errorf("NATS client not initialized")
	}

	// Subscriptionsigner confirmationevent
	if err := natsClient.SubscribeToConfirmations(handleConfirmationEvent); err != nil {
		return fmt.Errorf("failed to subscribe to confirmations: %w", err)
	}

	return nil
}

// handleConfirmationEvent processsigner confirmationevent
func handleConfirmationEvent(confirmation *clients.ConfirmationMessage, subject string) {
	startTime := time.Now()
	eventType := "Confirmation"

	log.Printf("🎉📨 [NATS] Confirmation event - TransferId=%s, Signer=%s, SourceChain=%d, Subject=%s",
		confirmation.TransferID, confirmation.SignerID, confirmation.SourceChain, subject)

	if coordinator == nil {
		log.Printf("❌ [NATS] Coordinator not initialized, dropping confirmation")
		services.RecordNATSMessageFailed(eventType, "coordinator_nil")
		services.RecordEventListenerError(eventType, "coordinator_nil")
		return
	}

	signature := common.FromHex(confirmation.Signature)

	rec, err := coordinator.AddConfirmation(context.Background(), confirmation.TransferID, confirmation.SignerID, signature)
	if err != nil {
		// The message stays acked either way; a bad confirmation never
		// improves on redelivery.
		errorType := "process_error"
		switch {
		case errors.Is(err, relay.ErrUnknownSigner):
			errorType = "unknown_signer"
		case errors.Is(err, relay.ErrBadSignature):
			errorType = "bad_signature"
		case errors.Is(err, repository.ErrNotFound):
			errorType = "unknown_transfer"
		}
		log.Printf("❌ [NATS] processConfirmationeventfailed: %v", err)
		// 记录 metrics
		services.RecordNATSMessageFailed(eventType, errorType)
		services.RecordEventListenerError(eventType, errorType)
		return
	}

	// 记录 metrics
	duration := time.Since(startTime)
	services.RecordNATSMessageProcessed(eventType)
	services.RecordEventProcessingDuration(eventType, duration)

	log.Printf("📈 Confirmationeventprocesscompleted: TransferId=%s, status=%s, confirmations=%d",
		rec.TransferID, rec.Status, rec.ConfirmationCount)
}

// lifecyclePublisher pushes coordinator state changes onto
// hub.transfers.<status>. Publishing is best-effort.
type lifecyclePublisher struct {
	client *clients.NATSClient
}

func (p *lifecyclePublisher) TransferUpdated(rec *models.TransferRecord) {
	event := &clients.TransferLifecycleEvent{
		TransferID:       rec.TransferID,
		Status:           string(rec.Status),
		DestinationChain: rec.DestinationChainID,
		Attempts:         rec.Attempts,
		Reason:           rec.FailureReason,
	}
	if err := p.client.PublishTransferEvent(event); err != nil {
		log.Printf("⚠️ [NATS] failed to publish transfer event for %s: %v", rec.TransferID, err)
	}
}

// PublishTransferEvent publishtransfer lifecycleevent
func PublishTransferEvent(event *clients.TransferLifecycleEvent) error {
	if natsClient == nil {
		return fmt.Errorf("NATS client not initialized")
	}
	return natsClient.PublishTransferEvent(event)
}

// GetNATSClient GetNATS client
func GetNATSClient() *clients.NATSClient {
	return natsClient
}

// CloseNATS connection
func CloseNATS() {
	if natsClient != nil {
		natsClient.Close()
	}
}
