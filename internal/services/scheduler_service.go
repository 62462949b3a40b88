// Scheduler Service
// Manages periodic tasks like relay finality tracking
package services

import (
	"context"
	"log"
	"sync"
	"time"

	"hub-backend/internal/config"
	"hub-backend/internal/models"
	"hub-backend/internal/relay"
	"hub-backend/internal/repository"
)

const defaultConfirmationDepth = 12

// SchedulerService manages periodic background tasks
type SchedulerService struct {
	transfers     repository.TransferRepository
	adapters      map[uint64]relay.ChainAdapter
	depths        map[uint64]uint64
	stopChan      chan struct{}
	checkInterval time.Duration

	mu        sync.Mutex
	finalized map[string]struct{}
}

// NewSchedulerService creates a new SchedulerService instance
func NewSchedulerService(transfers repository.TransferRepository, adapters []relay.ChainAdapter, checkInterval time.Duration) *SchedulerService {
	if checkInterval <= 0 {
		checkInterval = 2 * time.Minute // 默认2分钟
	}

	adapterMap := make(map[uint64]relay.ChainAdapter, len(adapters))
	for _, a := range adapters {
		if a != nil {
			adapterMap[a.ChainID()] = a
		}
	}

	// Per-chain finality depth from the network config
	depths := make(map[uint64]uint64, len(adapterMap))
	for _, network := range config.EnabledNetworks() {
		depth := network.ConfirmationDepth
		if depth == 0 {
			depth = defaultConfirmationDepth
		}
		depths[network.ChainID] = depth
	}

	return &SchedulerService{
		transfers:     transfers,
		adapters:      adapterMap,
		depths:        depths,
		stopChan:      make(chan struct{}),
		checkInterval: checkInterval,
		finalized:     make(map[string]struct{}),
	}
}

// Start begins all scheduled tasks
func (s *SchedulerService) Start() {
	log.Println("🚀 Scheduler service starting...")
	log.Printf("📅 Relay finality check interval: %v", s.checkInterval)

	go s.runFinalityWatch()

	log.Println("✅ Scheduler service started")
}

// Stop gracefully stops all scheduled tasks
func (s *SchedulerService) Stop() {
	log.Println("🛑 Stopping scheduler service...")
	close(s.stopChan)
	log.Println("✅ Scheduler service stopped")
}

// runFinalityWatch periodically rechecks dispatched relay transactions until
// they are buried under the configured confirmation depth
func (s *SchedulerService) runFinalityWatch() {
	// Initial check on startup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	s.checkFinality(ctx)
	cancel()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			s.checkFinality(ctx)
			cancel()

		case <-s.stopChan:
			log.Println("🛑 Relay finality watch stopped")
			return
		}
	}
}

// checkFinality scans the newest relayed transfers per destination chain and
// reports which dispatch transactions reached finality. A receipt that
// disappears after the transfer was marked relayed points at a reorg and is
// logged loudly; the transfer row itself is never changed here.
func (s *SchedulerService) checkFinality(ctx context.Context) {
	seen := make(map[string]struct{})

	for chainID, adapter := range s.adapters {
		head, err := adapter.CurrentBlockHeight(ctx)
		if err != nil {
			log.Printf("⚠️ [Finality] Chain %d unreachable, skipping cycle: %v", chainID, err)
			continue
		}

		transfers, _, err := s.transfers.List(ctx, models.TransferStatusRelayed, chainID, 1, 50)
		if err != nil {
			log.Printf("⚠️ [Finality] Failed to list relayed transfers for chain %d: %v", chainID, err)
			continue
		}

		depth := s.depths[chainID]
		if depth == 0 {
			depth = defaultConfirmationDepth
		}

		for _, rec := range transfers {
			if rec.DispatchTxHash == "" {
				continue
			}
			if s.isFinalized(rec.TransferID) {
				seen[rec.TransferID] = struct{}{}
				continue
			}

			confirmations, err := adapter.Confirmations(ctx, rec.DispatchTxHash)
			if err != nil {
				log.Printf("⚠️ [Finality] Failed to check tx %s on chain %d: %v", rec.DispatchTxHash, chainID, err)
				continue
			}

			switch {
			case confirmations == 0:
				// The receipt existed when the transfer was marked relayed.
				log.Printf("❌ [Finality] Dispatch tx %s for transfer %s vanished from chain %d (head=%d), possible reorg",
					rec.DispatchTxHash, rec.TransferID, chainID, head)
			case confirmations >= depth:
				log.Printf("✅ [Finality] Transfer %s final on chain %d: tx=%s confirmations=%d (depth=%d)",
					rec.TransferID, chainID, rec.DispatchTxHash, confirmations, depth)
				s.markFinalized(rec.TransferID)
				seen[rec.TransferID] = struct{}{}
			}
		}
	}

	// Transfers that scrolled out of the scan window are never rechecked, so
	// their marks can be dropped to keep the set bounded.
	s.mu.Lock()
	s.finalized = seen
	s.mu.Unlock()
}

func (s *SchedulerService) isFinalized(transferID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.finalized[transferID]
	return ok
}

func (s *SchedulerService) markFinalized(transferID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[transferID] = struct{}{}
}
