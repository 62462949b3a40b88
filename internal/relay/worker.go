package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"hub-backend/internal/metrics"
	"hub-backend/internal/models"
)

// Start launches one dispatch worker per configured chain plus the optional
// stale-pending sweeper, after re-evaluating quorum for rows that were live
// at the last shutdown.
func (c *Coordinator) Start() {
	log.Printf("🚀 [Coordinator] Starting relay coordinator...")

	if err := c.recoverLiveTransfers(); err != nil {
		log.Printf("❌ [Coordinator] Recovery failed: %v", err)
	}

	for chainID := range c.adapters {
		c.wg.Add(1)
		go c.runChainWorker(chainID)
	}

	if c.cfg.ConfirmationTimeout > 0 {
		c.wg.Add(1)
		go c.runPendingSweeper()
	}

	log.Printf("✅ [Coordinator] Relay coordinator started: %d chain workers, threshold=%d/%d signers",
		len(c.adapters), c.cfg.Threshold, len(c.signers))
}

// Stop signals all workers and waits for in-flight dispatches to finish.
// Transfers still being delivered stay confirmed and are retried on restart.
func (c *Coordinator) Stop() {
	log.Printf("🛑 [Coordinator] Stopping relay coordinator...")
	close(c.stopChan)
	c.wg.Wait()
	log.Printf("✅ [Coordinator] Relay coordinator stopped")
}

// recoverLiveTransfers re-evaluates quorum for pending rows left over from
// the last run. A crash between recording a confirmation and flipping the
// status would otherwise strand the transfer at threshold. Confirmed rows
// need nothing: chain workers pick them up from the first tick.
func (c *Coordinator) recoverLiveTransfers() error {
	ctx := context.Background()
	live, err := c.transfers.ListLive(ctx)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return nil
	}

	var pending, confirmed, promoted int
	for _, rec := range live {
		switch rec.Status {
		case models.TransferStatusPending:
			pending++
			count, err := c.confirms.CountDistinctSigners(ctx, rec.TransferID)
			if err != nil {
				log.Printf("⚠️ [Coordinator] Failed to count confirmations for %s: %v", rec.TransferID, err)
				continue
			}
			if int(count) < c.cfg.Threshold {
				continue
			}
			flipped, err := c.transfers.TransitionStatus(ctx, rec.TransferID, models.TransferStatusPending, models.TransferStatusConfirmed, map[string]interface{}{
				"confirmation_count": count,
			})
			if err != nil {
				log.Printf("⚠️ [Coordinator] Failed to promote %s during recovery: %v", rec.TransferID, err)
				continue
			}
			if flipped {
				promoted++
			}
		case models.TransferStatusConfirmed:
			confirmed++
		}
	}

	log.Printf("📋 [Coordinator] Recovered %d live transfers: pending=%d, confirmed=%d, promoted=%d",
		len(live), pending, confirmed, promoted)
	return nil
}

// runChainWorker polls for dispatchable transfers on one destination chain.
func (c *Coordinator) runChainWorker(chainID uint64) {
	defer c.wg.Done()

	log.Printf("🔄 [Coordinator] Chain worker started for chain %d", chainID)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			log.Printf("🛑 [Coordinator] Chain worker for chain %d stopped", chainID)
			return
		case <-ticker.C:
			c.processChain(chainID)
		}
	}
}

func (c *Coordinator) processChain(chainID uint64) {
	ctx := context.Background()
	rows, err := c.transfers.ListDispatchable(ctx, chainID, time.Now(), dispatchBatchSize)
	if err != nil {
		log.Printf("❌ [Coordinator] Failed to list dispatchable transfers for chain %d: %v", chainID, err)
		return
	}

	for _, rec := range rows {
		select {
		case <-c.stopChan:
			return
		default:
		}
		if !c.claim(rec.TransferID) {
			continue
		}
		c.dispatch(rec)
		c.release(rec.TransferID)
	}
}

// runPendingSweeper dead-letters transfers that sat pending longer than the
// confirmation timeout without reaching quorum.
func (c *Coordinator) runPendingSweeper() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sweepStalePending()
		}
	}
}

func (c *Coordinator) sweepStalePending() {
	ctx := context.Background()
	cutoff := time.Now().Add(-c.cfg.ConfirmationTimeout)
	stale, err := c.transfers.ListStalePending(ctx, cutoff)
	if err != nil {
		log.Printf("❌ [Coordinator] Failed to list stale pending transfers: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	log.Printf("🧹 [Coordinator] Sweeping %d stale pending transfers", len(stale))
	for _, rec := range stale {
		// Quorum may have been reached since the query ran, or a status
		// flip may have failed earlier. Promote instead of dead-lettering.
		count, err := c.confirms.CountDistinctSigners(ctx, rec.TransferID)
		if err == nil && int(count) >= c.cfg.Threshold {
			flipped, err := c.transfers.TransitionStatus(ctx, rec.TransferID, models.TransferStatusPending, models.TransferStatusConfirmed, map[string]interface{}{
				"confirmation_count": count,
			})
			if err != nil {
				log.Printf("⚠️ [Coordinator] Failed to promote stale transfer %s: %v", rec.TransferID, err)
				continue
			}
			if flipped {
				log.Printf("✅ [Coordinator] Stale transfer %s promoted, quorum reached during sweep (%d/%d)",
					rec.TransferID, count, c.cfg.Threshold)
				if fresh, err := c.transfers.GetByTransferID(ctx, rec.TransferID); err == nil {
					c.notify(fresh)
				}
			}
			continue
		}
		flipped, err := c.transfers.TransitionStatus(ctx, rec.TransferID, models.TransferStatusPending, models.TransferStatusFailed, map[string]interface{}{
			"failure_reason": fmt.Sprintf("confirmation quorum not reached within %v", c.cfg.ConfirmationTimeout),
		})
		if err != nil {
			log.Printf("⚠️ [Coordinator] Failed to sweep stale transfer %s: %v", rec.TransferID, err)
			continue
		}
		if flipped {
			metrics.DeadLetters.Inc()
			log.Printf("❌ [Coordinator] Stale pending transfer %s dead-lettered (confirmations=%d/%d)",
				rec.TransferID, rec.ConfirmationCount, c.cfg.Threshold)
			c.audit("coordinator", "transfer.failed", rec.TransferID, "failed",
				"confirmation quorum not reached before timeout")
			if fresh, err := c.transfers.GetByTransferID(ctx, rec.TransferID); err == nil {
				c.notify(fresh)
			}
		}
	}
}
