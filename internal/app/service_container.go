package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"hub-backend/internal/bus"
	"hub-backend/internal/compliance"
	"hub-backend/internal/config"
	"hub-backend/internal/db"
	"hub-backend/internal/ledger"
	"hub-backend/internal/relay"
	"hub-backend/internal/repository"
	"hub-backend/internal/services"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ServiceContainer wires repositories, the confidential ledger, the relay
// coordinator and the background services in dependency order.
type ServiceContainer struct {
	// Database
	DB *gorm.DB

	// Repositories
	TransferRepo     repository.TransferRepository
	ConfirmationRepo repository.ConfirmationRepository
	NullifierRepo    repository.NullifierRepository
	LeafRepo         repository.LeafRepository
	AuditRepo        repository.AuditRepository

	// Ledger & Relay
	MessageBus  bus.MessageBus
	Rules       *compliance.Engine
	Ledger      *ledger.Ledger
	Adapters    []relay.ChainAdapter
	Coordinator *relay.Coordinator

	// Services
	TransferService      *services.TransferService
	WebSocketPushService *services.WebSocketPushService
	MonitoringService    *services.MonitoringService
	SchedulerService     *services.SchedulerService

	redisClient *redis.Client
}

// Global service container instance
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the container once. Safe to call from every
// entrypoint that needs the wired services.
func InitializeContainer() (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		log.Println("🚀 Initializing Service Container...")

		container := &ServiceContainer{
			DB: db.DB,
		}

		// 1. Initialize Repositories
		if err := container.initRepositories(); err != nil {
			initErr = fmt.Errorf("failed to initialize repositories: %w", err)
			return
		}

		// 2. Initialize Ledger (bus, compliance, verifier, tree restore)
		if err := container.initLedger(); err != nil {
			initErr = fmt.Errorf("failed to initialize ledger: %w", err)
			return
		}

		// 3. Initialize Relay (chain adapters, coordinator)
		if err := container.initRelay(); err != nil {
			initErr = fmt.Errorf("failed to initialize relay: %w", err)
			return
		}

		// 4. Initialize Services
		if err := container.initServices(); err != nil {
			initErr = fmt.Errorf("failed to initialize services: %w", err)
			return
		}

		Container = container
		log.Println("✅ Service Container initialized successfully")
	})

	return Container, initErr
}

func (c *ServiceContainer) initRepositories() error {
	log.Println("📦 Initializing Repositories...")

	c.TransferRepo = repository.NewTransferRepository(c.DB)
	c.ConfirmationRepo = repository.NewConfirmationRepository(c.DB)
	c.NullifierRepo = repository.NewNullifierRepository(c.DB)
	c.LeafRepo = repository.NewLeafRepository(c.DB)
	c.AuditRepo = repository.NewAuditRepository(c.DB)

	log.Println("✅ Repositories initialized")
	return nil
}

func (c *ServiceContainer) initLedger() error {
	log.Println("🔧 Initializing Ledger...")

	// Message bus: redis shares live relay messages across instances,
	// memory is single-process.
	switch config.AppConfig.Bus.Type {
	case "redis":
		redisCfg := config.AppConfig.Redis
		opts := &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", redisCfg.Host, redisCfg.Port),
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		}
		if redisCfg.Timeout > 0 {
			opts.DialTimeout = time.Duration(redisCfg.Timeout) * time.Second
		}
		rdb := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
		}
		c.redisClient = rdb
		c.MessageBus = bus.NewRedisBus(rdb)
		log.Printf("✅ [Container] Redis message bus connected: %s", opts.Addr)
	default:
		c.MessageBus = bus.NewMemoryBus()
		log.Println("📋 [Container] Using in-memory message bus")
	}

	// Compliance engine from static settings. Pause state is runtime-only
	// and starts released.
	compCfg := config.AppConfig.Compliance
	c.Rules = compliance.NewEngine(compliance.Settings{
		MinAmount:               compCfg.MinAmount,
		MaxAmount:               compCfg.MaxAmount,
		LevelLimits:             compCfg.LevelLimits,
		RestrictedJurisdictions: compCfg.RestrictedJurisdictions,
		RequireTwoFactor:        compCfg.RequireTwoFactor,
		FeeBasisPoints:          compCfg.FeeBasisPoints,
		RelayerFee:              compCfg.RelayerFee,
	})

	ledgerCfg := config.AppConfig.Ledger
	if ledgerCfg.VerifyingKeyPath == "" {
		return fmt.Errorf("ledger.verifying_key_path is required")
	}
	verifier, err := ledger.NewGroth16Verifier(ledgerCfg.VerifyingKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load verifying key: %w", err)
	}

	var registry ledger.NullifierRegistry
	switch ledgerCfg.Registry {
	case "memory":
		registry = ledger.NewMemoryNullifierRegistry()
		log.Println("⚠️ [Container] In-memory nullifier registry, spent nullifiers do not survive restarts")
	default:
		registry = ledger.NewPostgresNullifierRegistry(c.NullifierRepo)
	}

	l, err := ledger.New(ledger.Config{
		TreeDepth:     ledgerCfg.TreeDepth,
		RootHistory:   ledgerCfg.RootHistory,
		SourceChainID: ledgerCfg.SourceChainID,
		VaultAddress:  common.HexToHash(ledgerCfg.VaultAddress),
	}, registry, verifier, c.Rules, c.LeafRepo)
	if err != nil {
		return fmt.Errorf("failed to build ledger: %w", err)
	}
	c.Ledger = l

	if err := c.restoreLedger(); err != nil {
		return err
	}

	log.Println("✅ Ledger initialized")
	return nil
}

// restoreLedger rebuilds the commitment tree, the known-root history and the
// nonce counter from the database. Must finish before any traffic.
func (c *ServiceContainer) restoreLedger() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	leafRecords, err := c.LeafRepo.ListOrdered(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted leaves: %w", err)
	}

	maxNonce, err := c.TransferRepo.MaxNonce(ctx)
	if err != nil {
		return fmt.Errorf("failed to load max nonce: %w", err)
	}
	counts, err := c.TransferRepo.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count transfers: %w", err)
	}
	var totalTransfers int64
	for _, n := range counts {
		totalTransfers += n
	}

	// MaxNonce on an empty table reads as zero, which is also a valid
	// assigned nonce; only bump past it when transfers exist.
	var nextNonce uint64
	if totalTransfers > 0 {
		nextNonce = maxNonce + 1
	}

	if len(leafRecords) == 0 && nextNonce == 0 {
		log.Println("📋 [Container] Fresh ledger, nothing to restore")
		return nil
	}

	leaves := make([][32]byte, len(leafRecords))
	for i, rec := range leafRecords {
		leaves[i] = common.HexToHash(rec.Commitment)
	}

	historyDepth := config.AppConfig.Ledger.RootHistory
	if historyDepth < 1 {
		historyDepth = 64
	}
	rootStrings, err := c.LeafRepo.RecentRoots(ctx, historyDepth)
	if err != nil {
		return fmt.Errorf("failed to load recent roots: %w", err)
	}
	roots := make([][32]byte, len(rootStrings))
	for i, root := range rootStrings {
		roots[i] = common.HexToHash(root)
	}

	if err := c.Ledger.Restore(leaves, roots, nextNonce); err != nil {
		return fmt.Errorf("failed to restore ledger state: %w", err)
	}

	log.Printf("✅ [Container] Ledger restored: %d leaves, %d known roots, next nonce %d",
		len(leaves), len(roots), nextNonce)
	return nil
}

func (c *ServiceContainer) initRelay() error {
	log.Println("🔧 Initializing Relay...")

	for _, network := range config.EnabledNetworks() {
		adapter, err := relay.NewEVMAdapter(relay.EVMAdapterConfig{
			ChainID:        network.ChainID,
			RPCURL:         network.RPCURL,
			BridgeContract: network.BridgeContract,
			PrivateKey:     network.PrivateKey,
			GasLimit:       network.GasLimit,
			GasPrice:       network.GasPrice,
			ConfirmTimeout: time.Duration(network.ConfirmTimeout) * time.Second,
		})
		if err != nil {
			log.Printf("⚠️ [Container] Failed to initialize adapter for %s (chain %d): %v", network.Name, network.ChainID, err)
			log.Printf("   → Transfers to chain %d will keep failing dispatch until the adapter comes up", network.ChainID)
			continue
		}
		c.Adapters = append(c.Adapters, adapter)
		log.Printf("✅ [Container] Chain adapter ready: %s (chain %d)", network.Name, network.ChainID)
	}
	if len(c.Adapters) == 0 {
		log.Println("⚠️ [Container] No chain adapters configured, dispatch is disabled")
	}

	relayCfg := config.AppConfig.Relay
	coordinator, err := relay.NewCoordinator(relay.CoordinatorConfig{
		Threshold:           relayCfg.Threshold,
		Signers:             relayCfg.Signers,
		VerifySignatures:    relayCfg.VerifySignatures,
		MaxAttempts:         relayCfg.MaxAttempts,
		RetryBase:           time.Duration(relayCfg.RetryBase) * time.Second,
		RetryCap:            time.Duration(relayCfg.RetryCap) * time.Second,
		PollInterval:        time.Duration(relayCfg.PollInterval) * time.Second,
		SweepInterval:       time.Duration(relayCfg.SweepInterval) * time.Second,
		ConfirmationTimeout: time.Duration(relayCfg.ConfirmationTimeout) * time.Second,
	}, c.TransferRepo, c.ConfirmationRepo, c.AuditRepo, c.Rules, c.MessageBus, c.Adapters)
	if err != nil {
		return fmt.Errorf("failed to build relay coordinator: %w", err)
	}
	c.Coordinator = coordinator

	log.Println("✅ Relay initialized")
	return nil
}

func (c *ServiceContainer) initServices() error {
	log.Println("🔧 Initializing Services...")

	c.TransferService = services.NewTransferService(c.Ledger, c.Coordinator, c.AuditRepo)

	// Push Service rides on coordinator state changes
	c.WebSocketPushService = services.NewWebSocketPushService()
	c.Coordinator.AddListener(c.WebSocketPushService)

	c.MonitoringService = services.NewMonitoringService(c.DB, c.TransferRepo, c.Ledger, c.Adapters)

	// Finality watcher over relayed transfers
	c.SchedulerService = services.NewSchedulerService(c.TransferRepo, c.Adapters, 0)

	log.Println("✅ Services initialized")
	return nil
}

// Cleanup stops the background services in reverse dependency order.
func (c *ServiceContainer) Cleanup() {
	log.Println("🧹 Cleaning up Service Container...")

	if c.SchedulerService != nil {
		c.SchedulerService.Stop()
	}

	if c.MonitoringService != nil {
		c.MonitoringService.Stop()
	}

	if c.Coordinator != nil {
		c.Coordinator.Stop()
	}

	for _, adapter := range c.Adapters {
		if closer, ok := adapter.(interface{ Close() }); ok {
			closer.Close()
		}
	}

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			log.Printf("⚠️ Failed to close redis client: %v", err)
		}
	}

	log.Println("✅ Service Container cleaned up")
}
