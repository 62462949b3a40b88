package services

import (
	"context"
	"log"
	"math/big"
	"strconv"
	"sync"
	"time"

	"hub-backend/internal/ledger"
	"hub-backend/internal/metrics"
	"hub-backend/internal/models"
	"hub-backend/internal/relay"
	"hub-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

// balanceReporter is the optional adapter surface for balance monitoring.
// The EVM adapter implements it; an adapter without a funded signing
// account simply is not sampled.
type balanceReporter interface {
	RelayerAddress() common.Address
	RelayerBalance(ctx context.Context) (*big.Int, error)
}

// MonitoringService 监控服务，负责定期更新 Prometheus metrics
type MonitoringService struct {
	db        *gorm.DB
	transfers repository.TransferRepository
	ledger    *ledger.Ledger
	adapters  []relay.ChainAdapter
	stopCh    chan struct{}
	wg        sync.WaitGroup

	stateCheckInterval   time.Duration
	balanceCheckInterval time.Duration
}

// NewMonitoringService 创建监控服务
func NewMonitoringService(
	db *gorm.DB,
	transfers repository.TransferRepository,
	l *ledger.Ledger,
	adapters []relay.ChainAdapter,
) *MonitoringService {
	return &MonitoringService{
		db:                   db,
		transfers:            transfers,
		ledger:               l,
		adapters:             adapters,
		stopCh:               make(chan struct{}),
		stateCheckInterval:   15 * time.Second,
		balanceCheckInterval: 60 * time.Second, // 默认60秒检查一次
	}
}

// Start 启动监控服务
func (m *MonitoringService) Start() {
	log.Println("🚀 Starting monitoring service...")

	// 启动数据库连接监控
	m.wg.Add(1)
	go m.monitorDatabaseConnection()

	// 启动传输状态监控
	m.wg.Add(1)
	go m.monitorTransferStates()

	// 启动余额监控
	m.wg.Add(1)
	go m.monitorBalances()

	log.Println("✅ Monitoring service started")
}

// Stop 停止监控服务
func (m *MonitoringService) Stop() {
	log.Println("🛑 Stopping monitoring service...")
	close(m.stopCh)
	m.wg.Wait()
	log.Println("✅ Monitoring service stopped")
}

// monitorDatabaseConnection 监控数据库连接
func (m *MonitoringService) monitorDatabaseConnection() {
	defer m.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.updateDatabaseMetrics()
		}
	}
}

// updateDatabaseMetrics 更新数据库指标
func (m *MonitoringService) updateDatabaseMetrics() {
	sqlDB, err := m.db.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}

	stats := sqlDB.Stats()
	metrics.DBConnectionPoolSize.Set(float64(stats.MaxOpenConnections))
	metrics.DBConnectionActive.Set(float64(stats.OpenConnections - stats.Idle))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))

	// 检查连接状态
	if err := sqlDB.Ping(); err != nil {
		metrics.DBConnectionStatus.Set(0)
	} else {
		metrics.DBConnectionStatus.Set(1)
	}
}

// monitorTransferStates 监控传输状态分布和账本树水位
func (m *MonitoringService) monitorTransferStates() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.stateCheckInterval)
	defer ticker.Stop()

	// 立即执行一次
	m.updateTransferMetrics()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.updateTransferMetrics()
		}
	}
}

// updateTransferMetrics 更新传输状态指标
func (m *MonitoringService) updateTransferMetrics() {
	if m.transfers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		counts, err := m.transfers.CountByStatus(ctx)
		cancel()

		if err != nil {
			log.Printf("⚠️ [Monitor] Failed to count transfers by status: %v", err)
		} else {
			// Every status is written each round so an emptied one drops
			// back to zero instead of holding its last value.
			for _, status := range []models.TransferStatus{
				models.TransferStatusPending,
				models.TransferStatusConfirmed,
				models.TransferStatusRelayed,
				models.TransferStatusFailed,
			} {
				metrics.TransfersByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
			}
		}
	}

	if m.ledger != nil {
		metrics.LedgerTreeLeaves.Set(float64(m.ledger.LeafCount()))
		metrics.LedgerTreeCapacity.Set(float64(m.ledger.Capacity()))
	}
}

// monitorBalances 监控余额
func (m *MonitoringService) monitorBalances() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.balanceCheckInterval)
	defer ticker.Stop()

	// 立即执行一次
	m.updateBalances()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.updateBalances()
		}
	}
}

// updateBalances 更新余额指标
func (m *MonitoringService) updateBalances() {
	for _, adapter := range m.adapters {
		reporter, ok := adapter.(balanceReporter)
		if !ok {
			continue
		}

		// 增加超时控制 (10秒)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		balance, err := reporter.RelayerBalance(ctx)
		cancel()

		if err != nil {
			log.Printf("⚠️ [Monitor] Failed to get relayer balance for chain %d: %v", adapter.ChainID(), err)
			continue
		}

		// 转换为 ETH (wei to ether)
		balanceFloat := new(big.Float).Quo(new(big.Float).SetInt(balance), big.NewFloat(1e18))
		balanceValue, _ := balanceFloat.Float64()

		// 更新指标
		chain := strconv.FormatUint(adapter.ChainID(), 10)
		metrics.RelayerBalance.WithLabelValues(chain, reporter.RelayerAddress().Hex()).Set(balanceValue)
	}
}

// UpdateNATSConnectionStatus 更新 NATS 连接状态（由 NATS 客户端调用）
func UpdateNATSConnectionStatus(connected bool) {
	if connected {
		metrics.NATSConnectionStatus.Set(1)
	} else {
		metrics.NATSConnectionStatus.Set(0)
	}
}

// RecordNATSMessageReceived 记录 NATS 消息接收（由事件处理器调用）
func RecordNATSMessageReceived(eventType string) {
	metrics.NATSMessagesReceived.WithLabelValues(eventType).Inc()
}

// RecordNATSMessageProcessed 记录 NATS 消息处理成功（由事件处理器调用）
func RecordNATSMessageProcessed(eventType string) {
	metrics.NATSMessagesProcessed.WithLabelValues(eventType).Inc()
}

// RecordNATSMessageFailed 记录 NATS 消息处理失败（由事件处理器调用）
func RecordNATSMessageFailed(eventType string, errorType string) {
	metrics.NATSMessagesFailed.WithLabelValues(eventType, errorType).Inc()
}

// RecordEventListenerError 记录事件监听错误（由事件处理器调用）
func RecordEventListenerError(eventType string, errorType string) {
	metrics.EventListenerErrors.WithLabelValues(eventType, errorType).Inc()
}

// RecordEventProcessingDuration 记录事件处理耗时（由事件处理器调用）
func RecordEventProcessingDuration(eventType string, duration time.Duration) {
	metrics.EventProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}
