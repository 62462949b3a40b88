package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// 数据库连接指标
	// ============================================
	DBConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_pool_size",
		Help: "Database connection pool size",
	})

	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	// ============================================
	// 账本指标
	// ============================================
	LedgerDeposits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_ledger_deposits_total",
		Help: "Total number of commitments inserted into the ledger tree",
	})

	LedgerWithdrawals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_ledger_withdrawals_total",
			Help: "Total number of withdraw attempts by outcome",
		},
		[]string{"outcome"},
	)

	LedgerTreeLeaves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_ledger_tree_leaves",
		Help: "Number of leaves currently in the commitment tree",
	})

	LedgerTreeCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_ledger_tree_capacity",
		Help: "Maximum number of leaves the commitment tree can hold",
	})

	NullifiersConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_nullifiers_consumed_total",
		Help: "Total number of nullifiers consumed by successful withdrawals",
	})

	// ============================================
	// 中继传输指标
	// ============================================
	TransfersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_transfers_submitted_total",
		Help: "Total number of transfers submitted to the relay coordinator",
	})

	TransfersByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_transfers_by_status",
			Help: "Number of transfers currently in each status",
		},
		[]string{"status"},
	)

	ConfirmationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_confirmations_received_total",
			Help: "Total number of relay confirmations received",
		},
		[]string{"signer", "result"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_dispatch_attempts_total",
			Help: "Total number of dispatch attempts by destination chain and outcome",
		},
		[]string{"chain", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_dispatch_duration_seconds",
			Help:    "Adapter dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_dead_letters_total",
		Help: "Total number of transfers that exhausted relay attempts",
	})

	// ============================================
	// NATS 连接和消息指标
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"event_type"},
	)

	NATSMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_messages_processed_total",
			Help: "Total number of NATS messages processed successfully",
		},
		[]string{"event_type"},
	)

	NATSMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_messages_failed_total",
			Help: "Total number of NATS messages failed to process",
		},
		[]string{"event_type", "error_type"},
	)

	NATSSubscriptionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_nats_subscription_status",
			Help: "NATS subscription status (1=active, 0=inactive)",
		},
		[]string{"subject"},
	)

	// ============================================
	// 事件监听指标
	// ============================================
	EventListenerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_event_listener_errors_total",
			Help: "Total number of event listener errors",
		},
		[]string{"event_type", "error_type"},
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_event_processing_duration_seconds",
			Help:    "Event processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// ============================================
	// WebSocket 指标
	// ============================================
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// ============================================
	// 余额监控指标
	// ============================================
	RelayerBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_relayer_balance",
			Help: "Relayer signing address balance in native units",
		},
		[]string{"chain", "address"},
	)
)
