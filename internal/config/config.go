package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Redis      RedisConfig      `yaml:"redis"`
	Bus        BusConfig        `yaml:"bus"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Relay      RelayConfig      `yaml:"relay"`
	Compliance ComplianceConfig `yaml:"compliance"`
	CORS       CORSConfig       `yaml:"cors"`  // CORS configuration
	Admin      AdminConfig      `yaml:"admin"` // Admin API access control configuration
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig NATSMessage server configuration
type NATSConfig struct {
	URL             string                  `yaml:"url"`
	Timeout         int                     `yaml:"timeout"`
	ReconnectWait   int                     `yaml:"reconnect_wait"`
	MaxReconnects   int                     `yaml:"max_reconnects"`
	EnableJetStream bool                    `yaml:"enable_jetstream"`
	Subscriptions   NATSSubscriptionsConfig `yaml:"subscriptions"`
}

// NATSSubscriptionsConfig NATSSubscription configuration
type NATSSubscriptionsConfig struct {
	Confirmations []NATSSubjectConfig `yaml:"confirmations"`
}

// NATSSubjectConfig NATSSubject configuration
type NATSSubjectConfig struct {
	Subject     string `yaml:"subject"`
	Description string `yaml:"description"`
	Enabled     bool   `yaml:"enabled"`
}

// RedisConfig RedisCache configuration
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Timeout  int    `yaml:"timeout"`
}

// BusConfig Relay message bus configuration
type BusConfig struct {
	Type string `yaml:"type"` // memory or redis
}

// LedgerConfig Confidential ledger configuration
type LedgerConfig struct {
	TreeDepth        int    `yaml:"tree_depth"`         // commitment tree depth (2..32)
	RootHistory      int    `yaml:"root_history"`       // number of recent roots accepted for withdrawals
	SourceChainID    uint64 `yaml:"source_chain_id"`    // chain this ledger instance fronts
	VaultAddress     string `yaml:"vault_address"`      // vault contract backing the pool
	VerifyingKeyPath string `yaml:"verifying_key_path"` // Groth16 verifying key file
	Registry         string `yaml:"registry"`           // nullifier registry backend: memory or postgres
}

// RelayConfig Relay coordinator configuration
type RelayConfig struct {
	Threshold           int                      `yaml:"threshold"`            // confirmations required before dispatch
	Signers             []string                 `yaml:"signers"`              // authorized signer addresses
	VerifySignatures    bool                     `yaml:"verify_signatures"`    // check secp256k1 signatures on confirmations
	MaxAttempts         int                      `yaml:"max_attempts"`         // dispatch attempts before dead-letter
	PollInterval        int                      `yaml:"poll_interval"`        // worker poll interval (seconds)
	RetryBase           int                      `yaml:"retry_base"`           // first retry delay (seconds)
	RetryCap            int                      `yaml:"retry_cap"`            // retry delay ceiling (seconds)
	SweepInterval       int                      `yaml:"sweep_interval"`       // stale-pending sweep interval (seconds)
	ConfirmationTimeout int                      `yaml:"confirmation_timeout"` // pending transfers older than this are dead-lettered (seconds, 0 disables)
	Networks            map[string]NetworkConfig `yaml:"networks"`
}

// NetworkConfig NetworkConfiguration
type NetworkConfig struct {
	ChainID           uint64 `yaml:"chainId"`
	Name              string `yaml:"name"`
	RPCURL            string `yaml:"rpcUrl"`
	BridgeContract    string `yaml:"bridgeContract"`    // hub bridge contract address
	PrivateKey        string `yaml:"privateKey"`        // relayer key (hex, prefer RELAYER_PRIVATE_KEY_<CHAINID> env)
	GasPrice          string `yaml:"gasPrice"`          // Gas price (wei), "auto" for suggested
	GasLimit          uint64 `yaml:"gasLimit"`          // GasRestrict
	ConfirmTimeout    int    `yaml:"confirmTimeout"`    // receipt wait timeout (seconds)
	ConfirmationDepth uint64 `yaml:"confirmationDepth"` // blocks on top of a relay tx before it counts as final
	Enabled           bool   `yaml:"enabled"`
}

// ComplianceConfig Compliance rule configuration
type ComplianceConfig struct {
	MinAmount               uint64            `yaml:"min_amount"`
	MaxAmount               uint64            `yaml:"max_amount"`
	LevelLimits             map[string]uint64 `yaml:"level_limits"` // assurance level -> max amount
	RestrictedJurisdictions []string          `yaml:"restricted_jurisdictions"`
	RequireTwoFactor        bool              `yaml:"require_two_factor"`
	FeeBasisPoints          uint64            `yaml:"fee_basis_points"`
	RelayerFee              uint64            `yaml:"relayer_fee"` // flat fee added on top of the bps component
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`   // List of allowed origins
	AllowCredentials bool     `yaml:"allowCredentials"` // Whether to allow credentials
	MaxAge           int      `yaml:"maxAge"`           // Max age for preflight requests (seconds)
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"` // List of allowed IP addresses or CIDR ranges
}

var AppConfig *Config

// LoadConfig Load configuration file
func LoadConfig(configPath string) error {
	// ifconfiguration file pathempty，Use default path
	if configPath == "" {
		configPath = "config.yaml"
		// Checkwhetherexistsconfiguration file
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	// Readconfiguration file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	fmt.Printf("✅ [%s] Loading configuration from config file: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)

	// Overrideconfiguration
	overrideFromEnv(&config)
	applyDefaults(&config)

	// Debug：Ledgerconfiguration
	fmt.Printf("📋 [Config] Ledger loaded: treeDepth=%d, rootHistory=%d, registry=%s, sourceChain=%d\n",
		config.Ledger.TreeDepth, config.Ledger.RootHistory, config.Ledger.Registry, config.Ledger.SourceChainID)

	// Debug：Relayconfiguration
	enabled := 0
	for _, network := range config.Relay.Networks {
		if network.Enabled {
			enabled++
		}
	}
	fmt.Printf("📋 [Config] Relay loaded: threshold=%d/%d signers, %d/%d networks enabled, maxAttempts=%d\n",
		config.Relay.Threshold, len(config.Relay.Signers), enabled, len(config.Relay.Networks), config.Relay.MaxAttempts)

	// Debug: Admin configuration
	if len(config.Admin.AllowedIPs) > 0 {
		fmt.Printf("📋 [Config] Admin IP whitelist loaded: %d IPs/CIDRs configured\n", len(config.Admin.AllowedIPs))
		for i, ip := range config.Admin.AllowedIPs {
			fmt.Printf("   [%d] %s\n", i+1, ip)
		}
	} else {
		fmt.Printf("📋 [Config] Admin IP whitelist: not configured (localhost-only mode)\n")
	}

	// Debug: CORS configuration
	if len(config.CORS.AllowedOrigins) > 0 {
		fmt.Printf("📋 [Config] CORS allowed origins loaded: %d origins configured\n", len(config.CORS.AllowedOrigins))
		for i, origin := range config.CORS.AllowedOrigins {
			fmt.Printf("   [%d] %s\n", i+1, origin)
		}
		fmt.Printf("📋 [Config] CORS allowCredentials: %v, maxAge: %d seconds\n", config.CORS.AllowCredentials, config.CORS.MaxAge)
	} else {
		fmt.Printf("📋 [Config] CORS: not configured (will allow all origins *)\n")
	}

	AppConfig = &config
	return nil
}

// overrideFromEnv Overrideconfiguration
func overrideFromEnv(config *Config) {
	// DatabaseDSN
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}

	// server configuration
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	// NATSConfiguration
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}

	// RedisConfiguration
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		if host, port, ok := strings.Cut(redisAddr, ":"); ok {
			config.Redis.Host = host
			if p, err := strconv.Atoi(port); err == nil {
				config.Redis.Port = p
			}
		} else {
			config.Redis.Host = redisAddr
		}
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		config.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			config.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.Redis.Password = redisPassword
	}

	// BusConfiguration
	if busType := os.Getenv("BUS_TYPE"); busType != "" {
		config.Bus.Type = busType
	}

	// LedgerConfiguration
	if vkPath := os.Getenv("LEDGER_VERIFYING_KEY"); vkPath != "" {
		config.Ledger.VerifyingKeyPath = vkPath
	}
	if registry := os.Getenv("LEDGER_REGISTRY"); registry != "" {
		config.Ledger.Registry = registry
	}

	// RelayConfiguration
	if threshold := os.Getenv("RELAY_THRESHOLD"); threshold != "" {
		if t, err := strconv.Atoi(threshold); err == nil {
			config.Relay.Threshold = t
		}
	}
	if signers := os.Getenv("RELAY_SIGNERS"); signers != "" {
		parts := strings.Split(signers, ",")
		config.Relay.Signers = make([]string, 0, len(parts))
		for _, signer := range parts {
			if trimmed := strings.TrimSpace(signer); trimmed != "" {
				config.Relay.Signers = append(config.Relay.Signers, trimmed)
			}
		}
	}

	// RelayNetworkconfiguration
	for networkName, networkConfig := range config.Relay.Networks {
		// Relayer key from environment variables
		// Try chain-specific key first (e.g., RELAYER_PRIVATE_KEY_42161)
		envPrivateKey := fmt.Sprintf("RELAYER_PRIVATE_KEY_%d", networkConfig.ChainID)
		if privateKey := os.Getenv(envPrivateKey); privateKey != "" {
			networkConfig.PrivateKey = privateKey
			fmt.Printf("✅ [Config] Loaded relayer key for network '%s' from environment variable: %s\n", networkName, envPrivateKey)
		} else if privateKey := os.Getenv("RELAYER_PRIVATE_KEY"); privateKey != "" {
			// Fallback to generic RELAYER_PRIVATE_KEY
			networkConfig.PrivateKey = privateKey
			fmt.Printf("✅ [Config] Loaded relayer key for network '%s' from environment variable: RELAYER_PRIVATE_KEY\n", networkName)
		}

		// RPC endpoint read from environment variables
		envRPC := fmt.Sprintf("%s_RPC_URL", strings.ToUpper(networkName))
		if rpcURL := os.Getenv(envRPC); rpcURL != "" {
			networkConfig.RPCURL = rpcURL
		}

		// Bridge contract read from environment variables
		envBridge := fmt.Sprintf("%s_BRIDGE_CONTRACT", strings.ToUpper(networkName))
		if bridge := os.Getenv(envBridge); bridge != "" {
			networkConfig.BridgeContract = bridge
		}

		// Gas price read from environment variables
		envGasPrice := fmt.Sprintf("%s_GAS_PRICE", strings.ToUpper(networkName))
		if gasPrice := os.Getenv(envGasPrice); gasPrice != "" {
			networkConfig.GasPrice = gasPrice
		}

		// Gas limit read from environment variables
		envGasLimit := fmt.Sprintf("%s_GAS_LIMIT", strings.ToUpper(networkName))
		if gasLimit := os.Getenv(envGasLimit); gasLimit != "" {
			if limit, err := strconv.ParseUint(gasLimit, 10, 64); err == nil {
				networkConfig.GasLimit = limit
			}
		}

		// Updateconfiguration
		config.Relay.Networks[networkName] = networkConfig
	}

	// CORS Configuration
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		// Override YAML config with environment variable
		// Split comma-separated origins
		origins := strings.Split(corsOrigins, ",")
		config.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

// applyDefaults fills settings the stack shipped with when the config file
// leaves them unset. Networks are never defaulted; a relay worker only runs
// for an explicitly configured destination chain.
func applyDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "postgres"
	}
	if config.Bus.Type == "" {
		config.Bus.Type = "memory"
	}
	if config.Ledger.TreeDepth == 0 {
		config.Ledger.TreeDepth = 20
	}
	if config.Ledger.RootHistory == 0 {
		config.Ledger.RootHistory = 64
	}
	if config.Ledger.SourceChainID == 0 {
		config.Ledger.SourceChainID = 1
	}
	if config.Ledger.Registry == "" {
		config.Ledger.Registry = "postgres"
	}
	if config.Relay.MaxAttempts == 0 {
		config.Relay.MaxAttempts = 5
	}
	if config.Relay.PollInterval == 0 {
		config.Relay.PollInterval = 5
	}
	if config.Relay.RetryBase == 0 {
		config.Relay.RetryBase = 10
	}
	if config.Relay.RetryCap == 0 {
		config.Relay.RetryCap = 600
	}
	if config.Relay.SweepInterval == 0 {
		config.Relay.SweepInterval = 60
	}
	if config.Compliance.MinAmount == 0 {
		config.Compliance.MinAmount = 1000
	}
	if config.Compliance.MaxAmount == 0 {
		config.Compliance.MaxAmount = 1_000_000_000
	}
	if config.Compliance.FeeBasisPoints == 0 {
		config.Compliance.FeeBasisPoints = 25
	}
	if len(config.Compliance.RestrictedJurisdictions) == 0 {
		config.Compliance.RestrictedJurisdictions = []string{"KP", "IR", "SY"}
	}
}

// GetNetworkConfig GetNetworkconfiguration
func GetNetworkConfig(networkName string) (*NetworkConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	network, exists := AppConfig.Relay.Networks[networkName]
	if !exists {
		return nil, fmt.Errorf("network %s not found in config", networkName)
	}

	if !network.Enabled {
		return nil, fmt.Errorf("network %s is disabled", networkName)
	}

	return &network, nil
}

// GetNetworkConfigByChainID chain IDGetNetworkconfiguration
func GetNetworkConfigByChainID(chainID uint64) (*NetworkConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	for _, network := range AppConfig.Relay.Networks {
		if network.ChainID == chainID && network.Enabled {
			return &network, nil
		}
	}

	return nil, fmt.Errorf("network with chainID %d not found or disabled", chainID)
}

// EnabledNetworks lists the destination networks the relay should run workers for.
func EnabledNetworks() []NetworkConfig {
	if AppConfig == nil {
		return nil
	}

	networks := make([]NetworkConfig, 0, len(AppConfig.Relay.Networks))
	for _, network := range AppConfig.Relay.Networks {
		if network.Enabled {
			networks = append(networks, network)
		}
	}
	return networks
}
