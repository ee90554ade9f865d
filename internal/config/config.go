package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Provider ProviderConfig
	Operator OperatorConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds PostgreSQL configuration. An empty Host means the
// service runs with the in-memory submission registry instead.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ChainConfig holds configuration for the EVM chain carrying the oracle
type ChainConfig struct {
	Name                string
	ChainID             int64
	RPCEndpoint         string
	OracleAddress       string        // zkTLS oracle contract address
	ConfirmationTimeout time.Duration // how long to wait for a receipt
	ConfirmationPoll    time.Duration // receipt polling interval
	ReconcileInterval   time.Duration // timed-out submission recheck interval
}

// ProviderConfig holds verification provider (prover) configuration
type ProviderConfig struct {
	APIEndpoint    string        // provider session API base URL
	AppID          string
	AppSecret      string        // never logged
	SessionTimeout time.Duration // max wait for a proof per session
	PollInterval   time.Duration // session status polling interval
}

// OperatorConfig holds the signing identity configuration
type OperatorConfig struct {
	PrivateKey string // hex-encoded, for signing oracle transactions
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "oracle_bridge"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Chain: ChainConfig{
			Name:                getEnv("CHAIN_NAME", "base-sepolia"),
			ChainID:             int64(getEnvInt("CHAIN_ID", 84532)),
			RPCEndpoint:         getEnv("CHAIN_RPC_ENDPOINT", ""),
			OracleAddress:       getEnv("ORACLE_CONTRACT_ADDRESS", ""),
			ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", 2*time.Minute),
			ConfirmationPoll:    getEnvDuration("CONFIRMATION_POLL_INTERVAL", 2*time.Second),
			ReconcileInterval:   getEnvDuration("RECONCILE_POLL_INTERVAL", 30*time.Second),
		},
		Provider: ProviderConfig{
			APIEndpoint:    getEnv("RECLAIM_API_ENDPOINT", "https://api.reclaimprotocol.org"),
			AppID:          getEnv("RECLAIM_APP_ID", ""),
			AppSecret:      getEnv("RECLAIM_APP_SECRET", ""),
			SessionTimeout: getEnvDuration("SESSION_TIMEOUT", 5*time.Minute),
			PollInterval:   getEnvDuration("SESSION_POLL_INTERVAL", 3*time.Second),
		},
		Operator: OperatorConfig{
			PrivateKey: getEnv("OPERATOR_PRIVATE_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Chain.RPCEndpoint == "" {
		return fmt.Errorf("chain RPC endpoint is required")
	}

	if c.Chain.OracleAddress == "" {
		return fmt.Errorf("oracle contract address is required")
	}

	if c.Operator.PrivateKey == "" {
		return fmt.Errorf("operator private key is required")
	}

	if c.Provider.AppID == "" || c.Provider.AppSecret == "" {
		return fmt.Errorf("provider app credentials are required")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
