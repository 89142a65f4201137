// Copyright 2026 Unicity Labs
//
// Package config loads the aggregator's environment-variable
// configuration (spec §6), with an optional YAML overlay for
// operational tuning knobs, in the same getEnv/getEnvInt/... idiom the
// reference validator service used for its own Config.Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized environment option from spec §6.
type Config struct {
	// Server
	Port          int
	SSLCertPath   string
	SSLKeyPath    string
	ConcurrencyLimit int

	// Block identity
	ChainID           int64
	Version           string
	ForkID            string
	InitialBlockHash  string

	// High availability
	DisableHighAvailability bool
	LockTTLSeconds          int
	LeaderHeartbeatIntervalMS int
	LeaderElectionPollingIntervalMS int

	// BFT anchor
	UseMockBFT      bool
	BFTPrivateKey   string
	BFTPartitionURL string
	BFTPartitionID  string
	BFTNetworkID    string

	// Storage
	StorageURI string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
	LogToFile bool

	// Round production: read from ROUND_DURATION_MS,
	// COMMITMENT_BATCH_SIZE and SMT_LOCK_TIMEOUT_MS, and also
	// overridable via CONFIG_FILE (see yaml.go)
	RoundDurationMS     int
	CommitmentBatchSize int
	SMTLockTimeoutMS    int
}

// Load populates Config from the process environment, applying the
// defaults spec §6 names, then layers an optional CONFIG_FILE YAML
// overlay for the operational tuning knobs (see yaml.go).
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnvInt("PORT", 80),
		SSLCertPath:      getEnv("SSL_CERT_PATH", ""),
		SSLKeyPath:       getEnv("SSL_KEY_PATH", ""),
		ConcurrencyLimit: getEnvInt("CONCURRENCY_LIMIT", 100),

		ChainID:          getEnvInt64("CHAIN_ID", 1),
		Version:          getEnv("VERSION", "1.0"),
		ForkID:           getEnv("FORK_ID", "genesis"),
		InitialBlockHash: getEnv("INITIAL_BLOCK_HASH", "185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969"),

		DisableHighAvailability:          getEnvBool("DISABLE_HIGH_AVAILABILITY", false),
		LockTTLSeconds:                   getEnvInt("LOCK_TTL_SECONDS", 30),
		LeaderHeartbeatIntervalMS:        getEnvInt("LEADER_HEARTBEAT_INTERVAL", 10000),
		LeaderElectionPollingIntervalMS:  getEnvInt("LEADER_ELECTION_POLLING_INTERVAL", 5000),

		UseMockBFT:      getEnvBool("USE_MOCK_BFT", true),
		BFTPrivateKey:   getEnv("BFT_PRIVATE_KEY", ""),
		BFTPartitionURL: getEnv("BFT_PARTITION_URL", ""),
		BFTPartitionID:  getEnv("BFT_PARTITION_ID", ""),
		BFTNetworkID:    getEnv("BFT_NETWORK_ID", ""),

		StorageURI: getEnv("STORAGE_URI", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogFile:   getEnv("LOG_FILE", ""),
		LogToFile: getEnvBool("LOG_TO_FILE", false),

		RoundDurationMS:     getEnvInt("ROUND_DURATION_MS", 1000),
		CommitmentBatchSize: getEnvInt("COMMITMENT_BATCH_SIZE", 1000),
		SMTLockTimeoutMS:    getEnvInt("SMT_LOCK_TIMEOUT_MS", 10000),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyYAMLOverlay(cfg, path); err != nil {
			return nil, fmt.Errorf("config: apply CONFIG_FILE overlay: %w", err)
		}
	}

	return cfg, nil
}

// Validate enforces the required fields for a production deployment.
func (c *Config) Validate() error {
	if c.StorageURI == "" {
		return fmt.Errorf("config: STORAGE_URI is required")
	}
	if !c.UseMockBFT && c.BFTPartitionURL == "" {
		return fmt.Errorf("config: BFT_PARTITION_URL is required when USE_MOCK_BFT is false")
	}
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("config: CONCURRENCY_LIMIT must be positive")
	}
	if c.LeaderHeartbeatIntervalMS*3 > c.LockTTLSeconds*1000 {
		return fmt.Errorf("config: LEADER_HEARTBEAT_INTERVAL must be well under LOCK_TTL_SECONDS (spec §4.5: heartbeatInterval << ttl)")
	}
	return nil
}

func (c *Config) RoundDuration() time.Duration {
	return time.Duration(c.RoundDurationMS) * time.Millisecond
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c *Config) LeaderHeartbeatInterval() time.Duration {
	return time.Duration(c.LeaderHeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) LeaderElectionPollingInterval() time.Duration {
	return time.Duration(c.LeaderElectionPollingIntervalMS) * time.Millisecond
}

func (c *Config) SMTLockTimeout() time.Duration {
	return time.Duration(c.SMTLockTimeoutMS) * time.Millisecond
}

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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
