package models

import "time"

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Settlement SettlementConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	SeedPlatform    bool
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	MetricsEnabled  bool
}

// SettlementConfig holds cascade worker and T1 batch settings
type SettlementConfig struct {
	ServicesFile        string
	CascadeInterval     time.Duration
	CascadeMaxAttempts  int
	CascadeBatchSize    int
	HoldReleaseInterval time.Duration
	HoldMinAge          time.Duration
}
