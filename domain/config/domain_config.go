package config

import (
	"errors"
	"time"
)

// DomainConfig holds all configurable history rules and constraints
type DomainConfig struct {
	// Document constraints
	MaxNodesPerDocument int
	MaxEdgesPerDocument int
	MaxContentLength    int
	MaxMetadataKeys     int

	// Snapshot constraints
	MaxSnapshotBytes    int64
	AutoCheckpoint      bool
	AutoCheckpointEvery int

	// Timeline presentation
	DefaultTimelineLimit int
	MaxTimelineLimit     int
	GroupingWindow       time.Duration
	GroupExpandThreshold int

	// Retention
	RetentionPeriod time.Duration

	// Replay
	ReplayCacheTTL   time.Duration
	MaxNavigationHop int

	// Validation settings
	AllowSelfConnections bool
}

// DefaultDomainConfig returns the default domain configuration
func DefaultDomainConfig() *DomainConfig {
	return &DomainConfig{
		MaxNodesPerDocument: 10000,
		MaxEdgesPerDocument: 50000,
		MaxContentLength:    50000,
		MaxMetadataKeys:     64,

		MaxSnapshotBytes:    5 * 1024 * 1024,
		AutoCheckpoint:      true,
		AutoCheckpointEvery: 50,

		DefaultTimelineLimit: 50,
		MaxTimelineLimit:     100,
		GroupingWindow:       5 * time.Minute,
		GroupExpandThreshold: 3,

		RetentionPeriod: 90 * 24 * time.Hour,

		ReplayCacheTTL:   10 * time.Minute,
		MaxNavigationHop: 64,

		AllowSelfConnections: false,
	}
}

// ProductionDomainConfig returns production-specific configuration
func ProductionDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()

	// Tighter payloads keep DynamoDB items and transactions in budget
	config.MaxSnapshotBytes = 2 * 1024 * 1024
	config.MaxContentLength = 20000
	config.RetentionPeriod = 30 * 24 * time.Hour

	return config
}

// DevelopmentDomainConfig returns development-specific configuration
func DevelopmentDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()

	config.MaxNodesPerDocument = 100000
	config.MaxEdgesPerDocument = 500000
	config.AutoCheckpointEvery = 10
	config.AllowSelfConnections = true

	return config
}

// LoadDomainConfig loads domain configuration based on environment
func LoadDomainConfig(environment string) *DomainConfig {
	switch environment {
	case "production":
		return ProductionDomainConfig()
	case "development":
		return DevelopmentDomainConfig()
	default:
		return DefaultDomainConfig()
	}
}

// Validate checks if the configuration is valid
func (c *DomainConfig) Validate() error {
	if c.MaxTimelineLimit <= 0 || c.MaxTimelineLimit > 100 {
		return errors.New("max timeline limit must be between 1 and 100")
	}
	if c.DefaultTimelineLimit <= 0 || c.DefaultTimelineLimit > c.MaxTimelineLimit {
		return errors.New("default timeline limit must be positive and not exceed the maximum")
	}
	if c.AutoCheckpoint && c.AutoCheckpointEvery <= 0 {
		return errors.New("auto checkpoint interval must be positive")
	}
	if c.GroupingWindow < 0 {
		return errors.New("grouping window cannot be negative")
	}
	if c.RetentionPeriod < 0 {
		return errors.New("retention period cannot be negative")
	}
	return nil
}
