package interfaces

import (
	"context"
	"time"
)

// Engine defines the lifecycle of a messaging engine
type Engine interface {
	// Start opens the store, rebuilds the registry and reconciles it
	Start(ctx context.Context) error

	// Stop gracefully stops background work and closes the store
	Stop(ctx context.Context) error

	// Health returns the engine health status
	Health() HealthStatus

	// GetStats returns engine statistics
	GetStats() *EngineStats
}

// HealthStatus represents engine health information
type HealthStatus struct {
	Status    string
	Uptime    time.Duration
	Errors    []string
	Warnings  []string
	Timestamp time.Time
}

// EngineStats provides registry statistics
type EngineStats struct {
	Uptime             time.Duration
	WarmStarted        bool
	Destinations       int
	LocalDestinations  int
	RemoteDestinations int
	Aliases            int
	Links              int
	MQLinks            int
	ForeignBuses       int
	PendingDeletion    int
	Corrupt            int
}
