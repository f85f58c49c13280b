package api

import (
	"time"

	"github.com/shopspring/decimal"

	"evalgo.org/fleetrent/internal/protocol"
	"evalgo.org/fleetrent/internal/telemetry"
	"evalgo.org/fleetrent/models"
)

// CreateRentalRequest is the body of POST /api/v1/rentals.
type CreateRentalRequest struct {
	// RenterID may only be set by operators acting for a renter
	RenterID       string                `json:"renter_id,omitempty" validate:"omitempty,max=64"`
	NodeID         string                `json:"node_id" validate:"required,max=64"`
	Image          string                `json:"image" validate:"required,image_ref"`
	ResourceLimits models.ResourceLimits `json:"resource_limits"`
	EnvVars        map[string]string     `json:"env_vars,omitempty" validate:"omitempty,max=64,dive,keys,required,max=128,endkeys,max=4096"`
	EstimatedHours decimal.Decimal       `json:"estimated_hours" validate:"decimal_gt0"`
}

// DrainRequest is the optional body of POST /api/v1/nodes/:id/drain.
type DrainRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=256"`
}

// NodeConfigRequest is the body of POST /api/v1/nodes/:id/config.
type NodeConfigRequest struct {
	HeartbeatIntervalMS  int      `json:"heartbeat_interval_ms" validate:"omitempty,min=1000,max=300000"`
	MaxConcurrentRentals int      `json:"max_concurrent_rentals" validate:"min=0"`
	AllowedImages        []string `json:"allowed_images" validate:"omitempty,dive,required,max=256"`
}

func (r NodeConfigRequest) agentConfig() protocol.AgentConfig {
	return protocol.AgentConfig{
		HeartbeatIntervalMS:  r.HeartbeatIntervalMS,
		MaxConcurrentRentals: r.MaxConcurrentRentals,
		AllowedImages:        r.AllowedImages,
	}
}

// NodeView is a node with its live connection state.
type NodeView struct {
	models.Node
	Connected     bool       `json:"connected"`
	SessionStatus string     `json:"session_status,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
}

// PaginatedResponse wraps a page of items.
type PaginatedResponse[T any] struct {
	Count  int `json:"count"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Items  []T `json:"items"`
}

// NodeMetricsResponse is the body of GET /api/v1/nodes/:id/metrics.
type NodeMetricsResponse struct {
	NodeID  string             `json:"node_id"`
	Count   int                `json:"count"`
	Samples []telemetry.Sample `json:"samples"`
}

// PortStatsResponse is the body of GET /api/v1/ports.
type PortStatsResponse struct {
	Start     int `json:"start"`
	End       int `json:"end"`
	Size      int `json:"size"`
	Available int `json:"available"`
	Active    int `json:"active"`
}

// DispatchResponse reports whether a command reached a node.
type DispatchResponse struct {
	NodeID  string `json:"node_id"`
	Command string `json:"command"`
	Sent    bool   `json:"sent"`
}
