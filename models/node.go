package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NodeStatus is the persisted, advisory state of a node. Whether a node is
// reachable right now is decided by the connection registry, never by this
// field alone.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeBusy        NodeStatus = "busy"
	NodeMaintenance NodeStatus = "maintenance"
	NodeOffline     NodeStatus = "offline"
)

// Valid reports whether s is one of the known node statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeOnline, NodeBusy, NodeMaintenance, NodeOffline:
		return true
	}
	return false
}

// Reportable reports whether a node may announce s in a heartbeat.
// Offline is only ever derived by the server.
func (s NodeStatus) Reportable() bool {
	return s == NodeOnline || s == NodeBusy || s == NodeMaintenance
}

// Node is a provider machine registered with the fleet.
//
// Example JSON representation:
//
//	{
//	  "id": "node-7f3a",
//	  "owner_id": "acct-owner-1",
//	  "name": "rig-01",
//	  "status": "online",
//	  "hourly_rate": "2.5",
//	  "specs": {"gpu_model": "RTX 4090", "gpu_count": 2, "cpu_cores": 16},
//	  "last_heartbeat": "2026-01-02T15:04:05Z"
//	}
type Node struct {
	// ID is the opaque node identifier carried in node credentials
	ID string `json:"id" gorm:"primaryKey;size:64"`

	// OwnerID references the Account credited when the node is rented
	OwnerID string `json:"owner_id" gorm:"size:64;not null;index"`

	// Name is a human-readable label chosen by the owner
	Name string `json:"name" gorm:"size:128"`

	// Status is the last known state (online, busy, maintenance, offline)
	Status NodeStatus `json:"status" gorm:"size:16;not null;index"`

	// HourlyRate is the price per hour copied into each new rental
	HourlyRate decimal.Decimal `json:"hourly_rate" gorm:"type:text;not null"`

	// Specs describes the hardware offered by the node
	Specs NodeSpecs `json:"specs" gorm:"embedded;embeddedPrefix:spec_"`

	// LastHeartbeat is the time of the most recent heartbeat or connect
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// APIKeyHash is the bcrypt hash of the node's API key, if one was issued
	APIKeyHash string `json:"-" gorm:"size:128"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeSpecs is the typed hardware description of a node.
type NodeSpecs struct {
	GPUModel string `json:"gpu_model,omitempty" gorm:"size:128"`
	GPUCount int    `json:"gpu_count"`
	CPUCores int    `json:"cpu_cores"`
	RAMGB    int    `json:"ram_gb"`
	DiskGB   int    `json:"disk_gb"`
}
