package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RentalStatus is the lifecycle state of a rental.
//
//	PENDING --start confirmed--> ACTIVE --stopped--> COMPLETED | CANCELLED
//
// A PENDING rental that cannot be started is deleted, not persisted in a
// failed state.
type RentalStatus string

const (
	RentalPending   RentalStatus = "PENDING"
	RentalActive    RentalStatus = "ACTIVE"
	RentalCompleted RentalStatus = "COMPLETED"
	RentalCancelled RentalStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s RentalStatus) Terminal() bool {
	return s == RentalCompleted || s == RentalCancelled
}

// Rental is a lease of one node by one renter.
type Rental struct {
	// ID is the rental identifier, also used to correlate node events
	ID string `json:"id" gorm:"primaryKey;size:64"`

	// NodeID references the rented node
	NodeID string `json:"node_id" gorm:"size:64;not null;index"`

	// RenterID references the paying account
	RenterID string `json:"renter_id" gorm:"size:64;not null;index"`

	// Image is the container image the node runs for this rental
	Image string `json:"image" gorm:"size:256;not null"`

	// CostPerHour is fixed when the rental is created
	CostPerHour decimal.Decimal `json:"cost_per_hour" gorm:"type:text;not null"`

	// EstimatedHours is the duration the balance check was made against
	EstimatedHours decimal.Decimal `json:"estimated_hours" gorm:"type:text;not null"`

	// StartTime is the creation time, reset when the node confirms the start
	StartTime time.Time `json:"start_time" gorm:"not null"`

	// EndTime is set when the rental settles
	EndTime *time.Time `json:"end_time,omitempty"`

	// TotalCost is set when the rental settles
	TotalCost decimal.NullDecimal `json:"total_cost" gorm:"type:text"`

	// Status is PENDING, ACTIVE, COMPLETED or CANCELLED
	Status RentalStatus `json:"status" gorm:"size:16;not null;index"`

	// ContainerID is the execution handle reported by the node
	ContainerID string `json:"container_id,omitempty" gorm:"size:128"`

	// Connection tells the renter how to reach the running instance
	Connection *ConnectionDescriptor `json:"connection,omitempty" gorm:"serializer:json"`

	// ResourceLimits constrain the container on the node
	ResourceLimits ResourceLimits `json:"resource_limits" gorm:"serializer:json"`

	// EnvVars are passed to the container
	EnvVars map[string]string `json:"env_vars,omitempty" gorm:"serializer:json"`

	// PortMapping maps container ports to the reserved public ports
	PortMapping PortMapping `json:"port_mapping" gorm:"serializer:json"`

	// StopReason is requested, error or timeout once stopped
	StopReason string `json:"stop_reason,omitempty" gorm:"size:16"`

	// ErrorMessage is the node-reported failure, if any
	ErrorMessage string `json:"error_message,omitempty" gorm:"size:1024"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResourceLimits constrain a rental's container.
type ResourceLimits struct {
	GPUIndices []string `json:"gpu_indices"`
	CPUCores   int      `json:"cpu_cores"`
	RAMLimit   string   `json:"ram_limit"`
	DiskLimit  string   `json:"disk_limit,omitempty"`
}

// ConnectionDescriptor is the renter-facing description of how to reach a
// running rental through the tunnel server.
type ConnectionDescriptor struct {
	Host            string         `json:"host"`
	SSHPort         int            `json:"ssh_port"`
	SSHUser         string         `json:"ssh_user"`
	NotebookURL     string         `json:"notebook_url,omitempty"`
	AdditionalPorts map[string]int `json:"additional_ports,omitempty"`
}
