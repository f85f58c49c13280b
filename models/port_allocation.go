package models

import "time"

// PortAllocation is the reservation record for one public port. Rows are
// never deleted: releasing a port clears Active and stamps ReleasedAt, and
// a later allocation reactivates the same row.
type PortAllocation struct {
	// Port is the public port number and the primary key
	Port int `json:"port" gorm:"primaryKey;autoIncrement:false"`

	// NodeID is the node the port tunnels to
	NodeID string `json:"node_id,omitempty" gorm:"size:64;index"`

	// RentalID is the rental the port was reserved for, if any
	RentalID string `json:"rental_id,omitempty" gorm:"size:64;index"`

	// Active is true while the port is reserved
	Active bool `json:"active" gorm:"not null;index"`

	AllocatedAt *time.Time `json:"allocated_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}
