package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies what an account may do through the API.
type Role string

const (
	RoleRenter   Role = "renter"
	RoleOwner    Role = "owner"
	RoleOperator Role = "operator"
)

// Account is an entry in the owner/renter directory. Renters are debited
// and node owners credited when a rental settles.
type Account struct {
	// ID is the account identifier used as the subject of user tokens
	ID string `json:"id" gorm:"primaryKey;size:64"`

	// Name is a display name
	Name string `json:"name" gorm:"size:128"`

	// Role is renter, owner or operator
	Role Role `json:"role" gorm:"size:16;not null;default:renter"`

	// Balance may go negative when a rental outlives its estimate. Money
	// columns hold the exact decimal string; arithmetic happens in Go.
	Balance decimal.Decimal `json:"balance" gorm:"type:text;not null"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
