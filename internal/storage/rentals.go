package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"evalgo.org/fleetrent/models"
)

// CreateRental inserts a rental.
func (s *Storage) CreateRental(ctx context.Context, rental *models.Rental) error {
	if err := s.db.WithContext(ctx).Create(rental).Error; err != nil {
		return fmt.Errorf("failed to create rental %s: %w", rental.ID, err)
	}
	return nil
}

// GetRental loads a rental by id.
func (s *Storage) GetRental(ctx context.Context, id string) (*models.Rental, error) {
	var rental models.Rental
	if err := s.db.WithContext(ctx).First(&rental, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "rental", id)
	}
	return &rental, nil
}

// ListRentalsByRenter returns a renter's rentals, newest first.
func (s *Storage) ListRentalsByRenter(ctx context.Context, renterID string) ([]models.Rental, error) {
	var rentals []models.Rental
	err := s.db.WithContext(ctx).
		Where("renter_id = ?", renterID).
		Order("start_time DESC").
		Find(&rentals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rentals for %s: %w", renterID, err)
	}
	return rentals, nil
}

// CountOpenRentalsForNode counts PENDING and ACTIVE rentals on a node.
func (s *Storage) CountOpenRentalsForNode(ctx context.Context, nodeID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Rental{}).
		Where("node_id = ? AND status IN ?", nodeID, []models.RentalStatus{models.RentalPending, models.RentalActive}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count rentals on node %s: %w", nodeID, err)
	}
	return n, nil
}

// ListPendingBefore returns PENDING rentals created before cutoff.
func (s *Storage) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.Rental, error) {
	var rentals []models.Rental
	err := s.db.WithContext(ctx).
		Where("status = ? AND start_time < ?", models.RentalPending, cutoff).
		Order("start_time").
		Find(&rentals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending rentals: %w", err)
	}
	return rentals, nil
}

// Activation is the node's confirmation that a rental's container runs.
type Activation struct {
	RentalID    string
	NodeID      string
	ContainerID string
	Connection  *models.ConnectionDescriptor
	StartedAt   time.Time
}

// ActivateRental moves a PENDING rental to ACTIVE and marks its node busy.
// It returns ErrConflict when the rental is not PENDING.
func (s *Storage) ActivateRental(ctx context.Context, a Activation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Rental{}).
			Where("id = ? AND status = ?", a.RentalID, models.RentalPending).
			Select("status", "container_id", "connection", "start_time").
			Updates(&models.Rental{
				Status:      models.RentalActive,
				ContainerID: a.ContainerID,
				Connection:  a.Connection,
				StartTime:   a.StartedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to activate rental %s: %w", a.RentalID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("rental %s is not pending: %w", a.RentalID, ErrConflict)
		}

		res = tx.Model(&models.Node{}).Where("id = ?", a.NodeID).Update("status", models.NodeBusy)
		if res.Error != nil {
			return fmt.Errorf("failed to mark node %s busy: %w", a.NodeID, res.Error)
		}
		return nil
	})
}

// AbortRental deletes a PENDING rental and releases its ports. It returns
// ErrConflict when the rental is no longer PENDING.
func (s *Storage) AbortRental(ctx context.Context, rentalID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND status = ?", rentalID, models.RentalPending).Delete(&models.Rental{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete rental %s: %w", rentalID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("rental %s is not pending: %w", rentalID, ErrConflict)
		}

		if _, err := releasePorts(tx, at, "rental_id = ?", rentalID); err != nil {
			return err
		}
		return nil
	})
}

// Settlement is the complete ledger effect of ending an ACTIVE rental.
type Settlement struct {
	RentalID     string
	NodeID       string
	RenterID     string
	OwnerID      string
	Status       models.RentalStatus
	EndTime      time.Time
	TotalCost    decimal.Decimal
	OwnerCredit  decimal.Decimal
	StopReason   string
	ErrorMessage string
}

// SettleRental applies a settlement in one transaction: the rental moves
// from ACTIVE to its final status, the renter is debited, the owner
// credited, the rental's ports released and a busy node set back online.
// It returns ErrConflict when the rental is not ACTIVE, in which case
// nothing is written.
func (s *Storage) SettleRental(ctx context.Context, st Settlement) error {
	if !st.Status.Terminal() {
		return fmt.Errorf("settlement status must be terminal, got %s", st.Status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		end := st.EndTime
		res := tx.Model(&models.Rental{}).
			Where("id = ? AND status = ?", st.RentalID, models.RentalActive).
			Select("status", "end_time", "total_cost", "stop_reason", "error_message").
			Updates(&models.Rental{
				Status:       st.Status,
				EndTime:      &end,
				TotalCost:    decimal.NewNullDecimal(st.TotalCost),
				StopReason:   st.StopReason,
				ErrorMessage: st.ErrorMessage,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to close rental %s: %w", st.RentalID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("rental %s is not active: %w", st.RentalID, ErrConflict)
		}

		if err := s.adjustBalance(tx, st.RenterID, st.TotalCost.Neg()); err != nil {
			return fmt.Errorf("failed to debit renter: %w", err)
		}
		if err := s.adjustBalance(tx, st.OwnerID, st.OwnerCredit); err != nil {
			return fmt.Errorf("failed to credit owner: %w", err)
		}

		if _, err := releasePorts(tx, st.EndTime, "rental_id = ?", st.RentalID); err != nil {
			return err
		}

		res = tx.Model(&models.Node{}).
			Where("id = ? AND status = ?", st.NodeID, models.NodeBusy).
			Update("status", models.NodeOnline)
		if res.Error != nil {
			return fmt.Errorf("failed to reset node %s: %w", st.NodeID, res.Error)
		}
		return nil
	})
}

// adjustBalance adds delta to an account balance inside tx. The balance is
// read, summed with decimal arithmetic and written back; postgres holds a
// row lock until the transaction ends, sqlite has a single writer.
func (s *Storage) adjustBalance(tx *gorm.DB, accountID string, delta decimal.Decimal) error {
	q := tx
	if s.driver == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account models.Account
	if err := q.Select("id", "balance").First(&account, "id = ?", accountID).Error; err != nil {
		return notFound(err, "account", accountID)
	}

	res := tx.Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("balance", account.Balance.Add(delta))
	if res.Error != nil {
		return fmt.Errorf("account %s: %w", accountID, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}
