package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"evalgo.org/fleetrent/models"
)

// ActivePorts returns the active ports within [start, end], ascending.
func (s *Storage) ActivePorts(ctx context.Context, start, end int) ([]int, error) {
	var ports []int
	err := s.db.WithContext(ctx).Model(&models.PortAllocation{}).
		Where("active = ? AND port BETWEEN ? AND ?", true, start, end).
		Order("port").
		Pluck("port", &ports).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active ports: %w", err)
	}
	return ports, nil
}

// ClaimPort atomically marks port active for nodeID/rentalID. It
// reactivates an inactive row or inserts the first row for the port, and
// reports false without error when another writer holds the port.
func (s *Storage) ClaimPort(ctx context.Context, port int, nodeID, rentalID string, at time.Time) (bool, error) {
	db := s.db.WithContext(ctx)

	res := db.Model(&models.PortAllocation{}).
		Where("port = ? AND active = ?", port, false).
		Updates(map[string]any{
			"active":       true,
			"node_id":      nodeID,
			"rental_id":    rentalID,
			"allocated_at": at,
			"released_at":  nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reactivate port %d: %w", port, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.PortAllocation{
		Port:        port,
		NodeID:      nodeID,
		RentalID:    rentalID,
		Active:      true,
		AllocatedAt: &at,
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert port %d: %w", port, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleasePort deactivates one port.
func (s *Storage) ReleasePort(ctx context.Context, port int, at time.Time) (int64, error) {
	return releasePorts(s.db.WithContext(ctx), at, "port = ?", port)
}

// ReleasePortsByRental deactivates every port held by a rental.
func (s *Storage) ReleasePortsByRental(ctx context.Context, rentalID string, at time.Time) (int64, error) {
	return releasePorts(s.db.WithContext(ctx), at, "rental_id = ?", rentalID)
}

// ReleasePortsByNode deactivates every port held for a node.
func (s *Storage) ReleasePortsByNode(ctx context.Context, nodeID string, at time.Time) (int64, error) {
	return releasePorts(s.db.WithContext(ctx), at, "node_id = ?", nodeID)
}

// PortActive reports whether port has an active allocation.
func (s *Storage) PortActive(ctx context.Context, port int) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PortAllocation{}).
		Where("port = ? AND active = ?", port, true).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check port %d: %w", port, err)
	}
	return n > 0, nil
}

// CountActivePorts counts active allocations within [start, end].
func (s *Storage) CountActivePorts(ctx context.Context, start, end int) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PortAllocation{}).
		Where("active = ? AND port BETWEEN ? AND ?", true, start, end).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active ports: %w", err)
	}
	return n, nil
}

// GetPortAllocation loads the allocation row of a port, active or not.
func (s *Storage) GetPortAllocation(ctx context.Context, port int) (*models.PortAllocation, error) {
	var pa models.PortAllocation
	if err := s.db.WithContext(ctx).First(&pa, "port = ?", port).Error; err != nil {
		return nil, notFound(err, "port", fmt.Sprint(port))
	}
	return &pa, nil
}

// ReleaseOrphanedPorts deactivates active rows claimed before cutoff whose
// rental row does not exist. Ports are claimed before the rental is
// inserted, so a crash in between leaves such rows behind.
func (s *Storage) ReleaseOrphanedPorts(ctx context.Context, cutoff, at time.Time) (int64, error) {
	rentals := s.db.Model(&models.Rental{}).Select("id")
	return releasePorts(s.db.WithContext(ctx), at,
		"allocated_at < ? AND rental_id <> '' AND rental_id NOT IN (?)", cutoff, rentals)
}

// releasePorts deactivates active rows matching the condition. It is used
// directly and from inside settlement transactions.
func releasePorts(db *gorm.DB, at time.Time, query string, args ...any) (int64, error) {
	res := db.Model(&models.PortAllocation{}).
		Where("active = ?", true).
		Where(query, args...).
		Updates(map[string]any{
			"active":      false,
			"released_at": at,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release ports: %w", res.Error)
	}
	return res.RowsAffected, nil
}
