package storage

import (
	"context"
	"fmt"

	"evalgo.org/fleetrent/models"
)

// CreateAccount inserts an account.
func (s *Storage) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.Role == "" {
		account.Role = models.RoleRenter
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create account %s: %w", account.ID, err)
	}
	return nil
}

// GetAccount loads an account by id.
func (s *Storage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "account", id)
	}
	return &account, nil
}
