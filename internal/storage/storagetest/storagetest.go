// Package storagetest opens throwaway sqlite ledgers for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/internal/storage"
	"evalgo.org/fleetrent/models"
)

// New returns a Storage backed by a sqlite file in t.TempDir().
func New(t testing.TB) *storage.Storage {
	t.Helper()

	s, err := storage.New(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "fleet.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Account inserts an account with the given balance.
func Account(t testing.TB, s *storage.Storage, id string, role models.Role, balance string) *models.Account {
	t.Helper()

	a := &models.Account{ID: id, Name: id, Role: role, Balance: decimal.RequireFromString(balance)}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

// Node inserts a node owned by ownerID with the given status and rate.
func Node(t testing.TB, s *storage.Storage, id, ownerID string, status models.NodeStatus, rate string) *models.Node {
	t.Helper()

	n := &models.Node{
		ID:         id,
		OwnerID:    ownerID,
		Name:       id,
		Status:     status,
		HourlyRate: decimal.RequireFromString(rate),
		Specs:      models.NodeSpecs{GPUModel: "RTX 4090", GPUCount: 1, CPUCores: 16, RAMGB: 64, DiskGB: 1000},
	}
	require.NoError(t, s.CreateNode(context.Background(), n))
	return n
}
