package storage

import (
	"context"
	"fmt"
	"time"

	"evalgo.org/fleetrent/models"
)

// CreateNode inserts a node.
func (s *Storage) CreateNode(ctx context.Context, node *models.Node) error {
	if node.Status == "" {
		node.Status = models.NodeOffline
	}
	if err := s.db.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("failed to create node %s: %w", node.ID, err)
	}
	return nil
}

// GetNode loads a node by id.
func (s *Storage) GetNode(ctx context.Context, id string) (*models.Node, error) {
	var node models.Node
	if err := s.db.WithContext(ctx).First(&node, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "node", id)
	}
	return &node, nil
}

// ListNodes returns every node ordered by id.
func (s *Storage) ListNodes(ctx context.Context) ([]models.Node, error) {
	var nodes []models.Node
	if err := s.db.WithContext(ctx).Order("id").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// MarkNodeOnline records a fresh connection.
func (s *Storage) MarkNodeOnline(ctx context.Context, id string, at time.Time) error {
	return s.updateNode(ctx, id, map[string]any{
		"status":         models.NodeOnline,
		"last_heartbeat": at,
	})
}

// MarkNodeOffline records a lost connection or an expired heartbeat.
func (s *Storage) MarkNodeOffline(ctx context.Context, id string) error {
	return s.updateNode(ctx, id, map[string]any{"status": models.NodeOffline})
}

// RecordNodeHeartbeat stores the reported status and heartbeat time.
func (s *Storage) RecordNodeHeartbeat(ctx context.Context, id string, status models.NodeStatus, at time.Time) error {
	return s.updateNode(ctx, id, map[string]any{
		"status":         status,
		"last_heartbeat": at,
	})
}

// SetNodeStatus overwrites a node's status.
func (s *Storage) SetNodeStatus(ctx context.Context, id string, status models.NodeStatus) error {
	return s.updateNode(ctx, id, map[string]any{"status": status})
}

// SetNodeAPIKeyHash stores the bcrypt hash of a node API key.
func (s *Storage) SetNodeAPIKeyHash(ctx context.Context, id, hash string) error {
	return s.updateNode(ctx, id, map[string]any{"api_key_hash": hash})
}

func (s *Storage) updateNode(ctx context.Context, id string, values map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.Node{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to update node %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}
