package auth

import (
	"context"
	"fmt"

	"evalgo.org/fleetrent/internal/registry"
	"evalgo.org/fleetrent/models"
)

// NodeLookup loads registered nodes.
type NodeLookup interface {
	GetNode(ctx context.Context, id string) (*models.Node, error)
}

// NodeVerifier resolves node credentials for the gateway. It accepts node
// JWTs and nk_ API keys; either way the node must be registered, and a JWT
// must name the node's owner.
type NodeVerifier struct {
	secret string
	nodes  NodeLookup
}

// NewNodeVerifier returns a verifier checking tokens against secret.
func NewNodeVerifier(secret string, nodes NodeLookup) *NodeVerifier {
	return &NodeVerifier{secret: secret, nodes: nodes}
}

// Verify implements registry.IdentityVerifier.
func (v *NodeVerifier) Verify(ctx context.Context, credential string) (registry.Identity, error) {
	if credential == "" {
		return registry.Identity{}, fmt.Errorf("%w: empty credential", ErrInvalidCredentials)
	}

	if nodeID, ok := ParseNodeAPIKey(credential); ok {
		node, err := v.nodes.GetNode(ctx, nodeID)
		if err != nil {
			return registry.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		if node.APIKeyHash == "" || CompareAPIKey(credential, node.APIKeyHash) != nil {
			return registry.Identity{}, ErrInvalidCredentials
		}
		return registry.Identity{NodeID: node.ID, OwnerID: node.OwnerID}, nil
	}

	claims, err := ValidateNodeToken(v.secret, credential)
	if err != nil {
		return registry.Identity{}, err
	}
	node, err := v.nodes.GetNode(ctx, claims.NodeID)
	if err != nil {
		return registry.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if node.OwnerID != claims.OwnerID {
		return registry.Identity{}, fmt.Errorf("%w: owner mismatch for node %s", ErrInvalidCredentials, node.ID)
	}
	return registry.Identity{NodeID: node.ID, OwnerID: node.OwnerID}, nil
}
