package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/models"
)

const nodeSecret = "node-secret"

type nodeMap map[string]*models.Node

func (m nodeMap) GetNode(_ context.Context, id string) (*models.Node, error) {
	if n, ok := m[id]; ok {
		return n, nil
	}
	return nil, errors.New("not found")
}

func TestUserTokenRoundTrip(t *testing.T) {
	svc := NewJWTService(config.SecurityConfig{JWTSecret: "s", JWTExpiration: time.Hour})

	token, err := svc.GenerateUserToken("renter-1", models.RoleRenter)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "renter-1", claims.UserID)
	assert.Equal(t, models.RoleRenter, claims.Role)

	other := NewJWTService(config.SecurityConfig{JWTSecret: "other"})
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserTokenExpired(t *testing.T) {
	svc := &JWTService{secret: []byte("s"), expiration: -time.Minute}
	token, err := svc.GenerateUserToken("renter-1", models.RoleRenter)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestNodeTokenIsNotAUserToken(t *testing.T) {
	token, err := GenerateNodeToken("s", "node-1", "owner-1", 0)
	require.NoError(t, err)

	svc := NewJWTService(config.SecurityConfig{JWTSecret: "s"})
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseNodeAPIKey(t *testing.T) {
	key, err := GenerateNodeAPIKey("node.with.dots")
	require.NoError(t, err)

	id, ok := ParseNodeAPIKey(key)
	assert.True(t, ok)
	assert.Equal(t, "node.with.dots", id)

	for _, bad := range []string{"", "gk_abc", "nk_", "nk_node", "nk_.secret", "nk_node."} {
		_, ok := ParseNodeAPIKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestNodeVerifier(t *testing.T) {
	key, err := GenerateNodeAPIKey("node-1")
	require.NoError(t, err)
	hash, err := HashAPIKey(key)
	require.NoError(t, err)

	nodes := nodeMap{
		"node-1": {ID: "node-1", OwnerID: "owner-1", APIKeyHash: hash},
		"node-2": {ID: "node-2", OwnerID: "owner-2"},
	}
	v := NewNodeVerifier(nodeSecret, nodes)

	good, err := GenerateNodeToken(nodeSecret, "node-2", "owner-2", time.Hour)
	require.NoError(t, err)
	wrongOwner, err := GenerateNodeToken(nodeSecret, "node-2", "owner-1", time.Hour)
	require.NoError(t, err)
	unknown, err := GenerateNodeToken(nodeSecret, "node-9", "owner-2", time.Hour)
	require.NoError(t, err)
	forged, err := GenerateNodeToken("not-the-secret", "node-2", "owner-2", time.Hour)
	require.NoError(t, err)
	otherKey, err := GenerateNodeAPIKey("node-1")
	require.NoError(t, err)
	keyForKeylessNode, err := GenerateNodeAPIKey("node-2")
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
		wantNode   string
		wantErr    bool
	}{
		{"api key", key, "node-1", false},
		{"jwt", good, "node-2", false},
		{"empty", "", "", true},
		{"garbage", "not-a-token", "", true},
		{"owner mismatch", wrongOwner, "", true},
		{"unregistered node", unknown, "", true},
		{"forged signature", forged, "", true},
		{"rotated api key", otherKey, "", true},
		{"node without key", keyForKeylessNode, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(context.Background(), tt.credential)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNode, id.NodeID)
			assert.Equal(t, nodes[tt.wantNode].OwnerID, id.OwnerID)
		})
	}
}

func TestMiddleware(t *testing.T) {
	svc := NewJWTService(config.SecurityConfig{JWTSecret: "s", JWTExpiration: time.Hour})
	m := NewMiddleware(svc)

	renter, err := svc.GenerateUserToken("renter-1", models.RoleRenter)
	require.NoError(t, err)
	operator, err := svc.GenerateUserToken("op-1", models.RoleOperator)
	require.NoError(t, err)

	e := echo.New()
	handler := m.RequireAuth(m.RequireOperator(func(c echo.Context) error {
		id, _ := GetUserID(c)
		return c.String(http.StatusOK, id)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer abc", http.StatusUnauthorized},
		{"wrong role", "Bearer " + renter, http.StatusForbidden},
		{"operator", "Bearer " + operator, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler(c)
			if tt.want == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, "op-1", rec.Body.String())
				assert.True(t, IsOperator(c))
				return
			}
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.want, he.Code)
		})
	}
}
