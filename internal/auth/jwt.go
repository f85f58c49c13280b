// Package auth provides authentication for fleetrent: JWT user tokens for
// the REST API, and JWT tokens or bcrypt-hashed API keys for nodes
// connecting to the /fleet gateway.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/models"
)

var (
	// ErrInvalidToken is returned when a JWT token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a JWT token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidCredentials is returned when a node credential does not match
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	userIssuer = "fleetrent"
	nodeIssuer = "fleetrent-node"

	// NodeKeyPrefix starts every node API key: nk_<nodeID>.<secret>
	NodeKeyPrefix = "nk_"
)

// Claims represents user token claims
type Claims struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// NodeClaims represents node token claims
type NodeClaims struct {
	NodeID  string `json:"node_id"`
	OwnerID string `json:"owner_id"`
	jwt.RegisteredClaims
}

// JWTService issues and validates user tokens
type JWTService struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTService creates a new JWT service
func NewJWTService(cfg config.SecurityConfig) *JWTService {
	exp := cfg.JWTExpiration
	if exp <= 0 {
		exp = 24 * time.Hour
	}
	return &JWTService{secret: []byte(cfg.JWTSecret), expiration: exp}
}

// GenerateUserToken generates an access token for an account
func (s *JWTService) GenerateUserToken(accountID string, role models.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: accountID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    userIssuer,
			Subject:   accountID,
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a user token and returns its claims
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := parse(tokenString, claims, s.secret, userIssuer); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// GenerateNodeToken generates a node credential. A zero expiration yields a
// token that does not expire.
func GenerateNodeToken(secret, nodeID, ownerID string, expiration time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("node token secret is required")
	}
	if nodeID == "" {
		return "", fmt.Errorf("node id is required")
	}

	now := time.Now()
	claims := NodeClaims{
		NodeID:  nodeID,
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    nodeIssuer,
			Subject:   nodeID,
		},
	}
	if expiration > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiration))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateNodeToken validates a node credential and returns its claims
func ValidateNodeToken(secret, tokenString string) (*NodeClaims, error) {
	claims := &NodeClaims{}
	if err := parse(tokenString, claims, []byte(secret), nodeIssuer); err != nil {
		return nil, err
	}
	if claims.NodeID == "" || claims.Subject != claims.NodeID {
		return nil, fmt.Errorf("%w: node id does not match subject", ErrInvalidToken)
	}
	return claims, nil
}

func parse(tokenString string, claims jwt.Claims, secret []byte, issuer string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// GenerateNodeAPIKey generates a random API key bound to nodeID
func GenerateNodeAPIKey(nodeID string) (string, error) {
	if nodeID == "" {
		return "", fmt.Errorf("node id is required")
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return NodeKeyPrefix + nodeID + "." + base64.RawURLEncoding.EncodeToString(b), nil
}

// ParseNodeAPIKey returns the node id embedded in an API key
func ParseNodeAPIKey(key string) (string, bool) {
	if !strings.HasPrefix(key, NodeKeyPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, NodeKeyPrefix)
	i := strings.LastIndex(rest, ".")
	if i <= 0 || i == len(rest)-1 {
		return "", false
	}
	return rest[:i], true
}

// HashAPIKey hashes an API key for storage
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// CompareAPIKey compares an API key with its hash
func CompareAPIKey(key, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}
