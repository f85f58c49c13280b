// Package client is a Go client for the fleetrent REST API.
//
//	c, err := client.New("http://localhost:8080", client.WithToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r, err := c.CreateRental(ctx, client.CreateRentalRequest{
//	    NodeID:         "node-1",
//	    Image:          "pytorch/pytorch:latest",
//	    EstimatedHours: decimal.NewFromInt(2),
//	})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"evalgo.org/fleetrent/models"
)

// Client calls the fleetrent API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates every request with a user token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode  int               `json:"code"`
	Message     string            `json:"message"`
	Details     string            `json:"details,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an API error with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// CreateRentalRequest is the body of a rental request. RenterID may only be
// set by operators.
type CreateRentalRequest struct {
	RenterID       string                `json:"renter_id,omitempty"`
	NodeID         string                `json:"node_id"`
	Image          string                `json:"image"`
	ResourceLimits models.ResourceLimits `json:"resource_limits"`
	EnvVars        map[string]string     `json:"env_vars,omitempty"`
	EstimatedHours decimal.Decimal       `json:"estimated_hours"`
}

// Page is one page of a list response.
type Page[T any] struct {
	Count  int `json:"count"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Items  []T `json:"items"`
}

// ListOptions filter and page list calls. Zero values use server defaults.
type ListOptions struct {
	Limit  int
	Offset int

	// Status filters rentals by status
	Status models.RentalStatus
	// RenterID lists another renter's rentals (operators only)
	RenterID string
	// ConnectedOnly lists only nodes with a live session
	ConnectedOnly bool
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Status != "" {
		q.Set("status", string(o.Status))
	}
	if o.RenterID != "" {
		q.Set("renter_id", o.RenterID)
	}
	if o.ConnectedOnly {
		q.Set("connected", "true")
	}
	return q
}

// Node is a registered node with its live session state.
type Node struct {
	models.Node
	Connected     bool       `json:"connected"`
	SessionStatus string     `json:"session_status,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
}

// PortStats describes the public port range.
type PortStats struct {
	Start     int `json:"start"`
	End       int `json:"end"`
	Size      int `json:"size"`
	Available int `json:"available"`
	Active    int `json:"active"`
}

// Dispatch reports a command sent to a node.
type Dispatch struct {
	NodeID  string `json:"node_id"`
	Command string `json:"command"`
	Sent    bool   `json:"sent"`
}

// CreateRental requests a rental and returns it in PENDING state.
func (c *Client) CreateRental(ctx context.Context, req CreateRentalRequest) (*models.Rental, error) {
	var r models.Rental
	if err := c.do(ctx, http.MethodPost, "/api/v1/rentals", nil, req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRental fetches one rental.
func (c *Client) GetRental(ctx context.Context, id string) (*models.Rental, error) {
	var r models.Rental
	if err := c.do(ctx, http.MethodGet, "/api/v1/rentals/"+url.PathEscape(id), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRentals lists the caller's rentals.
func (c *Client) ListRentals(ctx context.Context, opts ListOptions) (*Page[models.Rental], error) {
	var p Page[models.Rental]
	if err := c.do(ctx, http.MethodGet, "/api/v1/rentals", opts.query(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// StopRental stops and settles a rental.
func (c *Client) StopRental(ctx context.Context, id string) (*models.Rental, error) {
	var r models.Rental
	if err := c.do(ctx, http.MethodPost, "/api/v1/rentals/"+url.PathEscape(id)+"/stop", nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListNodes lists registered nodes (operators only).
func (c *Client) ListNodes(ctx context.Context, opts ListOptions) (*Page[Node], error) {
	var p Page[Node]
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes", opts.query(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DrainNode tells a connected node to stop accepting rentals.
func (c *Client) DrainNode(ctx context.Context, id, reason string) (*Dispatch, error) {
	var d Dispatch
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes/"+url.PathEscape(id)+"/drain", nil, body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PortStats reports on the public port range (operators only).
func (c *Client) PortStats(ctx context.Context) (*PortStats, error) {
	var s PortStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/ports", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
