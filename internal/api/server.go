// Package api provides the fleet's HTTP surface: the renter and operator
// REST API under /api/v1 and the /fleet websocket gateway nodes connect to.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"evalgo.org/fleetrent/internal/auth"
	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/internal/events"
	"evalgo.org/fleetrent/internal/metrics"
	"evalgo.org/fleetrent/internal/registry"
	"evalgo.org/fleetrent/internal/rental"
	"evalgo.org/fleetrent/internal/telemetry"
	"evalgo.org/fleetrent/internal/validation"
	"evalgo.org/fleetrent/internal/version"
	"evalgo.org/fleetrent/models"
)

// RentalService is the part of the rental engine the API drives.
type RentalService interface {
	CreateRental(ctx context.Context, req rental.CreateRequest) (*models.Rental, error)
	Get(ctx context.Context, rentalID string) (*models.Rental, error)
	ListByRenter(ctx context.Context, renterID string) ([]models.Rental, error)
	StopRental(ctx context.Context, rentalID, requesterID string) (*models.Rental, error)
	ForceStopRental(ctx context.Context, rentalID string) (*models.Rental, error)
	OnInstanceStarted(ctx context.Context, rentalID, containerID string, reported *models.ConnectionDescriptor) error
	OnInstanceStopped(ctx context.Context, rentalID, reason, errorMessage string) error
}

// NodeStore lists registered nodes and reports database health.
type NodeStore interface {
	ListNodes(ctx context.Context) ([]models.Node, error)
	GetNode(ctx context.Context, id string) (*models.Node, error)
	Health(ctx context.Context) map[string]string
}

// PortStats reports on the public port range.
type PortStats interface {
	Range() (start, end int)
	Size() int
	AvailableCount(ctx context.Context) (int, error)
}

// TelemetryReader serves recent heartbeat samples.
type TelemetryReader interface {
	Recent(nodeID string, limit int) ([]telemetry.Sample, error)
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store     NodeStore
	Rentals   RentalService
	Registry  *registry.Registry
	Ports     PortStats
	Telemetry TelemetryReader
	Metrics   *metrics.Collectors
	Events    events.Publisher
	Logger    *zap.Logger
}

// Server represents the fleet API server.
type Server struct {
	echo       *echo.Echo
	config     *config.Config
	store      NodeStore
	rentals    RentalService
	registry   *registry.Registry
	ports      PortStats
	telemetry  TelemetryReader
	metrics    *metrics.Collectors
	authMiddle *auth.Middleware
	gateway    *Gateway
	logger     *zap.Logger
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Deps) *Server {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Validator = validation.New()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	ev := deps.Events
	if ev == nil {
		ev = events.Nop{}
	}

	s := &Server{
		echo:       e,
		config:     cfg,
		store:      deps.Store,
		rentals:    deps.Rentals,
		registry:   deps.Registry,
		ports:      deps.Ports,
		telemetry:  deps.Telemetry,
		metrics:    deps.Metrics,
		authMiddle: auth.NewMiddleware(auth.NewJWTService(cfg.Security)),
		logger:     logger,
	}
	s.gateway = NewGateway(deps.Registry, deps.Rentals,
		WithGatewayEvents(ev),
		WithGatewayLogger(logger),
		WithSendQueue(cfg.Registry.SendQueue),
	)

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(RequestLogger(s.logger))
	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return c.Path() == "/fleet" },
			Store: middleware.NewRateLimiterMemoryStore(
				rate.Limit(s.config.Security.RateLimit),
			),
		}))
	}

	s.echo.Use(ValidateContentType)
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	// API documentation is public; the endpoints it describes are not
	s.echo.GET("/docs/*", echoSwagger.WrapHandler)

	// Node gateway, authenticated by the node credential
	s.echo.GET("/fleet", s.gateway.Handle)

	v1 := s.echo.Group("/api/v1", ValidateAcceptHeader, s.authMiddle.RequireAuth)

	rentals := v1.Group("/rentals", s.authMiddle.RequireRole(models.RoleRenter, models.RoleOperator))
	rentals.POST("", s.createRental)
	rentals.GET("", s.listRentals)
	rentals.GET("/:id", s.getRental, ValidateIDFormat)
	rentals.POST("/:id/stop", s.stopRental, ValidateIDFormat)

	nodes := v1.Group("/nodes", s.authMiddle.RequireOperator)
	nodes.GET("", s.listNodes)
	nodes.GET("/:id/metrics", s.nodeMetrics, ValidateIDFormat)
	nodes.POST("/:id/drain", s.drainNode, ValidateIDFormat)
	nodes.POST("/:id/config", s.updateNodeConfig, ValidateIDFormat)

	v1.GET("/ports", s.portStats, s.authMiddle.RequireOperator)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.logger.Info("starting fleet API server",
		zap.String("address", addr),
		zap.String("database", s.config.Database.Driver),
		zap.Bool("tls", s.config.Server.TLSEnabled),
		zap.Bool("debug", s.config.Server.Debug),
	)

	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	if s.config.Server.TLSEnabled {
		return s.echo.StartTLS(addr, s.config.Server.TLSCert, s.config.Server.TLSKey)
	}

	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, then closes every node session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down fleet API server")

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}

	// hijacked websocket connections outlive echo.Shutdown
	s.gateway.Close()
	return nil
}

// healthCheck handles health check requests.
func (s *Server) healthCheck(c echo.Context) error {
	db := s.store.Health(c.Request().Context())

	status, code := "healthy", http.StatusOK
	if db["status"] != "up" {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	return c.JSON(code, map[string]interface{}{
		"status":          status,
		"service":         "fleetrent",
		"version":         version.Get().Short(),
		"database":        db,
		"connected_nodes": len(s.registry.ListConnectedIDs()),
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}

// ServeHTTP allows Server to implement http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
