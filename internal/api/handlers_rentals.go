package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/fleetrent/internal/auth"
	"evalgo.org/fleetrent/internal/rental"
	"evalgo.org/fleetrent/models"
)

// createRental handles POST /api/v1/rentals
// @Summary Create a rental
// @Description Reserve ports on a node and ask it to start the container. The rental stays PENDING until the node confirms.
// @Tags Rentals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param rental body CreateRentalRequest true "Rental request"
// @Success 201 {object} models.Rental "Pending rental"
// @Failure 400 {object} APIError "Invalid request"
// @Failure 402 {object} APIError "Insufficient balance"
// @Failure 404 {object} APIError "Node or renter not found"
// @Failure 409 {object} APIError "Node unavailable"
// @Failure 503 {object} APIError "Node not connected or port range exhausted"
// @Router /rentals [post]
func (s *Server) createRental(c echo.Context) error {
	var req CreateRentalRequest
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	renterID, _ := auth.GetUserID(c)
	if req.RenterID != "" && req.RenterID != renterID {
		if !auth.IsOperator(c) {
			return NewAPIError(http.StatusForbidden, "Forbidden", "renter_id may only be set by operators")
		}
		renterID = req.RenterID
	}

	r, err := s.rentals.CreateRental(c.Request().Context(), rental.CreateRequest{
		RenterID:       renterID,
		NodeID:         req.NodeID,
		Image:          req.Image,
		ResourceLimits: req.ResourceLimits,
		EnvVars:        req.EnvVars,
		EstimatedHours: req.EstimatedHours,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, r)
}

// listRentals handles GET /api/v1/rentals
// @Summary List rentals
// @Description List the caller's rentals, newest first. Operators may pass renter_id.
// @Tags Rentals
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Param renter_id query string false "Renter (operators only)"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} PaginatedResponse[models.Rental] "Rentals"
// @Failure 401 {object} APIError "Unauthorized"
// @Router /rentals [get]
func (s *Server) listRentals(c echo.Context) error {
	renterID, _ := auth.GetUserID(c)
	if q := c.QueryParam("renter_id"); q != "" && auth.IsOperator(c) {
		renterID = q
	}

	limit, offset := parsePagination(c)

	rentals, err := s.rentals.ListByRenter(c.Request().Context(), renterID)
	if err != nil {
		return err
	}

	if status := c.QueryParam("status"); status != "" {
		filtered := rentals[:0]
		for _, r := range rentals {
			if string(r.Status) == status {
				filtered = append(filtered, r)
			}
		}
		rentals = filtered
	}

	total := len(rentals)
	page := paginate(rentals, limit, offset)

	return c.JSON(http.StatusOK, PaginatedResponse[models.Rental]{
		Count:  len(page),
		Total:  total,
		Limit:  limit,
		Offset: offset,
		Items:  page,
	})
}

// getRental handles GET /api/v1/rentals/:id
// @Summary Get a rental
// @Tags Rentals
// @Produce json
// @Security BearerAuth
// @Param id path string true "Rental ID"
// @Success 200 {object} models.Rental "Rental"
// @Failure 403 {object} APIError "Not the renter"
// @Failure 404 {object} APIError "Rental not found"
// @Router /rentals/{id} [get]
func (s *Server) getRental(c echo.Context) error {
	r, err := s.rentals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	userID, _ := auth.GetUserID(c)
	if r.RenterID != userID && !auth.IsOperator(c) {
		return rental.ErrUnauthorized
	}

	return c.JSON(http.StatusOK, r)
}

// stopRental handles POST /api/v1/rentals/:id/stop. Operators may stop any
// rental; renters only their own.
// @Summary Stop a rental
// @Description Stop an ACTIVE rental and settle it immediately.
// @Tags Rentals
// @Produce json
// @Security BearerAuth
// @Param id path string true "Rental ID"
// @Success 200 {object} models.Rental "Settled rental"
// @Failure 403 {object} APIError "Not the renter"
// @Failure 404 {object} APIError "Rental not found"
// @Failure 409 {object} APIError "Rental not active"
// @Router /rentals/{id}/stop [post]
func (s *Server) stopRental(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var (
		r   *models.Rental
		err error
	)
	if auth.IsOperator(c) {
		r, err = s.rentals.ForceStopRental(ctx, id)
	} else {
		userID, _ := auth.GetUserID(c)
		r, err = s.rentals.StopRental(ctx, id, userID)
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, r)
}
