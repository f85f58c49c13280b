package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"evalgo.org/fleetrent/internal/protocol"
)

// listNodes handles GET /api/v1/nodes
// @Summary List nodes
// @Description List registered nodes with their live session state (operators only)
// @Tags Nodes
// @Produce json
// @Security BearerAuth
// @Param connected query bool false "Only nodes with a live session"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} PaginatedResponse[NodeView] "Nodes"
// @Failure 403 {object} APIError "Operator access required"
// @Router /nodes [get]
func (s *Server) listNodes(c echo.Context) error {
	nodes, err := s.store.ListNodes(c.Request().Context())
	if err != nil {
		return InternalError("Failed to list nodes", err.Error())
	}

	connectedOnly := c.QueryParam("connected") == "true"
	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		v := NodeView{Node: n}
		if sess := s.registry.Session(n.ID); sess != nil {
			seen := sess.LastHeartbeat()
			v.Connected = true
			v.SessionStatus = string(sess.Status())
			v.LastSeen = &seen
		} else if connectedOnly {
			continue
		}
		views = append(views, v)
	}

	limit, offset := parsePagination(c)
	page := paginate(views, limit, offset)

	return c.JSON(http.StatusOK, PaginatedResponse[NodeView]{
		Count:  len(page),
		Total:  len(views),
		Limit:  limit,
		Offset: offset,
		Items:  page,
	})
}

// nodeMetrics handles GET /api/v1/nodes/:id/metrics
// @Summary Recent node telemetry
// @Tags Nodes
// @Produce json
// @Security BearerAuth
// @Param id path string true "Node ID"
// @Param limit query int false "Maximum samples (1-1000)"
// @Success 200 {object} NodeMetricsResponse "Samples, newest first"
// @Failure 404 {object} APIError "Node not found"
// @Failure 503 {object} APIError "Telemetry disabled"
// @Router /nodes/{id}/metrics [get]
func (s *Server) nodeMetrics(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetNode(c.Request().Context(), id); err != nil {
		return err
	}
	if s.telemetry == nil {
		return UnavailableError("Telemetry disabled", "no telemetry store is configured")
	}

	limit := 100
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}

	samples, err := s.telemetry.Recent(id, limit)
	if err != nil {
		return InternalError("Failed to read telemetry", err.Error())
	}

	return c.JSON(http.StatusOK, NodeMetricsResponse{
		NodeID:  id,
		Count:   len(samples),
		Samples: samples,
	})
}

// drainNode handles POST /api/v1/nodes/:id/drain
// @Summary Drain a node
// @Description Tell a connected node to stop accepting rentals
// @Tags Nodes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Node ID"
// @Param drain body DrainRequest false "Drain reason"
// @Success 202 {object} DispatchResponse "Command sent"
// @Failure 404 {object} APIError "Node not found"
// @Failure 503 {object} APIError "Node not connected"
// @Router /nodes/{id}/drain [post]
func (s *Server) drainNode(c echo.Context) error {
	var req DrainRequest
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	id := c.Param("id")
	if _, err := s.store.GetNode(c.Request().Context(), id); err != nil {
		return err
	}

	return s.dispatch(c, id, protocol.DrainNode{NodeID: id, Reason: req.Reason})
}

// updateNodeConfig handles POST /api/v1/nodes/:id/config
// @Summary Push agent configuration
// @Tags Nodes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Node ID"
// @Param config body NodeConfigRequest true "Agent settings"
// @Success 202 {object} DispatchResponse "Command sent"
// @Failure 404 {object} APIError "Node not found"
// @Failure 503 {object} APIError "Node not connected"
// @Router /nodes/{id}/config [post]
func (s *Server) updateNodeConfig(c echo.Context) error {
	var req NodeConfigRequest
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	id := c.Param("id")
	if _, err := s.store.GetNode(c.Request().Context(), id); err != nil {
		return err
	}

	return s.dispatch(c, id, protocol.UpdateConfig{NodeID: id, Config: req.agentConfig()})
}

func (s *Server) dispatch(c echo.Context, nodeID string, cmd protocol.Command) error {
	if !s.registry.Dispatch(nodeID, cmd) {
		return UnavailableError("Node not connected", nodeID+" has no live session")
	}
	return c.JSON(http.StatusAccepted, DispatchResponse{
		NodeID:  nodeID,
		Command: cmd.Name(),
		Sent:    true,
	})
}
