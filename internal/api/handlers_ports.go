package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// portStats handles GET /api/v1/ports
// @Summary Public port range usage
// @Tags Ports
// @Produce json
// @Security BearerAuth
// @Success 200 {object} PortStatsResponse "Range and usage"
// @Failure 403 {object} APIError "Operator access required"
// @Router /ports [get]
func (s *Server) portStats(c echo.Context) error {
	available, err := s.ports.AvailableCount(c.Request().Context())
	if err != nil {
		return InternalError("Failed to count ports", err.Error())
	}

	start, end := s.ports.Range()
	size := s.ports.Size()

	return c.JSON(http.StatusOK, PortStatsResponse{
		Start:     start,
		End:       end,
		Size:      size,
		Available: available,
		Active:    size - available,
	})
}
