package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/polish/pkg/database"
	"github.com/codeready-toolchain/polish/pkg/version"
)

// Health handles GET /api/v1/health. An unreachable database is a 503;
// system warnings or an unhealthy pool degrade the status but keep 200
// so load balancers keep routing.
func (s *Server) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
	}

	code := http.StatusOK
	if s.db != nil {
		dbHealth, err := database.Health(c.Request.Context(), s.db)
		resp.Database = dbHealth
		if err != nil {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	if s.pool != nil {
		resp.Pool = s.pool.Health()
		if resp.Status == "healthy" && !resp.Pool.IsHealthy {
			resp.Status = "degraded"
		}
	}

	if s.warnings != nil {
		resp.Warnings = s.warnings.GetWarnings()
		if resp.Status == "healthy" && len(resp.Warnings) > 0 {
			resp.Status = "degraded"
		}
	}

	c.JSON(code, resp)
}
