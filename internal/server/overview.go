package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditoverviewdomain "github.com/smallbiznis/credo/internal/creditoverview/domain"
)

func (s *Server) GetOverview(c *gin.Context) {
	var query struct {
		PoolID string `form:"pool_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.overviewSvc.GetOverview(c.Request.Context(), creditoverviewdomain.OverviewRequest{
		PoolID: strings.TrimSpace(query.PoolID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
