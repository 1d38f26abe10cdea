package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetCreditStatement serves the credit's statement as a PDF. Deployments
// running the no-op generator get 204 instead of a document.
func (s *Server) GetCreditStatement(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	reader, err := s.statementSvc.Render(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if reader == nil {
		c.Status(http.StatusNoContent)
		return
	}

	doc, err := io.ReadAll(reader)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="credit-`+id+`-statement.pdf"`)
	c.Data(http.StatusOK, "application/pdf", doc)
}
