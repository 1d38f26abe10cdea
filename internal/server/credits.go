package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/credo/internal/credit/domain"
)

type listCreditsQuery struct {
	PoolID     string `form:"pool_id"`
	BorrowerID string `form:"borrower_id"`
	State      string `form:"state"`
	PageToken  string `form:"page_token"`
	PageSize   int32  `form:"page_size"`
}

func (s *Server) ListCredits(c *gin.Context) {
	var query listCreditsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.List(c.Request.Context(), creditdomain.ListCreditRequest{
		PoolID:     strings.TrimSpace(query.PoolID),
		BorrowerID: strings.TrimSpace(query.BorrowerID),
		State:      strings.TrimSpace(query.State),
		PageToken:  strings.TrimSpace(query.PageToken),
		PageSize:   query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Credits, "page_info": resp.PageInfo})
}

func (s *Server) ApproveCredit(c *gin.Context) {
	var req creditdomain.ApproveCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.Approve(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("credit_id", resp.ID.String())
	if s.auditSvc != nil {
		targetID := resp.ID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), nil, "", nil, "credit.approved", "credit", &targetID, map[string]any{
			"pool_id":     resp.PoolID.String(),
			"borrower_id": resp.BorrowerID.String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCreditByID(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	resp, err := s.creditSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Drawdown(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	var req creditdomain.DrawdownRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.Drawdown(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := id
		_ = s.auditSvc.AuditLog(c.Request.Context(), nil, "", nil, "credit.drawdown", "credit", &targetID, map[string]any{
			"amount":       strconv.FormatInt(resp.Amount, 10),
			"platform_fee": strconv.FormatInt(resp.PlatformFee, 10),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) MakePayment(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	var req creditdomain.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.MakePayment(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := id
		_ = s.auditSvc.AuditLog(c.Request.Context(), nil, "", nil, "credit.payment", "credit", &targetID, map[string]any{
			"amount": strconv.FormatInt(resp.Amount, 10),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RefreshCredit(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	resp, err := s.creditSvc.RefreshBill(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// GetCreditDue previews obligations without persisting. ?at= accepts RFC3339
// or a plain date; empty means now.
func (s *Server) GetCreditDue(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	at, err := parseOptionalTime(c.Query("at"), false)
	if err != nil {
		AbortWithError(c, newValidationError("at", "invalid_at", "invalid at"))
		return
	}
	asOf := time.Now().UTC()
	if at != nil {
		asOf = *at
	}

	resp, err := s.creditSvc.GetDue(c.Request.Context(), id, asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCreditPayoff(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	resp, err := s.creditSvc.GetPayoff(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) TriggerCreditDefault(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	resp, err := s.creditSvc.TriggerDefault(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := id
		_ = s.auditSvc.AuditLog(c.Request.Context(), nil, "", nil, "credit.defaulted", "credit", &targetID, nil)
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CloseCredit(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("credit_id", id)

	resp, err := s.creditSvc.Close(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := id
		_ = s.auditSvc.AuditLog(c.Request.Context(), nil, "", nil, "credit.closed", "credit", &targetID, nil)
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
