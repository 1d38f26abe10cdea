package server

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/credo/internal/audit/domain"
	auditcontext "github.com/smallbiznis/credo/internal/auditcontext"
	"github.com/smallbiznis/credo/internal/auth/password"
	"github.com/smallbiznis/credo/internal/orgcontext"
	"gorm.io/gorm"
)

// OperatorRequired authenticates admin routes with HTTP Basic credentials
// checked against the operator accounts in the users table. The seeded
// admin account is the bootstrap path: it mints the first API key, so this
// gate cannot itself depend on API keys.
//
// The tenant defaults to the deployment's default organization; operators
// of multi-org deployments select one with the X-Org-ID header.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		email, pass, ok := c.Request.BasicAuth()
		if !ok || strings.TrimSpace(email) == "" {
			c.Header("WWW-Authenticate", `Basic realm="credo admin"`)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()

		var user struct {
			ID           snowflake.ID `gorm:"column:id"`
			PasswordHash *string      `gorm:"column:password_hash"`
		}
		err := s.db.WithContext(ctx).
			Table("users").
			Where("lower(email) = ?", strings.ToLower(strings.TrimSpace(email))).
			Take(&user).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.Header("WWW-Authenticate", `Basic realm="credo admin"`)
				AbortWithError(c, ErrUnauthorized)
				return
			}
			AbortWithError(c, err)
			return
		}

		if user.PasswordHash == nil || !password.Verify(pass, *user.PasswordHash) {
			c.Header("WWW-Authenticate", `Basic realm="credo admin"`)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		orgID, err := s.resolveOperatorOrg(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx = orgcontext.WithOrgID(ctx, orgID)
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeUser), user.ID.String())

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) resolveOperatorOrg(c *gin.Context) (snowflake.ID, error) {
	ctx := c.Request.Context()

	if header := strings.TrimSpace(c.GetHeader(HeaderOrg)); header != "" {
		orgID, err := snowflake.ParseString(header)
		if err != nil || orgID == 0 {
			return 0, newValidationError("org_id", "invalid_org_id", "invalid org id")
		}
		var found struct {
			ID snowflake.ID `gorm:"column:id"`
		}
		err = s.db.WithContext(ctx).
			Table("organizations").
			Where("id = ?", orgID).
			Take(&found).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrForbidden
		}
		if err != nil {
			return 0, err
		}
		return found.ID, nil
	}

	var found struct {
		ID snowflake.ID `gorm:"column:id"`
	}
	err := s.db.WithContext(ctx).
		Table("organizations").
		Where("is_default = ?", true).
		Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrForbidden
	}
	if err != nil {
		return 0, err
	}
	return found.ID, nil
}
