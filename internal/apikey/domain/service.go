package domain

import (
	"context"
	"errors"
	"time"
)

// Scopes grantable to an API key. Read scopes cover listings and previews;
// write scopes cover mutations on the respective resource.
const (
	ScopeCreditRead  = "credit:read"
	ScopeCreditWrite = "credit:write"
	ScopePoolRead    = "pool:read"
	ScopePoolWrite   = "pool:write"
)

// DefaultScopes is what a key created without explicit scopes receives.
func DefaultScopes() []string {
	return []string{ScopeCreditRead, ScopeCreditWrite, ScopePoolRead, ScopePoolWrite}
}

// ValidScope reports whether s names a known scope.
func ValidScope(s string) bool {
	switch s {
	case ScopeCreditRead, ScopeCreditWrite, ScopePoolRead, ScopePoolWrite:
		return true
	}
	return false
}

type Service interface {
	List(ctx context.Context) ([]Response, error)
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, keyID string) (*SecretResponse, error)
	Revoke(ctx context.Context, keyID string) error
}

type CreateRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type Response struct {
	KeyID            string     `json:"key_id"`
	Name             string     `json:"name"`
	Scopes           []string   `json:"scopes"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	RotatedFromKeyID *string    `json:"rotated_from_key_id"`
}

type SecretResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidKeyID        = errors.New("invalid_key_id")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrNotFound            = errors.New("not_found")
)
