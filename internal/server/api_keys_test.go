package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/credo/internal/apikey/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPIKeyService struct {
	keys   []apikeydomain.Response
	secret *apikeydomain.SecretResponse
	err    error

	lastCreate apikeydomain.CreateRequest
	lastKeyID  string
	revoked    []string
}

var _ apikeydomain.Service = (*fakeAPIKeyService)(nil)

func (f *fakeAPIKeyService) List(ctx context.Context) ([]apikeydomain.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.keys, nil
}

func (f *fakeAPIKeyService) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	f.lastCreate = req
	if f.err != nil {
		return nil, f.err
	}
	return f.secret, nil
}

func (f *fakeAPIKeyService) Rotate(ctx context.Context, keyID string) (*apikeydomain.SecretResponse, error) {
	f.lastKeyID = keyID
	if f.err != nil {
		return nil, f.err
	}
	return f.secret, nil
}

func (f *fakeAPIKeyService) Revoke(ctx context.Context, keyID string) error {
	f.revoked = append(f.revoked, keyID)
	return f.err
}

func TestListAPIKeyScopes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &Server{}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/admin/api-keys/scopes", srv.ListAPIKeyScopes)

	req := httptest.NewRequest(http.MethodGet, "/admin/api-keys/scopes", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apikeydomain.DefaultScopes(), resp.Data)
}

func TestListAPIKeysOmitsSecrets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	created := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	srv := &Server{apiKeySvc: &fakeAPIKeyService{
		keys: []apikeydomain.Response{
			{KeyID: "ak_1", Name: "ingest", Scopes: []string{apikeydomain.ScopeCreditWrite}, IsActive: true, CreatedAt: created},
		},
	}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/admin/api-keys", srv.ListAPIKeys)

	req := httptest.NewRequest(http.MethodGet, "/admin/api-keys", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []apikeydomain.Response `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "ak_1", resp.Data[0].KeyID)
	assert.NotContains(t, rec.Body.String(), "key_hash")
	assert.NotContains(t, rec.Body.String(), "api_key")
}

func TestCreateAPIKeyReturnsSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	keySvc := &fakeAPIKeyService{secret: &apikeydomain.SecretResponse{KeyID: "ak_1", APIKey: "ck_live_secret"}}
	audit := &recordingAuditService{}
	srv := &Server{apiKeySvc: keySvc, auditSvc: audit}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/api-keys", srv.CreateAPIKey)

	body := `{"name":"ingest","scopes":["credit:write","credit:read"]}`
	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ingest", keySvc.lastCreate.Name)
	assert.Equal(t, []string{"credit:write", "credit:read"}, keySvc.lastCreate.Scopes)

	var resp struct {
		Data apikeydomain.SecretResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ck_live_secret", resp.Data.APIKey)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "api_key.created", audit.entries[0].action)
	assert.Equal(t, "ak_1", audit.entries[0].targetID)
	assert.Equal(t, "ingest", audit.entries[0].metadata["name"])
}

func TestCreateAPIKeyRejectsUnknownScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &Server{apiKeySvc: &fakeAPIKeyService{err: apikeydomain.ErrInvalidScope}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/api-keys", srv.CreateAPIKey)

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys", bytes.NewBufferString(`{"name":"ingest","scopes":["admin:*"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_scope", payload.Errors[0].Code)
}

func TestRotateAPIKeyAuditsOldKeyID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	keySvc := &fakeAPIKeyService{secret: &apikeydomain.SecretResponse{KeyID: "ak_2", APIKey: "ck_live_fresh"}}
	audit := &recordingAuditService{}
	srv := &Server{apiKeySvc: keySvc, auditSvc: audit}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/api-keys/:key_id/rotate", srv.RotateAPIKey)

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys/ak_1/rotate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ak_1", keySvc.lastKeyID)

	var resp struct {
		Data apikeydomain.SecretResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ak_2", resp.Data.KeyID)
	assert.Equal(t, "ck_live_fresh", resp.Data.APIKey)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "api_key.rotated", audit.entries[0].action)
	assert.Equal(t, "ak_2", audit.entries[0].targetID)
	assert.Equal(t, "ak_1", audit.entries[0].metadata["rotated_from_key_id"])
}

func TestRotateAPIKeyNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &Server{apiKeySvc: &fakeAPIKeyService{err: apikeydomain.ErrNotFound}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/api-keys/:key_id/rotate", srv.RotateAPIKey)

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys/ak_missing/rotate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeAPIKeyReturnsNoContent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	keySvc := &fakeAPIKeyService{}
	audit := &recordingAuditService{}
	srv := &Server{apiKeySvc: keySvc, auditSvc: audit}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/api-keys/:key_id/revoke", srv.RevokeAPIKey)

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys/ak_1/revoke", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, []string{"ak_1"}, keySvc.revoked)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "api_key.revoked", audit.entries[0].action)
}
