package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	apikeydomain "github.com/smallbiznis/credo/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/credo/internal/audit/domain"
	"github.com/smallbiznis/credo/internal/auth/password"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newServerDB opens a private in-memory database per test with the tables
// the auth middlewares read. Handler tests run on fakes and never open one.
func newServerDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_organizations_slug ON organizations (slug)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			email TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_users_email ON users (email)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			key_id TEXT NOT NULL,
			name TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '{}',
			key_hash TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_used_at DATETIME,
			expires_at DATETIME,
			rotated_from_key_id TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_api_keys_org_key_id ON api_keys (org_id, key_id)`,
		`CREATE INDEX IF NOT EXISTS ix_api_keys_key_hash ON api_keys (key_hash)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}
	return db
}

func newTestNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func seedOrg(t *testing.T, db *gorm.DB, node *snowflake.Node, slug string, isDefault bool) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO organizations (id, name, slug, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, slug, slug, isDefault, now, now,
	).Error)
	return id
}

func seedOperator(t *testing.T, db *gorm.DB, node *snowflake.Node, email, pass string) snowflake.ID {
	t.Helper()
	hash, err := password.Hash(pass)
	require.NoError(t, err)
	id := node.Generate()
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO users (id, email, display_name, password_hash, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, email, "Operator", hash, false, now, now,
	).Error)
	return id
}

type apiKeySeed struct {
	orgID     snowflake.ID
	scopes    []string
	inactive  bool
	expiresAt *time.Time
}

// seedAPIKey inserts a key row the way the key service stores it and returns
// the raw secret a caller would present plus the row id.
func seedAPIKey(t *testing.T, db *gorm.DB, node *snowflake.Node, seed apiKeySeed) (string, snowflake.ID) {
	t.Helper()
	id := node.Generate()
	raw := "ck_test_" + id.String()
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO api_keys (id, org_id, key_id, name, scopes, key_hash, is_active, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, seed.orgID, "ak_"+id.String(), "test key",
		"{"+strings.Join(seed.scopes, ",")+"}",
		apikeydomain.HashAPIKey(raw), !seed.inactive, now, now, seed.expiresAt,
	).Error)
	return raw, id
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

type recordedAudit struct {
	action     string
	targetType string
	targetID   string
	metadata   map[string]any
}

// recordingAuditService captures trail writes so handler tests can assert
// what each mutation recorded.
type recordingAuditService struct {
	auditdomain.Service
	entries []recordedAudit
}

func (f *recordingAuditService) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error {
	entry := recordedAudit{action: action, targetType: targetType, metadata: metadata}
	if targetID != nil {
		entry.targetID = *targetID
	}
	f.entries = append(f.entries, entry)
	return nil
}
