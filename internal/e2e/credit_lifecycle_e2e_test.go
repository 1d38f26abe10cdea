package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/credo/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/credo/internal/audit/domain"
	"github.com/smallbiznis/credo/internal/server"
)

func TestE2E_HealthCheck(t *testing.T) {
	resetDatabase(t, env.db)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_BootstrapSeed(t *testing.T) {
	resetDatabase(t, env.db)

	org := struct {
		ID        snowflake.ID
		Slug      string
		IsDefault bool
	}{}
	if err := env.db.Raw(
		`SELECT id, slug, is_default FROM organizations WHERE slug = ?`, "main",
	).Scan(&org).Error; err != nil {
		t.Fatalf("query default org: %v", err)
	}
	if org.ID == 0 || !org.IsDefault {
		t.Fatalf("default org not found")
	}

	user := struct {
		ID        snowflake.ID
		Email     string
		IsDefault bool
	}{}
	if err := env.db.Raw(
		`SELECT id, email, is_default FROM users WHERE email = ?`, adminEmail,
	).Scan(&user).Error; err != nil {
		t.Fatalf("query admin user: %v", err)
	}
	if user.ID == 0 || !user.IsDefault {
		t.Fatalf("default admin not found")
	}

	if countRows(t, env.db, "pools", "slug = ? AND org_id = ?", "main", org.ID) != 1 {
		t.Fatalf("expected seeded starter pool")
	}

	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/admin/api-keys", nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected operator auth to pass, got %d: %s", resp.StatusCode, string(body))
	}

	resp, _ = doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/admin/api-keys", nil, basicAuth(adminEmail, "wrong"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong operator password, got %d", resp.StatusCode)
	}
}

func TestE2E_APIKeyAuthentication(t *testing.T) {
	resetDatabase(t, env.db)

	_, apiKey := createAPIKey(t, "e2e-full", apikeydomain.DefaultScopes())

	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/pools", nil, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for valid key, got %d: %s", resp.StatusCode, string(body))
	}

	resp, _ = doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/pools", nil, bearerHeaders("credo_invalid"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid key, got %d", resp.StatusCode)
	}

	// Org identity comes from the key alone; naming one explicitly is
	// rejected even with valid credentials.
	headers := bearerHeaders(apiKey)
	headers[server.HeaderOrg] = "12345"
	resp, _ = doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/pools", nil, headers)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for org header with api key, got %d", resp.StatusCode)
	}

	_, readOnly := createAPIKey(t, "e2e-read-only", []string{apikeydomain.ScopeCreditRead, apikeydomain.ScopePoolRead})
	resp, body = doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/pools", map[string]any{"name": "Denied"}, bearerHeaders(readOnly))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d: %s", resp.StatusCode, string(body))
	}
	if errType, _ := decodeError(t, body); errType != "forbidden" {
		t.Fatalf("expected forbidden error type, got %s", errType)
	}
}

// TestE2E_CreditLifecycle drives one revolving facility from approval to
// close over HTTP: drawdown with the front-loading fee split, a blocked
// close while principal is outstanding, full repayment, then close. The
// start date sits in the future so no bill rolls mid-test and every number
// is exact.
func TestE2E_CreditLifecycle(t *testing.T) {
	resetDatabase(t, env.db)

	_, apiKey := createAPIKey(t, "e2e-lifecycle", apikeydomain.DefaultScopes())
	client := newHTTPClient()

	poolID := createPool(t, apiKey, map[string]any{
		"name":                           "E2E Warehouse",
		"yield_bps":                      1200,
		"min_principal_rate_bps":         0,
		"late_fee_bps":                   500,
		"late_payment_grace_period_days": 5,
		"default_grace_period_periods":   2,
		"max_credit_line":                0,
		"front_loading_fee_flat":         50,
		"front_loading_fee_bps":          100,
	})

	borrowerID := env.genID.Generate().String()
	startDate := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)

	approveReq := map[string]any{
		"pool_id":          poolID,
		"borrower_id":      borrowerID,
		"credit_limit":     500000,
		"committed_amount": 0,
		"period_duration":  "MONTHLY",
		"num_of_periods":   12,
		"yield_bps":        1200,
		"advance_rate_bps": 8000,
		"revolving":        true,
		"start_date":       startDate,
	}
	resp, body := doJSON(t, client, http.MethodPost, env.baseURL+"/v1/credits", approveReq, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve failed: %d: %s", resp.StatusCode, string(body))
	}
	var approved struct {
		Data struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &approved); err != nil {
		t.Fatalf("decode approve response: %v", err)
	}
	if approved.Data.State != "APPROVED" {
		t.Fatalf("expected state APPROVED, got %s", approved.Data.State)
	}
	creditID := approved.Data.ID
	creditKey := mustParseID(t, creditID)

	if countRows(t, env.db, "credit_events", "credit_id = ? AND event_type = ?", creditKey, "credit.approved") != 1 {
		t.Fatalf("expected one credit.approved event")
	}

	// Fee split: flat 50 plus 1% of 100,000.
	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/v1/credits/"+creditID+"/drawdown", map[string]any{"amount": 100000}, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drawdown failed: %d: %s", resp.StatusCode, string(body))
	}
	var draw struct {
		Data struct {
			Amount            int64 `json:"amount"`
			AmountToBorrower  int64 `json:"amount_to_borrower"`
			PlatformFee       int64 `json:"platform_fee"`
			UnbilledPrincipal int64 `json:"unbilled_principal"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &draw); err != nil {
		t.Fatalf("decode drawdown response: %v", err)
	}
	if draw.Data.PlatformFee != 1050 {
		t.Fatalf("expected platform fee 1050, got %d", draw.Data.PlatformFee)
	}
	if draw.Data.AmountToBorrower != 98950 {
		t.Fatalf("expected amount to borrower 98950, got %d", draw.Data.AmountToBorrower)
	}
	if draw.Data.Amount != 100000 || draw.Data.UnbilledPrincipal != 100000 {
		t.Fatalf("unexpected drawdown figures: %+v", draw.Data)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/v1/credits/"+creditID, nil, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get credit failed: %d: %s", resp.StatusCode, string(body))
	}
	var fetched struct {
		Data struct {
			UnbilledPrincipal int64 `json:"unbilled_principal"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &fetched); err != nil {
		t.Fatalf("decode credit response: %v", err)
	}
	if fetched.Data.UnbilledPrincipal != 100000 {
		t.Fatalf("expected unbilled principal 100000, got %d", fetched.Data.UnbilledPrincipal)
	}

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/v1/credits/"+creditID+"/close", nil, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 closing an outstanding credit, got %d: %s", resp.StatusCode, string(body))
	}
	if errType, errMsg := decodeError(t, body); errType != "conflict" || errMsg != "credit_payoff_outstanding" {
		t.Fatalf("expected conflict/credit_payoff_outstanding, got %s/%s", errType, errMsg)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/v1/credits/"+creditID+"/due", nil, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get due failed: %d: %s", resp.StatusCode, string(body))
	}
	var due struct {
		Data struct {
			PayoffAmount int64 `json:"payoff_amount"`
			TotalPastDue int64 `json:"total_past_due"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &due); err != nil {
		t.Fatalf("decode due response: %v", err)
	}
	if due.Data.PayoffAmount != 100000 || due.Data.TotalPastDue != 0 {
		t.Fatalf("expected payoff 100000 with nothing past due, got %+v", due.Data)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/v1/credits/"+creditID+"/statement", nil, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("statement failed: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("expected application/pdf, got %s", ct)
	}
	if !bytes.HasPrefix(body, []byte("%PDF")) {
		t.Fatalf("expected a PDF document")
	}

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/v1/credits/"+creditID+"/payments", map[string]any{"amount": 100000}, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment failed: %d: %s", resp.StatusCode, string(body))
	}
	var paid struct {
		Data struct {
			PayoffAmount int64 `json:"payoff_amount"`
			Allocation   struct {
				UnbilledPrincipal int64 `json:"unbilled_principal"`
			} `json:"allocation"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &paid); err != nil {
		t.Fatalf("decode payment response: %v", err)
	}
	if paid.Data.PayoffAmount != 0 {
		t.Fatalf("expected payoff 0 after full repayment, got %d", paid.Data.PayoffAmount)
	}
	if paid.Data.Allocation.UnbilledPrincipal != 100000 {
		t.Fatalf("expected payment allocated to unbilled principal, got %+v", paid.Data.Allocation)
	}

	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/v1/credits/"+creditID+"/close", nil, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close failed: %d: %s", resp.StatusCode, string(body))
	}
	var closed struct {
		Data struct {
			State string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &closed); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if closed.Data.State != "DELETED" {
		t.Fatalf("expected state DELETED, got %s", closed.Data.State)
	}

	for _, eventType := range []string{"credit.drawdown", "credit.payment.received", "credit.closed"} {
		if countRows(t, env.db, "credit_events", "credit_id = ? AND event_type = ?", creditKey, eventType) != 1 {
			t.Fatalf("expected one %s event", eventType)
		}
	}
	if countRows(t, env.db, "credit_events", "credit_id = ? AND event_type = ?", creditKey, "credit.bill.refreshed") == 0 {
		t.Fatalf("expected bill refreshed events from the drawdown")
	}

	if countRows(t, env.db, "audit_logs", "action = ? AND actor_type = ?", "credit.approved", string(auditdomain.ActorTypeAPIKey)) != 1 {
		t.Fatalf("expected api key actor on the approve audit entry")
	}
	if countRows(t, env.db, "audit_logs", "action = ? AND target_id = ?", "credit.closed", creditID) != 1 {
		t.Fatalf("expected credit.closed audit entry")
	}

	resp, body = doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/admin/audit-logs", nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list audit logs failed: %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/v1/overview", nil, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview failed: %d: %s", resp.StatusCode, string(body))
	}
	var overview struct {
		Data struct {
			TotalCredits int64 `json:"total_credits"`
			HasData      bool  `json:"has_data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &overview); err != nil {
		t.Fatalf("decode overview response: %v", err)
	}
	if !overview.Data.HasData || overview.Data.TotalCredits != 1 {
		t.Fatalf("expected overview to count the credit, got %+v", overview.Data)
	}
}

// TestE2E_SchedulerJobs approves a committed line, which queues an
// immediate first refresh, then runs the jobs the way the loop would:
// RefreshBillsJob opens the first bill, PublishEventsJob drains the outbox.
func TestE2E_SchedulerJobs(t *testing.T) {
	resetDatabase(t, env.db)

	_, apiKey := createAPIKey(t, "e2e-scheduler", apikeydomain.DefaultScopes())

	poolID := createPool(t, apiKey, map[string]any{
		"name":                           "E2E Committed",
		"yield_bps":                      1000,
		"late_fee_bps":                   500,
		"late_payment_grace_period_days": 5,
		"default_grace_period_periods":   2,
	})

	approveReq := map[string]any{
		"pool_id":          poolID,
		"borrower_id":      env.genID.Generate().String(),
		"credit_limit":     300000,
		"committed_amount": 200000,
		"period_duration":  "MONTHLY",
		"num_of_periods":   6,
		"yield_bps":        1000,
	}
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/credits", approveReq, bearerHeaders(apiKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve failed: %d: %s", resp.StatusCode, string(body))
	}
	var approved struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &approved); err != nil {
		t.Fatalf("decode approve response: %v", err)
	}
	creditKey := mustParseID(t, approved.Data.ID)

	before := creditRow{}
	if err := env.db.Raw(
		`SELECT state, next_refresh_at, last_refreshed_at FROM credits WHERE id = ?`, creditKey,
	).Scan(&before).Error; err != nil {
		t.Fatalf("query credit before refresh: %v", err)
	}
	if before.NextRefreshAt == nil {
		t.Fatalf("expected committed line queued for refresh")
	}
	if before.LastRefreshedAt != nil {
		t.Fatalf("expected no refresh before the job ran")
	}

	if err := env.scheduler.RefreshBillsJob(context.Background()); err != nil {
		t.Fatalf("refresh bills job: %v", err)
	}

	after := creditRow{}
	if err := env.db.Raw(
		`SELECT state, next_refresh_at, last_refreshed_at FROM credits WHERE id = ?`, creditKey,
	).Scan(&after).Error; err != nil {
		t.Fatalf("query credit after refresh: %v", err)
	}
	if after.LastRefreshedAt == nil {
		t.Fatalf("expected last_refreshed_at stamped by the job")
	}
	if after.State != "GOOD_STANDING" {
		t.Fatalf("expected state GOOD_STANDING after first bill, got %s", after.State)
	}
	if after.NextRefreshAt == nil || !after.NextRefreshAt.After(*before.NextRefreshAt) {
		t.Fatalf("expected next_refresh_at advanced past %v, got %v", before.NextRefreshAt, after.NextRefreshAt)
	}

	// Refresh again immediately: nothing is due, the job claims no rows.
	if err := env.scheduler.RefreshBillsJob(context.Background()); err != nil {
		t.Fatalf("second refresh bills job: %v", err)
	}

	if countRows(t, env.db, "credit_events", "credit_id = ? AND published = false", creditKey) == 0 {
		t.Fatalf("expected unpublished outbox rows before publish job")
	}

	if err := env.scheduler.PublishEventsJob(context.Background()); err != nil {
		t.Fatalf("publish events job: %v", err)
	}

	if countRows(t, env.db, "credit_events", "credit_id = ? AND published = false", creditKey) != 0 {
		t.Fatalf("expected every event published")
	}
	if countRows(t, env.db, "credit_events", "credit_id = ? AND published_at IS NULL", creditKey) != 0 {
		t.Fatalf("expected published_at stamped on every event")
	}

	total := countRows(t, env.db, "credit_events", "credit_id = ?", creditKey)
	if err := env.scheduler.PublishEventsJob(context.Background()); err != nil {
		t.Fatalf("republish events job: %v", err)
	}
	if countRows(t, env.db, "credit_events", "credit_id = ? AND published = true", creditKey) != total {
		t.Fatalf("expected publish job idempotent")
	}

	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("scheduler run once: %v", err)
	}
}

type creditRow struct {
	State           string     `gorm:"column:state"`
	NextRefreshAt   *time.Time `gorm:"column:next_refresh_at"`
	LastRefreshedAt *time.Time `gorm:"column:last_refreshed_at"`
}
