package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumora/leadgate/internal/leads"
	"github.com/lumora/leadgate/internal/security"
)

const testAdminToken = "test-admin-token"

func setupTestRouter(t *testing.T, limit security.LimitConfig) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	limiter := security.NewMemoryLimiter(limit)
	guard := security.NewGuard(limiter, security.NewEventLog(100), 1<<20)
	handlers := NewHandlers(guard, leads.NewStore(db))
	router := SetupRoutes(handlers, nil, testAdminToken)
	return router, mock
}

func defaultLimit() security.LimitConfig {
	return security.LimitConfig{Max: 100, Window: time.Minute, BlockDuration: 30 * time.Minute}
}

func postJSON(t *testing.T, router http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.10:54321"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func expectNoExistingSubmission(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM submissions WHERE kind`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
}

func TestSubmitWaitlistAccepted(t *testing.T) {
	router, mock := setupTestRouter(t, defaultLimit())
	expectNoExistingSubmission(mock)
	mock.ExpectExec(`INSERT INTO submissions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := postJSON(t, router, "/api/waitlist", map[string]string{
		"name":  "Rajesh Kumar",
		"email": "Rajesh.K@Example.com",
		"phone": "+91 98765 43210",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitWaitlistWrongContentType(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	req := httptest.NewRequest(http.MethodPost, "/api/waitlist", bytes.NewReader([]byte("name=x")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.10:54321"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestSubmitWaitlistSuspiciousRejected(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	rec := postJSON(t, router, "/api/waitlist", map[string]string{
		"name":  "<script>alert(1)</script>",
		"email": "x@example.com",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	// The response never names the matched signature.
	assert.Contains(t, rec.Body.String(), "submission rejected")
	assert.NotContains(t, rec.Body.String(), "xss")
}

func TestSubmitWaitlistInvalidFields(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	rec := postJSON(t, router, "/api/waitlist", map[string]string{
		"name":  "a",
		"email": "x@x",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	router, mock := setupTestRouter(t, security.LimitConfig{
		Max: 1, Window: time.Minute, BlockDuration: 30 * time.Minute,
	})
	expectNoExistingSubmission(mock)
	mock.ExpectExec(`INSERT INTO submissions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := map[string]string{"name": "Jane Doe", "email": "jane@example.com"}
	first := postJSON(t, router, "/api/waitlist", payload)
	require.Equal(t, http.StatusCreated, first.Code)

	second := postJSON(t, router, "/api/waitlist", payload)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestSubmitWaitlistDuplicateAcknowledged(t *testing.T) {
	router, mock := setupTestRouter(t, defaultLimit())
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM submissions WHERE kind`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rec := postJSON(t, router, "/api/waitlist", map[string]string{
		"name":  "Jane Doe",
		"email": "jane@example.com",
	})

	// A repeat signup is acknowledged without inserting a second row.
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribeAlwaysOK(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	rec := postJSON(t, router, "/api/unsubscribe", map[string]string{
		"email": "unknown@example.com",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnsubscribeRequiresEmail(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	rec := postJSON(t, router, "/api/unsubscribe", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRequiresBearerToken(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	req := httptest.NewRequest(http.MethodGet, "/api/admin/security/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/security/events", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/security/events", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	limiter := security.NewMemoryLimiter(defaultLimit())
	guard := security.NewGuard(limiter, security.NewEventLog(100), 1<<20)
	router := SetupRoutes(NewHandlers(guard, leads.NewStore(db)), nil, "")

	req := httptest.NewRequest(http.MethodGet, "/api/admin/security/events", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminSecurityEventsRecordRejections(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	postJSON(t, router, "/api/waitlist", map[string]string{
		"name":  "<script>alert(1)</script>",
		"email": "x@example.com",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/security/events", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []security.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, security.EventSuspiciousInput, resp.Events[0].Kind)
}

func TestAdminListBlocks(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	req := httptest.NewRequest(http.MethodGet, "/api/admin/security/blocks", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminGetSubmissionNotFound(t *testing.T) {
	router, mock := setupTestRouter(t, defaultLimit())
	mock.ExpectQuery(`SELECT .+ FROM submissions WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/submissions/6f1c7b9a-0b1e-4a3d-9c2f-1a2b3c4d5e6f", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminUpdateStatusRejectsUnknown(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	body := bytes.NewReader([]byte(`{"status":"archived"}`))
	req := httptest.NewRequest(http.MethodPatch, "/api/admin/submissions/6f1c7b9a-0b1e-4a3d-9c2f-1a2b3c4d5e6f/status", body)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	router, _ := setupTestRouter(t, defaultLimit())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}
