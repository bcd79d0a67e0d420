package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rossigee/recordstore/internal/jobs"
	"github.com/rossigee/recordstore/internal/metrics"
	"github.com/rossigee/recordstore/internal/migrator"
	"github.com/rossigee/recordstore/internal/records"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockJobManager for testing
type MockJobManager struct {
	startCalled   bool
	lastObject    string
	activeJobs    int
	startErr      error
	cancelMissing bool
}

func (m *MockJobManager) StartSnapshot() (string, error) {
	m.startCalled = true
	return "snapshot-job-id", m.startErr
}

func (m *MockJobManager) StartRestore(object string) (string, error) {
	m.lastObject = object
	return "restore-job-id", m.startErr
}

func (m *MockJobManager) GetJobStatus(jobID string) (*types.StatusResponse, error) {
	if jobID != "snapshot-job-id" {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	return &types.StatusResponse{
		JobID:     jobID,
		Kind:      types.KindSnapshot,
		Status:    types.StatusCompleted,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MockJobManager) CancelJob(jobID string) error {
	if m.cancelMissing {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	return nil
}

func (m *MockJobManager) GetActiveJobs() int {
	return m.activeJobs
}

type fixedState migrator.State

func (s fixedState) State() migrator.State {
	return migrator.State(s)
}

var apiDescriptor = types.Descriptor{
	DatabaseName: "app",
	Version:      1,
	Tables: []types.TableSpec{
		{
			Name: "users",
			Indexes: []types.IndexSpec{
				{IndexName: "emailIndex", FieldPath: types.FieldPath{"email"}, Unique: true},
				{IndexName: "roleTeam", FieldPath: types.FieldPath{"role", "team"}},
			},
		},
		{Name: "notes", AutoGenerateKey: true},
	},
}

type fixture struct {
	router   *gin.Engine
	migrator *migrator.Migrator
	jobs     *MockJobManager
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, initialize bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewStore(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	m := migrator.New(store, migrator.Options{})
	t.Cleanup(func() {
		_ = m.Close() // Ignore error in test
	})

	f := &fixture{migrator: m, jobs: &MockJobManager{}, metrics: metrics.New()}
	client := records.New(m, records.WithMetrics(f.metrics))
	if initialize {
		require.NoError(t, client.Initialize(context.Background(), apiDescriptor))
	}

	f.router = gin.New()
	SetupRoutes(f.router, NewHandler(client, m, f.jobs), f.metrics)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestSetupRoutes(t *testing.T) {
	f := newFixture(t, false)

	routePaths := make(map[string]bool)
	for _, route := range f.router.Routes() {
		routePaths[route.Method+" "+route.Path] = true
	}

	for _, want := range []string{
		"GET /health",
		"GET /metrics",
		"GET /api/v1/schema",
		"GET /api/v1/tables/:table/records",
		"POST /api/v1/tables/:table/records",
		"GET /api/v1/tables/:table/records/:key",
		"PUT /api/v1/tables/:table/records/:key",
		"DELETE /api/v1/tables/:table/records/:key",
		"POST /api/v1/tables/:table/query",
		"GET /api/v1/tables/:table/indexes/:index",
		"POST /api/v1/snapshots",
		"POST /api/v1/snapshots/restore",
		"GET /api/v1/snapshots/:job_id",
		"DELETE /api/v1/snapshots/:job_id",
	} {
		assert.True(t, routePaths[want], want)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	health := decode[types.HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ready", health.State)
	assert.Equal(t, "app", health.Database)

	f.jobs.activeJobs = 3
	w = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode[types.HealthResponse](t, w).Status)
}

func TestHealthCheck_Unavailable(t *testing.T) {
	tests := []struct {
		name   string
		state  migrator.State
		status string
	}{
		{name: "never initialized", state: migrator.StateIdle, status: "unavailable"},
		{name: "failed", state: migrator.StateFailed, status: "unavailable"},
		{name: "blocked upgrade", state: migrator.StateBlocked, status: "initializing"},
		{name: "newer version elsewhere", state: migrator.StateInvalidated, status: "stale"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			SetupRoutes(router, NewHandler(records.New(migrator.New(nil, migrator.Options{})), fixedState(tt.state), nil), nil)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			health := decode[types.HealthResponse](t, w)
			assert.Equal(t, tt.status, health.Status)
			assert.Equal(t, tt.state.String(), health.State)
		})
	}
}

func TestGetSchema(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodGet, "/api/v1/schema", "")
	require.Equal(t, http.StatusOK, w.Code)
	schema := decode[types.SchemaResponse](t, w)
	assert.Equal(t, "app", schema.DatabaseName)
	assert.Equal(t, 1, schema.Version)
	require.Len(t, schema.Tables, 2)
	assert.Equal(t, "notes", schema.Tables[0].Name)
	assert.Equal(t, "users", schema.Tables[1].Name)
	assert.Len(t, schema.Tables[1].Indexes, 2)
}

func TestRecords_NotInitialized(t *testing.T) {
	f := newFixture(t, false)

	for _, path := range []string{"/api/v1/schema", "/api/v1/tables/users/records", "/api/v1/tables/users/records/1"} {
		w := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Contains(t, w.Body.String(), "database not initialized")
	}
}

func TestRecords_CRUD(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/v1/tables/users/records", `{"id": "u1", "email": "a@x.com", "age": 30}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "u1", decode[map[string]any](t, w)["key"])

	w = f.do(t, http.MethodGet, "/api/v1/tables/users/records/u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[map[string]any](t, w)
	assert.Equal(t, "a@x.com", rec["email"])
	assert.Equal(t, float64(30), rec["age"])

	w = f.do(t, http.MethodPost, "/api/v1/tables/users/records", `{"id": "u1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "key collision")

	w = f.do(t, http.MethodPost, "/api/v1/tables/users/records", `{"id": "u2", "email": "a@x.com"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "constraint violation")

	w = f.do(t, http.MethodPut, "/api/v1/tables/users/records/u1", `{"email": "b@x.com"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/tables/users/records/u1", "")
	assert.Equal(t, map[string]any{"id": "u1", "email": "b@x.com"}, decode[map[string]any](t, w))

	w = f.do(t, http.MethodGet, "/api/v1/tables/users/records", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 1)

	w = f.do(t, http.MethodDelete, "/api/v1/tables/users/records/u1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodDelete, "/api/v1/tables/users/records/u1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/tables/users/records/u1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "record not found")

	w = f.do(t, http.MethodGet, "/api/v1/tables/users/records", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestRecords_NumericKeys(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/v1/tables/users/records", `{"id": 42, "name": "numeric"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/tables/users/records/42", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "numeric", decode[map[string]any](t, w)["name"])

	w = f.do(t, http.MethodPost, "/api/v1/tables/notes/records", `{"text": "generated"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	key := decode[map[string]any](t, w)["key"]

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tables/notes/records/%v", key), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecords_BadRequests(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		text   string
	}{
		{name: "invalid json", method: http.MethodPost, path: "/api/v1/tables/users/records", body: "invalid json", code: http.StatusBadRequest, text: "invalid request"},
		{name: "json array", method: http.MethodPost, path: "/api/v1/tables/users/records", body: "[1]", code: http.StatusBadRequest, text: "invalid request"},
		{name: "missing key", method: http.MethodPost, path: "/api/v1/tables/users/records", body: `{"name": "x"}`, code: http.StatusBadRequest, text: "invalid key"},
		{name: "no such table", method: http.MethodGet, path: "/api/v1/tables/ghosts/records", code: http.StatusNotFound, text: "no such table"},
		{name: "no such index", method: http.MethodGet, path: "/api/v1/tables/users/indexes/nope?value=a", code: http.StatusNotFound, text: "no such index"},
		{name: "index without value", method: http.MethodGet, path: "/api/v1/tables/users/indexes/emailIndex", code: http.StatusBadRequest, text: "value query parameter"},
		{name: "string key on generated table", method: http.MethodPut, path: "/api/v1/tables/notes/records/abc", body: `{}`, code: http.StatusBadRequest, text: "invalid key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.text)
		})
	}
}

func TestRecords_QueryAndIndex(t *testing.T) {
	f := newFixture(t, true)

	for _, body := range []string{
		`{"id": 1, "email": "a@x.com", "role": "admin", "team": "red"}`,
		`{"id": 2, "email": "b@x.com", "role": "admin", "team": "blue"}`,
		`{"id": 3, "email": "c@x.com", "role": "user", "team": "red"}`,
	} {
		w := f.do(t, http.MethodPost, "/api/v1/tables/users/records", body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := f.do(t, http.MethodPost, "/api/v1/tables/users/query", `{"role": "admin"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 2)

	w = f.do(t, http.MethodPost, "/api/v1/tables/users/query", `{"role": "nobody"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/tables/users/indexes/emailIndex?value=c@x.com", "")
	require.Equal(t, http.StatusOK, w.Code)
	found := decode[[]map[string]any](t, w)
	require.Len(t, found, 1)
	assert.Equal(t, float64(3), found[0]["id"])

	w = f.do(t, http.MethodGet, "/api/v1/tables/users/indexes/roleTeam?value=admin&value=blue", "")
	require.Equal(t, http.StatusOK, w.Code)
	found = decode[[]map[string]any](t, w)
	require.Len(t, found, 1)
	assert.Equal(t, float64(2), found[0]["id"])
}

func TestSnapshots(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/v1/snapshots", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, f.jobs.startCalled)
	assert.Equal(t, "snapshot-job-id", decode[types.SnapshotResponse](t, w).JobID)

	w = f.do(t, http.MethodPost, "/api/v1/snapshots/restore", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/snapshots/restore", `{"object": "app/v1/x.json.sz"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "app/v1/x.json.sz", f.jobs.lastObject)

	w = f.do(t, http.MethodGet, "/api/v1/snapshots/snapshot-job-id", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusCompleted, decode[types.StatusResponse](t, w).Status)

	w = f.do(t, http.MethodGet, "/api/v1/snapshots/other", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/snapshots/snapshot-job-id", "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.jobs.cancelMissing = true
	w = f.do(t, http.MethodDelete, "/api/v1/snapshots/other", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.jobs.startErr = migrator.ErrNotInitialized
	w = f.do(t, http.MethodPost, "/api/v1/snapshots", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSnapshots_NotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, NewHandler(records.New(migrator.New(nil, migrator.Options{})), fixedState(migrator.StateReady), nil), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/snapshots", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)

	f.do(t, http.MethodGet, "/api/v1/tables/users/records", "")
	f.do(t, http.MethodGet, "/no/such/route", "")

	w := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `recordstore_http_requests_total{code="200",method="GET",route="/api/v1/tables/:table/records"} 1`)
	assert.Contains(t, body, `recordstore_http_requests_total{code="404",method="GET",route="unmatched"} 1`)
	assert.Contains(t, body, `recordstore_operations_total`)
}
