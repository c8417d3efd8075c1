package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/scheduler"
)

type fakePool struct {
	sessions scheduler.SessionList
	pool     scheduler.PoolSummary
	byID     map[string]pool.Session
}

func (p *fakePool) ListSessions(pool.Filter) scheduler.SessionList { return p.sessions }
func (p *fakePool) PoolStatus() scheduler.PoolSummary              { return p.pool }

func (p *fakePool) Session(id string) (pool.Session, error) {
	sess, ok := p.byID[id]
	if !ok {
		return pool.Session{}, fmt.Errorf("%w: %s", pool.ErrSessionNotFound, id)
	}
	return sess, nil
}

func newTestServer() (*Server, *fakePool) {
	p := &fakePool{
		sessions: scheduler.SessionList{Sessions: []scheduler.SessionSummary{{
			SessionID:  "s-20260115-093000-deadbeef",
			VMName:     "stratus-dev-20260115-093000",
			Status:     pool.StatusRunning,
			Prompt:     "refactor the storage layer",
			CreatedAt:  time.Now(),
			AgeMinutes: 5,
		}}},
		pool: scheduler.PoolSummary{
			TotalVMs:          1,
			TotalCapacity:     4,
			ActiveSessions:    1,
			AvailableCapacity: 3,
			VMs: []scheduler.NodeSummary{{
				Name: "stratus-dev-20260115-093000", Size: "L", Region: "us-west-2",
				Capacity: 4, ActiveSessions: 1, AvailableCapacity: 3,
			}},
		},
		byID: map[string]pool.Session{
			"s-20260115-093000-deadbeef": {ID: "s-20260115-093000-deadbeef", Status: pool.StatusRunning},
		},
	}
	return New("127.0.0.1", 0, p), p
}

func TestServer_NotFoundEnvelope(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/v1/pool", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_Sessions(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body["sessions"], 1)
	assert.Equal(t, "s-20260115-093000-deadbeef", body["sessions"][0]["session_id"])
}

func TestServer_SessionByID(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s-20260115-093000-deadbeef", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/s-nope", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "SESSION_NOT_FOUND", body.Error.Code)
}

func TestServer_Pool(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.EqualValues(t, 1, body["total_vms"])
	assert.EqualValues(t, 3, body["available_capacity"])
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
