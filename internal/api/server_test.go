package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/config"
	qmemory "github.com/tarabot/tarabot/internal/queue/memory"
	"github.com/tarabot/tarabot/internal/scan"
	"github.com/tarabot/tarabot/internal/service"
	"github.com/tarabot/tarabot/internal/storage/memory"
	"github.com/tarabot/tarabot/internal/stopset"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	q := qmemory.NewQueue(qmemory.Settings{StalledInterval: time.Hour})
	t.Cleanup(func() { _ = q.Close() })

	lists := memory.NewDomainLists()
	lists.Register("list-1", []string{"a.com", "b.com"})

	svc := service.New(
		memory.NewCheckpointStore(),
		memory.NewResultStore(),
		q,
		stopset.New(memory.NewStopFlagStore(), time.Hour, zap.NewNop()),
		lists,
		service.Options{PauseSettle: 50 * time.Millisecond},
		zap.NewNop(),
	)
	return NewServer(svc, cfg, zap.NewNop())
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func createPayload() map[string]any {
	return map[string]any{
		"name":           "nightly",
		"domain_list_id": "list-1",
		"paths":          []string{"/"},
		"search_terms":   []string{"term"},
	}
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.Config{})

	rr := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, srv.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestScanCRUD(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.Config{})
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/scans", createPayload())
	require.Equal(t, http.StatusCreated, rr.Code)

	var rec scan.Scan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.NotEmpty(t, rec.ID)
	require.Equal(t, scan.StatusPending, rec.Status)

	rr = doJSON(t, h, http.MethodGet, "/v1/scans/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/scans", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), rec.ID)

	rr = doJSON(t, h, http.MethodDelete, "/v1/scans/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/scans/"+rec.ID, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateScanValidation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.Config{})
	h := srv.Handler()

	payload := createPayload()
	delete(payload, "search_terms")
	rr := doJSON(t, h, http.MethodPost, "/v1/scans", payload)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	payload = createPayload()
	payload["start_index"] = 99
	rr = doJSON(t, h, http.MethodPost, "/v1/scans", payload)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartAndLifecycleConflicts(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.Config{})
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/scans", createPayload())
	require.Equal(t, http.StatusCreated, rr.Code)
	var rec scan.Scan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))

	rr = doJSON(t, h, http.MethodPost, "/v1/scans/"+rec.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	// Pausing a scan that is not running conflicts.
	rr = doJSON(t, h, http.MethodPost, "/v1/scans/"+rec.ID+"/pause", nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/scans/"+rec.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/scans/"+rec.ID+"/start", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestResultsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.Config{})
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/scans", createPayload())
	require.Equal(t, http.StatusCreated, rr.Code)
	var rec scan.Scan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))

	rr = doJSON(t, h, http.MethodGet, "/v1/scans/"+rec.ID+"/results?page=1&limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var page struct {
		Page    int           `json:"page"`
		Limit   int           `json:"limit"`
		Results []scan.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Equal(t, 1, page.Page)
	require.Equal(t, 10, page.Limit)
	require.Empty(t, page.Results)

	rr = doJSON(t, h, http.MethodGet, "/v1/scans/missing/results", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueueEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.Config{})
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/queue/pause", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st struct {
		Paused bool `json:"is_paused"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.True(t, st.Paused)

	rr = doJSON(t, h, http.MethodPost, "/v1/queue/resume", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/queue/clean", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	srv := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
