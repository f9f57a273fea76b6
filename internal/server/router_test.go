package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/proxyprobe/internal/results"
	"github.com/loykin/proxyprobe/internal/scheduler"
)

type fakeController struct {
	triggers atomic.Int32
	state    scheduler.State
}

func (f *fakeController) State() scheduler.State { return f.state }
func (f *fakeController) Trigger()               { f.triggers.Add(1) }

var testedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRouter(t *testing.T, base string, ctl Controller) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := results.NewStore(filepath.Join(t.TempDir(), "ping_results.json"))
	store.Update(results.Online("de-1", 120.5, testedAt))
	store.Update(results.Online("us/west 2", 1200, testedAt))
	store.Update(results.Offline("jp-1", testedAt))
	return NewRouter(store, ctl, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestResultsSnapshot(t *testing.T) {
	h := setupRouter(t, "/api", &fakeController{})
	rec := doReq(t, h, http.MethodGet, "/api/results")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap results.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, results.SentinelDelay, snap.Results["jp-1"].DelayMs)
	assert.Equal(t, results.StatusOnline, snap.Results["de-1"].Status)
}

func TestResultsStatusFilter(t *testing.T) {
	h := setupRouter(t, "/api", &fakeController{})

	rec := doReq(t, h, http.MethodGet, "/api/results?status=offline")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap results.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Total)
	assert.Contains(t, snap.Results, "jp-1")

	rec = doReq(t, h, http.MethodGet, "/api/results?status=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSingleResultCarriesCategory(t *testing.T) {
	h := setupRouter(t, "", &fakeController{})

	rec := doReq(t, h, http.MethodGet, "/results/de-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v ResultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "de-1", v.Name)
	assert.Equal(t, 120.5, v.Delay)
	assert.Equal(t, results.CategoryExcellent, v.Category)
	assert.True(t, v.Timestamp.Equal(testedAt))

	rec = doReq(t, h, http.MethodGet, "/results/us%2Fwest%202")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, results.CategoryFair, v.Category)

	rec = doReq(t, h, http.MethodGet, "/results/jp-1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, results.CategoryOffline, v.Category)
}

func TestSingleResultUnknown(t *testing.T) {
	h := setupRouter(t, "", &fakeController{})
	rec := doReq(t, h, http.MethodGet, "/results/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStateAndSweepTrigger(t *testing.T) {
	ctl := &fakeController{state: scheduler.State{Loop: scheduler.LoopSleeping, NextSweep: testedAt}}
	h := setupRouter(t, "/api/", ctl)

	rec := doReq(t, h, http.MethodGet, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var st scheduler.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, scheduler.LoopSleeping, st.Loop)

	rec = doReq(t, h, http.MethodPost, "/api/sweep")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/sweep")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int32(2), ctl.triggers.Load())
}

func TestReadOnlyRouterWithoutScheduler(t *testing.T) {
	h := setupRouter(t, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, "/state").Code)
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodPost, "/sweep").Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/results").Code)
}

func TestMetricsMount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := results.NewStore(filepath.Join(t.TempDir(), "r.json"))
	metricsHit := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("proxyprobe_configs_total 0\n"))
	})
	h := NewRouter(store, nil, "/api").WithMetrics(metricsHit).Handler()

	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proxyprobe_configs_total")

	h = NewRouter(store, nil, "/api").Handler()
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics").Code)
}

func TestNewServerTimeouts(t *testing.T) {
	srv := NewServer("127.0.0.1:0", http.NotFoundHandler())
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.Equal(t, 10*time.Second, srv.ReadHeaderTimeout)
	assert.NotZero(t, srv.WriteTimeout)
}

func TestCleanBase(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"/":      "",
		"api":    "/api",
		"/api":   "/api",
		"/api/":  "/api",
		" api ":  "/api",
		"/v1/x/": "/v1/x",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanBase(in), "cleanBase(%q)", in)
	}
}

func TestResponsesAreJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(results.NewStore(""), nil, "/api").Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/results/nobody", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
