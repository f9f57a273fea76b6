package proxyprobe

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/proxyprobe/internal/results"
	"github.com/loykin/proxyprobe/internal/scheduler"
	"github.com/loykin/proxyprobe/pkg/client"
)

const payload = `{"inbounds":[{"tag":"socks","port":1080,"protocol":"socks"}],"outbounds":[{"protocol":"freedom"}]}`

func writeManifest(t *testing.T, dir string, names map[string]string, order []string) {
	t.Helper()
	list := "{"
	for i, id := range order {
		if i > 0 {
			list += ","
		}
		b, _ := json.Marshal(names[id])
		list += `"` + id + `":` + string(b)
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(payload), 0o644))
	}
	list += "}"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config_list.json"), []byte(list), 0o644))
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	c, err := LoadConfig("")
	require.NoError(t, err)
	dir := t.TempDir()
	c.Manifest.Dir = filepath.Join(dir, "configs")
	require.NoError(t, os.MkdirAll(c.Manifest.Dir, 0o755))
	c.Results.File = filepath.Join(dir, "ping_results.json")
	c.Engine.Binary = filepath.Join(dir, "missing", "xray")
	c.Engine.ScratchDir = filepath.Join(dir, "scratch")
	c.Schedule.Pause = 0
	return c
}

func TestSweepOnceWithMissingEngine(t *testing.T) {
	c := testConfig(t)
	writeManifest(t, c.Manifest.Dir, map[string]string{"config_0": "de%20one", "config_1": "jp"}, []string{"config_0", "config_1"})

	e, err := New(c, nil)
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	sum, err := e.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Entries)
	assert.Equal(t, 2, sum.Offline)
	assert.Equal(t, "completed", sum.Result)

	snap, err := results.ReadSnapshot(c.Results.File)
	require.NoError(t, err)
	require.Len(t, snap.Results, 2)
	assert.Equal(t, results.SentinelDelay, snap.Results["de one"].DelayMs)
	assert.Equal(t, results.StatusOffline, snap.Results["jp"].Status)

	assert.Equal(t, 2, e.Snapshot().Total)
	require.NotNil(t, e.State().LastSweep)
}

func TestRestartDropsNamesMissingFromManifest(t *testing.T) {
	c := testConfig(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	prev := results.NewStore(c.Results.File)
	for _, n := range []string{"gone1", "gone2", "gone3"} {
		prev.Update(results.Online(n, 321, at))
	}
	require.NoError(t, prev.Persist())

	e, err := New(c, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Snapshot().Total)

	writeManifest(t, c.Manifest.Dir, map[string]string{"config_0": "only"}, []string{"config_0"})
	_, err = e.SweepOnce(context.Background())
	require.NoError(t, err)

	snap, err := results.ReadSnapshot(c.Results.File)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Total)
	_, ok := snap.Results["only"]
	assert.True(t, ok)
}

func TestNewRejectsBadHistoryDSN(t *testing.T) {
	c := testConfig(t)
	c.History.Enabled = true
	c.History.DSN = "mongodb://nope"
	_, err := New(c, nil)
	assert.Error(t, err)
}

func TestRouterServesEngineState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := testConfig(t)
	writeManifest(t, c.Manifest.Dir, map[string]string{"a": "alpha"}, []string{"a"})
	e, err := New(c, nil)
	require.NoError(t, err)
	_, err = e.SweepOnce(context.Background())
	require.NoError(t, err)

	h := e.Router().Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/results/alpha", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"category":"offline"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st scheduler.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.LastSweep)
	assert.Equal(t, 1, st.LastSweep.Offline)
}

func TestServeStopsOnCancel(t *testing.T) {
	c := testConfig(t)
	writeManifest(t, c.Manifest.Dir, map[string]string{"a": "alpha"}, []string{"a"})
	c.Schedule.Tick = 20 * time.Millisecond
	e, err := New(c, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	require.Eventually(t, func() bool {
		st := e.State()
		return st.LastSweep != nil && st.Loop == scheduler.LoopSleeping
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, scheduler.LoopStopped, e.State().Loop)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeHTTPSWithGeneratedCertificate(t *testing.T) {
	c := testConfig(t)
	writeManifest(t, c.Manifest.Dir, map[string]string{"a": "alpha"}, []string{"a"})
	c.Schedule.Tick = 20 * time.Millisecond
	c.Server.Enabled = true
	c.Server.Listen = freeAddr(t)
	c.Server.TLS.Enabled = true
	c.Server.TLS.Dir = filepath.Join(t.TempDir(), "tls")
	c.Server.TLS.AutoGenerate = true
	c.Server.TLS.Hosts = []string{"127.0.0.1"}
	c.Metrics.Enabled = true
	c.Metrics.Listen = c.Server.Listen

	e, err := New(c, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(c.Server.TLS.CAPath())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	api := client.New(client.Config{
		BaseURL: "https://" + c.Server.Listen + "/api",
		Timeout: time.Second,
		TLS:     &client.TLSClientConfig{Enabled: true, CACert: c.Server.TLS.CAPath()},
	})
	require.Eventually(t, func() bool {
		v, err := api.Result(ctx, "alpha")
		return err == nil && v.Status == "offline"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, api.TriggerSweep(ctx))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
