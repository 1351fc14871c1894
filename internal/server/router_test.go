package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-tape-scheduler/internal/api"
)

const e2eCatalogue = `
pools:
  - name: tier1
    logicalLibrary: lib1
    priority: 1
    criteria:
      archive: {maxFilesQueued: 1, maxBytesQueued: 1000000000, maxAge: 3600, quota: 1}
      retrieve: {maxFilesQueued: 1, maxBytesQueued: 1000000000, maxAge: 3600, quota: 1}
    tapes:
      - {vid: V00001}
drives:
  - {name: drv0, logicalLibrary: lib1, ordinal: 0}
`

func newTestApp(t *testing.T) (*App, string, *prometheus.Registry) {
	t.Helper()
	dir := t.TempDir()
	catPath := filepath.Join(dir, "catalogue.yaml")
	require.NoError(t, os.WriteFile(catPath, []byte(e2eCatalogue), 0o600))

	cfg := LoadConfig()
	cfg.Store = StoreMemory
	cfg.CataloguePath = catPath
	cfg.CatalogueReport = filepath.Join(dir, "report.jsonl")
	cfg.Scheduler.PollInterval = 20 * time.Millisecond
	cfg.Scheduler.LeaseTTL = 10 * time.Second
	cfg.Scheduler.RenewInterval = 2 * time.Second

	reg := prometheus.NewRegistry()
	app, err := Open(cfg, reg)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app, cfg.CatalogueReport, reg
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.UserHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSONBody(t *testing.T, body io.ReadCloser) map[string]any {
	t.Helper()
	defer body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func lookupString(m map[string]any, outer, inner string) (string, bool) {
	obj, ok := m[outer].(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := obj[inner].(string)
	return v, ok
}

func TestRouterEndToEnd_ArchiveLifecycle(t *testing.T) {
	app, reportPath, reg := newTestApp(t)
	ts := httptest.NewServer(NewRouter(app.Admin, app, reg))
	defer ts.Close()

	app.Start()
	defer app.Stop()

	resp := postJSON(t, ts.URL+"/v1/archive", map[string]any{
		"pool":    "tier1",
		"src_url": "root://eos/data/file1",
		"size":    4096,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID, ok := lookupString(decodeJSONBody(t, resp.Body), "job", "id")
	require.True(t, ok)

	// One queued file meets the count threshold, so the job is mounted,
	// written, reported and removed.
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/v1/jobs/" + jobID)
		if err != nil {
			return false
		}
		r.Body.Close()
		return r.StatusCode == http.StatusNotFound
	}, 5*time.Second, 20*time.Millisecond)

	report, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(report), jobID)

	// The mount reaches completed once the drive is unloaded, which may
	// trail the report.
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/v1/mounts")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var body struct {
			Mounts []struct {
				State string `json:"state"`
			} `json:"mounts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return false
		}
		return len(body.Mounts) == 1 && body.Mounts[0].State == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	r, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	metricsBody, err := io.ReadAll(r.Body)
	r.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(metricsBody), "tape_scheduler_jobs_submitted_total"))
}

func TestRouter_DuplicateSubmission(t *testing.T) {
	app, _, reg := newTestApp(t)
	ts := httptest.NewServer(NewRouter(app.Admin, app, reg))
	defer ts.Close()

	payload := map[string]any{"pool": "tier1", "src_url": "root://eos/data/dup", "size": 1}
	first := postJSON(t, ts.URL+"/v1/archive", payload)
	first.Body.Close()
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := postJSON(t, ts.URL+"/v1/archive", payload)
	body := decodeJSONBody(t, second.Body)
	assert.Equal(t, http.StatusConflict, second.StatusCode)
	code, _ := lookupString(body, "error", "code")
	assert.Equal(t, "duplicate", code)
}

func TestRouter_HealthAndContentType(t *testing.T) {
	app, _, reg := newTestApp(t)
	ts := httptest.NewServer(NewRouter(app.Admin, app, reg))
	defer ts.Close()

	r, err := http.Get(ts.URL + "/v1/health")
	require.NoError(t, err)
	body := decodeJSONBody(t, r.Body)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

	r, err = http.Post(ts.URL+"/v1/archive", "text/plain", strings.NewReader("pool=tier1"))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}
