package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/aclrt/fixtures"
	"github.com/fxnlabs/aclrt/internal/config"
	"github.com/fxnlabs/aclrt/pkg/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Device.MemoryBytes = 32 << 20
	cfg.Metrics.ListenAddress = "127.0.0.1:0"
	return cfg
}

func TestSelftestPasses(t *testing.T) {
	var out bytes.Buffer
	failed := runSelftest(&out, smallConfig(), zap.NewNop())
	assert.Zero(t, failed, out.String())
	assert.Equal(t, len(scenarios), bytes.Count(out.Bytes(), []byte("PASS")))
}

func TestPrintInfo(t *testing.T) {
	p, err := acl.NewPlatform(smallConfig(), zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	var out bytes.Buffer
	require.NoError(t, printInfo(&out, p))
	assert.Contains(t, out.String(), "devices: 2")
	assert.Contains(t, out.String(), "SimNPU-1")
}

func TestServe(t *testing.T) {
	var mux *http.ServeMux
	app := fxtest.New(t, serveOptions(smallConfig(), zap.NewNop()), fx.Populate(&mux))
	app.RequireStart()
	defer app.RequireStop()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Len(t, status.Devices, 2)
	assert.Equal(t, int64(32<<20), status.Devices[0].TotalMemory)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aclrt_http_responses_total")
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	app := newApp()
	app.Writer = &bytes.Buffer{}

	require.NoError(t, app.Run([]string{"aclrt", "init", path}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, data)

	assert.Error(t, app.Run([]string{"aclrt", "init", path}))
	assert.NoError(t, app.Run([]string{"aclrt", "init", "--force", path}))

	// The written file is a loadable config.
	require.NoError(t, app.Run([]string{"aclrt", "--config", path, "info"}))
}
