package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/r3e-benchfabric/master/internal/config"
	"github.com/r3e-benchfabric/master/internal/logging"
	"github.com/r3e-benchfabric/master/internal/master"
	"github.com/r3e-benchfabric/master/internal/registry"
)

// newTestMaster constructs a real Master rooted at a temp working directory
// so state files (account locks, paired devices, run artifacts) never touch
// the repository checkout.
func newTestMaster(t *testing.T) *master.Master {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg := config.New()
	cfg.Runtime.MetricsEnabled = false
	m, err := master.New(cfg, logging.New("master-test", "error", "json"))
	require.NoError(t, err)
	return m
}

func TestHandleCreateCampaign_ReturnsCreatedWithCampaignID(t *testing.T) {
	m := newTestMaster(t)
	router := mux.NewRouter()
	registerAdminRoutes(router, m, nil)

	body, err := json.Marshal(createCampaignRequest{
		SUTs:              []string{"sut-1", "sut-2"},
		Games:             []string{"Alan Wake", "Hitman 3"},
		IterationsPerGame: 1,
		Quality:           "high",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/admin/campaigns", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 201, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["campaign_id"])
}

func TestHandleCreateCampaign_RejectsEmptySUTsOrGames(t *testing.T) {
	m := newTestMaster(t)
	router := mux.NewRouter()
	registerAdminRoutes(router, m, nil)

	body, _ := json.Marshal(createCampaignRequest{Games: []string{"Hitman 3"}})
	req := httptest.NewRequest("POST", "/admin/campaigns", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestAdminQueueStatsAndEvents(t *testing.T) {
	m := newTestMaster(t)
	router := mux.NewRouter()
	registerAdminRoutes(router, m, nil)

	req := httptest.NewRequest("GET", "/admin/queue/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	req = httptest.NewRequest("GET", "/admin/events?limit=10", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}

func TestAdminSetDisplayName(t *testing.T) {
	m := newTestMaster(t)
	router := mux.NewRouter()
	registerAdminRoutes(router, m, nil)

	body := bytes.NewReader([]byte(`{"display_name":"Bench Rig 1"}`))
	req := httptest.NewRequest("POST", "/admin/devices/sut-ghost/display-name", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code, "unknown device must be rejected")

	m.Registry.Upsert(req.Context(), "10.0.0.5", 8765, "sut-1", registry.UpsertAttrs{})
	body = bytes.NewReader([]byte(`{"display_name":"Bench Rig 1"}`))
	req = httptest.NewRequest("POST", "/admin/devices/sut-1/display-name", body)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 204, rec.Code)

	dev, err := m.Registry.Lookup("sut-1")
	require.NoError(t, err)
	require.Equal(t, "Bench Rig 1", dev.DisplayName)
}

func TestAdminQueueHistory(t *testing.T) {
	m := newTestMaster(t)
	router := mux.NewRouter()
	registerAdminRoutes(router, m, nil)

	req := httptest.NewRequest("GET", "/admin/queue/history?limit=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("192.168.1.5:51000")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.5", host)
	require.Equal(t, "51000", port)

	host, port, err = splitHostPort("no-port-here")
	require.NoError(t, err)
	require.Equal(t, "no-port-here", host)
	require.Equal(t, "", port)
}
