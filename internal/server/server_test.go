package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbound/vixy/internal/config"
	"github.com/chainbound/vixy/internal/metrics"
	"github.com/chainbound/vixy/internal/registry"
)

func testConfig() *config.Config {
	cfg, err := config.Parse([]byte(`
[[el.primary]]
name = "geth-1"
http_url = "http://example.invalid"
ws_url = "ws://example.invalid"

[[cl]]
name = "lighthouse-1"
url = "http://example.invalid"
`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestHealthAlwaysReturnsOK(t *testing.T) {
	cfg := testConfig()
	reg := registry.New(nil, nil, cfg.Global.MaxELLagBlocks, cfg.Global.MaxCLLagSlots, cfg.Global.HealthCheckMaxFails)
	s := New(cfg, reg, http.DefaultClient, metrics.New(), nil)

	srv := httptest.NewServer(s.Handler(cfg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusReportsRegistrySnapshot(t *testing.T) {
	cfg := testConfig()
	reg := registry.New([]*registry.ElNode{
		{Name: "geth-1", HTTPURL: "http://x", Tier: registry.TierPrimary, ProbeOK: true, LastBlock: 100},
	}, []*registry.ClNode{
		{Name: "lighthouse-1", URL: "http://y", HealthOK: true, LastSlot: 50},
	}, 5, 3, 3)
	s := New(cfg, reg, http.DefaultClient, metrics.New(), nil)

	srv := httptest.NewServer(s.Handler(cfg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, uint64(100), body.ELChainHead)
	assert.Equal(t, uint64(50), body.CLChainHead)
	require.Len(t, body.ELNodes, 1)
	assert.Equal(t, "geth-1", body.ELNodes[0].Name)
	assert.True(t, body.ELNodes[0].IsPrimary)
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	cfg := testConfig()
	reg := registry.New(nil, nil, 5, 3, 3)
	s := New(cfg, reg, http.DefaultClient, metrics.New(), nil)

	srv := httptest.NewServer(s.Handler(cfg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCLRouteForwardsWildcardPath(t *testing.T) {
	cl := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/eth/v1/node/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer cl.Close()

	cfg := testConfig()
	reg := registry.New(nil, []*registry.ClNode{{Name: "c1", URL: cl.URL, HealthOK: true}}, 5, 3, 3)
	s := New(cfg, reg, http.DefaultClient, metrics.New(), nil)

	srv := httptest.NewServer(s.Handler(cfg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cl/eth/v1/node/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
