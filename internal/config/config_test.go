package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTOML = `
[global]
max_el_lag_blocks = 5
max_cl_lag_slots = 3
health_check_interval_ms = 100

[el]
[[el.primary]]
name = "geth-1"
http_url = "http://localhost:8545"
ws_url = "ws://localhost:8546"

[[el.backup]]
name = "erigon-1"
http_url = "http://localhost:9545"
ws_url = "ws://localhost:9546"

[[cl]]
name = "lighthouse-1"
url = "http://localhost:5052"
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validTOML))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cfg.Global.MaxELLagBlocks)
	assert.Len(t, cfg.El.Primary, 1)
	assert.Len(t, cfg.El.Backup, 1)
	assert.Len(t, cfg.Cl, 1)
	assert.Equal(t, "geth-1", cfg.El.Primary[0].Name)
	assert.True(t, cfg.Metrics.Enabled, "metrics.enabled defaults to true")
	assert.Equal(t, DefaultMaxRetries, cfg.Global.MaxRetries, "unset retries falls back to default")
}

func TestParseRejectsMissingPrimary(t *testing.T) {
	const noPrimary = `
[global]
[[cl]]
name = "lighthouse-1"
url = "http://localhost:5052"
`
	_, err := Parse([]byte(noPrimary))
	assert.Error(t, err)
}

func TestParseRejectsMissingCL(t *testing.T) {
	const noCL = `
[el]
[[el.primary]]
name = "geth-1"
http_url = "http://localhost:8545"
ws_url = "ws://localhost:8546"
`
	_, err := Parse([]byte(noCL))
	assert.Error(t, err)
}

func TestParseRejectsBadURLScheme(t *testing.T) {
	const badScheme = `
[el]
[[el.primary]]
name = "geth-1"
http_url = "not-a-url"
ws_url = "ws://localhost:8546"

[[cl]]
name = "lighthouse-1"
url = "http://localhost:5052"
`
	_, err := Parse([]byte(badScheme))
	assert.Error(t, err)
}

func TestParseRejectsUnnamedNode(t *testing.T) {
	const noName = `
[el]
[[el.primary]]
http_url = "http://localhost:8545"
ws_url = "ws://localhost:8546"

[[cl]]
name = "lighthouse-1"
url = "http://localhost:5052"
`
	_, err := Parse([]byte(noName))
	assert.Error(t, err)
}
