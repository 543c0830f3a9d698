// ABOUTME: Tests for federation peer map loading and validation
// ABOUTME: Covers endpoint lookup, trust flags, and malformed entries

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePeers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadPeers_Basic(t *testing.T) {
	path := writePeers(t, `
[[division]]
id = "div-finance"
gateway_endpoint = "https://finance.gw.internal:8443"
trusted = true

[[division]]
id = "div-research"
gateway_endpoint = "http://research.gw.internal:8080"
trusted = false
`)

	peers, err := LoadPeers(path)
	require.NoError(t, err)
	require.Len(t, peers.Divisions, 2)

	ep, ok := peers.Endpoint("div-finance")
	assert.True(t, ok)
	assert.Equal(t, "https://finance.gw.internal:8443", ep)

	assert.True(t, peers.IsTrusted("div-finance"))
	assert.False(t, peers.IsTrusted("div-research"))
	assert.False(t, peers.IsTrusted("div-unknown"))

	assert.Equal(t, []string{"div-finance"}, peers.TrustedIDs())
}

func TestLoadPeers_EmptyPath(t *testing.T) {
	peers, err := LoadPeers("")
	require.NoError(t, err)
	assert.Empty(t, peers.Divisions)

	_, ok := peers.Endpoint("div-x")
	assert.False(t, ok)
}

func TestLoadPeers_DuplicateID(t *testing.T) {
	path := writePeers(t, `
[[division]]
id = "div-a"
gateway_endpoint = "http://a:8080"

[[division]]
id = "div-a"
gateway_endpoint = "http://b:8080"
`)

	_, err := LoadPeers(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadPeers_InvalidEndpoint(t *testing.T) {
	path := writePeers(t, `
[[division]]
id = "div-a"
gateway_endpoint = "not a url"
`)

	_, err := LoadPeers(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway_endpoint")
}

func TestLoadPeers_EnvExpansion(t *testing.T) {
	t.Setenv("FABRIC_TEST_PEER_HOST", "peer.example.com")
	path := writePeers(t, `
[[division]]
id = "div-a"
gateway_endpoint = "http://${FABRIC_TEST_PEER_HOST}:8080"
trusted = true
`)

	peers, err := LoadPeers(path)
	require.NoError(t, err)
	ep, _ := peers.Endpoint("div-a")
	assert.Equal(t, "http://peer.example.com:8080", ep)
}
