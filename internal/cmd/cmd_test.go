package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-10-01")

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "riftguard 1.2.3\n", out)

	out, err = run(t, "version", "--extended")
	require.NoError(t, err)
	assert.Contains(t, out, "Commit: abc123")
	assert.Contains(t, out, "Go: ")
}

func TestLimitsUsesBuiltInEndpointTable(t *testing.T) {
	out, err := run(t, "limits", "/api/v3/depth")
	require.NoError(t, err)

	var view limitsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "/api/v3/depth", view.Endpoint)
	assert.Equal(t, 50, view.MaxRequests)
	assert.Equal(t, "sliding_window", view.Algorithm)
}

func TestLimitsAppliesTierAndConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riftguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
limits:
  max_requests: 30
  window: 10s
  endpoints:
    - path: "/things/{id}"
      max_requests: 4
`), 0o600))

	out, err := run(t, "--config", path, "limits", "/things/42", "--tier", "high")
	require.NoError(t, err)

	var view limitsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "/things/{id}", view.Endpoint)
	assert.Equal(t, 6, view.MaxRequests)
	assert.Equal(t, "10s", view.Window)
}

func TestLimitsRejectsUnknownTier(t *testing.T) {
	_, err := run(t, "limits", "/api/v3/depth", "--tier", "gold")
	require.Error(t, err)
}
