package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
[general]
log_level = "debug"
state_db = "~/state.db"

[governance]
nodes = ["https://node-a.example", "https://node-b.example"]

[object_store]
gateways = ["https://gw-a.example"]

[ml_service]
endpoint = "http://127.0.0.1:9100"

[signer]
endpoint = "http://127.0.0.1:9200"
identity = "alice"
`

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dalcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.General.TrainingPhaseBudget.Duration)
	assert.Equal(t, int64(1<<20), cfg.General.InlineDatasetMaxBytes)
	assert.Equal(t, 8, cfg.Retry.ReadMaxAttempts)
	assert.Equal(t, 5, cfg.Retry.WriteMaxAttempts)
	assert.Equal(t, 0.5, cfg.Breaker.FailureRatio)
	assert.Equal(t, 1024, cfg.EventBus.QueueSize)
	assert.Equal(t, "127.0.0.1:8089", cfg.API.Bind)
}

func TestLoadExpandsHomePaths(t *testing.T) {
	path := writeTestConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.NotContains(t, cfg.General.StateDB, "~")
}

func TestLoadRejectsMissingGovernanceNodes(t *testing.T) {
	path := writeTestConfig(t, `
[object_store]
gateways = ["https://gw-a.example"]

[ml_service]
endpoint = "http://127.0.0.1:9100"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "governance.nodes")
}

func TestLoadRejectsMissingObjectStoreGateways(t *testing.T) {
	path := writeTestConfig(t, `
[governance]
nodes = ["https://node-a.example"]

[ml_service]
endpoint = "http://127.0.0.1:9100"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object_store.gateways")
}

func TestLoadRejectsMissingMLEndpoint(t *testing.T) {
	path := writeTestConfig(t, `
[governance]
nodes = ["https://node-a.example"]

[object_store]
gateways = ["https://gw-a.example"]
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ml_service.endpoint")
}

func TestLoadRejectsMissingSignerEndpoint(t *testing.T) {
	path := writeTestConfig(t, `
[governance]
nodes = ["https://node-a.example"]

[object_store]
gateways = ["https://gw-a.example"]

[ml_service]
endpoint = "http://127.0.0.1:9100"

[signer]
identity = "alice"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signer.endpoint")
}

func TestLoadRejectsInvalidFailureRatio(t *testing.T) {
	path := writeTestConfig(t, validConfig+"\n[breaker]\nfailure_ratio = 1.5\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breaker.failure_ratio")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeTestConfig(t, "this is not valid = = toml")
	_, err := Load(path)
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	clone := cfg.Clone()
	clone.Governance.Nodes[0] = "mutated"

	assert.NotEqual(t, cfg.Governance.Nodes[0], clone.Governance.Nodes[0])
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, filepath.Join(home, "foo", "bar"), ExpandHome("~/foo/bar"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	var bad Duration
	assert.Error(t, bad.UnmarshalText([]byte("not-a-duration")))
}

func TestDurationMarshalText(t *testing.T) {
	d := Duration{Duration: 2 * time.Minute}
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", string(text))
}

func TestLoadManager(t *testing.T) {
	path := writeTestConfig(t, validConfig)

	mgr, err := LoadManager(path)
	require.NoError(t, err)
	require.NotNil(t, mgr.Get())
	assert.Equal(t, "debug", mgr.Get().General.LogLevel)
}
