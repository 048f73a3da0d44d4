package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/botvisor/botvisor/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates defaults when only the required variables are set.
// Scope: Unit Test
// Expected: 30s health interval, 5s probe timeout, liveness on 8081, URL doubles as worker ID.
// Test Case ID: CFG-01
func TestConfig_Load_Defaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "s3cret")
	t.Setenv("WORKER_URLS", "http://w1.local:8080, http://w2.local:8080")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "8081", cfg.Liveness.Port)
	assert.True(t, cfg.Liveness.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 5*time.Second, cfg.Health.ProbeTimeout)
	assert.Equal(t, "python", cfg.Runtime.Python)
	assert.Equal(t, "node", cfg.Runtime.Node)
	assert.Equal(t, 500, cfg.Observability.JournalSize)
	assert.Equal(t, []worker.Worker{
		{ID: "http://w1.local:8080", URL: "http://w1.local:8080"},
		{ID: "http://w2.local:8080", URL: "http://w2.local:8080"},
	}, cfg.Workers.List)
}

// TestPurpose: Validates that missing required settings fail loading.
// Scope: Unit Test
// Expected: Errors without TOKEN_SECRET and without any worker source.
// Test Case ID: CFG-02
func TestConfig_Load_Required(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")
	t.Setenv("WORKER_URLS", "http://w1.local")
	_, err := Load()
	assert.ErrorContains(t, err, "TOKEN_SECRET")

	t.Setenv("TOKEN_SECRET", "s3cret")
	t.Setenv("WORKER_URLS", "")
	t.Setenv("WORKERS_FILE", "")
	_, err = Load()
	assert.ErrorIs(t, err, ErrNoWorkers)
}

// TestPurpose: Validates id=url entries and invalid worker lists.
// Scope: Unit Test
// Expected: Named workers parsed; duplicates and non-http URLs rejected.
// Test Case ID: CFG-03
func TestConfig_LoadWorkers_URLs(t *testing.T) {
	list, err := LoadWorkers("eu=https://eu.example.net, us=http://us.example.net:9000/", "")
	require.NoError(t, err)
	assert.Equal(t, []worker.Worker{
		{ID: "eu", URL: "https://eu.example.net"},
		{ID: "us", URL: "http://us.example.net:9000/"},
	}, list)

	_, err = LoadWorkers("a=http://x.local,a=http://y.local", "")
	assert.ErrorContains(t, err, "duplicate")

	_, err = LoadWorkers("ftp://x.local", "")
	assert.Error(t, err)
}

// TestPurpose: Validates the YAML worker file.
// Scope: Unit Test
// Expected: Entries decoded in order; missing id falls back to the URL; file wins over WORKER_URLS.
// Test Case ID: CFG-04
func TestConfig_LoadWorkers_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`workers:
  - id: w1
    url: http://w1.local:8080
  - url: http://w2.local:8080
`), 0o644))

	list, err := LoadWorkers("http://ignored.local", path)
	require.NoError(t, err)
	assert.Equal(t, []worker.Worker{
		{ID: "w1", URL: "http://w1.local:8080"},
		{ID: "http://w2.local:8080", URL: "http://w2.local:8080"},
	}, list)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("workers: [\n"), 0o644))
	_, err = LoadWorkers("", bad)
	assert.Error(t, err)
}

// TestPurpose: Validates cross-field validation rules.
// Scope: Unit Test
// Expected: Probe timeout above interval and clashing ports are rejected.
// Test Case ID: CFG-05
func TestConfig_Validate(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "s3cret")
	t.Setenv("WORKER_URLS", "http://w1.local")

	cfg, err := Load()
	require.NoError(t, err)

	cfg.Health.ProbeTimeout = time.Minute
	assert.Error(t, cfg.Validate())

	cfg.Health.ProbeTimeout = time.Second
	cfg.Liveness.Port = cfg.Server.Port
	assert.Error(t, cfg.Validate())

	cfg.Liveness.Enabled = false
	assert.NoError(t, cfg.Validate())
}

// TestPurpose: Validates worker agent configuration.
// Scope: Unit Test
// Expected: Workspace and port from environment; agent service name default.
// Test Case ID: CFG-06
func TestConfig_LoadAgent(t *testing.T) {
	t.Setenv("AGENT_WORKSPACE", "/srv/bot")
	t.Setenv("AGENT_PORT", "9090")

	cfg, err := LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, "/srv/bot", cfg.Agent.Workspace)
	assert.Equal(t, "9090", cfg.Agent.Port)
	assert.Equal(t, "botvisor-worker", cfg.Observability.ServiceName)
}
