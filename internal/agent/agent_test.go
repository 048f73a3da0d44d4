package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/supervisor"
	"github.com/botvisor/botvisor/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentServer(t *testing.T) (*Agent, *supervisor.Supervisor, *httptest.Server) {
	t.Helper()
	sup := supervisor.New(supervisor.WithInterpreters(supervisor.Interpreters{
		artifact.KindNode:   "/bin/sh",
		artifact.KindPython: "/bin/sh",
	}))
	t.Cleanup(func() { sup.StopAll() })

	a := New(t.TempDir(), 1<<20, sup)
	srv := httptest.NewServer(NewRouter(a))
	t.Cleanup(srv.Close)
	return a, sup, srv
}

func botSource(t *testing.T, entry, script string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, entry), []byte(script), 0o755))
	return dir
}

// TestPurpose: Validates delivery from the orchestrator's pool into a live agent.
// Scope: Integration Test (httptest agent)
// Expected: Bot unpacked and started under the delivered tenant; status reports alive and running; logs served.
// Test Case ID: AGT-01
func TestAgent_DeliverAndRun(t *testing.T) {
	a, sup, srv := newAgentServer(t)

	pool, err := worker.NewPool([]worker.Worker{{ID: "w1", URL: srv.URL}}, worker.NewHTTPClient(5*time.Second))
	require.NoError(t, err)

	workerID, err := pool.Place(context.Background(), "u1", botSource(t, artifact.NodeEntryFile, "echo hello\nexec sleep 30\n"))
	require.NoError(t, err)
	assert.Equal(t, "w1", workerID)

	assert.Equal(t, "u1", a.Tenant())
	assert.Equal(t, supervisor.StatusRunning, sup.Status("u1"))
	require.NoError(t, pool.Probe(context.Background(), "w1"))

	resp, err := http.Get(srv.URL + worker.StatusPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	var status map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "alive", status["status"])
	assert.Equal(t, "running", status["bot"])

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/logs")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "hello")
	}, 5*time.Second, 20*time.Millisecond)
}

// TestPurpose: Validates that a new delivery replaces the hosted tenant.
// Scope: Integration Test (httptest agent)
// Expected: Previous tenant's process is stopped; new tenant runs.
// Test Case ID: AGT-02
func TestAgent_RedeliveryReplacesTenant(t *testing.T) {
	a, sup, srv := newAgentServer(t)
	client := worker.NewHTTPClient(5 * time.Second)
	pool, err := worker.NewPool([]worker.Worker{{ID: "w1", URL: srv.URL}}, client)
	require.NoError(t, err)

	_, err = pool.Place(context.Background(), "u1", botSource(t, artifact.NodeEntryFile, "exec sleep 30\n"))
	require.NoError(t, err)
	pool.Release("w1")
	_, err = pool.Place(context.Background(), "u2", botSource(t, artifact.PythonEntryFile, "exec sleep 30\n"))
	require.NoError(t, err)

	assert.Equal(t, "u2", a.Tenant())
	assert.Equal(t, supervisor.StatusNotRunning, sup.Status("u1"))
	assert.Equal(t, supervisor.StatusRunning, sup.Status("u2"))

	_, err = os.Stat(filepath.Join(a.workspace, botDir, artifact.NodeEntryFile))
	assert.True(t, os.IsNotExist(err))
}

func multipartUpload(t *testing.T, url string, headers map[string]string, fields map[string]string, file []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		part, err := mw.CreateFormFile("file", "bot.zip")
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url+worker.UploadPath, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestPurpose: Validates upload rejection paths.
// Scope: Unit Test
// Security: Integrity check of delivered artifacts (CWE-354)
// Expected: 400 for missing file, missing tenant and digest mismatch; nothing is hosted.
// Test Case ID: AGT-03
func TestAgent_Upload_Rejects(t *testing.T) {
	a, _, srv := newAgentServer(t)

	archive, err := worker.Package(botSource(t, artifact.PythonEntryFile, "exit 0\n"))
	require.NoError(t, err)
	defer archive.Remove()
	data, err := os.ReadFile(archive.Path)
	require.NoError(t, err)

	resp := multipartUpload(t, srv.URL, map[string]string{worker.HeaderTenantID: "u1"}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = multipartUpload(t, srv.URL, nil, nil, data)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = multipartUpload(t, srv.URL, map[string]string{
		worker.HeaderTenantID: "u1",
		worker.HeaderDigest:   strings.Repeat("0", 64),
	}, nil, data)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, a.Tenant())
}

// TestPurpose: Validates the form-field tenant fallback and unknown bundles.
// Scope: Unit Test
// Expected: Tenant taken from the form; bundle without entry file yields 422.
// Test Case ID: AGT-04
func TestAgent_Upload_UnknownEntrypoint(t *testing.T) {
	a, _, srv := newAgentServer(t)

	archive, err := worker.Package(botSource(t, "README.md", "nothing to run"))
	require.NoError(t, err)
	defer archive.Remove()
	data, err := os.ReadFile(archive.Path)
	require.NoError(t, err)

	resp := multipartUpload(t, srv.URL, map[string]string{worker.HeaderDigest: archive.Digest}, map[string]string{"tenant": "u9"}, data)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "u9", a.Tenant())
}
