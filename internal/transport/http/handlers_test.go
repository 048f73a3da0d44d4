package http

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/bundle"
	"github.com/botvisor/botvisor/internal/orchestrator"
	"github.com/botvisor/botvisor/internal/supervisor"
	"github.com/botvisor/botvisor/internal/token"
	"github.com/botvisor/botvisor/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLifecycle struct {
	mock.Mock
}

func (m *mockLifecycle) OnArtifactReady(ctx context.Context, tenantID, path string) (*artifact.Artifact, error) {
	args := m.Called(tenantID, path)
	a, _ := args.Get(0).(*artifact.Artifact)
	return a, args.Error(1)
}

func (m *mockLifecycle) RequestStart(ctx context.Context, tenantID string) (*supervisor.Run, error) {
	args := m.Called(tenantID)
	run, _ := args.Get(0).(*supervisor.Run)
	return run, args.Error(1)
}

func (m *mockLifecycle) RequestStop(ctx context.Context, tenantID string) error {
	return m.Called(tenantID).Error(0)
}

func (m *mockLifecycle) RequestStatus(tenantID string) orchestrator.StatusReport {
	return m.Called(tenantID).Get(0).(orchestrator.StatusReport)
}

func (m *mockLifecycle) RequestLogs(tenantID string) string {
	return m.Called(tenantID).String(0)
}

func (m *mockLifecycle) RequestLocation(tenantID string) (*artifact.Artifact, error) {
	args := m.Called(tenantID)
	a, _ := args.Get(0).(*artifact.Artifact)
	return a, args.Error(1)
}

func (m *mockLifecycle) RequestRemoval(ctx context.Context, tenantID string) error {
	return m.Called(tenantID).Error(0)
}

func (m *mockLifecycle) ListAssignments(ctx context.Context, p orchestrator.Principal) ([]worker.Slot, error) {
	args := m.Called(p)
	slots, _ := args.Get(0).([]worker.Slot)
	return slots, args.Error(1)
}

func (m *mockLifecycle) OperatorLogs(ctx context.Context, p orchestrator.Principal) (string, error) {
	args := m.Called(p)
	return args.String(0), args.Error(1)
}

type testServer struct {
	router    *chi.Mux
	lifecycle *mockLifecycle
	tokens    *token.Service
	dir       string
}

func newTestServer(t *testing.T, rps float64, burst int) *testServer {
	t.Helper()
	tokens, err := token.NewService("test-secret", "botvisor", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	lc := &mockLifecycle{}
	dir := t.TempDir()
	h := NewHandler(lc, bundle.NewFetcher(5*time.Second, 1<<20), tokens, dir)
	return &testServer{
		router:    NewRouter(h, NewRateLimiter(ctx, rps, burst), 30*time.Second),
		lifecycle: lc,
		tokens:    tokens,
		dir:       dir,
	}
}

func (s *testServer) do(t *testing.T, method, path, tenantID string, operator bool, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if tenantID != "" {
		raw, err := s.tokens.Issue(tenantID, operator)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+raw)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// TestPurpose: Validates that API routes require a valid bearer token while /health stays public.
// Scope: Unit Test
// Security: Authentication enforcement (CWE-306)
// Expected: 401 without or with a forged token; 200 for /health.
// Test Case ID: HTTP-01
func TestHTTP_Auth_Required(t *testing.T) {
	s := newTestServer(t, 100, 100)

	w := s.do(t, http.MethodGet, "/health", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/bot/status", "", false, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bot/status", nil)
	req.Header.Set("Authorization", "Bearer forged.token.value")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.lifecycle.AssertNotCalled(t, "RequestStatus", mock.Anything)
}

// TestPurpose: Validates the mapping from lifecycle errors to HTTP statuses.
// Scope: Unit Test
// Expected: Each error kind maps to its documented status.
// Test Case ID: HTTP-02
func TestHTTP_ErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{orchestrator.ErrNoArtifact, http.StatusNotFound},
		{artifact.ErrNotFound, http.StatusNotFound},
		{supervisor.ErrAlreadyRunning, http.StatusConflict},
		{supervisor.ErrNotRunning, http.StatusConflict},
		{supervisor.ErrUnknownEntrypoint, http.StatusUnprocessableEntity},
		{&supervisor.LaunchError{Kind: artifact.KindPython, Err: os.ErrNotExist}, http.StatusInternalServerError},
		{fmt.Errorf("place: %w", worker.ErrNoCapacity), http.StatusServiceUnavailable},
		{&worker.TransferError{WorkerID: "w1", Err: errors.New("refused")}, http.StatusBadGateway},
		{&artifact.RemovalError{Path: "/x", Err: os.ErrPermission}, http.StatusInternalServerError},
		{orchestrator.ErrForbidden, http.StatusForbidden},
		{bundle.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, message := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, message)
		})
	}
}

// TestPurpose: Validates start, stop, status and removal routing with the caller's tenant.
// Scope: Unit Test
// Expected: Facade called with the token subject; results and conflicts rendered as JSON.
// Test Case ID: HTTP-03
func TestHTTP_BotCommands(t *testing.T) {
	s := newTestServer(t, 100, 100)
	lc := s.lifecycle

	lc.On("RequestStart", "u1").Return(&supervisor.Run{TenantID: "u1", RunID: "r1", State: supervisor.StateRunning}, nil).Once()
	w := s.do(t, http.MethodPost, "/api/v1/bot/start", "u1", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "r1", decode(t, w)["run_id"])

	lc.On("RequestStart", "u1").Return(nil, supervisor.ErrAlreadyRunning).Once()
	w = s.do(t, http.MethodPost, "/api/v1/bot/start", "u1", false, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	lc.On("RequestStop", "u1").Return(nil)
	w = s.do(t, http.MethodPost, "/api/v1/bot/stop", "u1", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	lc.On("RequestStatus", "u1").Return(orchestrator.StatusReport{TenantID: "u1", Status: supervisor.StatusNotRunning})
	w = s.do(t, http.MethodGet, "/api/v1/bot/status", "u1", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_running", decode(t, w)["status"])

	lc.On("RequestLogs", "u1").Return("hello\nBot process exited with code 0\n")
	w = s.do(t, http.MethodGet, "/api/v1/bot/console", "u1", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["logs"], "exited with code 0")

	lc.On("RequestLocation", "u1").Return(&artifact.Artifact{TenantID: "u1", Path: "/bots/u1", Kind: artifact.KindNode}, nil)
	w = s.do(t, http.MethodGet, "/api/v1/bot/location", "u1", false, nil)
	assert.Equal(t, "/bots/u1", decode(t, w)["path"])

	lc.On("RequestRemoval", "u1").Return(nil).Once()
	lc.On("RequestRemoval", "u1").Return(artifact.ErrNotFound).Once()
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/v1/bot", "u1", false, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/bot", "u1", false, nil).Code)

	lc.AssertExpectations(t)
}

// TestPurpose: Validates that a launch failure returns the captured logs.
// Scope: Unit Test
// Expected: 500 with error message and the log text.
// Test Case ID: HTTP-04
func TestHTTP_StartBot_LaunchFailedIncludesLogs(t *testing.T) {
	s := newTestServer(t, 100, 100)
	s.lifecycle.On("RequestStart", "u1").Return(nil, &supervisor.LaunchError{Kind: artifact.KindNode, Err: os.ErrNotExist})
	s.lifecycle.On("RequestLogs", "u1").Return("Failed to start bot: file does not exist\n")

	w := s.do(t, http.MethodPost, "/api/v1/bot/start", "u1", false, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "failed to start bot", body["error"])
	assert.Contains(t, body["logs"], "Failed to start bot")
}

func zipServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestPurpose: Validates the upload flow: fetch, unpack into the tenant directory, notify the facade.
// Scope: Integration Test (httptest bundle source)
// Expected: 201; bundle unpacked under <artifacts>/u1; stale files from a previous upload are gone.
// Test Case ID: HTTP-05
func TestHTTP_UploadBot(t *testing.T) {
	s := newTestServer(t, 100, 100)
	src := zipServer(t, map[string]string{"main.py": "print('hi')\n"})

	dest := filepath.Join(s.dir, "u1")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "index.js"), []byte("old"), 0o644))

	s.lifecycle.On("OnArtifactReady", "u1", dest).
		Return(&artifact.Artifact{TenantID: "u1", Path: dest, Kind: artifact.KindPython}, nil)

	body, _ := json.Marshal(UploadRequest{URL: src.URL + "/bot.zip"})
	w := s.do(t, http.MethodPost, "/api/v1/bot/upload", "u1", false, bytes.NewReader(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "python", decode(t, w)["kind"])

	_, err := os.Stat(filepath.Join(dest, "main.py"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "index.js"))
	assert.True(t, os.IsNotExist(err))

	w = s.do(t, http.MethodPost, "/api/v1/bot/upload", "u1", false, strings.NewReader(`{"url":"file:///etc/passwd"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	s.lifecycle.AssertNumberOfCalls(t, "OnArtifactReady", 1)
}

// TestPurpose: Validates that tenant IDs unusable as directory names are rejected before touching disk.
// Scope: Unit Test
// Security: Path traversal prevention (CWE-22)
// Expected: 400 for a subject containing a path separator.
// Test Case ID: HTTP-06
func TestHTTP_UploadBot_RejectsTraversalTenant(t *testing.T) {
	s := newTestServer(t, 100, 100)
	src := zipServer(t, map[string]string{"main.py": "print('hi')\n"})

	body, _ := json.Marshal(UploadRequest{URL: src.URL})
	w := s.do(t, http.MethodPost, "/api/v1/bot/upload", "../escape", false, bytes.NewReader(body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	s.lifecycle.AssertNotCalled(t, "OnArtifactReady", mock.Anything, mock.Anything)
}

// TestPurpose: Validates operator commands pass the caller's privileges to the facade.
// Scope: Unit Test
// Security: Privilege enforcement (CWE-285)
// Expected: Tenant gets 403; operator gets assignments JSON and plain-text logs.
// Test Case ID: HTTP-07
func TestHTTP_OperatorCommands(t *testing.T) {
	s := newTestServer(t, 100, 100)
	tenant := orchestrator.Principal{TenantID: "u1"}
	op := orchestrator.Principal{TenantID: "admin", Operator: true}

	s.lifecycle.On("ListAssignments", tenant).Return(nil, orchestrator.ErrForbidden)
	s.lifecycle.On("ListAssignments", op).Return([]worker.Slot{{WorkerID: "w1", URL: "http://w1", TenantID: "u1"}}, nil)
	s.lifecycle.On("OperatorLogs", op).Return("line one\n", nil)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/operator/assignments", "u1", false, nil).Code)

	w := s.do(t, http.MethodGet, "/api/v1/operator/assignments", "admin", true, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"worker_id":"w1"`)

	w = s.do(t, http.MethodGet, "/api/v1/operator/logs", "admin", true, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "line one\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

// TestPurpose: Validates that help hides operator commands from tenants.
// Scope: Unit Test
// Expected: Tenant sees 8 commands, operator sees all 10.
// Test Case ID: HTTP-08
func TestHTTP_Help(t *testing.T) {
	s := newTestServer(t, 100, 100)

	var out struct {
		Commands []CommandHelp `json:"commands"`
	}
	w := s.do(t, http.MethodGet, "/api/v1/help", "u1", false, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Commands, 8)

	w = s.do(t, http.MethodGet, "/api/v1/help", "admin", true, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Commands, 10)
}

// TestPurpose: Validates per-tenant rate limiting.
// Scope: Unit Test
// Expected: Requests beyond the burst get 429; another tenant is unaffected.
// Test Case ID: HTTP-09
func TestHTTP_RateLimit_PerTenant(t *testing.T) {
	s := newTestServer(t, 0.001, 2)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/help", "u1", false, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/help", "u1", false, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/api/v1/help", "u1", false, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/help", "u2", false, nil).Code)
}

// TestPurpose: Validates idle limiter eviction.
// Scope: Unit Test
// Expected: Entries idle beyond the TTL are dropped; fresh ones stay.
// Test Case ID: HTTP-10
func TestHTTP_RateLimiter_EvictIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 1)

	rl.GetLimiter("old")
	rl.GetLimiter("fresh")
	rl.mu.Lock()
	rl.clients["old"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.evictIdle(time.Now())

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "old")
	assert.Contains(t, rl.clients, "fresh")
}

// TestPurpose: Validates the static liveness responder.
// Scope: Unit Test
// Expected: Any GET path answers 200 "alive".
// Test Case ID: HTTP-11
func TestHTTP_Liveness(t *testing.T) {
	r := NewLivenessRouter()
	for _, path := range []string{"/", "/ping"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "alive", w.Body.String())
	}
}

// TestPurpose: Validates that a failed re-upload leaves the previous bundle in place.
// Scope: Integration Test (httptest bundle source)
// Expected: 502 for a missing archive and for a non-zip body; the old entry file survives, no staging directory remains and the facade is never notified.
// Test Case ID: HTTP-12
func TestHTTP_UploadBot_FailedReuploadKeepsBundle(t *testing.T) {
	s := newTestServer(t, 100, 100)

	dest := filepath.Join(s.dir, "u1")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "index.js"), []byte("console.log('v1')"), 0o644))

	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("not a zip archive"))
	}))
	defer src.Close()

	for _, path := range []string{"/missing.zip", "/corrupt.zip"} {
		t.Run(path, func(t *testing.T) {
			body, _ := json.Marshal(UploadRequest{URL: src.URL + path})
			w := s.do(t, http.MethodPost, "/api/v1/bot/upload", "u1", false, bytes.NewReader(body))
			assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

			content, err := os.ReadFile(filepath.Join(dest, "index.js"))
			require.NoError(t, err)
			assert.Equal(t, "console.log('v1')", string(content))

			entries, err := os.ReadDir(s.dir)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "u1", entries[0].Name())
		})
	}
	s.lifecycle.AssertNotCalled(t, "OnArtifactReady", mock.Anything, mock.Anything)
}

// TestPurpose: Validates that dot-prefixed tenant IDs, reserved for upload staging, are rejected.
// Scope: Unit Test
// Security: Path traversal prevention (CWE-22)
// Expected: artifactDir errors for ".", "..", ".upload-x" and accepts a plain ID.
// Test Case ID: HTTP-13
func TestHTTP_ArtifactDir(t *testing.T) {
	h := &Handler{artifactsDir: "/srv/bots"}
	for _, id := range []string{"", ".", "..", ".upload-x", "a/b", `a\b`} {
		_, err := h.artifactDir(id)
		assert.Error(t, err, id)
	}
	dir, err := h.artifactDir("u1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/bots", "u1"), dir)
}

// TestPurpose: Validates that a response body that cannot be encoded is logged rather than dropped silently.
// Scope: Unit Test
// Expected: Status and content type are still written; a warning carrying the status and the encoder error is logged.
// Test Case ID: HTTP-14
func TestHTTP_RespondJSON_EncodeFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	rec := httptest.NewRecorder()
	RespondJSON(rec, http.StatusOK, map[string]any{"events": make(chan int)})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "failed to encode response", entry["msg"])
	assert.Equal(t, float64(http.StatusOK), entry["status_code"])
	assert.Contains(t, entry["error"], "unsupported type")
}
