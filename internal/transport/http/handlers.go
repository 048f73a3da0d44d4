// @title Botvisor API
// @version 1.0.0
// @description Tenant bot lifecycle orchestrator

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/bundle"
	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/orchestrator"
	"github.com/botvisor/botvisor/internal/supervisor"
	"github.com/botvisor/botvisor/internal/token"
	"github.com/botvisor/botvisor/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Lifecycle is the facade surface the front end routes commands to
type Lifecycle interface {
	OnArtifactReady(ctx context.Context, tenantID, path string) (*artifact.Artifact, error)
	RequestStart(ctx context.Context, tenantID string) (*supervisor.Run, error)
	RequestStop(ctx context.Context, tenantID string) error
	RequestStatus(tenantID string) orchestrator.StatusReport
	RequestLogs(tenantID string) string
	RequestLocation(tenantID string) (*artifact.Artifact, error)
	RequestRemoval(ctx context.Context, tenantID string) error
	ListAssignments(ctx context.Context, p orchestrator.Principal) ([]worker.Slot, error)
	OperatorLogs(ctx context.Context, p orchestrator.Principal) (string, error)
}

// BundleFetcher downloads and unpacks an uploaded bundle
type BundleFetcher interface {
	FetchAndUnpack(ctx context.Context, sourceURL, dest string) (string, error)
}

// TokenParser verifies bearer tokens
type TokenParser interface {
	Parse(raw string) (*token.Claims, error)
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	lifecycle    Lifecycle
	fetcher      BundleFetcher
	tokens       TokenParser
	artifactsDir string
}

// NewHandler creates a new HTTP handler
func NewHandler(
	lifecycle Lifecycle,
	fetcher BundleFetcher,
	tokens TokenParser,
	artifactsDir string,
) *Handler {
	return &Handler{
		lifecycle:    lifecycle,
		fetcher:      fetcher,
		tokens:       tokens,
		artifactsDir: artifactsDir,
	}
}

// NewRouter creates the tenant-facing HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter, requestTimeout time.Duration) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Use(RateLimitMiddleware(rateLimiter))

		r.Get("/help", h.Help)

		r.Route("/bot", func(r chi.Router) {
			r.Post("/upload", h.UploadBot)
			r.Get("/console", h.Console)
			r.Post("/start", h.StartBot)
			r.Post("/stop", h.StopBot)
			r.Get("/status", h.BotStatus)
			r.Get("/location", h.BotLocation)
			r.Delete("/", h.RemoveBot)
		})

		r.Route("/operator", func(r chi.Router) {
			r.Get("/assignments", h.ListAssignments)
			r.Get("/logs", h.OperatorLogs)
		})
	})

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Description Checks if the service is up and running
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "botvisor",
	})
}

// CommandHelp describes one tenant command
type CommandHelp struct {
	Command     string `json:"command"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
	Operator    bool   `json:"operator,omitempty"`
}

var commands = []CommandHelp{
	{"upload", http.MethodPost, "/api/v1/bot/upload", "Upload a zip bundle containing index.js or main.py", false},
	{"console", http.MethodGet, "/api/v1/bot/console", "Show the output of your bot's latest run", false},
	{"start", http.MethodPost, "/api/v1/bot/start", "Start your bot", false},
	{"stop", http.MethodPost, "/api/v1/bot/stop", "Stop your bot", false},
	{"status", http.MethodGet, "/api/v1/bot/status", "Show whether your bot is running", false},
	{"location", http.MethodGet, "/api/v1/bot/location", "Show where your bot is stored", false},
	{"remove", http.MethodDelete, "/api/v1/bot", "Stop and delete your bot", false},
	{"help", http.MethodGet, "/api/v1/help", "List the available commands", false},
	{"assignments", http.MethodGet, "/api/v1/operator/assignments", "List worker assignments", true},
	{"logs", http.MethodGet, "/api/v1/operator/logs", "Dump recent orchestrator logs", true},
}

// Help lists the recognized commands
// @Summary Help
// @Description Lists the commands available to the caller
// @Tags System
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]any
// @Router /help [get]
func (h *Handler) Help(w http.ResponseWriter, r *http.Request) {
	operator := IsOperator(r.Context())
	visible := make([]CommandHelp, 0, len(commands))
	for _, c := range commands {
		if c.Operator && !operator {
			continue
		}
		visible = append(visible, c)
	}
	RespondJSON(w, http.StatusOK, map[string]any{"commands": visible})
}

// errorStatus maps lifecycle errors to an HTTP status and a tenant-facing message
func errorStatus(err error) (int, string) {
	var (
		launchErr   *supervisor.LaunchError
		transferErr *worker.TransferError
		removalErr  *artifact.RemovalError
	)
	switch {
	case errors.Is(err, orchestrator.ErrNoArtifact):
		return http.StatusNotFound, "no bot uploaded yet; upload one first"
	case errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, "no bot found"
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict, "bot is already running"
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict, "bot is not running"
	case errors.Is(err, supervisor.ErrUnknownEntrypoint):
		return http.StatusUnprocessableEntity, "bundle must contain index.js or main.py"
	case errors.As(err, &launchErr):
		return http.StatusInternalServerError, "failed to start bot"
	case errors.Is(err, worker.ErrNoCapacity):
		return http.StatusServiceUnavailable, "no worker available"
	case errors.As(err, &transferErr):
		return http.StatusBadGateway, "failed to transfer bot to worker"
	case errors.As(err, &removalErr):
		return http.StatusInternalServerError, "failed to remove bot"
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden, "operator privileges required"
	case errors.Is(err, bundle.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "bundle too large"
	case errors.Is(err, bundle.ErrUnsafePath):
		return http.StatusBadRequest, "bundle contains unsafe paths"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// RespondJSON writes data as a JSON body with status. The header is already
// sent when encoding fails, so the failure is only logged.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode response",
			logger.Component("http"),
			logger.StatusCode(status),
			logger.Error(err),
		)
	}
}

// RespondError writes {"error": message} with status
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{
		"error": message,
	})
}

func respondLifecycleError(w http.ResponseWriter, err error) {
	status, message := errorStatus(err)
	RespondError(w, status, message)
}

func getIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
