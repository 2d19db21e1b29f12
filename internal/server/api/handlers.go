package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"ferry/internal/server/config"
	"ferry/internal/server/service"
	"ferry/internal/server/workflow"
)

// HealthChecker reports database liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Services groups the service layer the handlers call into.
type Services struct {
	Registry  *service.RegistryService
	Ingest    *service.IngestService
	Ledger    *service.LedgerService
	Sites     *service.SiteService
	Auth      *service.AuthService
	Reconcile *service.ReconcileService
	Tracker   *service.UploadTracker
}

// Handler contains the HTTP handlers for the ferry API.
type Handler struct {
	svc           Services
	db            HealthChecker
	bufferedMax   int64
	secureCookies bool
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(svc Services, db HealthChecker, cfg *config.Config) *Handler {
	return &Handler{
		svc:           svc,
		db:            db,
		bufferedMax:   cfg.BufferedUploadMax,
		secureCookies: cfg.HTTPSEnabled,
	}
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"
	code := http.StatusOK

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns file counts per state and the number of uploads in flight.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Registry.Stats(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleActiveUploads handles GET /api/uploads/active.
func (h *Handler) HandleActiveUploads(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"uploads": h.svc.Tracker.Active()})
}

// HandleTransferJobs handles GET /api/transfers.
func (h *Handler) HandleTransferJobs(c echo.Context) error {
	limit, err := queryLimit(c, 100)
	if err != nil {
		return err
	}
	jobs, err := h.svc.Registry.TransferJobs(c.Request().Context(), limit)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"transfers": jobs})
}

// HandleRecentAudit handles GET /api/audit.
func (h *Handler) HandleRecentAudit(c echo.Context) error {
	limit, err := queryLimit(c, 100)
	if err != nil {
		return err
	}
	entries, err := h.svc.Registry.RecentAudit(c.Request().Context(), limit)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"audit": entries})
}

// HandleLedgerLookup handles GET /api/ledger/:hash.
func (h *Handler) HandleLedgerLookup(c echo.Context) error {
	hash, err := service.NormalizeHash(c.Param("hash"))
	if err != nil {
		return mapServiceError(c, err)
	}
	entry, err := h.svc.Ledger.Lookup(c.Request().Context(), hash)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

// HandleLedgerForget handles DELETE /api/ledger/:hash.
// Removes a hash so the same content may be ingested again.
func (h *Handler) HandleLedgerForget(c echo.Context) error {
	hash, err := service.NormalizeHash(c.Param("hash"))
	if err != nil {
		return mapServiceError(c, err)
	}
	if err := h.svc.Ledger.Forget(c.Request().Context(), hash, actorFrom(c)); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "ledger entry removed"})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var te *workflow.TransitionError
	if errors.As(err, &te) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":         err.Error(),
			"current_state": te.From,
		})
	}

	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidFilename),
		errors.Is(err, service.ErrUnknownSite),
		errors.Is(err, service.ErrSizeMismatch),
		errors.Is(err, service.ErrHashMismatch),
		errors.Is(err, service.ErrLocked),
		errors.Is(err, service.ErrNoAssignee),
		errors.Is(err, service.ErrUnknownUser),
		errors.Is(err, service.ErrTaskNotAllowed):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrPathClaimed),
		errors.Is(err, service.ErrTaskExists),
		errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrBootstrapClosed):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrInvalidCredential),
		errors.Is(err, service.ErrUnauthenticated):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrWrongSite):
		return c.JSON(http.StatusForbidden, echo.Map{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "request cancelled"})
	default:
		slog.Error("request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

// errorHandler renders echo errors in the same {"error": ...} shape the
// handlers use.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		slog.Error("unhandled error", "path", c.Path(), "error", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, echo.Map{"error": msg})
}

// queryLimit parses ?limit=, bounded to 1..1000.
func queryLimit(c echo.Context, fallback int) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
	}
	return n, nil
}

// optionalInt64 parses s when it is non-empty.
func optionalInt64(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: %q is not a valid size", service.ErrInvalidInput, s)
	}
	return &n, nil
}

func sessionCookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
