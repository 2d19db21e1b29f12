package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ferry/internal/server/database"
	"ferry/internal/server/reconcile"
	"ferry/internal/server/service"
)

// HandleRequestCleanup handles POST /api/files/:id/cleanup.
func (h *Handler) HandleRequestCleanup(c echo.Context) error {
	task, err := h.svc.Reconcile.RequestCleanup(c.Request().Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

// HandleRequestRetransfer handles POST /api/files/:id/retransfer.
func (h *Handler) HandleRequestRetransfer(c echo.Context) error {
	task, err := h.svc.Reconcile.RequestRetransfer(c.Request().Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

// HandleListTasks handles GET /api/tasks.
// Optional filters: kind, status, site, file_id.
func (h *Handler) HandleListTasks(c echo.Context) error {
	ctx := c.Request().Context()
	var filter database.TaskFilter

	if raw := c.QueryParam("kind"); raw != "" {
		kind, err := reconcile.ParseKind(raw)
		if err != nil {
			return badRequest(c, err.Error())
		}
		filter.Kind = &kind
	}
	if raw := c.QueryParam("status"); raw != "" {
		status, err := reconcile.ParseStatus(raw)
		if err != nil {
			return badRequest(c, err.Error())
		}
		filter.Status = &status
	}
	if raw := c.QueryParam("site"); raw != "" {
		site, err := h.svc.Sites.Find(ctx, raw)
		if err != nil {
			return mapServiceError(c, err)
		}
		filter.SiteID = &site.ID
	}
	if raw := c.QueryParam("file_id"); raw != "" {
		filter.FileID = &raw
	}

	tasks, err := h.svc.Reconcile.List(ctx, filter)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"tasks": tasks})
}

// HandleSiteTasks handles GET /api/sites/:id/tasks.
// Lists the tasks the site still has to perform.
func (h *Handler) HandleSiteTasks(c echo.Context) error {
	tasks, err := h.svc.Reconcile.PendingForSite(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"tasks": tasks})
}

type confirmBody struct {
	Error *string `json:"error"`
	Site  string  `json:"site"`
}

func bindConfirm(c echo.Context) (*confirmBody, error) {
	var body confirmBody
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return nil, err
		}
	}
	if body.Error != nil && strings.TrimSpace(*body.Error) == "" {
		body.Error = nil
	}
	return &body, nil
}

// HandleConfirmCenter handles POST /api/tasks/:id/confirm-center.
// A body of {"error": "..."} records a failed attempt.
func (h *Handler) HandleConfirmCenter(c echo.Context) error {
	body, err := bindConfirm(c)
	if err != nil {
		return badRequest(c, "invalid JSON body")
	}
	task, err := h.svc.Reconcile.ConfirmCenter(c.Request().Context(), c.Param("id"), body.Error)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// HandleConfirmSite handles POST /api/tasks/:id/confirm-site.
// Agents name their site in X-Source-Site or the body; the task must belong
// to it.
func (h *Handler) HandleConfirmSite(c echo.Context) error {
	body, err := bindConfirm(c)
	if err != nil {
		return badRequest(c, "invalid JSON body")
	}
	site := c.Request().Header.Get(HeaderSourceSite)
	if site == "" {
		site = body.Site
	}
	if p := principalFrom(c); p != nil && p.daemon && site == "" {
		return badRequest(c, "site is required")
	}

	task, err := h.svc.Reconcile.ConfirmSite(c.Request().Context(), c.Param("id"), site, body.Error)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// HandleListSites handles GET /api/sites.
func (h *Handler) HandleListSites(c echo.Context) error {
	sites, err := h.svc.Sites.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"sites": sites})
}

type createSiteBody struct {
	Name       string `json:"name"`
	ExportPath string `json:"export_path"`
}

// HandleCreateSite handles POST /api/sites.
func (h *Handler) HandleCreateSite(c echo.Context) error {
	var body createSiteBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	site, err := h.svc.Sites.Create(c.Request().Context(), body.Name, body.ExportPath)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, site)
}

type updateSiteBody struct {
	Name       *string `json:"name"`
	ExportPath *string `json:"export_path"`
	IsActive   *bool   `json:"is_active"`
}

// HandleUpdateSite handles PUT /api/sites/:id.
func (h *Handler) HandleUpdateSite(c echo.Context) error {
	var body updateSiteBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	site, err := h.svc.Sites.Update(c.Request().Context(), c.Param("id"), service.SiteUpdate{
		Name:       body.Name,
		ExportPath: body.ExportPath,
		IsActive:   body.IsActive,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, site)
}

// HandleDeactivateSite handles DELETE /api/sites/:id. The site is retired,
// not removed, so its files keep their origin.
func (h *Handler) HandleDeactivateSite(c echo.Context) error {
	site, err := h.svc.Sites.Deactivate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, site)
}

type heartbeatBody struct {
	DiskFreeGB      *float64 `json:"disk_free_gb"`
	ActiveTransfers int      `json:"active_transfers"`
	Version         *string  `json:"version"`
}

// HandleHeartbeat handles POST /api/sites/:id/heartbeat.
// Agents may register their site by sending its first heartbeat.
func (h *Handler) HandleHeartbeat(c echo.Context) error {
	var body heartbeatBody
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return badRequest(c, "invalid JSON body")
		}
	}

	p := principalFrom(c)
	site, err := h.svc.Sites.Heartbeat(c.Request().Context(), c.Param("id"), database.Heartbeat{
		DiskFreeGB:   body.DiskFreeGB,
		AgentVersion: body.Version,
	}, p != nil && p.daemon)
	if err != nil {
		return mapServiceError(c, err)
	}

	slog.Debug("heartbeat", "site", site.Name, "active_transfers", body.ActiveTransfers)
	return c.JSON(http.StatusOK, site)
}
