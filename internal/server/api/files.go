package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ferry/internal/server/database"
	"ferry/internal/server/service"
	"ferry/internal/server/workflow"
)

// Headers carried by streamed uploads.
const (
	HeaderFileSize   = "X-File-Size"
	HeaderFileHash   = "X-File-Hash"
	HeaderSourceSite = "X-Source-Site"
	HeaderSourcePath = "X-Source-Path"
)

// HandleListFiles handles GET /api/files.
// Optional filters: state, site, limit.
func (h *Handler) HandleListFiles(c echo.Context) error {
	var filter database.FileFilter
	if raw := c.QueryParam("state"); raw != "" {
		st, err := workflow.ParseState(raw)
		if err != nil {
			return badRequest(c, err.Error())
		}
		filter.State = &st
	}
	if site := c.QueryParam("site"); site != "" {
		filter.Site = &site
	}
	limit, err := queryLimit(c, 500)
	if err != nil {
		return err
	}
	filter.Limit = limit

	files, err := h.svc.Registry.List(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"files": files})
}

// HandleGetFile handles GET /api/files/:id.
func (h *Handler) HandleGetFile(c echo.Context) error {
	f, err := h.svc.Registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

// HandleFileAudit handles GET /api/files/:id/audit.
func (h *Handler) HandleFileAudit(c echo.Context) error {
	entries, err := h.svc.Registry.Audit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"audit": entries})
}

// HandleRegisterMetadata handles POST /api/files.
// Records a file without receiving its bytes.
func (h *Handler) HandleRegisterMetadata(c echo.Context) error {
	var req service.MetadataRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	req.Actor = actorFrom(c)

	res, err := h.svc.Ingest.RegisterMetadata(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// HandleCheck handles GET /api/files/check.
// Reports whether a hash or an origin is already known.
func (h *Handler) HandleCheck(c echo.Context) error {
	res, err := h.svc.Ingest.Check(c.Request().Context(), service.CheckQuery{
		Hash:       c.QueryParam("hash"),
		Filename:   c.QueryParam("filename"),
		Site:       c.QueryParam("site"),
		SourcePath: c.QueryParam("source_path"),
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleUpload handles POST /api/files/upload.
// Accepts a multipart form with a "file" field plus source_site and
// source_path. file_size and sha256_hash are optional declarations.
func (h *Handler) HandleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "file is required (use form field 'file')")
	}
	if h.bufferedMax > 0 && fileHeader.Size > h.bufferedMax {
		return mapServiceError(c, service.ErrTooLarge)
	}

	expected, err := optionalInt64(c.FormValue("file_size"))
	if err != nil {
		return mapServiceError(c, err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	res, err := h.svc.Ingest.Ingest(c.Request().Context(), service.IngestRequest{
		Filename:     fileHeader.Filename,
		SourceSite:   c.FormValue("source_site"),
		SourcePath:   c.FormValue("source_path"),
		ExpectedSize: expected,
		ExpectedHash: c.FormValue("sha256_hash"),
		Body:         src,
		Mode:         service.ModeBuffered,
		MaxBytes:     h.bufferedMax,
		Actor:        actorFrom(c),
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// HandleUploadStream handles POST /api/files/upload-stream?filename=.
// The body is the raw file; size, hash and origin travel in headers.
func (h *Handler) HandleUploadStream(c echo.Context) error {
	req := c.Request()
	expected, err := optionalInt64(req.Header.Get(HeaderFileSize))
	if err != nil {
		return mapServiceError(c, err)
	}

	res, err := h.svc.Ingest.Ingest(req.Context(), service.IngestRequest{
		Filename:     c.QueryParam("filename"),
		SourceSite:   req.Header.Get(HeaderSourceSite),
		SourcePath:   req.Header.Get(HeaderSourcePath),
		ExpectedSize: expected,
		ExpectedHash: req.Header.Get(HeaderFileHash),
		Body:         req.Body,
		Mode:         service.ModeStream,
		Actor:        actorFrom(c),
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

type transitionBody struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// HandleTransition returns the handler for POST /api/files/:id/<action>.
func (h *Handler) HandleTransition(action workflow.Action) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body transitionBody
		if c.Request().ContentLength > 0 {
			if err := c.Bind(&body); err != nil {
				return badRequest(c, "invalid JSON body")
			}
		}

		f, err := h.svc.Registry.Transition(c.Request().Context(), c.Param("id"), action, actorFrom(c), service.TransitionOptions{
			AssignTo: strings.TrimSpace(body.UserID),
			Reason:   strings.TrimSpace(body.Reason),
		})
		if err != nil {
			return mapServiceError(c, err)
		}
		return c.JSON(http.StatusOK, f)
	}
}

// HandleDeleteFile handles DELETE /api/files/:id and POST /api/files/:id/delete.
// Only unlocked files can be deleted.
func (h *Handler) HandleDeleteFile(c echo.Context) error {
	if err := h.svc.Registry.Delete(c.Request().Context(), c.Param("id"), actorFrom(c)); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "file deleted"})
}
