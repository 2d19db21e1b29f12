package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ferry/internal/server/config"
	"ferry/internal/server/rbac"
	"ferry/internal/server/reconcile"
	"ferry/internal/server/workflow"
)

// transitionPermissions maps each lifecycle action to the permission it needs.
var transitionPermissions = map[workflow.Action]rbac.Permission{
	workflow.ActionValidate:         rbac.ValidateFiles,
	workflow.ActionQueue:            rbac.ManageWorkflow,
	workflow.ActionStartTransfer:    rbac.ManageWorkflow,
	workflow.ActionCompleteTransfer: rbac.ManageWorkflow,
	workflow.ActionAssign:           rbac.AssignColorist,
	workflow.ActionStartWork:        rbac.ManageWorkflow,
	workflow.ActionDeliver:          rbac.ManageWorkflow,
	workflow.ActionArchive:          rbac.ManageWorkflow,
	workflow.ActionReject:           rbac.RejectFiles,
}

// taskPermissions maps each reconciliation kind to the permission that may
// request or confirm it.
var taskPermissions = map[reconcile.Kind]rbac.Permission{
	reconcile.KindCleanup:    rbac.TriggerCleanup,
	reconcile.KindRetransfer: rbac.TriggerRetransfer,
}

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, authn *Authenticator, limiter *RateLimiter, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", headerAPIKey, HeaderFileSize, HeaderFileHash, HeaderSourceSite, HeaderSourcePath},
		AllowCredentials: false,
	}))
	if cfg.HTTPSEnabled {
		e.Use(middleware.SecureWithConfig(middleware.SecureConfig{HSTSMaxAge: 31536000}))
	}
	e.Use(RequestLogger())
	e.Use(Metrics())

	// Health & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api", limiter.Middleware())

	// Accounts
	api.GET("/bootstrap", handler.HandleBootstrapStatus)
	api.POST("/bootstrap", handler.HandleBootstrap)
	api.POST("/auth/login", handler.HandleLogin)

	session := api.Group("", authn.Session())
	daemon := api.Group("", authn.DaemonOrSession())
	perm := RequirePermission

	session.POST("/auth/logout", handler.HandleLogout)
	session.GET("/auth/me", handler.HandleMe)
	session.GET("/users", handler.HandleListUsers)
	session.POST("/users", handler.HandleCreateUser, perm(rbac.ManageUsers))

	// Registry reads
	session.GET("/stats", handler.HandleStats, perm(rbac.ViewFiles))
	session.GET("/files", handler.HandleListFiles, perm(rbac.ViewFiles))
	session.GET("/files/:id", handler.HandleGetFile, perm(rbac.ViewFiles))
	session.GET("/files/:id/audit", handler.HandleFileAudit, perm(rbac.ViewAudit))
	session.GET("/audit", handler.HandleRecentAudit, perm(rbac.ViewAudit))
	session.GET("/transfers", handler.HandleTransferJobs, perm(rbac.ViewFiles))

	// Ingest
	daemon.POST("/files", handler.HandleRegisterMetadata)
	daemon.GET("/files/check", handler.HandleCheck)
	daemon.POST("/files/upload", handler.HandleUpload)
	daemon.POST("/files/upload-stream", handler.HandleUploadStream)
	daemon.GET("/uploads/active", handler.HandleActiveUploads)

	// Lifecycle
	for action, p := range transitionPermissions {
		session.POST("/files/:id/"+string(action), handler.HandleTransition(action), perm(p))
	}
	session.DELETE("/files/:id", handler.HandleDeleteFile, perm(rbac.DeleteFiles))
	session.POST("/files/:id/delete", handler.HandleDeleteFile, perm(rbac.DeleteFiles))

	// Reconciliation
	session.POST("/files/:id/cleanup", handler.HandleRequestCleanup, perm(rbac.TriggerCleanup))
	session.POST("/files/:id/retransfer", handler.HandleRequestRetransfer, perm(rbac.TriggerRetransfer))
	session.GET("/tasks", handler.HandleListTasks, perm(rbac.ViewFiles))
	session.POST("/tasks/:id/confirm-center", handler.HandleConfirmCenter, handler.RequireTaskPermission())
	daemon.POST("/tasks/:id/confirm-site", handler.HandleConfirmSite, handler.RequireTaskPermission())

	// Sites
	daemon.GET("/sites", handler.HandleListSites)
	session.POST("/sites", handler.HandleCreateSite, perm(rbac.ManageSites))
	session.PUT("/sites/:id", handler.HandleUpdateSite, perm(rbac.ManageSites))
	session.DELETE("/sites/:id", handler.HandleDeactivateSite, perm(rbac.ManageSites))
	daemon.GET("/sites/:id/tasks", handler.HandleSiteTasks)
	daemon.POST("/sites/:id/heartbeat", handler.HandleHeartbeat)

	// Content ledger
	session.GET("/ledger/:hash", handler.HandleLedgerLookup, perm(rbac.ViewFiles))
	session.DELETE("/ledger/:hash", handler.HandleLedgerForget, perm(rbac.OverrideLedger))

	return e
}
