package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ferry/internal/server/database"
	"ferry/internal/server/rbac"
	"ferry/internal/server/service"
)

const (
	headerAPIKey      = "X-API-Key"
	sessionCookieName = "session_token"
	principalKey      = "principal"
)

// principal is the authenticated caller of a request: either a site agent
// holding the daemon key or an operator with a session.
type principal struct {
	daemon bool
	user   *database.User
}

func (p *principal) name() string {
	if p.daemon {
		return "daemon"
	}
	return p.user.Username
}

func principalFrom(c echo.Context) *principal {
	p, _ := c.Get(principalKey).(*principal)
	return p
}

// actorFrom builds the audit actor for the request.
func actorFrom(c echo.Context) service.Actor {
	a := service.Actor{IP: c.RealIP()}
	if p := principalFrom(c); p != nil {
		a.Name = p.name()
	}
	return a
}

// Authenticator resolves request credentials.
type Authenticator struct {
	auth      *service.AuthService
	daemonKey string
}

// NewAuthenticator creates an authenticator. An empty daemonKey disables
// daemon access.
func NewAuthenticator(auth *service.AuthService, daemonKey string) *Authenticator {
	return &Authenticator{auth: auth, daemonKey: daemonKey}
}

func (a *Authenticator) validDaemonKey(key string) bool {
	if a.daemonKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(a.daemonKey)) == 1
}

func sessionToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (a *Authenticator) resolve(c echo.Context) (*principal, error) {
	if key := c.Request().Header.Get(headerAPIKey); key != "" {
		if !a.validDaemonKey(key) {
			return nil, service.ErrUnauthenticated
		}
		return &principal{daemon: true}, nil
	}
	u, err := a.auth.Authenticate(c.Request().Context(), sessionToken(c))
	if err != nil {
		return nil, err
	}
	return &principal{user: u}, nil
}

// Session admits operators only. Daemon credentials are refused.
func (a *Authenticator) Session() echo.MiddlewareFunc {
	return a.require(false)
}

// DaemonOrSession admits site agents and operators.
func (a *Authenticator) DaemonOrSession() echo.MiddlewareFunc {
	return a.require(true)
}

func (a *Authenticator) require(allowDaemon bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, err := a.resolve(c)
			if err != nil {
				if errors.Is(err, service.ErrUnauthenticated) {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
				}
				return mapServiceError(c, err)
			}
			if p.daemon && !allowDaemon {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "operator session required"})
			}
			c.Set(principalKey, p)
			return next(c)
		}
	}
}

// RequirePermission rejects operators whose role lacks perm. It must run
// after Session or DaemonOrSession; daemon callers pass.
func RequirePermission(perm rbac.Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := principalFrom(c)
			if p == nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
			}
			if !p.daemon && !rbac.Has(rbac.Role(p.user.Role), perm) {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "missing permission " + string(perm)})
			}
			return next(c)
		}
	}
}

// RequireTaskPermission gates an action on the task named by :id with the
// permission that the task's kind needs. Agents holding the daemon key pass.
func (h *Handler) RequireTaskPermission() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := principalFrom(c)
			if p == nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
			}
			if p.daemon {
				return next(c)
			}
			task, err := h.svc.Reconcile.Get(c.Request().Context(), c.Param("id"))
			if err != nil {
				return mapServiceError(c, err)
			}
			perm := taskPermissions[task.Kind]
			if !rbac.Has(rbac.Role(p.user.Role), perm) {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "missing permission " + string(perm)})
			}
			return next(c)
		}
	}
}
