package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"ferry/internal/server/service"
)

// HandleBootstrapStatus handles GET /api/bootstrap.
func (h *Handler) HandleBootstrapStatus(c echo.Context) error {
	needs, err := h.svc.Auth.NeedsBootstrap(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"needs_bootstrap": needs})
}

// HandleBootstrap handles POST /api/bootstrap.
// Creates the first admin; closed once any account exists.
func (h *Handler) HandleBootstrap(c echo.Context) error {
	var in service.NewUser
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	u, err := h.svc.Auth.Bootstrap(c.Request().Context(), in)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, u)
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin handles POST /api/auth/login.
// Returns the token and also sets it as an HTTP-only cookie.
func (h *Handler) HandleLogin(c echo.Context) error {
	var body loginBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	res, err := h.svc.Auth.Login(c.Request().Context(), body.Username, body.Password)
	if err != nil {
		return mapServiceError(c, err)
	}
	c.SetCookie(sessionCookie(res.Token, res.ExpiresAt, h.secureCookies))
	return c.JSON(http.StatusOK, res)
}

// HandleLogout handles POST /api/auth/logout.
func (h *Handler) HandleLogout(c echo.Context) error {
	if err := h.svc.Auth.Logout(c.Request().Context(), sessionToken(c)); err != nil {
		return mapServiceError(c, err)
	}
	c.SetCookie(sessionCookie("", time.Unix(0, 0), h.secureCookies))
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

// HandleMe handles GET /api/auth/me.
func (h *Handler) HandleMe(c echo.Context) error {
	p := principalFrom(c)
	if p == nil || p.user == nil {
		return mapServiceError(c, service.ErrUnauthenticated)
	}
	return c.JSON(http.StatusOK, p.user)
}

// HandleListUsers handles GET /api/users.
func (h *Handler) HandleListUsers(c echo.Context) error {
	users, err := h.svc.Auth.ListUsers(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"users": users})
}

// HandleCreateUser handles POST /api/users.
func (h *Handler) HandleCreateUser(c echo.Context) error {
	var in service.NewUser
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	u, err := h.svc.Auth.CreateUser(c.Request().Context(), in)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, u)
}
