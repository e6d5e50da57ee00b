package middleware

import "github.com/labstack/echo/v4"

// Context keys set by JWTAuth.
const (
	CtxUserID   = "user_id"
	CtxRole     = "role"
	CtxTenantID = "tenant_id"
)

// ctxString reads a string value stored by JWTAuth, "" when absent.
func ctxString(c echo.Context, key string) string {
	if s, ok := c.Get(key).(string); ok {
		return s
	}
	return ""
}

// UserID returns the authenticated subject, or "anon".
func UserID(c echo.Context) string {
	if s := ctxString(c, CtxUserID); s != "" {
		return s
	}
	return "anon"
}

// Role returns the authenticated user's role claim.
func Role(c echo.Context) string { return ctxString(c, CtxRole) }

// TenantID returns the tenant the authenticated user acts for.  It is empty
// for admins, who act across tenants.
func TenantID(c echo.Context) string { return ctxString(c, CtxTenantID) }
