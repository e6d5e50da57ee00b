package middleware // reusable HTTP middleware for the dashboard and job endpoints

import (
	"net/http" // HTTP status codes for responses
	"strings"  // prefix checking and trimming of the Authorization header

	"github.com/golang-jwt/jwt/v5" // JWT parsing and validation
	"github.com/labstack/echo/v4"  // Echo middleware and handler types
)

// JWTAuth returns an Echo middleware that validates an HS256 Bearer access
// token issued by the identity service and stores its sub, role and
// tenant_id claims in the request context.  Handlers read them back through
// UserID, Role and TenantID.  The secret must match the one the identity
// service signs with.
func JWTAuth(secret string) echo.MiddlewareFunc {
	// The outer function runs once, when the middleware is registered.
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		// The returned handler runs for every request on the route.
		return func(c echo.Context) error {
			// A valid header is "Bearer " followed by the JWT; anything else
			// is answered with 401 before the token is looked at.
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			// Strip the scheme to get the raw token string.
			raw := strings.TrimPrefix(auth, "Bearer ")

			// Parse into MapClaims, accepting only HS256 and only tokens
			// that carry an exp claim.  Expired or tampered tokens fail here.
			claims := jwt.MapClaims{}
			tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			// sub and role are mandatory; tenant_id is absent for admins
			// and operators that act across tenants.
			sub, _ := claims["sub"].(string)
			role, _ := claims["role"].(string)
			tenant, _ := claims["tenant_id"].(string)
			if sub == "" || role == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			// Expose the identity to the handlers and to RequireRole.
			c.Set(CtxUserID, sub)
			c.Set(CtxRole, role)
			c.Set(CtxTenantID, tenant)
			// Continue down the chain.
			return next(c)
		}
	}
}
