package utils // package utils provides token and secret helpers shared by handlers and jobs

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken represents a signed JWT access token along with its expiry.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// NewAccessToken builds and signs an HS256 JWT for a platform user.  Besides
// the standard subject, expiry and issued-at claims it carries the user's
// role and tenant, which the management endpoints use to authorize access to
// a tenant's POS credentials.  The token is issued by the platform's identity
// service; this helper exists for operators and tests.
func NewAccessToken(secret, userID, role, tenantID string, ttl time.Duration) (AccessToken, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":       userID,
		"role":      role,
		"tenant_id": tenantID,
		"exp":       exp.Unix(),
		"iat":       now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
