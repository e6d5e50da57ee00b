package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/poscred/internal/config"
	"github.com/iliyamo/poscred/internal/utils"
)

const secret = "test-secret"

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJobToken(t *testing.T) {
	e := echo.New()
	called := 0
	e.POST("/rotate", func(c echo.Context) error {
		called++
		return c.NoContent(http.StatusOK)
	}, JobToken("job-secret"))

	cases := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{JobTokenHeader: "nope"}, http.StatusForbidden},
		{"prefix only", map[string]string{JobTokenHeader: "job"}, http.StatusForbidden},
		{"header", map[string]string{JobTokenHeader: "job-secret"}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer job-secret"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/rotate", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, serve(e, req).Code)
		})
	}
	assert.Equal(t, 2, called)
}

func TestJobToken_EmptyConfiguredTokenRejects(t *testing.T) {
	e := echo.New()
	e.POST("/rotate", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, JobToken(""))
	req := httptest.NewRequest(http.MethodPost, "/rotate", nil)
	req.Header.Set(JobTokenHeader, "anything")
	assert.Equal(t, http.StatusForbidden, serve(e, req).Code)
}

func authed(e *echo.Echo) {
	e.GET("/me", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"user": UserID(c), "role": Role(c), "tenant": TenantID(c)})
	}, JWTAuth(secret), RequireRole(RoleOwner, RoleAdmin))
}

func bearer(t *testing.T, key, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(key, "u1", role, "t1", time.Minute)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func TestJWTAuth_SetsClaims(t *testing.T) {
	e := echo.New()
	authed(e)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", bearer(t, secret, RoleOwner))
	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"u1","role":"OWNER","tenant":"t1"}`, rec.Body.String())
}

func TestJWTAuth_Rejects(t *testing.T) {
	e := echo.New()
	authed(e)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "role": "OWNER", "exp": time.Now().Add(time.Minute).Unix()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "role": "OWNER"})
	noExpSigned, err := noExp.SignedString([]byte(secret))
	require.NoError(t, err)

	cases := map[string]string{
		"missing":      "",
		"wrong secret": bearer(t, "other", RoleOwner),
		"alg none":     "Bearer " + unsigned,
		"no expiry":    "Bearer " + noExpSigned,
		"garbage":      "Bearer abc.def.ghi",
	}
	for name, auth := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if auth != "" {
				req.Header.Set("Authorization", auth)
			}
			assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)
		})
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	e := echo.New()
	authed(e)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", bearer(t, secret, "CUSTOMER"))
	assert.Equal(t, http.StatusForbidden, serve(e, req).Code)
}

func TestRedisMiddlewares_PassThroughWithoutRedis(t *testing.T) {
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
		NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, nil),
		NewRedisCache(config.CacheConfig{Enabled: true}, nil))
	for i := 0; i < 3; i++ {
		rec := serve(e, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-Cache"))
	}
}

func redisForTest(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestTokenBucket_BlocksWhenEmpty(t *testing.T) {
	rdb := redisForTest(t)
	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour, TTL: time.Hour,
		KeyStrategy: "ip", Prefix: "rl-test-" + time.Now().Format("150405.000000"),
	}
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, NewTokenBucket(cfg, rdb, nil))

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(e, httptest.NewRequest(http.MethodGet, "/x", nil)).Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestRedisCache_SeparatesTenants(t *testing.T) {
	rdb := redisForTest(t)
	cfg := config.CacheConfig{Enabled: true, TTL: time.Minute, Prefix: "cache-test-" + time.Now().Format("150405.000000")}
	e := echo.New()
	calls := 0
	e.GET("/me", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, echo.Map{"tenant": TenantID(c)})
	}, JWTAuth(secret), NewRedisCache(cfg, rdb))

	get := func(tenant string) *httptest.ResponseRecorder {
		tok, err := utils.NewAccessToken(secret, "u1", RoleOwner, tenant, time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok.Token)
		return serve(e, req)
	}
	assert.Equal(t, "MISS", get("t1").Header().Get("X-Cache"))
	hit := get("t1")
	assert.Equal(t, "HIT", hit.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"tenant":"t1"}`, hit.Body.String())
	assert.Equal(t, "MISS", get("t2").Header().Get("X-Cache"))
	assert.Equal(t, 2, calls)
}
