package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string, audience ...string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  audience,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newRouter(secret, audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", JWTMiddleware(secret, audience), func(c *gin.Context) {
		owner, ok := GetOwnerID(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, owner)
	})
	return router
}

func TestJWTMiddlewareAcceptsBearerHeader(t *testing.T) {
	router := newRouter("secret", "")
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", "user-1"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "user-1" {
		t.Fatalf("expected user-1, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestJWTMiddlewareAcceptsQueryToken(t *testing.T) {
	router := newRouter("secret", "")
	req := httptest.NewRequest(http.MethodGet, "/whoami?access_token="+signToken(t, "secret", "user-2"), nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "user-2" {
		t.Fatalf("expected user-2, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestJWTMiddlewareRejectsBadTokens(t *testing.T) {
	router := newRouter("secret", "passport")
	cases := map[string]string{
		"missing":        "",
		"wrong secret":   "Bearer " + signToken(t, "other", "user-1", "passport"),
		"wrong audience": "Bearer " + signToken(t, "secret", "user-1", "elsewhere"),
		"no subject":     "Bearer " + signToken(t, "secret", "", "passport"),
		"bad scheme":     "Basic abc",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}
