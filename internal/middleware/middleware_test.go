package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
	"github.com/noah-isme/enrollment-reconciler/internal/service"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(handlers...)
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return router
}

func perform(router *gin.Engine, header string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestCronAuth(t *testing.T) {
	router := newRouter(CronAuth("s3cret"))

	assert.Equal(t, http.StatusNoContent, perform(router, "Bearer s3cret").Code)
	assert.Equal(t, http.StatusUnauthorized, perform(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, perform(router, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, perform(router, "s3cret").Code)
}

func TestCronAuthWithoutSecretRejectsAll(t *testing.T) {
	router := newRouter(CronAuth(""))

	assert.Equal(t, http.StatusUnauthorized, perform(router, "Bearer ").Code)
	assert.Equal(t, http.StatusUnauthorized, perform(router, "Bearer").Code)
}

func signedToken(t *testing.T, role models.UserRole) string {
	t.Helper()
	claims := models.JWTClaims{
		UserID: "user-1",
		Role:   role,
		Email:  "admin@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestJWTAndRoles(t *testing.T) {
	auth := service.NewAuthService(nil, service.AuthConfig{AccessTokenSecret: "secret"})
	router := newRouter(JWT(auth), RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))

	assert.Equal(t, http.StatusNoContent, perform(router, "Bearer "+signedToken(t, models.RoleAdmin)).Code)
	assert.Equal(t, http.StatusForbidden, perform(router, "Bearer "+signedToken(t, models.RoleStaff)).Code)
	assert.Equal(t, http.StatusUnauthorized, perform(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, perform(router, "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, perform(router, "Bearer abc").Code)
}

func TestRequireRolesWithoutClaims(t *testing.T) {
	router := newRouter(RequireRoles(models.RoleAdmin))
	assert.Equal(t, http.StatusUnauthorized, perform(router, "").Code)
}

func TestMetricsMiddlewareRecordsRoute(t *testing.T) {
	metrics := service.NewMetricsService()
	router := newRouter(Metrics(metrics))
	perform(router, "")

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := recorder.Body.String()
	assert.True(t, strings.Contains(body, `path="/ping"`), body)
}
