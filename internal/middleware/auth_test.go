package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticValidator map[string]int

func (v staticValidator) ValidateToken(_ context.Context, token string) (int, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return 0, errors.New("unknown token")
}

func setupRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", mw, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetInt("userID")})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	router := setupRouter(AuthMiddleware(staticValidator{"good": 7}))

	cases := []struct {
		name   string
		header string
		code   int
	}{
		{name: "missing", header: "", code: http.StatusUnauthorized},
		{name: "malformed", header: "Token good", code: http.StatusUnauthorized},
		{name: "invalid", header: "Bearer bad", code: http.StatusUnauthorized},
		{name: "valid", header: "bearer good", code: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusOK {
				assert.JSONEq(t, `{"user_id":7}`, rec.Body.String())
			}
		})
	}
}

func TestOptionalWithoutValidator(t *testing.T) {
	router := setupRouter(Optional(nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
