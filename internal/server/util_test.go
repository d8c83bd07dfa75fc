package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/loykin/chromevisor/internal/errdefs"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeBase(c.in), c.in)
	}
}

func TestStatusForWrapped(t *testing.T) {
	err := fmt.Errorf("ensure: %w", &errdefs.ConnectionError{Port: 9222, Attempts: 4})
	code, kind := statusFor(err)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "connection", kind)

	code, kind = statusFor(fmt.Errorf("wait: %w", context.DeadlineExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "timeout", kind)

	code, _ = statusFor(&errdefs.ProcessKillError{PID: 1})
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	writeJSON(c, http.StatusTeapot, okResp{OK: true})
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}
