package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/chromevisor/internal/errdefs"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func endpoint(port int) string { return fmt.Sprintf("http://localhost:%d", port) }

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(err error) (int, string) {
	var (
		pe *errdefs.ProfileError
		ce *errdefs.ConfigurationError
		nf *errdefs.NotFoundError
		ie *errdefs.InstallationError
		le *errdefs.LaunchError
		te *errdefs.TimeoutError
		ke *errdefs.ProcessKillError
		co *errdefs.ConnectionError
	)
	switch {
	case errors.As(err, &pe):
		return http.StatusConflict, "profile"
	case errors.As(err, &ce):
		return http.StatusBadRequest, "configuration"
	case errors.As(err, &nf):
		return http.StatusServiceUnavailable, "not_found"
	case errors.As(err, &ie):
		return http.StatusBadGateway, "installation"
	case errors.As(err, &te):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &le):
		return http.StatusServiceUnavailable, "launch"
	case errors.As(err, &ke):
		return http.StatusInternalServerError, "process_kill"
	case errors.As(err, &co):
		return http.StatusBadGateway, "connection"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	}
	return http.StatusInternalServerError, ""
}

func writeError(c *gin.Context, err error) {
	code, kind := statusFor(err)
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: kind})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
