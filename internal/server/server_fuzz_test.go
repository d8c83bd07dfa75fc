package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/chromevisor/internal/state"
)

// FuzzEnsureProfileParam checks that only valid profile names reach the
// supervisor and that the router never panics.
func FuzzEnsureProfileParam(f *testing.F) {
	f.Add("default")
	f.Add("")
	f.Add("..")
	f.Add("../etc/passwd")
	f.Add("name/with/slash")
	f.Add("name\\with\\backslash")
	f.Add("work.2")
	f.Add("unicode한글name")
	f.Add("name\x00null")

	gin.SetMode(gin.TestMode)
	f.Fuzz(func(t *testing.T, profile string) {
		if len(profile) > 200 {
			t.Skip("name too long")
		}
		svc := newFakeService()
		h := NewRouter(svc, "/api").Handler()
		req := httptest.NewRequest(http.MethodPost, "/api/ensure?profile="+url.QueryEscape(profile), nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		want := profile
		if want == "" {
			want = state.DefaultProfile
		}
		if profile != "" && !state.ValidProfileName(profile) {
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("profile %q: expected 400, got %d", profile, rec.Code)
			}
			if len(svc.ensured) != 0 {
				t.Fatalf("invalid profile %q reached the service", profile)
			}
			return
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("profile %q: expected 200, got %d: %s", profile, rec.Code, rec.Body.String())
		}
		if len(svc.ensured) != 1 || svc.ensured[0] != want {
			t.Fatalf("profile %q: service saw %v", profile, svc.ensured)
		}
	})
}
