package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/chromevisor/internal/metrics"
	"github.com/loykin/chromevisor/internal/process"
	"github.com/loykin/chromevisor/internal/state"
	"github.com/loykin/chromevisor/internal/supervisor"
)

// Service is the supervisor surface exposed over HTTP.
type Service interface {
	Ensure(ctx context.Context, profile string) (*process.ControlledProcess, error)
	Stop(ctx context.Context) error
	Status() supervisor.Status
	Diagnose(ctx context.Context) supervisor.Report
	Profiles() []state.Profile
	Profile(name string) (state.Profile, bool)
	DeleteProfile(name string) error
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints:
//
//	GET    {basePath}/status
//	POST   {basePath}/ensure          query: profile=... (default "default")
//	POST   {basePath}/stop
//	GET    {basePath}/diagnose
//	GET    {basePath}/profiles
//	GET    {basePath}/profiles/:name
//	DELETE {basePath}/profiles/:name
//	GET    /metrics                   when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      Service
	basePath string
	metrics  bool
	// ensureTimeout bounds one ensure request; install can take minutes.
	ensureTimeout time.Duration
}

type RouterOption func(*Router)

// WithMetrics mounts the prometheus handler at /metrics.
func WithMetrics(on bool) RouterOption { return func(r *Router) { r.metrics = on } }

// WithEnsureTimeout overrides the ensure deadline; non-positive values are ignored.
func WithEnsureTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.ensureTimeout = d
		}
	}
}

// NewRouter constructs a Router. Example basePath "/api" serves /api/status.
func NewRouter(svc Service, basePath string, opts ...RouterOption) *Router {
	r := &Router{svc: svc, basePath: sanitizeBase(basePath), ensureTimeout: 10 * time.Minute}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/ensure", r.handleEnsure)
	group.POST("/stop", r.handleStop)
	group.GET("/diagnose", r.handleDiagnose)
	group.GET("/profiles", r.handleProfiles)
	group.GET("/profiles/:name", r.handleProfile)
	group.DELETE("/profiles/:name", r.handleDeleteProfile)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer returns an http.Server for svc; the caller runs and shuts it down.
func NewServer(addr, basePath string, svc Service, opts ...RouterOption) *http.Server {
	r := NewRouter(svc, basePath, opts...)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// ensure may install and launch
		WriteTimeout: r.ensureTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// EnsureResp is the body of a successful ensure.
type EnsureResp struct {
	Process  *process.ControlledProcess `json:"process"`
	Endpoint string                     `json:"endpoint"`
	Profile  string                     `json:"profile"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Status())
}

func (r *Router) handleEnsure(c *gin.Context) {
	profile := c.Query("profile")
	if profile == "" {
		profile = state.DefaultProfile
	}
	if !state.ValidProfileName(profile) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid profile: allowed [A-Za-z0-9._-] and no '..' or path separators", Kind: "profile"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.ensureTimeout)
	defer cancel()
	p, err := r.svc.Ensure(ctx, profile)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, EnsureResp{Process: p, Endpoint: endpoint(p.ControlPort), Profile: profile})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.svc.Stop(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDiagnose(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Diagnose(c.Request.Context()))
}

func (r *Router) handleProfiles(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Profiles())
}

func (r *Router) handleProfile(c *gin.Context) {
	name := c.Param("name")
	if !state.ValidProfileName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid profile name", Kind: "profile"})
		return
	}
	p, ok := r.svc.Profile(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "profile not found: " + name, Kind: "profile"})
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handleDeleteProfile(c *gin.Context) {
	name := c.Param("name")
	if !state.ValidProfileName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid profile name", Kind: "profile"})
		return
	}
	if err := r.svc.DeleteProfile(name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
