package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyprobe/internal/results"
	"github.com/loykin/proxyprobe/internal/scheduler"
)

// Router provides embeddable HTTP handlers for the probe results.
// Endpoints:
//   GET  {basePath}/results          snapshot; optional ?status=online|offline
//   GET  {basePath}/results/{name}   one result with its quality category
//   GET  {basePath}/state            scheduler state
//   POST {basePath}/sweep            wake the scheduler; 202 Accepted
//   GET  /metrics                    when WithMetrics is used
// basePath may be empty or start with '/'; no trailing slash.

// Source is the read side of the result store.
type Source interface {
	Snapshot() results.Snapshot
	Get(name string) (results.Result, bool)
}

// Controller is the part of the scheduler the API drives.
type Controller interface {
	State() scheduler.State
	Trigger()
}

type Router struct {
	src      Source
	ctl      Controller
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router. ctl may be nil for a read-only API; /state
// and /sweep then answer 503.
func NewRouter(src Source, ctl Controller, basePath string) *Router {
	return &Router{src: src, ctl: ctl, basePath: cleanBase(basePath)}
}

// WithMetrics mounts h at /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// Register adds the result endpoints to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/results", r.handleResults)
	group.GET("/results/*name", r.handleResult)
	group.GET("/state", r.handleState)
	group.POST("/sweep", r.handleSweep)
}

// NewServer wraps h in an http.Server with conservative timeouts. The caller
// owns ListenAndServe and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type acceptedResp struct {
	Accepted bool `json:"accepted"`
}

// ResultView is the single-result response.
type ResultView struct {
	Name      string         `json:"name"`
	Delay     float64        `json:"delay"`
	Status    results.Status `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
}

func (r *Router) handleResults(c *gin.Context) {
	snap := r.src.Snapshot()
	want := results.Status(strings.ToLower(c.Query("status")))
	switch want {
	case "":
	case results.StatusOnline, results.StatusOffline:
		for name, res := range snap.Results {
			if res.Status != want {
				delete(snap.Results, name)
			}
		}
		snap.Total = len(snap.Results)
	default:
		c.JSON(http.StatusBadRequest, errorResp{Error: "status must be online or offline"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (r *Router) handleResult(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	if name == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	res, ok := r.src.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, errorResp{Error: "no result for " + name})
		return
	}
	c.JSON(http.StatusOK, ResultView{
		Name:      name,
		Delay:     res.DelayMs,
		Status:    res.Status,
		Timestamp: res.TestedAt,
		Category:  results.Category(res),
	})
}

func (r *Router) handleState(c *gin.Context) {
	if r.ctl == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "scheduler not attached"})
		return
	}
	c.JSON(http.StatusOK, r.ctl.State())
}

func (r *Router) handleSweep(c *gin.Context) {
	if r.ctl == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "scheduler not attached"})
		return
	}
	r.ctl.Trigger()
	c.JSON(http.StatusAccepted, acceptedResp{Accepted: true})
}

// cleanBase turns " api/ " into "/api"; empty and "/" mount at the root.
func cleanBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}
