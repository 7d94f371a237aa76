package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manager"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/tracing"
)

// Runtimes is the part of manager.Manager the admin API drives
type Runtimes interface {
	Runtimes() []manager.RuntimeInfo
	Runtime(pluginID string) (manager.RuntimeInfo, bool)
	Call(ctx context.Context, pluginID, method string, args any) (any, error)
	Reload(ctx context.Context, pluginID string) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	runtimes  Runtimes
	validator *manifest.Validator
	metrics   *monitoring.Metrics
	log       *logging.Logger
	tracer    *tracing.Tracer
	version   string

	hostMethods HostMethods
}

// NewHandlers creates a new handler set. metrics may be nil.
func NewHandlers(runtimes Runtimes, validator *manifest.Validator, metrics *monitoring.Metrics, log *logging.Logger) *Handlers {
	if validator == nil {
		validator = manifest.NewValidator()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Handlers{
		runtimes:  runtimes,
		validator: validator,
		metrics:   metrics,
		log:       log.Named("http"),
		version:   "0.1.0",
	}
}

// WithTracer runs plugin calls and reloads in child spans of the request
func (h *Handlers) WithTracer(t *tracing.Tracer) *Handlers {
	h.tracer = t
	return h
}

// Register mounts every route on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	r.GET("/runtimes", h.ListRuntimes)
	r.GET("/runtimes/:id", h.GetRuntime)
	r.POST("/runtimes/:id/call", h.CallRuntime)
	r.POST("/runtimes/:id/reload", h.ReloadRuntime)

	if h.hostMethods != nil {
		r.GET("/hostmethods", h.ListHostMethods)
		r.GET("/hostmethods/:name", h.GetHostMethod)
	}

	r.POST("/manifest/validate", h.ValidateManifest)
	r.GET("/manifest/schema", h.ManifestSchema)

	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}

// Root identifies the service
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "plugin-runtime",
		"version": h.version,
	})
}

// Health reports fleet state and request counters
func (h *Handlers) Health(c *gin.Context) {
	infos := h.runtimes.Runtimes()
	byStatus := make(map[runtime.Status]int)
	open := 0
	for _, info := range infos {
		byStatus[info.Status]++
		if info.Breaker != "closed" {
			open++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"runtimes": gin.H{
			"total":         len(infos),
			"by_status":     byStatus,
			"breakers_open": open,
		},
		"metrics": h.metrics.Summary(),
	})
}
