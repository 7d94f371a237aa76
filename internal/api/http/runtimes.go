package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/tracing"
)

// CallRequest is the body of POST /runtimes/:id/call
type CallRequest struct {
	Method string `json:"method" binding:"required,max=256"`
	Args   any    `json:"args"`
}

// ListRuntimes lists every host
func (h *Handlers) ListRuntimes(c *gin.Context) {
	infos := h.runtimes.Runtimes()
	c.JSON(http.StatusOK, gin.H{
		"runtimes": infos,
		"count":    len(infos),
	})
}

// GetRuntime returns one host
func (h *Handlers) GetRuntime(c *gin.Context) {
	pluginID := c.Param("id")
	info, ok := h.runtimes.Runtime(pluginID)
	if !ok {
		respondError(c, protocol.Errorf(protocol.CodeRuntimeNotLoaded, "no runtime for %s", pluginID))
		return
	}
	c.JSON(http.StatusOK, info)
}

// CallRuntime invokes a plugin method and returns its result
func (h *Handlers) CallRuntime(c *gin.Context) {
	pluginID := c.Param("id")

	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, protocol.Errorf(protocol.CodeInvalidArgument, "invalid call request: %v", err))
		return
	}

	var result any
	err := tracing.Trace(c.Request.Context(), h.tracer, "plugin.call", map[string]string{
		"plugin_id": pluginID,
		"method":    req.Method,
	}, func(ctx context.Context) error {
		var err error
		result, err = h.runtimes.Call(ctx, pluginID, req.Method, req.Args)
		return err
	})
	if err != nil {
		h.log.Debug("plugin call failed",
			zap.String("plugin_id", pluginID),
			zap.String("method", req.Method),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ReloadRuntime restarts a host's sandbox and waits for it to be ready
func (h *Handlers) ReloadRuntime(c *gin.Context) {
	pluginID := c.Param("id")

	err := tracing.Trace(c.Request.Context(), h.tracer, "plugin.reload", map[string]string{
		"plugin_id": pluginID,
	}, func(ctx context.Context) error {
		return h.runtimes.Reload(ctx, pluginID)
	})
	if err != nil {
		h.log.Warn("plugin reload failed", zap.String("plugin_id", pluginID), zap.Error(err))
		respondError(c, err)
		return
	}

	info, _ := h.runtimes.Runtime(pluginID)
	c.JSON(http.StatusOK, info)
}
