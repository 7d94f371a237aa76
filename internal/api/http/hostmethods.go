package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/hostapi"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
)

// HostMethods is the read side of hostapi.Catalog
type HostMethods interface {
	Methods() []hostapi.MethodSpec
	Lookup(name string) (hostapi.MethodSpec, bool)
}

// HostMethod describes one catalog entry
type HostMethod struct {
	Name        string `json:"name"`
	Permission  string `json:"permission"`
	Description string `json:"description,omitempty"`
}

func toHostMethod(spec hostapi.MethodSpec) HostMethod {
	return HostMethod{
		Name:        spec.Name,
		Permission:  spec.Permission,
		Description: spec.Description,
	}
}

// WithHostMethods exposes the host method catalog under /hostmethods
func (h *Handlers) WithHostMethods(m HostMethods) *Handlers {
	h.hostMethods = m
	return h
}

// ListHostMethods lists every method plugins may be granted
func (h *Handlers) ListHostMethods(c *gin.Context) {
	specs := h.hostMethods.Methods()
	out := make([]HostMethod, 0, len(specs))
	for _, spec := range specs {
		out = append(out, toHostMethod(spec))
	}
	c.JSON(http.StatusOK, gin.H{
		"methods": out,
		"count":   len(out),
	})
}

// GetHostMethod returns one catalog entry
func (h *Handlers) GetHostMethod(c *gin.Context) {
	name := c.Param("name")
	spec, ok := h.hostMethods.Lookup(name)
	if !ok {
		respondError(c, protocol.Errorf(protocol.CodeMethodUnavailable, "no host method %s", name))
		return
	}
	c.JSON(http.StatusOK, toHostMethod(spec))
}
