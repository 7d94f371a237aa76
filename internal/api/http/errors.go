package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
)

// statusFor maps an error code to an HTTP status
func statusFor(code protocol.Code) int {
	switch code {
	case protocol.CodeInvalidArgument, protocol.CodeSerialization, protocol.CodeValidation:
		return http.StatusBadRequest
	case protocol.CodePermissionDenied, protocol.CodeMethodNotAllowed:
		return http.StatusForbidden
	case protocol.CodeRuntimeNotLoaded, protocol.CodeMethodUnavailable:
		return http.StatusNotFound
	case protocol.CodeCancelled:
		return http.StatusRequestTimeout
	case protocol.CodePluginFailure:
		return http.StatusUnprocessableEntity
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeSandboxCrash, protocol.CodeHostFailure:
		return http.StatusBadGateway
	case protocol.CodeRuntimeDestroyed, protocol.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case protocol.CodeRPCTimeout, protocol.CodeHandshakeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": {"code", "message"}} with a matching status
func respondError(c *gin.Context, err error) {
	pe := protocol.AsError(err, protocol.CodeHostFailure)
	status := statusFor(pe.Code)
	if protocol.CodeOf(err) == "" {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"error": pe})
}
