package http

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
)

// maxManifestBytes caps POST /manifest/validate bodies
const maxManifestBytes = 1 << 20

// ValidateManifest decodes a JSON, YAML or TOML manifest and validates it.
// The format comes from ?format= or the Content-Type header. An invalid
// manifest is still a 200 carrying valid=false and the reasons.
func (h *Handlers) ValidateManifest(c *gin.Context) {
	hint := c.Query("format")
	if hint == "" {
		hint, _, _ = mime.ParseMediaType(c.GetHeader("Content-Type"))
	}
	format, err := manifest.ParseFormat(hint)
	if err != nil {
		respondError(c, protocol.Errorf(protocol.CodeInvalidArgument, "%v", err))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxManifestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": protocol.Errorf(protocol.CodeInvalidArgument, "manifest exceeds %d bytes", maxManifestBytes),
			})
			return
		}
		respondError(c, protocol.Errorf(protocol.CodeInvalidArgument, "read body: %v", err))
		return
	}

	raw, err := manifest.Decode(body, format)
	if err != nil {
		respondError(c, protocol.Errorf(protocol.CodeValidation, "%v", err))
		return
	}

	c.JSON(http.StatusOK, h.validator.Validate(raw))
}

// ManifestSchema serves the JSON Schema of the manifest format
func (h *Handlers) ManifestSchema(c *gin.Context) {
	schema, err := manifest.Schema()
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/schema+json", schema)
}
