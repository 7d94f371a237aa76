package manifest

import (
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/invopop/jsonschema"
)

var (
	schemaOnce  sync.Once
	schemaBytes []byte
	schemaErr   error
)

// Schema returns the JSON Schema (draft 2020-12) describing a raw manifest
func Schema() ([]byte, error) {
	schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			ExpandedStruct: true,
		}
		s := reflector.Reflect(&Raw{})
		s.Title = "Plugin manifest"

		schemaBytes, schemaErr = sonic.ConfigStd.MarshalIndent(s, "", "  ")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to marshal schema: %w", schemaErr)
		}
	})
	return schemaBytes, schemaErr
}
