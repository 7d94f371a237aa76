package hostapi

import (
	"context"
	"errors"
	"slices"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/shared/clone"
)

// Surface is the immutable, per-plugin table of callable host methods
type Surface struct {
	pluginID string
	deps     Collaborators
	entries  map[string]Handler
	names    []string
	gated    map[string]string // every catalog method -> required permission
}

// Names lists the granted methods in sorted order
func (s *Surface) Names() []string {
	return slices.Clone(s.names)
}

// Has reports whether method is granted
func (s *Surface) Has(method string) bool {
	_, ok := s.entries[method]
	return ok
}

// Invoke runs a granted method with plain-data args and returns a deep
// clone of its result. All failures are *protocol.Error values.
func (s *Surface) Invoke(ctx context.Context, method string, args any) (any, error) {
	h, ok := s.entries[method]
	if !ok {
		if perm, known := s.gated[method]; known {
			return nil, protocol.Errorf(protocol.CodePermissionDenied, "%s requires permission %q", method, perm)
		}
		return nil, protocol.Errorf(protocol.CodeMethodNotAllowed, "unknown host method %q", method)
	}

	params, err := normalizeArgs(args)
	if err != nil {
		return nil, err
	}

	result, err := h(ctx, s.deps, Request{PluginID: s.pluginID, Method: method, Args: params})
	if err != nil {
		return nil, protocol.AsError(err, protocol.CodeHostFailure)
	}

	out, err := clone.Value(result)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeSerialization, "%s result: %v", method, err)
	}
	return out, nil
}

// normalizeArgs clones args and requires an object (or nothing)
func normalizeArgs(args any) (map[string]any, error) {
	var params map[string]any
	if err := clone.Into(args, &params); err != nil {
		if errors.Is(err, clone.ErrUncloneable) {
			return nil, protocol.Errorf(protocol.CodeSerialization, "arguments: %v", err)
		}
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "arguments must be an object")
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
