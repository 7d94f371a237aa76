package hostapi

import (
	"context"
	"fmt"
	"regexp"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/graph"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
)

// Built-in method names
const (
	MethodGetNodes     = "graph:getNodes"
	MethodGetNode      = "graph:getNode"
	MethodGetEdges     = "graph:getEdges"
	MethodGetEdge      = "graph:getEdge"
	MethodUpdateNode   = "graph:updateNode"
	MethodUpdateEdge   = "graph:updateEdge"
	MethodGetSelection = "selection:get"
	MethodEmitEvent    = "events:emit"
)

var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:-]{0,63}$`)

func builtins() []MethodSpec {
	return []MethodSpec{
		{
			Name:        MethodGetNodes,
			Permission:  manifest.PermGraphRead,
			Description: "List every node",
			Handler: func(_ context.Context, deps Collaborators, _ Request) (any, error) {
				g, err := graphOf(deps)
				if err != nil {
					return nil, err
				}
				return unwrap(g.ReadNode(nil))
			},
		},
		{
			Name:        MethodGetNode,
			Permission:  manifest.PermGraphRead,
			Description: "Read one node by id",
			Handler: func(_ context.Context, deps Collaborators, req Request) (any, error) {
				g, err := graphOf(deps)
				if err != nil {
					return nil, err
				}
				id, err := stringArg(req.Args, "id")
				if err != nil {
					return nil, err
				}
				return unwrap(g.ReadNode(&id))
			},
		},
		{
			Name:        MethodGetEdges,
			Permission:  manifest.PermGraphRead,
			Description: "List every edge",
			Handler: func(_ context.Context, deps Collaborators, _ Request) (any, error) {
				g, err := graphOf(deps)
				if err != nil {
					return nil, err
				}
				return unwrap(g.ReadEdge(nil))
			},
		},
		{
			Name:        MethodGetEdge,
			Permission:  manifest.PermGraphRead,
			Description: "Read one edge by id",
			Handler: func(_ context.Context, deps Collaborators, req Request) (any, error) {
				g, err := graphOf(deps)
				if err != nil {
					return nil, err
				}
				id, err := stringArg(req.Args, "id")
				if err != nil {
					return nil, err
				}
				return unwrap(g.ReadEdge(&id))
			},
		},
		{
			Name:        MethodUpdateNode,
			Permission:  manifest.PermGraphWrite,
			Description: "Merge a patch into a node",
			Handler: func(_ context.Context, deps Collaborators, req Request) (any, error) {
				g, err := graphOf(deps)
				if err != nil {
					return nil, err
				}
				id, patch, err := patchArgs(req.Args)
				if err != nil {
					return nil, err
				}
				return unwrap(g.UpdateNode(id, patch))
			},
		},
		{
			Name:        MethodUpdateEdge,
			Permission:  manifest.PermGraphWrite,
			Description: "Merge a patch into an edge",
			Handler: func(_ context.Context, deps Collaborators, req Request) (any, error) {
				g, err := graphOf(deps)
				if err != nil {
					return nil, err
				}
				id, patch, err := patchArgs(req.Args)
				if err != nil {
					return nil, err
				}
				return unwrap(g.UpdateEdge(id, patch))
			},
		},
		{
			Name:        MethodGetSelection,
			Permission:  manifest.PermSelectionRead,
			Description: "Read the current selection",
			Handler: func(_ context.Context, deps Collaborators, _ Request) (any, error) {
				if deps.Selection == nil {
					return nil, protocol.Errorf(protocol.CodeHostFailure, "selection is unavailable")
				}
				return deps.Selection.Selection(), nil
			},
		},
		{
			Name:        MethodEmitEvent,
			Permission:  manifest.PermEventsEmit,
			Description: "Emit a namespaced event",
			Handler: func(_ context.Context, deps Collaborators, req Request) (any, error) {
				if deps.Events == nil {
					return nil, protocol.Errorf(protocol.CodeHostFailure, "event sink is unavailable")
				}
				name, err := stringArg(req.Args, "event")
				if err != nil {
					return nil, err
				}
				if !eventNamePattern.MatchString(name) {
					return nil, protocol.Errorf(protocol.CodeInvalidArgument, "invalid event name %q", name)
				}
				deps.Events.Emit(EventName(req.PluginID, name), req.Args["payload"])
				return nil, nil
			},
		},
	}
}

// EventName namespaces a plugin event
func EventName(pluginID, event string) string {
	return fmt.Sprintf("plugin.%s.%s", pluginID, event)
}

func graphOf(deps Collaborators) (graph.API, error) {
	if deps.Graph == nil {
		return nil, protocol.Errorf(protocol.CodeHostFailure, "graph is unavailable")
	}
	return deps.Graph, nil
}

// unwrap turns a collaborator result into a value or a typed failure
func unwrap(res graph.Result) (any, error) {
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "operation failed"
		}
		return nil, &protocol.Error{Code: protocol.CodeHostFailure, Message: msg}
	}
	return res.Data, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", protocol.Errorf(protocol.CodeInvalidArgument, "missing %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", protocol.Errorf(protocol.CodeInvalidArgument, "%q must be a non-empty string", key)
	}
	return s, nil
}

func patchArgs(args map[string]any) (string, map[string]any, error) {
	id, err := stringArg(args, "id")
	if err != nil {
		return "", nil, err
	}
	patch, ok := args["patch"].(map[string]any)
	if !ok {
		return "", nil, protocol.Errorf(protocol.CodeInvalidArgument, "%q must be an object", "patch")
	}
	return id, patch, nil
}
