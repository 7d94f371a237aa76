package hostapi

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
)

// Recovery converts a panicking handler into a host_error failure
func Recovery() Middleware {
	return func(method string, next Handler) Handler {
		return func(ctx context.Context, deps Collaborators, req Request) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = protocol.Errorf(protocol.CodeHostFailure, "%s panicked: %v", method, r)
				}
			}()
			return next(ctx, deps, req)
		}
	}
}

// Observe reports the duration and outcome of every invocation
func Observe(fn func(pluginID, method string, d time.Duration, err error)) Middleware {
	return func(method string, next Handler) Handler {
		return func(ctx context.Context, deps Collaborators, req Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, deps, req)
			fn(req.PluginID, method, time.Since(start), err)
			return result, err
		}
	}
}

// Logging logs failed invocations at warn and successful ones at debug
func Logging(log *logging.Logger) Middleware {
	return func(method string, next Handler) Handler {
		return func(ctx context.Context, deps Collaborators, req Request) (any, error) {
			result, err := next(ctx, deps, req)
			if err != nil {
				log.Warn("host method failed",
					zap.String("plugin_id", req.PluginID),
					zap.String("method", method),
					zap.Error(err))
			} else {
				log.Debug("host method invoked",
					zap.String("plugin_id", req.PluginID),
					zap.String("method", method))
			}
			return result, err
		}
	}
}
