package runtime

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/shared/clone"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/shared/id"
)

// pendingCall is one host to plugin call awaiting its response. Whoever
// removes it from the pending table delivers exactly one result.
type pendingCall struct {
	method  string
	started time.Time
	timer   *time.Timer
	done    chan callResult
}

type callResult struct {
	value any
	err   error
}

func (pc *pendingCall) finish(r callResult) {
	pc.timer.Stop()
	pc.done <- r
}

// Call invokes a plugin method, bringing the host up first if needed.
// Args are deep-cloned before they cross the boundary. The call fails with
// rpc_timeout after Config.CallTimeout; cancelling ctx abandons it.
func (h *Host) Call(ctx context.Context, method string, args any) (any, error) {
	if err := h.EnsureReady(ctx); err != nil {
		return nil, err
	}
	params, err := clone.Value(args)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeSerialization, "%s args: %v", method, err)
	}

	h.mu.Lock()
	if h.status != StatusReady {
		err := h.unavailableLocked()
		h.mu.Unlock()
		return nil, err
	}
	if _, ok := h.methods[method]; !ok {
		h.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeMethodUnavailable, "%s does not expose %q", h.id, method)
	}
	session, token := h.session, h.token
	reqID := id.NewRequestID().String()
	pc := &pendingCall{method: method, started: time.Now(), done: make(chan callResult, 1)}
	pc.timer = time.AfterFunc(h.cfg.CallTimeout, func() {
		h.abandon(reqID, protocol.Errorf(protocol.CodeRPCTimeout, "%s.%s timed out after %s", h.id, method, h.cfg.CallTimeout))
	})
	h.pending[reqID] = pc
	h.mu.Unlock()

	if err := session.Send(protocol.NewRequest(token, reqID, method, params)); err != nil {
		h.abandon(reqID, protocol.AsError(err, protocol.CodeSandboxCrash))
	}

	select {
	case r := <-pc.done:
		return r.value, r.err
	case <-ctx.Done():
		h.abandon(reqID, protocol.Errorf(protocol.CodeCancelled, "%s.%s: %v", h.id, method, ctx.Err()))
		r := <-pc.done
		return r.value, r.err
	}
}

// abandon removes a pending call and rejects it with err. It is a no-op if
// the call was already settled.
func (h *Host) abandon(reqID string, err *protocol.Error) {
	h.mu.Lock()
	pc, ok := h.pending[reqID]
	if ok {
		delete(h.pending, reqID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	pc.finish(callResult{err: err})
	h.rec.ObserveCall(h.id, HostToPlugin, pc.method, time.Since(pc.started), err)
}

func (h *Host) unavailableLocked() error {
	switch h.status {
	case StatusDestroyed:
		return protocol.Errorf(protocol.CodeRuntimeDestroyed, "runtime for %s destroyed", h.id)
	case StatusError:
		if h.lastErr != nil {
			return h.lastErr
		}
	}
	return protocol.Errorf(protocol.CodeRuntimeNotLoaded, "runtime for %s is %s", h.id, h.status)
}

// ============================================================================
// Inbound messages
// ============================================================================

// receive handles one message from the session subscribed under gen. token
// is the secret of that session; anything else is dropped.
func (h *Host) receive(gen uint64, token string, msg protocol.Message) {
	if subtle.ConstantTimeCompare([]byte(msg.Token), []byte(token)) != 1 {
		h.rec.MessageRejected(h.id, "token_mismatch")
		h.log.Debug("dropping message with foreign token", zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case protocol.KindHandshake:
		h.onHandshake(gen, msg)
	case protocol.KindResponse:
		h.onResponse(gen, msg)
	case protocol.KindHostRequest:
		h.onHostRequest(gen, msg)
	case protocol.KindTelemetry:
		h.onTelemetry(gen, msg)
	case protocol.KindCrash:
		h.fail(gen, protocol.Errorf(protocol.CodeSandboxCrash, "%s", detailText(msg.Detail)))
	default:
		h.rec.MessageRejected(h.id, "unexpected_type")
		h.log.Debug("dropping unexpected message", zap.String("type", string(msg.Type)))
	}
}

// currentLocked reports whether gen is still the live generation
func (h *Host) currentLocked(gen uint64) bool {
	if h.generation != gen {
		h.rec.MessageRejected(h.id, "stale_session")
		return false
	}
	return true
}

func (h *Host) onHandshake(gen uint64, msg protocol.Message) {
	methods := make(map[string]struct{}, len(msg.Methods))
	for _, name := range msg.Methods {
		methods[name] = struct{}{}
	}

	h.mu.Lock()
	if !h.currentLocked(gen) {
		h.mu.Unlock()
		return
	}
	switch h.status {
	case StatusLoading:
		if h.handshake != nil {
			h.handshake.Stop()
			h.handshake = nil
		}
		h.methods = methods
		h.status = StatusReady
		if h.attempt != nil {
			close(h.attempt.done)
			h.attempt = nil
		}
		h.rec.ObserveHandshake(h.id, time.Since(h.startedAt), nil)
		h.queueStatus(StatusReady, nil)
		h.log.Info("plugin runtime ready", zap.Int("methods", len(methods)))

	case StatusReady:
		// Capability refresh. Calls still in flight against a withdrawn
		// method are rejected; everything else keeps waiting.
		h.methods = methods
		withdrawn := 0
		for reqID, pc := range h.pending {
			if _, ok := methods[pc.method]; ok {
				continue
			}
			delete(h.pending, reqID)
			pc.finish(callResult{err: protocol.Errorf(protocol.CodeMethodUnavailable, "%s withdrew %q", h.id, pc.method)})
			withdrawn++
		}
		h.log.Info("plugin capabilities refreshed", zap.Int("methods", len(methods)), zap.Int("rejected_calls", withdrawn))
	}
	h.unlock()
}

func (h *Host) onResponse(gen uint64, msg protocol.Message) {
	h.mu.Lock()
	if !h.currentLocked(gen) {
		h.mu.Unlock()
		return
	}
	pc, ok := h.pending[msg.RequestID]
	if ok {
		delete(h.pending, msg.RequestID)
	}
	h.mu.Unlock()

	if !ok {
		// duplicate, late or unknown
		h.log.Debug("dropping response for unknown request", zap.String("request_id", msg.RequestID))
		return
	}

	var r callResult
	if msg.OK {
		r.value = msg.Result
	} else {
		r.err = msg.Failure()
	}
	pc.finish(r)
	h.rec.ObserveCall(h.id, HostToPlugin, pc.method, time.Since(pc.started), r.err)
}

// onHostRequest serves a host:rpc against the surface. The response always
// echoes the request id.
func (h *Host) onHostRequest(gen uint64, msg protocol.Message) {
	h.mu.Lock()
	if !h.currentLocked(gen) || h.session == nil {
		h.mu.Unlock()
		return
	}
	session, token, surface := h.session, h.token, h.surface
	h.mu.Unlock()

	start := time.Now()
	var (
		result any
		err    error
	)
	if h.limiter != nil && !h.limiter.Allow() {
		err = protocol.Errorf(protocol.CodeRateLimited, "%s exceeded %.0f host calls per second", h.id, h.cfg.HostCallRate)
	} else {
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.CallTimeout)
		result, err = surface.Invoke(ctx, msg.Method, msg.Args)
		cancel()
	}
	h.rec.ObserveCall(h.id, PluginToHost, msg.Method, time.Since(start), err)

	resp := protocol.NewResult(protocol.KindHostResponse, token, msg.RequestID, result)
	if err != nil {
		resp = protocol.NewFailure(protocol.KindHostResponse, token, msg.RequestID, protocol.AsError(err, protocol.CodeHostFailure))
		h.log.Debug("host call rejected", zap.String("method", msg.Method), zap.Error(err))
	}
	if sendErr := session.Send(resp); sendErr != nil {
		if protocol.CodeOf(sendErr) != protocol.CodeSerialization {
			h.log.Debug("host response not delivered", zap.Error(sendErr))
			return
		}
		_ = session.Send(protocol.NewFailure(protocol.KindHostResponse, token, msg.RequestID, protocol.AsError(sendErr, protocol.CodeSerialization)))
	}
}

func (h *Host) onTelemetry(gen uint64, msg protocol.Message) {
	h.mu.Lock()
	if !h.currentLocked(gen) {
		h.mu.Unlock()
		return
	}
	h.outbox = append(h.outbox, Event{
		Kind:     EventTelemetry,
		PluginID: h.id,
		At:       time.Now(),
		Level:    msg.Level,
		Event:    msg.Event,
		Detail:   msg.Detail,
	})
	h.unlock()

	if msg.Level == protocol.LevelError {
		h.log.Warn("plugin reported error", zap.String("event", msg.Event), zap.Any("detail", msg.Detail))
	}
}

func detailText(detail any) string {
	switch d := detail.(type) {
	case nil:
		return "sandbox crashed"
	case string:
		return d
	default:
		return fmt.Sprint(d)
	}
}
