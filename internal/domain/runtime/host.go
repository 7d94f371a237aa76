package runtime

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/hostapi"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
)

// Host runs one plugin: it owns the sandbox session, the handshake, the
// pending call table and the plugin's host method surface.
//
// Every session is tagged with a generation number. Destroy, Reload and
// failures bump the generation, which makes callbacks from the old session
// inert even if they race with the teardown.
type Host struct {
	id       string
	cfg      Config
	factory  sandbox.Factory
	catalog  *hostapi.Catalog
	collab   hostapi.Collaborators
	log      *logging.Logger
	rec      Recorder
	observer Observer
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	manifest    manifest.Manifest
	surface     *hostapi.Surface
	status      Status
	lastErr     *protocol.Error
	generation  uint64
	session     sandbox.Session
	unsubscribe func()
	token       string
	methods     map[string]struct{}
	pending     map[string]*pendingCall
	attempt     *attempt
	handshake   *time.Timer
	startedAt   time.Time
	outbox      []Event

	// pmu keeps observer callbacks in transition order
	pmu sync.Mutex
}

// attempt is one idle→loading→ready bring-up shared by every EnsureReady
// caller that arrives while it runs
type attempt struct {
	done chan struct{}
	err  error
}

// New creates an idle Host for a validated manifest. No sandbox is started
// until EnsureReady or Call.
func New(m manifest.Manifest, deps Deps, cfg Config) (*Host, error) {
	if deps.Factory == nil {
		return nil, fmt.Errorf("runtime %s: no sandbox factory", m.ID)
	}
	if !m.HasBundle() {
		return nil, fmt.Errorf("runtime %s: manifest has no bundle", m.ID)
	}
	if deps.Catalog == nil {
		deps.Catalog = hostapi.DefaultCatalog()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		id:       m.ID,
		cfg:      cfg,
		factory:  deps.Factory,
		catalog:  deps.Catalog,
		collab:   deps.Collaborators,
		log:      deps.Logger.Named("runtime").ForPlugin(m.ID),
		rec:      deps.Recorder,
		observer: deps.Observer,
		ctx:      ctx,
		cancel:   cancel,
		manifest: m,
		surface:  deps.Catalog.Build(m.ID, m.Permissions, deps.Collaborators),
		status:   StatusIdle,
		pending:  make(map[string]*pendingCall),
	}
	if cfg.HostCallRate > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.HostCallRate), cfg.HostCallBurst)
	}
	return h, nil
}

// PluginID returns the id of the hosted plugin
func (h *Host) PluginID() string {
	return h.id
}

// Manifest returns the manifest the host currently runs
func (h *Host) Manifest() manifest.Manifest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifest
}

// Status returns the lifecycle state
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// AvailableMethods lists the method names the plugin announced
func (h *Host) AvailableMethods() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.methods))
}

// PendingCount returns the number of unanswered host to plugin calls
func (h *Host) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Info returns a snapshot for status APIs
func (h *Host) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := Info{
		PluginID:    h.id,
		Version:     h.manifest.Version,
		Status:      h.status,
		Methods:     slices.Sorted(maps.Keys(h.methods)),
		HostMethods: h.surface.Names(),
		Permissions: h.manifest.Permissions.List(),
		Pending:     len(h.pending),
	}
	if info.Methods == nil {
		info.Methods = []string{}
	}
	if h.lastErr != nil {
		info.Error = h.lastErr.Error()
	}
	return info
}

// ============================================================================
// Lifecycle
// ============================================================================

// EnsureReady brings the host to ready, starting a sandbox when idle or
// after an error. Concurrent callers share one bring-up. ctx only bounds
// this caller's wait.
func (h *Host) EnsureReady(ctx context.Context) error {
	h.mu.Lock()
	switch h.status {
	case StatusDestroyed:
		h.mu.Unlock()
		return protocol.Errorf(protocol.CodeRuntimeDestroyed, "runtime for %s destroyed", h.id)
	case StatusReady:
		h.mu.Unlock()
		return nil
	case StatusIdle, StatusError:
		h.beginLocked()
	}
	a := h.attempt
	h.unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return protocol.Errorf(protocol.CodeCancelled, "waiting for %s: %v", h.id, ctx.Err())
	}
}

// Reload tears the current session down, rejecting pending calls, and
// brings the host up again with a fresh session token
func (h *Host) Reload(ctx context.Context) error {
	h.mu.Lock()
	if h.status == StatusDestroyed {
		h.mu.Unlock()
		return protocol.Errorf(protocol.CodeRuntimeDestroyed, "runtime for %s destroyed", h.id)
	}
	h.resetLocked(protocol.Errorf(protocol.CodeRuntimeDestroyed, "runtime for %s reloaded", h.id))
	h.status = StatusIdle
	h.lastErr = nil
	d := h.detachLocked()
	h.unlock()
	d.close()

	h.log.Info("reloading plugin runtime")
	return h.EnsureReady(ctx)
}

// Destroy tears the host down for good. Pending calls and EnsureReady
// waiters are rejected before it returns; the old session's listener is
// detached and its context closed.
func (h *Host) Destroy() {
	h.mu.Lock()
	if h.status == StatusDestroyed {
		h.mu.Unlock()
		return
	}
	h.resetLocked(protocol.Errorf(protocol.CodeRuntimeDestroyed, "runtime for %s destroyed", h.id))
	h.status = StatusDestroyed
	d := h.detachLocked()
	h.cancel()
	h.unlock()
	d.close()

	h.log.Info("plugin runtime destroyed")
}

// UpdateManifest swaps manifest data in place without touching the running
// session. Permission changes are refused: the host method surface is fixed
// for the host's lifetime.
func (h *Host) UpdateManifest(m manifest.Manifest) error {
	if m.ID != h.id {
		return fmt.Errorf("manifest %s does not belong to runtime %s", m.ID, h.id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusDestroyed {
		return protocol.Errorf(protocol.CodeRuntimeDestroyed, "runtime for %s destroyed", h.id)
	}
	if !m.Permissions.Equal(h.manifest.Permissions) {
		return fmt.Errorf("runtime %s: permissions changed, recreate the runtime", h.id)
	}
	if !m.HasBundle() {
		return fmt.Errorf("runtime %s: manifest has no bundle", h.id)
	}
	h.manifest = m
	return nil
}

// beginLocked starts a bring-up attempt
func (h *Host) beginLocked() {
	h.generation++
	gen := h.generation
	h.status = StatusLoading
	h.lastErr = nil
	h.methods = nil
	h.attempt = &attempt{done: make(chan struct{})}
	h.startedAt = time.Now()
	h.handshake = time.AfterFunc(h.cfg.HandshakeTimeout, func() { h.handshakeExpired(gen) })
	h.queueStatus(StatusLoading, nil)

	go h.bringUp(gen, h.manifest, h.surface.Names())
}

func (h *Host) bringUp(gen uint64, m manifest.Manifest, hostMethods []string) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	session, err := h.factory.Start(ctx, sandbox.Spec{PluginID: m.ID, Mode: m.Bundle.Mode, Location: m.Bundle.Location})
	if err != nil {
		h.fail(gen, protocol.Errorf(protocol.CodeSandboxCrash, "start sandbox: %v", err))
		return
	}
	token := session.Token()

	h.mu.Lock()
	if h.generation != gen {
		h.mu.Unlock()
		_ = session.Close()
		return
	}
	h.session = session
	h.token = token
	h.mu.Unlock()

	unsubscribe := session.OnMessage(func(msg protocol.Message) { h.receive(gen, token, msg) })

	h.mu.Lock()
	if h.generation != gen {
		h.mu.Unlock()
		unsubscribe()
		_ = session.Close()
		return
	}
	h.unsubscribe = unsubscribe
	h.mu.Unlock()

	probe := protocol.NewProbe(token, hostMethods, protocol.PluginInfo{
		ID:          m.ID,
		Version:     m.Version,
		Permissions: m.Permissions.List(),
	})
	if err := session.Send(probe); err != nil {
		h.fail(gen, protocol.Errorf(protocol.CodeSandboxCrash, "send handshake probe: %v", err))
	}
}

func (h *Host) handshakeExpired(gen uint64) {
	h.mu.Lock()
	if h.generation != gen || h.status != StatusLoading {
		h.mu.Unlock()
		return
	}
	d := h.failLocked(protocol.Errorf(protocol.CodeHandshakeTimeout, "no handshake from %s within %s", h.id, h.cfg.HandshakeTimeout))
	h.unlock()
	d.close()
}

// fail moves a loading or ready host to error
func (h *Host) fail(gen uint64, err *protocol.Error) {
	h.mu.Lock()
	if h.generation != gen || (h.status != StatusLoading && h.status != StatusReady) {
		h.mu.Unlock()
		return
	}
	d := h.failLocked(err)
	h.unlock()
	d.close()
}

func (h *Host) failLocked(err *protocol.Error) detached {
	if h.status == StatusLoading {
		h.rec.ObserveHandshake(h.id, time.Since(h.startedAt), err)
	}
	h.resetLocked(err)
	h.status = StatusError
	h.lastErr = err
	h.queueStatus(StatusError, err)
	h.log.Warn("plugin runtime failed", zap.String("code", string(err.Code)), zap.String("error", err.Message))
	return h.detachLocked()
}

// resetLocked invalidates the current generation and rejects everything
// waiting on it
func (h *Host) resetLocked(err *protocol.Error) {
	h.generation++
	h.methods = nil
	for reqID, pc := range h.pending {
		delete(h.pending, reqID)
		pc.finish(callResult{err: err})
	}
	if h.attempt != nil {
		h.attempt.err = err
		close(h.attempt.done)
		h.attempt = nil
	}
}

// detached is a session released under h.mu, closed once it is unlocked
type detached struct {
	session     sandbox.Session
	unsubscribe func()
}

func (d detached) close() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	if d.session != nil {
		_ = d.session.Close()
	}
}

func (h *Host) detachLocked() detached {
	d := detached{session: h.session, unsubscribe: h.unsubscribe}
	h.session = nil
	h.unsubscribe = nil
	h.token = ""
	if h.handshake != nil {
		h.handshake.Stop()
		h.handshake = nil
	}
	return d
}

// ============================================================================
// Events
// ============================================================================

func (h *Host) queueStatus(status Status, err *protocol.Error) {
	ev := Event{Kind: EventStatus, PluginID: h.id, At: time.Now(), Status: status}
	if err != nil {
		ev.Error = err.Error()
	}
	h.outbox = append(h.outbox, ev)
}

// unlock releases h.mu and then publishes the events queued while it was
// held. Observers must not call back into the host.
func (h *Host) unlock() {
	events := h.outbox
	h.outbox = nil
	if len(events) == 0 || h.observer == nil {
		h.mu.Unlock()
		return
	}
	h.pmu.Lock()
	h.mu.Unlock()
	defer h.pmu.Unlock()
	for _, ev := range events {
		h.observer(ev)
	}
}
