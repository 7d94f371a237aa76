package manager

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/registry"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/resilience"
)

// Manager supervises one runtime.Host per enabled plugin and keeps the
// fleet in line with the repository
type Manager struct {
	cfg  Config
	deps Deps
	log  *logging.Logger
	rec  Recorder
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// reconcileMu serializes Apply passes
	reconcileMu sync.Mutex

	mu        sync.Mutex
	hosts     map[string]*entry
	watching  bool
	watchDone chan struct{}

	pubMu sync.Mutex
	subs  map[*Subscription]struct{}
	shut  bool
}

// entry is one supervised host. status and retired are guarded by
// Manager.pubMu.
type entry struct {
	id      string
	host    *runtime.Host
	breaker *resilience.Breaker

	status  runtime.Status
	retired bool
}

// RuntimeInfo is a host snapshot plus the state of its call breaker
type RuntimeInfo struct {
	runtime.Info
	Breaker string `json:"breaker"`
}

// New creates a manager with no hosts. Call Start to follow the
// repository, or Apply to drive it directly.
func New(deps Deps, cfg Config) (*Manager, error) {
	if deps.Factory == nil {
		return nil, errors.New("manager: no sandbox factory")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		log:    deps.Logger.Named("manager"),
		rec:    deps.Recorder,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		hosts:  make(map[string]*entry),
		subs:   make(map[*Subscription]struct{}),
	}, nil
}

// Start reconciles once against the repository and then again after every
// repository change until ctx is done or the manager is closed. Bursts of
// changes collapse into a single pass.
func (m *Manager) Start(ctx context.Context) error {
	if m.deps.Repository == nil {
		return errors.New("manager: no repository")
	}

	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return errors.New("manager: already started")
	}
	m.watching = true
	m.watchDone = make(chan struct{})
	m.mu.Unlock()

	kick := make(chan struct{}, 1)
	unsubscribe := m.deps.Repository.Subscribe(func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})

	if _, err := m.Reconcile(ctx); err != nil {
		unsubscribe()
		close(m.watchDone)
		return err
	}

	go m.watch(ctx, kick, unsubscribe)
	return nil
}

func (m *Manager) watch(ctx context.Context, kick <-chan struct{}, unsubscribe func()) {
	defer close(m.watchDone)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-kick:
			if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("reconcile failed", zap.Error(err))
			}
		}
	}
}

// Reconcile reads the repository and applies it
func (m *Manager) Reconcile(ctx context.Context) (Changes, error) {
	records, err := m.deps.Repository.List(ctx)
	if err != nil {
		return Changes{}, fmt.Errorf("list plugins: %w", err)
	}
	return m.Apply(records), nil
}

// Apply brings the fleet in line with records. Enabled records with a
// bundle get a host; hosts for anything else are destroyed and announced
// as removed. For an existing host:
//   - a permission change destroys and recreates it
//   - a bundle change updates the manifest and reloads a running sandbox
//   - any other change updates the manifest in place
func (m *Manager) Apply(records []registry.Record) Changes {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	var changes Changes
	if m.ctx.Err() != nil {
		return changes
	}

	desired := make(map[string]manifest.Manifest, len(records))
	for _, rec := range records {
		switch {
		case !rec.Enabled:
		case !rec.Manifest.HasBundle():
			m.log.Debug("skipping plugin without bundle", zap.String("plugin_id", rec.ID()))
		default:
			desired[rec.ID()] = rec.Manifest
		}
	}

	m.mu.Lock()
	current := make(map[string]*entry, len(m.hosts))
	for id, e := range m.hosts {
		current[id] = e
	}
	m.mu.Unlock()

	for id, e := range current {
		if _, keep := desired[id]; keep {
			continue
		}
		m.remove(e, true)
		changes.Removed = append(changes.Removed, id)
	}

	for id, next := range desired {
		e, exists := current[id]
		if !exists {
			if m.create(next) {
				changes.Created = append(changes.Created, id)
			} else {
				changes.Failed = append(changes.Failed, id)
			}
			continue
		}

		prev := e.host.Manifest()
		switch {
		case reflect.DeepEqual(prev, next):
		case !prev.Permissions.Equal(next.Permissions):
			m.remove(e, false)
			if m.create(next) {
				changes.Recreated = append(changes.Recreated, id)
			} else {
				changes.Failed = append(changes.Failed, id)
			}
		case !prev.SameBundle(next):
			if err := e.host.UpdateManifest(next); err != nil {
				m.log.Warn("manifest update rejected", zap.String("plugin_id", id), zap.Error(err))
				changes.Failed = append(changes.Failed, id)
				continue
			}
			e.breaker.Reset()
			if e.host.Status() != runtime.StatusIdle {
				go m.reload(e)
			}
			changes.Reloaded = append(changes.Reloaded, id)
		default:
			if err := e.host.UpdateManifest(next); err != nil {
				m.log.Warn("manifest update rejected", zap.String("plugin_id", id), zap.Error(err))
				changes.Failed = append(changes.Failed, id)
				continue
			}
			changes.Updated = append(changes.Updated, id)
		}
	}

	for _, ids := range [][]string{changes.Created, changes.Updated, changes.Reloaded, changes.Recreated, changes.Removed, changes.Failed} {
		slices.Sort(ids)
	}
	if !changes.Empty() {
		m.log.Info("plugin runtimes reconciled",
			zap.Strings("created", changes.Created),
			zap.Strings("updated", changes.Updated),
			zap.Strings("reloaded", changes.Reloaded),
			zap.Strings("recreated", changes.Recreated),
			zap.Strings("removed", changes.Removed),
			zap.Strings("failed", changes.Failed))
	}
	return changes
}

func (m *Manager) create(mf manifest.Manifest) bool {
	e := &entry{id: mf.ID}
	host, err := runtime.New(mf, runtime.Deps{
		Factory:       m.deps.Factory,
		Catalog:       m.deps.Catalog,
		Collaborators: m.deps.Collaborators,
		Logger:        m.deps.Logger,
		Recorder:      m.rec,
		Observer:      m.observerFor(e),
	}, m.cfg.Runtime)
	if err != nil {
		m.log.Warn("cannot create plugin runtime", zap.String("plugin_id", mf.ID), zap.Error(err))
		return false
	}
	e.host = host
	e.breaker = m.newBreaker(mf.ID)

	m.pubMu.Lock()
	m.rec.StatusChanged(e.id, "", runtime.StatusIdle)
	e.status = runtime.StatusIdle
	m.pubMu.Unlock()

	m.mu.Lock()
	m.hosts[e.id] = e
	m.mu.Unlock()

	if m.cfg.Preload {
		go func() {
			if err := host.EnsureReady(m.ctx); err != nil {
				m.log.Debug("preload failed", zap.String("plugin_id", e.id), zap.Error(err))
			}
		}()
	}
	return true
}

// remove destroys e. Destroy has rejected every pending call by the time
// the removal is published.
func (m *Manager) remove(e *entry, announce bool) {
	m.mu.Lock()
	if m.hosts[e.id] == e {
		delete(m.hosts, e.id)
	}
	m.mu.Unlock()

	e.host.Destroy()
	m.retire(e, announce)
}

func (m *Manager) reload(e *entry) {
	if err := e.host.Reload(m.ctx); err != nil {
		m.log.Warn("plugin reload failed", zap.String("plugin_id", e.id), zap.Error(err))
	}
}

func (m *Manager) newBreaker(pluginID string) *resilience.Breaker {
	failures := m.cfg.BreakerFailures
	return resilience.New(pluginID, resilience.Settings{
		Timeout: m.cfg.BreakerCooldown,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return !infrastructureFailure(err)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			m.rec.BreakerChanged(name, from, to)
			m.log.Info("plugin call breaker changed",
				zap.String("plugin_id", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
}

// infrastructureFailure reports whether err means the sandbox itself is
// unhealthy, as opposed to the plugin or caller rejecting the call
func infrastructureFailure(err error) bool {
	switch protocol.CodeOf(err) {
	case protocol.CodeHandshakeTimeout, protocol.CodeSandboxCrash:
		return true
	}
	return false
}

func (m *Manager) lookup(pluginID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosts[pluginID]
}

// Call forwards a call to the plugin's host. It fails with
// runtime_not_loaded when the plugin has no host, and with circuit_open
// while the plugin's sandbox keeps crashing or timing out.
func (m *Manager) Call(ctx context.Context, pluginID, method string, args any) (any, error) {
	e := m.lookup(pluginID)
	if e == nil {
		return nil, protocol.Errorf(protocol.CodeRuntimeNotLoaded, "no runtime for %s", pluginID)
	}

	v, err := e.breaker.Execute(func() (any, error) {
		return e.host.Call(ctx, method, args)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return nil, protocol.Errorf(protocol.CodeCircuitOpen, "%s: %v", pluginID, err)
	}
	return v, err
}

// Reload restarts the plugin's sandbox and closes its breaker
func (m *Manager) Reload(ctx context.Context, pluginID string) error {
	e := m.lookup(pluginID)
	if e == nil {
		return protocol.Errorf(protocol.CodeRuntimeNotLoaded, "no runtime for %s", pluginID)
	}
	e.breaker.Reset()
	return e.host.Reload(ctx)
}

// Runtime returns a snapshot of one host
func (m *Manager) Runtime(pluginID string) (RuntimeInfo, bool) {
	e := m.lookup(pluginID)
	if e == nil {
		return RuntimeInfo{}, false
	}
	return e.info(), true
}

// Runtimes returns a snapshot of every host, sorted by plugin id
func (m *Manager) Runtimes() []RuntimeInfo {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.hosts))
	for _, e := range m.hosts {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]RuntimeInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info())
	}
	slices.SortFunc(out, func(a, b RuntimeInfo) int { return strings.Compare(a.PluginID, b.PluginID) })
	return out
}

func (e *entry) info() RuntimeInfo {
	return RuntimeInfo{Info: e.host.Info(), Breaker: e.breaker.State().String()}
}

// Close stops following the repository, destroys every host and closes
// all subscriptions. It is safe to call more than once.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	done := m.watchDone
	m.mu.Unlock()
	if done != nil {
		<-done
	}

	m.reconcileMu.Lock()
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.hosts))
	for _, e := range m.hosts {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		m.remove(e, true)
	}
	m.reconcileMu.Unlock()

	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.shut = true
	for s := range m.subs {
		s.closeLocked()
	}
}
