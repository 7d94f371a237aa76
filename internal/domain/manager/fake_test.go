package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/registry"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/resilience"
)

const waitFor = 2 * time.Second

// scriptedSession plays a plugin exposing echo, reject and crash
type scriptedSession struct {
	token string
	spec  sandbox.Spec

	mu      sync.Mutex
	handler func(protocol.Message)
	closed  bool
}

func (s *scriptedSession) Token() string { return s.token }

func (s *scriptedSession) Send(msg protocol.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return sandbox.ErrSessionClosed
	}

	switch msg.Type {
	case protocol.KindProbe:
		go s.emit(protocol.NewHandshake(s.token, []string{"echo", "reject", "crash"}, msg.Capabilities))
	case protocol.KindRequest:
		go s.answer(msg)
	}
	return nil
}

func (s *scriptedSession) answer(req protocol.Message) {
	switch req.Method {
	case "echo":
		s.emit(protocol.NewResult(protocol.KindResponse, s.token, req.RequestID, map[string]any{
			"location": s.spec.Location,
			"args":     req.Args,
		}))
	case "reject":
		s.emit(protocol.NewFailure(protocol.KindResponse, s.token, req.RequestID, protocol.Errorf(protocol.CodePluginFailure, "no")))
	case "crash":
		s.emit(protocol.NewCrash(s.token, "exploded"))
	}
}

func (s *scriptedSession) OnMessage(handler func(protocol.Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handler = nil
	}
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSession) emit(msg protocol.Message) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

type scriptedFactory struct {
	mu       sync.Mutex
	starts   map[string]int
	failures map[string]error
}

func newScriptedFactory() *scriptedFactory {
	return &scriptedFactory{starts: map[string]int{}, failures: map[string]error{}}
}

func (f *scriptedFactory) Start(_ context.Context, spec sandbox.Spec) (sandbox.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[spec.PluginID]++
	if err := f.failures[spec.PluginID]; err != nil {
		return nil, err
	}
	return &scriptedSession{token: fmt.Sprintf("%s-%d", spec.PluginID, f.starts[spec.PluginID]), spec: spec}, nil
}

func (f *scriptedFactory) failWith(pluginID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[pluginID] = err
}

func (f *scriptedFactory) startsFor(pluginID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[pluginID]
}

// fleetRecorder counts what the manager reports
type fleetRecorder struct {
	mu       sync.Mutex
	buckets  map[runtime.Status]int
	breakers []string
	dropped  int
}

func newFleetRecorder() *fleetRecorder {
	return &fleetRecorder{buckets: map[runtime.Status]int{}}
}

func (r *fleetRecorder) ObserveCall(string, runtime.Direction, string, time.Duration, error) {}
func (r *fleetRecorder) ObserveHandshake(string, time.Duration, error)                      {}
func (r *fleetRecorder) MessageRejected(string, string)                                    {}

func (r *fleetRecorder) StatusChanged(_ string, from, to runtime.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if from != "" {
		r.buckets[from]--
	}
	if to != runtime.StatusRemoved {
		r.buckets[to]++
	}
}

func (r *fleetRecorder) BreakerChanged(_ string, from, to resilience.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = append(r.breakers, from.String()+"->"+to.String())
}

func (r *fleetRecorder) EventDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *fleetRecorder) bucket(s runtime.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets[s]
}

func (r *fleetRecorder) breakerLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.breakers...)
}

func testManifest(id string, perms ...string) manifest.Manifest {
	return manifest.Manifest{
		ID:          id,
		Version:     "1.0.0",
		Permissions: manifest.NewPermissionSet(perms...),
		Bundle:      manifest.Bundle{Location: id + "/main.js", Mode: manifest.ModeWorker},
		Nodes:       []manifest.NodeDefinition{{Type: id + "/node"}},
	}
}

func record(m manifest.Manifest, enabled bool) registry.Record {
	return registry.Record{Manifest: m, Enabled: enabled}
}

type fleet struct {
	m       *Manager
	factory *scriptedFactory
	rec     *fleetRecorder
	repo    *registry.MemoryRepository
}

func newFleet(t *testing.T, cfg Config) *fleet {
	t.Helper()
	f := &fleet{factory: newScriptedFactory(), rec: newFleetRecorder(), repo: registry.NewMemoryRepository()}
	m, err := New(Deps{Repository: f.repo, Factory: f.factory, Recorder: f.rec}, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.m = m
	return f
}

func quickConfig() Config {
	return Config{
		Runtime:         runtime.Config{CallTimeout: time.Second, HandshakeTimeout: time.Second},
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}
}

// nextStatus returns the next status event for pluginID
func nextStatus(t *testing.T, sub *Subscription, pluginID string) runtime.Status {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed")
			if ev.Kind == runtime.EventStatus && ev.PluginID == pluginID {
				return ev.Status
			}
		case <-deadline:
			t.Fatalf("no status event for %s", pluginID)
			return ""
		}
	}
}

func hasRuntime(m *Manager, id string) func() bool {
	return func() bool {
		_, ok := m.Runtime(id)
		return ok
	}
}
