package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/graph"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/hostapi"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/sandbox"
)

const waitFor = 2 * time.Second

// fakeSession records what the host sends and lets tests play the plugin
type fakeSession struct {
	token   string
	methods []string // answered on probe; nil means never shake hands
	sent    chan protocol.Message

	mu      sync.Mutex
	handler func(protocol.Message)
	closed  bool
}

func (s *fakeSession) Token() string { return s.token }

func (s *fakeSession) Send(msg protocol.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return sandbox.ErrSessionClosed
	}
	s.mu.Unlock()

	if msg.Type == protocol.KindProbe && s.methods != nil {
		go s.emit(protocol.NewHandshake(s.token, s.methods, msg.Capabilities))
	}
	s.sent <- msg
	return nil
}

func (s *fakeSession) OnMessage(handler func(protocol.Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handler = nil
	}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

// currentHandler lets a test keep a listener after it was detached
func (s *fakeSession) currentHandler() func(protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// emit plays a message from the plugin
func (s *fakeSession) emit(msg protocol.Message) {
	if h := s.currentHandler(); h != nil {
		h(msg)
	}
}

// next returns the next message of kind sent by the host
func (s *fakeSession) next(t *testing.T, kind protocol.Kind) protocol.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-s.sent:
			if m.Type == kind {
				return m
			}
		case <-deadline:
			t.Fatalf("host never sent %s", kind)
			return protocol.Message{}
		}
	}
}

func (s *fakeSession) reply(req protocol.Message, result any) {
	s.emit(protocol.NewResult(protocol.KindResponse, s.token, req.RequestID, result))
}

type fakeFactory struct {
	methods  []string
	startErr error

	mu       sync.Mutex
	sessions []*fakeSession
}

func newFakeFactory(methods ...string) *fakeFactory {
	return &fakeFactory{methods: methods}
}

func (f *fakeFactory) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	s := &fakeSession{
		token:   fmt.Sprintf("token-%d", len(f.sessions)+1),
		methods: f.methods,
		sent:    make(chan protocol.Message, 64),
	}
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) last(t *testing.T) *fakeSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sessions)
	return f.sessions[len(f.sessions)-1]
}

// events collects observer output
type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) observe(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Status
	for _, ev := range e.all {
		if ev.Kind == EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

// expect waits for the status stream to match want; observers run after
// the host releases its lock, so they may trail the call that caused them
func (e *events) expect(t *testing.T, want ...Status) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, e.statuses())
	}, waitFor, 5*time.Millisecond, "want statuses %v, have %v", want, e.statuses())
}

func (e *events) telemetry() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.all {
		if ev.Kind == EventTelemetry {
			out = append(out, ev)
		}
	}
	return out
}

type recorder struct {
	mu       sync.Mutex
	rejected map[string]int
	calls    map[Direction]int
}

func newRecorder() *recorder {
	return &recorder{rejected: map[string]int{}, calls: map[Direction]int{}}
}

func (r *recorder) ObserveCall(_ string, dir Direction, _ string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[dir]++
}

func (r *recorder) ObserveHandshake(string, time.Duration, error) {}

func (r *recorder) MessageRejected(_ string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

func (r *recorder) rejectedFor(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected[reason]
}

// fixture is a host over a fake factory and an in-memory graph
type fixture struct {
	host    *Host
	factory *fakeFactory
	store   *graph.Store
	bus     *graph.Bus
	events  *events
	rec     *recorder
}

func testManifest(perms ...string) manifest.Manifest {
	return manifest.Manifest{
		ID:          "acme.counter",
		Version:     "1.0.0",
		Permissions: manifest.NewPermissionSet(perms...),
		Bundle:      manifest.Bundle{Location: "dist/counter.js", Mode: manifest.ModeWorker},
		Nodes:       []manifest.NodeDefinition{{Type: "acme/counter"}},
	}
}

func newFixture(t *testing.T, factory *fakeFactory, cfg Config, perms ...string) *fixture {
	t.Helper()
	store := graph.NewStore()
	store.PutNode("n1", map[string]any{"label": "A"})
	store.PutNode("n2", map[string]any{"label": "B"})
	bus := graph.NewBus(10)

	f := &fixture{factory: factory, store: store, bus: bus, events: &events{}, rec: newRecorder()}
	host, err := New(testManifest(perms...), Deps{
		Factory:       factory,
		Collaborators: hostapi.Collaborators{Graph: store, Selection: store, Events: bus},
		Recorder:      f.rec,
		Observer:      f.events.observe,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(host.Destroy)
	f.host = host
	return f
}

func readyFixture(t *testing.T, cfg Config, perms ...string) (*fixture, *fakeSession) {
	t.Helper()
	f := newFixture(t, newFakeFactory("increment", "reset"), cfg, perms...)
	require.NoError(t, f.host.EnsureReady(context.Background()))
	s := f.factory.last(t)
	s.next(t, protocol.KindProbe)
	return f, s
}

type outcome struct {
	value any
	err   error
}

// callAsync starts a call and returns a channel with its outcome
func callAsync(h *Host, method string, args any) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		v, err := h.Call(context.Background(), method, args)
		ch <- outcome{v, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitFor):
		t.Fatal("call never settled")
		return outcome{}
	}
}

func quickConfig() Config {
	return Config{CallTimeout: time.Second, HandshakeTimeout: time.Second}
}

var errBoom = errors.New("boom")
