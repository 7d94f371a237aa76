package manager

import (
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
)

// DefaultEventBuffer is the channel size used when Subscribe gets zero
const DefaultEventBuffer = 256

// Subscription is one observer of the status/telemetry stream. Delivery
// never blocks the manager: events that do not fit in the buffer are
// dropped and counted.
type Subscription struct {
	m       *Manager
	ch      chan runtime.Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the stream. It is closed by Close or when the manager
// shuts down.
func (s *Subscription) Events() <-chan runtime.Event {
	return s.ch
}

// Dropped returns how many events did not fit in the buffer
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel
func (s *Subscription) Close() {
	s.m.pubMu.Lock()
	defer s.m.pubMu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.m.subs, s)
		close(s.ch)
	})
}

// Subscribe opens a stream of status and telemetry events for every host
func (m *Manager) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	s := &Subscription{m: m, ch: make(chan runtime.Event, buffer)}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if m.shut {
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	m.subs[s] = struct{}{}
	return s
}

// observerFor returns the host observer for e. Events from a retired
// entry are discarded so nothing trails its removal event.
func (m *Manager) observerFor(e *entry) runtime.Observer {
	return func(ev runtime.Event) {
		m.pubMu.Lock()
		defer m.pubMu.Unlock()
		if e.retired {
			return
		}
		if ev.Kind == runtime.EventStatus {
			m.rec.StatusChanged(e.id, e.status, ev.Status)
			e.status = ev.Status
		}
		m.publishLocked(ev)
	}
}

// retire marks e as gone and publishes its removal
func (m *Manager) retire(e *entry, event bool) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if e.retired {
		return
	}
	e.retired = true
	m.rec.StatusChanged(e.id, e.status, runtime.StatusRemoved)
	if event {
		m.publishLocked(runtime.Event{Kind: runtime.EventStatus, PluginID: e.id, At: m.now(), Status: runtime.StatusRemoved})
	}
}

func (m *Manager) publishLocked(ev runtime.Event) {
	for s := range m.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			m.rec.EventDropped()
		}
	}
}
