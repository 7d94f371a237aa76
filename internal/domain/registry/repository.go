package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
)

// ErrNotFound is returned for operations on an unknown plugin id
var ErrNotFound = errors.New("plugin not installed")

// Record is the installed form of a manifest
type Record struct {
	Manifest    manifest.Manifest `json:"manifest"`
	Enabled     bool              `json:"enabled"`
	InstalledAt time.Time         `json:"installedAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ID returns the plugin id
func (r Record) ID() string {
	return r.Manifest.ID
}

// MemoryRepository keeps plugin records in memory and notifies subscribers
// after every change. Notifications are coalesced per subscriber: a burst
// of writes may produce a single callback, which should re-read List.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time

	subMu   sync.Mutex
	subs    map[uint64]*notifier
	nextSub uint64
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]Record),
		subs:    make(map[uint64]*notifier),
		now:     time.Now,
	}
}

// Put installs or replaces the record for m.ID
func (r *MemoryRepository) Put(m manifest.Manifest, enabled bool) Record {
	r.mu.Lock()
	now := r.now()
	rec, exists := r.records[m.ID]
	if !exists {
		rec.InstalledAt = now
	}
	rec.Manifest = m
	rec.Enabled = enabled
	rec.UpdatedAt = now
	r.records[m.ID] = rec
	r.mu.Unlock()

	r.notify()
	return rec
}

// Get returns the record for id
func (r *MemoryRepository) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Remove uninstalls id and reports whether it was present
func (r *MemoryRepository) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()

	if ok {
		r.notify()
	}
	return ok
}

// SetEnabled toggles a record. Setting the current value is a no-op.
func (r *MemoryRepository) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if rec.Enabled == enabled {
		r.mu.Unlock()
		return nil
	}
	rec.Enabled = enabled
	rec.UpdatedAt = r.now()
	r.records[id] = rec
	r.mu.Unlock()

	r.notify()
	return nil
}

// List returns every record sorted by id
func (r *MemoryRepository) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.ID(), b.ID()) })
	return out, nil
}

// Subscribe registers fn to run after changes. fn runs on its own
// goroutine, never concurrently with itself.
func (r *MemoryRepository) Subscribe(fn func()) (unsubscribe func()) {
	n := &notifier{fn: fn, kick: make(chan struct{}, 1), done: make(chan struct{})}
	go n.run()

	r.subMu.Lock()
	r.nextSub++
	key := r.nextSub
	r.subs[key] = n
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, key)
			r.subMu.Unlock()
			close(n.done)
		})
	}
}

func (r *MemoryRepository) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, n := range r.subs {
		select {
		case n.kick <- struct{}{}:
		default:
		}
	}
}

type notifier struct {
	fn   func()
	kick chan struct{}
	done chan struct{}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.kick:
			n.fn()
		}
	}
}
