// Package graph holds the host-side collaborators that the plugin method
// surface reads and mutates: the graph API, the current selection and the
// event sink.
//
// The interfaces mirror what the editor exposes to plugins. Store is an
// in-memory implementation used by the standalone server and by tests.
package graph

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Result is the outcome of a graph API operation. Data holds plain values
// (maps, slices, strings, float64) only.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// API is the graph collaborator consumed by the host method surface.
// A nil id on reads lists every node or edge.
type API interface {
	ReadNode(id *string) Result
	ReadEdge(id *string) Result
	UpdateNode(id string, patch map[string]any) Result
	UpdateEdge(id string, patch map[string]any) Result
}

// Selection is the editor's current selection
type Selection struct {
	NodeIDs  []string `json:"nodeIds"`
	EdgeIDs  []string `json:"edgeIds"`
	GroupIDs []string `json:"groupIds"`
}

// SelectionReader returns the current selection
type SelectionReader interface {
	Selection() Selection
}

// EventSink receives events emitted by plugins
type EventSink interface {
	Emit(name string, payload any)
}

// ============================================================================
// In-memory store
// ============================================================================

// Store is a mutex-guarded in-memory graph. Records are plain maps keyed by
// field name and always carry an "id".
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]map[string]any
	edges     map[string]map[string]any
	order     []string
	edgeOrder []string
	selection Selection
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]map[string]any),
		edges: make(map[string]map[string]any),
	}
}

// PutNode inserts or replaces a node record
func (s *Store) PutNode(id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[id]; !exists {
		s.order = append(s.order, id)
	}
	rec := maps.Clone(fields)
	if rec == nil {
		rec = map[string]any{}
	}
	rec["id"] = id
	s.nodes[id] = rec
}

// PutEdge inserts or replaces an edge record
func (s *Store) PutEdge(id, source, target string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.edges[id]; !exists {
		s.edgeOrder = append(s.edgeOrder, id)
	}
	rec := maps.Clone(fields)
	if rec == nil {
		rec = map[string]any{}
	}
	rec["id"] = id
	rec["source"] = source
	rec["target"] = target
	s.edges[id] = rec
}

// ReadNode returns one node, or every node in insertion order when id is nil.
// The returned records are the store's own; callers crossing a trust
// boundary must clone them.
func (s *Store) ReadNode(id *string) Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return read(s.nodes, s.order, id, "node")
}

// ReadEdge returns one edge, or every edge when id is nil
func (s *Store) ReadEdge(id *string) Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return read(s.edges, s.edgeOrder, id, "edge")
}

// UpdateNode merges patch into a node. The id field cannot be changed.
func (s *Store) UpdateNode(id string, patch map[string]any) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.nodes, id, patch, "node", "id")
}

// UpdateEdge merges patch into an edge. Identity and endpoints cannot be changed.
func (s *Store) UpdateEdge(id string, patch map[string]any) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.edges, id, patch, "edge", "id", "source", "target")
}

// Select replaces the current selection
func (s *Store) Select(sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = Selection{
		NodeIDs:  slices.Clone(sel.NodeIDs),
		EdgeIDs:  slices.Clone(sel.EdgeIDs),
		GroupIDs: slices.Clone(sel.GroupIDs),
	}
}

// Selection returns a copy of the current selection
func (s *Store) Selection() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Selection{
		NodeIDs:  nonNil(s.selection.NodeIDs),
		EdgeIDs:  nonNil(s.selection.EdgeIDs),
		GroupIDs: nonNil(s.selection.GroupIDs),
	}
}

func read(records map[string]map[string]any, order []string, id *string, kind string) Result {
	if id != nil {
		rec, ok := records[*id]
		if !ok {
			return Result{Error: fmt.Sprintf("%s %q not found", kind, *id)}
		}
		return Result{Success: true, Data: rec}
	}
	list := make([]any, 0, len(order))
	for _, k := range order {
		list = append(list, records[k])
	}
	return Result{Success: true, Data: list}
}

func update(records map[string]map[string]any, id string, patch map[string]any, kind string, immutable ...string) Result {
	rec, ok := records[id]
	if !ok {
		return Result{Error: fmt.Sprintf("%s %q not found", kind, id)}
	}
	for _, field := range immutable {
		v, ok := patch[field]
		if !ok {
			continue
		}
		if str, isStr := v.(string); !isStr || str != rec[field] {
			return Result{Error: fmt.Sprintf("%s field %q is read-only", kind, field)}
		}
	}
	next := maps.Clone(rec)
	maps.Copy(next, patch)
	records[id] = next
	return Result{Success: true, Data: next}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return slices.Clone(ids)
}
