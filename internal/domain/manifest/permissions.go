package manifest

import (
	"slices"
	"strings"

	"github.com/bytedance/sonic"
)

// Known capability strings
const (
	PermGraphRead     = "graph.read"
	PermGraphWrite    = "graph.write"
	PermSelectionRead = "selection.read"
	PermEventsEmit    = "events.emit"
)

// KnownPermissions is the default set accepted by a Validator
var KnownPermissions = []string{PermGraphRead, PermGraphWrite, PermSelectionRead, PermEventsEmit}

// PermissionSet is an immutable, canonical (lowercase, sorted, deduplicated)
// set of capability strings.
type PermissionSet struct {
	perms []string
}

// NewPermissionSet normalizes perms into a set
func NewPermissionSet(perms ...string) PermissionSet {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p = NormalizePermission(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return PermissionSet{perms: slices.Compact(out)}
}

// NormalizePermission returns the canonical form of a capability string
func NormalizePermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Has reports whether perm is granted
func (s PermissionSet) Has(perm string) bool {
	_, found := slices.BinarySearch(s.perms, NormalizePermission(perm))
	return found
}

// List returns a copy of the granted permissions in sorted order
func (s PermissionSet) List() []string {
	return slices.Clone(s.perms)
}

// Len returns the number of granted permissions
func (s PermissionSet) Len() int {
	return len(s.perms)
}

// Equal reports whether both sets grant exactly the same permissions
func (s PermissionSet) Equal(o PermissionSet) bool {
	return slices.Equal(s.perms, o.perms)
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	if s.perms == nil {
		return []byte("[]"), nil
	}
	return sonic.Marshal(s.perms)
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var perms []string
	if err := sonic.Unmarshal(data, &perms); err != nil {
		return err
	}
	*s = NewPermissionSet(perms...)
	return nil
}
