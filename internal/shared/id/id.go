// Package id provides identifier generation for the plugin runtime.
//
// Two families of identifiers live here:
//   - Correlation IDs: prefixed ULIDs (rpc_*, sess_*, sub_*) that are
//     k-sortable and readable in logs. They are unique, not secret.
//   - Session tokens: random secrets stamped on every sandbox message so a
//     Runtime Host can reject traffic from a previous or foreign session.
//     Tokens are never derived from time and never logged.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// RequestID correlates one RPC request with its response
type RequestID string

// SessionID identifies one sandbox session for logging
type SessionID string

// SubscriberID identifies one status/telemetry stream subscriber
type SubscriberID string

// SessionToken is the per-session secret carried by every envelope
type SessionToken string

const (
	RequestPrefix    = "rpc"
	SessionPrefix    = "sess"
	SubscriberPrefix = "sub"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// ordering inside the same millisecond.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed Generators
// ============================================================================

// NewRequestID generates a new RPC request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewSessionID generates a new sandbox session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewSubscriberID generates a new stream subscriber ID
func NewSubscriberID() SubscriberID {
	return SubscriberID(Default().GenerateWithPrefix(SubscriberPrefix))
}

// NewSessionToken returns a fresh random session secret. Two version 4
// UUIDs are concatenated (244 random bits) and hyphens dropped.
func NewSessionToken() SessionToken {
	raw := uuid.NewString() + uuid.NewString()
	return SessionToken(strings.ReplaceAll(raw, "-", ""))
}

func (id RequestID) String() string    { return string(id) }
func (id SessionID) String() string    { return string(id) }
func (id SubscriberID) String() string { return string(id) }

// String redacts the token so it never ends up in logs by accident.
func (t SessionToken) String() string { return "[redacted]" }

// Value returns the raw token for stamping envelopes.
func (t SessionToken) Value() string { return string(t) }

// ============================================================================
// Parsing
// ============================================================================

// IsValid checks if a string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// IsValidPrefixed checks a prefix_ULID string against the expected prefix
func IsValidPrefixed(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	return ok && IsValid(rest)
}

// Timestamp extracts the timestamp from a (possibly prefixed) ULID
func Timestamp(id string) (time.Time, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
