package sandbox

import (
	"context"
	"time"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
)

// Spec describes the sandbox to start for one plugin
type Spec struct {
	PluginID string
	Mode     manifest.Mode
	Location string
}

// Factory creates sandbox sessions. Start either returns a running session
// or reports failure once; it never retries.
type Factory interface {
	Start(ctx context.Context, spec Spec) (Session, error)
}

// Session owns one isolated execution context and its session token.
//
// Messages from the sandbox are delivered to the subscribed handler one at a
// time, in the order the plugin posted them. Messages posted before the first
// subscription are held back and delivered once a handler subscribes.
type Session interface {
	// Token returns the per-session secret stamped on every message
	Token() string
	// Send delivers a message to the plugin. It never blocks on plugin code.
	Send(msg protocol.Message) error
	// OnMessage subscribes handler and returns a function that detaches it
	OnMessage(handler func(protocol.Message)) (unsubscribe func())
	// Close tears the context down. It is idempotent and never blocks on
	// plugin code.
	Close() error
}

// Config defines sandbox resource limits
type Config struct {
	JobBudget     time.Duration // CPU time one job (load, message, timer) may use
	MaxCallStack  int           // JS call stack depth
	EnableConsole bool          // forward console.* as telemetry
	MaxTimers     int           // concurrently scheduled setTimeout callbacks
	MaxBacklog    int           // messages held before the first subscriber
}

// DefaultConfig returns the default limits
func DefaultConfig() Config {
	return Config{
		JobBudget:     2 * time.Second,
		MaxCallStack:  1024,
		EnableConsole: true,
		MaxTimers:     256,
		MaxBacklog:    256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.JobBudget <= 0 {
		c.JobBudget = def.JobBudget
	}
	if c.MaxCallStack <= 0 {
		c.MaxCallStack = def.MaxCallStack
	}
	if c.MaxTimers <= 0 {
		c.MaxTimers = def.MaxTimers
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = def.MaxBacklog
	}
	return c
}
