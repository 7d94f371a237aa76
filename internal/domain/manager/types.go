package manager

import (
	"context"
	"time"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/hostapi"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/registry"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/resilience"
)

// Repository is the source of installed plugins. Subscribe callbacks only
// signal that something changed; the manager re-reads List.
type Repository interface {
	List(ctx context.Context) ([]registry.Record, error)
	Subscribe(fn func()) (unsubscribe func())
}

// Recorder receives fleet measurements on top of the per-host ones
type Recorder interface {
	runtime.Recorder

	// StatusChanged moves one plugin between status buckets. from is empty
	// for a new host; to is StatusRemoved once the host is gone.
	StatusChanged(pluginID string, from, to runtime.Status)
	BreakerChanged(pluginID string, from, to resilience.State)
	EventDropped()
}

type nopRecorder struct{}

func (nopRecorder) ObserveCall(string, runtime.Direction, string, time.Duration, error) {}
func (nopRecorder) ObserveHandshake(string, time.Duration, error)                      {}
func (nopRecorder) MessageRejected(string, string)                                    {}
func (nopRecorder) StatusChanged(string, runtime.Status, runtime.Status)              {}
func (nopRecorder) BreakerChanged(string, resilience.State, resilience.State)         {}
func (nopRecorder) EventDropped()                                                     {}

// Config holds fleet-wide settings
type Config struct {
	Runtime runtime.Config

	// Preload starts sandboxes as soon as hosts are created instead of on
	// the first call
	Preload bool

	// breaker around forwarded calls, counting only infrastructure failures
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the default fleet settings
func DefaultConfig() Config {
	return Config{
		Runtime:         runtime.DefaultConfig(),
		BreakerFailures: 3,
		BreakerCooldown: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BreakerFailures == 0 {
		c.BreakerFailures = def.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = def.BreakerCooldown
	}
	return c
}

// Deps are shared by every host the manager creates
type Deps struct {
	Repository    Repository
	Factory       sandbox.Factory
	Catalog       *hostapi.Catalog
	Collaborators hostapi.Collaborators
	Logger        *logging.Logger
	Recorder      Recorder
}

// Changes reports what one reconcile pass did, by plugin id
type Changes struct {
	Created   []string `json:"created,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Reloaded  []string `json:"reloaded,omitempty"`
	Recreated []string `json:"recreated,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// Empty reports whether the pass changed nothing
func (c Changes) Empty() bool {
	return len(c.Created)+len(c.Updated)+len(c.Reloaded)+len(c.Recreated)+len(c.Removed)+len(c.Failed) == 0
}
