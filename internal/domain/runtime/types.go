package runtime

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/hostapi"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
)

// Status is the lifecycle state of a Host
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"

	// StatusRemoved is published by the manager when a host is torn down
	// because its plugin left the enabled set
	StatusRemoved Status = "removed"
)

// EventKind distinguishes status transitions from plugin telemetry
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventTelemetry EventKind = "telemetry"
)

// Event is one record of the outward status/telemetry stream
type Event struct {
	Kind     EventKind `json:"kind"`
	PluginID string    `json:"pluginId"`
	At       time.Time `json:"at"`

	// status
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// telemetry
	Level  string `json:"level,omitempty"`
	Event  string `json:"event,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

// Observer receives host events. It is called without host locks held and
// must not block.
type Observer func(Event)

// Direction labels RPC metrics
type Direction string

const (
	HostToPlugin Direction = "host_to_plugin"
	PluginToHost Direction = "plugin_to_host"
)

// Recorder receives runtime measurements. monitoring.Metrics implements it.
type Recorder interface {
	ObserveCall(pluginID string, dir Direction, method string, d time.Duration, err error)
	ObserveHandshake(pluginID string, d time.Duration, err error)
	MessageRejected(pluginID, reason string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCall(string, Direction, string, time.Duration, error) {}
func (nopRecorder) ObserveHandshake(string, time.Duration, error)              {}
func (nopRecorder) MessageRejected(string, string)                            {}

// Config holds per-host timeouts and limits
type Config struct {
	CallTimeout      time.Duration // one host to plugin call
	HandshakeTimeout time.Duration // session start plus handshake
	HostCallRate     float64       // plugin to host calls per second, 0 disables limiting
	HostCallBurst    int
}

// DefaultConfig returns the default timeouts
func DefaultConfig() Config {
	return Config{
		CallTimeout:      10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		HostCallRate:     50,
		HostCallBurst:    100,
	}
}

// withDefaults fills zero values and keeps the handshake timeout at least
// as long as a single call
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.HandshakeTimeout < c.CallTimeout {
		c.HandshakeTimeout = c.CallTimeout
	}
	if c.HostCallRate > 0 && c.HostCallBurst <= 0 {
		c.HostCallBurst = 1
	}
	return c
}

// Deps are the collaborators a Host is built with
type Deps struct {
	Factory       sandbox.Factory
	Catalog       *hostapi.Catalog // nil means hostapi.DefaultCatalog()
	Collaborators hostapi.Collaborators
	Logger        *logging.Logger
	Recorder      Recorder
	Observer      Observer
}

// Info is a point-in-time view of a Host
type Info struct {
	PluginID    string   `json:"pluginId"`
	Version     string   `json:"version"`
	Status      Status   `json:"status"`
	Error       string   `json:"error,omitempty"`
	Methods     []string `json:"methods"`
	HostMethods []string `json:"hostMethods"`
	Permissions []string `json:"permissions"`
	Pending     int      `json:"pending"`
}
