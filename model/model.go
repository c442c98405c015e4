// Package model defines the data-model types shared across the plugin
// runtime: connections, access tokens, worker instances, and the plugin
// context handed to a loaded plugin.
package model

import "time"

// Connection identifies a remote-service endpoint the user has configured.
type Connection struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Active   bool   `json:"active"`
}

// AuthState is derived from the token cache at query time, never persisted
// alongside the Connection record itself.
type AuthState struct {
	IsAuthenticated   bool   `json:"isAuthenticated"`
	LastPrincipal     string `json:"lastPrincipal,omitempty"`
}

// AccessTokenRecord is the per-connection cached credential. Token and
// RefreshMaterial are only ever held in memory and inside the encrypted
// on-disk cache; they must never be logged or written anywhere else.
type AccessTokenRecord struct {
	ConnectionID    string    `json:"connectionId"`
	Token           string    `json:"token"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Principal       string    `json:"principal"`
	RefreshMaterial string    `json:"refreshMaterial"`
	Invalid         bool      `json:"invalid"`
}

// Valid reports whether the record's token can be handed to a caller right
// now, given a skew duration (invariant: expiry > now + skew).
func (r *AccessTokenRecord) Valid(now time.Time, skew time.Duration) bool {
	if r == nil || r.Invalid {
		return false
	}
	return r.ExpiresAt.After(now.Add(skew))
}

// HealthState enumerates a Worker Instance's lifecycle state.
type HealthState string

const (
	HealthStarting   HealthState = "Starting"
	HealthReady      HealthState = "Ready"
	HealthUnhealthy  HealthState = "Unhealthy"
	HealthTerminated HealthState = "Terminated"
)

// WorkerInstance is keyed by (PluginID, InstanceID).
type WorkerInstance struct {
	PluginID          string
	InstanceID        string
	PID               int
	ForwardSocketPath string
	ReverseSocketPath string
	ConnectionID      string
	Health            HealthState
	LastHeartbeat     time.Time
	ExitCode          *int
}

// Event is the envelope Forward RPC's SubscribeEvents streams, and what a
// plugin appends to its Plugin Context event sink.
type Event struct {
	PluginID  string                 `json:"pluginId"`
	Type      string                 `json:"type"`
	Payload   []byte                 `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Event type constants surfaced by the core plugin subsystem.
const (
	EventIndexProgress = "plugin:sla:index-progress"
	EventIndexComplete = "plugin:sla:index-complete"
	EventQueryResult   = "plugin:sla:query-result"
	EventSessionExpired = "session:expired"
)
