// Package types holds the agent's domain entities, independent of how any
// particular cache backing serializes them.
package types

import "time"

// Token is the bearer credential issued by the backend.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeviceStatus is the device's connectivity state.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Device is the agent's persisted identity record.
type Device struct {
	DeviceID           string       `json:"device_id"`
	Name               string       `json:"name"`
	SessionID          string       `json:"session_id,omitempty"`
	Activated          bool         `json:"activated"`
	Status             DeviceStatus `json:"status"`
	LastSyncedAt       time.Time    `json:"last_synced_at,omitempty"`
	LastConnectedAt    time.Time    `json:"last_connected_at,omitempty"`
	LastDisconnectedAt time.Time    `json:"last_disconnected_at,omitempty"`
}

// DigestPair memoizes a client-computed schema digest to the
// server-canonical one.
type DigestPair struct {
	Raw      string `json:"raw"`
	Resolved string `json:"resolved"`
}

// ConfigSchema is a versioned schema identified by a digest.
type ConfigSchema struct {
	ID              string    `json:"id"`
	Version         int       `json:"version"`
	Digest          string    `json:"digest"`
	CreatedAt       time.Time `json:"created_at"`
	ConfigTypeID    string    `json:"config_type_id"`
	ConfigTypeSlug  string    `json:"config_type_slug,omitempty"`
}

// TargetStatus is what the operator wants for a config instance.
type TargetStatus string

const (
	TargetCreated  TargetStatus = "created"
	TargetDeployed TargetStatus = "deployed"
	TargetRemoved  TargetStatus = "removed"
)

// ActivityStatus is what the agent has actually done for a config instance.
type ActivityStatus string

const (
	ActivityCreated  ActivityStatus = "created"
	ActivityQueued   ActivityStatus = "queued"
	ActivityDeployed ActivityStatus = "deployed"
	ActivityRemoved  ActivityStatus = "removed"
)

// ErrorStatus tracks retry progress for a config instance.
type ErrorStatus string

const (
	ErrorNone      ErrorStatus = "none"
	ErrorRetrying  ErrorStatus = "retrying"
	ErrorFailed    ErrorStatus = "failed"
)

// ConfigInstance is the metadata half of a config-instance deployment.
type ConfigInstance struct {
	ID               string         `json:"id"`
	ConfigSchemaID   string         `json:"config_schema_id"`
	RelativeFilepath *string        `json:"relative_filepath,omitempty"`
	TargetStatus     TargetStatus   `json:"target_status"`
	ActivityStatus   ActivityStatus `json:"activity_status"`
	ErrorStatus      ErrorStatus    `json:"error_status"`
	Attempts         uint           `json:"attempts"`
	CooldownEndsAt   time.Time      `json:"cooldown_ends_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	UpdatedByID      string         `json:"updated_by_id"`
}

// Clone returns a deep-enough copy for FSM transitions (no internal
// pointers are mutated in place by callers).
func (c ConfigInstance) Clone() ConfigInstance {
	clone := c
	if c.RelativeFilepath != nil {
		p := *c.RelativeFilepath
		clone.RelativeFilepath = &p
	}
	return clone
}
