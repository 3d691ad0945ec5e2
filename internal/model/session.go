package model

import (
	"time"
)

// Statuses recorded on a session, durable or in-memory.
const (
	// StatusConnecting is the initial in-memory status of a session whose
	// connection attempt is in flight. It is never persisted.
	StatusConnecting = "connecting"
	// StatusActive marks a session with an open authenticated connection.
	StatusActive = "active"
	// StatusDisconnected marks a retryable loss of connection.
	StatusDisconnected = "disconnected"
	// StatusInvalid marks a session whose credentials were revoked (logout).
	StatusInvalid = "invalid"
	// StatusFailed marks a session that exhausted its reconnection budget.
	StatusFailed = "failed"
	// StatusWaiting marks a session awaiting out-of-band pairing completion.
	StatusWaiting = "waiting"
)

// Health values reported alongside the status.
const (
	HealthActive       = "active"
	HealthReconnecting = "reconnecting"
	HealthDisconnected = "disconnected"
)

// A Session represents the durable record of one tenant's connection:
// an opaque credential snapshot plus status metadata. The number uniquely
// identifies at most one record at any time.
type Session struct {
	Base `msgpack:",inline" storm:"inline"`

	Number         string    `json:"number"          msgpack:"number"          storm:"unique"`
	Credentials    []byte    `json:"-"               msgpack:"credentials"`
	Status         string    `json:"status"          msgpack:"status"          storm:"index"`
	Health         string    `json:"health"          msgpack:"health"`
	FailedAttempts int       `json:"failed_attempts" msgpack:"failed_attempts"`
	LastActive     time.Time `json:"last_active"     msgpack:"last_active"     storm:"index"`
}
