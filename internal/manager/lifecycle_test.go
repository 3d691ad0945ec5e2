package manager

import (
	"testing"

	"github.com/dulitha/sessiond/internal/model"
	"github.com/dulitha/sessiond/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestTransitionOpened(t *testing.T) {
	s := lifecycleState{Status: model.StatusConnecting, Health: model.HealthReconnecting, Attempts: 1}

	next, effects := transition(s, protocol.Opened{}, 2)

	assert.Equal(t, model.StatusActive, next.Status)
	assert.Equal(t, model.HealthActive, next.Health)
	assert.Equal(t, 0, next.Attempts)
	assert.Equal(t, []sideEffect{fxResetAttempts, fxPersistSnapshot, fxRunOpenHooks}, effects)
}

func TestTransitionRetryableCloseWithinBudget(t *testing.T) {
	s := lifecycleState{Status: model.StatusActive, Health: model.HealthActive}

	next, effects := transition(s, protocol.ClosedRetryable{}, 2)

	assert.Equal(t, model.StatusDisconnected, next.Status)
	assert.Equal(t, model.HealthReconnecting, next.Health)
	assert.Equal(t, 1, next.Attempts)
	assert.Contains(t, effects, fxScheduleReconnect)
	assert.NotContains(t, effects, fxRemoveHandle)
}

func TestTransitionRetryableCloseExhaustsBudget(t *testing.T) {
	s := lifecycleState{Status: model.StatusDisconnected, Health: model.HealthReconnecting, Attempts: 1}

	next, effects := transition(s, protocol.ClosedRetryable{}, 2)

	assert.Equal(t, model.StatusFailed, next.Status)
	assert.Equal(t, model.HealthDisconnected, next.Health)
	assert.Contains(t, effects, fxRemoveHandle)
	assert.Contains(t, effects, fxClearAttempts)
	assert.NotContains(t, effects, fxScheduleReconnect)
	// The workspace stays: an explicit API call can still revive the tenant.
	assert.NotContains(t, effects, fxRemoveWorkspace)
}

func TestTransitionLoggedOut(t *testing.T) {
	s := lifecycleState{Status: model.StatusActive, Health: model.HealthActive}

	next, effects := transition(s, protocol.ClosedLoggedOut{}, 2)

	assert.Equal(t, model.StatusInvalid, next.Status)
	assert.Contains(t, effects, fxRemoveHandle)
	assert.Contains(t, effects, fxRemoveWorkspace)
	assert.Contains(t, effects, fxScheduleRecordDelete)
	assert.NotContains(t, effects, fxScheduleReconnect)
}

func TestTransitionCredentialUpdate(t *testing.T) {
	s := lifecycleState{Status: model.StatusActive, Health: model.HealthActive}

	next, effects := transition(s, protocol.CredentialUpdate{Snapshot: []byte("rotated")}, 2)

	assert.Equal(t, s, next, "key rotation does not change the lifecycle state")
	assert.Equal(t, []sideEffect{fxPersistSnapshot}, effects)
}

func TestTransitionPairingAndMessage(t *testing.T) {
	s := lifecycleState{Status: model.StatusConnecting, Health: model.HealthReconnecting}

	next, effects := transition(s, protocol.PairingData{QR: "qr"}, 2)
	assert.Equal(t, s, next)
	assert.Equal(t, []sideEffect{fxEmitPairing}, effects)

	next, effects = transition(s, protocol.Message{From: "123"}, 2)
	assert.Equal(t, s, next)
	assert.Equal(t, []sideEffect{fxDispatchMessage}, effects)
}

func TestSanitizeNumber(t *testing.T) {
	assert.Equal(t, "94741671668", SanitizeNumber("+94 74 167-1668"))
	assert.Equal(t, "123", SanitizeNumber("abc123"))
	assert.Equal(t, "", SanitizeNumber("nope"))
}
