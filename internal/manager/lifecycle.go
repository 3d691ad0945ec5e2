package manager

import (
	"github.com/dulitha/sessiond/internal/model"
	"github.com/dulitha/sessiond/internal/protocol"
)

// lifecycleState is the part of a session the state machine reasons about.
type lifecycleState struct {
	Status   string
	Health   string
	Attempts int
}

// A sideEffect is an action the manager must carry out after a transition.
type sideEffect int

const (
	fxResetAttempts sideEffect = iota
	fxPersistSnapshot
	fxRunOpenHooks
	fxPersistStatus
	fxRecordAttempt
	fxScheduleReconnect
	fxRemoveHandle
	fxClearAttempts
	fxRemoveWorkspace
	fxScheduleRecordDelete
	fxEmitPairing
	fxDispatchMessage
)

// transition computes the next state and side effects for one connection
// event. It is pure: the manager owns clock, store and table mutations.
//
// connecting -> active -> disconnected (retryable, back to connecting)
//                      -> invalid (logged out, terminal)
//                      -> failed (budget exhausted, terminal)
func transition(s lifecycleState, ev protocol.Event, maxAttempts int) (lifecycleState, []sideEffect) {
	switch ev.(type) {
	case protocol.Opened:
		s.Status = model.StatusActive
		s.Health = model.HealthActive
		s.Attempts = 0
		return s, []sideEffect{fxResetAttempts, fxPersistSnapshot, fxRunOpenHooks}

	case protocol.ClosedRetryable:
		s.Attempts++
		if s.Attempts < maxAttempts {
			s.Status = model.StatusDisconnected
			s.Health = model.HealthReconnecting
			return s, []sideEffect{fxRecordAttempt, fxPersistStatus, fxScheduleReconnect}
		}
		s.Status = model.StatusFailed
		s.Health = model.HealthDisconnected
		return s, []sideEffect{fxPersistStatus, fxRemoveHandle, fxClearAttempts}

	case protocol.ClosedLoggedOut:
		s.Status = model.StatusInvalid
		s.Health = model.HealthDisconnected
		return s, []sideEffect{
			fxPersistStatus,
			fxRemoveHandle,
			fxClearAttempts,
			fxRemoveWorkspace,
			fxScheduleRecordDelete,
		}

	case protocol.CredentialUpdate:
		// Key rotation is orthogonal to open/close transitions.
		return s, []sideEffect{fxPersistSnapshot}

	case protocol.PairingData:
		return s, []sideEffect{fxEmitPairing}

	case protocol.Message:
		return s, []sideEffect{fxDispatchMessage}
	}

	return s, nil
}
