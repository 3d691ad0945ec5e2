package database

import (
	"time"

	"github.com/dulitha/sessiond/internal/model"
)

type (
	// A Client can interacts with the database.
	Client interface {
		// Save inserts or updates the entry in database with the given model.
		Save(m model.Model) error
		// Delete deletes the entry in database with the given model.
		Delete(m model.Model) error
		// Ping checks that the database is reachable.
		Ping() error
		// Close the database.
		Close() error
		// IsNotFound returns true if err is a not found error.
		IsNotFound(err error) bool

		SessionInteraction
	}

	// A SessionInteraction defines all the methods used to interact with a session record.
	SessionInteraction interface {
		// UpsertSession creates or overwrites the record for the given number.
		// It sets status=active, health=active, resets the failed-attempt
		// counter and stamps LastActive. Idempotent under retry.
		UpsertSession(number string, credentials []byte) error
		// FindSession returns the session for the given number.
		FindSession(number string) (*model.Session, error)
		// FindSessionsByStatus returns the sessions matching one of the given
		// statuses whose LastActive is at or after the given time. A zero time
		// disables the age filter.
		FindSessionsByStatus(statuses []string, lastActiveAfter time.Time) ([]*model.Session, error)
		// FindReconnectable returns the disconnected sessions whose failed-attempt
		// counter is strictly below the given budget.
		FindReconnectable(maxFailedAttempts int) ([]*model.Session, error)
		// FindInvalidBefore returns the invalid sessions last updated before the cutoff.
		FindInvalidBefore(cutoff time.Time) ([]*model.Session, error)
		// UpdateSessionStatus partially updates the record's status and health.
		// It does not touch the credential data. An empty health is left unchanged.
		UpdateSessionStatus(number, status, health string) error
		// DeleteSession removes the record for the given number.
		DeleteSession(number string) error
		// CountSessions returns the number of durable records.
		CountSessions() (int, error)
	}
)
