package database

import (
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/codec/msgpack"
	"github.com/asdine/storm/v3/q"
	"github.com/dulitha/sessiond/internal/model"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

type strm struct {
	db *storm.DB
}

// StormCodec is the format used to store data in the database.
var StormCodec = storm.Codec(msgpack.Codec)

// StormInit initializes Storm database.
func StormInit(database string) error {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	err = db.Init(&model.Session{})
	return errors.Wrap(err, "could not init session index")
}

// StormReIndex reindex Storm database.
func StormReIndex(database string) error {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	err = db.ReIndex(&model.Session{})
	return errors.Wrap(err, "could not ReIndex sessions")
}

// StormOpen returns a new Storm database connection.
func StormOpen(database string) (Client, error) {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return nil, errors.Wrap(err, "could not get database connection")
	}

	return &strm{
		db: db,
	}, nil
}

// Save inserts or updates the entry in database with the given model.
func (c *strm) Save(m model.Model) error {
	t := time.Now().UTC()
	m.SetUpdatedAt(t)

	if m.GetID() == "" {
		m.SetID(uuid.Must(uuid.NewV4()).String())
		m.SetCreatedAt(t)
	}

	return errors.Wrap(c.db.Save(m), "could not save the model")
}

// Delete deletes the entry in database with the given model.
func (c *strm) Delete(m model.Model) error {
	return errors.Wrap(c.db.DeleteStruct(m), "could not delete the model")
}

// Ping checks that the database is reachable.
func (c *strm) Ping() error {
	err := c.db.Bolt.View(func(*bolt.Tx) error { return nil })
	return errors.Wrap(err, "could not reach the database")
}

// Close the database.
func (c *strm) Close() error {
	return c.db.Close()
}

// IsNotFound returns true if err is a not found error.
func (c *strm) IsNotFound(err error) bool {
	return errors.Cause(err) == storm.ErrNotFound
}

// UpsertSession creates or overwrites the record for the given number.
func (c *strm) UpsertSession(number string, credentials []byte) error {
	session, err := c.FindSession(number)
	if err != nil {
		if !c.IsNotFound(err) {
			return err
		}
		session = &model.Session{Number: number}
	}

	session.Credentials = credentials
	session.Status = model.StatusActive
	session.Health = model.HealthActive
	session.FailedAttempts = 0
	session.LastActive = time.Now().UTC()

	return errors.Wrap(c.Save(session), "could not upsert session")
}

// FindSession returns the session for the given number.
func (c *strm) FindSession(number string) (*model.Session, error) {
	var session model.Session
	if err := c.db.One("Number", number, &session); err != nil {
		return nil, errors.Wrap(err, "find session by number")
	}
	return &session, nil
}

// FindSessionsByStatus returns the sessions matching one of the given statuses.
func (c *strm) FindSessionsByStatus(statuses []string, lastActiveAfter time.Time) ([]*model.Session, error) {
	matchers := []q.Matcher{q.In("Status", statuses)}
	if !lastActiveAfter.IsZero() {
		matchers = append(matchers, q.Gte("LastActive", lastActiveAfter))
	}

	sessions := make([]*model.Session, 0)
	err := c.db.Select(matchers...).OrderBy("LastActive").Find(&sessions)
	if err != nil && !c.IsNotFound(err) {
		return nil, errors.Wrap(err, "could not find sessions by status")
	}
	return sessions, nil
}

// FindReconnectable returns the disconnected sessions below the retry budget.
func (c *strm) FindReconnectable(maxFailedAttempts int) ([]*model.Session, error) {
	sessions := make([]*model.Session, 0)
	err := c.db.Select(
		q.Eq("Status", model.StatusDisconnected),
		q.Lt("FailedAttempts", maxFailedAttempts),
	).OrderBy("LastActive").Find(&sessions)
	if err != nil && !c.IsNotFound(err) {
		return nil, errors.Wrap(err, "could not find reconnectable sessions")
	}
	return sessions, nil
}

// FindInvalidBefore returns the invalid sessions last updated before the cutoff.
func (c *strm) FindInvalidBefore(cutoff time.Time) ([]*model.Session, error) {
	sessions := make([]*model.Session, 0)
	err := c.db.Select(
		q.Eq("Status", model.StatusInvalid),
		q.Lt("LastActive", cutoff),
	).Find(&sessions)
	if err != nil && !c.IsNotFound(err) {
		return nil, errors.Wrap(err, "could not find invalid sessions")
	}
	return sessions, nil
}

// UpdateSessionStatus partially updates the record's status and health.
func (c *strm) UpdateSessionStatus(number, status, health string) error {
	session, err := c.FindSession(number)
	if err != nil {
		return err
	}

	session.Status = status
	if health != "" {
		session.Health = health
	}
	session.LastActive = time.Now().UTC()

	return errors.Wrap(c.Save(session), "could not update session status")
}

// DeleteSession removes the record for the given number.
func (c *strm) DeleteSession(number string) error {
	session, err := c.FindSession(number)
	if err != nil {
		if c.IsNotFound(err) {
			return nil
		}
		return err
	}
	return c.Delete(session)
}

// CountSessions returns the number of durable records.
func (c *strm) CountSessions() (int, error) {
	count, err := c.db.Count(&model.Session{})
	return count, errors.Wrap(err, "could not count sessions")
}
