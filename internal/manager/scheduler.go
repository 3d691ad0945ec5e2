package manager

import (
	"context"
	"sync"
	"time"

	"github.com/dulitha/sessiond/internal/model"
	"github.com/sirupsen/logrus"
)

// Start launches the background tasks: persistence sync, stale-session
// eviction, reconnect sweep, cold restore sweep and pending-write flush.
// Tasks may overlap with each other but never with themselves; a tick that
// arrives while the previous run is still going is skipped.
func (m *Manager) Start() {
	m.spawnEvery("persistence-sync", m.cfg.SaveInterval, 0, &m.saveGuard, m.syncActive)
	m.spawnEvery("stale-eviction", m.cfg.CleanupInterval, 0, &m.cleanupGuard, func() { m.CleanupStale() })
	m.spawnEvery("reconnect-sweep", m.cfg.ReconnectInterval, 0, &m.reconnectGuard, m.reconnectSweep)
	m.spawnEvery("cold-restore", m.cfg.RestoreInterval, m.cfg.InitialRestoreDelay, &m.restoreGuard, func() {
		if _, err := m.RestoreAll(context.Background()); err != nil {
			m.log.WithError(err).Warn("cold restore sweep failed")
		}
	})
	m.spawnEvery("pending-flush", m.cfg.SyncInterval, 0, &m.syncGuard, func() { m.FlushPending() })

	m.log.Info("background scheduler started")
}

func (m *Manager) spawnEvery(name string, interval, initial time.Duration, guard *sync.Mutex, task func()) {
	if interval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if initial > 0 {
			select {
			case <-m.stop:
				return
			case <-time.After(initial):
				m.runGuarded(name, guard, task)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.runGuarded(name, guard, task)
			}
		}
	}()
}

func (m *Manager) runGuarded(name string, guard *sync.Mutex, task func()) {
	if !guard.TryLock() {
		m.log.WithField("task", name).Debug("previous run still in progress, skipping tick")
		return
	}
	defer guard.Unlock()
	task()
}

// syncActive upserts the current credential snapshot of every active handle,
// then retries the pending buffer.
func (m *Manager) syncActive() {
	m.mu.Lock()
	active := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		if h.Status == model.StatusActive {
			active = append(active, h)
		}
	}
	m.mu.Unlock()

	for _, h := range active {
		snapshot := h.Conn.Credentials()
		if len(snapshot) == 0 {
			// Fall back to the workspace copy written on the last rotation.
			ws, err := m.readWorkspaceCredentials(h.Number)
			if err != nil {
				continue
			}
			snapshot = ws
		}
		m.persist(h.Number, snapshot)
	}
	m.FlushPending()
}

// CleanupStale evicts sessions past their age or disconnection thresholds and
// purges stale invalid records. It returns how many entries were acted on.
func (m *Manager) CleanupStale() int {
	now := time.Now()

	type victim struct {
		handle *Handle
		purge  bool
	}

	m.mu.Lock()
	victims := make([]victim, 0)
	for number, h := range m.sessions {
		switch {
		case now.Sub(h.CreatedAt) > m.cfg.MaxSessionAge:
			// Over the age limit, regardless of status.
			delete(m.sessions, number)
			delete(m.attempts, number)
			m.cancelReconnectLocked(number)
			victims = append(victims, victim{handle: h, purge: true})
		case h.Status == model.StatusDisconnected && now.Sub(h.LastActive) > m.cfg.DisconnectedCleanupTime:
			// The durable record stays disconnected, eligible for restore.
			delete(m.sessions, number)
			delete(m.attempts, number)
			m.cancelReconnectLocked(number)
			victims = append(victims, victim{handle: h})
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		_ = v.handle.Conn.Close()
		m.log.WithField("number", v.handle.Number).Info("evicted stale session")
		if !v.purge {
			continue
		}
		m.pending.Remove(v.handle.Number)
		if err := m.db.DeleteSession(v.handle.Number); err != nil {
			m.log.WithError(err).WithField("number", v.handle.Number).Warn("could not delete expired record")
		}
		m.removeWorkspace(v.handle.Number)
	}

	cleaned := len(victims)

	records, err := m.db.FindInvalidBefore(now.Add(-m.cfg.ImmediateDeleteDelay))
	if err != nil {
		m.log.WithError(err).Warn("could not list invalid records")
		return cleaned
	}
	for _, record := range records {
		if err := m.db.DeleteSession(record.Number); err != nil {
			m.log.WithError(err).WithField("number", record.Number).Warn("could not purge invalid record")
			continue
		}
		m.removeWorkspace(record.Number)
		cleaned++
	}

	return cleaned
}

// reconnectSweep revives disconnected records that still have retry budget
// and no live handle.
func (m *Manager) reconnectSweep() {
	records, err := m.db.FindReconnectable(m.cfg.MaxFailedAttempts)
	if err != nil {
		m.log.WithError(err).Warn("could not list reconnectable records")
		return
	}

	m.redial(records, "reconnect sweep")
}

// RestoreAll recreates every recoverable record with no live handle. It
// covers process-restart recovery. Returns the number of attempted restores.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	// Records idle past MaxSessionAge are the eviction sweep's to purge;
	// redialing them here would only resurrect sessions about to be evicted.
	records, err := m.db.FindSessionsByStatus(
		[]string{model.StatusActive, model.StatusDisconnected},
		time.Now().Add(-m.cfg.MaxSessionAge),
	)
	if err != nil {
		return 0, err
	}

	return m.redial(records, "cold restore"), nil
}

func (m *Manager) redial(records []*model.Session, sweep string) int {
	dialed := 0
	for _, record := range records {
		if _, ok := m.Session(record.Number); ok {
			continue
		}

		m.log.WithFields(logrus.Fields{"number": record.Number, "sweep": sweep}).Info("restoring session")
		if _, err := m.CreateSession(context.Background(), record.Number, nil, true); err != nil {
			m.log.WithError(err).WithField("number", record.Number).Warn("restore failed")
		} else {
			dialed++
		}

		// Pace dials to avoid a thundering-herd reconnection storm.
		select {
		case <-m.stop:
			return dialed
		case <-time.After(m.cfg.RestorePacing):
		}
	}
	return dialed
}

// FlushPending writes the buffered snapshots back to the store. Returns the
// numbers that were durably written.
func (m *Manager) FlushPending() []string {
	entries := m.pending.Entries()
	if len(entries) == 0 {
		return nil
	}
	if err := m.db.Ping(); err != nil {
		m.log.WithError(err).Debug("store still unreachable, keeping pending writes")
		return nil
	}

	flushed := make([]string, 0, len(entries))
	for number, snapshot := range entries {
		if err := m.db.UpsertSession(number, snapshot); err != nil {
			m.log.WithError(err).WithField("number", number).Warn("pending write failed, keeping it buffered")
			continue
		}
		m.pending.Remove(number)
		flushed = append(flushed, number)
	}

	if len(flushed) > 0 {
		m.log.WithField("count", len(flushed)).Info("flushed pending writes")
	}
	return flushed
}
