// Package manager owns the lifecycle of every tenant connection: it creates
// them on demand, tracks them in an in-memory table, persists credential
// snapshots to the durable store and reconciles both against wall-clock
// thresholds in the background.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/dulitha/sessiond/internal/database"
	"github.com/dulitha/sessiond/internal/model"
	"github.com/dulitha/sessiond/internal/protocol"
	"github.com/dulitha/sessiond/internal/smerror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config holds the manager's tunables. Zero values fall back to the defaults
// the service has always shipped with.
type Config struct {
	// AuthPath is the root of the per-tenant credential workspaces.
	AuthPath string

	MaxFailedAttempts       int
	MaxSessionAge           time.Duration
	DisconnectedCleanupTime time.Duration
	ImmediateDeleteDelay    time.Duration
	// ReconnectDelay is a flat delay, not an exponential backoff.
	ReconnectDelay time.Duration
	// RestorePacing spaces out dials during sweeps so a restart does not
	// produce a reconnection storm.
	RestorePacing time.Duration

	SaveInterval        time.Duration
	CleanupInterval     time.Duration
	ReconnectInterval   time.Duration
	RestoreInterval     time.Duration
	SyncInterval        time.Duration
	InitialRestoreDelay time.Duration

	// Open-event side effects.
	AdminNumbers []string
	GroupInvite  string
	Channels     []string
}

func (c Config) withDefaults() Config {
	if c.AuthPath == "" {
		c.AuthPath = "auth"
	}
	if c.MaxFailedAttempts == 0 {
		c.MaxFailedAttempts = 2
	}
	if c.MaxSessionAge == 0 {
		c.MaxSessionAge = 30 * 24 * time.Hour
	}
	if c.DisconnectedCleanupTime == 0 {
		c.DisconnectedCleanupTime = 3 * time.Minute
	}
	if c.ImmediateDeleteDelay == 0 {
		c.ImmediateDeleteDelay = 2 * time.Minute
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.RestorePacing == 0 {
		c.RestorePacing = 2 * time.Second
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = 2 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 5 * time.Minute
	}
	if c.RestoreInterval == 0 {
		c.RestoreInterval = time.Hour
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 10 * time.Minute
	}
	if c.InitialRestoreDelay == 0 {
		c.InitialRestoreDelay = 10 * time.Second
	}
	return c
}

type (
	// A Handle is the live, in-memory representation of one tenant's session.
	// It exclusively owns the underlying connection. Mutated only under the
	// manager's lock.
	Handle struct {
		Number     string
		Conn       protocol.Conn
		Status     string
		Health     string
		CreatedAt  time.Time
		LastActive time.Time
	}

	// An Info is a point-in-time copy of a handle, safe to hand out.
	Info struct {
		Number     string    `json:"number"`
		Status     string    `json:"status"`
		Health     string    `json:"health"`
		CreatedAt  time.Time `json:"created_at"`
		LastActive time.Time `json:"last_active"`
		Uptime     string    `json:"uptime"`
	}

	// A MessageHandler interprets one inbound message and issues any replies
	// through the given connection. The manager makes no assumption about
	// message semantics.
	MessageHandler func(number string, conn protocol.Conn, msg protocol.Message) error

	// A PairingSink receives out-of-band pairing payloads for relaying to
	// subscribed control-plane clients.
	PairingSink func(number string, data protocol.PairingData)

	inflight struct {
		done   chan struct{}
		handle *Handle
		err    error
	}
)

// A Manager is the single owner of the session table.
type Manager struct {
	db        database.Client
	connector protocol.Connector
	cfg       Config
	log       logrus.FieldLogger

	mu         sync.Mutex
	sessions   map[string]*Handle
	creating   map[string]*inflight
	attempts   map[string]int
	reconnects map[string]*time.Timer
	deletions  map[string]*time.Timer

	pending   *pendingWrites
	debounced func(func())

	handler MessageHandler
	pairing PairingSink

	startedAt time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	saveGuard      sync.Mutex
	cleanupGuard   sync.Mutex
	reconnectGuard sync.Mutex
	restoreGuard   sync.Mutex
	syncGuard      sync.Mutex
}

// New returns a new manager. It does not start the background tasks; call
// Start for that.
func New(db database.Client, connector protocol.Connector, cfg Config, log logrus.FieldLogger) *Manager {
	return &Manager{
		db:         db,
		connector:  connector,
		cfg:        cfg.withDefaults(),
		log:        log,
		sessions:   map[string]*Handle{},
		creating:   map[string]*inflight{},
		attempts:   map[string]int{},
		reconnects: map[string]*time.Timer{},
		deletions:  map[string]*time.Timer{},
		pending:    newPendingWrites(),
		debounced:  debounce.New(2 * time.Second),
		startedAt:  time.Now(),
		stop:       make(chan struct{}),
	}
}

// OnMessage installs the inbound-message handler.
func (m *Manager) OnMessage(handler MessageHandler) {
	m.handler = handler
}

// OnPairing installs the pairing-payload sink.
func (m *Manager) OnPairing(sink PairingSink) {
	m.pairing = sink
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Uptime returns how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// StoreReachable reports whether the durable store currently answers.
func (m *Manager) StoreReachable() bool {
	return m.db.Ping() == nil
}

// PendingCount returns the number of buffered credential snapshots.
func (m *Manager) PendingCount() int {
	return m.pending.Len()
}

// CreateSession creates the session for the given number, or reports the
// existing one. With restoreFromStore, a missing local credential workspace
// is materialized from the durable record before dialing. Concurrent calls
// for the same number collapse onto a single connection attempt.
func (m *Manager) CreateSession(ctx context.Context, number string, seed []byte, restoreFromStore bool) (Info, error) {
	number = SanitizeNumber(number)
	if number == "" {
		return Info{}, smerror.NewWithTagCode(http.StatusBadRequest, "invalid-number", "Phone number required.")
	}

	m.mu.Lock()
	if h, ok := m.sessions[number]; ok {
		info := h.info()
		m.mu.Unlock()
		return info, nil
	}
	if fl, ok := m.creating[number]; ok {
		m.mu.Unlock()
		<-fl.done
		if fl.err != nil {
			return Info{}, fl.err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if h, ok := m.sessions[number]; ok {
			return h.info(), nil
		}
		return fl.handle.info(), nil
	}
	fl := &inflight{done: make(chan struct{})}
	m.creating[number] = fl
	m.mu.Unlock()

	h, err := m.dial(ctx, number, seed, restoreFromStore)

	m.mu.Lock()
	delete(m.creating, number)
	if err == nil {
		// Registering past this point would race Shutdown's drain of the
		// table and of the pump wait group.
		select {
		case <-m.stop:
			err = errors.New("manager is shutting down")
		default:
		}
	}
	fl.handle, fl.err = h, err
	var info Info
	if err == nil {
		m.sessions[number] = h
		info = h.info()
		m.wg.Add(1)
	}
	close(fl.done)
	m.mu.Unlock()

	if err != nil {
		if h != nil {
			_ = h.Conn.Close()
		}
		return Info{}, err
	}

	go m.pump(h)

	m.log.WithField("number", number).Info("session created")
	return info, nil
}

func (m *Manager) dial(ctx context.Context, number string, seed []byte, restoreFromStore bool) (*Handle, error) {
	workspace, err := m.ensureWorkspace(number)
	if err != nil {
		return nil, err
	}

	if len(seed) > 0 {
		if err := m.writeWorkspaceCredentials(number, seed); err != nil {
			return nil, err
		}
	}

	if restoreFromStore && !m.workspaceHasCredentials(number) {
		record, err := m.db.FindSession(number)
		switch {
		case err == nil && len(record.Credentials) > 0:
			if err := m.writeWorkspaceCredentials(number, record.Credentials); err != nil {
				return nil, err
			}
		case err != nil && !m.db.IsNotFound(err):
			// An unreachable store degrades to "absent": the connector may
			// still be able to pair from scratch.
			m.log.WithError(err).WithField("number", number).Warn("could not read credentials from store")
		}
	}

	conn, err := m.connector.Dial(ctx, number, workspace)
	if err != nil {
		return nil, errors.Wrapf(smerror.ErrConnectionInit, "%s: %v", number, err)
	}

	now := time.Now()
	return &Handle{
		Number:     number,
		Conn:       conn,
		Status:     model.StatusConnecting,
		Health:     model.HealthReconnecting,
		CreatedAt:  now,
		LastActive: now,
	}, nil
}

func (h *Handle) info() Info {
	return Info{
		Number:     h.Number,
		Status:     h.Status,
		Health:     h.Health,
		CreatedAt:  h.CreatedAt,
		LastActive: h.LastActive,
		Uptime:     time.Since(h.CreatedAt).Round(time.Second).String(),
	}
}

// Sessions returns a snapshot of the in-memory session table.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, h := range m.sessions {
		infos = append(infos, h.info())
	}
	return infos
}

// Session returns the in-memory view of the given number.
func (m *Manager) Session(number string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.sessions[SanitizeNumber(number)]
	if !ok {
		return Info{}, false
	}
	return h.info(), true
}

// pump delivers connection events to the state machine, in emission order.
func (m *Manager) pump(h *Handle) {
	defer m.wg.Done()

	for ev := range h.Conn.Events() {
		m.dispatch(h, ev)
	}
}

// dispatch runs one lifecycle transition and its side effects. A panic here
// is contained: many independent tenants share this process and one faulty
// interaction must not bring it down.
func (m *Manager) dispatch(h *Handle, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("number", h.Number).Errorf("recovered from event dispatch fault: %v", r)
		}
	}()

	m.mu.Lock()
	current := lifecycleState{Status: h.Status, Health: h.Health, Attempts: m.attempts[h.Number]}
	next, effects := transition(current, ev, m.cfg.MaxFailedAttempts)
	h.Status = next.Status
	h.Health = next.Health
	h.LastActive = time.Now()

	for _, fx := range effects {
		switch fx {
		case fxResetAttempts, fxClearAttempts:
			delete(m.attempts, h.Number)
		case fxRecordAttempt:
			m.attempts[h.Number] = next.Attempts
		case fxScheduleReconnect:
			m.scheduleReconnectLocked(h.Number)
		case fxRemoveHandle:
			delete(m.sessions, h.Number)
			m.cancelReconnectLocked(h.Number)
		case fxScheduleRecordDelete:
			m.scheduleRecordDeleteLocked(h.Number)
		}
	}
	m.mu.Unlock()

	for _, fx := range effects {
		switch fx {
		case fxPersistSnapshot:
			m.persist(h.Number, snapshotOf(ev, h))
		case fxPersistStatus:
			m.persistStatus(h.Number, next.Status, next.Health)
		case fxRunOpenHooks:
			m.runOpenHooks(h)
		case fxRemoveHandle:
			_ = h.Conn.Close()
		case fxRemoveWorkspace:
			m.removeWorkspace(h.Number)
		case fxEmitPairing:
			if m.pairing != nil {
				m.pairing(h.Number, ev.(protocol.PairingData))
			}
		case fxDispatchMessage:
			m.handleMessage(h, ev.(protocol.Message))
		}
	}

	m.logTransition(h.Number, current, next, ev)
}

func snapshotOf(ev protocol.Event, h *Handle) []byte {
	if update, ok := ev.(protocol.CredentialUpdate); ok {
		return update.Snapshot
	}
	return h.Conn.Credentials()
}

func (m *Manager) logTransition(number string, from, to lifecycleState, ev protocol.Event) {
	if from.Status == to.Status {
		return
	}
	m.log.WithFields(logrus.Fields{
		"number": number,
		"from":   from.Status,
		"to":     to.Status,
		"event":  fmt.Sprintf("%T", ev),
	}).Info("session transition")

	if to.Status == model.StatusFailed {
		m.log.WithField("number", number).Warn(smerror.ErrRetryBudgetExhausted.Error())
	}
	if to.Status == model.StatusInvalid {
		m.log.WithField("number", number).Warn(smerror.ErrAuthInvalidated.Error())
	}
}

// persist writes the snapshot to the local workspace and the durable store.
// A store failure degrades to the pending buffer; it never blocks the caller
// beyond the single failing call.
func (m *Manager) persist(number string, snapshot []byte) {
	if len(snapshot) == 0 {
		return
	}

	if err := m.writeWorkspaceCredentials(number, snapshot); err != nil {
		m.log.WithError(err).WithField("number", number).Warn("could not write local credential snapshot")
	}

	if err := m.db.UpsertSession(number, snapshot); err != nil {
		m.log.WithError(err).WithField("number", number).Warn("store unreachable, buffering credential snapshot")
		m.pending.Set(number, snapshot)
		return
	}
	m.pending.Remove(number)
	m.flushSoon()
}

func (m *Manager) persistStatus(number, status, health string) {
	err := m.db.UpdateSessionStatus(number, status, health)
	if err != nil && !m.db.IsNotFound(err) {
		m.log.WithError(err).WithField("number", number).Warn("could not update durable status")
	}
}

// flushSoon retries the pending buffer shortly after the store has been
// observed reachable, coalescing bursts of recovered writes.
func (m *Manager) flushSoon() {
	if m.pending.Len() == 0 {
		return
	}
	m.debounced(func() { m.FlushPending() })
}

// runOpenHooks runs the post-open side effects. Each one is isolated so a
// failing hook cannot block the others.
func (m *Manager) runOpenHooks(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := m.log.WithField("number", h.Number)

	for _, admin := range m.cfg.AdminNumbers {
		text := fmt.Sprintf("Session connected\nNumber: %s\nTime: %s",
			h.Number, time.Now().Format("2006-01-02 15:04:05"))
		if err := h.Conn.SendText(ctx, admin, text); err != nil {
			log.WithError(err).WithField("admin", admin).Warn("could not notify admin")
		}
	}

	if m.cfg.GroupInvite != "" {
		parts := strings.Split(m.cfg.GroupInvite, "/")
		if err := h.Conn.JoinGroup(ctx, parts[len(parts)-1]); err != nil {
			log.WithError(err).Warn("could not auto-join group")
		}
	}

	for _, channel := range m.cfg.Channels {
		if err := h.Conn.Subscribe(ctx, channel); err != nil {
			log.WithError(err).WithField("channel", channel).Warn("could not subscribe to channel")
		}
	}
}

// handleMessage forwards one inbound message to the handling layer. Errors
// and panics are contained at this boundary and reported back to the
// originating conversation; they never crash the session.
func (m *Manager) handleMessage(h *Handle, msg protocol.Message) {
	if m.handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.reportMessageFailure(h, msg, errors.Errorf("panic: %v", r))
		}
	}()

	if err := m.handler(h.Number, h.Conn, msg); err != nil {
		m.reportMessageFailure(h, msg, err)
	}
}

func (m *Manager) reportMessageFailure(h *Handle, msg protocol.Message, err error) {
	m.log.WithError(err).WithFields(logrus.Fields{
		"number": h.Number,
		"from":   msg.From,
	}).Error("message handler failed")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Conn.SendText(ctx, msg.From, "An error occurred while processing this message."); err != nil {
		m.log.WithError(err).WithField("number", h.Number).Debug("could not report handler failure")
	}
}

// scheduleReconnectLocked arms the flat-delay reconnect timer. Callers hold m.mu.
func (m *Manager) scheduleReconnectLocked(number string) {
	if t, ok := m.reconnects[number]; ok {
		t.Stop()
	}
	m.reconnects[number] = time.AfterFunc(m.cfg.ReconnectDelay, func() { m.reconnect(number) })
}

func (m *Manager) cancelReconnectLocked(number string) {
	if t, ok := m.reconnects[number]; ok {
		t.Stop()
		delete(m.reconnects, number)
	}
}

func (m *Manager) scheduleRecordDeleteLocked(number string) {
	if t, ok := m.deletions[number]; ok {
		t.Stop()
	}
	// Grace period: in-flight reads may still see the invalid record briefly.
	m.deletions[number] = time.AfterFunc(m.cfg.ImmediateDeleteDelay, func() {
		m.mu.Lock()
		delete(m.deletions, number)
		m.mu.Unlock()

		if err := m.db.DeleteSession(number); err != nil {
			m.log.WithError(err).WithField("number", number).Warn("could not delete invalidated record")
		}
	})
}

func (m *Manager) cancelRecordDeleteLocked(number string) {
	if t, ok := m.deletions[number]; ok {
		t.Stop()
		delete(m.deletions, number)
	}
}

// reconnect is the timer-fired reconnection attempt.
func (m *Manager) reconnect(number string) {
	select {
	case <-m.stop:
		return
	default:
	}

	m.mu.Lock()
	delete(m.reconnects, number)
	h, ok := m.sessions[number]
	if ok {
		if h.Status == model.StatusActive {
			// The connection recovered on its own in the meantime.
			m.mu.Unlock()
			return
		}
		delete(m.sessions, number)
	}
	m.mu.Unlock()

	if ok {
		_ = h.Conn.Close()
	}

	m.log.WithFields(logrus.Fields{
		"number":  number,
		"attempt": m.attemptCount(number),
	}).Info("reconnecting session")

	if _, err := m.CreateSession(context.Background(), number, nil, true); err != nil {
		m.log.WithError(err).WithField("number", number).Warn("reconnect attempt failed")
	}
}

func (m *Manager) attemptCount(number string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[number]
}

// DeleteSession logs the tenant out, removes the handle, the durable record
// and the local credential workspace, and invalidates any pending timers so
// nothing can resurrect the session.
func (m *Manager) DeleteSession(ctx context.Context, number string) error {
	number = SanitizeNumber(number)
	if number == "" {
		return smerror.NewWithTagCode(http.StatusBadRequest, "invalid-number", "Phone number required.")
	}

	m.mu.Lock()
	h, ok := m.sessions[number]
	delete(m.sessions, number)
	delete(m.attempts, number)
	m.cancelReconnectLocked(number)
	m.cancelRecordDeleteLocked(number)
	m.mu.Unlock()

	m.pending.Remove(number)

	if ok {
		if err := h.Conn.Logout(ctx); err != nil {
			m.log.WithError(err).WithField("number", number).Warn("logout failed, closing anyway")
		}
		_ = h.Conn.Close()
	}

	if err := m.db.DeleteSession(number); err != nil {
		return errors.Wrap(err, "could not delete durable record")
	}
	m.removeWorkspace(number)

	m.log.WithField("number", number).Info("session deleted")
	return nil
}

// RequestPairingCode creates the session when absent and asks the connection
// for a short linking code to relay out of band.
func (m *Manager) RequestPairingCode(ctx context.Context, number string) (string, error) {
	number = SanitizeNumber(number)
	if number == "" {
		return "", smerror.NewWithTagCode(http.StatusBadRequest, "invalid-number", "Phone number required.")
	}

	if _, err := m.CreateSession(ctx, number, nil, false); err != nil {
		return "", err
	}

	m.mu.Lock()
	h, ok := m.sessions[number]
	m.mu.Unlock()
	if !ok {
		return "", smerror.NewWithTagCode(http.StatusNotFound, "unknown-session", "Session is gone.").WithNumber(number)
	}

	code, err := h.Conn.RequestPairingCode(ctx, number)
	if err != nil {
		return "", errors.Wrap(err, "could not request pairing code")
	}

	m.mu.Lock()
	if h, ok := m.sessions[number]; ok && h.Status == model.StatusConnecting {
		h.Status = model.StatusWaiting
	}
	m.mu.Unlock()

	return code, nil
}

// RequestQR creates the session when absent; the QR payload is delivered
// asynchronously through the pairing sink once the connection emits it.
func (m *Manager) RequestQR(ctx context.Context, number string) error {
	_, err := m.CreateSession(ctx, number, nil, false)
	return err
}

// Shutdown flushes active credentials, closes every live connection and stops
// the background tasks. It returns once done or when ctx expires, whichever
// comes first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	for number, t := range m.reconnects {
		t.Stop()
		delete(m.reconnects, number)
	}
	for number, t := range m.deletions {
		t.Stop()
		delete(m.deletions, number)
	}
	// Snapshot the status under the lock: pumps may still drain buffered
	// events and mutate handle fields until their connections are closed.
	type flushee struct {
		handle *Handle
		active bool
	}
	handles := make([]flushee, 0, len(m.sessions))
	for number, h := range m.sessions {
		handles = append(handles, flushee{handle: h, active: h.Status == model.StatusActive})
		delete(m.sessions, number)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range handles {
			if f.active {
				m.persist(f.handle.Number, f.handle.Conn.Credentials())
			}
			_ = f.handle.Conn.Close()
		}
		m.wg.Wait()
	}()

	select {
	case <-done:
		m.log.Info("manager stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown deadline exceeded")
	}
}
