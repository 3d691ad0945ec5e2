package manager_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dulitha/sessiond/internal/database"
	"github.com/dulitha/sessiond/internal/manager"
	"github.com/dulitha/sessiond/internal/model"
	"github.com/dulitha/sessiond/internal/protocol"
	"github.com/dulitha/sessiond/internal/protocol/protofake"
	"github.com/dulitha/sessiond/internal/smerror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const number = "94741671668"

func TestFreshPairingScenario(t *testing.T) {
	m, connector, db, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	info, err := m.CreateSession(context.Background(), number, nil, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnecting, info.Status)
	assert.Equal(t, model.HealthReconnecting, info.Health)

	conn := connector.Conn(number)
	require.NotNil(t, conn)
	conn.Emit(protocol.Opened{User: number})

	assert.Eventually(t, func() bool {
		info, ok := m.Session(number)
		return ok && info.Status == model.StatusActive && info.Health == model.HealthActive
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		record, err := db.FindSession(number)
		return err == nil && record.Status == model.StatusActive
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, connector.Dials(number))
}

func TestCreateSessionReturnsExistingHandle(t *testing.T) {
	m, connector, _, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	_, err := m.CreateSession(context.Background(), number, nil, false)
	require.NoError(t, err)
	_, err = m.CreateSession(context.Background(), number, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, connector.Dials(number))
	assert.Len(t, m.Sessions(), 1)
}

func TestConcurrentCreateSessionSingleHandle(t *testing.T) {
	m, connector, _, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateSession(context.Background(), number, nil, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, connector.Dials(number))
	assert.Len(t, m.Sessions(), 1)
}

func TestCreateSessionDialFailure(t *testing.T) {
	m, connector, _, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	connector.DialErr = errors.New("no route to host")

	_, err := m.CreateSession(context.Background(), number, nil, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, smerror.ErrConnectionInit))
	assert.Empty(t, m.Sessions(), "a failed dial must not register a handle")
}

func TestReconnectAfterRetryableClose(t *testing.T) {
	m, connector, _, _, cleanup := setup(t, manager.Config{
		ReconnectDelay:    10 * time.Millisecond,
		MaxFailedAttempts: 3,
	})
	defer cleanup()

	openSession(t, m, connector)

	connector.Conn(number).Emit(protocol.ClosedRetryable{Cause: errors.New("stream error")})

	assert.Eventually(t, func() bool {
		return connector.Dials(number) == 2
	}, time.Second, 10*time.Millisecond)

	connector.Conn(number).Emit(protocol.Opened{User: number})
	assert.Eventually(t, func() bool {
		info, ok := m.Session(number)
		return ok && info.Status == model.StatusActive
	}, time.Second, 10*time.Millisecond)
}

func TestRetryExhaustion(t *testing.T) {
	m, connector, db, _, cleanup := setup(t, manager.Config{
		ReconnectDelay:    time.Hour, // the timer must never fire in this test
		MaxFailedAttempts: 2,
	})
	defer cleanup()

	conn := openSession(t, m, connector)

	conn.Emit(protocol.ClosedRetryable{Cause: errors.New("stream error")})
	assert.Eventually(t, func() bool {
		info, ok := m.Session(number)
		return ok && info.Status == model.StatusDisconnected
	}, time.Second, 10*time.Millisecond)

	conn.Emit(protocol.ClosedRetryable{Cause: errors.New("stream error")})
	assert.Eventually(t, func() bool {
		_, ok := m.Session(number)
		return !ok
	}, time.Second, 10*time.Millisecond)

	record, err := db.FindSession(number)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, record.Status)
	assert.Equal(t, model.HealthDisconnected, record.Health)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, connector.Dials(number), "no automatic reconnect after exhaustion")
}

func TestLogoutFinality(t *testing.T) {
	m, connector, db, authPath, cleanup := setup(t, manager.Config{
		ImmediateDeleteDelay: 300 * time.Millisecond,
	})
	defer cleanup()

	conn := openSession(t, m, connector)
	workspace := filepath.Join(authPath, number)
	require.DirExists(t, workspace)

	conn.Emit(protocol.ClosedLoggedOut{})

	assert.Eventually(t, func() bool {
		_, ok := m.Session(number)
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(workspace)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	// The durable record survives the grace period, then goes away.
	record, err := db.FindSession(number)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, record.Status)

	assert.Eventually(t, func() bool {
		_, err := db.FindSession(number)
		return db.IsNotFound(err)
	}, time.Second, 10*time.Millisecond)
}

func TestAdministrativeDelete(t *testing.T) {
	m, connector, db, authPath, cleanup := setup(t, manager.Config{})
	defer cleanup()

	conn := openSession(t, m, connector)

	require.NoError(t, m.DeleteSession(context.Background(), number))

	assert.True(t, conn.LoggedOut())
	_, ok := m.Session(number)
	assert.False(t, ok)
	_, err := db.FindSession(number)
	assert.True(t, db.IsNotFound(err))
	_, err = os.Stat(filepath.Join(authPath, number))
	assert.True(t, os.IsNotExist(err))
}

func TestPendingWriteRecovery(t *testing.T) {
	m, connector, db, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	db.setUnreachable(true)

	conn := openSession(t, m, connector)

	assert.Eventually(t, func() bool {
		return m.PendingCount() == 1
	}, time.Second, 10*time.Millisecond)
	_, err := db.FindSession(number)
	assert.True(t, db.IsNotFound(err))

	db.setUnreachable(false)
	flushed := m.FlushPending()
	assert.Equal(t, []string{number}, flushed)
	assert.Zero(t, m.PendingCount())

	record, err := db.FindSession(number)
	require.NoError(t, err)
	assert.Equal(t, conn.Credentials(), record.Credentials)
	assert.Equal(t, model.StatusActive, record.Status)
}

func TestColdRestartRecovery(t *testing.T) {
	m, connector, db, authPath, cleanup := setup(t, manager.Config{})
	defer cleanup()

	creds := []byte(`{"creds":"from-store"}`)
	require.NoError(t, db.UpsertSession(number, creds))

	count, err := m.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, connector.Dials(number))

	// The workspace was materialized from the durable record.
	snapshot, err := os.ReadFile(filepath.Join(authPath, number, "creds.json"))
	require.NoError(t, err)
	assert.Equal(t, creds, snapshot)

	connector.Conn(number).Emit(protocol.Opened{User: number})
	assert.Eventually(t, func() bool {
		info, ok := m.Session(number)
		return ok && info.Status == model.StatusActive
	}, time.Second, 10*time.Millisecond)
}

func TestRestoreAllSkipsLiveHandles(t *testing.T) {
	m, connector, db, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	openSession(t, m, connector)
	require.NoError(t, db.UpsertSession("111", []byte("a")))

	count, err := m.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the handle-less record is restored")
	assert.Equal(t, 1, connector.Dials(number))
}

func TestEvictionByAge(t *testing.T) {
	m, connector, db, authPath, cleanup := setup(t, manager.Config{
		MaxSessionAge: 30 * time.Millisecond,
	})
	defer cleanup()

	openSession(t, m, connector)
	time.Sleep(50 * time.Millisecond)

	cleaned := m.CleanupStale()
	assert.Equal(t, 1, cleaned)

	_, ok := m.Session(number)
	assert.False(t, ok)
	_, err := db.FindSession(number)
	assert.True(t, db.IsNotFound(err), "expired records are purged regardless of status")
	_, err = os.Stat(filepath.Join(authPath, number))
	assert.True(t, os.IsNotExist(err))
}

func TestEvictionOfDisconnectedHandle(t *testing.T) {
	m, connector, db, _, cleanup := setup(t, manager.Config{
		ReconnectDelay:          time.Hour,
		MaxFailedAttempts:       3,
		DisconnectedCleanupTime: 20 * time.Millisecond,
	})
	defer cleanup()

	conn := openSession(t, m, connector)
	conn.Emit(protocol.ClosedRetryable{Cause: errors.New("stream error")})
	assert.Eventually(t, func() bool {
		info, ok := m.Session(number)
		return ok && info.Status == model.StatusDisconnected
	}, time.Second, 10*time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	m.CleanupStale()

	_, ok := m.Session(number)
	assert.False(t, ok)

	// The durable record stays, eligible for a later restore sweep.
	record, err := db.FindSession(number)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, record.Status)
}

func TestMessageHandlerIsolation(t *testing.T) {
	m, connector, _, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	var mu sync.Mutex
	var seen []string
	m.OnMessage(func(_ string, _ protocol.Conn, msg protocol.Message) error {
		mu.Lock()
		seen = append(seen, string(msg.Body))
		mu.Unlock()

		switch string(msg.Body) {
		case "boom":
			panic("handler gone wrong")
		case "bad":
			return errors.New("unsupported command")
		}
		return nil
	})

	conn := openSession(t, m, connector)
	conn.Emit(protocol.Message{From: "123@chat", Body: []byte("boom")})
	conn.Emit(protocol.Message{From: "123@chat", Body: []byte("bad")})
	conn.Emit(protocol.Message{From: "123@chat", Body: []byte("ok")})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 10*time.Millisecond, "a faulty message must not stop the session")

	info, ok := m.Session(number)
	require.True(t, ok)
	assert.Equal(t, model.StatusActive, info.Status)

	// Both failures were reported back to the originating conversation.
	reports := 0
	for _, sent := range conn.Sent() {
		if sent.To == "123@chat" {
			reports++
		}
	}
	assert.Equal(t, 2, reports)
}

func TestPairingFlow(t *testing.T) {
	m, connector, _, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	var mu sync.Mutex
	var payloads []protocol.PairingData
	m.OnPairing(func(_ string, data protocol.PairingData) {
		mu.Lock()
		payloads = append(payloads, data)
		mu.Unlock()
	})

	code, err := m.RequestPairingCode(context.Background(), number)
	require.NoError(t, err)
	assert.Equal(t, "FAKECODE", code)

	info, ok := m.Session(number)
	require.True(t, ok)
	assert.Equal(t, model.StatusWaiting, info.Status)

	connector.Conn(number).Emit(protocol.PairingData{QR: "qr-payload"})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1 && payloads[0].QR == "qr-payload"
	}, time.Second, 10*time.Millisecond)
}

func TestCredentialRotationPersists(t *testing.T) {
	m, connector, db, authPath, cleanup := setup(t, manager.Config{})
	defer cleanup()

	conn := openSession(t, m, connector)

	rotated := []byte(`{"creds":"rotated"}`)
	conn.Emit(protocol.CredentialUpdate{Snapshot: rotated})

	assert.Eventually(t, func() bool {
		record, err := db.FindSession(number)
		return err == nil && string(record.Credentials) == string(rotated)
	}, time.Second, 10*time.Millisecond)

	snapshot, err := os.ReadFile(filepath.Join(authPath, number, "creds.json"))
	require.NoError(t, err)
	assert.Equal(t, rotated, snapshot)
}

func TestDeleteCancelsPendingReconnect(t *testing.T) {
	m, connector, db, _, cleanup := setup(t, manager.Config{
		ReconnectDelay:    200 * time.Millisecond,
		MaxFailedAttempts: 3,
	})
	defer cleanup()

	conn := openSession(t, m, connector)
	conn.Emit(protocol.ClosedRetryable{Cause: errors.New("stream error")})
	require.Eventually(t, func() bool {
		info, ok := m.Session(number)
		return ok && info.Status == model.StatusDisconnected
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.DeleteSession(context.Background(), number))

	// Outlive the armed reconnect timer: the delete must have disarmed it.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, connector.Dials(number))
	_, ok := m.Session(number)
	assert.False(t, ok)
	_, err := db.FindSession(number)
	assert.True(t, db.IsNotFound(err))
}

func TestShutdownWhileEventsDraining(t *testing.T) {
	m, connector, _, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	conn := openSession(t, m, connector)
	for i := 0; i < 30; i++ {
		conn.Emit(protocol.Opened{User: number})
		conn.Emit(protocol.CredentialUpdate{Snapshot: []byte(`{"creds":"churn"}`)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.True(t, conn.Closed())
}

func TestCreateSessionAfterShutdown(t *testing.T) {
	m, connector, _, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	_, err := m.CreateSession(context.Background(), number, nil, false)
	require.Error(t, err)
	assert.Empty(t, m.Sessions())

	// The rejected dial's connection must not leak.
	if conn := connector.Conn(number); conn != nil {
		assert.True(t, conn.Closed())
	}
}

func TestShutdownFlushesAndCloses(t *testing.T) {
	m, connector, db, _, cleanup := setup(t, manager.Config{})
	defer cleanup()

	conn := openSession(t, m, connector)
	rotated := []byte(`{"creds":"latest"}`)
	conn.SetCredentials(rotated)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.True(t, conn.Closed())
	record, err := db.FindSession(number)
	require.NoError(t, err)
	assert.Equal(t, rotated, record.Credentials)
}

// openSession creates the default tenant's session and drives it to active.
func openSession(t *testing.T, m *manager.Manager, connector *protofake.Connector) *protofake.Conn {
	t.Helper()

	_, err := m.CreateSession(context.Background(), number, nil, false)
	require.NoError(t, err)

	conn := connector.Conn(number)
	require.NotNil(t, conn)
	conn.Emit(protocol.Opened{User: number})

	require.Eventually(t, func() bool {
		info, ok := m.Session(number)
		return ok && info.Status == model.StatusActive
	}, time.Second, 10*time.Millisecond)

	return conn
}

// flakyClient simulates a durable store that can drop off the network.
type flakyClient struct {
	database.Client

	mu          sync.Mutex
	unreachable bool
}

func (f *flakyClient) setUnreachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = v
}

func (f *flakyClient) down() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unreachable
}

func (f *flakyClient) UpsertSession(number string, credentials []byte) error {
	if f.down() {
		return errors.New("store unreachable")
	}
	return f.Client.UpsertSession(number, credentials)
}

func (f *flakyClient) UpdateSessionStatus(number, status, health string) error {
	if f.down() {
		return errors.New("store unreachable")
	}
	return f.Client.UpdateSessionStatus(number, status, health)
}

func (f *flakyClient) Ping() error {
	if f.down() {
		return errors.New("store unreachable")
	}
	return f.Client.Ping()
}

func setup(t *testing.T, cfg manager.Config) (*manager.Manager, *protofake.Connector, *flakyClient, string, func()) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "sessiond.*.db")
	if err != nil {
		panic(err)
	}
	filename := tmpfile.Name()
	tmpfile.Close()

	client, err := database.StormOpen(filename)
	if err != nil {
		panic(err)
	}
	db := &flakyClient{Client: client}

	if cfg.AuthPath == "" {
		cfg.AuthPath = filepath.Join(t.TempDir(), "auth")
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Hour
	}
	if cfg.ImmediateDeleteDelay == 0 {
		cfg.ImmediateDeleteDelay = time.Hour
	}
	if cfg.RestorePacing == 0 {
		cfg.RestorePacing = time.Millisecond
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	connector := protofake.NewConnector()
	m := manager.New(db, connector, cfg, log)

	return m, connector, db, cfg.AuthPath, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		db.Close()
		os.RemoveAll(filename)
	}
}
