// Package devconn provides a loopback connector for local development and
// smoke testing of the control plane. It never talks to a real network: a
// dialed connection pairs instantly when its workspace already holds
// credentials, and otherwise emits a pairing payload and waits.
//
// The real protocol client plugs in the same way: implement
// protocol.Connector and register it from an init function.
package devconn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dulitha/sessiond/internal/protocol"
	"github.com/pkg/errors"
)

const credentialsFile = "creds.json"

func init() {
	protocol.RegisterConnector("dev", &Connector{})
}

// A Connector dials loopback connections.
type Connector struct{}

// Dial implements protocol.Connector.
func (*Connector) Dial(_ context.Context, number, workspace string) (protocol.Conn, error) {
	if number == "" {
		return nil, errors.New("devconn: empty number")
	}

	conn := &conn{
		number:    number,
		workspace: workspace,
		events:    make(chan protocol.Event, 8),
	}

	snapshot, err := os.ReadFile(filepath.Join(workspace, credentialsFile))
	switch {
	case err == nil:
		conn.credentials = snapshot
		conn.events <- protocol.Opened{User: number}
	case os.IsNotExist(err):
		// Fresh tenant: hand out a pairing payload, then open once "paired".
		conn.credentials = newCredentials(number)
		conn.events <- protocol.PairingData{QR: "dev://" + number, Code: PairingCode(8)}
		conn.events <- protocol.CredentialUpdate{Snapshot: conn.credentials}
		conn.events <- protocol.Opened{User: number}
	default:
		return nil, errors.Wrap(err, "devconn: could not read workspace")
	}

	return conn, nil
}

func newCredentials(number string) []byte {
	payload, err := json.Marshal(map[string]any{
		"me":        number,
		"noise_key": PairingCode(24),
		"paired_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		panic(err)
	}
	return payload
}

type conn struct {
	number    string
	workspace string
	events    chan protocol.Event
	closing   sync.Once

	mu          sync.Mutex
	credentials []byte
}

func (c *conn) Events() <-chan protocol.Event {
	return c.events
}

func (c *conn) Credentials() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credentials
}

func (c *conn) SendText(context.Context, string, string) error {
	return nil
}

func (c *conn) JoinGroup(context.Context, string) error {
	return nil
}

func (c *conn) Subscribe(context.Context, string) error {
	return nil
}

func (c *conn) RequestPairingCode(_ context.Context, number string) (string, error) {
	if number != c.number {
		return "", errors.Errorf("devconn: pairing code requested for %s on connection of %s", number, c.number)
	}
	return PairingCode(8), nil
}

func (c *conn) Logout(context.Context) error {
	c.closing.Do(func() { close(c.events) })
	return nil
}

func (c *conn) Close() error {
	c.closing.Do(func() { close(c.events) })
	return nil
}
