// Package protofake provides a scriptable in-memory connector used by tests.
// Events are pushed by the test and delivered through the regular Conn
// channel, so the manager under test runs its real event path.
package protofake

import (
	"context"
	"sync"

	"github.com/dulitha/sessiond/internal/protocol"
	"github.com/pkg/errors"
)

// A Connector hands out fake connections and records every dial.
type Connector struct {
	mu sync.Mutex

	// DialErr, when set, makes every Dial fail.
	DialErr error

	conns map[string][]*Conn
	dials map[string]int
}

// NewConnector returns an empty fake connector.
func NewConnector() *Connector {
	return &Connector{
		conns: map[string][]*Conn{},
		dials: map[string]int{},
	}
}

// Dial implements protocol.Connector.
func (c *Connector) Dial(_ context.Context, number, workspace string) (protocol.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dials[number]++
	if c.DialErr != nil {
		return nil, c.DialErr
	}

	conn := NewConn(number, workspace)
	c.conns[number] = append(c.conns[number], conn)
	return conn, nil
}

// Dials returns how many times the given number has been dialed.
func (c *Connector) Dials(number string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials[number]
}

// Conn returns the latest connection dialed for the given number, or nil.
func (c *Connector) Conn(number string) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	conns := c.conns[number]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// A SentMessage records one SendText call.
type SentMessage struct {
	To   string
	Text string
}

// A Conn is a scriptable connection.
type Conn struct {
	number    string
	workspace string
	events    chan protocol.Event
	closing   sync.Once

	mu          sync.Mutex
	credentials []byte
	sent        []SentMessage
	joined      []string
	subscribed  []string
	pairingCode string
	loggedOut   bool
	closed      bool
}

// NewConn returns a fake connection for the given number.
func NewConn(number, workspace string) *Conn {
	return &Conn{
		number:      number,
		workspace:   workspace,
		events:      make(chan protocol.Event, 32),
		credentials: []byte(`{"creds":"` + number + `"}`),
		pairingCode: "FAKECODE",
	}
}

// Emit delivers an event to the connection's consumer.
func (c *Conn) Emit(ev protocol.Event) {
	c.events <- ev
}

// EndEvents closes the event channel, terminating the consumer's pump.
func (c *Conn) EndEvents() {
	c.closing.Do(func() { close(c.events) })
}

// Events implements protocol.Conn.
func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

// Credentials implements protocol.Conn.
func (c *Conn) Credentials() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credentials
}

// SetCredentials replaces the snapshot returned by Credentials.
func (c *Conn) SetCredentials(snapshot []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentials = snapshot
}

// SendText implements protocol.Conn.
func (c *Conn) SendText(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, SentMessage{To: to, Text: text})
	return nil
}

// Sent returns all recorded SendText calls.
func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// JoinGroup implements protocol.Conn.
func (c *Conn) JoinGroup(_ context.Context, inviteCode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, inviteCode)
	return nil
}

// Joined returns all recorded JoinGroup calls.
func (c *Conn) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...)
}

// Subscribe implements protocol.Conn.
func (c *Conn) Subscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, channel)
	return nil
}

// Subscribed returns all recorded Subscribe calls.
func (c *Conn) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

// RequestPairingCode implements protocol.Conn.
func (c *Conn) RequestPairingCode(_ context.Context, number string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if number != c.number {
		return "", errors.Errorf("pairing code requested for %s on connection of %s", number, c.number)
	}
	return c.pairingCode, nil
}

// Logout implements protocol.Conn.
func (c *Conn) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()

	c.EndEvents()
	return nil
}

// LoggedOut reports whether Logout has been called.
func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Close implements protocol.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.EndEvents()
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
