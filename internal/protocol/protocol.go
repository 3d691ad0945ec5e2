// Package protocol defines the boundary between the session manager and the
// underlying messaging-protocol client. The manager never interprets message
// content or credential material; it only reacts to the lifecycle events a
// connection emits and persists the opaque snapshots it hands over.
package protocol

import (
	"context"
)

type (
	// An Event is one lifecycle or traffic notification emitted by a Conn.
	Event interface {
		event()
	}

	// Opened signals that the connection is authenticated and usable.
	Opened struct {
		// User is the connection-layer identity, when known.
		User string
	}

	// ClosedRetryable signals a connection loss that may be recovered by
	// dialing again with the same credentials.
	ClosedRetryable struct {
		Cause error
	}

	// ClosedLoggedOut signals that the remote end revoked the credentials.
	// Reconnecting with the same snapshot can never succeed.
	ClosedLoggedOut struct{}

	// CredentialUpdate carries a fresh credential snapshot after the
	// protocol rotated key material. Emitted any number of times while open.
	CredentialUpdate struct {
		Snapshot []byte
	}

	// PairingData carries an out-of-band linking payload (QR data or a short
	// code) to be relayed to the tenant's real-world device.
	PairingData struct {
		QR   string
		Code string
	}

	// Message is one inbound message. The manager forwards it untouched to
	// the handling layer together with the live Conn.
	Message struct {
		From string
		Body []byte
	}
)

func (Opened) event()           {}
func (ClosedRetryable) event()  {}
func (ClosedLoggedOut) event()  {}
func (CredentialUpdate) event() {}
func (PairingData) event()      {}
func (Message) event()          {}

type (
	// A Conn is one live authenticated connection owned by the session table.
	Conn interface {
		// Events returns the channel on which the connection delivers its
		// events, in emission order. It is closed when the connection is
		// definitely down.
		Events() <-chan Event
		// Credentials returns the current serializable credential snapshot.
		Credentials() []byte
		// SendText sends a plain text message through the connection.
		SendText(ctx context.Context, to, text string) error
		// JoinGroup accepts a group invitation code.
		JoinGroup(ctx context.Context, inviteCode string) error
		// Subscribe follows a broadcast channel.
		Subscribe(ctx context.Context, channel string) error
		// RequestPairingCode asks the remote end for a short alphanumeric
		// code binding the given number to this connection's credentials.
		RequestPairingCode(ctx context.Context, number string) (string, error)
		// Logout revokes the credentials on the remote end.
		Logout(ctx context.Context) error
		// Close tears the connection down without revoking anything.
		Close() error
	}

	// A Connector produces live connections for tenants. The workspace is a
	// directory holding the tenant's current credential snapshot; the
	// connector reads it to resume and rewrites it as material rotates.
	Connector interface {
		Dial(ctx context.Context, number, workspace string) (Conn, error)
	}
)
