// Package protocol defines the contract between herald and the external
// store-and-forward messaging network. The wire format, encryption and
// group-membership semantics all live behind this boundary; herald only
// consumes connections, lifecycle events and send/delete operations.
package protocol

import "context"

// Destination is an addressable recipient (group or contact) known to a
// connected session.
type Destination struct {
	ID   string
	Name string
}

// MessageHandle identifies a delivered message well enough to retract it
// later. Opaque to herald; minted by the network library.
type MessageHandle string

type EventKind string

const (
	// EventLinkPending carries the handshake token for the out-of-band
	// device-confirmation step. Emitted before the first successful connect
	// of an uncredentialed session.
	EventLinkPending EventKind = "link_pending"

	// EventConnected means the transport is up and authenticated.
	EventConnected EventKind = "connected"

	// EventDisconnected carries the reason the transport went down.
	EventDisconnected EventKind = "disconnected"

	// EventMessage is an inbound message addressed to this session.
	EventMessage EventKind = "message"

	// EventCredsUpdated means the library rotated credential material that
	// must be persisted before the process exits.
	EventCredsUpdated EventKind = "creds_updated"
)

// DisconnectReason is the closed set of reason codes a connection can end
// with. Only the transient ones warrant an automatic reconnect.
type DisconnectReason string

const (
	ReasonStreamSuperseded DisconnectReason = "stream_superseded"
	ReasonTimeout          DisconnectReason = "timeout"
	ReasonLoggedOut        DisconnectReason = "logged_out"
	ReasonBadCredentials   DisconnectReason = "bad_credentials"
	ReasonUnknown          DisconnectReason = "unknown"
)

// Transient reports whether a disconnect with this reason should be retried.
func (r DisconnectReason) Transient() bool {
	switch r {
	case ReasonStreamSuperseded, ReasonTimeout:
		return true
	}
	return false
}

type InboundMessage struct {
	From     string // sender destination id
	Text     string
	IsGroup  bool
	FromSelf bool
}

// Event is one lifecycle notification from a Conn. Exactly the fields for
// its Kind are set.
type Event struct {
	Kind      EventKind
	LinkToken string           // EventLinkPending
	Reason    DisconnectReason // EventDisconnected
	Message   *InboundMessage  // EventMessage
	Creds     []byte           // EventCredsUpdated: serialized credential bundle
}

type PollSpec struct {
	Question      string
	Options       []string
	AllowMultiple bool
}

type MediaKind string

const (
	MediaSticker MediaKind = "sticker"
	MediaAudio   MediaKind = "audio"
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaSticker, MediaAudio, MediaImage, MediaVideo:
		return true
	}
	return false
}

type MediaSpec struct {
	Kind    MediaKind
	Locator string // URL or path understood by the network library
}

// Conn is one live transport to the messaging network.
//
// Events() yields lifecycle notifications until Close(); the channel is
// closed when the transport is torn down. All methods that touch the network
// take a context and may block on I/O.
type Conn interface {
	Events() <-chan Event

	SendText(ctx context.Context, destinationID, text string) (MessageHandle, error)
	SendPoll(ctx context.Context, destinationID string, poll PollSpec) error
	SendMedia(ctx context.Context, destinationID string, media MediaSpec) error

	// Retract deletes an already-delivered message for all recipients.
	Retract(ctx context.Context, destinationID string, handle MessageHandle) error

	// FetchDestinations lists every destination this session can address.
	FetchDestinations(ctx context.Context) ([]Destination, error)

	Close() error
}

// Dialer opens connections. sessionID selects the credential bundle; the
// library reads persisted credentials through the store the Session owns and
// reports rotations via EventCredsUpdated.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, creds []byte, keys KeyReader) (Conn, error)
}

// KeyReader is the slice of the credential store the network library needs
// while running a connection (signal-style key lookups).
type KeyReader interface {
	GetKeys(ctx context.Context, sessionID, category string, ids []string) (map[string][]byte, error)
}
