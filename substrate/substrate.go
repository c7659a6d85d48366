// Package substrate defines the contract between the STOMP gateway and the
// message-routing system behind it.
//
// A Substrate hands out one Session per gateway connection. Publishes made
// through a Session are numbered with a per-session sequence starting at 1,
// and the Session later reports their fate on Confirmations, possibly
// covering many sequences in a single event.
package substrate

import (
	"context"

	"github.com/glimte/mmate-stomp/destination"
)

// Substrate opens publishing sessions
type Substrate interface {
	Open(ctx context.Context) (Session, error)
	Close() error
}

// Session is a confirming publish/consume channel owned by a single gateway
// connection. Methods other than the channel accessors are not safe for
// concurrent use.
type Session interface {
	// Submit routes msg to target and returns the sequence number the
	// substrate will use to confirm it.
	Submit(ctx context.Context, target destination.Descriptor, msg Message) (uint64, error)

	Subscribe(ctx context.Context, target destination.Descriptor, sub Subscription) error
	Unsubscribe(ctx context.Context, id string) error

	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error

	Confirmations() <-chan Confirmation
	Deliveries() <-chan Delivery

	// Failures reports asynchronous rejections that end the session, such
	// as a publish to an exchange that does not exist.
	Failures() <-chan error

	Close() error
}

// Message is the payload of a publish
type Message struct {
	Body        []byte
	ContentType string
	MessageID   string
	Persistent  bool
	Headers     map[string]string
}

// Confirmation settles every publish with a sequence in [Start, End]
type Confirmation struct {
	Start uint64
	End   uint64
	Ack   bool
}

// Single reports whether the confirmation covers exactly one publish.
func (c Confirmation) Single() bool {
	return c.Start == c.End
}

// Subscription describes a consumer attached through Subscribe
type Subscription struct {
	ID      string
	AutoAck bool
}

// Delivery is a message handed to a subscription
type Delivery struct {
	Subscription string
	Tag          uint64
	Exchange     string
	RoutingKey   string
	Redelivered  bool
	Message      Message
}
