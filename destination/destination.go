// Package destination parses STOMP destination strings into routing
// descriptors understood by a substrate.
//
// Three address forms are recognised:
//
//	/exchange/<name>[/<routing-key>]
//	/queue/<name>
//	/topic/<name>
//
// Resolution is purely syntactic. Whether the named exchange or queue exists
// is decided by the substrate at submission time.
package destination

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects the routing target family
type Kind int

const (
	Exchange Kind = iota + 1
	Queue
	Topic
)

func (k Kind) String() string {
	switch k {
	case Exchange:
		return "exchange"
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	default:
		return "unknown"
	}
}

const separator = "/"

// ErrMalformed is wrapped by every resolution failure
var ErrMalformed = errors.New("destination: malformed destination")

// Error describes why a destination string could not be resolved
type Error struct {
	Destination string
	Reason      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("destination: malformed destination %q: %s", e.Destination, e.Reason)
}

func (e *Error) Unwrap() error {
	return ErrMalformed
}

// Descriptor is the parsed form of a destination. It is a value type and is
// never mutated after Resolve returns it.
type Descriptor struct {
	Kind          Kind
	Name          string
	RoutingKey    string
	HasRoutingKey bool
}

// String renders the canonical destination for the descriptor.
func (d Descriptor) String() string {
	s := separator + d.Kind.String() + separator + d.Name
	if d.Kind == Exchange && d.HasRoutingKey {
		s += separator + d.RoutingKey
	}
	return s
}

// Resolve parses a destination string.
func Resolve(dest string) (Descriptor, error) {
	trimmed := strings.TrimPrefix(dest, separator)
	if trimmed == "" {
		return Descriptor{}, &Error{Destination: dest, Reason: "empty destination"}
	}

	segments := strings.Split(trimmed, separator)
	kind, err := parseKind(segments[0])
	if err != nil {
		return Descriptor{}, &Error{Destination: dest, Reason: err.Error()}
	}

	if len(segments) < 2 || segments[1] == "" {
		return Descriptor{}, &Error{Destination: dest, Reason: "missing " + kind.String() + " name"}
	}

	d := Descriptor{Kind: kind, Name: segments[1]}
	switch kind {
	case Exchange:
		if len(segments) > 3 {
			return Descriptor{}, &Error{Destination: dest, Reason: "too many segments after routing key"}
		}
		if len(segments) == 3 {
			d.RoutingKey = segments[2]
			d.HasRoutingKey = true
		}
	default:
		if len(segments) > 2 {
			return Descriptor{}, &Error{Destination: dest, Reason: "unexpected segments after " + kind.String() + " name"}
		}
	}

	return d, nil
}

func parseKind(segment string) (Kind, error) {
	switch segment {
	case "exchange":
		return Exchange, nil
	case "queue":
		return Queue, nil
	case "topic":
		return Topic, nil
	default:
		return 0, fmt.Errorf("unknown destination type %q", segment)
	}
}

// IsMalformed reports whether err is a resolution failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}
