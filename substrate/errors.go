package substrate

import (
	"errors"
	"fmt"
)

// Reply codes shared with AMQP 0-9-1 so RabbitMQ rejections map one to one.
const (
	AccessRefused      = 403
	NotFound           = 404
	ResourceLocked     = 405
	PreconditionFailed = 406
	InternalError      = 541
)

var (
	ErrSessionClosed = errors.New("substrate: session is closed")
	ErrUnknownTag    = errors.New("substrate: unknown delivery tag")
)

// Error is a rejection raised by the substrate
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("substrate: %d %s", e.Code, e.Reason)
}

// Short returns the condensed reason used in STOMP ERROR frame headers.
func (e *Error) Short() string {
	switch e.Code {
	case AccessRefused:
		return "access_refused"
	case NotFound:
		return "not_found"
	case ResourceLocked:
		return "resource_locked"
	case PreconditionFailed:
		return "precondition_failed"
	default:
		return "internal_error"
	}
}

// NotFoundError builds the rejection for a missing exchange or queue.
func NotFoundError(kind, name, vhost string) *Error {
	return &Error{
		Code:   NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '%s'", kind, name, vhost),
	}
}

// IsNotFound reports whether err is a not-found rejection.
func IsNotFound(err error) bool {
	var serr *Error
	return errors.As(err, &serr) && serr.Code == NotFound
}
