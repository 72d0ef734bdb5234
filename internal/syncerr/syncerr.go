// Package syncerr classifies failures of the sync core so callers can decide
// what to show the user without string matching.
package syncerr

import (
	"errors"
	"fmt"

	"chat-sync/internal/models"
)

type Kind int

const (
	// KindFetch covers initial history loads and list refreshes.
	KindFetch Kind = iota + 1
	KindSend
	// KindStream is only surfaced once reconnection has been given up.
	KindStream
	KindMembership
)

func (k Kind) String() string {
	switch k {
	case KindFetch:
		return "fetch failure"
	case KindSend:
		return "send failure"
	case KindStream:
		return "stream failure"
	case KindMembership:
		return "membership failure"
	default:
		return "unknown failure"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Room models.ID
	Err  error
}

func (e *Error) Error() string {
	if e.Room != "" {
		return fmt.Sprintf("%s: %s room %s: %v", e.Kind, e.Op, e.Room, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, room models.ID, err error) error {
	return &Error{Kind: kind, Op: op, Room: room, Err: err}
}

func Fetch(op string, room models.ID, err error) error {
	return New(KindFetch, op, room, err)
}

func Send(room models.ID, err error) error {
	return New(KindSend, "send", room, err)
}

func Stream(room models.ID, err error) error {
	return New(KindStream, "subscribe", room, err)
}

func Membership(op string, room models.ID, err error) error {
	return New(KindMembership, op, room, err)
}

// IsKind reports whether any error in err's chain is a sync error of kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
