// Package stream keeps one server-push subscription per room alive.
//
// A Conn owns the subscription loop for one room: it moves through
// Connecting, Open and Errored as the transport comes and goes, decodes each
// pushed payload into a message for its handler, and reconnects according to
// its Policy until it is closed or the policy gives up. Transports hide the
// wire protocol; SSE and WebSocket are provided.
package stream

import (
	"context"

	"chat-sync/internal/models"
)

// Event is one pushed payload.
type Event struct {
	ID   string
	Type string
	Data []byte
}

// Subscription is a live push channel. Next blocks until the next event or
// until the channel fails; it returns an error exactly once the channel is
// unusable.
type Subscription interface {
	Next() (Event, error)
	Close() error
}

// Transport opens subscriptions. Subscribe returns only once the server has
// accepted the subscription; lastEventID is empty on the first attempt.
type Transport interface {
	Subscribe(ctx context.Context, roomID models.ID, lastEventID string) (Subscription, error)
}
