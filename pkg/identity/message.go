package identity

import (
	"time"

	"github.com/google/uuid"
)

// Message is the immutable envelope exchanged between mailboxes. A
// response's Tag equals the originating request's Tag; Src/Dest are
// swapped; Label is preserved so a client juggling many handles can
// demultiplex the reply to the right one.
type Message struct {
	Tag       string
	Src       EntityId
	Dest      EntityId
	Label     string
	Body      Body
	CreatedAt time.Time
}

// NewTag returns a fresh 128-bit random tag. Collision probability is
// negligible within the lifetime of a single exchange.
func NewTag() string {
	return uuid.NewString()
}

// MakeRequest builds a new request message addressed from src to dest,
// carrying label (the sender handle's identifier) and the given request
// body.
func MakeRequest(src, dest EntityId, label string, body Body) Message {
	return Message{
		Tag:       NewTag(),
		Src:       src,
		Dest:      dest,
		Label:     label,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// MakeResponse builds the response to request, swapping Src/Dest and
// preserving Tag and Label as required by the correlation invariant.
func MakeResponse(request Message, body Body) Message {
	return Message{
		Tag:       request.Tag,
		Src:       request.Dest,
		Dest:      request.Src,
		Label:     request.Label,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// IsRequest reports whether m carries a Request-variant body.
func (m Message) IsRequest() bool {
	return IsRequest(m.Body.Variant())
}
