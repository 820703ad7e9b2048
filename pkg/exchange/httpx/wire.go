// Package httpx implements the HTTP exchange transport: a stateless REST
// client/server pair over a mailbox.Backend, per the wire protocol in
// SPEC_FULL.md §6. The server wraps an in-process or Redis backend; the
// client implements exchange.Transport so it slots into the same Factory
// contract as the local and Redis transports.
package httpx

import "encoding/json"

// mailboxCreateRequest is the body of POST /mailbox.
type mailboxCreateRequest struct {
	Mailbox  string `json:"mailbox"`
	Behavior string `json:"behavior,omitempty"`
}

// mailboxIDRequest is the body of DELETE /mailbox and GET /mailbox.
type mailboxIDRequest struct {
	Mailbox string `json:"mailbox"`
}

// mailboxStatusResponse is the 200 body of GET /mailbox.
type mailboxStatusResponse struct {
	Status string `json:"status"`
}

// messagePutRequest is the body of PUT /message.
type messagePutRequest struct {
	Message json.RawMessage `json:"message"`
}

// messageGetRequest is the body of GET /message.
type messageGetRequest struct {
	Mailbox      string `json:"mailbox"`
	TimeoutMilli int64  `json:"timeout_ms,omitempty"`
}

// messageGetResponse is the 200 body of GET /message.
type messageGetResponse struct {
	Message json.RawMessage `json:"message"`
}

// discoverRequest is the body of GET /discover.
type discoverRequest struct {
	Behavior        string `json:"behavior"`
	AllowSubclasses bool   `json:"allow_subclasses"`
}

// discoverResponse is the 200 body of GET /discover: a comma-joined list of
// base64-encoded serialized AgentIds, in the wire protocol's "id1,id2,…" form.
type discoverResponse struct {
	AgentIDs string `json:"agent_ids"`
}

// errorResponse is the body accompanying any non-200 response, carrying
// enough detail for the client to reconstruct a *exchangeerr.Error.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
