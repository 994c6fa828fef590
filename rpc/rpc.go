// Package rpc implements the §4.J RPC plane: a method registry dispatching
// request/stream/response exchanges that share the transport with document
// traffic, reached either via a "rpc" Message or a "doc" Message carrying a
// milestone-* payload (both envelopes use the identical method/
// originalRequestId/body shape, so one registry serves both).
package rpc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/session"
)

// StatusError carries a gRPC status code for a handler-rejected request,
// surfaced to the client as {type:"error", statusCode, details}, per §4.J.
type StatusError struct {
	Code    codes.Code
	Details string
}

func (e *StatusError) Error() string { return e.Details }

// BadRequest constructs a StatusError with codes.InvalidArgument.
func BadRequest(format string, args ...interface{}) error {
	return &StatusError{Code: codes.InvalidArgument, Details: errors.Errorf(format, args...).Error()}
}

// NotFound constructs a StatusError with codes.NotFound.
func NotFound(format string, args ...interface{}) error {
	return &StatusError{Code: codes.NotFound, Details: errors.Errorf(format, args...).Error()}
}

// Request is one decoded request/stream/response envelope, normalized
// across its two possible wire shapes (protocol.RPCPayload and
// protocol.MilestonePayload carry identical fields).
type Request struct {
	Method            string
	OriginalRequestID string
	Body              []byte
}

// Response is a handler's terminal result: {type:"success", payload} on
// success, or {type:"error", statusCode, details} when the handler's
// returned error is a *StatusError (any other error is reported as
// codes.Internal).
type Response struct {
	Payload []byte
}

// Context is passed to every Handler, exposing the document's session and
// storage per §4.J: "handlers receive (request, context) where context
// exposes the document's session and storage."
type Context struct {
	context.Context
	Session *session.Session
	Client  *session.Client // nil when invoked without a local originator.

	envelope envelope
}

// Stream emits a direction=stream reply correlated to the in-flight
// request by originalRequestId, per §4.J. It's a no-op (with a warning)
// if invoked with no local client to stream to.
func (c *Context) Stream(body []byte) error {
	if c.Client == nil {
		log.Warn("rpc: Stream called with no local client")
		return nil
	}
	return c.Client.Send(c.Context, c.envelope.stream(body))
}

// envelope abstracts the two wire shapes (rpc.* and doc.milestone-*) that
// carry identical request/stream/response semantics.
type envelope interface {
	stream(body []byte) *protocol.Message
	response(body []byte, statusErr *StatusError) *protocol.Message
}

type rpcEnvelope struct {
	documentID        string
	encrypted         bool
	method            string
	originalRequestID string
}

func (e rpcEnvelope) stream(body []byte) *protocol.Message {
	return &protocol.Message{
		Kind: protocol.KindRPC, DocumentID: e.documentID, Encrypted: e.encrypted,
		RPC: &protocol.RPCPayload{Method: e.method, Direction: protocol.DirectionStream, OriginalRequestID: e.originalRequestID, Body: body},
	}
}

func (e rpcEnvelope) response(body []byte, statusErr *StatusError) *protocol.Message {
	return &protocol.Message{
		Kind: protocol.KindRPC, DocumentID: e.documentID, Encrypted: e.encrypted,
		RPC: &protocol.RPCPayload{Method: e.method, Direction: protocol.DirectionResponse, OriginalRequestID: e.originalRequestID, Body: responseBody(body, statusErr)},
	}
}

type milestoneEnvelope struct {
	documentID        string
	encrypted         bool
	method            string
	originalRequestID string
}

func (e milestoneEnvelope) stream(body []byte) *protocol.Message {
	return &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: e.documentID, Encrypted: e.encrypted,
		Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneStream, Milestone: &protocol.MilestonePayload{Method: e.method, OriginalRequestID: e.originalRequestID, Body: body}},
	}
}

func (e milestoneEnvelope) response(body []byte, statusErr *StatusError) *protocol.Message {
	return &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: e.documentID, Encrypted: e.encrypted,
		Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneResponse, Milestone: &protocol.MilestonePayload{Method: e.method, OriginalRequestID: e.originalRequestID, Body: responseBody(body, statusErr)}},
	}
}

// wireEnvelope is the {type, payload} / {type, statusCode, details} shape
// serialized into a response's Body, per §4.J.
type wireEnvelope struct {
	Type       string `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	StatusCode uint32 `json:"statusCode,omitempty"`
	Details    string `json:"details,omitempty"`
}

func responseBody(payload []byte, statusErr *StatusError) []byte {
	var w wireEnvelope
	if statusErr != nil {
		w.Type = "error"
		w.StatusCode = uint32(statusErr.Code)
		w.Details = statusErr.Details
	} else {
		w.Type = "success"
		if len(payload) > 0 {
			w.Payload = payload
		}
	}
	encoded, err := json.Marshal(w)
	if err != nil {
		// json.Marshal of wireEnvelope cannot fail: its fields are a string,
		// a json.RawMessage (already-valid JSON or nil), and a uint32.
		panic(err)
	}
	return encoded
}

// Handler implements one RPC method.
type Handler func(rc *Context, req Request) (*Response, error)

// Registry maps methodName to Handler, per §4.J.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds method to the registry. It panics on a duplicate
// registration, since that's always a wiring bug caught at startup.
func (r *Registry) Register(method string, h Handler) {
	if _, exists := r.handlers[method]; exists {
		panic("rpc: duplicate method registration: " + method)
	}
	r.handlers[method] = h
}

// Dispatch matches the session.Config.RPCDispatch / server.RPCDispatch
// signature: it decodes m (either a "rpc" Message or a "doc"
// milestone-* Message), resolves the method, invokes its Handler, and
// sends exactly one terminal response back to the local client.
func (r *Registry) Dispatch(ctx context.Context, s *session.Session, m *protocol.Message, client *session.Client) {
	req, env, ok := decode(m)
	if !ok {
		return
	}

	var rc = &Context{Context: ctx, Session: s, Client: client, envelope: env}
	h, ok := r.handlers[req.Method]
	if !ok {
		r.reply(rc, env, nil, &StatusError{Code: codes.Unimplemented, Details: "unknown method " + req.Method})
		return
	}

	resp, err := h(rc, req)
	if err != nil {
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			statusErr = &StatusError{Code: codes.Internal, Details: err.Error()}
		}
		r.reply(rc, env, nil, statusErr)
		return
	}
	var payload []byte
	if resp != nil {
		payload = resp.Payload
	}
	r.reply(rc, env, payload, nil)
}

func (r *Registry) reply(rc *Context, env envelope, payload []byte, statusErr *StatusError) {
	if rc.Client == nil {
		return // replicated/server-internal invocation; no one to reply to.
	}
	if err := rc.Client.Send(rc.Context, env.response(payload, statusErr)); err != nil {
		log.WithError(err).Warn("rpc: sending response")
	}
}

func decode(m *protocol.Message) (Request, envelope, bool) {
	switch m.Kind {
	case protocol.KindRPC:
		if m.RPC == nil || m.RPC.Direction != protocol.DirectionRequest {
			return Request{}, nil, false
		}
		return Request{Method: m.RPC.Method, OriginalRequestID: m.RPC.OriginalRequestID, Body: m.RPC.Body},
			rpcEnvelope{documentID: m.DocumentID, encrypted: m.Encrypted, method: m.RPC.Method, originalRequestID: m.RPC.OriginalRequestID},
			true
	case protocol.KindDoc:
		if m.Doc == nil || m.Doc.Kind != protocol.DocMilestoneRequest || m.Doc.Milestone == nil {
			return Request{}, nil, false
		}
		return Request{Method: m.Doc.Milestone.Method, OriginalRequestID: m.Doc.Milestone.OriginalRequestID, Body: m.Doc.Milestone.Body},
			milestoneEnvelope{documentID: m.DocumentID, encrypted: m.Encrypted, method: m.Doc.Milestone.Method, originalRequestID: m.Doc.Milestone.OriginalRequestID},
			true
	default:
		return Request{}, nil, false
	}
}
