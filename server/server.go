// Package server binds transports to clients, routes decoded messages to
// their document session, and enforces the permission gate in front of
// every session, per §4.H.
package server

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/replication"
	"go.teleportal.dev/core/session"
	"go.teleportal.dev/core/storage"
	"go.teleportal.dev/core/transport"
)

// PermissionCheckArgs bundles the arguments the user-supplied checker
// receives, per §4.H: "checkPermission({context, documentId, message,
// type})".
type PermissionCheckArgs struct {
	Context    protocol.Context
	DocumentID string
	Message    *protocol.Message
	Type       string // "read" or "write"
}

// CheckPermission is the server-wide permission checker, typically backed
// by an auth.Claims-derived permission.Evaluator.
type CheckPermission func(ctx context.Context, args PermissionCheckArgs) bool

// RPCDispatch routes rpc.* and doc.milestone-* messages to the RPC plane
// (§4.J). FileHandler routes file.* messages to the upload pipeline
// (§4.I). Both are optional; a nil value means that kind of message is
// accepted but otherwise ignored.
type RPCDispatch func(ctx context.Context, s *session.Session, m *protocol.Message, c *session.Client)
type FileHandler func(ctx context.Context, s *session.Session, m *protocol.Message, c *session.Client)

// Config parametrizes a Server.
type Config struct {
	StorageFactory storage.EngineFactory
	Replicator     replication.Replicator
	NodeID         string // random UUID if empty, per §4.F.
	CheckPerm      CheckPermission
	RPCDispatch    RPCDispatch
	FileHandler    FileHandler
}

// Server is the top-level runtime: session registry, transport→client
// binding, permission gate, and lifecycle, per §4.H.
type Server struct {
	cfg Config
	log *log.Entry

	registry *registry

	mu      sync.Mutex
	clients map[string]*clientBinding
}

type clientBinding struct {
	client   *session.Client
	sessions map[string]*session.Session // documentId -> session this client has touched.
}

// New constructs a Server. NodeID defaults to a random UUID if empty.
func New(cfg Config) *Server {
	if cfg.NodeID == "" {
		cfg.NodeID = replication.NewNodeID()
	}
	var r = newRegistry(cfg.StorageFactory, cfg.Replicator, cfg.NodeID)
	r.rpcDispatch = func(ctx context.Context, s *session.Session, m *protocol.Message, c *session.Client) {
		if cfg.RPCDispatch != nil {
			cfg.RPCDispatch(ctx, s, m, c)
		}
	}
	r.fileHandler = func(ctx context.Context, s *session.Session, m *protocol.Message, c *session.Client) {
		if cfg.FileHandler != nil {
			cfg.FileHandler(ctx, s, m, c)
		}
	}
	return &Server{
		cfg:      cfg,
		log:      log.WithField("nodeId", cfg.NodeID),
		registry: r,
		clients:  make(map[string]*clientBinding),
	}
}

// NodeID returns this server's replication node identity.
func (srv *Server) NodeID() string { return srv.cfg.NodeID }

// CreateClient binds t to a new client, per §4.H: wraps the transport's
// readable side with the permission gate, and pipes each accepted message
// to getOrOpenSession(message.documentId).apply(message, client). It pumps
// the transport synchronously in the calling goroutine until the stream
// ends or ctx is cancelled; callers that want concurrent clients run this
// in their own goroutine.
func (srv *Server) CreateClient(ctx context.Context, t transport.Transport, id string, msgCtx protocol.Context) error {
	if id == "" {
		id = uuid.NewString()
	}

	var client = session.NewClient(id, func(ctx context.Context, m *protocol.Message) error {
		return t.Send(ctx, m)
	})

	var binding = &clientBinding{client: client, sessions: make(map[string]*session.Session)}
	srv.mu.Lock()
	srv.clients[id] = binding
	srv.mu.Unlock()
	defer srv.DisconnectClient(id)

	for {
		m, err := t.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "receiving message")
		}

		if err := srv.route(ctx, m, client, binding, msgCtx, t); err != nil {
			srv.log.WithError(err).WithField("clientId", id).Warn("routing message")
		}
	}
}

// route applies the permission gate and forwards m to its session, per
// §4.D/§4.H.
func (srv *Server) route(ctx context.Context, m *protocol.Message, client *session.Client, binding *clientBinding, msgCtx protocol.Context, t transport.Transport) error {
	var req = classify(m)
	if req.alwaysDeny {
		return nil // server-only payload; never forwarded inbound.
	}
	if m.Kind == protocol.KindAck && m.DocumentID == "" {
		// ack's wire frame omits documentId (§6); without a document to
		// route through there is no session to broadcast on, so a bare ack
		// is treated as a delivery confirmation only.
		return nil
	}
	if !req.bypass && srv.cfg.CheckPerm != nil {
		var allowed = srv.cfg.CheckPerm(ctx, PermissionCheckArgs{
			Context: msgCtx, DocumentID: m.DocumentID, Message: m, Type: req.kind,
		})
		if !allowed {
			return t.Send(ctx, &protocol.Message{
				Kind: protocol.KindDoc, DocumentID: m.DocumentID, Encrypted: m.Encrypted,
				Doc: &protocol.DocPayload{Kind: protocol.DocAuthMessage, AuthDenied: &protocol.AuthDenial{Reason: "Insufficient permission for " + req.kind}},
			})
		}
	}

	s, err := srv.getOrOpenSession(ctx, m.DocumentID, SessionOptions{Encrypted: m.Encrypted})
	if err != nil {
		return errors.Wrapf(err, "opening session %q", m.DocumentID)
	}

	srv.mu.Lock()
	if _, ok := binding.sessions[m.DocumentID]; !ok {
		binding.sessions[m.DocumentID] = s
		s.AddClient(client)
	}
	srv.mu.Unlock()

	return s.Apply(ctx, m, client)
}

// getOrOpenSession returns the existing session or creates, loads, and
// registers a new one using the storage factory, per §4.H. Permission
// checks happen in route before a session is touched, so no checker is
// threaded into session construction.
func (srv *Server) getOrOpenSession(ctx context.Context, documentID string, opts SessionOptions) (*session.Session, error) {
	return srv.registry.getOrOpen(ctx, documentID, opts)
}

// DisconnectClient removes the client from every session it joined.
func (srv *Server) DisconnectClient(clientID string) {
	srv.mu.Lock()
	var binding, ok = srv.clients[clientID]
	delete(srv.clients, clientID)
	srv.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range binding.sessions {
		s.RemoveClient(clientID)
	}
}

// AsyncDispose disposes every session, then the replicator's resources
// are the caller's responsibility (the Replicator interface has no
// lifecycle method of its own; network implementations close their
// underlying connection separately).
func (srv *Server) AsyncDispose() {
	for _, s := range srv.registry.all() {
		s.AsyncDispose()
	}
}
