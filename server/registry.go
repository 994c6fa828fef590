package server

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/replication"
	"go.teleportal.dev/core/session"
	"go.teleportal.dev/core/storage"
)

// SessionOptions parametrizes getOrOpenSession, per §4.H.
type SessionOptions struct {
	Encrypted bool
}

// registry holds exactly one in-memory Session per documentId, per §3
// invariant 1. getOrOpen is compute-if-absent: concurrent callers racing
// to open the same documentId converge on a single Session and a single
// Load call.
type registry struct {
	mu          sync.Mutex
	sessions    map[string]*inFlightSession
	factory     storage.EngineFactory
	repl        replication.Replicator
	nodeID      string
	rpcDispatch func(ctx context.Context, s *session.Session, m *protocol.Message, c *session.Client)
	fileHandler func(ctx context.Context, s *session.Session, m *protocol.Message, c *session.Client)
}

// inFlightSession lets concurrent getOrOpen callers for the same
// documentId wait on one shared creation instead of racing independent
// Session.Load calls, mirroring the compute-if-absent discipline used for
// shard resolution in the teacher's consumer registry.
type inFlightSession struct {
	ready   chan struct{}
	session *session.Session
	err     error
}

func newRegistry(factory storage.EngineFactory, repl replication.Replicator, nodeID string) *registry {
	return &registry{
		sessions: make(map[string]*inFlightSession),
		factory:  factory,
		repl:     repl,
		nodeID:   nodeID,
	}
}

// getOrOpen returns the existing Session for documentID, or creates,
// loads, and registers a new one using the storage factory, per §4.H.
func (r *registry) getOrOpen(ctx context.Context, documentID string, opts SessionOptions) (*session.Session, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[documentID]; ok {
		r.mu.Unlock()
		<-existing.ready
		return existing.session, existing.err
	}
	var inFlight = &inFlightSession{ready: make(chan struct{})}
	r.sessions[documentID] = inFlight
	r.mu.Unlock()

	engine, err := r.factory.For(documentID, opts.Encrypted)
	if err != nil {
		inFlight.err = errors.Wrapf(err, "selecting storage engine for %q", documentID)
		close(inFlight.ready)
		r.forget(documentID)
		return nil, inFlight.err
	}

	var s = session.New(session.Config{
		DocumentID:  documentID,
		Encrypted:   opts.Encrypted,
		Storage:     engine,
		Replicator:  r.repl,
		NodeID:      r.nodeID,
		RPCDispatch: r.rpcDispatch,
		FileHandler: r.fileHandler,
	})
	if err := s.Load(ctx); err != nil {
		inFlight.err = errors.Wrapf(err, "loading session %q", documentID)
		close(inFlight.ready)
		r.forget(documentID)
		return nil, inFlight.err
	}

	inFlight.session = s
	close(inFlight.ready)
	return s, nil
}

func (r *registry) forget(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, documentID)
}

// all returns every currently registered Session, for dispose/iteration.
func (r *registry) all() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make([]*session.Session, 0, len(r.sessions))
	for _, inFlight := range r.sessions {
		select {
		case <-inFlight.ready:
			if inFlight.session != nil {
				out = append(out, inFlight.session)
			}
		default:
		}
	}
	return out
}
