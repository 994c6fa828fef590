// Package session implements the per-document actor that serializes
// message application, per §4.G. Each Session owns exactly one document's
// storage, local client roster, and replicator subscription; messages are
// applied one at a time in arrival order, while the two side effects of an
// apply (storage write and local broadcast) run concurrently.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/replication"
	"go.teleportal.dev/core/storage"
)

// ErrEncryptionMismatch is returned when a message's encrypted flag
// disagrees with the session's, per §3 invariant 4: a fatal protocol error
// for that message.
var ErrEncryptionMismatch = errors.New("session: message encrypted flag does not match session")

// Client is a local subscriber of a Session: a writable half of its
// transport and identity, per §3's Client type.
type Client struct {
	ID   string
	Send func(ctx context.Context, m *protocol.Message) error

	logger *log.Entry
}

// NewClient constructs a Client wrapping a transport-specific send
// function.
func NewClient(id string, send func(ctx context.Context, m *protocol.Message) error) *Client {
	return &Client{ID: id, Send: send, logger: log.WithField("clientId", id)}
}

// dedupeEntry is one (documentId, messageId) TTL dedupe record, per §4.F.
type dedupeEntry struct {
	expiresAt time.Time
}

// Config parametrizes a Session's dependencies and tunables.
type Config struct {
	DocumentID  string
	Encrypted   bool
	Storage     storage.Engine
	Replicator  replication.Replicator
	NodeID      string
	DedupeTTL   time.Duration // default 30s, per §4.F.
	RPCDispatch func(ctx context.Context, s *Session, m *protocol.Message, client *Client) // routes rpc.* per §4.J
	FileHandler func(ctx context.Context, s *Session, m *protocol.Message, client *Client) // routes file.* per §4.I
}

// Session is the per-document engine described by §4.G. Exactly one exists
// per (node, documentId); re-opening must return the existing instance
// (enforced by the registry in package server, not here).
type Session struct {
	cfg Config
	log *log.Entry

	applyMu sync.Mutex // serializes Apply, per §3 invariant 2 / §4.G ordering.

	rosterMu    sync.Mutex // guards clients/loaded/unsubscribe, held only briefly.
	clients     map[string]*Client
	loaded      bool
	unsubscribe replication.Unsubscribe

	dedupeMu sync.Mutex
	dedupe   map[string]dedupeEntry
}

// New constructs a Session. The Session is inert until Load is called.
func New(cfg Config) *Session {
	if cfg.DedupeTTL == 0 {
		cfg.DedupeTTL = 30 * time.Second
	}
	return &Session{
		cfg:     cfg,
		log:     log.WithField("documentId", cfg.DocumentID),
		clients: make(map[string]*Client),
		dedupe:  make(map[string]dedupeEntry),
	}
}

// DocumentID returns the document this Session serves.
func (s *Session) DocumentID() string { return s.cfg.DocumentID }

// Encrypted reports whether this Session's document uses the encrypted
// storage discipline (§3), for callers that construct their own
// protocol.Message frames (e.g. milestoneRestore's synthetic broadcast).
func (s *Session) Encrypted() bool { return s.cfg.Encrypted }

// Storage returns the storage engine backing this session, for RPC and
// file-upload handlers that need direct access per §4.J's "context
// exposes the document's session and storage."
func (s *Session) Storage() storage.Engine { return s.cfg.Storage }

// Load subscribes to the session's replicator channel. Idempotent: a
// second call is a no-op, per §4.G. A subscribe failure is returned
// directly so the caller (server.getOrOpenSession) can fail session
// creation, per §4.F's "subscribe failures at session load fail the
// session load."
func (s *Session) Load(ctx context.Context) error {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	if s.loaded {
		return nil
	}

	var channel = replication.ChannelFor(s.cfg.DocumentID)
	unsub, err := s.cfg.Replicator.Subscribe(ctx, channel, s.onReplicated)
	if err != nil {
		return errors.Wrapf(err, "subscribing session %q to replicator", s.cfg.DocumentID)
	}
	s.unsubscribe = unsub
	s.loaded = true
	return nil
}

// AddClient registers client on this session.
func (s *Session) AddClient(client *Client) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	s.clients[client.ID] = client
}

// RemoveClient removes a client by id.
func (s *Session) RemoveClient(clientID string) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	delete(s.clients, clientID)
}

// ClientCount reports the number of locally attached clients.
func (s *Session) ClientCount() int {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	return len(s.clients)
}

// Broadcast sends m to every local client except excludeClientID (pass ""
// to exclude none). A client whose Send fails is removed from the roster,
// per §4.G's failure semantics; other recipients are unaffected.
func (s *Session) Broadcast(ctx context.Context, m *protocol.Message, excludeClientID string) {
	s.rosterMu.Lock()
	var targets = make([]*Client, 0, len(s.clients))
	for id, c := range s.clients {
		if id == excludeClientID {
			continue
		}
		targets = append(targets, c)
	}
	s.rosterMu.Unlock()

	for _, c := range targets {
		if err := c.Send(ctx, m); err != nil {
			c.logger.WithError(err).Warn("removing client after failed broadcast send")
			s.RemoveClient(c.ID)
		}
	}
}

// AsyncDispose unsubscribes from the replicator. In-flight applies are
// allowed to complete; the subscription is torn down first so no new
// replicated messages arrive, per §4.G's scheduling model.
func (s *Session) AsyncDispose() {
	s.rosterMu.Lock()
	var unsub = s.unsubscribe
	s.unsubscribe = nil
	s.rosterMu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// onReplicated is the replicator Handler: it decodes the delivered frame,
// applies loop suppression, dedupes, and applies with client=nil so no
// origin-specific reply is produced and no re-publish occurs, per §4.G.
func (s *Session) onReplicated(ctx context.Context, d replication.Delivery) {
	if d.SourceID == s.cfg.NodeID {
		return // loop suppression, per §4.F.
	}
	m, err := protocol.Decode(d.Payload)
	if err != nil {
		s.log.WithError(err).Warn("dropping undecodable replicated frame")
		return
	}
	if s.seen(m.ID) {
		return
	}
	if err := s.Apply(ctx, m, nil); err != nil {
		s.log.WithError(err).WithField("messageId", m.ID).Warn("applying replicated message")
	}
}

func (s *Session) seen(messageID string) bool {
	var now = time.Now()
	s.dedupeMu.Lock()
	defer s.dedupeMu.Unlock()

	for k, e := range s.dedupe {
		if now.After(e.expiresAt) {
			delete(s.dedupe, k)
		}
	}
	if _, ok := s.dedupe[messageID]; ok {
		return true
	}
	s.dedupe[messageID] = dedupeEntry{expiresAt: now.Add(s.cfg.DedupeTTL)}
	return false
}

// Apply is the protocol entry point, per §4.G. client is the local
// originator, or nil for a message entering via replication. Apply
// serializes against every other Apply on this Session.
func (s *Session) Apply(ctx context.Context, m *protocol.Message, client *Client) error {
	if m.Encrypted != s.cfg.Encrypted {
		return ErrEncryptionMismatch
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	switch m.Kind {
	case protocol.KindDoc:
		return s.applyDoc(ctx, m, client)
	case protocol.KindAwareness, protocol.KindAck:
		return s.applyFanout(ctx, m, client)
	case protocol.KindFile:
		if s.cfg.FileHandler != nil {
			s.cfg.FileHandler(ctx, s, m, client)
		}
		return nil
	case protocol.KindRPC:
		if s.cfg.RPCDispatch != nil {
			s.cfg.RPCDispatch(ctx, s, m, client)
		}
		return nil
	default:
		return errors.Errorf("session: unknown message kind %d", m.Kind)
	}
}

func (s *Session) applyDoc(ctx context.Context, m *protocol.Message, client *Client) error {
	switch m.Doc.Kind {
	case protocol.DocSyncStep1:
		return s.applySyncStep1(ctx, m, client)
	case protocol.DocSyncStep2:
		return s.applySyncStep2(ctx, m, client)
	case protocol.DocUpdate:
		return s.applyUpdate(ctx, m, client)
	case protocol.DocSyncDone:
		return nil // no-op, per §4.G.
	case protocol.DocAuthMessage:
		return nil // server-only; drop inbound, per §4.D/§4.G.
	case protocol.DocMilestoneRequest, protocol.DocMilestoneStream, protocol.DocMilestoneResponse:
		if s.cfg.RPCDispatch != nil {
			s.cfg.RPCDispatch(ctx, s, m, client)
		}
		return nil
	default:
		return errors.Errorf("session: unknown doc payload kind %d", m.Doc.Kind)
	}
}

// applySyncStep1 requires a local originating client: it computes the
// peer's diff and replies sync-step-2 then sync-step-1 to the originator.
// It does not broadcast or replicate, since sync-step-1 carries no new
// document state of its own.
func (s *Session) applySyncStep1(ctx context.Context, m *protocol.Message, client *Client) error {
	if client == nil {
		return errors.New("session: sync-step-1 requires a local originating client")
	}
	ss2, serverSV, err := s.cfg.Storage.HandleSyncStep1(ctx, s.cfg.DocumentID, m.Doc.SyncStep1)
	if err != nil {
		return errors.Wrap(err, "handling sync-step-1")
	}

	if err := client.Send(ctx, &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: s.cfg.DocumentID, Encrypted: s.cfg.Encrypted,
		Doc: &protocol.DocPayload{Kind: protocol.DocSyncStep2, SyncStep2: ss2},
	}); err != nil {
		return errors.Wrap(err, "sending sync-step-2 reply")
	}
	return client.Send(ctx, &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: s.cfg.DocumentID, Encrypted: s.cfg.Encrypted,
		Doc: &protocol.DocPayload{Kind: protocol.DocSyncStep1, SyncStep1: serverSV},
	})
}

// applySyncStep2 concurrently broadcasts to other locals and persists via
// storage.handleSyncStep2; both must complete before the "sync-done" reply
// to the originator (if local), after which the original message is
// replicated. Failure of either side effect surfaces as an apply error and
// suppresses replication, per §4.G's failure semantics.
func (s *Session) applySyncStep2(ctx context.Context, m *protocol.Message, client *Client) error {
	var excludeID string
	if client != nil {
		excludeID = client.ID
	}

	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Broadcast(gctx, m, excludeID)
		return nil
	})
	g.Go(func() error {
		return s.cfg.Storage.HandleSyncStep2(gctx, s.cfg.DocumentID, m.Doc.SyncStep2)
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "applying sync-step-2")
	}

	if client != nil {
		if err := client.Send(ctx, &protocol.Message{
			Kind: protocol.KindDoc, DocumentID: s.cfg.DocumentID, Encrypted: s.cfg.Encrypted,
			Doc: &protocol.DocPayload{Kind: protocol.DocSyncDone},
		}); err != nil {
			return errors.Wrap(err, "sending sync-done")
		}
		s.replicate(ctx, m)
	}
	return nil
}

// applyUpdate concurrently persists via storage.handleUpdate and
// broadcasts, then replicates if locally originated.
func (s *Session) applyUpdate(ctx context.Context, m *protocol.Message, client *Client) error {
	var excludeID string
	if client != nil {
		excludeID = client.ID
	}

	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.cfg.Storage.HandleUpdate(gctx, s.cfg.DocumentID, m.Doc.Update)
	})
	g.Go(func() error {
		s.Broadcast(gctx, m, excludeID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "applying update")
	}

	if client != nil {
		s.replicate(ctx, m)
	}
	return nil
}

// applyFanout handles awareness and ack messages: broadcast then
// replicate if locally originated. Awareness and ack bypass permission
// checks entirely, per §4.D.
func (s *Session) applyFanout(ctx context.Context, m *protocol.Message, client *Client) error {
	var excludeID string
	if client != nil {
		excludeID = client.ID
	}
	s.Broadcast(ctx, m, excludeID)
	if client != nil {
		s.replicate(ctx, m)
	}
	return nil
}

// replicate publishes a locally-originated message exactly once, per §3
// invariant 3. Publish failures are logged only, per §4.F's failure mode.
func (s *Session) replicate(ctx context.Context, m *protocol.Message) {
	buf, err := protocol.Encode(m)
	if err != nil {
		s.log.WithError(err).Warn("encoding message for replication")
		return
	}
	if err := s.cfg.Replicator.Publish(ctx, replication.ChannelFor(s.cfg.DocumentID), buf, s.cfg.NodeID); err != nil {
		s.log.WithError(err).Warn("publishing to replicator")
	}
}
