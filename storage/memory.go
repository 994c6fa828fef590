package storage

import (
	"context"
	"sync"
	"time"

	"go.teleportal.dev/core/protocol"
)

// MemoryEngine is the reference in-memory Engine, serving both unencrypted
// and encrypted documents depending on how it's constructed. It is the
// default engine for tests and for nodes with no configured durable
// backend.
//
// Unencrypted documents store a single CRDT snapshot plus state vector and
// let the caller's CRDT library (opaque to this package) own diff/merge
// semantics; this engine simply appends the encoded update bytes to the
// snapshot, per the "or a single compacted key" option in §6's persisted
// layout. Encrypted documents store the append-only log of
// (lamportClientId, counter) -> payload described in §3.
type MemoryEngine struct {
	encrypted bool

	mu       sync.RWMutex
	docs     map[string]*memDoc
	metadata map[string]*Metadata
	txLocks  map[string]*sync.Mutex
}

type memDoc struct {
	// Unencrypted path.
	snapshot []byte

	// Encrypted path: seenMessages, keyed by (clientId, counter).
	log map[lamportKey]protocol.EncryptedEnvelope
}

type lamportKey struct {
	clientID uint32
	counter  uint32
}

// NewMemoryEngine constructs an empty in-memory Engine. encrypted selects
// which of the two storage disciplines this engine serves.
func NewMemoryEngine(encrypted bool) *MemoryEngine {
	return &MemoryEngine{
		encrypted: encrypted,
		docs:      make(map[string]*memDoc),
		metadata:  make(map[string]*Metadata),
		txLocks:   make(map[string]*sync.Mutex),
	}
}

func (e *MemoryEngine) lockFor(documentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.txLocks[documentID]; ok {
		return l
	}
	var l = new(sync.Mutex)
	e.txLocks[documentID] = l
	return l
}

// Transaction serializes concurrent mutations to one document behind a
// per-document mutex, satisfying §4.C's "serialize concurrent mutations to
// one document" contract.
func (e *MemoryEngine) Transaction(ctx context.Context, documentID string, fn TxFunc) error {
	var l = e.lockFor(documentID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (e *MemoryEngine) getOrCreate(documentID string) *memDoc {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[documentID]
	if !ok {
		d = &memDoc{log: make(map[lamportKey]protocol.EncryptedEnvelope)}
		e.docs[documentID] = d
	}
	if _, ok := e.metadata[documentID]; !ok {
		var now = time.Now()
		e.metadata[documentID] = &Metadata{
			DocumentID: documentID,
			CreatedAt:  now,
			UpdatedAt:  now,
			Encrypted:  e.encrypted,
		}
	}
	return d
}

// touchLocked bumps a document's UpdatedAt. Callers must already hold
// e.mu for writing.
func (e *MemoryEngine) touchLocked(documentID string) {
	if m, ok := e.metadata[documentID]; ok {
		m.UpdatedAt = time.Now()
	}
}

// HandleSyncStep1 implements §4.C for both disciplines: unencrypted
// engines diff the stored snapshot's implicit state (here, simply return
// the full snapshot as the diff — real CRDT diffing is the caller
// library's job and is out of scope for this reference engine) against the
// peer's vector; encrypted engines return every envelope the peer's
// Lamport map doesn't yet cover.
func (e *MemoryEngine) HandleSyncStep1(ctx context.Context, documentID string, sv *protocol.StateVector) (*protocol.SyncStep2Update, *protocol.StateVector, error) {
	var d = e.getOrCreate(documentID)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.encrypted {
		var peer = sv.Lamport
		if peer == nil {
			peer = map[uint32]uint32{}
		}
		var missing []protocol.EncryptedEnvelope
		var serverSeen = map[uint32]uint32{}
		for k, env := range d.log {
			if k.counter > serverSeen[k.clientID] {
				serverSeen[k.clientID] = k.counter
			}
			if k.counter > peer[k.clientID] {
				missing = append(missing, env)
			}
		}
		return &protocol.SyncStep2Update{Encrypted: missing}, &protocol.StateVector{Lamport: serverSeen}, nil
	}

	return &protocol.SyncStep2Update{Opaque: append([]byte(nil), d.snapshot...)},
		&protocol.StateVector{Opaque: append([]byte(nil), d.snapshot...)}, nil
}

// HandleSyncStep2 persists the peer's diff.
func (e *MemoryEngine) HandleSyncStep2(ctx context.Context, documentID string, update *protocol.SyncStep2Update) error {
	var d = e.getOrCreate(documentID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.encrypted {
		for _, env := range update.Encrypted {
			d.log[lamportKey{env.ClientID, env.Counter}] = env
		}
	} else if len(update.Opaque) > 0 {
		d.snapshot = append(d.snapshot, update.Opaque...)
	}
	e.touchLocked(documentID)
	return nil
}

// HandleUpdate persists an incremental update. For encrypted documents the
// update's envelope coordinate is recovered from its content-addressed ID
// is not possible here (Update carries only opaque bytes); callers that
// need Lamport-indexed persistence for encrypted updates use
// HandleSyncStep2 with a single-envelope Encrypted slice instead.
func (e *MemoryEngine) HandleUpdate(ctx context.Context, documentID string, update *protocol.Update) error {
	var d = e.getOrCreate(documentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	d.snapshot = append(d.snapshot, update.Opaque...)
	e.touchLocked(documentID)
	return nil
}

// GetDocument returns the current document state.
func (e *MemoryEngine) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.docs[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{Snapshot: append([]byte(nil), d.snapshot...)}, nil
}

// ReplaceDocument overwrites the stored snapshot wholesale, for
// milestoneRestore.
func (e *MemoryEngine) ReplaceDocument(ctx context.Context, documentID string, snapshot []byte) error {
	var d = e.getOrCreate(documentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	d.snapshot = append([]byte(nil), snapshot...)
	e.touchLocked(documentID)
	return nil
}

// GetDocumentMetadata returns stored metadata.
func (e *MemoryEngine) GetDocumentMetadata(ctx context.Context, documentID string) (*Metadata, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.metadata[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	var cp = *m
	return &cp, nil
}

// WriteDocumentMetadata replaces stored metadata for documentID.
func (e *MemoryEngine) WriteDocumentMetadata(ctx context.Context, documentID string, meta *Metadata) error {
	e.getOrCreate(documentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	var cp = *meta
	cp.UpdatedAt = time.Now()
	e.metadata[documentID] = &cp
	return nil
}

// DeleteDocument removes a document's snapshot/log, metadata and
// transaction lock. It does not touch file or milestone stores.
func (e *MemoryEngine) DeleteDocument(ctx context.Context, documentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.docs, documentID)
	delete(e.metadata, documentID)
	delete(e.txLocks, documentID)
	return nil
}

var _ Engine = (*MemoryEngine)(nil)
