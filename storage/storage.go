// Package storage defines the pluggable persistence capability consumed by
// sessions, per §4.C. A storage engine is either unencrypted or encrypted;
// the server selects one per document via a factory keyed on documentId
// and the encrypted flag.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.teleportal.dev/core/protocol"
)

// ErrNotFound is returned by getDocument/getDocumentMetadata when no
// document exists for the given id.
var ErrNotFound = errors.New("storage: document not found")

// Metadata is a document's non-content state, per §3's Document type.
type Metadata struct {
	DocumentID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Encrypted  bool
	Files      []string
	Milestones []string
	Extensions map[string]interface{}
}

// Document is the content half of §3's Document type: a CRDT snapshot plus
// a field for a compact summary of causal history. The reference engines'
// GetDocument fills only Snapshot and leaves StateVector nil, for encrypted
// and unencrypted documents alike; HandleUpdate appends to Snapshot in both
// cases.
type Document struct {
	Snapshot    []byte
	StateVector []byte
}

// TxFunc is the unit of work passed to Engine.Transaction.
type TxFunc func(ctx context.Context) error

// Engine is the storage capability a Session depends on, per §4.C.
// Unencrypted and encrypted documents are served by different Engine
// instances chosen by a factory keyed on (documentId, encrypted) — see
// EngineFactory.
type Engine interface {
	// HandleSyncStep1 diffs current state against the peer's state vector,
	// returning the sync-step-2 payload to send back plus the server's own
	// current state vector.
	HandleSyncStep1(ctx context.Context, documentID string, sv *protocol.StateVector) (syncStep2 *protocol.SyncStep2Update, serverSV *protocol.StateVector, err error)

	// HandleSyncStep2 persists the peer's diff.
	HandleSyncStep2(ctx context.Context, documentID string, update *protocol.SyncStep2Update) error

	// HandleUpdate persists an incremental update.
	HandleUpdate(ctx context.Context, documentID string, update *protocol.Update) error

	// GetDocument returns the current document, or ErrNotFound.
	GetDocument(ctx context.Context, documentID string) (*Document, error)

	// ReplaceDocument overwrites a document's stored snapshot wholesale,
	// used by milestoneRestore (§4.J) to roll a document back to a prior
	// snapshot without replaying the intervening update log.
	ReplaceDocument(ctx context.Context, documentID string, snapshot []byte) error

	// GetDocumentMetadata returns metadata, or ErrNotFound.
	GetDocumentMetadata(ctx context.Context, documentID string) (*Metadata, error)

	// WriteDocumentMetadata replaces stored metadata for documentID.
	WriteDocumentMetadata(ctx context.Context, documentID string, meta *Metadata) error

	// DeleteDocument removes a document's own content and metadata. The
	// reference engines do not cascade to file or milestone stores.
	DeleteDocument(ctx context.Context, documentID string) error

	// Transaction serializes concurrent mutations to one document. The
	// default (in-memory) implementation takes a per-document lock; callers
	// must not rely on cross-engine isolation beyond that.
	Transaction(ctx context.Context, documentID string, fn TxFunc) error
}

// EngineFactory selects an Engine instance for a document, keyed on
// documentId and the encrypted flag, per §4.C.
type EngineFactory interface {
	For(documentID string, encrypted bool) (Engine, error)
}
