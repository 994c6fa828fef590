package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"go.teleportal.dev/core/protocol"
)

// bbolt replaces the teacher's cgo-dependent RocksDB engine as the durable
// local KV store: same "embedded, single-process, crash-safe" concern,
// same etcd family, but importable without cgo.
//
// Bucket layout follows §6's reference persisted-state-layout:
//   meta                         -> documentId -> encoded Metadata
//   snapshot                     -> documentId -> unencrypted CRDT snapshot bytes
//   encryptedLog:<documentId>    -> base64(messageId) -> encoded EncryptedEnvelope
var (
	bucketMeta     = []byte("meta")
	bucketSnapshot = []byte("snapshot")
)

// BoltEngine is a durable Engine backed by a single bbolt database file,
// serving either the unencrypted or encrypted discipline.
type BoltEngine struct {
	db        *bbolt.DB
	encrypted bool

	mu      sync.Mutex
	txLocks map[string]*sync.Mutex
}

// OpenBoltEngine opens (creating if absent) a bbolt database at path and
// wraps it as an Engine for the given discipline.
func OpenBoltEngine(path string, encrypted bool) (*BoltEngine, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening bbolt database")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSnapshot)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing bbolt buckets")
	}
	return &BoltEngine{db: db, encrypted: encrypted, txLocks: make(map[string]*sync.Mutex)}, nil
}

// Close releases the underlying database file.
func (e *BoltEngine) Close() error {
	return e.db.Close()
}

func (e *BoltEngine) lockFor(documentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.txLocks[documentID]; ok {
		return l
	}
	var l = new(sync.Mutex)
	e.txLocks[documentID] = l
	return l
}

// Transaction serializes concurrent mutations to one document, per §4.C.
func (e *BoltEngine) Transaction(ctx context.Context, documentID string, fn TxFunc) error {
	var l = e.lockFor(documentID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func encryptedLogBucketName(documentID string) []byte {
	return []byte("encryptedLog:" + documentID)
}

type boltMetadata struct {
	DocumentID   string                 `json:"documentId"`
	CreatedAt    int64                  `json:"createdAt"`
	UpdatedAt    int64                  `json:"updatedAt"`
	Encrypted    bool                   `json:"encrypted"`
	Files        []string               `json:"files,omitempty"`
	Milestones   []string               `json:"milestones,omitempty"`
	Extensions   map[string]interface{} `json:"extensions,omitempty"`
	SeenMessages map[string]uint32      `json:"seenMessages,omitempty"` // clientId (decimal) -> highest counter
}

func (e *BoltEngine) readMetaLocked(tx *bbolt.Tx, documentID string) (*boltMetadata, error) {
	var raw = tx.Bucket(bucketMeta).Get([]byte(documentID))
	if raw == nil {
		return nil, ErrNotFound
	}
	var m boltMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "decoding metadata")
	}
	return &m, nil
}

// HandleSyncStep1 implements §4.C. Unencrypted engines return the stored
// snapshot as the sync-step-2 diff (actual CRDT diffing is the caller
// library's concern, out of scope here); encrypted engines scan the
// document's encrypted-log bucket and emit every envelope the peer's
// Lamport map lacks.
func (e *BoltEngine) HandleSyncStep1(ctx context.Context, documentID string, sv *protocol.StateVector) (*protocol.SyncStep2Update, *protocol.StateVector, error) {
	var result *protocol.SyncStep2Update
	var serverSV *protocol.StateVector

	err := e.db.View(func(tx *bbolt.Tx) error {
		if e.encrypted {
			var peer = sv.Lamport
			if peer == nil {
				peer = map[uint32]uint32{}
			}
			var serverSeen = map[uint32]uint32{}
			var missing []protocol.EncryptedEnvelope
			var b = tx.Bucket(encryptedLogBucketName(documentID))
			if b != nil {
				err := b.ForEach(func(k, v []byte) error {
					var env protocol.EncryptedEnvelope
					if err := json.Unmarshal(v, &env); err != nil {
						return errors.Wrap(err, "decoding encrypted envelope")
					}
					if env.Counter > serverSeen[env.ClientID] {
						serverSeen[env.ClientID] = env.Counter
					}
					if env.Counter > peer[env.ClientID] {
						missing = append(missing, env)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			result = &protocol.SyncStep2Update{Encrypted: missing}
			serverSV = &protocol.StateVector{Lamport: serverSeen}
			return nil
		}

		var snap = tx.Bucket(bucketSnapshot).Get([]byte(documentID))
		result = &protocol.SyncStep2Update{Opaque: append([]byte(nil), snap...)}
		serverSV = &protocol.StateVector{Opaque: append([]byte(nil), snap...)}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, serverSV, nil
}

// HandleSyncStep2 persists the peer's diff.
func (e *BoltEngine) HandleSyncStep2(ctx context.Context, documentID string, update *protocol.SyncStep2Update) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		if e.encrypted {
			b, err := tx.CreateBucketIfNotExists(encryptedLogBucketName(documentID))
			if err != nil {
				return err
			}
			for _, env := range update.Encrypted {
				encoded, err := json.Marshal(env)
				if err != nil {
					return errors.Wrap(err, "encoding encrypted envelope")
				}
				var key = base64.StdEncoding.EncodeToString(env.ID[:])
				if err := b.Put([]byte(key), encoded); err != nil {
					return err
				}
			}
			return nil
		}
		if len(update.Opaque) == 0 {
			return nil
		}
		var b = tx.Bucket(bucketSnapshot)
		var existing = b.Get([]byte(documentID))
		return b.Put([]byte(documentID), append(append([]byte(nil), existing...), update.Opaque...))
	})
}

// HandleUpdate persists an incremental update by appending it to the
// document's stored snapshot.
func (e *BoltEngine) HandleUpdate(ctx context.Context, documentID string, update *protocol.Update) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		var b = tx.Bucket(bucketSnapshot)
		var existing = b.Get([]byte(documentID))
		return b.Put([]byte(documentID), append(append([]byte(nil), existing...), update.Opaque...))
	})
}

// GetDocument returns the current document state.
func (e *BoltEngine) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	var doc *Document
	err := e.db.View(func(tx *bbolt.Tx) error {
		var snap = tx.Bucket(bucketSnapshot).Get([]byte(documentID))
		if snap == nil {
			if _, err := e.readMetaLocked(tx, documentID); err != nil {
				return err
			}
		}
		doc = &Document{Snapshot: append([]byte(nil), snap...)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ReplaceDocument overwrites the stored snapshot wholesale, for
// milestoneRestore.
func (e *BoltEngine) ReplaceDocument(ctx context.Context, documentID string, snapshot []byte) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshot).Put([]byte(documentID), append([]byte(nil), snapshot...))
	})
}

// GetDocumentMetadata returns stored metadata.
func (e *BoltEngine) GetDocumentMetadata(ctx context.Context, documentID string) (*Metadata, error) {
	var out *Metadata
	err := e.db.View(func(tx *bbolt.Tx) error {
		m, err := e.readMetaLocked(tx, documentID)
		if err != nil {
			return err
		}
		out = fromBoltMetadata(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteDocumentMetadata replaces stored metadata for documentID.
func (e *BoltEngine) WriteDocumentMetadata(ctx context.Context, documentID string, meta *Metadata) error {
	var bm = toBoltMetadata(meta)
	encoded, err := json.Marshal(bm)
	if err != nil {
		return errors.Wrap(err, "encoding metadata")
	}
	return e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(documentID), encoded)
	})
}

// DeleteDocument removes a document's snapshot/log and metadata, cascading
// to its encrypted-log bucket if present.
func (e *BoltEngine) DeleteDocument(ctx context.Context, documentID string) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Delete([]byte(documentID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshot).Delete([]byte(documentID)); err != nil {
			return err
		}
		if b := tx.Bucket(encryptedLogBucketName(documentID)); b != nil {
			return tx.DeleteBucket(encryptedLogBucketName(documentID))
		}
		return nil
	})
}

func toBoltMetadata(m *Metadata) *boltMetadata {
	return &boltMetadata{
		DocumentID: m.DocumentID,
		CreatedAt:  m.CreatedAt.UnixNano(),
		UpdatedAt:  m.UpdatedAt.UnixNano(),
		Encrypted:  m.Encrypted,
		Files:      m.Files,
		Milestones: m.Milestones,
		Extensions: m.Extensions,
	}
}

func fromBoltMetadata(m *boltMetadata) *Metadata {
	return &Metadata{
		DocumentID: m.DocumentID,
		CreatedAt:  nanoTime(m.CreatedAt),
		UpdatedAt:  nanoTime(m.UpdatedAt),
		Encrypted:  m.Encrypted,
		Files:      m.Files,
		Milestones: m.Milestones,
		Extensions: m.Extensions,
	}
}

func nanoTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

var _ Engine = (*BoltEngine)(nil)
