// Package upload implements the chunked file-upload pipeline, per §4.I:
// a begin/parts/complete handshake backed by temporary storage, verified
// against a Merkle root at completion, and handed off to cold storage
// through single-use chunk readers so peak memory never reaches the full
// file size.
package upload

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.teleportal.dev/core/merkle"
	"go.teleportal.dev/core/storage"
)

// ErrUnknownUpload is returned by any operation on an uploadId that was
// never begun (or was already completed/cleaned up).
var ErrUnknownUpload = errors.New("upload: unknown uploadId")

// ErrIncompleteUpload is returned by CompleteUpload when not every chunk
// index 0..count-1 has been received, per §4.I step 2.
var ErrIncompleteUpload = errors.New("upload: missing chunk(s)")

// ErrSizeMismatch is returned when the sum of received chunk lengths
// doesn't equal metadata.size, per §4.I step 3.
var ErrSizeMismatch = errors.New("upload: chunk size sum does not match declared size")

// ErrRootMismatch is returned when the caller-supplied fileId does not
// match the recomputed Merkle root, per §3 invariant 6 / §4.I step 4.
var ErrRootMismatch = errors.New("upload: computed root does not match supplied fileId")

// Metadata describes the file an upload will produce, per §3's File type.
type Metadata struct {
	Filename     string
	Size         int64
	MimeType     string
	Encrypted    bool
	LastModified time.Time
	DocumentID   string
}

// Progress reports an in-flight upload's state, for getUploadProgress.
type Progress struct {
	UploadID      string
	BytesUploaded int64
	ChunksStored  int
	LastActivity  time.Time
}

// Result is the outcome of a successful CompleteUpload, per §4.I step 5:
// result.GetChunk(i) is a single-use reader that deletes its chunk after
// the caller reads it, enabling streaming into cold storage.
type Result struct {
	FileID     string
	Metadata   Metadata
	ChunkCount int
	GetChunk   func(i int) (io.ReadCloser, error)
}

// FileStorage is the cold-storage sink a completed upload is handed to,
// per §4.I step 5.
type FileStorage interface {
	StoreFileFromUpload(ctx context.Context, result *Result) error
}

// DocumentMetadataUpdater atomically adds fileID to a document's
// metadata.files, per §4.I step 6. It is expected to run inside
// storage.Engine.Transaction.
type DocumentMetadataUpdater func(ctx context.Context, engine storage.Engine, documentID, fileID string) error

// AddFileToDocumentMetadata is the reference DocumentMetadataUpdater: it
// reads current metadata, appends fileID if absent, and writes it back.
func AddFileToDocumentMetadata(ctx context.Context, engine storage.Engine, documentID, fileID string) error {
	meta, err := engine.GetDocumentMetadata(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		meta = &storage.Metadata{DocumentID: documentID}
	} else if err != nil {
		return errors.Wrap(err, "reading document metadata")
	}
	for _, f := range meta.Files {
		if f == fileID {
			return nil
		}
	}
	meta.Files = append(meta.Files, fileID)
	return engine.WriteDocumentMetadata(ctx, documentID, meta)
}

type inFlightUpload struct {
	mu           sync.Mutex
	metadata     Metadata
	chunks       map[int][]byte
	bytesStored  int64
	lastActivity time.Time
}

// Pipeline is the reference TemporaryUploadStorage implementation, per
// §4.I. It holds in-flight uploads in memory; completed or cleaned-up
// uploads are discarded.
type Pipeline struct {
	engine      storage.Engine
	fileStorage FileStorage
	updater     DocumentMetadataUpdater
	idleTimeout time.Duration // default 24h, per §3's "Lifecycles."

	mu      sync.Mutex
	uploads map[string]*inFlightUpload
}

// Config parametrizes a Pipeline.
type Config struct {
	Engine      storage.Engine
	FileStorage FileStorage
	Updater     DocumentMetadataUpdater // defaults to AddFileToDocumentMetadata.
	IdleTimeout time.Duration           // defaults to 24h.
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Updater == nil {
		cfg.Updater = AddFileToDocumentMetadata
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 24 * time.Hour
	}
	return &Pipeline{
		engine:      cfg.Engine,
		fileStorage: cfg.FileStorage,
		updater:     cfg.Updater,
		idleTimeout: cfg.IdleTimeout,
		uploads:     make(map[string]*inFlightUpload),
	}
}

// BeginUpload registers a new in-flight upload.
func (p *Pipeline) BeginUpload(uploadID string, metadata Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads[uploadID] = &inFlightUpload{
		metadata:     metadata,
		chunks:       make(map[int][]byte),
		lastActivity: time.Now(),
	}
	return nil
}

func (p *Pipeline) get(uploadID string) (*inFlightUpload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.uploads[uploadID]
	if !ok {
		return nil, ErrUnknownUpload
	}
	return u, nil
}

// StoreChunk ingests one chunk, per §4.I's chunk-ingest steps 1-3. proof
// is accepted but not verified here; per-chunk proof verification is
// deferred to CompleteUpload, which is mandatory, per §4.I step 4's "may
// be verified... or deferred to completion — implementations may choose;
// completion MUST verify."
func (p *Pipeline) StoreChunk(ctx context.Context, uploadID string, chunkIndex int, chunkData []byte, proof []merkle.ProofStep) error {
	u, err := p.get(uploadID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.chunks[chunkIndex]; !exists {
		u.bytesStored += int64(len(chunkData))
	} else {
		u.bytesStored += int64(len(chunkData) - len(u.chunks[chunkIndex]))
	}
	u.chunks[chunkIndex] = append([]byte(nil), chunkData...)
	u.lastActivity = time.Now()
	return nil
}

// GetUploadProgress reports an in-flight upload's progress.
func (p *Pipeline) GetUploadProgress(uploadID string) (*Progress, error) {
	u, err := p.get(uploadID)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return &Progress{
		UploadID:      uploadID,
		BytesUploaded: u.bytesStored,
		ChunksStored:  len(u.chunks),
		LastActivity:  u.lastActivity,
	}, nil
}

// CompleteUpload verifies and finalizes an upload, per §4.I's five
// completion steps, then atomically records the fileId on the owning
// document's metadata, per step 6.
func (p *Pipeline) CompleteUpload(ctx context.Context, uploadID string, fileID string) (*Result, error) {
	u, err := p.get(uploadID)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	var expectedCount = merkle.ChunkCount(u.metadata.Size)
	var ordered = make([][]byte, expectedCount)
	var totalSize int64
	for i := 0; i < expectedCount; i++ {
		chunk, ok := u.chunks[i]
		if !ok {
			u.mu.Unlock()
			return nil, ErrIncompleteUpload
		}
		ordered[i] = chunk
		totalSize += int64(len(chunk))
	}
	var metadata = u.metadata
	u.mu.Unlock()

	if totalSize != metadata.Size {
		return nil, ErrSizeMismatch
	}

	var tree = merkle.Build(ordered)
	var root = tree.Root()
	if fileID != "" && fileID != hashToString(root) {
		return nil, ErrRootMismatch
	}
	var computedFileID = hashToString(root)

	var taken = make([]bool, expectedCount)
	var result = &Result{
		FileID:     computedFileID,
		Metadata:   metadata,
		ChunkCount: expectedCount,
		GetChunk: func(i int) (io.ReadCloser, error) {
			u.mu.Lock()
			defer u.mu.Unlock()
			if i < 0 || i >= expectedCount || taken[i] {
				return nil, errors.Errorf("upload: chunk %d already read or out of range", i)
			}
			var data = u.chunks[i]
			delete(u.chunks, i)
			taken[i] = true
			return io.NopCloser(newByteReader(data)), nil
		},
	}

	if err := p.fileStorage.StoreFileFromUpload(ctx, result); err != nil {
		return nil, errors.Wrap(err, "handing off completed upload to cold storage")
	}

	if err := p.engine.Transaction(ctx, metadata.DocumentID, func(ctx context.Context) error {
		return p.updater(ctx, p.engine, metadata.DocumentID, computedFileID)
	}); err != nil {
		return nil, errors.Wrap(err, "recording file in document metadata")
	}

	p.mu.Lock()
	delete(p.uploads, uploadID)
	p.mu.Unlock()

	return result, nil
}

// CleanupExpiredUploads deletes uploads whose lastActivity predates
// idleTimeout, per §4.I's Cleanup contract.
func (p *Pipeline) CleanupExpiredUploads() int {
	var cutoff = time.Now().Add(-p.idleTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed int
	for id, u := range p.uploads {
		u.mu.Lock()
		var stale = u.lastActivity.Before(cutoff)
		u.mu.Unlock()
		if stale {
			delete(p.uploads, id)
			removed++
		}
	}
	return removed
}

// hashToString renders a Merkle root as fileId, per §3's "fileId =
// root(MerkleTree(chunks))" — hex so it's a safe, printable string value
// wherever fileId travels (metadata.files, the wire protocol, RPC bodies).
func hashToString(h merkle.Hash) string {
	return hex.EncodeToString(h[:])
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader {
	return &byteReader{data: data}
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	var n = copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
