package upload

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownFile is returned by OpenFile for a fileId never stored.
var ErrUnknownFile = errors.New("upload: unknown fileId")

type storedFile struct {
	metadata Metadata
	data     []byte
}

// MemoryFileStore is the reference FileStorage sink: it drains a
// completed upload's single-use chunk readers into memory and serves them
// back by fileId, standing in for an object store in a real deployment.
type MemoryFileStore struct {
	mu    sync.RWMutex
	files map[string]*storedFile
}

// NewMemoryFileStore constructs an empty MemoryFileStore.
func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string]*storedFile)}
}

// StoreFileFromUpload drains result's chunks in order and retains the
// concatenated bytes under result.FileID.
func (s *MemoryFileStore) StoreFileFromUpload(ctx context.Context, result *Result) error {
	var buf bytes.Buffer
	for i := 0; i < result.ChunkCount; i++ {
		r, err := result.GetChunk(i)
		if err != nil {
			return errors.Wrapf(err, "reading chunk %d", i)
		}
		_, err = io.Copy(&buf, r)
		r.Close()
		if err != nil {
			return errors.Wrapf(err, "draining chunk %d", i)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[result.FileID] = &storedFile{metadata: result.Metadata, data: buf.Bytes()}
	return nil
}

// OpenFile returns a reader over a previously stored file's bytes plus its
// metadata, for fileDownload.
func (s *MemoryFileStore) OpenFile(ctx context.Context, fileID string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, nil, ErrUnknownFile
	}
	var meta = f.metadata
	return io.NopCloser(bytes.NewReader(f.data)), &meta, nil
}

var _ FileStorage = (*MemoryFileStore)(nil)
