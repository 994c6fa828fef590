package storage

import "sync"

// MemoryEngineFactory serves a shared MemoryEngine per (documentID,
// encrypted) pair — in practice one unencrypted and one encrypted engine
// each, since MemoryEngine itself already multiplexes by documentID
// internally. Kept as two singletons rather than per-document instances so
// engine-level state (tx locks) is visible across the whole factory.
type MemoryEngineFactory struct {
	mu        sync.Mutex
	plain     *MemoryEngine
	encrypted *MemoryEngine
}

// NewMemoryEngineFactory constructs a factory with lazily-created
// singleton engines.
func NewMemoryEngineFactory() *MemoryEngineFactory {
	return &MemoryEngineFactory{}
}

// For returns the shared unencrypted or encrypted MemoryEngine, per §4.C's
// "selects one per document via a factory keyed on documentId and the
// encrypted flag" — documentID is accepted for interface conformance but
// MemoryEngine multiplexes documents itself.
func (f *MemoryEngineFactory) For(documentID string, encrypted bool) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if encrypted {
		if f.encrypted == nil {
			f.encrypted = NewMemoryEngine(true)
		}
		return f.encrypted, nil
	}
	if f.plain == nil {
		f.plain = NewMemoryEngine(false)
	}
	return f.plain, nil
}

var _ EngineFactory = (*MemoryEngineFactory)(nil)
