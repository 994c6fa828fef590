package replication

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InProcess is the in-memory reference Replicator: a single process's
// channels fanned out directly to their local subscribers. It is the
// default for single-node deployments and tests; NewNodeID derives a stable
// random nodeId the way §4.F specifies ("random UUID if not supplied").
type InProcess struct {
	mu   sync.RWMutex
	subs map[string]map[int]Handler
	next int
}

// NewInProcess constructs an empty in-memory Replicator.
func NewInProcess() *InProcess {
	return &InProcess{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers handler on channel.
func (r *InProcess) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[channel] == nil {
		r.subs[channel] = make(map[int]Handler)
	}
	var id = r.next
	r.next++
	r.subs[channel][id] = handler

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[channel], id)
	}, nil
}

// Publish delivers payload to every current subscriber of channel,
// synchronously and in this goroutine. sourceId is passed through
// unmodified, per §4.F's "the in-memory reference replicator passes it
// directly."
func (r *InProcess) Publish(ctx context.Context, channel string, payload []byte, sourceID string) error {
	r.mu.RLock()
	var handlers = make([]Handler, 0, len(r.subs[channel]))
	for _, h := range r.subs[channel] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, Delivery{Payload: payload, SourceID: sourceID})
	}
	return nil
}

var _ Replicator = (*InProcess)(nil)

// NewNodeID generates a node identity for a replicator-backed server, per
// §4.F's "each node has a stable nodeId (random UUID if not supplied)".
func NewNodeID() string {
	return uuid.NewString()
}
