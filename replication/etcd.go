package replication

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd is a Replicator backed by etcd's watch API: publishing a message
// is a Put under a per-channel key prefix, and subscribing watches that
// prefix for new Puts. This gives deployments that already run an etcd
// cluster for coordination (as the teacher's allocator does via its
// KeySpace watch loop) a replication backend without adding NATS as a
// hard dependency.
//
// Etcd is not a message bus: every publish accumulates a new key, so a
// deployment choosing this backend must run with a lease-based TTL or
// accept unbounded growth; it exists as the secondary, coordination-reuse
// option alongside NATS (the primary network Replicator), not as a
// high-throughput default.
type Etcd struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	seqNum map[string]int64
}

// NewEtcd wraps an etcd client as a Replicator. prefix namespaces all keys
// this Replicator writes and watches (e.g. "/teleportal/replication/").
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	return &Etcd{client: client, prefix: prefix, seqNum: make(map[string]int64)}
}

func (e *Etcd) channelPrefix(channel string) string {
	return e.prefix + channel + "/"
}

// Subscribe watches channel's key prefix for new Puts and delivers each
// one's value. Per §4.F, Subscribe failure must fail session load:
// WithCreatedNotify makes etcd send an empty confirmation response as soon
// as the watch is established, which this method waits for before
// returning, surfacing a closed/cancelled watch as an error synchronously.
func (e *Etcd) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	var watchCtx, cancel = context.WithCancel(ctx)
	var watchChan = e.client.Watch(watchCtx, e.channelPrefix(channel), clientv3.WithPrefix(), clientv3.WithCreatedNotify())

	select {
	case resp, ok := <-watchChan:
		if !ok {
			cancel()
			return nil, errors.New("etcd watch channel closed before confirming")
		}
		if err := resp.Err(); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "watching %q", channel)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	go func() {
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var sourceID = sourceIDFromKey(string(ev.Kv.Key))
				handler(watchCtx, Delivery{Payload: ev.Kv.Value, SourceID: sourceID})
			}
		}
	}()

	return cancel, nil
}

// Publish Puts payload under channel's prefix, keyed by sourceID plus a
// per-(channel,source) sequence number so repeated publishes from the same
// node don't overwrite each other before being observed.
func (e *Etcd) Publish(ctx context.Context, channel string, payload []byte, sourceID string) error {
	e.mu.Lock()
	var key = e.channelPrefix(channel) + sourceID
	e.seqNum[key]++
	var seq = e.seqNum[key]
	e.mu.Unlock()

	var fullKey = key + "#" + strconv.FormatInt(seq, 10)
	_, err := e.client.Put(ctx, fullKey, string(payload))
	if err != nil {
		return errors.Wrapf(err, "publishing to %q", channel)
	}
	return nil
}

// sourceIDFromKey recovers the publishing node's id from a key of the form
// "<prefix><channel>/<sourceId>#<seq>".
func sourceIDFromKey(key string) string {
	var slash = strings.LastIndex(key, "/")
	if slash < 0 {
		return ""
	}
	var tail = key[slash+1:]
	if hash := strings.LastIndex(tail, "#"); hash >= 0 {
		tail = tail[:hash]
	}
	return tail
}

var _ Replicator = (*Etcd)(nil)
