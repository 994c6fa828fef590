package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessDeliversToSubscriber(t *testing.T) {
	var r = NewInProcess()
	var got []Delivery
	unsub, err := r.Subscribe(context.Background(), ChannelFor("doc1"), func(ctx context.Context, d Delivery) {
		got = append(got, d)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, r.Publish(context.Background(), ChannelFor("doc1"), []byte("payload"), "node-a"))
	require.Len(t, got, 1)
	assert.Equal(t, "payload", string(got[0].Payload))
	assert.Equal(t, "node-a", got[0].SourceID)
}

func TestInProcessUnsubscribeStopsDelivery(t *testing.T) {
	var r = NewInProcess()
	var count int
	unsub, err := r.Subscribe(context.Background(), ChannelFor("doc1"), func(ctx context.Context, d Delivery) {
		count++
	})
	require.NoError(t, err)

	unsub()
	require.NoError(t, r.Publish(context.Background(), ChannelFor("doc1"), []byte("x"), "node-a"))
	assert.Equal(t, 0, count)
}

func TestInProcessChannelsAreIsolated(t *testing.T) {
	var r = NewInProcess()
	var gotA, gotB int
	_, err := r.Subscribe(context.Background(), ChannelFor("docA"), func(ctx context.Context, d Delivery) { gotA++ })
	require.NoError(t, err)
	_, err = r.Subscribe(context.Background(), ChannelFor("docB"), func(ctx context.Context, d Delivery) { gotB++ })
	require.NoError(t, err)

	require.NoError(t, r.Publish(context.Background(), ChannelFor("docA"), []byte("x"), "n"))
	assert.Equal(t, 1, gotA)
	assert.Equal(t, 0, gotB)
}

func TestChannelForFormat(t *testing.T) {
	assert.Equal(t, "document/abc", ChannelFor("abc"))
}

func TestNewNodeIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewNodeID(), NewNodeID())
}
