package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _, err := New(ctx, Config{RendezvousString: "realm-test"})
	require.NoError(t, err)
	defer a.Close()

	b, _, err := New(ctx, Config{RendezvousString: "realm-test"})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Dial(ctx, b.ListenAddrs()[0]+"/p2p/"+b.LocalPeerID()))

	const topic = "realm/test"
	sub, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)

	// Gossipsub needs a moment to propagate mesh membership after Subscribe.
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, a.Publish(ctx, topic, []byte("hello")))

	select {
	case msg := <-sub:
		assert.Equal(t, []byte("hello"), msg.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for gossiped message")
	}
}

func TestLocalPeerIDIsStable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, _, err := New(ctx, Config{RendezvousString: "realm-test-stable"})
	require.NoError(t, err)
	defer tr.Close()

	id1 := tr.LocalPeerID()
	id2 := tr.LocalPeerID()
	assert.Equal(t, id1, id2)
	assert.NotEmpty(t, id1)
}
