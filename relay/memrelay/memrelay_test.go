// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memrelay

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/joinpool/relay"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub relay.Subscription) *relay.Message {
	t.Helper()

	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

// TestReplayAndLive ensures stored messages are replayed before live ones and
// that topics are isolated.
func TestReplayAndLive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := NewHub()

	alice, err := hub.Dial(ctx, "mem://alice")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := hub.Dial(ctx, "mem://bob")
	require.NoError(t, err)
	defer bob.Close()

	start := time.Now().Add(-time.Minute)
	_, err = alice.Publish(ctx, "a", []byte("one"))
	require.NoError(t, err)
	_, err = alice.Publish(ctx, "b", []byte("other"))
	require.NoError(t, err)
	_, err = alice.Publish(ctx, "a", []byte("two"))
	require.NoError(t, err)

	sub, err := bob.Subscribe(ctx, relay.Filter{Topic: "a", Since: start})
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, "one", string(recv(t, sub).Data))
	require.Equal(t, "two", string(recv(t, sub).Data))

	_, err = alice.Publish(ctx, "a", []byte("three"))
	require.NoError(t, err)
	require.Equal(t, "three", string(recv(t, sub).Data))

	require.Len(t, hub.Messages("a"), 3)
	require.Len(t, hub.Messages("b"), 1)
}

// TestNoReplayWithoutSince ensures a zero Since only delivers live messages.
func TestNoReplayWithoutSince(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := NewHub()
	conn, err := hub.Dial(ctx, "mem://")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Publish(ctx, "a", []byte("old"))
	require.NoError(t, err)

	sub, err := conn.Subscribe(ctx, relay.Filter{Topic: "a"})
	require.NoError(t, err)
	defer sub.Close()

	_, err = conn.Publish(ctx, "a", []byte("new"))
	require.NoError(t, err)
	require.Equal(t, "new", string(recv(t, sub).Data))
}

// TestLimit ensures a subscription holds at most its limit of messages for a
// reader that falls behind and drops the rest.
func TestLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := NewHub()
	conn, err := hub.Dial(ctx, "mem://")
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now().Add(-time.Minute)
	for _, data := range []string{"1", "2", "3"} {
		_, err := conn.Publish(ctx, "a", []byte(data))
		require.NoError(t, err)
	}

	sub, err := conn.Subscribe(ctx, relay.Filter{
		Topic: "a",
		Since: start,
		Limit: 2,
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, "1", string(recv(t, sub).Data))
	require.Equal(t, "2", string(recv(t, sub).Data))

	// With nothing queued, live messages fill the buffer again.  One
	// message may already be in flight to the reader.
	for _, data := range []string{"4", "5", "6", "7"} {
		_, err := conn.Publish(ctx, "a", []byte(data))
		require.NoError(t, err)
	}
	require.Equal(t, "4", string(recv(t, sub).Data))
	require.Equal(t, "5", string(recv(t, sub).Data))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, "6", string(msg.Data))
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message %q past the limit", msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestClose ensures closing a connection ends its subscriptions and rejects
// further use.
func TestClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := NewHub()
	conn, err := hub.Dial(ctx, "mem://")
	require.NoError(t, err)

	sub, err := conn.Subscribe(ctx, relay.Filter{Topic: "a"})
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, ok := <-sub.Messages()
	require.False(t, ok)
	require.ErrorIs(t, sub.Err(), relay.ErrClosed)
	require.Zero(t, hub.Subscribers())

	_, err = conn.Publish(ctx, "a", nil)
	require.ErrorIs(t, err, relay.ErrClosed)
	_, err = conn.Subscribe(ctx, relay.Filter{Topic: "a"})
	require.ErrorIs(t, err, relay.ErrClosed)
}

func TestEmptyTopic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn, err := NewHub().Dial(ctx, "mem://")
	require.NoError(t, err)

	_, err = conn.Publish(ctx, "", nil)
	require.ErrorIs(t, err, relay.ErrEmptyTopic)
	_, err = conn.Subscribe(ctx, relay.Filter{})
	require.ErrorIs(t, err, relay.ErrEmptyTopic)
}
