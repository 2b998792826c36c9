// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relay defines the publish/subscribe transport pools are negotiated
// over.  A relay only delivers opaque messages scoped by topic; every protocol
// rule lives with the callers.
package relay

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrClosed is returned when a relay or subscription is used after it
	// has been closed, or when the underlying connection went away.
	ErrClosed = errors.New("relay connection closed")

	// ErrRejected is returned when the relay refused a published message.
	ErrRejected = errors.New("relay rejected message")

	// ErrEmptyTopic is returned when publishing or subscribing without a
	// topic.
	ErrEmptyTopic = errors.New("empty relay topic")
)

// Message is one delivered relay message.
type Message struct {
	// ID identifies the message on the relay.  It is unique per relay and
	// stable across redeliveries.
	ID string

	// Topic is the channel the message was published on.
	Topic string

	// Data is the opaque payload.
	Data []byte

	// CreatedAt is the publication time claimed by the relay or the
	// author.
	CreatedAt time.Time
}

// Filter selects the messages a subscription receives.
type Filter struct {
	// Topic is the only topic delivered by the subscription.
	Topic string

	// Since replays stored messages created at or after this time before
	// delivering live ones.  The zero value disables replay.
	Since time.Time

	// Limit caps the messages held for a reader that falls behind.
	// Messages arriving past it are dropped.  Zero selects the default
	// of the implementation.
	Limit int
}

// Subscription is a live stream of messages matching a Filter.
type Subscription interface {
	// Messages returns the channel messages are delivered on.  Stored
	// messages are delivered first, ordered by SortMessages, followed by
	// live messages in the order the connection received them.  The
	// channel is closed once the subscription ends.
	Messages() <-chan *Message

	// Err returns the reason the message channel was closed, or nil while
	// the subscription is active or after a clean Close.
	Err() error

	// Close ends the subscription and releases its resources.  It is safe
	// to call more than once.
	Close() error
}

// Relay is a connection to one publish/subscribe relay.
type Relay interface {
	// URL returns the address the relay was dialed with.
	URL() string

	// Publish sends data to every subscriber of topic and returns the
	// message as stored by the relay.
	Publish(ctx context.Context, topic string, data []byte) (*Message, error)

	// Subscribe opens a new subscription.
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)

	// Close closes the connection along with all of its subscriptions.
	Close() error
}

// Dialer opens a connection to the relay at url.
type Dialer func(ctx context.Context, url string) (Relay, error)

// SortMessages orders messages by creation time, breaking ties by ID.  Relays
// replay history in implementation-defined order; sorting the replayed batch
// lets independent subscribers apply it in the same order.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare([]byte(a.ID), []byte(b.ID)) < 0
	})
}
