// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package memrelay provides an in-process relay.  Every connection dialed
// from the same Hub sees the same message log, which makes it suitable for
// simulating many pool participants inside one process.
package memrelay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/joinpool/relay"
)

// Hub is the shared message log connections publish to.
type Hub struct {
	mtx  sync.Mutex
	msgs []*relay.Message
	subs map[*subscription]struct{}
	seq  uint64
	now  func() time.Time
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[*subscription]struct{}),
		now:  time.Now,
	}
}

// Dial returns a new connection to the hub.  The url is only recorded.
func (h *Hub) Dial(_ context.Context, url string) (relay.Relay, error) {
	return &Conn{
		hub:  h,
		url:  url,
		subs: make(map[*subscription]struct{}),
	}, nil
}

// Dialer returns a relay.Dialer connecting to this hub for any url.
func (h *Hub) Dialer() relay.Dialer {
	return h.Dial
}

// Messages returns a copy of every message published on topic so far.
func (h *Hub) Messages(topic string) []*relay.Message {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	var msgs []*relay.Message
	for _, msg := range h.msgs {
		if msg.Topic == topic {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// Subscribers returns the number of live subscriptions across all
// connections.
func (h *Hub) Subscribers() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return len(h.subs)
}

func (h *Hub) publish(topic string, data []byte) *relay.Message {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.seq++
	msg := &relay.Message{
		ID:        fmt.Sprintf("%016x", h.seq),
		Topic:     topic,
		Data:      append([]byte(nil), data...),
		CreatedAt: h.now(),
	}
	h.msgs = append(h.msgs, msg)

	for sub := range h.subs {
		if sub.filter.Topic == topic {
			sub.push(msg)
		}
	}
	return msg
}

func (h *Hub) subscribe(filter relay.Filter) *subscription {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	var history []*relay.Message
	if !filter.Since.IsZero() {
		for _, msg := range h.msgs {
			if msg.Topic != filter.Topic ||
				msg.CreatedAt.Before(filter.Since) {

				continue
			}
			history = append(history, msg)
		}
		relay.SortMessages(history)
	}

	sub := newSubscription(filter, history)
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *subscription) {
	h.mtx.Lock()
	delete(h.subs, sub)
	h.mtx.Unlock()
}

// Conn is one connection to a Hub.
type Conn struct {
	hub *Hub
	url string

	mtx    sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// A compile-time assertion to ensure that Conn implements relay.Relay.
var _ relay.Relay = (*Conn)(nil)

// URL returns the url the connection was dialed with.
func (c *Conn) URL() string {
	return c.url
}

// Publish appends a message to the hub log and fans it out to subscribers.
func (c *Conn) Publish(ctx context.Context, topic string,
	data []byte) (*relay.Message, error) {

	if topic == "" {
		return nil, relay.ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	closed := c.closed
	c.mtx.Unlock()
	if closed {
		return nil, relay.ErrClosed
	}

	return c.hub.publish(topic, data), nil
}

// Subscribe opens a subscription on the hub.
func (c *Conn) Subscribe(ctx context.Context,
	filter relay.Filter) (relay.Subscription, error) {

	if filter.Topic == "" {
		return nil, relay.ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.closed {
		return nil, relay.ErrClosed
	}

	sub := c.hub.subscribe(filter)
	sub.onClose = func() {
		c.hub.unsubscribe(sub)
		c.mtx.Lock()
		delete(c.subs, sub)
		c.mtx.Unlock()
	}
	c.subs[sub] = struct{}{}
	go sub.run()

	return sub, nil
}

// Close closes the connection and every subscription opened through it.
func (c *Conn) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mtx.Unlock()

	for _, sub := range subs {
		sub.shutdown(relay.ErrClosed)
	}
	return nil
}

// subscription buffers messages so that a slow reader never blocks
// publishers.  The buffer is unbounded unless the filter sets a limit.
type subscription struct {
	filter relay.Filter

	mtx    sync.Mutex
	queue  []*relay.Message
	err    error
	signal chan struct{}

	out     chan *relay.Message
	quit    chan struct{}
	once    sync.Once
	onClose func()
}

func newSubscription(filter relay.Filter,
	history []*relay.Message) *subscription {

	if filter.Limit > 0 && len(history) > filter.Limit {
		history = history[:filter.Limit]
	}

	return &subscription{
		filter: filter,
		queue:  history,
		signal: make(chan struct{}, 1),
		out:    make(chan *relay.Message),
		quit:   make(chan struct{}),
	}
}

func (s *subscription) push(msg *relay.Message) {
	s.mtx.Lock()
	if s.filter.Limit > 0 && len(s.queue) >= s.filter.Limit {
		s.mtx.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mtx.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer close(s.out)

	for {
		s.mtx.Lock()
		if len(s.queue) == 0 {
			s.mtx.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.quit:
				return
			}
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mtx.Unlock()

		select {
		case s.out <- msg:
		case <-s.quit:
			return
		}
	}
}

func (s *subscription) shutdown(err error) {
	s.once.Do(func() {
		s.mtx.Lock()
		s.err = err
		s.mtx.Unlock()

		close(s.quit)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Messages returns the delivery channel.
func (s *subscription) Messages() <-chan *relay.Message {
	return s.out
}

// Err returns why the subscription ended.
func (s *subscription) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.err
}

// Close ends the subscription.
func (s *subscription) Close() error {
	s.shutdown(nil)
	return nil
}
