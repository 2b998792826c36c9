// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package nostr implements relay.Relay on top of the nostr NIP-01 protocol.
// Every relay topic maps to a "t" tag on events of EventKind, and message
// payloads travel as event content.
package nostr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/joinpool/relay"
	gonostr "github.com/nbd-wtf/go-nostr"
)

const (
	// DefaultDialTimeout bounds the websocket handshake when the caller's
	// context has no deadline.
	DefaultDialTimeout = 15 * time.Second

	// DefaultLimit is the number of messages a subscription holds for a
	// reader that falls behind when its filter sets no limit.
	DefaultLimit = 1024

	// seenFactor sizes the set of message IDs a subscription remembers for
	// deduplication relative to its limit.
	seenFactor = 2
)

// Config configures a nostr relay connection.
type Config struct {
	// Key signs published events.  A fresh ephemeral key is generated
	// when nil so that events cannot be linked across connections.
	Key *btcec.PrivateKey

	// TLSConfig overrides the TLS client configuration of wss relays.
	TLSConfig *tls.Config
}

// Dialer returns a relay.Dialer opening nostr connections with cfg.
func Dialer(cfg *Config) relay.Dialer {
	return func(ctx context.Context, url string) (relay.Relay, error) {
		c, err := Dial(ctx, url, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Client is a connection to one nostr relay.
type Client struct {
	url    string
	relay  *gonostr.Relay
	secret string

	mtx  sync.Mutex
	subs map[*subscription]struct{}
	err  error

	wg       sync.WaitGroup
	shutdown sync.Once
}

// A compile-time assertion to ensure that Client implements relay.Relay.
var _ relay.Relay = (*Client)(nil)

// Dial connects to the nostr relay at url.
func Dial(ctx context.Context, url string, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	key := cfg.Key
	if key == nil {
		var err error
		key, err = btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	// The connection outlives ctx, Close tears it down.
	r := gonostr.NewRelay(context.Background(), url,
		gonostr.WithNoticeHandler(func(notice string) {
			log.Infof("Notice from %s: %s", url, notice)
		}),
	)
	if err := r.ConnectWithTLS(ctx, cfg.TLSConfig); err != nil {
		r.Close()
		return nil, fmt.Errorf("unable to dial relay %s: %w", url, err)
	}

	c := &Client{
		url:    url,
		relay:  r,
		secret: signingKey(key),
		subs:   make(map[*subscription]struct{}),
	}

	c.wg.Add(1)
	go c.connHandler()

	log.Infof("Connected to relay %s", url)

	return c, nil
}

// URL returns the address the client was dialed with.
func (c *Client) URL() string {
	return c.url
}

// connHandler tears the client down once the connection is lost.
func (c *Client) connHandler() {
	defer c.wg.Done()

	<-c.relay.Context().Done()

	err := c.relay.ConnectionError
	if err == nil {
		c.fail(relay.ErrClosed)
		return
	}
	log.Warnf("Relay %s disconnected: %v", c.url, err)
	c.fail(fmt.Errorf("%w: %v", relay.ErrClosed, err))
}

// fail records err as the reason the client went down and ends every
// subscription with it.  Only the first reason is kept.
func (c *Client) fail(err error) {
	c.mtx.Lock()
	if c.err != nil {
		c.mtx.Unlock()
		return
	}
	c.err = err
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[*subscription]struct{})
	c.mtx.Unlock()

	for _, sub := range subs {
		sub.finish(err)
	}
}

func (c *Client) closedErr() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.err
}

// connErr maps a failed relay operation to the error reported to callers.
func (c *Client) connErr(err error) error {
	if closedErr := c.closedErr(); closedErr != nil {
		return closedErr
	}
	if !c.relay.IsConnected() {
		return fmt.Errorf("%w: %v", relay.ErrClosed, err)
	}
	return err
}

// Publish signs an event carrying data on topic, sends it and waits for the
// relay to acknowledge it.
func (c *Client) Publish(ctx context.Context, topic string,
	data []byte) (*relay.Message, error) {

	if topic == "" {
		return nil, relay.ErrEmptyTopic
	}
	if err := c.closedErr(); err != nil {
		return nil, err
	}

	ev, err := newEvent(c.secret, topic, data)
	if err != nil {
		return nil, err
	}

	if err := c.relay.Publish(ctx, *ev); err != nil {
		return nil, c.publishErr(ctx, ev, err)
	}

	// The library reports a connection lost while waiting for the
	// acknowledgement as success.
	if !c.relay.IsConnected() {
		return nil, c.connErr(errors.New("connection lost before " +
			"acknowledgement"))
	}

	log.Debugf("Published event %s on %s", ev.ID, topic)

	return newMessage(ev, topic), nil
}

// publishErr maps the failure to publish ev to the error reported to callers.
func (c *Client) publishErr(ctx context.Context, ev *gonostr.Event,
	err error) error {

	switch {
	case ctx.Err() != nil:
		return ctx.Err()

	case !c.relay.IsConnected():
		return c.connErr(err)

	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("relay %s did not acknowledge event %s: %w",
			c.url, ev.ID, err)
	}

	return fmt.Errorf("%w: %v", relay.ErrRejected, err)
}

// Subscribe sends a REQ for the topic.  Stored events are buffered until the
// relay signals the end of stored events, then delivered in order.
func (c *Client) Subscribe(ctx context.Context,
	filter relay.Filter) (relay.Subscription, error) {

	if filter.Topic == "" {
		return nil, relay.ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.closedErr(); err != nil {
		return nil, err
	}

	// Without a replay request only events from now on are wanted.
	since := filter.Since
	if since.IsZero() {
		since = time.Now()
	}
	ts := gonostr.Timestamp(since.Unix())

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	// The subscription outlives ctx, Close ends it.
	ns, err := c.relay.Subscribe(context.Background(), gonostr.Filters{{
		Kinds: []int{EventKind},
		Tags:  gonostr.TagMap{topicTag: {filter.Topic}},
		Since: &ts,
	}})
	if err != nil {
		return nil, c.connErr(err)
	}

	c.mtx.Lock()
	if c.err != nil {
		err := c.err
		c.mtx.Unlock()
		ns.Unsub()
		return nil, err
	}
	sub := newSubscription(c, ns, filter.Topic, limit)
	c.subs[sub] = struct{}{}
	c.wg.Add(1)
	c.mtx.Unlock()

	go sub.run()

	return sub, nil
}

func (c *Client) remove(sub *subscription) {
	c.mtx.Lock()
	delete(c.subs, sub)
	c.mtx.Unlock()
}

// Close closes the connection and all of its subscriptions.
func (c *Client) Close() error {
	c.shutdown.Do(func() {
		c.fail(relay.ErrClosed)

		// The library reports a connection that already went away as
		// an error.
		if err := c.relay.Close(); err != nil {
			log.Debugf("Closing relay %s: %v", c.url, err)
		}
	})
	c.wg.Wait()

	return nil
}

// subscription adapts a library subscription.  Stored events are held until
// the end of stored events and then delivered sorted.  At most limit messages
// are held for a slow reader, and further messages are dropped.
type subscription struct {
	client *Client
	sub    *gonostr.Subscription
	topic  string
	limit  int

	// The fields below are owned by the run goroutine.
	stored  []*relay.Message
	queue   []*relay.Message
	live    bool
	seen    map[string]struct{}
	ring    []string
	next    int
	dropped int

	mtx    sync.Mutex
	err    error
	out    chan *relay.Message
	quit   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newSubscription(c *Client, ns *gonostr.Subscription, topic string,
	limit int) *subscription {

	return &subscription{
		client: c,
		sub:    ns,
		topic:  topic,
		limit:  limit,
		seen:   make(map[string]struct{}),
		ring:   make([]string, seenFactor*limit),
		out:    make(chan *relay.Message),
		quit:   make(chan struct{}),
	}
}

// held returns the number of messages waiting for the reader.
func (s *subscription) held() int {
	return len(s.stored) + len(s.queue)
}

// remember records id as delivered, forgetting the oldest recorded id once
// the ring is full.
func (s *subscription) remember(id string) {
	if old := s.ring[s.next]; old != "" {
		delete(s.seen, old)
	}
	s.ring[s.next] = id
	s.seen[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
}

// deliver queues msg unless it was seen before or the subscription is full.
func (s *subscription) deliver(msg *relay.Message) {
	if _, ok := s.seen[msg.ID]; ok {
		return
	}
	if s.held() >= s.limit {
		s.dropped++
		if s.dropped == 1 {
			log.Warnf("Subscription to %s is full, dropping "+
				"messages", s.topic)
		}
		log.Debugf("Dropped message %s on %s (%d dropped)", msg.ID,
			s.topic, s.dropped)
		return
	}

	s.remember(msg.ID)
	if s.live {
		s.queue = append(s.queue, msg)
	} else {
		s.stored = append(s.stored, msg)
	}
}

// endOfStored releases the stored messages ahead of any live ones.
func (s *subscription) endOfStored() {
	if s.live {
		return
	}
	relay.SortMessages(s.stored)
	s.queue = append(s.stored, s.queue...)
	s.stored = nil
	s.live = true
}

func (s *subscription) handleEvent(ev *gonostr.Event) {
	if err := checkEvent(ev, s.topic); err != nil {
		log.Debugf("Ignoring event %s on %s: %v", ev.ID, s.topic, err)
		return
	}
	s.deliver(newMessage(ev, s.topic))
}

func (s *subscription) run() {
	defer s.client.wg.Done()
	defer close(s.out)

	for {
		var (
			out  chan *relay.Message
			next *relay.Message
		)
		if len(s.queue) > 0 {
			out, next = s.out, s.queue[0]
		}

		select {
		case out <- next:
			s.queue[0] = nil
			s.queue = s.queue[1:]

		case ev, ok := <-s.sub.Events:
			if !ok {
				s.finish(fmt.Errorf("%w: subscription to %s "+
					"ended", relay.ErrClosed, s.topic))
				return
			}
			s.handleEvent(ev)

		case <-s.sub.EndOfStoredEvents:
			s.endOfStored()

		case reason := <-s.sub.ClosedReason:
			s.client.remove(s)
			s.finish(fmt.Errorf("%w: %s", relay.ErrRejected, reason))
			s.sub.Unsub()
			return

		case <-s.quit:
			return
		}
	}
}

// finish ends the subscription with err.
func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mtx.Lock()
		s.err = err
		s.mtx.Unlock()
		close(s.quit)
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

// Close ends the subscription and sends CLOSE to the relay.
func (s *subscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.remove(s)
	s.finish(nil)
	s.sub.Unsub()
	return nil
}
