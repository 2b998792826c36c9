// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"time"

	"github.com/btcsuite/joinpool/internal/cfgutil"
	"github.com/btcsuite/joinpool/relay"
	"github.com/davecgh/go-spew/spew"
)

// Directory advertises pools on a relay and discovers the pools advertised by
// others.
type Directory struct {
	relay relay.Relay
	now   func() time.Time
}

// NewDirectory returns a directory backed by the relay r.
func NewDirectory(r relay.Relay) *Directory {
	return &Directory{relay: r, now: time.Now}
}

// Relay returns the relay the directory operates on.
func (d *Directory) Relay() relay.Relay {
	return d.relay
}

// Publish encodes msg and publishes it on the topic of its pool.
func (d *Directory) Publish(ctx context.Context, msg *Message) error {
	return d.publish(ctx, PoolTopic(msg.PoolID), msg)
}

func (d *Directory) publish(ctx context.Context, topic string,
	msg *Message) error {

	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := d.relay.Publish(ctx, topic, data); err != nil {
		return NewError(ErrTransport, "unable to publish "+
			string(msg.Kind), err)
	}
	return nil
}

// SubscribePool subscribes to the traffic of one pool, replaying everything
// published since the given time.  At most limit messages are held for a
// reader that falls behind.
func (d *Directory) SubscribePool(ctx context.Context, id ID,
	since time.Time, limit int) (relay.Subscription, error) {

	sub, err := d.relay.Subscribe(ctx, relay.Filter{
		Topic: PoolTopic(id),
		Since: since,
		Limit: limit,
	})
	if err != nil {
		return nil, NewError(ErrTransport, "unable to subscribe to "+
			"pool "+id.String(), err)
	}
	return sub, nil
}

// Advertise creates a pool from cfg under a fresh identifier and announces
// it.
func (d *Directory) Advertise(ctx context.Context, cfg *Config,
	relays []string) (ID, *Pool, error) {

	id, err := NewID()
	if err != nil {
		return id, nil, err
	}
	p, err := d.AdvertiseWithID(ctx, id, cfg, relays)
	return id, p, err
}

// AdvertiseWithID creates the pool id from cfg and announces it.  The
// advertisement is published on the directory topic, for discovery, and on
// the pool topic, so that joiners can check it against the payload they
// joined with.
func (d *Directory) AdvertiseWithID(ctx context.Context, id ID, cfg *Config,
	relays []string) (*Pool, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	relays, err := cfgutil.NormalizeRelayURLs(relays)
	if err != nil {
		return nil, NewError(ErrInvalidConfig, "invalid relay url", err)
	}

	payload := cfg.Payload(d.now(), relays)
	msg := &Message{
		PoolID:        id,
		Kind:          KindAdvertisement,
		Advertisement: &payload,
	}

	if err := d.publish(ctx, AdvertTopic, msg); err != nil {
		return nil, err
	}
	if err := d.Publish(ctx, msg); err != nil {
		return nil, err
	}

	p := New(id, payload)
	log.Infof("Advertised %v", p)

	return p, nil
}

// Discover collects the advertisements published during the last lookback
// plus those arriving within timeout.  Pools are returned in the order they
// were first seen; when a pool is advertised more than once the latest payload
// wins.  Malformed advertisements are skipped.  The result is never nil.
func (d *Directory) Discover(ctx context.Context, lookback,
	timeout time.Duration) ([]*Pool, error) {

	sub, err := d.relay.Subscribe(ctx, relay.Filter{
		Topic: AdvertTopic,
		Since: d.now().Add(-lookback),
	})
	if err != nil {
		return nil, NewError(ErrTransport, "unable to subscribe to "+
			"pool advertisements", err)
	}
	defer sub.Close()

	var (
		pools = make([]*Pool, 0)
		index = make(map[ID]int)
		timer = time.NewTimer(timeout)
	)
	defer timer.Stop()

	for {
		select {
		case m, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); err != nil {
					return nil, NewError(ErrTransport,
						"advertisement subscription "+
							"ended", err)
				}
				return pools, nil
			}

			msg, err := Decode(m.Data)
			if err == nil && msg.Kind != KindAdvertisement {
				err = malformed("unexpected "+string(msg.Kind)+
					" on directory topic", nil)
			}
			if err != nil {
				log.Debugf("Skipping relay message %s: %v", m.ID,
					err)
				log.Tracef("Skipped message: %v",
					newLogClosure(func() string {
						return spew.Sdump(m)
					}))
				continue
			}

			if i, ok := index[msg.PoolID]; ok {
				pools[i] = New(msg.PoolID, *msg.Advertisement)
				continue
			}
			index[msg.PoolID] = len(pools)
			pools = append(pools, New(msg.PoolID,
				*msg.Advertisement))

		case <-timer.C:
			log.Debugf("Discovered %d pools", len(pools))
			return pools, nil

		case <-ctx.Done():
			return nil, NewError(ErrCanceled, "discovery canceled",
				ctx.Err())
		}
	}
}
