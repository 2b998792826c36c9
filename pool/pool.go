// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pool holds the coinjoin pool data model, the relay wire format pools
// are negotiated with, and the directory used to advertise and discover pools.
package pool

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/joinpool/internal/cfgutil"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// MinPeers is the smallest number of peers a pool may target.
	MinPeers = 2

	// MaxPeers bounds the peer count of advertisements accepted from the
	// relay.
	MaxPeers = 500

)

// messageSlack multiplies the expected traffic of a pool into the number of
// messages a subscriber buffers.
const messageSlack = 4

// p2wpkhTemplate stands in for the output scripts pools pay to when checking
// the denomination against the dust limit.
var p2wpkhTemplate = append([]byte{0x00, 0x14}, make([]byte, 20)...)

// ID identifies a pool.
type ID [32]byte

// NewID returns a random pool identifier.
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// ParseID decodes a hex encoded pool identifier.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("pool id has %d bytes, want %d", len(b),
			len(id))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex encoding of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Config is the pool shape chosen by an initiator.
type Config struct {
	// Denomination is the value every output of the pool carries.
	Denomination btcutil.Amount

	// Fee is the network fee paid by the whole transaction.
	Fee Fee

	// Peers is the number of inputs (and outputs) of the transaction.
	Peers int

	// MaxDuration bounds how long the pool stays open.
	MaxDuration time.Duration

	// Network is the network the pool transacts on.
	Network *netparams.Params
}

// Validate checks the pool invariants.
func (c *Config) Validate() error {
	fee, err := checkFee(c.Fee)
	switch {
	case err != nil:
		return NewError(ErrInvalidConfig, "invalid pool fee", err)

	case c.Denomination <= 0:
		str := fmt.Sprintf("denomination %v is not positive",
			c.Denomination)
		return NewError(ErrInvalidConfig, str, nil)

	case c.Denomination > btcutil.MaxSatoshi:
		str := fmt.Sprintf("denomination %v exceeds the money supply",
			c.Denomination)
		return NewError(ErrInvalidConfig, str, nil)

	case txrules.IsDustOutput(
		wire.NewTxOut(int64(c.Denomination), p2wpkhTemplate),
		txrules.DefaultRelayFeePerKb,
	):

		str := fmt.Sprintf("denomination %v is dust", c.Denomination)
		return NewError(ErrInvalidConfig, str, nil)

	case c.Peers < MinPeers || c.Peers > MaxPeers:
		str := fmt.Sprintf("peer count %d outside [%d, %d]", c.Peers,
			MinPeers, MaxPeers)
		return NewError(ErrInvalidConfig, str, nil)

	case c.MaxDuration <= 0:
		str := fmt.Sprintf("max duration %v is not positive",
			c.MaxDuration)
		return NewError(ErrInvalidConfig, str, nil)

	case c.Network == nil:
		return NewError(ErrInvalidConfig, "missing network", nil)
	}

	if fee > btcutil.MaxSatoshi {
		str := fmt.Sprintf("fee %v exceeds the money supply", fee)
		return NewError(ErrInvalidConfig, str, nil)
	}

	return nil
}

// Payload derives the advertised payload of a pool created at now.
func (c *Config) Payload(now time.Time, relays []string) Payload {
	created := now.Truncate(time.Second)
	return Payload{
		Denomination: c.Denomination,
		Fee:          c.Fee,
		Peers:        c.Peers,
		Relays:       append([]string(nil), relays...),
		CreatedAt:    created,
		Expiry:       created.Add(c.MaxDuration),
		Network:      c.Network.Name,
	}
}

// Payload is the advertised shape of a pool.
type Payload struct {
	Denomination btcutil.Amount
	Fee          Fee
	Peers        int
	Relays       []string
	CreatedAt    time.Time

	// Expiry is when the pool stops accepting peers.  The zero value
	// means the advertiser did not state one.
	Expiry time.Time

	// Network is the chaincfg name of the pool's network.
	Network string
}

// Validate checks the rules an advertisement must satisfy to be accepted.
func (p *Payload) Validate() error {
	fee, err := checkFee(p.Fee)
	switch {
	case err != nil:
		return NewError(ErrMalformedMessage, "invalid advertised fee",
			err)

	case p.Denomination <= 0 || p.Denomination > btcutil.MaxSatoshi:
		str := fmt.Sprintf("invalid advertised denomination %v",
			p.Denomination)
		return NewError(ErrMalformedMessage, str, nil)

	case fee > btcutil.MaxSatoshi:
		str := fmt.Sprintf("invalid advertised fee %v", fee)
		return NewError(ErrMalformedMessage, str, nil)

	case p.Peers < MinPeers || p.Peers > MaxPeers:
		str := fmt.Sprintf("invalid advertised peer count %d", p.Peers)
		return NewError(ErrMalformedMessage, str, nil)

	case !p.Expiry.IsZero() && p.Expiry.Before(p.CreatedAt):
		return NewError(ErrMalformedMessage,
			"advertised expiry precedes creation", nil)
	}

	if _, err := netparams.ByName(p.Network); err != nil {
		return NewError(ErrMalformedMessage, "unknown advertised network",
			err)
	}
	for _, relayURL := range p.Relays {
		if _, err := cfgutil.NormalizeRelayURL(relayURL); err != nil {
			return NewError(ErrMalformedMessage,
				"invalid advertised relay", err)
		}
	}

	return nil
}

// FeeAmount returns the absolute fee of the pool.
func (p *Payload) FeeAmount() btcutil.Amount {
	if p.Fee == nil {
		return 0
	}
	return p.Fee.Amount()
}

// FeeShare returns the minimum fee contribution of each input.
func (p *Payload) FeeShare() btcutil.Amount {
	return FeeShare(p.FeeAmount(), p.Peers)
}

// MinInput returns the smallest input amount a commitment may carry.
func (p *Payload) MinInput() btcutil.Amount {
	return p.Denomination + p.FeeShare()
}

// Equal reports whether two payloads describe the same pool shape.
func (p *Payload) Equal(o *Payload) bool {
	if p.Denomination != o.Denomination || p.Peers != o.Peers ||
		p.FeeAmount() != o.FeeAmount() || p.Network != o.Network ||
		!p.CreatedAt.Equal(o.CreatedAt) || !p.Expiry.Equal(o.Expiry) ||
		len(p.Relays) != len(o.Relays) {

		return false
	}
	for i := range p.Relays {
		if p.Relays[i] != o.Relays[i] {
			return false
		}
	}
	return true
}

// MessageLimit bounds the pool traffic buffered for one subscriber.  A pool
// carries an advertisement plus a commitment and a signature per peer; the
// limit leaves room for redeliveries and stray messages on the topic.
func (p *Payload) MessageLimit() int {
	return messageSlack * (2*p.Peers + 1)
}

// Expired reports whether the pool stopped accepting peers at now.
func (p *Payload) Expired(now time.Time) bool {
	return !p.Expiry.IsZero() && !now.Before(p.Expiry)
}

// Params returns the network parameters of the payload.
func (p *Payload) Params() (*netparams.Params, error) {
	return netparams.ByName(p.Network)
}

// Pool is the observed state of one coordination session.
type Pool struct {
	// ID identifies the pool on the relay.
	ID ID

	// Payload is the advertised pool shape.  It is None for pools known
	// only by identifier, for example from commitment traffic seen before
	// the advertisement.
	Payload fn.Option[Payload]

	// Commitments are the accepted (input, output) pairs in acceptance
	// order.
	Commitments []*Commitment
}

// New returns a pool with a known payload.
func New(id ID, payload Payload) *Pool {
	return &Pool{ID: id, Payload: fn.Some(payload)}
}

// DenominationSat returns the denomination in satoshis, if advertised.
func (p *Pool) DenominationSat() fn.Option[int64] {
	return fn.MapOption(func(pl Payload) int64 {
		return int64(pl.Denomination)
	})(p.Payload)
}

// DenominationBTC returns the denomination in bitcoin, if advertised.
func (p *Pool) DenominationBTC() fn.Option[float64] {
	return fn.MapOption(func(pl Payload) float64 {
		return pl.Denomination.ToBTC()
	})(p.Payload)
}

// PeerCount returns the targeted number of peers, if advertised.
func (p *Pool) PeerCount() fn.Option[int] {
	return fn.MapOption(func(pl Payload) int {
		return pl.Peers
	})(p.Payload)
}

// Relay returns the first relay the pool is negotiated on, if any.
func (p *Pool) Relay() fn.Option[string] {
	relayURL := fn.None[string]()
	p.Payload.WhenSome(func(pl Payload) {
		if len(pl.Relays) > 0 {
			relayURL = fn.Some(pl.Relays[0])
		}
	})
	return relayURL
}

// FixedFee returns the absolute fee in satoshis, if advertised.
func (p *Pool) FixedFee() fn.Option[int64] {
	return fn.MapOption(func(pl Payload) int64 {
		return int64(pl.FeeAmount())
	})(p.Payload)
}

// Copy returns a copy of the pool that shares no commitment slice with p.
func (p *Pool) Copy() *Pool {
	return &Pool{
		ID:          p.ID,
		Payload:     p.Payload,
		Commitments: append([]*Commitment(nil), p.Commitments...),
	}
}

// String returns a short description of the pool for logging.
func (p *Pool) String() string {
	desc := fmt.Sprintf("pool %v", p.ID)
	p.Payload.WhenSome(func(pl Payload) {
		desc = fmt.Sprintf("pool %v (%v x %d, fee %v, %s)", p.ID,
			pl.Denomination, pl.Peers, pl.FeeAmount(), pl.Network)
	})
	return desc
}
