// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// AdvertTopic is the relay topic pools are advertised on.
const AdvertTopic = "joinpool"

// PoolTopic returns the relay topic carrying the traffic of one pool.
func PoolTopic(id ID) string {
	return AdvertTopic + "/" + id.String()
}

// Kind names the body carried by a Message.
type Kind string

// The message kinds exchanged on the relay.
const (
	KindAdvertisement Kind = "advertisement"
	KindCommitment    Kind = "commitment"
	KindSignature     Kind = "signature"
)

// feeTypeFixed is the wire name of FixedFee.
const feeTypeFixed = "fixed"

// Signature carries the witness signature of one input of the pool
// transaction.
type Signature struct {
	// InputIndex is the index of the input in the canonical template.
	InputIndex int

	// Signature is a DER encoded ECDSA signature followed by the sighash
	// type byte.
	Signature []byte
}

// Message is one relay message of the pool protocol.  Exactly one of the body
// fields is set, matching Kind.
type Message struct {
	PoolID ID
	Kind   Kind

	Advertisement *Payload
	Commitment    *Commitment
	Signature     *Signature
}

type jsonMessage struct {
	PoolID  *string         `json:"pool_id"`
	Kind    *Kind           `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type jsonFee struct {
	Type  *string `json:"type"`
	Value *int64  `json:"value"`
}

type jsonAdvertisement struct {
	Denomination *int64   `json:"denomination"`
	Fee          *jsonFee `json:"fee"`
	Peers        *int     `json:"peers"`
	Relays       []string `json:"relays"`
	CreatedAt    *int64   `json:"created_at"`
	Expiry       *int64   `json:"expiry,omitempty"`
	Network      *string  `json:"network"`
}

type jsonInput struct {
	TxID     *string `json:"txid"`
	Vout     *uint32 `json:"vout"`
	Amount   *int64  `json:"amount"`
	PkScript *string `json:"pk_script"`
	PubKey   *string `json:"pubkey"`
}

type jsonCommitment struct {
	Input  *jsonInput `json:"input"`
	Output *string    `json:"output"`
	Proof  *string    `json:"proof"`
}

type jsonSignature struct {
	InputIndex *int    `json:"input_index"`
	Signature  *string `json:"signature"`
}

func ptr[T any](v T) *T {
	return &v
}

// Encode serializes a message into its relay representation.
func Encode(msg *Message) ([]byte, error) {
	var body interface{}
	switch msg.Kind {
	case KindAdvertisement:
		p := msg.Advertisement
		if p == nil {
			return nil, fmt.Errorf("advertisement message without " +
				"payload")
		}
		fee, err := checkFee(p.Fee)
		if err != nil {
			return nil, err
		}
		adv := &jsonAdvertisement{
			Denomination: ptr(int64(p.Denomination)),
			Fee: &jsonFee{
				Type:  ptr(feeTypeFixed),
				Value: ptr(int64(fee)),
			},
			Peers:     ptr(p.Peers),
			Relays:    p.Relays,
			CreatedAt: ptr(p.CreatedAt.Unix()),
			Network:   ptr(p.Network),
		}
		if adv.Relays == nil {
			adv.Relays = []string{}
		}
		if !p.Expiry.IsZero() {
			adv.Expiry = ptr(p.Expiry.Unix())
		}
		body = adv

	case KindCommitment:
		c := msg.Commitment
		if c == nil {
			return nil, fmt.Errorf("commitment message without " +
				"payload")
		}
		body = &jsonCommitment{
			Input: &jsonInput{
				TxID:     ptr(c.OutPoint.Hash.String()),
				Vout:     ptr(c.OutPoint.Index),
				Amount:   ptr(int64(c.Amount)),
				PkScript: ptr(hex.EncodeToString(c.PkScript)),
				PubKey:   ptr(hex.EncodeToString(c.PubKey)),
			},
			Output: ptr(c.Output),
			Proof:  ptr(hex.EncodeToString(c.Proof)),
		}

	case KindSignature:
		s := msg.Signature
		if s == nil {
			return nil, fmt.Errorf("signature message without " +
				"payload")
		}
		body = &jsonSignature{
			InputIndex: ptr(s.InputIndex),
			Signature:  ptr(hex.EncodeToString(s.Signature)),
		}

	default:
		return nil, fmt.Errorf("unknown message kind %q", msg.Kind)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	kind := msg.Kind
	return json.Marshal(&jsonMessage{
		PoolID:  ptr(msg.PoolID.String()),
		Kind:    &kind,
		Payload: payload,
	})
}

func malformed(desc string, err error) error {
	return NewError(ErrMalformedMessage, desc, err)
}

// Decode parses and validates a relay message.  Every failure is reported as
// ErrMalformedMessage.
func Decode(data []byte) (*Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, malformed("invalid message encoding", err)
	}
	if jm.PoolID == nil || jm.Kind == nil || len(jm.Payload) == 0 {
		return nil, malformed("message is missing required fields", nil)
	}
	id, err := ParseID(*jm.PoolID)
	if err != nil {
		return nil, malformed("invalid pool id", err)
	}

	msg := &Message{PoolID: id, Kind: *jm.Kind}
	switch msg.Kind {
	case KindAdvertisement:
		msg.Advertisement, err = decodeAdvertisement(jm.Payload)
	case KindCommitment:
		msg.Commitment, err = decodeCommitment(jm.Payload)
	case KindSignature:
		msg.Signature, err = decodeSignature(jm.Payload)
	default:
		err = malformed(fmt.Sprintf("unknown message kind %q",
			msg.Kind), nil)
	}
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func decodeAdvertisement(data []byte) (*Payload, error) {
	var ja jsonAdvertisement
	if err := json.Unmarshal(data, &ja); err != nil {
		return nil, malformed("invalid advertisement encoding", err)
	}
	if ja.Denomination == nil || ja.Fee == nil || ja.Peers == nil ||
		ja.CreatedAt == nil || ja.Network == nil {

		return nil, malformed("advertisement is missing required "+
			"fields", nil)
	}
	if ja.Fee.Type == nil || ja.Fee.Value == nil {
		return nil, malformed("fee is missing required fields", nil)
	}
	if *ja.Fee.Type != feeTypeFixed {
		str := fmt.Sprintf("unsupported fee type %q", *ja.Fee.Type)
		return nil, malformed(str, nil)
	}

	p := &Payload{
		Denomination: btcutil.Amount(*ja.Denomination),
		Fee:          FixedFee(*ja.Fee.Value),
		Peers:        *ja.Peers,
		Relays:       ja.Relays,
		CreatedAt:    time.Unix(*ja.CreatedAt, 0),
		Network:      *ja.Network,
	}
	if ja.Expiry != nil {
		p.Expiry = time.Unix(*ja.Expiry, 0)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

func decodeHex(field string, s *string) ([]byte, error) {
	if s == nil {
		return nil, malformed(fmt.Sprintf("missing %s", field), nil)
	}
	b, err := hex.DecodeString(*s)
	if err != nil {
		return nil, malformed(fmt.Sprintf("invalid %s", field), err)
	}
	return b, nil
}

func decodeCommitment(data []byte) (*Commitment, error) {
	var jc jsonCommitment
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, malformed("invalid commitment encoding", err)
	}
	in := jc.Input
	if in == nil || in.TxID == nil || in.Vout == nil || in.Amount == nil ||
		jc.Output == nil {

		return nil, malformed("commitment is missing required fields",
			nil)
	}

	hash, err := chainhash.NewHashFromStr(*in.TxID)
	if err != nil {
		return nil, malformed("invalid input txid", err)
	}
	pkScript, err := decodeHex("input script", in.PkScript)
	if err != nil {
		return nil, err
	}
	pubKey, err := decodeHex("input public key", in.PubKey)
	if err != nil {
		return nil, err
	}
	proof, err := decodeHex("ownership proof", jc.Proof)
	if err != nil {
		return nil, err
	}
	if *in.Amount <= 0 {
		str := fmt.Sprintf("invalid input amount %d", *in.Amount)
		return nil, malformed(str, nil)
	}

	return &Commitment{
		OutPoint: *wire.NewOutPoint(hash, *in.Vout),
		Amount:   btcutil.Amount(*in.Amount),
		PkScript: pkScript,
		PubKey:   pubKey,
		Output:   *jc.Output,
		Proof:    proof,
	}, nil
}

func decodeSignature(data []byte) (*Signature, error) {
	var js jsonSignature
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, malformed("invalid signature encoding", err)
	}
	if js.InputIndex == nil {
		return nil, malformed("signature is missing its input index",
			nil)
	}
	if *js.InputIndex < 0 {
		str := fmt.Sprintf("negative input index %d", *js.InputIndex)
		return nil, malformed(str, nil)
	}
	sig, err := decodeHex("signature", js.Signature)
	if err != nil {
		return nil, err
	}
	if len(sig) == 0 {
		return nil, malformed("empty signature", nil)
	}

	return &Signature{InputIndex: *js.InputIndex, Signature: sig}, nil
}
