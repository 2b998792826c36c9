// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

// proofTag domain separates commitment proofs from any other signature made
// with the same key.
var proofTag = []byte("joinpool/commitment")

const (
	typeProofPoolID   tlv.Type = 0
	typeProofTxID     tlv.Type = 2
	typeProofIndex    tlv.Type = 4
	typeProofAmount   tlv.Type = 6
	typeProofPkScript tlv.Type = 8
	typeProofOutput   tlv.Type = 10
)

// Commitment binds one input coin and one output address to a pool.
type Commitment struct {
	// OutPoint is the committed input.
	OutPoint wire.OutPoint

	// Amount is the value of the committed input.
	Amount btcutil.Amount

	// PkScript is the script of the committed input.  Only P2WPKH
	// scripts are accepted.
	PkScript []byte

	// PubKey is the compressed public key the input script pays to.
	PubKey []byte

	// Output is the encoded address receiving the denomination.
	Output string

	// Proof is a DER encoded ECDSA signature over ProofDigest made with
	// the key behind PubKey.
	Proof []byte
}

// OutputScript decodes the output address for the network and returns its
// script.
func (c *Commitment) OutputScript(params *chaincfg.Params) ([]byte, error) {
	return AddressScript(c.Output, params)
}

// AddressScript decodes an address that must belong to params and returns the
// script paying to it.
func AddressScript(addr string, params *chaincfg.Params) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, err
	}
	if !a.IsForNet(params) {
		return nil, fmt.Errorf("address %v is not for %v", addr,
			params.Name)
	}
	return txscript.PayToAddrScript(a)
}

// ProofDigest returns the digest the ownership proof signs.  It commits to the
// pool, the input and the output script, so a proof cannot be replayed into
// another pool or attached to a different output.
func (c *Commitment) ProofDigest(id ID,
	params *chaincfg.Params) (*chainhash.Hash, error) {

	outScript, err := c.OutputScript(params)
	if err != nil {
		return nil, err
	}

	var (
		poolID   = [32]byte(id)
		txid     = [32]byte(c.OutPoint.Hash)
		index    = c.OutPoint.Index
		amount   = uint64(c.Amount)
		pkScript = c.PkScript
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeProofPoolID, &poolID),
		tlv.MakePrimitiveRecord(typeProofTxID, &txid),
		tlv.MakePrimitiveRecord(typeProofIndex, &index),
		tlv.MakePrimitiveRecord(typeProofAmount, &amount),
		tlv.MakePrimitiveRecord(typeProofPkScript, &pkScript),
		tlv.MakePrimitiveRecord(typeProofOutput, &outScript),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return chainhash.TaggedHash(proofTag, buf.Bytes()), nil
}

// Sign sets the ownership proof using the private key of the input.
func (c *Commitment) Sign(id ID, params *chaincfg.Params,
	key *btcec.PrivateKey) error {

	digest, err := c.ProofDigest(id, params)
	if err != nil {
		return err
	}
	c.Proof = ecdsa.Sign(key, digest[:]).Serialize()
	return nil
}

// Verify checks the commitment against the pool it is made for.  Any
// violation is reported as ErrInvalidCommitment.
func (c *Commitment) Verify(id ID, payload *Payload) error {
	params, err := payload.Params()
	if err != nil {
		return NewError(ErrInvalidCommitment, "unknown pool network", err)
	}

	if minIn := payload.MinInput(); c.Amount < minIn {
		str := fmt.Sprintf("input amount %v is below the minimum %v",
			c.Amount, minIn)
		return NewError(ErrInvalidCommitment, str, nil)
	}
	if c.Amount > btcutil.MaxSatoshi {
		str := fmt.Sprintf("input amount %v exceeds the money supply",
			c.Amount)
		return NewError(ErrInvalidCommitment, str, nil)
	}

	if !txscript.IsPayToWitnessPubKeyHash(c.PkScript) {
		return NewError(ErrInvalidCommitment,
			"input script is not pay-to-witness-pubkey-hash", nil)
	}
	pub, err := btcec.ParsePubKey(c.PubKey)
	if err != nil || len(c.PubKey) != btcec.PubKeyBytesLenCompressed {
		return NewError(ErrInvalidCommitment,
			"invalid commitment public key", err)
	}
	if !bytes.Equal(btcutil.Hash160(c.PubKey), c.PkScript[2:]) {
		return NewError(ErrInvalidCommitment,
			"public key does not match the input script", nil)
	}

	digest, err := c.ProofDigest(id, params.Params)
	if err != nil {
		return NewError(ErrInvalidCommitment, "invalid output address",
			err)
	}
	sig, err := ecdsa.ParseDERSignature(c.Proof)
	if err != nil {
		return NewError(ErrInvalidCommitment,
			"malformed ownership proof", err)
	}
	if !sig.Verify(digest[:], pub) {
		return NewError(ErrInvalidCommitment,
			"ownership proof does not verify", nil)
	}

	return nil
}

// String returns the committed outpoint and amount for logging.
func (c *Commitment) String() string {
	return fmt.Sprintf("%v (%v)", c.OutPoint, c.Amount)
}
