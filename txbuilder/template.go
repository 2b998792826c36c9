// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder builds the canonical unsigned transaction of a pool and
// assembles the final transaction once every peer signed its input.
package txbuilder

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/joinpool/pool"
	"github.com/davecgh/go-spew/spew"
)

const (
	// txVersion is the version of every pool transaction.
	txVersion = 2

	// sigHashType is the only signature hash type accepted for pool
	// inputs.  Every signature commits to all inputs and outputs.
	sigHashType = txscript.SigHashAll
)

// Input is one committed coin of the transaction.
type Input struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte

	// PubKey is the compressed key the P2WPKH script pays to.
	PubKey []byte
}

// Output is one payment of the transaction.
type Output struct {
	Amount   btcutil.Amount
	PkScript []byte
}

// Template is the canonical unsigned transaction of a pool along with the
// data needed to sign and verify its inputs.  A template is immutable.
type Template struct {
	packet    *psbt.Packet
	inputs    []Input
	fee       btcutil.Amount
	fetcher   *txscript.MultiPrevOutFetcher
	sigHashes *txscript.TxSigHashes
}

func checkBalance(inputs []Input, outputs []Output,
	fee btcutil.Amount) error {

	var in, out btcutil.Amount
	for _, txIn := range inputs {
		in += txIn.Amount
	}
	for _, txOut := range outputs {
		out += txOut.Amount
	}

	if in-out != fee {
		str := fmt.Sprintf("inputs %v do not pay outputs %v plus fee "+
			"%v exactly (difference %v)", in, out, fee, in-out-fee)
		return pool.NewError(pool.ErrBalance, str, nil)
	}
	return nil
}

// BuildTemplate returns the canonical transaction spending inputs to outputs.
// Inputs and outputs are ordered as described in BIP 69, so every peer
// building a template from the same sets obtains byte-identical results
// regardless of the order they learned about them.
func BuildTemplate(inputs []Input, outputs []Output,
	fee btcutil.Amount) (*Template, error) {

	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, pool.NewError(pool.ErrBalance,
			"transaction has no inputs or no outputs", nil)
	}
	if err := checkBalance(inputs, outputs, fee); err != nil {
		return nil, err
	}

	byOutPoint := make(map[wire.OutPoint]Input, len(inputs))
	tx := wire.NewMsgTx(txVersion)
	for _, in := range inputs {
		if _, ok := byOutPoint[in.OutPoint]; ok {
			str := fmt.Sprintf("input %v is spent twice", in.OutPoint)
			return nil, pool.NewError(pool.ErrInvalidCommitment, str,
				nil)
		}
		byOutPoint[in.OutPoint] = in

		op := in.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(int64(out.Amount), out.PkScript))
	}
	txsort.InPlaceSort(tx)

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	sorted := make([]Input, len(tx.TxIn))
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		in := byOutPoint[txIn.PreviousOutPoint]
		sorted[i] = in

		prevOut := wire.NewTxOut(int64(in.Amount), in.PkScript)
		packet.Inputs[i].WitnessUtxo = prevOut
		packet.Inputs[i].SighashType = sigHashType
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOut)
	}

	tpl := &Template{
		packet:    packet,
		inputs:    sorted,
		fee:       fee,
		fetcher:   fetcher,
		sigHashes: txscript.NewTxSigHashes(tx, fetcher),
	}

	minFee := txrules.FeeForSerializeSize(
		txrules.DefaultRelayFeePerKb, tpl.VirtualSize(),
	)
	if fee < minFee {
		log.Warnf("Pool fee %v is below the minimum relay fee %v of "+
			"transaction %v", fee, minFee, tpl.Digest())
	}

	log.Debugf("Built template %v: %d inputs, %d outputs, fee %v",
		tpl.Digest(), len(tx.TxIn), len(tx.TxOut), fee)
	log.Tracef("Template transaction: %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))

	return tpl, nil
}

// FromCommitments builds the template of a pool from its frozen commitment
// set.  Every commitment contributes its input and one output of the pool
// denomination to its output address.
func FromCommitments(payload *pool.Payload,
	commitments []*pool.Commitment) (*Template, error) {

	params, err := payload.Params()
	if err != nil {
		return nil, err
	}

	inputs := make([]Input, 0, len(commitments))
	outputs := make([]Output, 0, len(commitments))
	for _, c := range commitments {
		script, err := c.OutputScript(params.Params)
		if err != nil {
			str := fmt.Sprintf("commitment %v has an invalid output",
				c)
			return nil, pool.NewError(pool.ErrInvalidCommitment, str,
				err)
		}

		inputs = append(inputs, Input{
			OutPoint: c.OutPoint,
			Amount:   c.Amount,
			PkScript: c.PkScript,
			PubKey:   c.PubKey,
		})
		outputs = append(outputs, Output{
			Amount:   payload.Denomination,
			PkScript: script,
		})
	}

	return BuildTemplate(inputs, outputs, payload.FeeAmount())
}

// Digest returns the hash of the unsigned transaction.  Segwit inputs keep it
// equal to the txid of the final transaction.
func (t *Template) Digest() chainhash.Hash {
	return t.packet.UnsignedTx.TxHash()
}

// Fee returns the fee paid by the transaction.
func (t *Template) Fee() btcutil.Amount {
	return t.fee
}

// Inputs returns the inputs in transaction order.
func (t *Template) Inputs() []Input {
	return append([]Input(nil), t.inputs...)
}

// InputIndex returns the position of op in the transaction, or -1 when it is
// not spent by it.
func (t *Template) InputIndex(op wire.OutPoint) int {
	for i, in := range t.inputs {
		if in.OutPoint == op {
			return i
		}
	}
	return -1
}

// UnsignedTx returns a copy of the unsigned transaction.
func (t *Template) UnsignedTx() *wire.MsgTx {
	return t.packet.UnsignedTx.Copy()
}

// SigHashes returns the precomputed segwit signature hash midstate.
func (t *Template) SigHashes() *txscript.TxSigHashes {
	return t.sigHashes
}

// PrevOutputFetcher returns the outputs spent by the transaction.
func (t *Template) PrevOutputFetcher() txscript.PrevOutputFetcher {
	return t.fetcher
}

// Serialize returns the template as a serialized PSBT.
func (t *Template) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.packet.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VirtualSize estimates the virtual size of the signed transaction.
func (t *Template) VirtualSize() int {
	return txsizes.EstimateVirtualSize(
		0, 0, len(t.inputs), 0, t.packet.UnsignedTx.TxOut, 0,
	)
}

// FeeRate returns the estimated fee rate of the signed transaction in
// satoshis per kilo virtual byte.
func (t *Template) FeeRate() btcutil.Amount {
	return t.fee * 1000 / btcutil.Amount(t.VirtualSize())
}

// SigHash returns the digest signed by input i.
func (t *Template) SigHash(i int) ([]byte, error) {
	if i < 0 || i >= len(t.inputs) {
		return nil, fmt.Errorf("input index %d out of range", i)
	}
	in := t.inputs[i]

	return txscript.CalcWitnessSigHash(
		in.PkScript, t.sigHashes, sigHashType, t.packet.UnsignedTx, i,
		int64(in.Amount),
	)
}

// VerifySignature checks that sig is a valid SIGHASH_ALL signature of input i
// by the key committed for it.  sig is DER encoded with the hash type byte
// appended, as it appears in the witness.
func (t *Template) VerifySignature(i int, sig []byte) error {
	if i < 0 || i >= len(t.inputs) {
		str := fmt.Sprintf("signature for unknown input %d", i)
		return pool.NewError(pool.ErrSignatureMismatch, str, nil)
	}
	if len(sig) == 0 ||
		txscript.SigHashType(sig[len(sig)-1]) != sigHashType {

		str := fmt.Sprintf("signature of input %d does not use "+
			"SIGHASH_ALL", i)
		return pool.NewError(pool.ErrSignatureMismatch, str, nil)
	}

	pub, err := btcec.ParsePubKey(t.inputs[i].PubKey)
	if err != nil {
		str := fmt.Sprintf("invalid public key for input %d", i)
		return pool.NewError(pool.ErrSignatureMismatch, str, err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		str := fmt.Sprintf("malformed signature for input %d", i)
		return pool.NewError(pool.ErrSignatureMismatch, str, err)
	}
	hash, err := t.SigHash(i)
	if err != nil {
		return err
	}
	if !parsed.Verify(hash, pub) {
		str := fmt.Sprintf("signature of input %d does not verify", i)
		return pool.NewError(pool.ErrSignatureMismatch, str, nil)
	}

	return nil
}
