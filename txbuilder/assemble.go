// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/pool"
)

// Assemble attaches one signature per input, in input order, and returns the
// final transaction.  Every signature is verified against the key committed
// for its input and the finished transaction is executed by the script engine
// before it is returned.
func Assemble(tpl *Template, sigs [][]byte) (*wire.MsgTx, error) {
	if len(sigs) > len(tpl.inputs) {
		str := fmt.Sprintf("%d signatures for %d inputs", len(sigs),
			len(tpl.inputs))
		return nil, pool.NewError(pool.ErrSignatureMismatch, str, nil)
	}

	outputs := make([]Output, 0, len(tpl.packet.UnsignedTx.TxOut))
	for _, txOut := range tpl.packet.UnsignedTx.TxOut {
		outputs = append(outputs, Output{
			Amount:   btcutil.Amount(txOut.Value),
			PkScript: txOut.PkScript,
		})
	}
	if err := checkBalance(tpl.inputs, outputs, tpl.fee); err != nil {
		return nil, err
	}

	for i := range tpl.inputs {
		if i >= len(sigs) || len(sigs[i]) == 0 {
			str := fmt.Sprintf("input %d (%v) is not signed", i,
				tpl.inputs[i].OutPoint)
			return nil, pool.NewError(pool.ErrMissingSignature, str,
				nil)
		}
		if err := tpl.VerifySignature(i, sigs[i]); err != nil {
			return nil, err
		}
	}

	// Work on a copy so the template stays unsigned.
	raw, err := tpl.Serialize()
	if err != nil {
		return nil, err
	}
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, err
	}
	for i, in := range tpl.inputs {
		packet.Inputs[i].PartialSigs = []*psbt.PartialSig{{
			PubKey:    in.PubKey,
			Signature: sigs[i],
		}}
	}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("error finalizing PSBT: %w", err)
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("error extracting transaction: %w", err)
	}

	if err := verifyScripts(tpl, tx); err != nil {
		return nil, err
	}

	log.Infof("Assembled transaction %v with %d inputs", tx.TxHash(),
		len(tx.TxIn))

	return tx, nil
}

// verifyScripts executes every input script of tx.
func verifyScripts(tpl *Template, tx *wire.MsgTx) error {
	sigHashes := txscript.NewTxSigHashes(tx, tpl.fetcher)
	for i, in := range tpl.inputs {
		vm, err := txscript.NewEngine(
			in.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, int64(in.Amount), tpl.fetcher,
		)
		if err == nil {
			err = vm.Execute()
		}
		if err != nil {
			str := fmt.Sprintf("input %d (%v) fails script "+
				"verification", i, in.OutPoint)
			return pool.NewError(pool.ErrSignatureMismatch, str, err)
		}
	}
	return nil
}
