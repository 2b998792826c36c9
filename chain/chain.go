// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the chain data sources the wallet funds coinjoins from
// and that finished transactions are broadcast through.
package chain

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BackEnds returns the names of the available chain sources.
func BackEnds() []string {
	return []string{
		"electrum",
		"bitcoind",
	}
}

// Utxo is an unspent transaction output as reported by a chain source.
type Utxo struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte

	// Height is the confirmation height, or zero for mempool outputs.
	Height int32
}

// Source allows more than one chain backend, such as an Electrum server or a
// bitcoind node, to serve coin listing and broadcasting.
type Source interface {
	// Unspent returns the unspent outputs paying to pkScript.
	Unspent(ctx context.Context, pkScript []byte) ([]Utxo, error)

	// FetchTx returns the transaction with the given hash.
	FetchTx(ctx context.Context, hash *chainhash.Hash) (*wire.MsgTx, error)

	// Broadcast submits tx to the network.  Backend rejections are mapped
	// onto the errors of this package where possible.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)

	// Close releases the connection to the backend.
	Close() error
}

// UtxoFetcher is implemented by sources able to look up a single unspent
// output.  Sessions use it, when available, to check peer commitments
// against the chain.
type UtxoFetcher interface {
	// FetchUtxo returns the output at op, or ErrNotFound if it does not
	// exist or is spent.
	FetchUtxo(ctx context.Context, op wire.OutPoint) (*Utxo, error)
}
