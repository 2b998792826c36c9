// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a transaction or output is unknown to
	// the backend or already spent.
	ErrNotFound = errors.New("not found")

	// ErrTxAlreadyKnown is returned when a broadcast transaction is
	// already known to the backend.
	ErrTxAlreadyKnown = errors.New("transaction already known")

	// ErrTxAlreadyInMempool is returned when a broadcast transaction is
	// already in the mempool.
	ErrTxAlreadyInMempool = errors.New("transaction already in mempool")

	// ErrTxAlreadyConfirmed is returned when a broadcast transaction is
	// already confirmed.
	ErrTxAlreadyConfirmed = errors.New("transaction already confirmed")

	// ErrMissingInputs is returned when a broadcast transaction spends
	// unknown or spent outputs.
	ErrMissingInputs = errors.New("missing inputs")

	// ErrUndefined is used when a backend error cannot be mapped.
	ErrUndefined = errors.New("undefined backend error")
)

// broadcastErrMap maps the error strings of bitcoind, btcd and Electrum
// servers (which relay bitcoind's) onto the sentinels above.
var broadcastErrMap = map[string]error{
	"txn-already-known":                  ErrTxAlreadyKnown,
	"transaction already exists":         ErrTxAlreadyKnown,
	"already have transaction":           ErrTxAlreadyKnown,
	"txn-already-in-mempool":             ErrTxAlreadyInMempool,
	"transaction already in block chain": ErrTxAlreadyConfirmed,
	"transaction already in utxo set":    ErrTxAlreadyConfirmed,
	"bad-txns-inputs-missingorspent":     ErrMissingInputs,
	"missing inputs":                     ErrMissingInputs,
}

// matchErrStr takes an error returned from a backend and matches it against
// the specified string.  Dashes found in the error string are replaced with
// spaces and the comparison ignores case.
func matchErrStr(err error, s string) bool {
	if err == nil {
		return false
	}

	errStr := strings.ReplaceAll(strings.ToLower(err.Error()), "-", " ")
	s = strings.ReplaceAll(strings.ToLower(s), "-", " ")

	return strings.Contains(errStr, s)
}

// MapBroadcastErr maps a backend broadcast error onto an error of this
// package.  The result wraps the original error message.
func MapBroadcastErr(err error) error {
	if err == nil {
		return nil
	}
	for str, matched := range broadcastErrMap {
		if matchErrStr(err, str) {
			return fmt.Errorf("%w: %v", matched, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrUndefined, err)
}

// IsAlreadyBroadcast returns whether err reports a transaction the network
// already has.
func IsAlreadyBroadcast(err error) bool {
	return errors.Is(err, ErrTxAlreadyKnown) ||
		errors.Is(err, ErrTxAlreadyInMempool) ||
		errors.Is(err, ErrTxAlreadyConfirmed)
}
