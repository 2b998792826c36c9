// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Fee is the network fee a pool transaction pays.  It is a closed union: the
// only implementation is FixedFee, and the unexported method keeps other
// packages from adding variants.
type Fee interface {
	// Amount is the absolute fee paid by the whole transaction.
	Amount() btcutil.Amount

	fee()
}

// FixedFee is an absolute fee in satoshis for the whole transaction.
type FixedFee btcutil.Amount

// Amount returns the fee as an amount.
func (f FixedFee) Amount() btcutil.Amount {
	return btcutil.Amount(f)
}

func (FixedFee) fee() {}

// String returns the fee formatted as an amount.
func (f FixedFee) String() string {
	return fmt.Sprintf("fixed(%v)", btcutil.Amount(f))
}

// checkFee returns the fixed fee amount, rejecting nil and any other variant.
func checkFee(fee Fee) (btcutil.Amount, error) {
	switch f := fee.(type) {
	case FixedFee:
		if f < 0 {
			return 0, fmt.Errorf("negative fee %v", btcutil.Amount(f))
		}
		return btcutil.Amount(f), nil

	case nil:
		return 0, fmt.Errorf("missing fee")

	default:
		return 0, fmt.Errorf("unsupported fee variant %T", fee)
	}
}

// FeeShare returns the fee each of peers inputs must contribute at least.  The
// share rounds down: when the fee does not divide evenly, some inputs have to
// carry the remainder for the transaction to balance exactly.
func FeeShare(fee btcutil.Amount, peers int) btcutil.Amount {
	if peers <= 0 {
		return fee
	}
	return fee / btcutil.Amount(peers)
}
