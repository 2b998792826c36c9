// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Coin is an unspent output owned by the wallet.
type Coin struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte

	// Address is the encoded address of PkScript.
	Address string

	// Branch and Index locate the key of the coin in the account.
	Branch uint32
	Index  uint32

	// Height is the confirmation height, or zero when unconfirmed.
	Height int32
}

// AmountSat returns the value of the coin in satoshis.
func (c *Coin) AmountSat() int64 {
	return int64(c.Amount)
}

// AmountBTC returns the value of the coin in bitcoin.
func (c *Coin) AmountBTC() float64 {
	return c.Amount.ToBTC()
}

// Confirmed returns whether the coin is mined.
func (c *Coin) Confirmed() bool {
	return c.Height > 0
}

func (c *Coin) String() string {
	return fmt.Sprintf("%v %v (%v, m/%d/%d)", c.OutPoint, c.Amount,
		c.Address, c.Branch, c.Index)
}
