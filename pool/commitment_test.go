// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/stretchr/testify/require"
)

var testParams = netparams.RegressionNetParams.Params

func testPayload() Payload {
	created := time.Unix(1_700_000_000, 0)
	return Payload{
		Denomination: 100_000,
		Fee:          FixedFee(1_000),
		Peers:        3,
		Relays:       []string{"wss://relay.example.com"},
		CreatedAt:    created,
		Expiry:       created.Add(time.Hour),
		Network:      testParams.Name,
	}
}

func testAddress(t *testing.T) string {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), testParams,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// testCommitment returns a signed commitment of amount for pool id along with
// the key owning its input.
func testCommitment(t *testing.T, id ID, amount btcutil.Amount,
	vout uint32) (*Commitment, *btcec.PrivateKey) {

	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubKey := key.PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey), testParams,
	)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	hash := chainhash.DoubleHashH(pubKey)
	c := &Commitment{
		OutPoint: *wire.NewOutPoint(&hash, vout),
		Amount:   amount,
		PkScript: pkScript,
		PubKey:   pubKey,
		Output:   testAddress(t),
	}
	require.NoError(t, c.Sign(id, testParams, key))

	return c, key
}

func TestCommitmentVerify(t *testing.T) {
	t.Parallel()

	id, err := NewID()
	require.NoError(t, err)
	payload := testPayload()

	c, _ := testCommitment(t, id, 100_333, 0)
	require.NoError(t, c.Verify(id, &payload))

	tests := []struct {
		name   string
		mutate func(c *Commitment) (ID, *Commitment)
	}{{
		name: "below fee share",
		mutate: func(c *Commitment) (ID, *Commitment) {
			c.Amount = 100_332
			return id, c
		},
	}, {
		name: "replayed into another pool",
		mutate: func(c *Commitment) (ID, *Commitment) {
			other := id
			other[0] ^= 0xff
			return other, c
		},
	}, {
		name: "swapped output",
		mutate: func(c *Commitment) (ID, *Commitment) {
			c.Output = testAddress(t)
			return id, c
		},
	}, {
		name: "malformed output",
		mutate: func(c *Commitment) (ID, *Commitment) {
			c.Output = "not-an-address"
			return id, c
		},
	}, {
		name: "output for another network",
		mutate: func(c *Commitment) (ID, *Commitment) {
			c.Output = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
			return id, c
		},
	}, {
		name: "foreign public key",
		mutate: func(c *Commitment) (ID, *Commitment) {
			other, _ := testCommitment(t, id, c.Amount, 1)
			c.PubKey = other.PubKey
			return id, c
		},
	}, {
		name: "non witness input",
		mutate: func(c *Commitment) (ID, *Commitment) {
			c.PkScript = append([]byte{txscript.OP_DUP}, c.PkScript...)
			return id, c
		},
	}, {
		name: "garbage proof",
		mutate: func(c *Commitment) (ID, *Commitment) {
			c.Proof = []byte{0x30, 0x01}
			return id, c
		},
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			c, _ := testCommitment(t, id, 100_333, 0)
			id, c := test.mutate(c)
			err := c.Verify(id, &payload)
			require.True(t, IsError(err, ErrInvalidCommitment), err)
		})
	}
}
