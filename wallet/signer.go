// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/joinpool/pool"
	"github.com/btcsuite/joinpool/txbuilder"
)

// Signer holds the key of one coin and signs on its behalf.
type Signer struct {
	mtx    sync.Mutex
	key    *btcec.PrivateKey
	pubKey []byte
	coin   Coin
}

func newSigner(key *btcec.PrivateKey, coin *Coin) *Signer {
	return &Signer{
		key:    key,
		pubKey: key.PubKey().SerializeCompressed(),
		coin:   *coin,
	}
}

func (s *Signer) owns(pkScript []byte) bool {
	return txscript.IsPayToWitnessPubKeyHash(pkScript) &&
		bytes.Equal(pkScript[2:], btcutil.Hash160(s.pubKey))
}

// Coin returns the coin the signer spends.
func (s *Signer) Coin() Coin {
	return s.coin
}

// PubKey returns the compressed public key of the coin.
func (s *Signer) PubKey() []byte {
	return append([]byte(nil), s.pubKey...)
}

// ProveOwnership signs a commitment digest.  The signature is DER encoded
// without a hash type.
func (s *Signer) ProveOwnership(digest *chainhash.Hash) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.key == nil {
		return nil, ErrWalletZeroed
	}
	return ecdsa.Sign(s.key, digest[:]).Serialize(), nil
}

// SignInput returns the witness signature of input i of the template, which
// must spend the coin of the signer.
func (s *Signer) SignInput(tpl *txbuilder.Template, i int) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.key == nil {
		return nil, ErrWalletZeroed
	}

	inputs := tpl.Inputs()
	if i < 0 || i >= len(inputs) {
		str := fmt.Sprintf("input index %d out of range", i)
		return nil, pool.NewError(pool.ErrSigning, str, nil)
	}
	in := inputs[i]
	if in.OutPoint != s.coin.OutPoint || !s.owns(in.PkScript) {
		str := fmt.Sprintf("input %d spends %v, not coin %v", i,
			in.OutPoint, s.coin.OutPoint)
		return nil, pool.NewError(pool.ErrSigning, str, nil)
	}

	sig, err := txscript.RawTxInWitnessSignature(
		tpl.UnsignedTx(), tpl.SigHashes(), i, int64(in.Amount),
		in.PkScript, txscript.SigHashAll, s.key,
	)
	if err != nil {
		return nil, pool.NewError(pool.ErrSigning,
			"unable to sign input", err)
	}

	return sig, nil
}

// Zero clears the private key.
func (s *Signer) Zero() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.key != nil {
		s.key.Zero()
		s.key = nil
	}
}
