// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet derives pool keys from a BIP 39 mnemonic, lists the coins
// they own through a chain source, and signs commitments and pool inputs.
// Keys follow BIP 84, so every coin is a native segwit P2WPKH output.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
	"github.com/btcsuite/joinpool/internal/zero"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/davecgh/go-spew/spew"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/sync/errgroup"
)

const (
	// ExternalBranch is the derivation branch of receiving addresses.
	ExternalBranch uint32 = 0

	// InternalBranch is the derivation branch of change addresses.
	InternalBranch uint32 = 1

	// purposeBIP84 is the BIP 43 purpose of native segwit keys.
	purposeBIP84 = 84

	// MaxIndexRange bounds the number of indexes scanned by one
	// ListCoins call.
	MaxIndexRange = 1000

	// maxConcurrentQueries bounds the chain source queries in flight.
	maxConcurrentQueries = 8
)

var (
	// ErrInvalidMnemonic is returned when a mnemonic fails BIP 39 checks.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidRange is returned for an empty, reversed or oversized
	// index range.
	ErrInvalidRange = errors.New("invalid index range")

	// ErrWalletZeroed is returned when a wallet is used after Zero.
	ErrWalletZeroed = errors.New("wallet key material was cleared")
)

// NewMnemonic returns a fresh 24 word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	defer zero.Bytes(entropy)

	return bip39.NewMnemonic(entropy)
}

// Wallet holds the BIP 84 account key of a mnemonic.
type Wallet struct {
	params *netparams.Params

	mtx     sync.Mutex
	acctKey *hdkeychain.ExtendedKey
}

// New derives the first BIP 84 account of the mnemonic.  The seed is wiped as
// soon as the account key is derived.
func New(mnemonic, passphrase string,
	params *netparams.Params) (*Wallet, error) {

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	defer zero.Bytes(seed)

	master, err := hdkeychain.NewMaster(seed, params.Params)
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	acctKey, err := deriveAccountKey(master, params.CoinType, 0)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		params:  params,
		acctKey: acctKey,
	}, nil
}

// deriveAccountKey derives the extended key of the path
// m/84'/<coin type>'/<account>'.
func deriveAccountKey(master *hdkeychain.ExtendedKey, coinType,
	account uint32) (*hdkeychain.ExtendedKey, error) {

	const hardened = hdkeychain.HardenedKeyStart

	purpose, err := master.Derive(purposeBIP84 + hardened)
	if err != nil {
		return nil, err
	}
	defer purpose.Zero()

	coinTypeKey, err := purpose.Derive(coinType + hardened)
	if err != nil {
		return nil, err
	}
	defer coinTypeKey.Zero()

	return coinTypeKey.Derive(account + hardened)
}

// Params returns the network of the wallet.
func (w *Wallet) Params() *netparams.Params {
	return w.params
}

// DeriveKey returns the private key at branch and index of the account.
func (w *Wallet) DeriveKey(branch, index uint32) (*btcec.PrivateKey, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.acctKey == nil {
		return nil, ErrWalletZeroed
	}

	branchKey, err := w.acctKey.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("failed to derive extended key branch "+
			"%d: %w", branch, err)
	}
	addrKey, err := branchKey.Derive(index)
	branchKey.Zero()
	if err != nil {
		return nil, fmt.Errorf("failed to derive child extended key "+
			"-- branch %d, child %d: %w", branch, index, err)
	}
	defer addrKey.Zero()

	return addrKey.ECPrivKey()
}

// Address returns the P2WPKH address at branch and index of the account.
func (w *Wallet) Address(branch,
	index uint32) (*btcutil.AddressWitnessPubKeyHash, error) {

	key, err := w.DeriveKey(branch, index)
	if err != nil {
		return nil, err
	}
	pubKeyHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	key.Zero()

	return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, w.params.Params)
}

// IndexRange is the half-open range [Start, End) of address indexes scanned
// on both branches.
type IndexRange struct {
	Start uint32
	End   uint32
}

func (r IndexRange) validate() error {
	if r.End <= r.Start || r.End-r.Start > MaxIndexRange ||
		r.End > hdkeychain.HardenedKeyStart {

		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, r.Start,
			r.End)
	}
	return nil
}

// ListCoins returns the unspent outputs of every address in r, on both the
// external and internal branch, ordered by branch, index and outpoint.
// Addresses are queried concurrently.  A wallet owning nothing yields an
// empty, non-nil slice.
func (w *Wallet) ListCoins(ctx context.Context, src chain.Source,
	r IndexRange) ([]Coin, error) {

	if err := r.validate(); err != nil {
		return nil, err
	}

	type slot struct {
		branch, index uint32
		addr          *btcutil.AddressWitnessPubKeyHash
		utxos         []chain.Utxo
	}

	var slots []*slot
	for _, branch := range []uint32{ExternalBranch, InternalBranch} {
		for index := r.Start; index < r.End; index++ {
			addr, err := w.Address(branch, index)
			if err != nil {
				return nil, err
			}
			slots = append(slots, &slot{
				branch: branch,
				index:  index,
				addr:   addr,
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQueries)
	for _, s := range slots {
		s := s
		g.Go(func() error {
			script, err := txscript.PayToAddrScript(s.addr)
			if err != nil {
				return err
			}
			utxos, err := src.Unspent(gctx, script)
			if err != nil {
				return fmt.Errorf("unable to list coins of %v: %w",
					s.addr, err)
			}
			s.utxos = utxos
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	coins := make([]Coin, 0)
	for _, s := range slots {
		utxos := s.utxos
		sort.Slice(utxos, func(i, j int) bool {
			return outPointLess(&utxos[i].OutPoint, &utxos[j].OutPoint)
		})
		for _, u := range utxos {
			coins = append(coins, Coin{
				OutPoint: u.OutPoint,
				Amount:   u.Amount,
				PkScript: u.PkScript,
				Address:  s.addr.EncodeAddress(),
				Branch:   s.branch,
				Index:    s.index,
				Height:   u.Height,
			})
		}
	}

	log.Debugf("Found %d coins in index range [%d, %d)", len(coins),
		r.Start, r.End)
	log.Tracef("Coins: %v", newLogClosure(func() string {
		return spew.Sdump(coins)
	}))

	return coins, nil
}

// outPointLess orders outpoints by txid and then output index.
func outPointLess(a, b *wire.OutPoint) bool {
	if a.Hash != b.Hash {
		return a.Hash.String() < b.Hash.String()
	}
	return a.Index < b.Index
}

// Signer returns a signer for coin, which must belong to the wallet.
func (w *Wallet) Signer(coin *Coin) (*Signer, error) {
	key, err := w.DeriveKey(coin.Branch, coin.Index)
	if err != nil {
		return nil, err
	}

	s := newSigner(key, coin)
	if !s.owns(coin.PkScript) {
		s.Zero()
		return nil, fmt.Errorf("coin %v is not owned by key at "+
			"branch %d index %d", coin.OutPoint, coin.Branch,
			coin.Index)
	}

	return s, nil
}

// Zero clears the account key.  The wallet cannot be used afterwards.
func (w *Wallet) Zero() {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.acctKey != nil {
		w.acctKey.Zero()
		w.acctKey = nil
	}
}
