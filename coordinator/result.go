// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/btcsuite/joinpool/pool"
	"github.com/btcsuite/joinpool/wallet"
)

// The result envelopes below carry either a value or an error message, never
// both.  An envelope carrying neither is pending.

// CoinjoinResult is the outcome of a coinjoin.
type CoinjoinResult struct {
	Txid  string `json:"txid"`
	Error string `json:"error,omitempty"`
}

func newCoinjoinResult(txid *chainhash.Hash, err error) CoinjoinResult {
	if err != nil {
		return CoinjoinResult{Error: err.Error()}
	}
	return CoinjoinResult{Txid: txid.String()}
}

// IsOK returns whether the coinjoin was broadcast.
func (r *CoinjoinResult) IsOK() bool {
	return r.Txid != "" && r.Error == ""
}

// IsError returns whether the coinjoin failed.
func (r *CoinjoinResult) IsError() bool {
	return r.Txid == "" && r.Error != ""
}

// IsPending returns whether the coinjoin has no outcome yet.
func (r *CoinjoinResult) IsPending() bool {
	return r.Txid == "" && r.Error == ""
}

// ListCoinsResult is the outcome of a coin listing.  A listing that found
// nothing carries an empty, non-nil slice.
type ListCoinsResult struct {
	Coins []wallet.Coin
	Error string
}

func (r *ListCoinsResult) IsOK() bool {
	return r.Coins != nil && r.Error == ""
}

func (r *ListCoinsResult) IsError() bool {
	return r.Coins == nil && r.Error != ""
}

func (r *ListCoinsResult) IsPending() bool {
	return r.Coins == nil && r.Error == ""
}

// ListPoolsResult is the outcome of a pool discovery.  A discovery that found
// nothing carries an empty, non-nil slice.
type ListPoolsResult struct {
	Pools []*pool.Pool
	Error string
}

func (r *ListPoolsResult) IsOK() bool {
	return r.Pools != nil && r.Error == ""
}

func (r *ListPoolsResult) IsError() bool {
	return r.Pools == nil && r.Error != ""
}

func (r *ListPoolsResult) IsPending() bool {
	return r.Pools == nil && r.Error == ""
}

// ListCoinsResult is ListCoins with its outcome flattened into an envelope.
func (m *Manager) ListCoinsResult(ctx context.Context, mnemonic,
	host string, port uint16, r wallet.IndexRange,
	params *netparams.Params) ListCoinsResult {

	coins, err := m.ListCoins(ctx, mnemonic, host, port, r, params)
	if err != nil {
		return ListCoinsResult{Error: err.Error()}
	}
	return ListCoinsResult{Coins: coins}
}

// ListPoolsResult is ListPools with its outcome flattened into an envelope.
func (m *Manager) ListPoolsResult(ctx context.Context, lookback,
	timeout time.Duration, relayURL string) ListPoolsResult {

	pools, err := m.ListPools(ctx, lookback, timeout, relayURL)
	if err != nil {
		return ListPoolsResult{Error: err.Error()}
	}
	return ListPoolsResult{Pools: pools}
}

// InitiateCoinjoinResult is InitiateCoinjoin with its outcome flattened into
// an envelope.
func (m *Manager) InitiateCoinjoinResult(ctx context.Context,
	poolCfg *pool.Config, peer *PeerConfig) CoinjoinResult {

	return newCoinjoinResult(m.InitiateCoinjoin(ctx, poolCfg, peer))
}

// JoinCoinjoinResult is JoinCoinjoin with its outcome flattened into an
// envelope.
func (m *Manager) JoinCoinjoinResult(ctx context.Context, p *pool.Pool,
	peer *PeerConfig) CoinjoinResult {

	return newCoinjoinResult(m.JoinCoinjoin(ctx, p, peer))
}
