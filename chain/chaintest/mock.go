// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaintest provides a mock chain source for tests of packages
// consuming chain.Source.
package chaintest

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
	"github.com/stretchr/testify/mock"
)

// MockSource is a mock implementation of chain.Source and chain.UtxoFetcher.
type MockSource struct {
	mock.Mock
}

var (
	_ chain.Source      = (*MockSource)(nil)
	_ chain.UtxoFetcher = (*MockSource)(nil)
)

// Unspent returns the mocked outputs for pkScript.
func (m *MockSource) Unspent(ctx context.Context,
	pkScript []byte) ([]chain.Utxo, error) {

	args := m.Called(ctx, pkScript)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]chain.Utxo), args.Error(1)
}

// FetchTx returns the mocked transaction for hash.
func (m *MockSource) FetchTx(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgTx, error) {

	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wire.MsgTx), args.Error(1)
}

// FetchUtxo returns the mocked output at op.
func (m *MockSource) FetchUtxo(ctx context.Context,
	op wire.OutPoint) (*chain.Utxo, error) {

	args := m.Called(ctx, op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chain.Utxo), args.Error(1)
}

// Broadcast records tx and returns the mocked result.
func (m *MockSource) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

// Close records the call.
func (m *MockSource) Close() error {
	args := m.Called()
	return args.Error(0)
}
