// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
	"github.com/btcsuite/joinpool/chain/chaintest"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/btcsuite/joinpool/pool"
	"github.com/btcsuite/joinpool/relay"
	"github.com/btcsuite/joinpool/relay/memrelay"
	"github.com/btcsuite/joinpool/session"
	"github.com/btcsuite/joinpool/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testRelayURL = "wss://relay.example.com"

	testMnemonic = "abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon about"
)

var testParams = &netparams.RegressionNetParams

func sourceFactory(src chain.Source) SourceFactory {
	return func(context.Context, string, uint16,
		*netparams.Params) (chain.Source, error) {

		return src, nil
	}
}

func newManager(hub *memrelay.Hub, src chain.Source) *Manager {
	return New(&Config{
		Dial:  hub.Dialer(),
		Chain: sourceFactory(src),
	})
}

// peerConfig returns a participant spending a coin of the first external
// address of mnemonic to its first internal address.
func peerConfig(t *testing.T, mnemonic string, seed byte,
	amount btcutil.Amount) *PeerConfig {

	t.Helper()

	w, err := wallet.New(mnemonic, "", testParams)
	require.NoError(t, err)
	defer w.Zero()

	addr, err := w.Address(wallet.ExternalBranch, 0)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	output, err := w.Address(wallet.InternalBranch, 0)
	require.NoError(t, err)

	return &PeerConfig{
		Mnemonic:  mnemonic,
		ChainHost: "electrum.example.com",
		Input: wallet.Coin{
			OutPoint: wire.OutPoint{
				Hash: chainhash.DoubleHashH([]byte{seed}),
			},
			Amount:   amount,
			PkScript: pkScript,
			Address:  addr.EncodeAddress(),
			Branch:   wallet.ExternalBranch,
		},
		Output: output.EncodeAddress(),
		Relay:  testRelayURL,
	}
}

func newMnemonic(t *testing.T) string {
	t.Helper()

	mnemonic, err := wallet.NewMnemonic()
	require.NoError(t, err)
	return mnemonic
}

// onChain makes src report the inputs of peers as unspent.
func onChain(src *chaintest.MockSource, peers ...*PeerConfig) {
	for _, p := range peers {
		utxo := &chain.Utxo{
			OutPoint: p.Input.OutPoint,
			Amount:   p.Input.Amount,
			PkScript: p.Input.PkScript,
		}
		src.On("FetchUtxo", mock.Anything, p.Input.OutPoint).Return(
			utxo, nil,
		).Maybe()
	}
}

func testPoolConfig(peers int) *pool.Config {
	return &pool.Config{
		Denomination: 100_000,
		Fee:          pool.FixedFee(300 * peers),
		Peers:        peers,
		MaxDuration:  time.Hour,
		Network:      testParams,
	}
}

type result struct {
	txid *chainhash.Hash
	err  error
}

func async(f func() (*chainhash.Hash, error)) <-chan result {
	c := make(chan result, 1)
	go func() {
		txid, err := f()
		c <- result{txid, err}
	}()
	return c
}

func wait(t *testing.T, c <-chan result) result {
	t.Helper()

	select {
	case r := <-c:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("coinjoin did not finish")
	}
	return result{}
}

// discover waits for a single pool to be advertised on the hub.
func discover(t *testing.T, m *Manager) *pool.Pool {
	t.Helper()

	var pools []*pool.Pool
	require.Eventually(t, func() bool {
		var err error
		pools, err = m.ListPools(context.Background(), time.Minute,
			10*time.Millisecond, testRelayURL)
		require.NoError(t, err)
		return len(pools) == 1
	}, 5*time.Second, 20*time.Millisecond)

	return pools[0]
}

func waitSession(t *testing.T, m *Manager, state session.State) SessionInfo {
	t.Helper()

	var info SessionInfo
	require.Eventually(t, func() bool {
		sessions := m.Sessions()
		if len(sessions) != 1 {
			return false
		}
		info = sessions[0]
		return info.State == state
	}, 5*time.Second, 10*time.Millisecond)

	return info
}

// TestCoinjoin runs a two peer pool between two managers and checks both
// report the same broadcast transaction.
func TestCoinjoin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := memrelay.NewHub()
	alice := peerConfig(t, testMnemonic, 1, 100_300)
	bob := peerConfig(t, newMnemonic(t), 2, 100_300)

	// The second broadcast finds the transaction already known.
	src := &chaintest.MockSource{}
	onChain(src, alice, bob)
	src.On("Broadcast", mock.Anything, mock.Anything).Return(
		&chainhash.Hash{}, nil,
	).Once()
	src.On("Broadcast", mock.Anything, mock.Anything).Return(
		nil, fmt.Errorf("%w: txn-already-known", chain.ErrTxAlreadyKnown),
	).Once()
	src.On("Close").Return(nil)

	initiator := newManager(hub, src)
	joiner := newManager(hub, src)

	initiated := async(func() (*chainhash.Hash, error) {
		return initiator.InitiateCoinjoin(ctx, testPoolConfig(2), alice)
	})

	p := discover(t, joiner)
	require.Equal(t, 2, p.PeerCount().UnwrapOr(0))
	require.Equal(t, int64(100_000), p.DenominationSat().UnwrapOr(0))
	require.Equal(t, testRelayURL, p.Relay().UnwrapOr(""))

	info := waitSession(t, initiator, session.StateOpen)
	require.Equal(t, p.ID, info.ID)
	require.Equal(t, session.RoleInitiator, info.Role)
	require.Equal(t, alice.Input.OutPoint, info.Input)

	// The joiner takes the relay from the advertisement.
	bob.Relay = ""
	joined := async(func() (*chainhash.Hash, error) {
		return joiner.JoinCoinjoin(ctx, p, bob)
	})

	r1, r2 := wait(t, initiated), wait(t, joined)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	require.Equal(t, *r1.txid, *r2.txid)

	src.AssertNumberOfCalls(t, "Broadcast", 2)
	require.Empty(t, initiator.Sessions())
	require.Empty(t, joiner.Sessions())
	require.Zero(t, hub.Subscribers())
}

// TestCancel checks the session registry of a manager: a pool cannot be joined
// twice and canceled sessions abort.
func TestCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := memrelay.NewHub()
	alice := peerConfig(t, testMnemonic, 1, 100_300)
	bob := peerConfig(t, newMnemonic(t), 2, 100_300)

	src := &chaintest.MockSource{}
	onChain(src, alice, bob)
	src.On("Close").Return(nil)

	initiator := newManager(hub, src)
	joiner := newManager(hub, src)

	initiated := async(func() (*chainhash.Hash, error) {
		return initiator.InitiateCoinjoin(ctx, testPoolConfig(3), alice)
	})
	p := discover(t, joiner)

	joined := async(func() (*chainhash.Hash, error) {
		return joiner.JoinCoinjoin(ctx, p, bob)
	})
	info := waitSession(t, joiner, session.StateOpen)
	require.Equal(t, session.RoleJoiner, info.Role)

	// The pool waits for a third peer.
	_, err := joiner.JoinCoinjoin(ctx, p, bob)
	require.ErrorIs(t, err, ErrDuplicateSession)

	err = joiner.Cancel(pool.ID{1})
	require.ErrorIs(t, err, ErrUnknownSession)

	require.NoError(t, joiner.Cancel(p.ID))
	r := wait(t, joined)
	require.True(t, pool.IsError(r.err, pool.ErrCanceled), r.err)
	require.Empty(t, joiner.Sessions())

	require.NoError(t, initiator.Cancel(p.ID))
	r = wait(t, initiated)
	require.True(t, pool.IsError(r.err, pool.ErrCanceled), r.err)

	src.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
	require.Zero(t, hub.Subscribers())
}

func TestCoinjoinInvalid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := memrelay.NewHub()
	src := &chaintest.MockSource{}
	src.On("Close").Return(nil)

	var dials, opens int32
	m := New(&Config{
		Dial: func(ctx context.Context, url string) (relay.Relay, error) {
			atomic.AddInt32(&dials, 1)
			return hub.Dial(ctx, url)
		},
		Chain: func(context.Context, string, uint16,
			*netparams.Params) (chain.Source, error) {

			atomic.AddInt32(&opens, 1)
			return src, nil
		},
	})

	// A coin of another wallet.
	peer := peerConfig(t, testMnemonic, 1, 100_300)
	peer.Mnemonic = newMnemonic(t)
	_, err := m.InitiateCoinjoin(ctx, testPoolConfig(2), peer)
	require.True(t, pool.IsError(err, pool.ErrIncompatibleConfig), err)

	// An input below the pool minimum.
	peer = peerConfig(t, testMnemonic, 1, 100_000)
	_, err = m.InitiateCoinjoin(ctx, testPoolConfig(2), peer)
	require.True(t, pool.IsError(err, pool.ErrIncompatibleConfig), err)

	peer = peerConfig(t, testMnemonic, 1, 100_300)
	peer.Mnemonic = "abandon abandon"
	_, err = m.InitiateCoinjoin(ctx, testPoolConfig(2), peer)
	require.True(t, pool.IsError(err, pool.ErrInvalidConfig), err)

	peer = peerConfig(t, testMnemonic, 1, 100_300)
	peer.Relay = "http://relay.example.com"
	_, err = m.InitiateCoinjoin(ctx, testPoolConfig(2), peer)
	require.True(t, pool.IsError(err, pool.ErrInvalidConfig), err)

	cfg := testPoolConfig(2)
	cfg.Peers = 1
	_, err = m.InitiateCoinjoin(ctx, cfg, peer)
	require.True(t, pool.IsError(err, pool.ErrInvalidConfig), err)

	_, err = m.JoinCoinjoin(ctx, &pool.Pool{
		ID:      pool.ID{1},
		Payload: fn.None[pool.Payload](),
	}, peer)
	require.True(t, pool.IsError(err, pool.ErrIncompatibleConfig), err)

	// A pool whose denomination the input cannot cover.
	bigger := testPoolConfig(2)
	bigger.Denomination = 200_000
	advertised := pool.New(pool.ID{2}, bigger.Payload(time.Now(),
		[]string{testRelayURL}))
	peer = peerConfig(t, testMnemonic, 1, 100_300)
	_, err = m.JoinCoinjoin(ctx, advertised, peer)
	require.True(t, pool.IsError(err, pool.ErrIncompatibleConfig), err)

	// An output address of another network.
	peer.Output = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	_, err = m.JoinCoinjoin(ctx, pool.New(pool.ID{3},
		testPoolConfig(2).Payload(time.Now(), []string{testRelayURL})),
		peer)
	require.True(t, pool.IsError(err, pool.ErrIncompatibleConfig), err)

	// None of the checks above needed the network.
	require.Zero(t, atomic.LoadInt32(&dials))
	require.Zero(t, atomic.LoadInt32(&opens))

	// Nothing reached the relay and no session was left behind.
	require.Empty(t, hub.Messages(pool.AdvertTopic))
	require.Zero(t, hub.Subscribers())
	require.Empty(t, m.Sessions())
}

func TestListCoins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	peer := peerConfig(t, testMnemonic, 1, 50_000)

	src := &chaintest.MockSource{}
	src.On("Unspent", mock.Anything, peer.Input.PkScript).Return(
		[]chain.Utxo{{
			OutPoint: peer.Input.OutPoint,
			Amount:   peer.Input.Amount,
			PkScript: peer.Input.PkScript,
			Height:   10,
		}}, nil,
	)
	src.On("Unspent", mock.Anything, mock.Anything).Return(
		[]chain.Utxo{}, nil,
	)
	src.On("Close").Return(nil)
	m := newManager(memrelay.NewHub(), src)

	r := wallet.IndexRange{Start: 0, End: 2}
	coins, err := m.ListCoins(ctx, testMnemonic, "localhost", 0, r,
		testParams)
	require.NoError(t, err)
	require.Len(t, coins, 1)
	require.Equal(t, peer.Input.Address, coins[0].Address)
	src.AssertCalled(t, "Close")

	res := m.ListCoinsResult(ctx, newMnemonic(t), "localhost", 0, r,
		testParams)
	require.True(t, res.IsOK())
	require.NotNil(t, res.Coins)
	require.Empty(t, res.Coins)

	res = m.ListCoinsResult(ctx, testMnemonic, "localhost", 0,
		wallet.IndexRange{Start: 3, End: 1}, testParams)
	require.True(t, res.IsError())
	require.Contains(t, res.Error, "invalid index range")

	_, err = m.ListCoins(ctx, "abandon", "localhost", 0, r, testParams)
	require.True(t, pool.IsError(err, pool.ErrInvalidConfig), err)

	_, err = m.ListCoins(ctx, testMnemonic, "localhost", 0, r, nil)
	require.True(t, pool.IsError(err, pool.ErrInvalidConfig), err)

	errBackend := errors.New("connection refused")
	down := New(&Config{
		Chain: func(context.Context, string, uint16,
			*netparams.Params) (chain.Source, error) {

			return nil, errBackend
		},
	})
	_, err = down.ListCoins(ctx, testMnemonic, "localhost", 0, r,
		testParams)
	require.True(t, pool.IsError(err, pool.ErrTransport), err)
	require.ErrorIs(t, err, errBackend)
}

func TestListPools(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := memrelay.NewHub()
	m := newManager(hub, nil)

	res := m.ListPoolsResult(ctx, time.Minute, 10*time.Millisecond,
		testRelayURL)
	require.True(t, res.IsOK())
	require.NotNil(t, res.Pools)
	require.Empty(t, res.Pools)

	conn, err := hub.Dial(ctx, testRelayURL)
	require.NoError(t, err)
	defer conn.Close()
	_, advertised, err := pool.NewDirectory(conn).Advertise(ctx,
		testPoolConfig(3), []string{testRelayURL})
	require.NoError(t, err)

	pools, err := m.ListPools(ctx, time.Minute, 10*time.Millisecond,
		"relay.example.com/")
	require.NoError(t, err)
	require.Len(t, pools, 1)
	require.Equal(t, advertised.ID, pools[0].ID)

	res = m.ListPoolsResult(ctx, time.Minute, time.Millisecond,
		"ftp://relay.example.com")
	require.True(t, res.IsError())
	require.Nil(t, res.Pools)
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{txscript.OP_TRUE}))
	txid := tx.TxHash()

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"accepted", nil, false},
		{"in mempool", chain.ErrTxAlreadyInMempool, false},
		{"confirmed", chain.MapBroadcastErr(
			errors.New("transaction already in block chain"),
		), false},
		{"missing inputs", chain.ErrMissingInputs, true},
	}
	for _, test := range tests {
		src := &chaintest.MockSource{}
		if test.err == nil {
			src.On("Broadcast", mock.Anything, tx).Return(&txid, nil)
		} else {
			src.On("Broadcast", mock.Anything, tx).Return(nil,
				test.err)
		}

		got, err := broadcast(context.Background(), src, tx)
		if test.wantErr {
			require.True(t, pool.IsError(err, pool.ErrTransport),
				test.name)
			continue
		}
		require.NoError(t, err, test.name)
		require.Equal(t, txid, *got, test.name)
	}
}

func TestCoinjoinResult(t *testing.T) {
	t.Parallel()

	txid := chainhash.DoubleHashH([]byte("tx"))

	ok := newCoinjoinResult(&txid, nil)
	require.True(t, ok.IsOK())
	require.False(t, ok.IsError())
	require.False(t, ok.IsPending())
	require.Equal(t, txid.String(), ok.Txid)

	failed := newCoinjoinResult(nil, pool.NewError(pool.ErrTimeout,
		"pool expired", nil))
	require.True(t, failed.IsError())
	require.False(t, failed.IsOK())
	require.Empty(t, failed.Txid)

	var pending CoinjoinResult
	require.True(t, pending.IsPending())
	require.False(t, pending.IsOK())
	require.False(t, pending.IsError())

	// Malformed envelopes are neither successful nor failed.
	both := CoinjoinResult{Txid: txid.String(), Error: "boom"}
	require.False(t, both.IsOK())
	require.False(t, both.IsError())
	require.False(t, both.IsPending())
}

func TestJoinHostPort(t *testing.T) {
	t.Parallel()

	require.Equal(t, "localhost:50001", joinHostPort("localhost", 0,
		"50001"))
	require.Equal(t, "[::1]:1234", joinHostPort("::1", 1234, "50001"))
}
