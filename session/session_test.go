// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
	"github.com/btcsuite/joinpool/chain/chaintest"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/btcsuite/joinpool/pool"
	"github.com/btcsuite/joinpool/relay/memrelay"
	"github.com/btcsuite/joinpool/txbuilder"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testRelayURL = "wss://relay.example.com"

var testParams = &netparams.RegressionNetParams

type testSigner struct {
	key *btcec.PrivateKey
}

func (s *testSigner) PubKey() []byte {
	return s.key.PubKey().SerializeCompressed()
}

func (s *testSigner) ProveOwnership(digest *chainhash.Hash) ([]byte, error) {
	return ecdsa.Sign(s.key, digest[:]).Serialize(), nil
}

func (s *testSigner) SignInput(tpl *txbuilder.Template, i int) ([]byte,
	error) {

	in := tpl.Inputs()[i]
	return txscript.RawTxInWitnessSignature(
		tpl.UnsignedTx(), tpl.SigHashes(), i, int64(in.Amount),
		in.PkScript, txscript.SigHashAll, s.key,
	)
}

type testPeer struct {
	signer    *testSigner
	input     chain.Utxo
	output    string
	outScript []byte
}

func newAddress(t *testing.T) (string, []byte) {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		testParams.Params,
	)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return addr.EncodeAddress(), script
}

func newTestPeer(t *testing.T, seed byte, amount btcutil.Amount) *testPeer {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pkScript := append([]byte{txscript.OP_0, txscript.OP_DATA_20},
		btcutil.Hash160(key.PubKey().SerializeCompressed())...)

	output, outScript := newAddress(t)

	return &testPeer{
		signer: &testSigner{key: key},
		input: chain.Utxo{
			OutPoint: wire.OutPoint{
				Hash: chainhash.DoubleHashH([]byte{seed}),
			},
			Amount:   amount,
			PkScript: pkScript,
		},
		output:    output,
		outScript: outScript,
	}
}

func (p *testPeer) config(t *testing.T, hub *memrelay.Hub) *Config {
	t.Helper()

	conn, err := hub.Dial(context.Background(), testRelayURL)
	require.NoError(t, err)

	return &Config{
		Relay:  conn,
		Input:  p.input,
		Output: p.output,
		Signer: p.signer,
	}
}

// commitment returns the commitment of the peer's input to output.
func (p *testPeer) commitment(t *testing.T, id pool.ID,
	output string) *pool.Commitment {

	t.Helper()

	c := &pool.Commitment{
		OutPoint: p.input.OutPoint,
		Amount:   p.input.Amount,
		PkScript: p.input.PkScript,
		PubKey:   p.signer.PubKey(),
		Output:   output,
	}
	require.NoError(t, c.Sign(id, testParams.Params, p.signer.key))
	return c
}

// testPoolConfig returns a pool where inputs of 100_300 satoshis balance.
func testPoolConfig(peers int) *pool.Config {
	return &pool.Config{
		Denomination: 100_000,
		Fee:          pool.FixedFee(300 * peers),
		Peers:        peers,
		MaxDuration:  time.Hour,
		Network:      testParams,
	}
}

func publish(t *testing.T, hub *memrelay.Hub, msg *pool.Message) {
	t.Helper()

	data, err := pool.Encode(msg)
	require.NoError(t, err)
	publishRaw(t, hub, pool.PoolTopic(msg.PoolID), data)
}

func publishRaw(t *testing.T, hub *memrelay.Hub, topic string, data []byte) {
	t.Helper()

	conn, err := hub.Dial(context.Background(), testRelayURL)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Publish(context.Background(), topic, data)
	require.NoError(t, err)
}

// waitAdvertised returns the first pool advertised on the hub.
func waitAdvertised(t *testing.T, hub *memrelay.Hub) *pool.Pool {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(hub.Messages(pool.AdvertTopic)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	msg, err := pool.Decode(hub.Messages(pool.AdvertTopic)[0].Data)
	require.NoError(t, err)
	return pool.New(msg.PoolID, *msg.Advertisement)
}

func waitState(t *testing.T, s *Session, state State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return s.State() == state
	}, 5*time.Second, 10*time.Millisecond)
}

type result struct {
	tx  *wire.MsgTx
	err error
}

func runAsync(ctx context.Context, s *Session) <-chan result {
	c := make(chan result, 1)
	go func() {
		tx, err := s.Run(ctx)
		c <- result{tx, err}
	}()
	return c
}

func wait(t *testing.T, c <-chan result) result {
	t.Helper()

	select {
	case r := <-c:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	return result{}
}

func hasOutput(tx *wire.MsgTx, script []byte) bool {
	for _, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, script) {
			return true
		}
	}
	return false
}

// TestSessionFinalize runs a three peer pool to completion, with noise on the
// pool topic, and checks every peer assembles the same transaction.
func TestSessionFinalize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := memrelay.NewHub()
	peers := []*testPeer{
		newTestPeer(t, 1, 100_300),
		newTestPeer(t, 2, 100_300),
		newTestPeer(t, 3, 100_300),
	}

	// The initiator checks peer inputs against the chain.
	src := &chaintest.MockSource{}
	for _, p := range peers {
		utxo := p.input
		src.On("FetchUtxo", mock.Anything, utxo.OutPoint).Return(
			&utxo, nil,
		)
	}
	cfg := peers[0].config(t, hub)
	cfg.Chain = src

	initiator, err := NewInitiator(cfg, testPoolConfig(3))
	require.NoError(t, err)
	require.Equal(t, StateCreated, initiator.State())
	require.Equal(t, RoleInitiator, initiator.Role())
	require.True(t, initiator.Pool().Payload.IsNone())

	results := []<-chan result{runAsync(ctx, initiator)}
	adv := waitAdvertised(t, hub)
	require.Equal(t, initiator.ID(), adv.ID)
	require.Equal(t, testRelayURL, adv.Relay().UnwrapOr(""))

	// Noise: garbage, a message for another pool and an early forged
	// signature.
	publishRaw(t, hub, pool.PoolTopic(adv.ID), []byte("garbage"))
	otherPool, err := pool.Encode(&pool.Message{
		PoolID: pool.ID{1},
		Kind:   pool.KindSignature,
		Signature: &pool.Signature{
			Signature: []byte{1},
		},
	})
	require.NoError(t, err)
	publishRaw(t, hub, pool.PoolTopic(adv.ID), otherPool)
	forged := ecdsa.Sign(peers[0].signer.key, make([]byte, 32))
	publish(t, hub, &pool.Message{
		PoolID: adv.ID,
		Kind:   pool.KindSignature,
		Signature: &pool.Signature{
			Signature: append(forged.Serialize(),
				byte(txscript.SigHashAll)),
		},
	})

	sessions := []*Session{initiator}
	for _, p := range peers[1:] {
		s, err := NewJoiner(p.config(t, hub), adv)
		require.NoError(t, err)
		require.Equal(t, RoleJoiner, s.Role())
		sessions = append(sessions, s)
		results = append(results, runAsync(ctx, s))
	}

	var txid chainhash.Hash
	for i, c := range results {
		r := wait(t, c)
		require.NoError(t, r.err)

		if i == 0 {
			txid = r.tx.TxHash()
		}
		require.Equal(t, txid, r.tx.TxHash())
		require.Len(t, r.tx.TxIn, 3)
		require.Len(t, r.tx.TxOut, 3)
		for _, p := range peers {
			require.True(t, hasOutput(r.tx, p.outScript))
		}
	}

	for _, s := range sessions {
		require.Equal(t, StateFinalized, s.State())
		require.NoError(t, s.AbortReason())
		require.Len(t, s.Pool().Commitments, 3)
	}
	src.AssertNumberOfCalls(t, "FetchUtxo", 2)

	// Every subscription was released.
	require.Eventually(t, func() bool {
		return hub.Subscribers() == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = initiator.Run(ctx)
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestSessionTimeout(t *testing.T) {
	t.Parallel()

	hub := memrelay.NewHub()
	peer := newTestPeer(t, 1, 100_300)

	s, err := NewInitiator(peer.config(t, hub), testPoolConfig(3))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(),
		200*time.Millisecond)
	defer cancel()

	_, err = s.Run(ctx)
	require.True(t, pool.IsError(err, pool.ErrTimeout), err)
	require.Equal(t, StateAborted, s.State())
	require.True(t, pool.IsError(s.AbortReason(), pool.ErrTimeout))

	// The local commitment was accepted before the deadline.
	require.Len(t, s.Pool().Commitments, 1)
	require.Eventually(t, func() bool {
		return hub.Subscribers() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionCanceled(t *testing.T) {
	t.Parallel()

	hub := memrelay.NewHub()
	peer := newTestPeer(t, 1, 100_300)

	s, err := NewInitiator(peer.config(t, hub), testPoolConfig(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := runAsync(ctx, s)
	waitState(t, s, StateOpen)
	cancel()

	r := wait(t, c)
	require.True(t, pool.IsError(r.err, pool.ErrCanceled), r.err)
	require.Equal(t, StateAborted, s.State())
}

// TestSessionDoubleCommit ensures a second commitment of an input already in
// the pool is ignored by every peer.
func TestSessionDoubleCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := memrelay.NewHub()
	initiatorPeer := newTestPeer(t, 1, 100_300)
	doubler := newTestPeer(t, 2, 100_300)
	honest := newTestPeer(t, 3, 100_300)

	initiator, err := NewInitiator(
		initiatorPeer.config(t, hub), testPoolConfig(3),
	)
	require.NoError(t, err)
	results := []<-chan result{runAsync(ctx, initiator)}
	adv := waitAdvertised(t, hub)

	// The doubler commits its input twice, to different outputs.
	publish(t, hub, &pool.Message{
		PoolID:     adv.ID,
		Kind:       pool.KindCommitment,
		Commitment: doubler.commitment(t, adv.ID, doubler.output),
	})
	otherOutput, otherScript := newAddress(t)
	publish(t, hub, &pool.Message{
		PoolID:     adv.ID,
		Kind:       pool.KindCommitment,
		Commitment: doubler.commitment(t, adv.ID, otherOutput),
	})

	for _, p := range []*testPeer{doubler, honest} {
		s, err := NewJoiner(p.config(t, hub), adv)
		require.NoError(t, err)
		results = append(results, runAsync(ctx, s))
	}

	for _, c := range results {
		r := wait(t, c)
		require.NoError(t, r.err)
		require.True(t, hasOutput(r.tx, doubler.outScript))
		require.False(t, hasOutput(r.tx, otherScript))
	}
	require.Len(t, initiator.Pool().Commitments, 3)
}

// TestSessionPoolFull ensures a joiner whose input did not make it into the
// frozen commitment set aborts.
func TestSessionPoolFull(t *testing.T) {
	t.Parallel()

	hub := memrelay.NewHub()
	initiatorPeer := newTestPeer(t, 1, 100_300)
	outsider := newTestPeer(t, 2, 100_300)
	late := newTestPeer(t, 3, 100_300)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initiator, err := NewInitiator(
		initiatorPeer.config(t, hub), testPoolConfig(2),
	)
	require.NoError(t, err)
	c := runAsync(ctx, initiator)
	adv := waitAdvertised(t, hub)

	publish(t, hub, &pool.Message{
		PoolID:     adv.ID,
		Kind:       pool.KindCommitment,
		Commitment: outsider.commitment(t, adv.ID, outsider.output),
	})
	waitState(t, initiator, StateAwaitingSignatures)

	joiner, err := NewJoiner(late.config(t, hub), adv)
	require.NoError(t, err)
	_, err = joiner.Run(ctx)
	require.True(t, pool.IsError(err, pool.ErrPoolFull), err)
	require.Equal(t, StateAborted, joiner.State())
	require.Len(t, joiner.Pool().Commitments, 2)

	cancel()
	r := wait(t, c)
	require.True(t, pool.IsError(r.err, pool.ErrCanceled), r.err)
}

func TestSessionPeerMismatch(t *testing.T) {
	t.Parallel()

	hub := memrelay.NewHub()
	peer := newTestPeer(t, 1, 100_300)

	s, err := NewInitiator(peer.config(t, hub), testPoolConfig(3))
	require.NoError(t, err)
	c := runAsync(context.Background(), s)
	adv := waitAdvertised(t, hub)
	waitState(t, s, StateOpen)

	payload := testPoolConfig(5).Payload(time.Now(), nil)
	publish(t, hub, &pool.Message{
		PoolID:        adv.ID,
		Kind:          pool.KindAdvertisement,
		Advertisement: &payload,
	})

	r := wait(t, c)
	require.True(t, pool.IsError(r.err, pool.ErrPeerMismatch), r.err)
	require.Equal(t, StateAborted, s.State())
}

// TestSessionChainCheck ensures commitments of inputs unknown to the chain
// are rejected.
func TestSessionChainCheck(t *testing.T) {
	t.Parallel()

	hub := memrelay.NewHub()
	initiatorPeer := newTestPeer(t, 1, 100_300)
	joinerPeer := newTestPeer(t, 2, 100_300)

	src := &chaintest.MockSource{}
	src.On("FetchUtxo", mock.Anything, joinerPeer.input.OutPoint).Return(
		nil, chain.ErrNotFound,
	)
	cfg := initiatorPeer.config(t, hub)
	cfg.Chain = src

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	initiator, err := NewInitiator(cfg, testPoolConfig(2))
	require.NoError(t, err)
	c := runAsync(ctx, initiator)
	adv := waitAdvertised(t, hub)

	joiner, err := NewJoiner(joinerPeer.config(t, hub), adv)
	require.NoError(t, err)
	jc := runAsync(ctx, joiner)

	r := wait(t, c)
	require.True(t, pool.IsError(r.err, pool.ErrTimeout), r.err)
	require.Len(t, initiator.Pool().Commitments, 1)
	src.AssertCalled(t, "FetchUtxo", mock.Anything,
		joinerPeer.input.OutPoint)

	// The joiner accepted both commitments but never got the
	// initiator's signature.
	r = wait(t, jc)
	require.True(t, pool.IsError(r.err, pool.ErrTimeout), r.err)
	require.Len(t, joiner.Pool().Commitments, 2)
}

// TestSessionSignatureTimeout ensures a pool whose commitment set is complete
// aborts when a committed peer never signs.
func TestSessionSignatureTimeout(t *testing.T) {
	t.Parallel()

	hub := memrelay.NewHub()
	initiatorPeer := newTestPeer(t, 1, 100_300)
	silent := newTestPeer(t, 2, 100_300)

	ctx, cancel := context.WithTimeout(context.Background(),
		2*time.Second)
	defer cancel()

	initiator, err := NewInitiator(
		initiatorPeer.config(t, hub), testPoolConfig(2),
	)
	require.NoError(t, err)
	c := runAsync(ctx, initiator)
	adv := waitAdvertised(t, hub)

	// The silent peer commits a valid input but never signs.
	publish(t, hub, &pool.Message{
		PoolID:     adv.ID,
		Kind:       pool.KindCommitment,
		Commitment: silent.commitment(t, adv.ID, silent.output),
	})
	waitState(t, initiator, StateAwaitingSignatures)

	r := wait(t, c)
	require.True(t, pool.IsError(r.err, pool.ErrTimeout), r.err)
	require.Nil(t, r.tx)
	require.Equal(t, StateAborted, initiator.State())
	require.True(t, pool.IsError(initiator.AbortReason(), pool.ErrTimeout))
	require.Len(t, initiator.Pool().Commitments, 2)

	// Only the initiator's own signature reached the relay.
	var sigs int
	for _, m := range hub.Messages(pool.PoolTopic(adv.ID)) {
		msg, err := pool.Decode(m.Data)
		require.NoError(t, err)
		if msg.Kind == pool.KindSignature {
			sigs++
		}
	}
	require.Equal(t, 1, sigs)
}

// TestSessionExcessInputs ensures inputs paying more than the outputs plus
// the fee abort every peer instead of leaving the excess to the miner.
func TestSessionExcessInputs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Second)
	defer cancel()

	hub := memrelay.NewHub()
	peers := []*testPeer{
		newTestPeer(t, 1, 101_000),
		newTestPeer(t, 2, 101_500),
		newTestPeer(t, 3, 102_000),
	}
	poolCfg := &pool.Config{
		Denomination: 100_000,
		Fee:          pool.FixedFee(1_000),
		Peers:        3,
		MaxDuration:  time.Hour,
		Network:      testParams,
	}

	initiator, err := NewInitiator(peers[0].config(t, hub), poolCfg)
	require.NoError(t, err)
	sessions := []*Session{initiator}
	results := []<-chan result{runAsync(ctx, initiator)}
	adv := waitAdvertised(t, hub)

	for _, p := range peers[1:] {
		s, err := NewJoiner(p.config(t, hub), adv)
		require.NoError(t, err)
		sessions = append(sessions, s)
		results = append(results, runAsync(ctx, s))
	}

	for i, c := range results {
		r := wait(t, c)
		require.True(t, pool.IsError(r.err, pool.ErrBalance), r.err)
		require.Nil(t, r.tx)

		s := sessions[i]
		require.Equal(t, StateAborted, s.State())
		require.True(t, pool.IsError(s.AbortReason(), pool.ErrBalance))
		require.Len(t, s.Pool().Commitments, 3)
	}

	// Nobody signed the unbalanced transaction.
	for _, m := range hub.Messages(pool.PoolTopic(adv.ID)) {
		msg, err := pool.Decode(m.Data)
		require.NoError(t, err)
		require.NotEqual(t, pool.KindSignature, msg.Kind)
	}
}

func TestNewJoinerIncompatible(t *testing.T) {
	t.Parallel()

	hub := memrelay.NewHub()
	id, err := pool.NewID()
	require.NoError(t, err)
	payload := testPoolConfig(3).Payload(time.Now(), nil)
	adv := pool.New(id, payload)

	mainnetKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	mainnetAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(mainnetKey.PubKey().SerializeCompressed()),
		netparams.MainNetParams.Params,
	)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config, **pool.Pool)
	}{
		{
			name: "no payload",
			mutate: func(_ *Config, p **pool.Pool) {
				*p = &pool.Pool{ID: id}
			},
		},
		{
			name: "input below denomination plus fee share",
			mutate: func(c *Config, _ **pool.Pool) {
				c.Input.Amount = 100_299
			},
		},
		{
			name: "other network",
			mutate: func(c *Config, _ **pool.Pool) {
				c.Network = &netparams.TestNet3Params
			},
		},
		{
			name: "malformed output",
			mutate: func(c *Config, _ **pool.Pool) {
				c.Output = "bcrt1qnotanaddress"
			},
		},
		{
			name: "output for another network",
			mutate: func(c *Config, _ **pool.Pool) {
				c.Output = mainnetAddr.EncodeAddress()
			},
		},
		{
			name: "non witness input",
			mutate: func(c *Config, _ **pool.Pool) {
				c.Input.PkScript = []byte{txscript.OP_TRUE}
			},
		},
		{
			name: "expired pool",
			mutate: func(_ *Config, p **pool.Pool) {
				expired := payload
				expired.CreatedAt = time.Now().Add(-2 * time.Hour)
				expired.Expiry = time.Now().Add(-time.Hour)
				*p = pool.New(id, expired)
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			peer := newTestPeer(t, 1, 100_300)
			cfg := peer.config(t, hub)
			p := adv
			test.mutate(cfg, &p)

			_, err := NewJoiner(cfg, p)
			require.True(t, pool.IsError(
				err, pool.ErrIncompatibleConfig,
			), err)
		})
	}

	// Nothing reached the relay.
	require.Empty(t, hub.Messages(pool.PoolTopic(id)))
	require.Zero(t, hub.Subscribers())
}
