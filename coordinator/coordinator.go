// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coordinator exposes the operations an application needs to take
// part in pools: listing the coins of a mnemonic, discovering advertised
// pools, and creating or joining a pool up to the broadcast of its
// transaction.  A Manager keeps track of the sessions it is running so they
// can be inspected and canceled.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
	"github.com/btcsuite/joinpool/internal/cfgutil"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/btcsuite/joinpool/pool"
	"github.com/btcsuite/joinpool/relay"
	"github.com/btcsuite/joinpool/session"
	"github.com/btcsuite/joinpool/wallet"
	"github.com/davecgh/go-spew/spew"
)

var (
	// ErrUnknownSession is returned by Cancel for a pool the manager is
	// not taking part in.
	ErrUnknownSession = errors.New("unknown session")

	// ErrDuplicateSession is returned when the manager is already taking
	// part in a pool.
	ErrDuplicateSession = errors.New("already taking part in pool")
)

// Config holds the backends a Manager reaches the network through.
type Config struct {
	// Dial opens relay connections.
	Dial relay.Dialer

	// Chain opens chain sources.
	Chain SourceFactory

	// DisableChainCheck skips the chain lookup of peer commitments.
	DisableChainCheck bool
}

// PeerConfig describes the local participant of a pool.  It is never
// persisted and the key material derived from it is wiped once the pool
// finishes.
type PeerConfig struct {
	Mnemonic   string
	Passphrase string

	// ChainHost and ChainPort locate the chain source used to check
	// commitments and broadcast the transaction.  A zero port selects the
	// default of the network.
	ChainHost string
	ChainPort uint16

	// Input is the coin committed to the pool.  It must belong to
	// Mnemonic.
	Input wallet.Coin

	// Output is the address receiving the denomination.
	Output string

	// Relay is the relay url the pool is negotiated over.  Joiners default
	// to the first relay the pool advertises.
	Relay string
}

func (p *PeerConfig) validate() error {
	switch {
	case p.Mnemonic == "":
		return pool.NewError(pool.ErrInvalidConfig, "missing mnemonic",
			nil)
	case p.ChainHost == "":
		return pool.NewError(pool.ErrInvalidConfig, "missing chain "+
			"source host", nil)
	case p.Output == "":
		return pool.NewError(pool.ErrInvalidConfig, "missing output "+
			"address", nil)
	}
	return nil
}

// SessionInfo is a snapshot of a running session.
type SessionInfo struct {
	ID      pool.ID
	Role    session.Role
	State   session.State
	Pool    *pool.Pool
	Input   wire.OutPoint
	Started time.Time
}

type entry struct {
	session *session.Session
	input   wire.OutPoint
	started time.Time
	cancel  context.CancelFunc
}

// Manager runs pool sessions on behalf of an application.
type Manager struct {
	cfg Config

	mtx      sync.Mutex
	sessions map[pool.ID]*entry
}

// New returns a manager using the backends of cfg.
func New(cfg *Config) *Manager {
	return &Manager{
		cfg:      *cfg,
		sessions: make(map[pool.ID]*entry),
	}
}

func (m *Manager) openSource(ctx context.Context, host string, port uint16,
	params *netparams.Params) (chain.Source, error) {

	src, err := m.cfg.Chain(ctx, host, port, params)
	if err != nil {
		str := fmt.Sprintf("unable to reach chain source %s", host)
		return nil, pool.NewError(pool.ErrTransport, str, err)
	}
	return src, nil
}

func (m *Manager) dialRelay(ctx context.Context,
	rawURL string) (relay.Relay, error) {

	url, err := cfgutil.NormalizeRelayURL(rawURL)
	if err != nil {
		return nil, pool.NewError(pool.ErrInvalidConfig, "invalid relay "+
			"url", err)
	}
	conn, err := m.cfg.Dial(ctx, url)
	if err != nil {
		return nil, pool.NewError(pool.ErrTransport, "unable to reach "+
			"relay "+url, err)
	}
	return conn, nil
}

// ListCoins returns the coins of mnemonic found in the index range r of
// both derivation branches.
func (m *Manager) ListCoins(ctx context.Context, mnemonic, host string,
	port uint16, r wallet.IndexRange,
	params *netparams.Params) ([]wallet.Coin, error) {

	return m.ListCoinsWithPassphrase(ctx, mnemonic, "", host, port, r,
		params)
}

// ListCoinsWithPassphrase is ListCoins for a mnemonic protected by a BIP 39
// passphrase.
func (m *Manager) ListCoinsWithPassphrase(ctx context.Context, mnemonic,
	passphrase, host string, port uint16, r wallet.IndexRange,
	params *netparams.Params) ([]wallet.Coin, error) {

	if params == nil {
		return nil, pool.NewError(pool.ErrInvalidConfig, "missing "+
			"network", nil)
	}

	w, err := wallet.New(mnemonic, passphrase, params)
	if err != nil {
		return nil, pool.NewError(pool.ErrInvalidConfig, "unable to "+
			"open wallet", err)
	}
	defer w.Zero()

	src, err := m.openSource(ctx, host, port, params)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	coins, err := w.ListCoins(ctx, src, r)
	switch {
	case errors.Is(err, wallet.ErrInvalidRange):
		return nil, pool.NewError(pool.ErrInvalidConfig, "unable to "+
			"list coins", err)
	case err != nil:
		return nil, pool.NewError(pool.ErrTransport, "unable to list "+
			"coins", err)
	}

	return coins, nil
}

// ListPools returns the pools advertised on relayURL during the last lookback
// or within timeout.
func (m *Manager) ListPools(ctx context.Context, lookback,
	timeout time.Duration, relayURL string) ([]*pool.Pool, error) {

	conn, err := m.dialRelay(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return pool.NewDirectory(conn).Discover(ctx, lookback, timeout)
}

// InitiateCoinjoin creates a pool shaped by poolCfg, takes part in it with
// the coin of peer and broadcasts the resulting transaction.  It returns the
// transaction id.
func (m *Manager) InitiateCoinjoin(ctx context.Context, poolCfg *pool.Config,
	peer *PeerConfig) (*chainhash.Hash, error) {

	if err := poolCfg.Validate(); err != nil {
		return nil, err
	}

	return m.coinjoin(ctx, peer, poolCfg.Network, peer.Relay,
		func(cfg *session.Config) error {
			return session.CheckInitiate(cfg, poolCfg)
		},
		func(cfg *session.Config) (*session.Session, error) {
			return session.NewInitiator(cfg, poolCfg)
		},
	)
}

// JoinCoinjoin takes part in the advertised pool p with the coin of peer and
// broadcasts the resulting transaction.  It returns the transaction id.
func (m *Manager) JoinCoinjoin(ctx context.Context, p *pool.Pool,
	peer *PeerConfig) (*chainhash.Hash, error) {

	if p.Payload.IsNone() {
		str := fmt.Sprintf("pool %v has no advertised payload", p.ID)
		return nil, pool.NewError(pool.ErrIncompatibleConfig, str, nil)
	}
	payload := p.Payload.UnwrapOr(pool.Payload{})
	params, err := payload.Params()
	if err != nil {
		return nil, pool.NewError(pool.ErrIncompatibleConfig, "unknown "+
			"pool network", err)
	}

	relayURL := peer.Relay
	if relayURL == "" {
		relayURL = p.Relay().UnwrapOr("")
	}

	return m.coinjoin(ctx, peer, params, relayURL,
		func(cfg *session.Config) error {
			return session.CheckJoin(cfg, p)
		},
		func(cfg *session.Config) (*session.Session, error) {
			return session.NewJoiner(cfg, p)
		},
	)
}

// coinjoin runs a session for peer.  check makes every local check of the
// session before the chain source and the relay are reached.
func (m *Manager) coinjoin(ctx context.Context, peer *PeerConfig,
	params *netparams.Params, relayURL string,
	check func(*session.Config) error,
	newSession func(*session.Config) (*session.Session,
		error)) (*chainhash.Hash, error) {

	if err := peer.validate(); err != nil {
		return nil, err
	}

	w, err := wallet.New(peer.Mnemonic, peer.Passphrase, params)
	if err != nil {
		return nil, pool.NewError(pool.ErrInvalidConfig, "unable to "+
			"open wallet", err)
	}
	defer w.Zero()

	signer, err := w.Signer(&peer.Input)
	if err != nil {
		return nil, pool.NewError(pool.ErrIncompatibleConfig, "input "+
			"does not belong to the wallet", err)
	}
	defer signer.Zero()

	cfg := &session.Config{
		Network: params,
		Input: chain.Utxo{
			OutPoint: peer.Input.OutPoint,
			Amount:   peer.Input.Amount,
			PkScript: peer.Input.PkScript,
			Height:   peer.Input.Height,
		},
		Output: peer.Output,
		Signer: signer,
	}
	if err := check(cfg); err != nil {
		return nil, err
	}
	if _, err := cfgutil.NormalizeRelayURL(relayURL); err != nil {
		return nil, pool.NewError(pool.ErrInvalidConfig, "invalid "+
			"relay url", err)
	}

	src, err := m.openSource(ctx, peer.ChainHost, peer.ChainPort, params)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	conn, err := m.dialRelay(ctx, relayURL)
	if err != nil {
		return nil, err
	}

	cfg.Relay = conn
	if f, ok := src.(chain.UtxoFetcher); ok && !m.cfg.DisableChainCheck {
		cfg.Chain = f
	}

	// Until Run is called the connection is ours to close.
	s, err := newSession(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.register(s, peer.Input.OutPoint, cancel); err != nil {
		conn.Close()
		return nil, err
	}
	defer m.unregister(s.ID())

	log.Infof("Taking part in pool %v as %v with %v", s.ID(), s.Role(),
		peer.Input.OutPoint)

	tx, err := s.Run(sessCtx)
	if err != nil {
		log.Errorf("Pool %v aborted: %v", s.ID(), err)
		return nil, err
	}

	return broadcast(ctx, src, tx)
}

// broadcast publishes tx through src.  A transaction the network already knows
// counts as broadcast, since every peer of a pool broadcasts it.
func broadcast(ctx context.Context, src chain.Source,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	txid := tx.TxHash()
	log.Tracef("Broadcasting %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))

	_, err := src.Broadcast(ctx, tx)
	switch {
	case chain.IsAlreadyBroadcast(err):
		log.Infof("Coinjoin %v already known to the network", txid)

	case err != nil:
		return nil, pool.NewError(pool.ErrTransport, "unable to "+
			"broadcast "+txid.String(), err)

	default:
		log.Infof("Broadcast coinjoin %v", txid)
	}

	return &txid, nil
}

func (m *Manager) register(s *session.Session, input wire.OutPoint,
	cancel context.CancelFunc) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.sessions[s.ID()]; ok {
		return fmt.Errorf("%w %v", ErrDuplicateSession, s.ID())
	}
	m.sessions[s.ID()] = &entry{
		session: s,
		input:   input,
		started: time.Now(),
		cancel:  cancel,
	}
	return nil
}

func (m *Manager) unregister(id pool.ID) {
	m.mtx.Lock()
	delete(m.sessions, id)
	m.mtx.Unlock()
}

// Sessions returns a snapshot of the running sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mtx.Lock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for id, e := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:      id,
			Role:    e.session.Role(),
			State:   e.session.State(),
			Pool:    e.session.Pool(),
			Input:   e.input,
			Started: e.started,
		})
	}
	m.mtx.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Started.Before(infos[j].Started)
	})
	return infos
}

// Cancel stops the session of pool id.  The coinjoin call running it returns
// an ErrCanceled error.
func (m *Manager) Cancel(id pool.ID) error {
	m.mtx.Lock()
	e, ok := m.sessions[id]
	m.mtx.Unlock()
	if !ok {
		return fmt.Errorf("%w %v", ErrUnknownSession, id)
	}

	log.Infof("Canceling pool %v", id)
	e.cancel()
	return nil
}
