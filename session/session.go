// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package session runs the pool state machine of one participant: it commits
// the participant's coin, collects the commitments of the other peers, signs
// the canonical transaction and assembles it once every peer signed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/btcsuite/joinpool/pool"
	"github.com/btcsuite/joinpool/relay"
	"github.com/btcsuite/joinpool/txbuilder"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// pendingPerPeer bounds the signatures buffered per peer before the template
// exists.
const pendingPerPeer = 4

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("session already started")

// Signer signs on behalf of the local input.
type Signer interface {
	// PubKey returns the compressed public key of the input.
	PubKey() []byte

	// ProveOwnership signs the digest of the local commitment.
	ProveOwnership(digest *chainhash.Hash) ([]byte, error)

	// SignInput returns the witness signature of input i of tpl.
	SignInput(tpl *txbuilder.Template, i int) ([]byte, error)
}

// Config holds the local side of a session.
type Config struct {
	// Relay is the connection the pool is negotiated over.  The session
	// takes ownership of it and closes it once Run returns.
	Relay relay.Relay

	// Relays lists the relay urls advertised by an initiator.  It
	// defaults to the url of Relay.
	Relays []string

	// Network is the network the local coin lives on.  It defaults to the
	// network of the pool.
	Network *netparams.Params

	// Input is the local coin.
	Input chain.Utxo

	// Output is the address receiving the denomination.
	Output string

	// Signer signs for Input.
	Signer Signer

	// Chain, when set, is used to check peer commitments against the
	// chain before accepting them.
	Chain chain.UtxoFetcher
}

func (c *Config) validate() error {
	switch {
	case c.Relay == nil:
		return pool.NewError(pool.ErrInvalidConfig, "missing relay", nil)
	case c.Signer == nil:
		return pool.NewError(pool.ErrInvalidConfig, "missing signer", nil)
	}
	return nil
}

// Session is one participant's run through a pool.
type Session struct {
	started int32 // To be used atomically.

	cfg     Config
	role    Role
	poolCfg *pool.Config
	id      pool.ID
	dir     *pool.Directory

	mtx    sync.RWMutex
	state  State
	reason error
	pool   *pool.Pool

	// The fields below are only accessed by the run loop.
	payload   *pool.Payload
	params    *netparams.Params
	local     *pool.Commitment
	committed map[wire.OutPoint]struct{}
	localIn   bool
	tpl       *txbuilder.Template
	sigs      [][]byte
	numSigs   int
	pending   []*pool.Signature
}

func newSession(cfg *Config, role Role, id pool.ID) *Session {
	return &Session{
		cfg:       *cfg,
		role:      role,
		id:        id,
		dir:       pool.NewDirectory(cfg.Relay),
		state:     StateCreated,
		pool:      &pool.Pool{ID: id, Payload: fn.None[pool.Payload]()},
		committed: make(map[wire.OutPoint]struct{}),
	}
}

// checkCompatible ensures the local input and output can take part in a pool
// with the given payload.
func checkCompatible(cfg *Config, payload *pool.Payload,
	now time.Time) (*netparams.Params, error) {

	incompatible := func(str string, err error) error {
		return pool.NewError(pool.ErrIncompatibleConfig, str, err)
	}

	params, err := payload.Params()
	if err != nil {
		return nil, incompatible("unknown pool network", err)
	}
	if cfg.Network != nil && cfg.Network.Name != params.Name {
		str := fmt.Sprintf("pool runs on %v, not %v", params.Name,
			cfg.Network.Name)
		return nil, incompatible(str, nil)
	}
	if payload.Expired(now) {
		str := fmt.Sprintf("pool expired at %v", payload.Expiry)
		return nil, incompatible(str, nil)
	}

	if minIn := payload.MinInput(); cfg.Input.Amount < minIn {
		str := fmt.Sprintf("input %v of %v is below the pool minimum "+
			"%v", cfg.Input.OutPoint, cfg.Input.Amount, minIn)
		return nil, incompatible(str, nil)
	}
	if !txscript.IsPayToWitnessPubKeyHash(cfg.Input.PkScript) {
		str := fmt.Sprintf("input %v is not pay-to-witness-pubkey-hash",
			cfg.Input.OutPoint)
		return nil, incompatible(str, nil)
	}
	if _, err := pool.AddressScript(cfg.Output, params.Params); err != nil {
		str := fmt.Sprintf("invalid output address %q", cfg.Output)
		return nil, incompatible(str, err)
	}

	return params, nil
}

// CheckInitiate makes the checks of NewInitiator that need neither a relay
// nor a signer, so that a caller can run them before connecting anywhere.
func CheckInitiate(cfg *Config, poolCfg *pool.Config) error {
	if err := poolCfg.Validate(); err != nil {
		return err
	}

	// Check against the shape the pool will be advertised with.
	payload := poolCfg.Payload(time.Now(), nil)
	_, err := checkCompatible(cfg, &payload, payload.CreatedAt)
	return err
}

// NewInitiator returns a session creating a pool shaped by poolCfg.  The pool
// is advertised once Run is called.
func NewInitiator(cfg *Config, poolCfg *pool.Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := CheckInitiate(cfg, poolCfg); err != nil {
		return nil, err
	}

	id, err := pool.NewID()
	if err != nil {
		return nil, err
	}

	s := newSession(cfg, RoleInitiator, id)
	s.poolCfg = poolCfg
	if len(s.cfg.Relays) == 0 {
		s.cfg.Relays = []string{cfg.Relay.URL()}
	}

	return s, nil
}

func checkJoin(cfg *Config, p *pool.Pool) (*pool.Payload,
	*netparams.Params, error) {

	if p.Payload.IsNone() {
		str := fmt.Sprintf("pool %v has no advertised payload", p.ID)
		return nil, nil, pool.NewError(pool.ErrIncompatibleConfig, str,
			nil)
	}

	payload := p.Payload.UnwrapOr(pool.Payload{})
	if err := payload.Validate(); err != nil {
		return nil, nil, pool.NewError(pool.ErrIncompatibleConfig,
			"invalid pool payload", err)
	}
	params, err := checkCompatible(cfg, &payload, time.Now())
	if err != nil {
		return nil, nil, err
	}

	return &payload, params, nil
}

// CheckJoin makes the checks of NewJoiner that need neither a relay nor a
// signer.
func CheckJoin(cfg *Config, p *pool.Pool) error {
	_, _, err := checkJoin(cfg, p)
	return err
}

// NewJoiner returns a session joining the advertised pool p.  Every check that
// can be made locally is made here, before any relay traffic.
func NewJoiner(cfg *Config, p *pool.Pool) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	payload, params, err := checkJoin(cfg, p)
	if err != nil {
		return nil, err
	}

	s := newSession(cfg, RoleJoiner, p.ID)
	s.setPayload(payload, params)

	return s, nil
}

func (s *Session) setPayload(payload *pool.Payload,
	params *netparams.Params) {

	s.payload = payload
	s.params = params

	s.mtx.Lock()
	s.pool.Payload = fn.Some(*payload)
	s.mtx.Unlock()
}

// ID returns the identifier of the pool.
func (s *Session) ID() pool.ID {
	return s.id
}

// Role returns the part the session plays in its pool.
func (s *Session) Role() Role {
	return s.role
}

// State returns the current state of the session.
func (s *Session) State() State {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.state
}

// AbortReason returns why the session aborted, or nil if it did not.
func (s *Session) AbortReason() error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.reason
}

// Pool returns a snapshot of the pool as seen by the session.
func (s *Session) Pool() *pool.Pool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.pool.Copy()
}

func (s *Session) setState(state State) {
	s.mtx.Lock()
	prev := s.state
	s.state = state
	s.mtx.Unlock()

	log.Debugf("Pool %v (%v): %v -> %v", s.id, s.role, prev, state)
}

func (s *Session) abort(reason error) {
	s.mtx.Lock()
	if s.state.IsTerminal() {
		s.mtx.Unlock()
		return
	}
	prev := s.state
	s.state = StateAborted
	s.reason = reason
	s.mtx.Unlock()

	log.Warnf("Pool %v (%v) aborted in state %v: %v", s.id, s.role, prev,
		reason)
}

// Run drives the session to a terminal state and returns the finished
// transaction.  The session's deadline is the earlier of the deadline of ctx
// and the pool expiry.  Every error leaves the session in StateAborted with
// the error as its reason.
func (s *Session) Run(ctx context.Context) (*wire.MsgTx, error) {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil, ErrAlreadyStarted
	}
	defer s.cfg.Relay.Close()
	defer func() {
		if r := recover(); r != nil {
			s.abort(fmt.Errorf("session panic: %v", r))
			panic(r)
		}
	}()

	tx, err := s.run(ctx)
	if err != nil {
		s.abort(err)
		return nil, err
	}
	return tx, nil
}

func (s *Session) run(ctx context.Context) (*wire.MsgTx, error) {
	if s.role == RoleInitiator {
		p, err := s.dir.AdvertiseWithID(
			ctx, s.id, s.poolCfg, s.cfg.Relays,
		)
		if err != nil {
			return nil, s.wrapErr(ctx, ctx, err)
		}
		payload := p.Payload.UnwrapOr(pool.Payload{})
		s.setPayload(&payload, s.poolCfg.Network)
	}

	runCtx, cancel := s.withDeadline(ctx)
	defer cancel()

	sub, err := s.dir.SubscribePool(runCtx, s.id, s.payload.CreatedAt,
		s.payload.MessageLimit())
	if err != nil {
		return nil, s.wrapErr(ctx, runCtx, err)
	}
	defer sub.Close()

	if err := s.commit(runCtx); err != nil {
		return nil, s.wrapErr(ctx, runCtx, err)
	}
	s.setState(StateOpen)

	for {
		select {
		case m, ok := <-sub.Messages():
			if !ok {
				err := sub.Err()
				if err == nil {
					err = relay.ErrClosed
				}
				return nil, pool.NewError(pool.ErrTransport,
					"pool subscription ended", err)
			}

			tx, err := s.handleMessage(runCtx, m)
			if err != nil {
				return nil, s.wrapErr(ctx, runCtx, err)
			}
			if tx != nil {
				return tx, nil
			}

		case <-runCtx.Done():
			return nil, s.doneErr(ctx, runCtx)
		}
	}
}

// withDeadline bounds ctx by the pool expiry.
func (s *Session) withDeadline(ctx context.Context) (context.Context,
	context.CancelFunc) {

	if s.payload.Expiry.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, s.payload.Expiry)
}

// doneErr returns the abort reason once runCtx, derived from ctx, is done.
func (s *Session) doneErr(ctx, runCtx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return pool.NewError(pool.ErrCanceled, "session canceled",
			ctx.Err())
	}

	peers := 0
	if s.poolCfg != nil {
		peers = s.poolCfg.Peers
	}
	s.mtx.RLock()
	s.pool.Payload.WhenSome(func(p pool.Payload) {
		peers = p.Peers
	})
	str := fmt.Sprintf("pool deadline elapsed in state %v with %d of %d "+
		"commitments", s.state, len(s.pool.Commitments), peers)
	s.mtx.RUnlock()

	return pool.NewError(pool.ErrTimeout, str, runCtx.Err())
}

// wrapErr replaces err by the cancellation or timeout reason when it was
// caused by the end of runCtx.
func (s *Session) wrapErr(ctx, runCtx context.Context, err error) error {
	if runCtx.Err() != nil {
		return s.doneErr(ctx, runCtx)
	}
	return err
}

// commit publishes the commitment of the local input.
func (s *Session) commit(ctx context.Context) error {
	c := &pool.Commitment{
		OutPoint: s.cfg.Input.OutPoint,
		Amount:   s.cfg.Input.Amount,
		PkScript: s.cfg.Input.PkScript,
		PubKey:   s.cfg.Signer.PubKey(),
		Output:   s.cfg.Output,
	}
	digest, err := c.ProofDigest(s.id, s.params.Params)
	if err != nil {
		return pool.NewError(pool.ErrInvalidCommitment,
			"unable to build local commitment", err)
	}
	c.Proof, err = s.cfg.Signer.ProveOwnership(digest)
	if err != nil {
		return pool.NewError(pool.ErrSigning,
			"unable to prove ownership of local input", err)
	}
	if err := c.Verify(s.id, s.payload); err != nil {
		return err
	}
	s.local = c

	return s.dir.Publish(ctx, &pool.Message{
		PoolID:     s.id,
		Kind:       pool.KindCommitment,
		Commitment: c,
	})
}

func (s *Session) handleMessage(ctx context.Context,
	m *relay.Message) (*wire.MsgTx, error) {

	msg, err := pool.Decode(m.Data)
	if err != nil {
		log.Debugf("Pool %v: skipping relay message %s: %v", s.id, m.ID,
			err)
		return nil, nil
	}
	if msg.PoolID != s.id {
		log.Debugf("Pool %v: skipping message %s for pool %v", s.id,
			m.ID, msg.PoolID)
		return nil, nil
	}

	switch msg.Kind {
	case pool.KindAdvertisement:
		if !s.payload.Equal(msg.Advertisement) {
			return nil, pool.NewError(pool.ErrPeerMismatch,
				"pool re-advertised with a different payload",
				nil)
		}
		return nil, nil

	case pool.KindCommitment:
		return s.handleCommitment(ctx, msg.Commitment)

	case pool.KindSignature:
		return s.handleSignature(msg.Signature)
	}

	return nil, nil
}

func (s *Session) handleCommitment(ctx context.Context,
	c *pool.Commitment) (*wire.MsgTx, error) {

	if s.State() != StateOpen {
		log.Tracef("Pool %v: ignoring commitment %v, commitments are "+
			"frozen", s.id, c)
		return nil, nil
	}
	if _, ok := s.committed[c.OutPoint]; ok {
		log.Debugf("Pool %v: rejecting double commitment of %v", s.id,
			c.OutPoint)
		return nil, nil
	}
	if err := c.Verify(s.id, s.payload); err != nil {
		log.Debugf("Pool %v: rejecting commitment %v: %v", s.id, c, err)
		return nil, nil
	}

	isLocal := c.OutPoint == s.local.OutPoint
	if s.cfg.Chain != nil && !isLocal {
		ok, err := s.checkChain(ctx, c)
		if err != nil || !ok {
			return nil, err
		}
	}

	s.committed[c.OutPoint] = struct{}{}
	if isLocal {
		s.localIn = true
	}

	s.mtx.Lock()
	s.pool.Commitments = append(s.pool.Commitments, c)
	numCommitted := len(s.pool.Commitments)
	s.mtx.Unlock()

	log.Infof("Pool %v: accepted commitment %v (%d of %d)", s.id, c,
		numCommitted, s.payload.Peers)

	if numCommitted < s.payload.Peers {
		return nil, nil
	}
	return s.fill(ctx)
}

// checkChain returns whether the committed input exists on chain as
// committed.
func (s *Session) checkChain(ctx context.Context,
	c *pool.Commitment) (bool, error) {

	utxo, err := s.cfg.Chain.FetchUtxo(ctx, c.OutPoint)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		log.Debugf("Pool %v: rejecting commitment %v: input not found",
			s.id, c)
		return false, nil

	case err != nil:
		return false, pool.NewError(pool.ErrTransport,
			"unable to look up committed input", err)

	case utxo.Amount != c.Amount ||
		string(utxo.PkScript) != string(c.PkScript):

		log.Debugf("Pool %v: rejecting commitment %v: chain reports "+
			"%v", s.id, c, utxo.Amount)
		return false, nil
	}

	return true, nil
}

// fill freezes the commitment set, builds the template and publishes the
// local signature.
func (s *Session) fill(ctx context.Context) (*wire.MsgTx, error) {
	s.setState(StateFilling)

	if !s.localIn {
		str := fmt.Sprintf("pool %v filled without input %v", s.id,
			s.local.OutPoint)
		return nil, pool.NewError(pool.ErrPoolFull, str, nil)
	}

	snapshot := s.Pool()
	tpl, err := txbuilder.FromCommitments(s.payload, snapshot.Commitments)
	if err != nil {
		return nil, err
	}
	s.tpl = tpl
	s.sigs = make([][]byte, len(snapshot.Commitments))

	i := tpl.InputIndex(s.local.OutPoint)
	sig, err := s.cfg.Signer.SignInput(tpl, i)
	if err != nil {
		if _, ok := pool.Code(err); !ok {
			err = pool.NewError(pool.ErrSigning,
				"unable to sign local input", err)
		}
		return nil, err
	}
	if err := tpl.VerifySignature(i, sig); err != nil {
		return nil, pool.NewError(pool.ErrSigning,
			"local signature does not verify", err)
	}

	err = s.dir.Publish(ctx, &pool.Message{
		PoolID: s.id,
		Kind:   pool.KindSignature,
		Signature: &pool.Signature{
			InputIndex: i,
			Signature:  sig,
		},
	})
	if err != nil {
		return nil, err
	}
	s.setState(StateAwaitingSignatures)

	log.Infof("Pool %v: signed input %d of transaction %v", s.id, i,
		tpl.Digest())

	if tx, err := s.applySignature(&pool.Signature{
		InputIndex: i,
		Signature:  sig,
	}); tx != nil || err != nil {
		return tx, err
	}

	pending := s.pending
	s.pending = nil
	for _, sig := range pending {
		if tx, err := s.applySignature(sig); tx != nil || err != nil {
			return tx, err
		}
	}

	return nil, nil
}

func (s *Session) handleSignature(sig *pool.Signature) (*wire.MsgTx, error) {
	switch s.State() {
	case StateOpen, StateFilling:
		if len(s.pending) >= pendingPerPeer*s.payload.Peers {
			log.Debugf("Pool %v: dropping early signature for "+
				"input %d", s.id, sig.InputIndex)
			return nil, nil
		}
		s.pending = append(s.pending, sig)
		return nil, nil

	case StateAwaitingSignatures:
		return s.applySignature(sig)
	}

	return nil, nil
}

// applySignature records a verified signature and assembles the transaction
// once every input is signed.
func (s *Session) applySignature(sig *pool.Signature) (*wire.MsgTx, error) {
	i := sig.InputIndex
	if i < 0 || i >= len(s.sigs) || s.sigs[i] != nil {
		return nil, nil
	}
	if err := s.tpl.VerifySignature(i, sig.Signature); err != nil {
		log.Debugf("Pool %v: rejecting signature: %v", s.id, err)
		return nil, nil
	}
	s.sigs[i] = sig.Signature
	s.numSigs++

	log.Debugf("Pool %v: signature for input %d (%d of %d)", s.id, i,
		s.numSigs, len(s.sigs))

	if s.numSigs < len(s.sigs) {
		return nil, nil
	}

	tx, err := txbuilder.Assemble(s.tpl, s.sigs)
	if err != nil {
		return nil, err
	}
	s.setState(StateFinalized)

	log.Infof("Pool %v: transaction %v finalized", s.id, tx.TxHash())

	return tx, nil
}
