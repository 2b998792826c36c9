// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/coordinator"
	"github.com/btcsuite/joinpool/internal/cfgutil"
	"github.com/btcsuite/joinpool/internal/prompt"
	"github.com/btcsuite/joinpool/pool"
	"github.com/btcsuite/joinpool/wallet"
)

const (
	defaultScanEnd     = 20
	defaultLookback    = time.Hour
	defaultTimeout     = 5 * time.Second
	defaultPeers       = 5
	defaultDuration    = time.Hour
	defaultDenomBTC    = 0.001
	defaultPoolFeeSats = 1000
)

// errReported is returned by commands whose failure was already written to
// the output.
var errReported = errors.New("command failed")

// environment is what a command runs against.
type environment struct {
	cfg     *config
	manager *coordinator.Manager
	stdin   *bufio.Reader
	stdout  io.Writer
}

type runner interface {
	run(ctx context.Context, env *environment) error
}

type command struct {
	name  string
	short string
	long  string
	opts  runner
}

func newCommands() []*command {
	denomination, _ := btcutil.NewAmount(defaultDenomBTC)

	return []*command{{
		name:  "listcoins",
		short: "List the coins of the wallet",
		long: "Scans both derivation branches of the wallet within an " +
			"address index range and lists their unspent outputs.",
		opts: &listCoinsCmd{End: defaultScanEnd},
	}, {
		name:  "listpools",
		short: "List the pools advertised on the relay",
		long: "Collects the pools advertised on the relay during the " +
			"lookback window and within the timeout.",
		opts: &listPoolsCmd{
			Lookback: defaultLookback,
			Timeout:  defaultTimeout,
		},
	}, {
		name:  "initiate",
		short: "Create a pool and mix a coin through it",
		long: "Advertises a new pool on the relay, commits a coin of " +
			"the wallet to it and broadcasts the coinjoin once every " +
			"peer signed.",
		opts: &initiateCmd{
			Denomination: cfgutil.NewAmountFlag(denomination),
			Fee:          cfgutil.NewAmountFlag(defaultPoolFeeSats),
			Peers:        defaultPeers,
			Duration:     defaultDuration,
			Scan:         defaultScanEnd,
		},
	}, {
		name:  "join",
		short: "Mix a coin through an advertised pool",
		long: "Looks the pool up on the relay, commits a coin of the " +
			"wallet to it and broadcasts the coinjoin once every " +
			"peer signed.",
		opts: &joinCmd{
			Lookback: defaultLookback,
			Timeout:  defaultTimeout,
			Scan:     defaultScanEnd,
		},
	}, {
		name:  "newmnemonic",
		short: "Generate a new wallet mnemonic",
		long:  "Prints a fresh 24 word BIP 39 mnemonic.",
		opts:  &newMnemonicCmd{},
	}}
}

// secrets returns the mnemonic and passphrase of the wallet, prompting for
// what the configuration does not provide.
func (env *environment) secrets() (string, string, error) {
	mnemonic := prompt.NormalizeMnemonic(env.cfg.Mnemonic)
	if mnemonic == "" {
		var err error
		mnemonic, err = prompt.Mnemonic(env.stdin)
		if err != nil {
			return "", "", err
		}
	}

	if !env.cfg.AskPassphrase {
		return mnemonic, "", nil
	}
	passphrase, err := prompt.Passphrase(env.stdin, "Enter the BIP 39 "+
		"passphrase", false)
	if err != nil {
		return "", "", err
	}
	return mnemonic, passphrase, nil
}

func (env *environment) relay() (string, error) {
	if env.cfg.Relay == "" {
		return "", errors.New("a relay is required (--relay)")
	}
	return env.cfg.Relay, nil
}

// findCoin looks the outpoint input up among the coins of the first scan
// address indexes of the wallet.
func (env *environment) findCoin(ctx context.Context, mnemonic,
	passphrase, input string, scan uint32) (*wallet.Coin, error) {

	op, err := wire.NewOutPointFromString(input)
	if err != nil {
		return nil, fmt.Errorf("invalid input outpoint `%v`: %w", input,
			err)
	}

	coins, err := env.manager.ListCoinsWithPassphrase(ctx, mnemonic,
		passphrase, env.cfg.chainHost, env.cfg.chainPort,
		wallet.IndexRange{Start: 0, End: scan}, env.cfg.params)
	if err != nil {
		return nil, err
	}
	for i := range coins {
		if coins[i].OutPoint == *op {
			return &coins[i], nil
		}
	}

	return nil, fmt.Errorf("coin %v not found in the first %d addresses "+
		"of the wallet", op, scan)
}

func (env *environment) peerConfig(mnemonic, passphrase string,
	coin *wallet.Coin, output string) *coordinator.PeerConfig {

	return &coordinator.PeerConfig{
		Mnemonic:   mnemonic,
		Passphrase: passphrase,
		ChainHost:  env.cfg.chainHost,
		ChainPort:  env.cfg.chainPort,
		Input:      *coin,
		Output:     output,
		Relay:      env.cfg.Relay,
	}
}

func (env *environment) print(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(env.stdout, "%s\n", b)
	return err
}

type coinJSON struct {
	OutPoint  string  `json:"outpoint"`
	Address   string  `json:"address"`
	AmountSat int64   `json:"amount_sat"`
	AmountBTC float64 `json:"amount_btc"`
	Path      string  `json:"path"`
	Height    int32   `json:"height"`
}

type listCoinsJSON struct {
	Coins []coinJSON `json:"coins"`
	Error string     `json:"error,omitempty"`
}

func newListCoinsJSON(res *coordinator.ListCoinsResult) *listCoinsJSON {
	out := &listCoinsJSON{Error: res.Error}
	if res.Coins != nil {
		out.Coins = make([]coinJSON, 0, len(res.Coins))
	}
	for i := range res.Coins {
		coin := &res.Coins[i]
		out.Coins = append(out.Coins, coinJSON{
			OutPoint:  coin.OutPoint.String(),
			Address:   coin.Address,
			AmountSat: coin.AmountSat(),
			AmountBTC: coin.AmountBTC(),
			Path:      fmt.Sprintf("m/%d/%d", coin.Branch, coin.Index),
			Height:    coin.Height,
		})
	}
	return out
}

type poolJSON struct {
	ID           string   `json:"id"`
	Denomination int64    `json:"denomination_sat"`
	Fee          int64    `json:"fee_sat"`
	Peers        int      `json:"peers"`
	Relays       []string `json:"relays"`
	CreatedAt    int64    `json:"created_at"`
	Expiry       int64    `json:"expiry,omitempty"`
	Network      string   `json:"network"`
}

type listPoolsJSON struct {
	Pools []poolJSON `json:"pools"`
	Error string     `json:"error,omitempty"`
}

func newPoolJSON(p *pool.Pool) poolJSON {
	out := poolJSON{ID: p.ID.String()}
	p.Payload.WhenSome(func(pl pool.Payload) {
		out.Denomination = int64(pl.Denomination)
		out.Fee = int64(pl.FeeAmount())
		out.Peers = pl.Peers
		out.Relays = pl.Relays
		out.CreatedAt = pl.CreatedAt.Unix()
		if !pl.Expiry.IsZero() {
			out.Expiry = pl.Expiry.Unix()
		}
		out.Network = pl.Network
	})
	return out
}

func newListPoolsJSON(res *coordinator.ListPoolsResult) *listPoolsJSON {
	out := &listPoolsJSON{Error: res.Error}
	if res.Pools != nil {
		out.Pools = make([]poolJSON, 0, len(res.Pools))
	}
	for _, p := range res.Pools {
		out.Pools = append(out.Pools, newPoolJSON(p))
	}
	return out
}

type listCoinsCmd struct {
	Start uint32 `long:"start" description:"First address index to scan"`
	End   uint32 `long:"end" description:"Address index to stop scanning at (exclusive)"`
}

func (c *listCoinsCmd) run(ctx context.Context, env *environment) error {
	mnemonic, passphrase, err := env.secrets()
	if err != nil {
		return err
	}

	var res coordinator.ListCoinsResult
	res.Coins, err = env.manager.ListCoinsWithPassphrase(ctx, mnemonic,
		passphrase, env.cfg.chainHost, env.cfg.chainPort,
		wallet.IndexRange{Start: c.Start, End: c.End}, env.cfg.params)
	if err != nil {
		res.Error = err.Error()
	}

	if err := env.print(newListCoinsJSON(&res)); err != nil {
		return err
	}
	if res.IsError() {
		return errReported
	}
	return nil
}

type listPoolsCmd struct {
	Lookback time.Duration `long:"lookback" description:"How far back advertisements are collected"`
	Timeout  time.Duration `long:"timeout" description:"How long to wait for new advertisements"`
}

func (c *listPoolsCmd) run(ctx context.Context, env *environment) error {
	relayURL, err := env.relay()
	if err != nil {
		return err
	}

	res := env.manager.ListPoolsResult(ctx, c.Lookback, c.Timeout,
		relayURL)
	if err := env.print(newListPoolsJSON(&res)); err != nil {
		return err
	}
	if res.IsError() {
		return errReported
	}
	return nil
}

type initiateCmd struct {
	Denomination *cfgutil.AmountFlag `long:"denomination" description:"Value of every pool output, in BTC or with a sat suffix"`
	Fee          *cfgutil.AmountFlag `long:"fee" description:"Network fee shared by the peers, in BTC or with a sat suffix"`
	Peers        int                 `long:"peers" description:"Number of peers"`
	Duration     time.Duration       `long:"duration" description:"How long the pool accepts peers"`
	Input        string              `long:"input" required:"true" description:"Outpoint (txid:index) of the coin to mix"`
	Output       string              `long:"output" required:"true" description:"Address receiving the denomination"`
	Scan         uint32              `long:"scan" description:"Number of address indexes searched for the input"`
}

func (c *initiateCmd) run(ctx context.Context, env *environment) error {
	if _, err := env.relay(); err != nil {
		return err
	}

	poolCfg := &pool.Config{
		Denomination: c.Denomination.Amount,
		Fee:          pool.FixedFee(c.Fee.Amount),
		Peers:        c.Peers,
		MaxDuration:  c.Duration,
		Network:      env.cfg.params,
	}
	if err := poolCfg.Validate(); err != nil {
		return err
	}

	mnemonic, passphrase, err := env.secrets()
	if err != nil {
		return err
	}
	coin, err := env.findCoin(ctx, mnemonic, passphrase, c.Input, c.Scan)
	if err != nil {
		return err
	}

	log.Infof("Creating a pool of %d x %v mixing %v", c.Peers,
		c.Denomination.Amount, coin)

	res := env.manager.InitiateCoinjoinResult(ctx, poolCfg,
		env.peerConfig(mnemonic, passphrase, coin, c.Output))
	if err := env.print(&res); err != nil {
		return err
	}
	if res.IsError() {
		return errReported
	}
	return nil
}

type joinCmd struct {
	Pool     string        `long:"pool" required:"true" description:"Identifier of the pool to join"`
	Lookback time.Duration `long:"lookback" description:"How far back the pool advertisement is searched"`
	Timeout  time.Duration `long:"timeout" description:"How long to wait for the pool advertisement"`
	Input    string        `long:"input" required:"true" description:"Outpoint (txid:index) of the coin to mix"`
	Output   string        `long:"output" required:"true" description:"Address receiving the denomination"`
	Scan     uint32        `long:"scan" description:"Number of address indexes searched for the input"`
	Yes      bool          `short:"y" long:"yes" description:"Join without asking for confirmation"`
}

func (c *joinCmd) run(ctx context.Context, env *environment) error {
	relayURL, err := env.relay()
	if err != nil {
		return err
	}
	id, err := pool.ParseID(c.Pool)
	if err != nil {
		return err
	}

	pools, err := env.manager.ListPools(ctx, c.Lookback, c.Timeout,
		relayURL)
	if err != nil {
		return err
	}
	var p *pool.Pool
	for _, candidate := range pools {
		if candidate.ID == id {
			p = candidate
		}
	}
	if p == nil {
		return fmt.Errorf("pool %v is not advertised on %s", id,
			relayURL)
	}

	if !c.Yes {
		ok, err := prompt.Confirm(env.stdin, fmt.Sprintf("Join %v?", p),
			"no")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("not joining")
		}
	}

	mnemonic, passphrase, err := env.secrets()
	if err != nil {
		return err
	}
	coin, err := env.findCoin(ctx, mnemonic, passphrase, c.Input, c.Scan)
	if err != nil {
		return err
	}

	res := env.manager.JoinCoinjoinResult(ctx, p,
		env.peerConfig(mnemonic, passphrase, coin, c.Output))
	if err := env.print(&res); err != nil {
		return err
	}
	if res.IsError() {
		return errReported
	}
	return nil
}

type newMnemonicCmd struct{}

func (c *newMnemonicCmd) run(_ context.Context, env *environment) error {
	mnemonic, err := wallet.NewMnemonic()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.stdout, mnemonic)
	return err
}
