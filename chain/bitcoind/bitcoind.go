// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bitcoind implements chain.Source against the JSON-RPC interface of
// a bitcoind node, using scantxoutset to find unspent outputs by script.
package bitcoind

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
)

// Config describes how to reach the node.
type Config struct {
	// Host is the RPC address as host:port.
	Host string

	User string
	Pass string

	// CookiePath authenticates with the node's cookie file instead of
	// User and Pass.
	CookiePath string

	// DisableTLS connects over plain HTTP, as bitcoind expects.
	DisableTLS bool

	// Proxy is an optional SOCKS5 proxy address (host:port).
	Proxy     string
	ProxyUser string
	ProxyPass string
}

// Client is a chain source backed by bitcoind.
type Client struct {
	client *rpcclient.Client
}

// Compile-time assertions to ensure that Client implements the chain
// interfaces.
var (
	_ chain.Source      = (*Client)(nil)
	_ chain.UtxoFetcher = (*Client)(nil)
)

// New creates an HTTP POST mode client.  No connection is made until the
// first request.
func New(cfg *Config) (*Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		CookiePath:   cfg.CookiePath,
		DisableTLS:   cfg.DisableTLS,
		Proxy:        cfg.Proxy,
		ProxyUser:    cfg.ProxyUser,
		ProxyPass:    cfg.ProxyPass,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, err
	}

	return &Client{client: client}, nil
}

type scanObject struct {
	Desc string `json:"desc"`
}

type scanResult struct {
	Success  bool `json:"success"`
	Unspents []struct {
		TxID         string  `json:"txid"`
		Vout         uint32  `json:"vout"`
		ScriptPubKey string  `json:"scriptPubKey"`
		Amount       float64 `json:"amount"`
		Height       int32   `json:"height"`
	} `json:"unspents"`
}

func marshalParams(params ...interface{}) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return raw, nil
}

// Unspent scans the UTXO set for outputs paying to pkScript.  Only confirmed
// outputs are reported by scantxoutset.
func (c *Client) Unspent(ctx context.Context, pkScript []byte) ([]chain.Utxo,
	error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("raw(%x)", pkScript)
	params, err := marshalParams("start", []scanObject{{Desc: desc}})
	if err != nil {
		return nil, err
	}
	resp, err := c.client.RawRequest("scantxoutset", params)
	if err != nil {
		return nil, err
	}

	var result scanResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, errors.New("scantxoutset did not complete")
	}

	utxos := make([]chain.Utxo, 0, len(result.Unspents))
	for _, u := range result.Unspents {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, err
		}
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, err
		}
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return nil, err
		}
		utxos = append(utxos, chain.Utxo{
			OutPoint: *wire.NewOutPoint(hash, u.Vout),
			Amount:   amount,
			PkScript: script,
			Height:   u.Height,
		})
	}

	log.Debugf("Found %d unspent outputs for script %x", len(utxos),
		pkScript)

	return utxos, nil
}

// isNotFound returns whether err is bitcoind's "no such transaction" error.
func isNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) &&
		rpcErr.Code == btcjson.ErrRPCNoTxInfo
}

// FetchTx fetches a transaction from the node's mempool or transaction index.
func (c *Client) FetchTx(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgTx, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := c.client.GetRawTransaction(hash)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %v", chain.ErrNotFound, err)
		}
		return nil, err
	}

	return tx.MsgTx(), nil
}

// FetchUtxo looks the output up with gettxout, including the mempool.
func (c *Client) FetchUtxo(ctx context.Context,
	op wire.OutPoint) (*chain.Utxo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := c.client.GetTxOut(&op.Hash, op.Index, true)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: output %v", chain.ErrNotFound, op)
	}

	amount, err := btcutil.NewAmount(out.Value)
	if err != nil {
		return nil, err
	}
	script, err := hex.DecodeString(out.ScriptPubKey.Hex)
	if err != nil {
		return nil, err
	}

	return &chain.Utxo{
		OutPoint: op,
		Amount:   amount,
		PkScript: script,
	}, nil
}

// Broadcast submits tx with sendrawtransaction.
func (c *Client) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	params, err := marshalParams(hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, err
	}

	resp, err := c.client.RawRequest("sendrawtransaction", params)
	if err != nil {
		return nil, chain.MapBroadcastErr(err)
	}

	var txid string
	if err := json.Unmarshal(resp, &txid); err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	log.Infof("Broadcast transaction %v", hash)

	return hash, nil
}

// Close shuts the RPC client down.
func (c *Client) Close() error {
	c.client.Shutdown()
	return nil
}
