// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrum implements chain.Source against an Electrum protocol
// server over TCP or TLS.
package electrum

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
	"github.com/checksum0/go-electrum/electrum"
)

// DefaultTimeout bounds dialing and each request when the caller's context
// has no deadline.
const DefaultTimeout = 30 * time.Second

// ErrClientShutdown is returned for requests made after Close or after the
// connection to the server was lost.
var ErrClientShutdown = errors.New("electrum client shut down")

// Config describes how to reach the server.
type Config struct {
	// Host is the server address as host:port.
	Host string

	// TLS enables a TLS connection.
	TLS bool

	// TLSConfig overrides the TLS configuration.  Electrum servers
	// commonly use self-signed certificates, so callers may need to set
	// InsecureSkipVerify explicitly.
	TLSConfig *tls.Config

	// Timeout bounds dialing and requests without a context deadline.
	Timeout time.Duration
}

// Client is a connection to an Electrum server.
type Client struct {
	host    string
	client  *electrum.Client
	timeout time.Duration

	quit     chan struct{}
	wg       sync.WaitGroup
	shutdown sync.Once
}

// Compile-time assertions to ensure that Client implements the chain
// interfaces.
var (
	_ chain.Source      = (*Client)(nil)
	_ chain.UtxoFetcher = (*Client)(nil)
)

// Dial connects to the server and negotiates the protocol version.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		client *electrum.Client
		err    error
	)
	if cfg.TLS {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client, err = electrum.NewClientSSL(dialCtx, cfg.Host, tlsCfg)
	} else {
		client, err = electrum.NewClientTCP(dialCtx, cfg.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to connect to electrum server "+
			"%s: %w", cfg.Host, err)
	}

	c := &Client{
		host:    cfg.Host,
		client:  client,
		timeout: timeout,
		quit:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.errorHandler()

	server, proto, err := client.ServerVersion(dialCtx)
	if err != nil {
		err = c.mapErr(dialCtx, err)
		c.Close()
		return nil, err
	}
	log.Infof("Connected to electrum server %s (%s, protocol %s)",
		cfg.Host, server, proto)

	return c, nil
}

// errorHandler drains the connection errors of the client, which block its
// read loop until received.
func (c *Client) errorHandler() {
	defer c.wg.Done()

	select {
	case err := <-c.client.Error:
		log.Warnf("Electrum server %s disconnected: %v", c.host, err)
	case <-c.quit:
	}
}

// withTimeout bounds ctx by the client timeout unless it has a deadline.
func (c *Client) withTimeout(ctx context.Context) (context.Context,
	context.CancelFunc) {

	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// mapErr turns the transport failures of the client into errors of this
// package.  Server rejections pass through.
func (c *Client) mapErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, electrum.ErrServerShutdown) ||
		c.client.IsShutdown():

		return fmt.Errorf("%w: %v", ErrClientShutdown, err)

	case errors.Is(err, electrum.ErrTimeout):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return err
}

// isRejection returns whether err was answered by the server, as opposed to a
// request that never got an answer.  The client library reports error objects
// of the server only as a failure to decode them, so anything that is not a
// transport failure counts.
func isRejection(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrClientShutdown),
		errors.Is(err, electrum.ErrServerShutdown),
		errors.Is(err, electrum.ErrTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):

		return false
	}
	return true
}

// ScriptHash returns the Electrum script hash of pkScript: the sha256 of the
// script in reversed byte order, hex encoded.
func ScriptHash(pkScript []byte) string {
	hash := sha256.Sum256(pkScript)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}

// Unspent lists the unspent outputs paying to pkScript.
func (c *Client) Unspent(ctx context.Context, pkScript []byte) ([]chain.Utxo,
	error) {

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	results, err := c.client.ListUnspent(ctx, ScriptHash(pkScript))
	if err != nil {
		return nil, c.mapErr(ctx, err)
	}

	utxos := make([]chain.Utxo, 0, len(results))
	for _, r := range results {
		hash, err := chainhash.NewHashFromStr(r.Hash)
		if err != nil {
			return nil, fmt.Errorf("invalid unspent txid %q: %w",
				r.Hash, err)
		}

		utxos = append(utxos, chain.Utxo{
			OutPoint: *wire.NewOutPoint(hash, r.Position),
			Amount:   btcutil.Amount(r.Value),
			PkScript: append([]byte(nil), pkScript...),
			Height:   int32(r.Height),
		})
	}

	return utxos, nil
}

// FetchTx fetches and decodes a transaction.
func (c *Client) FetchTx(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgTx, error) {

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	txHex, err := c.client.GetRawTransaction(ctx, hash.String())
	if err != nil {
		err = c.mapErr(ctx, err)
		if isRejection(err) {
			return nil, fmt.Errorf("%w: %v", chain.ErrNotFound, err)
		}
		return nil, err
	}

	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	if txHash := tx.TxHash(); !txHash.IsEqual(hash) {
		return nil, fmt.Errorf("server returned transaction %v for %v",
			txHash, hash)
	}

	return tx, nil
}

// FetchUtxo looks up the output at op and checks that it is still unspent.
func (c *Client) FetchUtxo(ctx context.Context,
	op wire.OutPoint) (*chain.Utxo, error) {

	tx, err := c.FetchTx(ctx, &op.Hash)
	if err != nil {
		return nil, err
	}
	if int(op.Index) >= len(tx.TxOut) {
		return nil, fmt.Errorf("%w: output %v", chain.ErrNotFound, op)
	}

	utxos, err := c.Unspent(ctx, tx.TxOut[op.Index].PkScript)
	if err != nil {
		return nil, err
	}
	for i := range utxos {
		if utxos[i].OutPoint == op {
			return &utxos[i], nil
		}
	}

	return nil, fmt.Errorf("%w: output %v is spent", chain.ErrNotFound, op)
}

// Broadcast submits tx to the server.
func (c *Client) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	bctx, cancel := c.withTimeout(ctx)
	defer cancel()

	txid, err := c.client.BroadcastTransaction(bctx,
		hex.EncodeToString(buf.Bytes()))
	if err != nil {
		err = c.mapErr(bctx, err)
		if !isRejection(err) {
			return nil, err
		}
		return nil, c.rejection(ctx, tx, err)
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid broadcast txid %q: %w", txid,
			err)
	}
	log.Infof("Broadcast transaction %v", hash)

	return hash, nil
}

// rejection maps the refusal of the server to broadcast tx.  Servers that
// answer with an error object lose their message in the client library, so a
// transaction the server can return is taken as already known.
func (c *Client) rejection(ctx context.Context, tx *wire.MsgTx,
	err error) error {

	mapped := chain.MapBroadcastErr(err)
	if !errors.Is(mapped, chain.ErrUndefined) {
		return mapped
	}

	txid := tx.TxHash()
	if _, fetchErr := c.FetchTx(ctx, &txid); fetchErr == nil {
		return fmt.Errorf("%w: %v", chain.ErrTxAlreadyKnown, err)
	}
	return mapped
}

// Close closes the connection.
func (c *Client) Close() error {
	c.shutdown.Do(func() {
		close(c.quit)
		c.client.Shutdown()
	})
	c.wg.Wait()

	return nil
}
