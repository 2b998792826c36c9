// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bitcoind

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/joinpool/chain"
	"github.com/stretchr/testify/require"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcHandler func(method string, params []json.RawMessage) (interface{},
	*rpcError)

func startNode(t *testing.T, handler rpcHandler) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ID     json.RawMessage   `json:"id"`
				Method string            `json:"method"`
				Params []json.RawMessage `json:"params"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			result, rpcErr := handler(req.Method, req.Params)
			resp := map[string]interface{}{
				"id":     req.ID,
				"result": result,
				"error":  rpcErr,
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		},
	))
	t.Cleanup(srv.Close)

	c, err := New(&Config{
		Host:       strings.TrimPrefix(srv.URL, "http://"),
		User:       "user",
		Pass:       "pass",
		DisableTLS: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(50_000, []byte{0x51}))
	return tx
}

func TestClient(t *testing.T) {
	t.Parallel()

	tx := testTx()
	txid := tx.TxHash()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	rawTx := hex.EncodeToString(buf.Bytes())

	c := startNode(t, func(method string,
		params []json.RawMessage) (interface{}, *rpcError) {

		switch method {
		case "scantxoutset":
			var (
				action string
				objs   []scanObject
			)
			json.Unmarshal(params[0], &action)
			json.Unmarshal(params[1], &objs)
			if action != "start" || len(objs) != 1 ||
				objs[0].Desc != "raw(51)" {

				return nil, &rpcError{-8, "bad scan"}
			}
			return map[string]interface{}{
				"success": true,
				"unspents": []map[string]interface{}{{
					"txid":         txid.String(),
					"vout":         0,
					"scriptPubKey": "51",
					"amount":       0.0005,
					"height":       120,
				}},
			}, nil

		case "getrawtransaction":
			var id string
			json.Unmarshal(params[0], &id)
			if id != txid.String() {
				return nil, &rpcError{-5, "No such mempool or " +
					"blockchain transaction"}
			}
			return rawTx, nil

		case "gettxout":
			var vout uint32
			json.Unmarshal(params[1], &vout)
			if vout != 0 {
				return nil, nil
			}
			return map[string]interface{}{
				"bestblock":     strings.Repeat("00", 32),
				"confirmations": 1,
				"value":         0.0005,
				"scriptPubKey":  map[string]interface{}{"hex": "51"},
				"coinbase":      false,
			}, nil

		case "sendrawtransaction":
			var hexTx string
			json.Unmarshal(params[0], &hexTx)
			if hexTx != rawTx {
				return nil, &rpcError{-26, "bad-txns"}
			}
			return nil, &rpcError{-27, "Transaction already in " +
				"block chain"}
		}
		return nil, &rpcError{-32601, "Method not found"}
	})

	ctx := context.Background()
	utxos, err := c.Unspent(ctx, []byte{0x51})
	require.NoError(t, err)
	require.Equal(t, []chain.Utxo{{
		OutPoint: wire.OutPoint{Hash: txid},
		Amount:   btcutil.Amount(50_000),
		PkScript: []byte{0x51},
		Height:   120,
	}}, utxos)

	got, err := c.FetchTx(ctx, &txid)
	require.NoError(t, err)
	require.Equal(t, txid, got.TxHash())

	_, err = c.FetchTx(ctx, &chainhash.Hash{1})
	require.ErrorIs(t, err, chain.ErrNotFound)

	utxo, err := c.FetchUtxo(ctx, wire.OutPoint{Hash: txid})
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(50_000), utxo.Amount)
	require.Equal(t, []byte{0x51}, utxo.PkScript)

	_, err = c.FetchUtxo(ctx, wire.OutPoint{Hash: txid, Index: 1})
	require.ErrorIs(t, err, chain.ErrNotFound)

	_, err = c.Broadcast(ctx, tx)
	require.True(t, chain.IsAlreadyBroadcast(err), err)
}
