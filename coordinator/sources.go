// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"net"
	"strconv"

	"github.com/btcsuite/joinpool/chain"
	"github.com/btcsuite/joinpool/chain/bitcoind"
	"github.com/btcsuite/joinpool/chain/electrum"
	"github.com/btcsuite/joinpool/netparams"
)

// SourceFactory opens a chain source for the endpoint host:port of a network.
// A zero port selects the default port of the network.
type SourceFactory func(ctx context.Context, host string, port uint16,
	params *netparams.Params) (chain.Source, error)

func joinHostPort(host string, port uint16, defaultPort string) string {
	if port == 0 {
		return net.JoinHostPort(host, defaultPort)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// ElectrumSources returns a SourceFactory dialing Electrum servers.  cfg
// provides everything but the host, which is filled in per call.
func ElectrumSources(cfg electrum.Config) SourceFactory {
	return func(ctx context.Context, host string, port uint16,
		params *netparams.Params) (chain.Source, error) {

		defaultPort := params.ElectrumPort
		if cfg.TLS {
			defaultPort = params.ElectrumTLSPort
		}

		c := cfg
		c.Host = joinHostPort(host, port, defaultPort)
		client, err := electrum.Dial(ctx, &c)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// BitcoindSources returns a SourceFactory connecting to bitcoind JSON-RPC
// servers with the credentials of cfg.
func BitcoindSources(cfg bitcoind.Config) SourceFactory {
	return func(_ context.Context, host string, port uint16,
		params *netparams.Params) (chain.Source, error) {

		c := cfg
		c.Host = joinHostPort(host, port, params.RPCPort)
		client, err := bitcoind.New(&c)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
