// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params is used to group parameters for the networks a pool may be run on.
// Besides the consensus parameters it carries the default ports of the chain
// data sources used to fund and broadcast coinjoin transactions.
type Params struct {
	*chaincfg.Params

	// ElectrumPort is the default TCP port of an Electrum server.
	ElectrumPort string

	// ElectrumTLSPort is the default TLS port of an Electrum server.
	ElectrumTLSPort string

	// RPCPort is the default port of a bitcoind JSON-RPC server.
	RPCPort string

	// CoinType is the BIP44 coin type used when deriving wallet keys.
	CoinType uint32
}

// MainNetParams contains parameters specific to the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:          &chaincfg.MainNetParams,
	ElectrumPort:    "50001",
	ElectrumTLSPort: "50002",
	RPCPort:         "8332",
	CoinType:        0,
}

// TestNet3Params contains parameters specific to the test network (version 3)
// (wire.TestNet3).
var TestNet3Params = Params{
	Params:          &chaincfg.TestNet3Params,
	ElectrumPort:    "60001",
	ElectrumTLSPort: "60002",
	RPCPort:         "18332",
	CoinType:        1,
}

// SigNetParams contains parameters specific to the default signet network.
var SigNetParams = Params{
	Params:          &chaincfg.SigNetParams,
	ElectrumPort:    "60601",
	ElectrumTLSPort: "60602",
	RPCPort:         "38332",
	CoinType:        1,
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:          &chaincfg.RegressionNetParams,
	ElectrumPort:    "60401",
	ElectrumTLSPort: "60402",
	RPCPort:         "18443",
	CoinType:        1,
}

// All returns every supported network in a stable order.
func All() []*Params {
	return []*Params{
		&MainNetParams, &TestNet3Params, &SigNetParams,
		&RegressionNetParams,
	}
}

// ByName looks up network parameters by their chaincfg name.  The aliases
// "bitcoin", "mainnet", "testnet" and "regtest" are accepted as well.
func ByName(name string) (*Params, error) {
	switch strings.ToLower(name) {
	case "bitcoin", "mainnet", MainNetParams.Name:
		return &MainNetParams, nil
	case "testnet", TestNet3Params.Name:
		return &TestNet3Params, nil
	case "signet", SigNetParams.Name:
		return &SigNetParams, nil
	case "regtest", RegressionNetParams.Name:
		return &RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", name)
}
