// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/cypherstack/particl-core/wallet/feerate"
)

// RPCClient implements Interface over the JSON-RPC interface of a trusted
// full node.  Policy queries that the rpcclient package has no wrapper for
// are issued as raw requests and decoded locally.
type RPCClient struct {
	client *rpcclient.Client
}

// A compile time check to ensure RPCClient implements the Interface.
var _ Interface = (*RPCClient)(nil)

// NewRPCClient connects to the node described by connCfg.
func NewRPCClient(connCfg *rpcclient.ConnConfig) (*RPCClient, error) {
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}
	log.Infof("Established connection to RPC server %s", connCfg.Host)
	return &RPCClient{client: client}, nil
}

// Shutdown tears down the RPC connection.
func (c *RPCClient) Shutdown() {
	c.client.Shutdown()
}

// WaitForShutdown blocks until the underlying client has finished shutting
// down.
func (c *RPCClient) WaitForShutdown() {
	c.client.WaitForShutdown()
}

// BestBlock returns the hash and height of the best known block.
func (c *RPCClient) BestBlock() (*chainhash.Hash, int32, error) {
	height, err := c.client.GetBlockCount()
	if err != nil {
		return nil, 0, err
	}
	hash, err := c.client.GetBlockHash(height)
	if err != nil {
		return nil, 0, err
	}
	return hash, int32(height), nil
}

// MempoolMinFee returns the node mempool's current minimum acceptance rate.
func (c *RPCClient) MempoolMinFee() (feerate.SatPerKVByte, error) {
	resp, err := c.client.RawRequest("getmempoolinfo", nil)
	if err != nil {
		return 0, err
	}

	// The rate is reported in coins per kvB.
	info := struct {
		MempoolMinFee float64 `json:"mempoolminfee"`
	}{}
	if err := json.Unmarshal(resp, &info); err != nil {
		return 0, err
	}
	return coinRate(info.MempoolMinFee)
}

// RelayFee returns the node's minimum relay fee rate.
func (c *RPCClient) RelayFee() (feerate.SatPerKVByte, error) {
	info, err := c.networkInfo()
	if err != nil {
		return 0, err
	}
	return coinRate(info.RelayFee)
}

// RelayIncrementalFee returns the node's minimum replacement fee increment.
func (c *RPCClient) RelayIncrementalFee() (feerate.SatPerKVByte, error) {
	info, err := c.networkInfo()
	if err != nil {
		return 0, err
	}
	return coinRate(info.IncrementalFee)
}

// EstimateSmartFee returns the node's fee estimate for confirmation within
// confTarget blocks.
func (c *RPCClient) EstimateSmartFee(confTarget int64) (feerate.SatPerKVByte,
	error) {

	target, err := json.Marshal(confTarget)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.RawRequest(
		"estimatesmartfee", []json.RawMessage{target},
	)
	if err != nil {
		return 0, err
	}

	estimate := struct {
		FeeRate *float64 `json:"feerate"`
		Errors  []string `json:"errors"`
	}{}
	if err := json.Unmarshal(resp, &estimate); err != nil {
		return 0, err
	}
	if estimate.FeeRate == nil {
		return 0, fmt.Errorf("no fee estimate for target %d: %s",
			confTarget, strings.Join(estimate.Errors, "; "))
	}
	return coinRate(*estimate.FeeRate)
}

// HasDescendantsInMempool returns whether any mempool transaction spends an
// output of the given transaction.  A transaction that is not itself in the
// mempool has no mempool descendants.
func (c *RPCClient) HasDescendantsInMempool(txHash *chainhash.Hash) (bool,
	error) {

	id, err := json.Marshal(txHash.String())
	if err != nil {
		return false, err
	}
	resp, err := c.client.RawRequest(
		"getmempooldescendants", []json.RawMessage{id},
	)
	if err != nil {
		if strings.Contains(err.Error(), "not in mempool") {
			return false, nil
		}
		return false, err
	}

	var descendants []string
	if err := json.Unmarshal(resp, &descendants); err != nil {
		return false, err
	}
	return len(descendants) > 0, nil
}

// FindCoins fills in every located unspent output of the passed map,
// considering mempool transactions as well as mined ones.
func (c *RPCClient) FindCoins(coins map[wire.OutPoint]*wire.TxOut) error {
	for op := range coins {
		result, err := c.client.GetTxOut(&op.Hash, op.Index, true)
		if err != nil {
			return err
		}
		if result == nil {
			// Unknown or already spent, leave the entry nil for
			// the caller to judge.
			continue
		}

		value, err := btcutil.NewAmount(result.Value)
		if err != nil {
			return err
		}
		pkScript, err := hex.DecodeString(result.ScriptPubKey.Hex)
		if err != nil {
			return err
		}
		coins[op] = wire.NewTxOut(int64(value), pkScript)
	}
	return nil
}

// SendRawTransaction submits a transaction to the network through the node.
func (c *RPCClient) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (
	*chainhash.Hash, error) {

	return c.client.SendRawTransaction(tx, allowHighFees)
}

// networkInfo fetches the subset of getnetworkinfo the wallet cares about.
func (c *RPCClient) networkInfo() (*networkPolicy, error) {
	resp, err := c.client.RawRequest("getnetworkinfo", nil)
	if err != nil {
		return nil, err
	}
	info := new(networkPolicy)
	if err := json.Unmarshal(resp, info); err != nil {
		return nil, err
	}
	return info, nil
}

// networkPolicy is the relay policy slice of a getnetworkinfo reply.  Rates
// are in coins per kvB.
type networkPolicy struct {
	RelayFee       float64 `json:"relayfee"`
	IncrementalFee float64 `json:"incrementalfee"`
}

// coinRate converts a coins-per-kvB RPC value to a fee rate.
func coinRate(coinsPerKVB float64) (feerate.SatPerKVByte, error) {
	amount, err := btcutil.NewAmount(coinsPerKVB)
	if err != nil {
		return 0, err
	}
	return feerate.FromAmount(amount), nil
}
