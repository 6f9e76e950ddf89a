// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain provides the wallet's read-only view of the chain and
// mempool state of a trusted full node, plus transaction broadcast.
package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cypherstack/particl-core/wallet/feerate"
)

// Interface is the view of chain and mempool state the wallet consumes.  It
// is deliberately narrow: the wallet only reads policy floors, coin and
// descendant state, and submits raw transactions.  More than one backend can
// satisfy it, as long as we write a driver for it.
type Interface interface {
	// BestBlock returns the hash and height of the best known block.
	BestBlock() (*chainhash.Hash, int32, error)

	// MempoolMinFee returns the node mempool's current minimum
	// acceptance fee rate.  Transactions paying below this rate are not
	// admitted regardless of relay policy.
	MempoolMinFee() (feerate.SatPerKVByte, error)

	// RelayFee returns the node's minimum relay fee rate.
	RelayFee() (feerate.SatPerKVByte, error)

	// RelayIncrementalFee returns the minimum fee rate increment the
	// node requires between a transaction and its replacement.
	RelayIncrementalFee() (feerate.SatPerKVByte, error)

	// EstimateSmartFee returns the node's fee rate estimate for
	// confirmation within confTarget blocks.
	EstimateSmartFee(confTarget int64) (feerate.SatPerKVByte, error)

	// HasDescendantsInMempool returns whether any mempool transaction
	// spends an output of the given transaction.
	HasDescendantsInMempool(txHash *chainhash.Hash) (bool, error)

	// FindCoins fills in the unspent output for every outpoint key of the
	// passed map that the node can locate, including outputs created by
	// mempool transactions.  Entries for outpoints that are unknown or
	// already spent are left nil.
	FindCoins(coins map[wire.OutPoint]*wire.TxOut) error

	// SendRawTransaction submits a transaction to the network through
	// the node.
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (
		*chainhash.Hash, error)
}
