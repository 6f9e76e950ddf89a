// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/cypherstack/particl-core/wallet/feerate"
)

// CoinControl carries the caller's constraints on coin selection and fee
// policy for a single transaction build.  The zero value places no
// constraints.
type CoinControl struct {
	// FeeRate is an explicit fee rate for the transaction.  When unset
	// the rate is resolved from ConfTarget or the wallet's configured
	// rates.
	FeeRate fn.Option[feerate.SatPerKVByte]

	// ConfTarget requests a fee estimate targeting confirmation within
	// this many blocks.  Ignored when FeeRate is set.
	ConfTarget int64

	// MinDepth is the minimum number of confirmations an eligible input
	// must have.  Zero allows unconfirmed wallet outputs.
	MinDepth int32

	// AllowOtherInputs permits the builder to add wallet inputs beyond
	// the explicitly selected set.
	AllowOtherInputs bool

	// ChangeScript forces change to be paid to this script rather than a
	// freshly derived one.
	ChangeScript []byte

	// ChangePosition fixes the index of the change output.  Unset means
	// change is appended after the recipients.
	ChangePosition fn.Option[int]

	// SignalRBF overrides the wallet-wide replaceability setting for this
	// transaction.
	SignalRBF fn.Option[bool]

	selected       []wire.OutPoint
	selectedSet    map[wire.OutPoint]struct{}
	externalTxOuts map[wire.OutPoint]*wire.TxOut
	inputWeights   map[wire.OutPoint]int64
}

// Copy returns an independent copy of cc.  The selection state is cloned so
// mutations of the copy never leak back into the original.
func (cc *CoinControl) Copy() *CoinControl {
	if cc == nil {
		return &CoinControl{}
	}
	dup := *cc
	dup.selected = append([]wire.OutPoint(nil), cc.selected...)
	if cc.selectedSet != nil {
		dup.selectedSet = make(
			map[wire.OutPoint]struct{}, len(cc.selectedSet),
		)
		for op := range cc.selectedSet {
			dup.selectedSet[op] = struct{}{}
		}
	}
	if cc.externalTxOuts != nil {
		dup.externalTxOuts = make(
			map[wire.OutPoint]*wire.TxOut, len(cc.externalTxOuts),
		)
		for op, txOut := range cc.externalTxOuts {
			dup.externalTxOuts[op] = txOut
		}
	}
	if cc.inputWeights != nil {
		dup.inputWeights = make(
			map[wire.OutPoint]int64, len(cc.inputWeights),
		)
		for op, weight := range cc.inputWeights {
			dup.inputWeights[op] = weight
		}
	}
	return &dup
}

// Select adds op to the set of inputs the transaction must spend.
func (cc *CoinControl) Select(op wire.OutPoint) {
	if cc.selectedSet == nil {
		cc.selectedSet = make(map[wire.OutPoint]struct{})
	}
	if _, ok := cc.selectedSet[op]; ok {
		return
	}
	cc.selectedSet[op] = struct{}{}
	cc.selected = append(cc.selected, op)
}

// SelectExternal adds an input that is not controlled by the wallet.  The
// spent output must be supplied since the wallet has no record of it, and the
// caller must also provide the input's signed weight via SetInputWeight.
func (cc *CoinControl) SelectExternal(op wire.OutPoint, txOut *wire.TxOut) {
	cc.Select(op)
	if cc.externalTxOuts == nil {
		cc.externalTxOuts = make(map[wire.OutPoint]*wire.TxOut)
	}
	cc.externalTxOuts[op] = txOut
}

// SetInputWeight records the weight, in weight units, that spending op adds
// to a fully signed transaction.
func (cc *CoinControl) SetInputWeight(op wire.OutPoint, weight int64) {
	if cc.inputWeights == nil {
		cc.inputWeights = make(map[wire.OutPoint]int64)
	}
	cc.inputWeights[op] = weight
}

// IsSelected reports whether op was selected as a required input.
func (cc *CoinControl) IsSelected(op wire.OutPoint) bool {
	_, ok := cc.selectedSet[op]
	return ok
}

// Selected returns the required inputs in the order they were added.
func (cc *CoinControl) Selected() []wire.OutPoint {
	return cc.selected
}

// ExternalOutput returns the output spent by an external input, or nil when
// op was not selected as external.
func (cc *CoinControl) ExternalOutput(op wire.OutPoint) *wire.TxOut {
	return cc.externalTxOuts[op]
}

// InputWeight returns the caller-specified signed weight for op.
func (cc *CoinControl) InputWeight(op wire.OutPoint) (int64, bool) {
	weight, ok := cc.inputWeights[op]
	return weight, ok
}
