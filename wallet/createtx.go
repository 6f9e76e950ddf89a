// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/cypherstack/particl-core/wallet/feerate"
	"github.com/cypherstack/particl-core/wtxmgr"
)

var (
	// ErrInsufficientFunds describes a transaction build that could not
	// gather enough input value to pay the outputs and fee.
	ErrInsufficientFunds = errors.New("insufficient funds available to " +
		"construct transaction")

	// ErrNoChangeScript is returned when a build needs a change output
	// but no change script source is available.
	ErrNoChangeScript = errors.New("no change script available")
)

// spendableCredit carries the state the builder needs to spend an output,
// wallet owned or external.
type spendableCredit struct {
	outPoint wire.OutPoint
	value    btcutil.Amount
	pkScript []byte
}

// dustThreshold returns the smallest value an output paying pkScript can
// carry before the cost of later spending it outweighs its value at rate.
func dustThreshold(pkScript []byte, rate feerate.SatPerKVByte) btcutil.Amount {
	outSize := 8 + wire.VarIntSerializeSize(uint64(len(pkScript))) +
		len(pkScript)

	// Spending a witness output needs only a discounted witness
	// signature, spending a legacy output needs a full signature script.
	spendSize := 148
	if txscript.IsWitnessProgram(pkScript) {
		spendSize = 67
	}
	return rate.FeeFor(int64(outSize + spendSize))
}

// resolveSignalRBF returns whether a transaction built under cc should signal
// opt-in replaceability.
func (w *Wallet) resolveSignalRBF(cc *CoinControl) bool {
	signal := w.signalRBF
	cc.SignalRBF.WhenSome(func(override bool) {
		signal = override
	})
	return signal
}

// inputSequence returns the sequence number for newly created inputs.
// Signaling transactions use a value low enough to opt in to replacement
// while still leaving locktime enforcement enabled.
func inputSequence(signalRBF bool) uint32 {
	if signalRBF {
		return wire.MaxTxInSequenceNum - 2
	}
	return wire.MaxTxInSequenceNum - 1
}

// forcedInputs resolves the required inputs of cc into credits the builder
// can spend.  Wallet inputs must be owned and sufficiently confirmed,
// external inputs must carry their output and weight in cc.
func (w *Wallet) forcedInputs(cc *CoinControl, bestHeight int32) (
	[]spendableCredit, error) {

	forced := make([]spendableCredit, 0, len(cc.Selected()))
	for _, op := range cc.Selected() {
		if txOut := cc.ExternalOutput(op); txOut != nil {
			forced = append(forced, spendableCredit{
				outPoint: op,
				value:    btcutil.Amount(txOut.Value),
				pkScript: txOut.PkScript,
			})
			continue
		}

		credit, err := w.creditFor(op)
		if err != nil {
			return nil, err
		}
		if !w.creditIsMine(credit) {
			return nil, fmt.Errorf("selected input %v is not "+
				"controlled by the wallet", op)
		}
		if creditDepth(credit, bestHeight) < cc.MinDepth {
			return nil, fmt.Errorf("selected input %v does not "+
				"have %d confirmations", op, cc.MinDepth)
		}
		forced = append(forced, spendableCredit{
			outPoint: op,
			value:    credit.Amount,
			pkScript: credit.PkScript,
		})
	}
	return forced, nil
}

// creditDepth returns the number of confirmations credit has at bestHeight.
func creditDepth(credit *wtxmgr.Credit, bestHeight int32) int32 {
	if credit.Height == wtxmgr.HeightUnmined {
		return 0
	}
	depth := bestHeight - credit.Height + 1
	if depth < 1 {
		depth = 1
	}
	return depth
}

// eligibleCredits returns the wallet's unspent credits that may supplement
// the forced inputs, excluding anything already selected.
func (w *Wallet) eligibleCredits(cc *CoinControl, bestHeight int32) (
	[]spendableCredit, error) {

	var unspent []wtxmgr.Credit
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		var err error
		unspent, err = w.txStore.UnspentCredits(ns)
		return err
	})
	if err != nil {
		return nil, err
	}

	eligible := make([]spendableCredit, 0, len(unspent))
	for i := range unspent {
		credit := &unspent[i]
		if cc.IsSelected(credit.OutPoint) {
			continue
		}
		if !w.creditIsMine(credit) {
			continue
		}
		if creditDepth(credit, bestHeight) < cc.MinDepth {
			continue
		}
		eligible = append(eligible, spendableCredit{
			outPoint: credit.OutPoint,
			value:    credit.Amount,
			pkScript: credit.PkScript,
		})
	}
	return eligible, nil
}

// CreateTransaction builds an unsigned transaction paying outputs under the
// constraints of cc.  Inputs selected in cc are always spent, and further
// wallet inputs are added as needed when cc allows it.  Change below the
// wallet's discard threshold is folded into the fee.
func (w *Wallet) CreateTransaction(outputs []*wire.TxOut,
	cc *CoinControl) (*txauthor.AuthoredTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.createTransaction(outputs, cc)
}

// createTransaction is the builder behind CreateTransaction.  The caller
// must hold the wallet mutex.
func (w *Wallet) createTransaction(outputs []*wire.TxOut,
	cc *CoinControl) (*txauthor.AuthoredTx, error) {

	if cc == nil {
		cc = &CoinControl{}
	}
	if len(outputs) == 0 {
		return nil, errors.New("transaction has no outputs")
	}

	relayFee := btcutil.Amount(w.requiredFeeRate())
	for _, output := range outputs {
		if err := txrules.CheckOutput(output, relayFee); err != nil {
			return nil, err
		}
	}

	feeRate := w.minimumFeeRate(cc.ConfTarget)
	cc.FeeRate.WhenSome(func(rate feerate.SatPerKVByte) {
		feeRate = rate
	})

	_, bestHeight, err := w.chain.BestBlock()
	if err != nil {
		return nil, err
	}

	inputs, err := w.forcedInputs(cc, bestHeight)
	if err != nil {
		return nil, err
	}

	var extra []spendableCredit
	if cc.AllowOtherInputs {
		extra, err = w.eligibleCredits(cc, bestHeight)
		if err != nil {
			return nil, err
		}
	}

	changeScript := cc.ChangeScript
	if changeScript == nil {
		if w.newChangeScript == nil {
			return nil, ErrNoChangeScript
		}
		changeScript, err = w.newChangeScript()
		if err != nil {
			return nil, err
		}
	}

	var targetAmount btcutil.Amount
	for _, output := range outputs {
		targetAmount += btcutil.Amount(output.Value)
	}

	signalRBF := w.resolveSignalRBF(cc)
	sequence := inputSequence(signalRBF)

	// Grow the input set until it covers the outputs plus the fee of the
	// resulting transaction with a change output included.  The fee is
	// recomputed each round since added inputs grow the transaction.
	for {
		var totalInput btcutil.Amount
		for _, input := range inputs {
			totalInput += input.value
		}

		draft := wire.NewMsgTx(wire.TxVersion)
		for _, input := range inputs {
			draft.AddTxIn(&wire.TxIn{
				PreviousOutPoint: input.outPoint,
				Sequence:         sequence,
			})
		}
		for _, output := range outputs {
			draft.AddTxOut(output)
		}
		changeIndex := len(outputs)
		cc.ChangePosition.WhenSome(func(position int) {
			if position >= 0 && position <= len(outputs) {
				changeIndex = position
			}
		})
		change := &wire.TxOut{PkScript: changeScript}
		draft.TxOut = append(draft.TxOut, nil)
		copy(draft.TxOut[changeIndex+1:], draft.TxOut[changeIndex:])
		draft.TxOut[changeIndex] = change

		maxVSize, err := w.maxSignedTxVSize(draft, cc)
		if err != nil {
			return nil, err
		}
		fee := feeRate.FeeFor(maxVSize)

		if totalInput < targetAmount+fee {
			if len(extra) == 0 {
				return nil, fmt.Errorf("%w: %v available, "+
					"%v needed", ErrInsufficientFunds,
					totalInput, targetAmount+fee)
			}
			inputs = append(inputs, extra[0])
			extra = extra[1:]
			continue
		}

		changeAmount := totalInput - targetAmount - fee
		if changeAmount <= dustThreshold(changeScript, w.discardRate) {
			// Not worth keeping, let the fee absorb it.
			log.Debugf("Dropping dust change of %v", changeAmount)
			draft.TxOut = append(
				draft.TxOut[:changeIndex],
				draft.TxOut[changeIndex+1:]...,
			)
			changeIndex = -1
		} else {
			change.Value = int64(changeAmount)
		}

		prevScripts := make([][]byte, len(inputs))
		prevValues := make([]btcutil.Amount, len(inputs))
		for i, input := range inputs {
			prevScripts[i] = input.pkScript
			prevValues[i] = input.value
		}

		return &txauthor.AuthoredTx{
			Tx:              draft,
			PrevScripts:     prevScripts,
			PrevInputValues: prevValues,
			TotalInput:      totalInput,
			ChangeIndex:     changeIndex,
		}, nil
	}
}
