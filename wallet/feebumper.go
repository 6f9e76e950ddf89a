// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/cypherstack/particl-core/wallet/feerate"
	"github.com/cypherstack/particl-core/wtxmgr"
)

// Result classifies the outcome of a fee bump operation.
type Result int

const (
	// ResultOK means the operation succeeded.
	ResultOK Result = iota

	// ResultInvalidAddressOrKey means an identifier could not be
	// resolved, such as an unknown transaction id or an unsignable
	// input.
	ResultInvalidAddressOrKey

	// ResultInvalidParameter means caller input failed a policy check it
	// is the caller's responsibility to fix.
	ResultInvalidParameter

	// ResultWalletError means the operation cannot proceed given current
	// wallet or network state.
	ResultWalletError

	// ResultMiscError means an environment level failure, such as a
	// previous output that has vanished.
	ResultMiscError
)

// String returns a human readable name for the result.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultInvalidAddressOrKey:
		return "INVALID_ADDRESS_OR_KEY"
	case ResultInvalidParameter:
		return "INVALID_PARAMETER"
	case ResultWalletError:
		return "WALLET_ERROR"
	case ResultMiscError:
		return "MISC_ERROR"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// BumpDetails describes a built replacement transaction.  The transaction is
// unsigned on the rate bump path and carries stale signatures on the total
// bump path, either way it must pass through the signer before commit.
type BumpDetails struct {
	// OldFee is the absolute fee the original transaction pays.
	OldFee btcutil.Amount

	// NewFee is the absolute fee the replacement pays.
	NewFee btcutil.Amount

	// Tx is the replacement transaction.
	Tx *wire.MsgTx

	// PrevScripts and PrevInputValues hold the output script and value
	// spent by each input of Tx, in input order.  They carry the data an
	// external signer needs, see NewUnsignedPacket.
	PrevScripts     [][]byte
	PrevInputValues []btcutil.Amount
}

// txVSize returns the virtual size of tx in vbytes.
func txVSize(tx *wire.MsgTx) int64 {
	baseSize := int64(tx.SerializeSizeStripped())
	totalSize := int64(tx.SerializeSize())
	weight := baseSize*3 + totalSize
	return (weight + witnessScaleFactor - 1) / witnessScaleFactor
}

// incrementalRelayFee returns the fee rate increment a replacement must pay
// over the transaction it replaces.  The wallet's own constant acts as a
// floor in case the node's reported policy is stale.
func (w *Wallet) incrementalRelayFee() feerate.SatPerKVByte {
	nodeIncrement, err := w.chain.RelayIncrementalFee()
	if err != nil {
		log.Warnf("Unable to query node incremental relay fee: %v",
			err)
		return walletIncrementalRelayFee
	}
	return feerate.Max(nodeIncrement, walletIncrementalRelayFee)
}

// preconditionChecks validates that the recorded transaction is eligible for
// replacement.  When requireMine is set, every input must spend an output
// the wallet fully owns, since the true fee cannot be computed otherwise.
func (w *Wallet) preconditionChecks(rec *wtxmgr.TxRecord,
	requireMine bool) (Result, []string) {

	var hasWalletSpender bool
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		var err error
		hasWalletSpender, err = w.txStore.HasSpendingTx(ns, rec)
		return err
	})
	if err != nil {
		return ResultMiscError, []string{err.Error()}
	}
	if hasWalletSpender {
		return ResultInvalidParameter, []string{
			"Transaction has descendants in the wallet",
		}
	}

	hasMempoolSpender, err := w.chain.HasDescendantsInMempool(&rec.Hash)
	if err != nil {
		return ResultMiscError, []string{err.Error()}
	}
	if hasMempoolSpender {
		return ResultInvalidParameter, []string{
			"Transaction has descendants in the mempool",
		}
	}

	depth, err := w.confirmationDepth(rec)
	if err != nil {
		return ResultMiscError, []string{err.Error()}
	}
	if depth != 0 {
		return ResultWalletError, []string{
			"Transaction has been mined, or is conflicted with " +
				"a mined transaction",
		}
	}

	if !signalsOptInRBF(&rec.MsgTx) {
		return ResultWalletError, []string{
			"Transaction is not BIP 125 replaceable",
		}
	}

	if replacedBy := rec.Metadata[wtxmgr.MetaReplacedByTxID]; replacedBy != "" {
		return ResultWalletError, []string{fmt.Sprintf(
			"Cannot bump transaction %v which was already "+
				"bumped by transaction %v", rec.Hash,
			replacedBy,
		)}
	}

	if requireMine {
		mine, err := w.allInputsMine(rec)
		if err != nil {
			return ResultMiscError, []string{err.Error()}
		}
		if !mine {
			return ResultWalletError, []string{
				"Transaction contains inputs that don't " +
					"belong to this wallet",
			}
		}
	}

	return ResultOK, nil
}

// checkFeeRate validates a replacement fee rate against network policy
// floors and the wallet's fee ceiling.  The projected total fee is computed
// at maxVSize, the largest size the signed replacement can reach.
func (w *Wallet) checkFeeRate(newRate feerate.SatPerKVByte,
	maxVSize int64, oldFee btcutil.Amount,
	originalVSize int64) (Result, []string) {

	return w.checkFees(
		newRate, newRate.FeeFor(maxVSize), maxVSize, oldFee,
		originalVSize,
	)
}

// checkTotalFee validates an absolute replacement fee the same way
// checkFeeRate does, without the rounding loss of projecting a rate back
// into a fee.
func (w *Wallet) checkTotalFee(newFee btcutil.Amount, maxVSize int64,
	oldFee btcutil.Amount, originalVSize int64) (Result, []string) {

	return w.checkFees(
		feerate.NewSatPerKVByte(newFee, maxVSize), newFee, maxVSize,
		oldFee, originalVSize,
	)
}

func (w *Wallet) checkFees(newRate feerate.SatPerKVByte,
	newFee btcutil.Amount, maxVSize int64, oldFee btcutil.Amount,
	originalVSize int64) (Result, []string) {

	mempoolMin, err := w.chain.MempoolMinFee()
	if err != nil {
		return ResultMiscError, []string{err.Error()}
	}
	if newRate < mempoolMin {
		return ResultWalletError, []string{fmt.Sprintf(
			"New fee rate (%v) is lower than the minimum fee "+
				"rate (%v) to get into the mempool", newRate,
			mempoolMin,
		)}
	}

	oldRate := feerate.NewSatPerKVByte(oldFee, originalVSize)
	incrementalFee := w.incrementalRelayFee().FeeFor(maxVSize)
	minTotalFee := oldRate.FeeFor(maxVSize) + incrementalFee
	if newFee < minTotalFee {
		return ResultInvalidParameter, []string{fmt.Sprintf(
			"Insufficient total fee %v, must be at least %v "+
				"(oldFee %v + incrementalFee %v)", newFee,
			minTotalFee, oldRate.FeeFor(maxVSize),
			incrementalFee,
		)}
	}

	requiredFee := w.requiredFeeRate().FeeFor(maxVSize)
	if newFee < requiredFee {
		return ResultInvalidParameter, []string{fmt.Sprintf(
			"Insufficient total fee (cannot be less than "+
				"required fee %v)", requiredFee,
		)}
	}

	if newFee > w.maxTxFee {
		return ResultWalletError, []string{fmt.Sprintf(
			"Specified or calculated fee %v is too high (cannot "+
				"be higher than the maximum transaction fee "+
				"of %v)", newFee, w.maxTxFee,
		)}
	}

	return ResultOK, nil
}

// estimateBumpFeeRate derives the replacement fee rate when the caller gave
// none.  The original rate is raised by one unit to clear integer rounding,
// then by the incremental relay fee, and finally clamped upward to the
// wallet's general minimum rate for the requested target.
func (w *Wallet) estimateBumpFeeRate(oldFee btcutil.Amount,
	originalVSize, confTarget int64) feerate.SatPerKVByte {

	oldRate := feerate.NewSatPerKVByte(oldFee, originalVSize)
	bumped := oldRate.Add(1).Add(w.incrementalRelayFee())
	return feerate.Max(bumped, w.minimumFeeRate(confTarget))
}

// outputSum returns the total value of tx's outputs.
func outputSum(tx *wire.MsgTx) btcutil.Amount {
	var sum btcutil.Amount
	for _, txOut := range tx.TxOut {
		sum += btcutil.Amount(txOut.Value)
	}
	return sum
}

// TransactionCanBeBumped reports whether the wallet is able to build a fee
// bumping replacement for the given transaction.
func (w *Wallet) TransactionCanBeBumped(txHash *chainhash.Hash) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, err := w.fetchTxRecord(txHash)
	if err != nil {
		return false
	}
	res, _ := w.preconditionChecks(rec, true)
	return res == ResultOK
}

// CreateRateBumpTransaction builds an unsigned replacement for the given
// transaction that pays a higher fee rate.  Every original input is force
// selected, original payee outputs are kept verbatim, and the original
// change output's script becomes the replacement's change destination.  Any
// additional inputs the builder sources must have at least one confirmation.
// When requireMine is false, inputs the wallet does not control are sized
// from their existing signatures and valued through the chain backend.
func (w *Wallet) CreateRateBumpTransaction(txHash *chainhash.Hash,
	cc *CoinControl, requireMine bool) (*BumpDetails, Result, []string) {

	w.mu.Lock()
	defer w.mu.Unlock()

	rec, err := w.fetchTxRecord(txHash)
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			return nil, ResultInvalidAddressOrKey, []string{
				"Invalid or non-wallet transaction id",
			}
		}
		return nil, ResultMiscError, []string{err.Error()}
	}

	if res, errs := w.preconditionChecks(rec, requireMine); res != ResultOK {
		return nil, res, errs
	}

	req := cc.Copy()

	// Split the original outputs into payees to keep and the change slot
	// to redirect.
	var recipients []*wire.TxOut
	for i, txOut := range rec.MsgTx.TxOut {
		op := wire.OutPoint{Hash: rec.Hash, Index: uint32(i)}
		credit, err := w.creditFor(op)
		if err != nil {
			return nil, ResultMiscError, []string{err.Error()}
		}
		if credit != nil && credit.Change {
			if req.ChangeScript == nil {
				req.ChangeScript = txOut.PkScript
			}
			continue
		}
		recipients = append(recipients, wire.NewTxOut(
			txOut.Value, txOut.PkScript,
		))
	}

	// Force select every original input.  A replacement conflicting with
	// only part of the original's input set could confirm alongside a
	// second partial replacement and pay the recipients twice.
	var (
		inputValue btcutil.Amount
		external   map[wire.OutPoint]*wire.TxOut
	)
	for _, txIn := range rec.MsgTx.TxIn {
		op := txIn.PreviousOutPoint
		credit, err := w.creditFor(op)
		if err != nil {
			return nil, ResultMiscError, []string{err.Error()}
		}
		if w.creditIsMine(credit) {
			req.Select(op)
			inputValue += credit.Amount
			continue
		}
		if external == nil {
			external = make(map[wire.OutPoint]*wire.TxOut)
		}
		external[op] = nil
	}
	if len(external) > 0 {
		if err := w.chain.FindCoins(external); err != nil {
			return nil, ResultMiscError, []string{err.Error()}
		}
		for _, txIn := range rec.MsgTx.TxIn {
			op := txIn.PreviousOutPoint
			txOut, ok := external[op]
			if !ok {
				continue
			}
			if txOut == nil {
				return nil, ResultMiscError, []string{
					fmt.Sprintf("Unable to locate "+
						"previous output %v", op),
				}
			}
			req.SelectExternal(op, txOut)
			if _, ok := req.InputWeight(op); !ok {
				req.SetInputWeight(op, signedInputWeight(txIn))
			}
			inputValue += btcutil.Amount(txOut.Value)
		}
	}

	oldFee := inputValue - outputSum(&rec.MsgTx)
	originalVSize := txVSize(&rec.MsgTx)

	maxVSize, err := w.maxSignedTxVSize(&rec.MsgTx, req)
	if err != nil {
		if errors.Is(err, ErrInputUnsignable) {
			return nil, ResultInvalidAddressOrKey, []string{
				"Transaction contains inputs that cannot " +
					"be signed",
			}
		}
		return nil, ResultMiscError, []string{err.Error()}
	}

	newRate := w.estimateBumpFeeRate(
		oldFee, originalVSize, req.ConfTarget,
	)
	req.FeeRate.WhenSome(func(rate feerate.SatPerKVByte) {
		newRate = rate
	})
	if res, errs := w.checkFeeRate(
		newRate, maxVSize, oldFee, originalVSize,
	); res != ResultOK {
		return nil, res, errs
	}

	req.FeeRate = fn.Some(newRate)
	req.MinDepth = 1
	req.AllowOtherInputs = true

	authored, err := w.createTransaction(recipients, req)
	if err != nil {
		return nil, ResultWalletError, []string{err.Error()}
	}

	newFee := authored.TotalInput - outputSum(authored.Tx)
	log.Infof("Built rate bump of %v: old fee %v, new fee %v", txHash,
		oldFee, newFee)

	return &BumpDetails{
		OldFee:          oldFee,
		NewFee:          newFee,
		Tx:              authored.Tx,
		PrevScripts:     authored.PrevScripts,
		PrevInputValues: authored.PrevInputValues,
	}, ResultOK, nil
}

// CreateTotalBumpTransaction builds a replacement paying the given absolute
// fee by shrinking the original transaction's single change output in place.
// A zero totalFee means the target fee is derived from the wallet's fee
// estimation instead.  Change left at or below the dust threshold after
// shrinking is dropped and its value folded into the fee.
func (w *Wallet) CreateTotalBumpTransaction(txHash *chainhash.Hash,
	totalFee btcutil.Amount, cc *CoinControl) (*BumpDetails, Result,
	[]string) {

	w.mu.Lock()
	defer w.mu.Unlock()

	rec, err := w.fetchTxRecord(txHash)
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			return nil, ResultInvalidAddressOrKey, []string{
				"Invalid or non-wallet transaction id",
			}
		}
		return nil, ResultMiscError, []string{err.Error()}
	}

	if res, errs := w.preconditionChecks(rec, true); res != ResultOK {
		return nil, res, errs
	}

	req := cc.Copy()

	mtx := rec.MsgTx.Copy()

	changeIndex := -1
	for i := range mtx.TxOut {
		op := wire.OutPoint{Hash: rec.Hash, Index: uint32(i)}
		credit, err := w.creditFor(op)
		if err != nil {
			return nil, ResultMiscError, []string{err.Error()}
		}
		if credit == nil || !credit.Change {
			continue
		}
		if changeIndex != -1 {
			return nil, ResultWalletError, []string{
				"Transaction has multiple change outputs",
			}
		}
		changeIndex = i
	}
	if changeIndex == -1 {
		return nil, ResultWalletError, []string{
			"Transaction does not have a change output",
		}
	}

	debit, err := w.debit(rec)
	if err != nil {
		return nil, ResultMiscError, []string{err.Error()}
	}
	oldFee := debit - outputSum(&rec.MsgTx)
	originalVSize := txVSize(&rec.MsgTx)

	maxVSize, err := w.maxSignedTxVSize(mtx, req)
	if err != nil {
		if errors.Is(err, ErrInputUnsignable) {
			return nil, ResultInvalidAddressOrKey, []string{
				"Transaction contains inputs that cannot " +
					"be signed",
			}
		}
		return nil, ResultMiscError, []string{err.Error()}
	}

	newFee := totalFee
	if newFee == 0 {
		rate := w.estimateBumpFeeRate(
			oldFee, originalVSize, req.ConfTarget,
		)
		newFee = rate.FeeFor(maxVSize)
	}

	if res, errs := w.checkTotalFee(
		newFee, maxVSize, oldFee, originalVSize,
	); res != ResultOK {
		return nil, res, errs
	}

	delta := newFee - oldFee
	change := mtx.TxOut[changeIndex]
	if btcutil.Amount(change.Value) < delta {
		return nil, ResultWalletError, []string{
			"The transaction's change output is too small to " +
				"bump the fee",
		}
	}

	change.Value -= int64(delta)
	if residual := btcutil.Amount(change.Value); residual <= dustThreshold(
		change.PkScript, w.discardRate,
	) {
		log.Debugf("Folding dust change of %v into the fee", residual)
		newFee += residual
		mtx.TxOut = append(
			mtx.TxOut[:changeIndex], mtx.TxOut[changeIndex+1:]...,
		)
	}

	if !w.resolveSignalRBF(req) {
		for _, txIn := range mtx.TxIn {
			if txIn.Sequence < wire.MaxTxInSequenceNum-1 {
				txIn.Sequence = wire.MaxTxInSequenceNum - 1
			}
		}
	}

	// Every input passed the ownership precondition, so the spent
	// outputs are all recorded as wallet credits.
	prevScripts := make([][]byte, len(mtx.TxIn))
	prevValues := make([]btcutil.Amount, len(mtx.TxIn))
	for i, txIn := range mtx.TxIn {
		credit, err := w.creditFor(txIn.PreviousOutPoint)
		if err != nil {
			return nil, ResultMiscError, []string{err.Error()}
		}
		if credit == nil {
			return nil, ResultMiscError, []string{fmt.Sprintf(
				"Unable to locate previous output %v",
				txIn.PreviousOutPoint,
			)}
		}
		prevScripts[i] = credit.PkScript
		prevValues[i] = credit.Amount
	}

	log.Infof("Built total bump of %v: old fee %v, new fee %v", txHash,
		oldFee, newFee)

	return &BumpDetails{
		OldFee:          oldFee,
		NewFee:          newFee,
		Tx:              mtx,
		PrevScripts:     prevScripts,
		PrevInputValues: prevValues,
	}, ResultOK, nil
}

// CommitBumpedTransaction broadcasts a built replacement and records the
// linkage between the original and replacement records.  Preconditions are
// re-checked first since state may have changed since the replacement was
// built, a confirmation may have arrived for instance.  Once the replacement
// is broadcast nothing is rolled back, later bookkeeping failures are
// reported as diagnostics on an OK result.
func (w *Wallet) CommitBumpedTransaction(origHash *chainhash.Hash,
	tx *wire.MsgTx) (*chainhash.Hash, Result, []string) {

	w.mu.Lock()
	defer w.mu.Unlock()

	rec, err := w.fetchTxRecord(origHash)
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			return nil, ResultInvalidAddressOrKey, []string{
				"Invalid or non-wallet transaction id",
			}
		}
		return nil, ResultMiscError, []string{err.Error()}
	}

	// Ownership is not re-required here, signing already happened.
	if res, errs := w.preconditionChecks(rec, false); res != ResultOK {
		return nil, res, errs
	}

	ownedScripts, err := w.ownedOutputScripts()
	if err != nil {
		return nil, ResultMiscError, []string{err.Error()}
	}

	newHash, err := w.chain.SendRawTransaction(tx, false)
	if err != nil {
		return nil, ResultWalletError, []string{err.Error()}
	}
	log.Infof("Broadcast replacement %v for %v", newHash, origHash)

	var warnings []string

	newRec := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
	for k, v := range rec.Metadata {
		newRec.Metadata[k] = v
	}
	delete(newRec.Metadata, wtxmgr.MetaReplacedByTxID)
	newRec.Metadata[wtxmgr.MetaReplacesTxID] = origHash.String()

	err = walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		ns := dbtx.ReadWriteBucket(wtxmgrNamespaceKey)
		if err := w.txStore.InsertTx(ns, newRec); err != nil {
			return err
		}
		for i, txOut := range tx.TxOut {
			flags, ok := ownedScripts[string(txOut.PkScript)]
			if !ok {
				continue
			}
			err := w.txStore.AddCredit(
				ns, newRec, uint32(i), flags.change,
				flags.watchOnly,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		warnings = append(warnings, fmt.Sprintf(
			"Created new bumpfee transaction but could not "+
				"record it in the wallet: %v", err,
		))
	}

	err = walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		ns := dbtx.ReadWriteBucket(wtxmgrNamespaceKey)
		return w.txStore.SetMetadata(
			ns, origHash, wtxmgr.MetaReplacedByTxID,
			newHash.String(),
		)
	})
	if err != nil {
		warnings = append(warnings, fmt.Sprintf(
			"Created new bumpfee transaction but could not mark "+
				"the original transaction as replaced: %v",
			err,
		))
	}

	return newHash, ResultOK, warnings
}

// scriptFlags carries the ownership attributes inferred for an output
// script.
type scriptFlags struct {
	change    bool
	watchOnly bool
}

// ownedOutputScripts indexes the scripts of the wallet's unspent credits so
// outputs of a new transaction paying back to the wallet can be recognized
// and recorded.
func (w *Wallet) ownedOutputScripts() (map[string]scriptFlags, error) {
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

	owned := make(map[string]scriptFlags, len(unspent))
	for _, credit := range unspent {
		flags := owned[string(credit.PkScript)]
		flags.change = flags.change || credit.Change
		flags.watchOnly = flags.watchOnly || credit.WatchOnly
		owned[string(credit.PkScript)] = flags
	}
	return owned, nil
}
