// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
)

// SignAuthoredTx attaches signature scripts and witnesses to every input of
// a transaction produced by CreateTransaction.
func (w *Wallet) SignAuthoredTx(tx *txauthor.AuthoredTx) error {
	if w.privateKeysDisabled || w.secrets == nil {
		return ErrPrivateKeysDisabled
	}
	return tx.AddAllInputScripts(w.secrets)
}

// SignTransaction signs every input of tx in place.  Previous output scripts
// and values are resolved from the wallet's own records first and from the
// chain backend for inputs the wallet does not control.
func (w *Wallet) SignTransaction(tx *wire.MsgTx) error {
	if w.privateKeysDisabled || w.secrets == nil {
		return ErrPrivateKeysDisabled
	}

	prevScripts := make([][]byte, len(tx.TxIn))
	prevValues := make([]btcutil.Amount, len(tx.TxIn))

	missing := make(map[wire.OutPoint]*wire.TxOut)
	for _, txIn := range tx.TxIn {
		credit, err := w.creditFor(txIn.PreviousOutPoint)
		if err != nil {
			return err
		}
		if credit == nil {
			missing[txIn.PreviousOutPoint] = nil
		}
	}
	if len(missing) > 0 {
		if err := w.chain.FindCoins(missing); err != nil {
			return err
		}
	}

	for i, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint

		credit, err := w.creditFor(op)
		if err != nil {
			return err
		}
		if credit != nil {
			prevScripts[i] = credit.PkScript
			prevValues[i] = credit.Amount
			continue
		}

		txOut := missing[op]
		if txOut == nil {
			return fmt.Errorf("unable to resolve previous "+
				"output %v", op)
		}
		prevScripts[i] = txOut.PkScript
		prevValues[i] = btcutil.Amount(txOut.Value)
	}

	// Old signatures are discarded, signing rebuilds them from scratch.
	for _, txIn := range tx.TxIn {
		txIn.SignatureScript = nil
		txIn.Witness = nil
	}

	return txauthor.AddAllInputScripts(
		tx, prevScripts, prevValues, w.secrets,
	)
}
