// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

const (
	// maxECDSASignatureSize is the size of a maximally padded DER
	// signature including the trailing sighash flag byte.
	maxECDSASignatureSize = 73

	// maxSchnorrSignatureSize is the size of a schnorr signature with an
	// explicit sighash flag byte appended.
	maxSchnorrSignatureSize = 65

	// witnessScaleFactor relates weight units to base serialization
	// bytes.
	witnessScaleFactor = 4
)

// ErrInputUnsignable is returned when a transaction input can be neither
// signed by the wallet nor sized from caller-provided information.
var ErrInputUnsignable = errors.New("transaction input cannot be signed")

// signatureSlack returns the number of bytes by which a signature element
// may grow when re-signed, since signature length varies between signings
// and size estimates must cover the worst case.  Elements that do not look
// like signatures get no slack.
func signatureSlack(elem []byte) int64 {
	switch n := len(elem); {
	case n == 64 || n == 65:
		// Schnorr, with or without an explicit sighash byte.
		return int64(maxSchnorrSignatureSize - n)

	case n >= 9 && n <= maxECDSASignatureSize:
		// DER encoded ECDSA followed by a sighash byte.
		if _, err := ecdsa.ParseDERSignature(elem[:n-1]); err == nil {
			return int64(maxECDSASignatureSize - n)
		}
	}
	return 0
}

// signedInputWeight returns the weight a fully signed input contributes to a
// transaction, padding every signature element in its signature script and
// witness to its maximum size.
func signedInputWeight(txIn *wire.TxIn) int64 {
	scriptLen := int64(len(txIn.SignatureScript))
	base := 32 + 4 + 4 +
		int64(wire.VarIntSerializeSize(uint64(scriptLen))) + scriptLen
	weight := base * witnessScaleFactor

	tokenizer := txscript.MakeScriptTokenizer(0, txIn.SignatureScript)
	for tokenizer.Next() {
		weight += signatureSlack(tokenizer.Data()) * witnessScaleFactor
	}

	if len(txIn.Witness) > 0 {
		witness := int64(
			wire.VarIntSerializeSize(uint64(len(txIn.Witness))),
		)
		for _, item := range txIn.Witness {
			witness += int64(
				wire.VarIntSerializeSize(uint64(len(item))),
			) + int64(len(item))
			witness += signatureSlack(item)
		}
		weight += witness
	}
	return weight
}

// externalInputHasWitness reports whether an externally sized input can
// contribute witness data.  Spends of unknown or script hash outputs are
// treated as witness spends, over-counting the marker and flag bytes by one
// vbyte at worst.
func externalInputHasWitness(txIn *wire.TxIn, prevOut *wire.TxOut) bool {
	if len(txIn.Witness) > 0 {
		return true
	}
	if prevOut == nil {
		return true
	}
	switch txscript.GetScriptClass(prevOut.PkScript) {
	case txscript.PubKeyTy, txscript.PubKeyHashTy, txscript.MultiSigTy,
		txscript.NullDataTy:

		return false
	}
	return true
}

// maxSignedTxVSize returns the largest virtual size tx can have once every
// input carries a maximally sized signature.  Inputs spending wallet outputs
// are sized by their output script class.  Inputs the wallet does not
// control must either carry a weight override in cc or already be signed,
// otherwise ErrInputUnsignable is returned.
func (w *Wallet) maxSignedTxVSize(tx *wire.MsgTx, cc *CoinControl) (int64,
	error) {

	var (
		p2pkh, p2tr, p2wpkh, nested int
		externalVBytes              int64
		externalWitness             bool
	)
	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint

		if cc != nil {
			if weight, ok := cc.InputWeight(op); ok {
				externalVBytes += (weight +
					witnessScaleFactor - 1) /
					witnessScaleFactor
				if externalInputHasWitness(
					txIn, cc.ExternalOutput(op),
				) {
					externalWitness = true
				}
				continue
			}
		}

		credit, err := w.creditFor(op)
		if err != nil {
			return 0, err
		}
		if credit != nil {
			class := txscript.GetScriptClass(credit.PkScript)
			switch class {
			case txscript.PubKeyHashTy:
				p2pkh++
				continue
			case txscript.WitnessV0PubKeyHashTy:
				p2wpkh++
				continue
			case txscript.WitnessV1TaprootTy:
				p2tr++
				continue
			case txscript.ScriptHashTy:
				// Assumed to be a nested pay-to-witness
				// output, the only script hash form the
				// wallet produces.
				nested++
				continue
			}
		}

		// Fall back to sizing the existing signatures when the input
		// is already signed.
		if len(txIn.SignatureScript) > 0 || len(txIn.Witness) > 0 {
			weight := signedInputWeight(txIn)
			externalVBytes += (weight + witnessScaleFactor - 1) /
				witnessScaleFactor
			if len(txIn.Witness) > 0 {
				externalWitness = true
			}
			continue
		}

		return 0, fmt.Errorf("%w: %v", ErrInputUnsignable, op)
	}

	vSize := int64(txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, tx.TxOut, 0,
	))

	// The segwit marker and flag bytes are counted only when a sized
	// input class carries a witness.  Account for them when witness data
	// enters solely through externally sized inputs.
	if externalWitness && p2tr == 0 && p2wpkh == 0 && nested == 0 {
		vSize++
	}
	return vSize + externalVBytes, nil
}
