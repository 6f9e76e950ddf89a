// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrMissingPrevOutputs is returned when a replacement cannot be packaged as
// a PSBT because the spent outputs of its inputs are unknown.
var ErrMissingPrevOutputs = errors.New("missing previous outputs")

// NewUnsignedPacket packages a built replacement as a PSBT for an external
// signer.  Any signature data carried over from the original transaction is
// stripped, since the replacement changes outputs every input must be signed
// again.  Each input carries the spent output as its witness UTXO.
func NewUnsignedPacket(details *BumpDetails) (*psbt.Packet, error) {
	if len(details.PrevScripts) != len(details.Tx.TxIn) ||
		len(details.PrevInputValues) != len(details.Tx.TxIn) {

		return nil, ErrMissingPrevOutputs
	}

	unsigned := details.Tx.Copy()
	for _, txIn := range unsigned.TxIn {
		txIn.SignatureScript = nil
		txIn.Witness = nil
	}

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, err
	}

	for i := range packet.Inputs {
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{
			Value:    int64(details.PrevInputValues[i]),
			PkScript: details.PrevScripts[i],
		}
		packet.Inputs[i].SighashType = txscript.SigHashAll
	}

	return packet, nil
}

// ExtractSignedPacket finalizes a signed PSBT and extracts the network
// serializable transaction from it.
func ExtractSignedPacket(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, err
	}
	return psbt.Extract(packet)
}
