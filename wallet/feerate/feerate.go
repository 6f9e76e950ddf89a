// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package feerate provides the fee rate type used for relay policy
// calculations throughout the wallet.
package feerate

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// SatPerKVByte expresses a transaction fee rate in satoshis per 1000 virtual
// bytes.  Rates are always non-negative: the constructors clamp negative
// inputs to zero, so policy comparisons never have to consider a negative
// rate.
type SatPerKVByte btcutil.Amount

// NewSatPerKVByte returns the fee rate paid by a transaction of the given
// virtual size carrying the given fee.  The division truncates, so the
// returned rate may understate the true rate by up to one satoshi per
// kilo-vbyte; callers that need a strict lower bound must account for the
// rounding themselves.
func NewSatPerKVByte(fee btcutil.Amount, vSize int64) SatPerKVByte {
	if vSize <= 0 || fee <= 0 {
		return 0
	}
	return SatPerKVByte(int64(fee) * 1000 / vSize)
}

// FromAmount interprets an amount as a rate of that many satoshis per
// kilo-vbyte.
func FromAmount(a btcutil.Amount) SatPerKVByte {
	if a < 0 {
		return 0
	}
	return SatPerKVByte(a)
}

// FeeFor returns the fee a transaction of the given virtual size pays at
// rate r.  The result truncates toward zero but is never zero for a non-zero
// rate and size, since rounding a positive rate down to a free transaction
// would let any fee floor be met without paying it.
func (r SatPerKVByte) FeeFor(vSize int64) btcutil.Amount {
	fee := btcutil.Amount(int64(r) * vSize / 1000)
	if fee == 0 && vSize != 0 && r > 0 {
		fee = 1
	}
	return fee
}

// Add returns the sum of the two rates.
func (r SatPerKVByte) Add(other SatPerKVByte) SatPerKVByte {
	return r + other
}

// String returns the rate formatted for diagnostics.
func (r SatPerKVByte) String() string {
	return fmt.Sprintf("%d sat/kvB", int64(r))
}

// Max returns the larger of the two rates.
func Max(a, b SatPerKVByte) SatPerKVByte {
	if a > b {
		return a
	}
	return b
}
