// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
)

// TxDetails looks up the transaction record for a transaction hash.  A nil
// record with a nil error is returned when the transaction is unknown to the
// store.
func (s *Store) TxDetails(ns walletdb.ReadBucket,
	txHash *chainhash.Hash) (*TxRecord, error) {

	v := ns.NestedReadBucket(bucketRecords).Get(txHash[:])
	if v == nil {
		return nil, nil
	}
	return serializedTxRecord(txHash, v)
}

// GetCredit looks up the wallet credit for an outpoint.  A nil credit with a
// nil error is returned when the outpoint is not a wallet output.
func (s *Store) GetCredit(ns walletdb.ReadBucket, op wire.OutPoint) (*Credit,
	error) {

	v := ns.NestedReadBucket(bucketCredits).Get(canonicalOutPoint(&op))
	if v == nil {
		return nil, nil
	}
	return serializedCredit(&op, v)
}

// Spender returns the hash of the wallet transaction spending the outpoint,
// or nil when no wallet transaction spends it.
func (s *Store) Spender(ns walletdb.ReadBucket, op wire.OutPoint) (
	*chainhash.Hash, error) {

	v := ns.NestedReadBucket(bucketSpends).Get(canonicalOutPoint(&op))
	if v == nil {
		return nil, nil
	}
	if len(v) != chainhash.HashSize {
		return nil, storeError(ErrData, "bad spender hash size", nil)
	}
	var hash chainhash.Hash
	copy(hash[:], v)
	return &hash, nil
}

// HasSpendingTx returns whether any wallet transaction spends an output of
// the passed record.  Such a descendant makes the record ineligible for
// replacement, since replacing it would orphan the child.
func (s *Store) HasSpendingTx(ns walletdb.ReadBucket, rec *TxRecord) (bool,
	error) {

	spends := ns.NestedReadBucket(bucketSpends)
	for i := range rec.MsgTx.TxOut {
		op := wire.OutPoint{Hash: rec.Hash, Index: uint32(i)}
		if spends.Get(canonicalOutPoint(&op)) != nil {
			return true, nil
		}
	}
	return false, nil
}

// UnspentCredits returns all wallet credits that are not spent by any wallet
// transaction.
func (s *Store) UnspentCredits(ns walletdb.ReadBucket) ([]Credit, error) {
	spends := ns.NestedReadBucket(bucketSpends)

	var unspent []Credit
	err := ns.NestedReadBucket(bucketCredits).ForEach(
		func(k, v []byte) error {
			if spends.Get(k) != nil {
				return nil
			}
			op, err := readCanonicalOutPoint(k)
			if err != nil {
				return err
			}
			cred, err := serializedCredit(&op, v)
			if err != nil {
				return err
			}
			unspent = append(unspent, *cred)
			return nil
		},
	)
	if err != nil {
		if _, ok := err.(Error); ok {
			return nil, err
		}
		return nil, storeError(
			ErrDatabase, "failed to iterate credits", err,
		)
	}
	return unspent, nil
}
