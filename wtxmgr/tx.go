// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wtxmgr provides storage for wallet transactions and the outputs
// they create or spend.  Records carry a free-form metadata map which the
// wallet uses, among other things, to link an unconfirmed transaction to the
// fee-bumped transaction that replaced it.
package wtxmgr

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
)

// Metadata keys written by the wallet when a transaction is replaced through
// a fee bump.  A record carrying MetaReplacedByTxID has been superseded and
// must not be bumped again; the replacement carries MetaReplacesTxID pointing
// back at the record it superseded.
const (
	MetaReplacesTxID   = "replaces_txid"
	MetaReplacedByTxID = "replaced_by_txid"
)

// HeightUnmined is the sentinel height of a transaction record that has not
// been mined into a block.
const HeightUnmined int32 = -1

// TxRecord represents a transaction managed by the Store.
type TxRecord struct {
	MsgTx    wire.MsgTx
	Hash     chainhash.Hash
	Received time.Time

	// Height is the block height the transaction was mined at, or
	// HeightUnmined.
	Height int32

	// Conflicted is set when a conflicting transaction has been mined,
	// making this record permanently unconfirmable.
	Conflicted bool

	// Metadata is a string-keyed map of auxiliary data associated with
	// the transaction, including replacement linkage and ordering hints.
	// It is copied onto replacement records when the transaction is
	// superseded.
	Metadata map[string]string
}

// NewTxRecordFromMsgTx creates a new transaction record that may be inserted
// into the store.
func NewTxRecordFromMsgTx(msgTx *wire.MsgTx, received time.Time) *TxRecord {
	return &TxRecord{
		MsgTx:    *msgTx,
		Hash:     msgTx.TxHash(),
		Received: received,
		Height:   HeightUnmined,
		Metadata: make(map[string]string),
	}
}

// Credit describes a transaction output that is or was spendable by the
// wallet.
type Credit struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte

	// Height is the block height of the transaction creating the output,
	// or HeightUnmined.
	Height int32

	// Change is set when the output returns surplus value to the wallet
	// rather than paying an outside destination.
	Change bool

	// WatchOnly is set when the wallet can recognize but not sign for the
	// output.
	WatchOnly bool
}

// Bucket names and keys.  All buckets live under the namespace bucket given
// to Create.
var (
	bucketRecords = []byte("records")
	bucketCredits = []byte("credits")
	bucketSpends  = []byte("spends")

	rootVersion = []byte("vers")
)

// Current database version.  No migrations exist yet; Open rejects any
// other version.
const latestVersion uint32 = 1

// Store implements a transaction store for storing and managing wallet
// transactions, their metadata and the outputs they create and spend.  All
// methods operate within the walletdb namespace bucket the store was created
// in, which the caller provides per call so that store updates can
// participate in larger atomic database transactions.
type Store struct{}

// Create creates a new persistent transaction store in the walletdb
// namespace.  Creating the store when one already exists in this namespace
// will error with ErrDatabase.
func Create(ns walletdb.ReadWriteBucket) error {
	if ns.Get(rootVersion) != nil {
		return storeError(
			ErrDatabase, "transaction store already exists", nil,
		)
	}
	err := ns.Put(rootVersion, uint32Bytes(latestVersion))
	if err != nil {
		return storeError(ErrDatabase, "failed to store version", err)
	}
	for _, bucket := range [][]byte{
		bucketRecords, bucketCredits, bucketSpends,
	} {
		_, err := ns.CreateBucket(bucket)
		if err != nil {
			return storeError(
				ErrDatabase, "failed to create bucket", err,
			)
		}
	}
	return nil
}

// Open opens the transaction store in the passed namespace.
func Open(ns walletdb.ReadBucket) (*Store, error) {
	v := ns.Get(rootVersion)
	if v == nil {
		return nil, storeError(
			ErrNoExists, "transaction store does not exist", nil,
		)
	}
	if len(v) != 4 || byteOrder.Uint32(v) != latestVersion {
		return nil, storeError(
			ErrUnknownVersion,
			"transaction store version is not understood by this "+
				"build", nil,
		)
	}
	return &Store{}, nil
}

// InsertTx records a transaction in the store.  The record's inputs are
// registered as spends of their previous outputs, which marks any wallet
// credits they consume as spent.  Inserting a record that already exists
// overwrites it, preserving nothing of the old value.
func (s *Store) InsertTx(ns walletdb.ReadWriteBucket, rec *TxRecord) error {
	v, err := valueTxRecord(rec)
	if err != nil {
		return err
	}
	err = ns.NestedReadWriteBucket(bucketRecords).Put(rec.Hash[:], v)
	if err != nil {
		return storeError(ErrDatabase, "failed to store tx record", err)
	}

	spends := ns.NestedReadWriteBucket(bucketSpends)
	for _, txIn := range rec.MsgTx.TxIn {
		k := canonicalOutPoint(&txIn.PreviousOutPoint)
		err := spends.Put(k, rec.Hash[:])
		if err != nil {
			return storeError(
				ErrDatabase, "failed to store spend", err,
			)
		}
	}

	log.Debugf("Inserted transaction record %v (height %d)", rec.Hash,
		rec.Height)
	return nil
}

// AddCredit marks an output of a previously inserted transaction record as
// controlled by the wallet, making it available for spending and for
// change detection.
func (s *Store) AddCredit(ns walletdb.ReadWriteBucket, rec *TxRecord,
	index uint32, change, watchOnly bool) error {

	if int(index) >= len(rec.MsgTx.TxOut) {
		return storeError(ErrInput, "credit output index out of range",
			nil)
	}

	op := wire.OutPoint{Hash: rec.Hash, Index: index}
	cred := &Credit{
		OutPoint:  op,
		Amount:    btcutil.Amount(rec.MsgTx.TxOut[index].Value),
		PkScript:  rec.MsgTx.TxOut[index].PkScript,
		Height:    rec.Height,
		Change:    change,
		WatchOnly: watchOnly,
	}
	err := ns.NestedReadWriteBucket(bucketCredits).Put(
		canonicalOutPoint(&op), valueCredit(cred),
	)
	if err != nil {
		return storeError(ErrDatabase, "failed to store credit", err)
	}
	return nil
}

// SetMetadata sets a single metadata key on a stored transaction record.
// The update is performed in place; all other record data is unchanged.
func (s *Store) SetMetadata(ns walletdb.ReadWriteBucket,
	txHash *chainhash.Hash, key, value string) error {

	rec, err := s.TxDetails(ns, txHash)
	if err != nil {
		return err
	}
	if rec == nil {
		return storeError(
			ErrNoExists, "no transaction record to annotate", nil,
		)
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	rec.Metadata[key] = value

	v, err := valueTxRecord(rec)
	if err != nil {
		return err
	}
	err = ns.NestedReadWriteBucket(bucketRecords).Put(rec.Hash[:], v)
	if err != nil {
		return storeError(ErrDatabase, "failed to update tx record",
			err)
	}
	return nil
}

// SetHeight updates the mined height of a stored transaction record.  Use
// HeightUnmined when the transaction returns to the unconfirmed set after a
// reorganization.
func (s *Store) SetHeight(ns walletdb.ReadWriteBucket,
	txHash *chainhash.Hash, height int32) error {

	return s.updateRecord(ns, txHash, func(rec *TxRecord) {
		rec.Height = height
	})
}

// SetConflicted flags a stored transaction record as conflicting with a
// mined transaction.
func (s *Store) SetConflicted(ns walletdb.ReadWriteBucket,
	txHash *chainhash.Hash, conflicted bool) error {

	return s.updateRecord(ns, txHash, func(rec *TxRecord) {
		rec.Conflicted = conflicted
	})
}

func (s *Store) updateRecord(ns walletdb.ReadWriteBucket,
	txHash *chainhash.Hash, update func(*TxRecord)) error {

	rec, err := s.TxDetails(ns, txHash)
	if err != nil {
		return err
	}
	if rec == nil {
		return storeError(
			ErrNoExists, "no transaction record to update", nil,
		)
	}
	update(rec)

	v, err := valueTxRecord(rec)
	if err != nil {
		return err
	}
	err = ns.NestedReadWriteBucket(bucketRecords).Put(rec.Hash[:], v)
	if err != nil {
		return storeError(ErrDatabase, "failed to update tx record",
			err)
	}
	return nil
}

// serializedTxRecord reassembles a TxRecord from its stored value.
func serializedTxRecord(txHash *chainhash.Hash, v []byte) (*TxRecord, error) {
	r := bytes.NewReader(v)

	height, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, storeError(ErrData, "short tx record value", err)
	}
	received, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	nMeta, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, nMeta)
	for i := uint32(0); i < nMeta; i++ {
		key, err := wire.ReadVarString(r, 0)
		if err != nil {
			return nil, storeError(
				ErrData, "malformed metadata key", err,
			)
		}
		value, err := wire.ReadVarString(r, 0)
		if err != nil {
			return nil, storeError(
				ErrData, "malformed metadata value", err,
			)
		}
		meta[key] = value
	}

	rec := &TxRecord{
		Hash:       *txHash,
		Received:   time.Unix(int64(received), 0),
		Height:     int32(height),
		Conflicted: flags&0x01 != 0,
		Metadata:   meta,
	}
	err = rec.MsgTx.Deserialize(r)
	if err != nil {
		return nil, storeError(
			ErrData, "failed to deserialize transaction", err,
		)
	}
	return rec, nil
}

// valueTxRecord serializes a TxRecord for storage.  The layout is the mined
// height, a flags byte, the received time, the metadata map, and finally the
// transaction itself.
func valueTxRecord(rec *TxRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(13 + rec.MsgTx.SerializeSize())

	writeUint32(&buf, uint32(rec.Height))
	var flags byte
	if rec.Conflicted {
		flags |= 0x01
	}
	buf.WriteByte(flags)
	writeUint64(&buf, uint64(rec.Received.Unix()))
	writeUint32(&buf, uint32(len(rec.Metadata)))
	for _, key := range sortedMetaKeys(rec.Metadata) {
		err := wire.WriteVarString(&buf, 0, key)
		if err != nil {
			return nil, storeError(
				ErrData, "failed to write metadata key", err,
			)
		}
		err = wire.WriteVarString(&buf, 0, rec.Metadata[key])
		if err != nil {
			return nil, storeError(
				ErrData, "failed to write metadata value", err,
			)
		}
	}
	err := rec.MsgTx.Serialize(&buf)
	if err != nil {
		return nil, storeError(
			ErrData, "failed to serialize transaction", err,
		)
	}
	return buf.Bytes(), nil
}

// serializedCredit reassembles a Credit from its stored value.
func serializedCredit(op *wire.OutPoint, v []byte) (*Credit, error) {
	r := bytes.NewReader(v)

	amount, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	height, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, storeError(ErrData, "short credit value", err)
	}
	pkScript, err := wire.ReadVarBytes(r, 0, maxScriptLen, "pkScript")
	if err != nil {
		return nil, storeError(ErrData, "malformed credit script", err)
	}

	return &Credit{
		OutPoint:  *op,
		Amount:    btcutil.Amount(amount),
		PkScript:  pkScript,
		Height:    int32(height),
		Change:    flags&0x01 != 0,
		WatchOnly: flags&0x02 != 0,
	}, nil
}

// valueCredit serializes a Credit for storage.
func valueCredit(cred *Credit) []byte {
	var buf bytes.Buffer
	buf.Grow(13 + len(cred.PkScript))

	writeUint64(&buf, uint64(cred.Amount))
	writeUint32(&buf, uint32(cred.Height))
	var flags byte
	if cred.Change {
		flags |= 0x01
	}
	if cred.WatchOnly {
		flags |= 0x02
	}
	buf.WriteByte(flags)

	// The script length always fits a varint and the buffer cannot fail
	// to grow, so this cannot error in practice.
	_ = wire.WriteVarBytes(&buf, 0, cred.PkScript)

	return buf.Bytes()
}
