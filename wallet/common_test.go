// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"

	"github.com/cypherstack/particl-core/wallet/feerate"
	"github.com/cypherstack/particl-core/wtxmgr"
)

// mockChain is a canned chain backend.  Every field has a usable default
// from newMockChain, tests override what they exercise.
type mockChain struct {
	bestHeight     int32
	mempoolMinFee  feerate.SatPerKVByte
	relayFee       feerate.SatPerKVByte
	incrementalFee feerate.SatPerKVByte
	smartFee       feerate.SatPerKVByte
	smartFeeErr    error

	descendants map[chainhash.Hash]bool
	coins       map[wire.OutPoint]*wire.TxOut

	sent    []*wire.MsgTx
	sendErr error
}

func newMockChain() *mockChain {
	return &mockChain{
		bestHeight:     100,
		mempoolMinFee:  1000,
		relayFee:       1000,
		incrementalFee: 1000,
		smartFee:       1000,
		descendants:    make(map[chainhash.Hash]bool),
		coins:          make(map[wire.OutPoint]*wire.TxOut),
	}
}

func (m *mockChain) BestBlock() (*chainhash.Hash, int32, error) {
	return &chainhash.Hash{}, m.bestHeight, nil
}

func (m *mockChain) MempoolMinFee() (feerate.SatPerKVByte, error) {
	return m.mempoolMinFee, nil
}

func (m *mockChain) RelayFee() (feerate.SatPerKVByte, error) {
	return m.relayFee, nil
}

func (m *mockChain) RelayIncrementalFee() (feerate.SatPerKVByte, error) {
	return m.incrementalFee, nil
}

func (m *mockChain) EstimateSmartFee(int64) (feerate.SatPerKVByte, error) {
	return m.smartFee, m.smartFeeErr
}

func (m *mockChain) HasDescendantsInMempool(txHash *chainhash.Hash) (bool,
	error) {

	return m.descendants[*txHash], nil
}

func (m *mockChain) FindCoins(coins map[wire.OutPoint]*wire.TxOut) error {
	for op := range coins {
		if txOut, ok := m.coins[op]; ok {
			coins[op] = txOut
		}
	}
	return nil
}

func (m *mockChain) SendRawTransaction(tx *wire.MsgTx, _ bool) (
	*chainhash.Hash, error) {

	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, tx)
	hash := tx.TxHash()
	return &hash, nil
}

func btcAmount(v int64) btcutil.Amount {
	return btcutil.Amount(v)
}

// p2pkhScript returns a pay-to-pubkey-hash script whose hash bytes are all
// fill.
func p2pkhScript(fill byte) []byte {
	script := make([]byte, 25)
	script[0] = 0x76 // OP_DUP
	script[1] = 0xa9 // OP_HASH160
	script[2] = 0x14
	for i := 3; i < 23; i++ {
		script[i] = fill
	}
	script[23] = 0x88 // OP_EQUALVERIFY
	script[24] = 0xac // OP_CHECKSIG
	return script
}

// p2wpkhScript returns a version 0 witness pubkey hash script.
func p2wpkhScript(fill byte) []byte {
	script := make([]byte, 22)
	script[1] = 0x14
	for i := 2; i < 22; i++ {
		script[i] = fill
	}
	return script
}

// testWallet builds a wallet over a fresh temporary database.  The discard
// rate is pinned low so the legacy dust threshold of 546 applies to
// pay-to-pubkey-hash change.
func testWallet(t *testing.T, chainMock *mockChain) *Wallet {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	w, err := New(&Config{
		DB:          db,
		Chain:       chainMock,
		ChainParams: &chaincfg.RegressionNetParams,
		NewChangeScript: func() ([]byte, error) {
			return p2wpkhScript(0xaa), nil
		},
		MinRelayFee: 1000,
		FallbackFee: 1000,
		DiscardRate: 3000,
	})
	require.NoError(t, err)
	return w
}

// insertRecord stores rec and credits the given output indexes.
func insertRecord(t *testing.T, w *Wallet, rec *wtxmgr.TxRecord,
	changeIndexes map[uint32]bool) {

	t.Helper()

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxmgrNamespaceKey)
		if err := w.txStore.InsertTx(ns, rec); err != nil {
			return err
		}
		for index, change := range changeIndexes {
			err := w.txStore.AddCredit(
				ns, rec, index, change, false,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// addFunding inserts a confirmed transaction paying the given values to
// wallet owned pay-to-pubkey-hash outputs and returns their outpoints.
func addFunding(t *testing.T, w *Wallet, values ...int64) []wire.OutPoint {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{0xff}, Index: 7}, nil, nil,
	))
	for i, value := range values {
		tx.AddTxOut(wire.NewTxOut(value, p2pkhScript(byte(i+1))))
	}

	rec := wtxmgr.NewTxRecordFromMsgTx(tx, time.Unix(1700000000, 0))
	rec.Height = 50

	indexes := make(map[uint32]bool, len(values))
	for i := range values {
		indexes[uint32(i)] = false
	}
	insertRecord(t, w, rec, indexes)

	outPoints := make([]wire.OutPoint, len(values))
	for i := range values {
		outPoints[i] = wire.OutPoint{Hash: rec.Hash, Index: uint32(i)}
	}
	return outPoints
}

// originalTxOpts tunes addOriginal.
type originalTxOpts struct {
	// sequence is used for every input, defaulting to the replaceable
	// convention.
	sequence uint32

	// sigScriptLen pads each input's signature script to mimic the size
	// of a signed transaction.
	sigScriptLen int

	// noChange skips the change output.
	noChange bool

	// extraChange adds a second change output of the given value when
	// non zero.
	extraChange int64
}

// addOriginal inserts an unconfirmed transaction spending the given funding
// outpoints, paying recipientValue to a foreign script and changeValue back
// to the wallet.
func addOriginal(t *testing.T, w *Wallet, funding []wire.OutPoint,
	recipientValue, changeValue int64,
	opts originalTxOpts) *wtxmgr.TxRecord {

	t.Helper()

	sequence := opts.sequence
	if sequence == 0 {
		sequence = wire.MaxTxInSequenceNum - 2
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range funding {
		txIn := wire.NewTxIn(&funding[i], nil, nil)
		txIn.Sequence = sequence
		if opts.sigScriptLen > 0 {
			txIn.SignatureScript = bytes.Repeat(
				[]byte{0x6a}, opts.sigScriptLen,
			)
		}
		tx.AddTxIn(txIn)
	}
	tx.AddTxOut(wire.NewTxOut(recipientValue, p2pkhScript(0xee)))

	indexes := map[uint32]bool{}
	if !opts.noChange {
		tx.AddTxOut(wire.NewTxOut(changeValue, p2pkhScript(0xcc)))
		indexes[1] = true
	}
	if opts.extraChange != 0 {
		index := uint32(len(tx.TxOut))
		tx.AddTxOut(wire.NewTxOut(opts.extraChange, p2pkhScript(0xcd)))
		indexes[index] = true
	}

	rec := wtxmgr.NewTxRecordFromMsgTx(tx, time.Unix(1700000100, 0))
	insertRecord(t, w, rec, indexes)
	return rec
}
