// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/cypherstack/particl-core/wallet/feerate"
	"github.com/cypherstack/particl-core/wtxmgr"
)

// signedOpts pads inputs so the stored transaction serializes close to its
// signed size.
var signedOpts = originalTxOpts{sigScriptLen: 107}

func setHeight(t *testing.T, w *Wallet, txHash *chainhash.Hash,
	height int32) {

	t.Helper()
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxmgrNamespaceKey)
		return w.txStore.SetHeight(ns, txHash, height)
	})
	require.NoError(t, err)
}

func setConflicted(t *testing.T, w *Wallet, txHash *chainhash.Hash) {
	t.Helper()
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxmgrNamespaceKey)
		return w.txStore.SetConflicted(ns, txHash, true)
	})
	require.NoError(t, err)
}

func setMetadata(t *testing.T, w *Wallet, txHash *chainhash.Hash, key,
	value string) {

	t.Helper()
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxmgrNamespaceKey)
		return w.txStore.SetMetadata(ns, txHash, key, value)
	})
	require.NoError(t, err)
}

func TestTransactionCanBeBumped(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		setup    func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash
		bumpable bool
	}{{
		name: "eligible",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			funding := addFunding(t, w, 1e6)
			rec := addOriginal(
				t, w, funding, 950000, 45000, signedOpts,
			)
			return rec.Hash
		},
		bumpable: true,
	}, {
		name: "already mined",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			funding := addFunding(t, w, 1e6)
			rec := addOriginal(
				t, w, funding, 950000, 45000, signedOpts,
			)
			setHeight(t, w, &rec.Hash, 60)
			return rec.Hash
		},
		bumpable: false,
	}, {
		name: "conflicted",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			funding := addFunding(t, w, 1e6)
			rec := addOriginal(
				t, w, funding, 950000, 45000, signedOpts,
			)
			setConflicted(t, w, &rec.Hash)
			return rec.Hash
		},
		bumpable: false,
	}, {
		name: "not signaling replaceability",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			funding := addFunding(t, w, 1e6)
			opts := signedOpts
			opts.sequence = wire.MaxTxInSequenceNum - 1
			rec := addOriginal(t, w, funding, 950000, 45000, opts)
			return rec.Hash
		},
		bumpable: false,
	}, {
		name: "already bumped",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			funding := addFunding(t, w, 1e6)
			rec := addOriginal(
				t, w, funding, 950000, 45000, signedOpts,
			)
			setMetadata(
				t, w, &rec.Hash, wtxmgr.MetaReplacedByTxID,
				chainhash.Hash{0xab}.String(),
			)
			return rec.Hash
		},
		bumpable: false,
	}, {
		name: "descendant in wallet",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			funding := addFunding(t, w, 1e6)
			rec := addOriginal(
				t, w, funding, 950000, 45000, signedOpts,
			)

			child := wire.NewMsgTx(wire.TxVersion)
			child.AddTxIn(wire.NewTxIn(&wire.OutPoint{
				Hash: rec.Hash, Index: 1,
			}, nil, nil))
			child.AddTxOut(wire.NewTxOut(40000, p2pkhScript(0xdd)))
			childRec := wtxmgr.NewTxRecordFromMsgTx(
				child, time.Unix(1700000200, 0),
			)
			insertRecord(t, w, childRec, nil)
			return rec.Hash
		},
		bumpable: false,
	}, {
		name: "descendant in mempool",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			funding := addFunding(t, w, 1e6)
			rec := addOriginal(
				t, w, funding, 950000, 45000, signedOpts,
			)
			m.descendants[rec.Hash] = true
			return rec.Hash
		},
		bumpable: false,
	}, {
		name: "foreign input",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			foreign := []wire.OutPoint{{
				Hash: chainhash.Hash{0x77}, Index: 0,
			}}
			rec := addOriginal(
				t, w, foreign, 950000, 45000, signedOpts,
			)
			return rec.Hash
		},
		bumpable: false,
	}, {
		name: "unknown transaction",
		setup: func(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
			return chainhash.Hash{0x01}
		},
		bumpable: false,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chainMock := newMockChain()
			w := testWallet(t, chainMock)
			txHash := tc.setup(t, w, chainMock)
			require.Equal(
				t, tc.bumpable,
				w.TransactionCanBeBumped(&txHash),
			)
		})
	}
}

func TestEstimateBumpFeeRate(t *testing.T) {
	t.Parallel()

	chainMock := newMockChain()
	w := testWallet(t, chainMock)

	// 100 sats over 225 vbytes is 444 sat/kvB, raised by one unit and by
	// the wallet incremental relay floor.
	require.Equal(
		t, feerate.SatPerKVByte(5445), w.estimateBumpFeeRate(100, 225, 0),
	)

	// A higher node incremental relay fee takes precedence over the
	// wallet constant.
	chainMock.incrementalFee = 8000
	require.Equal(
		t, feerate.SatPerKVByte(8445), w.estimateBumpFeeRate(100, 225, 0),
	)

	// The wallet's general minimum rate clamps the estimate upward.
	chainMock.incrementalFee = 1000
	w.payTxFee = 20000
	require.Equal(
		t, feerate.SatPerKVByte(20000),
		w.estimateBumpFeeRate(100, 225, 0),
	)
}

func TestRateBump(t *testing.T) {
	t.Parallel()

	chainMock := newMockChain()
	w := testWallet(t, chainMock)

	funding := addFunding(t, w, 1e6)
	rec := addOriginal(t, w, funding, 950000, 45000, signedOpts)
	oldFee := btcAmount(1e6 - 950000 - 45000)

	details, res, errs := w.CreateRateBumpTransaction(&rec.Hash, nil, true)
	require.Equal(t, ResultOK, res)
	require.Empty(t, errs)
	require.Equal(t, oldFee, details.OldFee)

	// Every original input must be spent by the replacement.
	spent := make(map[wire.OutPoint]bool)
	for _, txIn := range details.Tx.TxIn {
		spent[txIn.PreviousOutPoint] = true
		require.Equal(
			t, wire.MaxTxInSequenceNum-2, txIn.Sequence,
		)
	}
	for _, txIn := range rec.MsgTx.TxIn {
		require.True(t, spent[txIn.PreviousOutPoint])
	}

	// The recipient output is kept verbatim and change pays to the
	// original change script.
	require.Len(t, details.Tx.TxOut, 2)
	require.Equal(t, int64(950000), details.Tx.TxOut[0].Value)
	require.Equal(t, p2pkhScript(0xee), details.Tx.TxOut[0].PkScript)
	require.Equal(t, p2pkhScript(0xcc), details.Tx.TxOut[1].PkScript)

	// The new fee is the estimated bump rate projected at the largest
	// signed size of the replacement.
	maxVSize, err := w.maxSignedTxVSize(details.Tx, nil)
	require.NoError(t, err)
	wantRate := w.estimateBumpFeeRate(oldFee, txVSize(&rec.MsgTx), 0)
	require.Equal(t, wantRate.FeeFor(maxVSize), details.NewFee)

	// Balance holds.
	require.Equal(
		t, int64(1e6)-950000-int64(details.NewFee),
		details.Tx.TxOut[1].Value,
	)
}

func TestRateBumpExplicitRate(t *testing.T) {
	t.Parallel()

	t.Run("below mempool minimum", func(t *testing.T) {
		t.Parallel()

		chainMock := newMockChain()
		chainMock.mempoolMinFee = 2000
		w := testWallet(t, chainMock)

		funding := addFunding(t, w, 1e6)
		rec := addOriginal(t, w, funding, 950000, 45000, signedOpts)

		cc := &CoinControl{FeeRate: fn.Some(feerate.SatPerKVByte(1500))}
		_, res, errs := w.CreateRateBumpTransaction(&rec.Hash, cc, true)
		require.Equal(t, ResultWalletError, res)
		require.NotEmpty(t, errs)
		require.Contains(t, errs[0], "mempool")
	})

	t.Run("below old rate plus increment", func(t *testing.T) {
		t.Parallel()

		chainMock := newMockChain()
		w := testWallet(t, chainMock)

		funding := addFunding(t, w, 1e6)
		rec := addOriginal(t, w, funding, 950000, 45000, signedOpts)

		// The original already pays well above this rate.
		cc := &CoinControl{FeeRate: fn.Some(feerate.SatPerKVByte(1100))}
		_, res, errs := w.CreateRateBumpTransaction(&rec.Hash, cc, true)
		require.Equal(t, ResultInvalidParameter, res)
		require.NotEmpty(t, errs)
		require.Contains(t, errs[0], "Insufficient total fee")
	})

	t.Run("above wallet ceiling", func(t *testing.T) {
		t.Parallel()

		chainMock := newMockChain()
		w := testWallet(t, chainMock)
		w.maxTxFee = 2000

		funding := addFunding(t, w, 1e6)
		rec := addOriginal(t, w, funding, 950000, 45000, signedOpts)

		cc := &CoinControl{
			FeeRate: fn.Some(feerate.SatPerKVByte(50000)),
		}
		_, res, errs := w.CreateRateBumpTransaction(&rec.Hash, cc, true)
		require.Equal(t, ResultWalletError, res)
		require.NotEmpty(t, errs)
		require.Contains(t, errs[0], "too high")
	})
}

func TestRateBumpRetrySameRequest(t *testing.T) {
	t.Parallel()

	chainMock := newMockChain()
	w := testWallet(t, chainMock)

	funding := addFunding(t, w, 5e5, 5e5)
	rec := addOriginal(t, w, funding, 950000, 45000, signedOpts)

	// The caller pre-selects one of the original inputs.  The first
	// attempt is rejected for an insufficient rate; the retry reuses the
	// same request with a workable rate.
	cc := &CoinControl{FeeRate: fn.Some(feerate.SatPerKVByte(1100))}
	cc.Select(funding[0])

	_, res, errs := w.CreateRateBumpTransaction(&rec.Hash, cc, true)
	require.Equal(t, ResultInvalidParameter, res)
	require.NotEmpty(t, errs)
	require.Contains(t, errs[0], "Insufficient total fee")

	// The rejected attempt must not have leaked selection state back
	// into the caller's request.
	require.Equal(t, []wire.OutPoint{funding[0]}, cc.Selected())

	cc.FeeRate = fn.Some(feerate.SatPerKVByte(20000))
	details, res, errs := w.CreateRateBumpTransaction(&rec.Hash, cc, true)
	require.Equal(t, ResultOK, res)
	require.Empty(t, errs)

	// The replacement still spends every original input.
	spent := make(map[wire.OutPoint]bool)
	for _, txIn := range details.Tx.TxIn {
		spent[txIn.PreviousOutPoint] = true
	}
	for _, txIn := range rec.MsgTx.TxIn {
		require.True(t, spent[txIn.PreviousOutPoint])
	}
	require.Equal(t, []wire.OutPoint{funding[0]}, cc.Selected())
}

func TestRateBumpForeignInput(t *testing.T) {
	t.Parallel()

	foreignOp := wire.OutPoint{Hash: chainhash.Hash{0x77}, Index: 3}

	t.Run("sized from existing signatures", func(t *testing.T) {
		t.Parallel()

		chainMock := newMockChain()
		w := testWallet(t, chainMock)

		funding := addFunding(t, w, 1e6)
		inputs := append([]wire.OutPoint{}, funding...)
		inputs = append(inputs, foreignOp)
		chainMock.coins[foreignOp] = wire.NewTxOut(
			500000, p2pkhScript(0x99),
		)

		rec := addOriginal(t, w, inputs, 1490000, 5000, signedOpts)
		oldFee := btcAmount(1.5e6 - 1490000 - 5000)

		details, res, errs := w.CreateRateBumpTransaction(
			&rec.Hash, nil, false,
		)
		require.Equal(t, ResultOK, res)
		require.Empty(t, errs)
		require.Equal(t, oldFee, details.OldFee)

		spent := make(map[wire.OutPoint]bool)
		for _, txIn := range details.Tx.TxIn {
			spent[txIn.PreviousOutPoint] = true
		}
		require.True(t, spent[foreignOp])
		require.True(t, spent[funding[0]])
	})

	t.Run("missing previous output is fatal", func(t *testing.T) {
		t.Parallel()

		chainMock := newMockChain()
		w := testWallet(t, chainMock)

		funding := addFunding(t, w, 1e6)
		inputs := append([]wire.OutPoint{}, funding...)
		inputs = append(inputs, foreignOp)

		rec := addOriginal(t, w, inputs, 1490000, 5000, signedOpts)

		_, res, errs := w.CreateRateBumpTransaction(
			&rec.Hash, nil, false,
		)
		require.Equal(t, ResultMiscError, res)
		require.NotEmpty(t, errs)
		require.Contains(t, errs[0], "previous output")
	})
}

func TestCommitBumpedTransaction(t *testing.T) {
	t.Parallel()

	chainMock := newMockChain()
	w := testWallet(t, chainMock)

	funding := addFunding(t, w, 1e6)
	rec := addOriginal(t, w, funding, 950000, 45000, signedOpts)

	details, res, errs := w.CreateRateBumpTransaction(&rec.Hash, nil, true)
	require.Equal(t, ResultOK, res)
	require.Empty(t, errs)

	newHash, res, warnings := w.CommitBumpedTransaction(
		&rec.Hash, details.Tx,
	)
	require.Equal(t, ResultOK, res)
	require.Empty(t, warnings)
	require.Equal(t, details.Tx.TxHash(), *newHash)
	require.Len(t, chainMock.sent, 1)

	// The replacement record carries the forward link, the original the
	// backward link.
	newRec, err := w.fetchTxRecord(newHash)
	require.NoError(t, err)
	require.Equal(
		t, rec.Hash.String(),
		newRec.Metadata[wtxmgr.MetaReplacesTxID],
	)

	origRec, err := w.fetchTxRecord(&rec.Hash)
	require.NoError(t, err)
	require.Equal(
		t, newHash.String(),
		origRec.Metadata[wtxmgr.MetaReplacedByTxID],
	)

	// The replacement's change output was recognized and credited.
	credit, err := w.creditFor(wire.OutPoint{Hash: *newHash, Index: 1})
	require.NoError(t, err)
	require.NotNil(t, credit)
	require.True(t, credit.Change)

	// A second bump of the original is refused after the commit.
	_, res, errs = w.CreateRateBumpTransaction(&rec.Hash, nil, true)
	require.Equal(t, ResultWalletError, res)
	require.NotEmpty(t, errs)
	require.Contains(t, errs[0], "already bumped")

	require.False(t, w.TransactionCanBeBumped(&rec.Hash))
}

func TestCommitRecheckAfterConfirmation(t *testing.T) {
	t.Parallel()

	chainMock := newMockChain()
	w := testWallet(t, chainMock)

	funding := addFunding(t, w, 1e6)
	rec := addOriginal(t, w, funding, 950000, 45000, signedOpts)

	details, res, _ := w.CreateRateBumpTransaction(&rec.Hash, nil, true)
	require.Equal(t, ResultOK, res)

	// The original confirms between build and commit.
	setHeight(t, w, &rec.Hash, 60)

	_, res, errs := w.CommitBumpedTransaction(&rec.Hash, details.Tx)
	require.Equal(t, ResultWalletError, res)
	require.NotEmpty(t, errs)
	require.Empty(t, chainMock.sent)
}

func TestTotalBump(t *testing.T) {
	t.Parallel()

	// All subtests share the same original shape: one 1e6 input, a
	// recipient output, and a 5000 sat change output with a dust
	// threshold of 546.
	setup := func(t *testing.T) (*Wallet, *wtxmgr.TxRecord) {
		chainMock := newMockChain()
		w := testWallet(t, chainMock)
		funding := addFunding(t, w, 1e6)
		rec := addOriginal(t, w, funding, 985000, 5000, signedOpts)
		return w, rec
	}
	const oldFee = 1e6 - 985000 - 5000

	t.Run("change shrunk in place", func(t *testing.T) {
		t.Parallel()
		w, rec := setup(t)

		details, res, errs := w.CreateTotalBumpTransaction(
			&rec.Hash, oldFee+2000, nil,
		)
		require.Equal(t, ResultOK, res)
		require.Empty(t, errs)
		require.Equal(t, btcAmount(oldFee), details.OldFee)
		require.Equal(t, btcAmount(oldFee+2000), details.NewFee)
		require.Len(t, details.Tx.TxOut, 2)
		require.Equal(t, int64(3000), details.Tx.TxOut[1].Value)
		require.Equal(t, int64(985000), details.Tx.TxOut[0].Value)
	})

	t.Run("dust change folded into fee", func(t *testing.T) {
		t.Parallel()
		w, rec := setup(t)

		// Shrinking by 4500 leaves 500, below the 546 dust threshold,
		// so the output is dropped and its value joins the fee.
		details, res, errs := w.CreateTotalBumpTransaction(
			&rec.Hash, oldFee+4500, nil,
		)
		require.Equal(t, ResultOK, res)
		require.Empty(t, errs)
		require.Equal(t, btcAmount(oldFee+4500+500), details.NewFee)
		require.Len(t, details.Tx.TxOut, 1)
		require.Equal(t, int64(985000), details.Tx.TxOut[0].Value)
	})

	t.Run("change too small to bump", func(t *testing.T) {
		t.Parallel()
		w, rec := setup(t)

		_, res, errs := w.CreateTotalBumpTransaction(
			&rec.Hash, oldFee+5500, nil,
		)
		require.Equal(t, ResultWalletError, res)
		require.NotEmpty(t, errs)
		require.Contains(t, errs[0], "too small")
	})

	t.Run("derived fee from estimation", func(t *testing.T) {
		t.Parallel()
		w, rec := setup(t)

		maxVSize, err := w.maxSignedTxVSize(rec.MsgTx.Copy(), nil)
		require.NoError(t, err)
		wantFee := w.estimateBumpFeeRate(
			oldFee, txVSize(&rec.MsgTx), 0,
		).FeeFor(maxVSize)

		details, res, errs := w.CreateTotalBumpTransaction(
			&rec.Hash, 0, nil,
		)
		require.Equal(t, ResultOK, res)
		require.Empty(t, errs)
		require.Equal(t, wantFee, details.NewFee)
	})

	t.Run("signaling disabled raises sequences", func(t *testing.T) {
		t.Parallel()
		w, rec := setup(t)

		cc := &CoinControl{SignalRBF: fn.Some(false)}
		details, res, _ := w.CreateTotalBumpTransaction(
			&rec.Hash, oldFee+2000, cc,
		)
		require.Equal(t, ResultOK, res)
		for _, txIn := range details.Tx.TxIn {
			require.Equal(
				t, wire.MaxTxInSequenceNum-1, txIn.Sequence,
			)
		}
	})

	t.Run("no change output", func(t *testing.T) {
		t.Parallel()
		chainMock := newMockChain()
		w := testWallet(t, chainMock)
		funding := addFunding(t, w, 1e6)
		rec := addOriginal(t, w, funding, 990000, 0, originalTxOpts{
			sigScriptLen: 107,
			noChange:     true,
		})

		_, res, errs := w.CreateTotalBumpTransaction(
			&rec.Hash, 12000, nil,
		)
		require.Equal(t, ResultWalletError, res)
		require.NotEmpty(t, errs)
		require.Contains(t, errs[0], "change output")
	})

	t.Run("multiple change outputs", func(t *testing.T) {
		t.Parallel()
		chainMock := newMockChain()
		w := testWallet(t, chainMock)
		funding := addFunding(t, w, 1e6)
		rec := addOriginal(t, w, funding, 980000, 5000, originalTxOpts{
			sigScriptLen: 107,
			extraChange:  5000,
		})

		_, res, errs := w.CreateTotalBumpTransaction(
			&rec.Hash, 20000, nil,
		)
		require.Equal(t, ResultWalletError, res)
		require.NotEmpty(t, errs)
		require.Contains(t, errs[0], "multiple change outputs")
	})
}

func TestDustThreshold(t *testing.T) {
	t.Parallel()

	// The canonical legacy and segwit dust values at 3000 sat/kvB.
	require.Equal(
		t, btcAmount(546), dustThreshold(p2pkhScript(0x01), 3000),
	)
	require.Equal(
		t, btcAmount(294), dustThreshold(p2wpkhScript(0x01), 3000),
	)
}
