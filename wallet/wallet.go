// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/cypherstack/particl-core/chain"
	"github.com/cypherstack/particl-core/wallet/feerate"
	"github.com/cypherstack/particl-core/wtxmgr"
)

const (
	// walletIncrementalRelayFee is the fallback fee rate increment applied
	// on top of the replaced transaction's rate when bumping.  The node's
	// reported incremental relay fee is used instead when it is higher.
	walletIncrementalRelayFee feerate.SatPerKVByte = 5000

	// DefaultMaxTxFee is the default ceiling on the absolute fee of any
	// transaction the wallet will create.
	DefaultMaxTxFee = btcutil.Amount(btcutil.SatoshiPerBitcoin / 10)

	// DefaultFallbackFee is the fee rate used when no estimate is
	// available and no explicit rate was configured.
	DefaultFallbackFee feerate.SatPerKVByte = 20000

	// DefaultDiscardRate bounds the rate used to decide whether a change
	// output is worth keeping.
	DefaultDiscardRate feerate.SatPerKVByte = 10000
)

var (
	// wtxmgrNamespaceKey is the top level bucket holding the transaction
	// store.
	wtxmgrNamespaceKey = []byte("wtxmgr")

	// ErrUnknownTransaction describes a transaction hash with no record in
	// the wallet's transaction store.
	ErrUnknownTransaction = errors.New("transaction not found in wallet")

	// ErrPrivateKeysDisabled is returned from signing operations on a
	// watch-only wallet.
	ErrPrivateKeysDisabled = errors.New("private keys are disabled")
)

// Config contains everything needed to construct a Wallet.
type Config struct {
	// DB is the database the transaction store lives in.
	DB walletdb.DB

	// Chain provides the wallet's view of the network.
	Chain chain.Interface

	// ChainParams identifies the network the wallet operates on.
	ChainParams *chaincfg.Params

	// Secrets supplies private keys and redeem scripts during signing.
	// It may be nil for a watch-only wallet, in which case
	// PrivateKeysDisabled should be set.
	Secrets txauthor.SecretsSource

	// NewChangeScript returns an output script for change produced by the
	// transaction builder.
	NewChangeScript func() ([]byte, error)

	// PrivateKeysDisabled marks the wallet as watch-only.  Watch-only
	// credits are then considered fully owned for bumping purposes.
	PrivateKeysDisabled bool

	// DisableRBF turns off replace-by-fee signaling on transactions the
	// wallet creates.
	DisableRBF bool

	// MaxTxFee is the absolute fee ceiling.  Zero selects
	// DefaultMaxTxFee.
	MaxTxFee btcutil.Amount

	// PayTxFee is an explicit fee rate to use when no confirmation target
	// is given.  Zero means estimate instead.
	PayTxFee feerate.SatPerKVByte

	// FallbackFee is used when fee estimation fails or is unavailable.
	// Zero selects DefaultFallbackFee.
	FallbackFee feerate.SatPerKVByte

	// MinRelayFee is the wallet's own floor on acceptable fee rates.  The
	// node's reported relay fee is used instead when it is higher.
	MinRelayFee feerate.SatPerKVByte

	// DiscardRate is the rate used to decide whether change is dust.
	// Zero selects DefaultDiscardRate.
	DiscardRate feerate.SatPerKVByte
}

// Wallet tracks relevant transactions and can build, sign, and broadcast
// replacements for its own unconfirmed transactions.
type Wallet struct {
	// mu serializes transaction creation so that precondition checks and
	// the construction they guard see a consistent store.
	mu sync.Mutex

	db      walletdb.DB
	txStore *wtxmgr.Store
	chain   chain.Interface

	chainParams *chaincfg.Params

	secrets         txauthor.SecretsSource
	newChangeScript func() ([]byte, error)

	privateKeysDisabled bool
	signalRBF           bool

	maxTxFee    btcutil.Amount
	payTxFee    feerate.SatPerKVByte
	fallbackFee feerate.SatPerKVByte
	minRelayFee feerate.SatPerKVByte
	discardRate feerate.SatPerKVByte
}

// New creates a Wallet from cfg, creating the transaction store in the
// database if it does not yet exist.
func New(cfg *Config) (*Wallet, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("wallet requires a database")
	case cfg.Chain == nil:
		return nil, errors.New("wallet requires a chain backend")
	case cfg.ChainParams == nil:
		return nil, errors.New("wallet requires chain parameters")
	}

	var txStore *wtxmgr.Store
	err := walletdb.Update(cfg.DB, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(wtxmgrNamespaceKey)
		if err != nil {
			return err
		}
		txStore, err = wtxmgr.Open(ns)
		if err != nil && wtxmgr.IsNoExists(err) {
			if err := wtxmgr.Create(ns); err != nil {
				return err
			}
			txStore, err = wtxmgr.Open(ns)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open transaction store: %w",
			err)
	}

	maxTxFee := cfg.MaxTxFee
	if maxTxFee == 0 {
		maxTxFee = DefaultMaxTxFee
	}
	fallbackFee := cfg.FallbackFee
	if fallbackFee == 0 {
		fallbackFee = DefaultFallbackFee
	}
	discardRate := cfg.DiscardRate
	if discardRate == 0 {
		discardRate = DefaultDiscardRate
	}

	return &Wallet{
		db:                  cfg.DB,
		txStore:             txStore,
		chain:               cfg.Chain,
		chainParams:         cfg.ChainParams,
		secrets:             cfg.Secrets,
		newChangeScript:     cfg.NewChangeScript,
		privateKeysDisabled: cfg.PrivateKeysDisabled,
		signalRBF:           !cfg.DisableRBF,
		maxTxFee:            maxTxFee,
		payTxFee:            cfg.PayTxFee,
		fallbackFee:         fallbackFee,
		minRelayFee:         cfg.MinRelayFee,
		discardRate:         discardRate,
	}, nil
}

// ChainParams returns the network parameters the wallet was created with.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.chainParams
}

// TxStore exposes the wallet's transaction store.  Callers use it to record
// transactions and credits the wallet controls.
func (w *Wallet) TxStore() *wtxmgr.Store {
	return w.txStore
}

// Database returns the database backing the wallet.
func (w *Wallet) Database() walletdb.DB {
	return w.db
}

// fetchTxRecord loads the record for txHash, or ErrUnknownTransaction when
// the wallet has never seen it.
func (w *Wallet) fetchTxRecord(txHash *chainhash.Hash) (*wtxmgr.TxRecord,
	error) {

	var rec *wtxmgr.TxRecord
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		var err error
		rec, err = w.txStore.TxDetails(ns, txHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTransaction, txHash)
	}
	return rec, nil
}

// creditFor returns the wallet credit for op, or nil when the output is not
// controlled by the wallet.
func (w *Wallet) creditFor(op wire.OutPoint) (*wtxmgr.Credit, error) {
	var credit *wtxmgr.Credit
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		var err error
		credit, err = w.txStore.GetCredit(ns, op)
		return err
	})
	return credit, err
}

// creditIsMine reports whether a credit counts as fully owned for spending.
// Watch-only credits only count when the wallet itself has no private keys.
func (w *Wallet) creditIsMine(credit *wtxmgr.Credit) bool {
	if credit == nil {
		return false
	}
	return !credit.WatchOnly || w.privateKeysDisabled
}

// allInputsMine reports whether every input of rec spends an output the
// wallet fully owns.
func (w *Wallet) allInputsMine(rec *wtxmgr.TxRecord) (bool, error) {
	for _, txIn := range rec.MsgTx.TxIn {
		credit, err := w.creditFor(txIn.PreviousOutPoint)
		if err != nil {
			return false, err
		}
		if !w.creditIsMine(credit) {
			return false, nil
		}
	}
	return true, nil
}

// debit returns the total value of rec's inputs that spend wallet outputs.
// An error is returned when any input is unknown to the wallet, since the
// true fee cannot be computed in that case.
func (w *Wallet) debit(rec *wtxmgr.TxRecord) (btcutil.Amount, error) {
	var total btcutil.Amount
	for _, txIn := range rec.MsgTx.TxIn {
		credit, err := w.creditFor(txIn.PreviousOutPoint)
		if err != nil {
			return 0, err
		}
		if credit == nil {
			return 0, fmt.Errorf("input %v not known to wallet",
				txIn.PreviousOutPoint)
		}
		total += credit.Amount
	}
	return total, nil
}

// confirmationDepth returns the number of confirmations of rec, 0 for
// unmined transactions, and -1 for conflicted ones.
func (w *Wallet) confirmationDepth(rec *wtxmgr.TxRecord) (int32, error) {
	if rec.Conflicted {
		return -1, nil
	}
	if rec.Height == wtxmgr.HeightUnmined {
		return 0, nil
	}
	_, bestHeight, err := w.chain.BestBlock()
	if err != nil {
		return 0, err
	}
	depth := bestHeight - rec.Height + 1
	if depth < 1 {
		depth = 1
	}
	return depth, nil
}

// signalsOptInRBF reports whether tx is replaceable under the opt-in
// signaling rule, meaning at least one input has a sequence below
// 0xfffffffe.
func signalsOptInRBF(tx *wire.MsgTx) bool {
	for _, txIn := range tx.TxIn {
		if txIn.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}
	return false
}

// requiredFeeRate returns the floor every wallet transaction must pay, the
// higher of the configured relay fee and the rate the node reports.
func (w *Wallet) requiredFeeRate() feerate.SatPerKVByte {
	required := w.minRelayFee
	nodeRelay, err := w.chain.RelayFee()
	if err != nil {
		log.Warnf("Unable to query node relay fee: %v", err)
		return required
	}
	return feerate.Max(required, nodeRelay)
}

// minimumFeeRate resolves the fee rate a newly built transaction should pay
// when no explicit rate was requested.  A confirmation target takes
// precedence, then the configured pay rate, then the fallback rate.  The
// result never drops below the relay floor.
func (w *Wallet) minimumFeeRate(confTarget int64) feerate.SatPerKVByte {
	var rate feerate.SatPerKVByte
	switch {
	case confTarget > 0:
		estimated, err := w.chain.EstimateSmartFee(confTarget)
		if err != nil {
			log.Warnf("Fee estimation for target %d failed, "+
				"using fallback fee: %v", confTarget, err)
			rate = w.fallbackFee
		} else {
			rate = estimated
		}

	case w.payTxFee > 0:
		rate = w.payTxFee

	default:
		rate = w.fallbackFee
	}

	return feerate.Max(rate, w.requiredFeeRate())
}
