// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// bumpfee builds and optionally commits replace-by-fee replacements for
// unconfirmed wallet transactions.  The replacement is printed as raw hex
// and as a PSBT for external signing; a signed replacement can be committed
// with -commit.
package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/cypherstack/particl-core/chain"
	"github.com/cypherstack/particl-core/wallet"
	"github.com/cypherstack/particl-core/wallet/feerate"
)

const defaultNet = "mainnet"

var datadir = btcutil.AppDataDir("particlwallet", false)

// Flags.
var opts = struct {
	DbPath     string `long:"db" description:"Path to wallet database"`
	Network    string `long:"network" description:"Network name (mainnet, testnet, regtest)"`
	RPCConnect string `long:"rpcconnect" description:"Full node RPC host:port"`
	RPCUser    string `long:"rpcuser" description:"Full node RPC username"`
	RPCPass    string `long:"rpcpass" description:"Full node RPC password"`
	TxID       string `long:"txid" required:"true" description:"Transaction to bump"`
	FeeRate    int64  `long:"feerate" description:"Explicit fee rate in sat/kvB"`
	ConfTarget int64  `long:"conftarget" description:"Confirmation target in blocks"`
	TotalFee   int64  `long:"totalfee" description:"Bump by shrinking the change output toward this absolute fee"`
	Commit     bool   `long:"commit" description:"Broadcast the signed replacement given with -signedtx or -psbt"`
	SignedTx   string `long:"signedtx" description:"Hex of the signed replacement to commit"`
	Psbt       string `long:"psbt" description:"Base64 of the signed replacement PSBT to commit"`
	Debug      bool   `short:"d" long:"debug" description:"Print wallet debug logging"`
}{
	Network:    defaultNet,
	RPCConnect: "localhost:8332",
}

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
	if opts.DbPath == "" {
		opts.DbPath = filepath.Join(
			datadir, opts.Network, "wallet.db",
		)
	}
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", name)
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	params, err := networkParams(opts.Network)
	if err != nil {
		fmt.Println(err)
		return 1
	}

	txHash, err := chainhash.NewHashFromStr(opts.TxID)
	if err != nil {
		fmt.Println("Invalid transaction id:", err)
		return 1
	}

	if opts.Debug {
		backend := btclog.NewBackend(os.Stderr)
		logger := backend.Logger("BMPF")
		logger.SetLevel(btclog.LevelDebug)
		wallet.UseLogger(logger)
		chain.UseLogger(logger)
	}

	db, err := walletdb.Open("bdb", opts.DbPath, true, 60*time.Second, false)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer db.Close()

	rpc, err := chain.NewRPCClient(&rpcclient.ConnConfig{
		Host:         opts.RPCConnect,
		User:         opts.RPCUser,
		Pass:         opts.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	})
	if err != nil {
		fmt.Println("Failed to connect to full node:", err)
		return 1
	}
	defer rpc.Shutdown()

	w, err := wallet.New(&wallet.Config{
		DB:          db,
		Chain:       rpc,
		ChainParams: params,
	})
	if err != nil {
		fmt.Println("Failed to open wallet:", err)
		return 1
	}

	if opts.Commit {
		return commit(w, txHash)
	}
	return build(w, txHash)
}

func build(w *wallet.Wallet, txHash *chainhash.Hash) int {
	cc := &wallet.CoinControl{ConfTarget: opts.ConfTarget}
	if opts.FeeRate > 0 {
		cc.FeeRate = fn.Some(feerate.SatPerKVByte(opts.FeeRate))
	}

	var (
		details *wallet.BumpDetails
		res     wallet.Result
		errs    []string
	)
	if opts.TotalFee > 0 {
		details, res, errs = w.CreateTotalBumpTransaction(
			txHash, btcutil.Amount(opts.TotalFee), cc,
		)
	} else {
		details, res, errs = w.CreateRateBumpTransaction(
			txHash, cc, true,
		)
	}
	if res != wallet.ResultOK {
		fmt.Println("Bump failed:", res)
		for _, e := range errs {
			fmt.Println(" ", e)
		}
		return 1
	}

	var buf bytes.Buffer
	if err := details.Tx.Serialize(&buf); err != nil {
		fmt.Println("Failed to serialize transaction:", err)
		return 1
	}

	packet, err := wallet.NewUnsignedPacket(details)
	if err != nil {
		fmt.Println("Failed to package PSBT:", err)
		return 1
	}
	b64, err := packet.B64Encode()
	if err != nil {
		fmt.Println("Failed to encode PSBT:", err)
		return 1
	}

	fmt.Println("Old fee:", details.OldFee)
	fmt.Println("New fee:", details.NewFee)
	fmt.Println("Replacement (sign before committing):")
	fmt.Println(hex.EncodeToString(buf.Bytes()))
	fmt.Println("PSBT:")
	fmt.Println(b64)
	return 0
}

func commit(w *wallet.Wallet, txHash *chainhash.Hash) int {
	var tx *wire.MsgTx
	switch {
	case opts.SignedTx != "":
		raw, err := hex.DecodeString(opts.SignedTx)
		if err != nil {
			fmt.Println("Invalid transaction hex:", err)
			return 1
		}
		tx = wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			fmt.Println("Invalid transaction:", err)
			return 1
		}

	case opts.Psbt != "":
		packet, err := psbt.NewFromRawBytes(
			strings.NewReader(opts.Psbt), true,
		)
		if err != nil {
			fmt.Println("Invalid PSBT:", err)
			return 1
		}
		tx, err = wallet.ExtractSignedPacket(packet)
		if err != nil {
			fmt.Println("Failed to finalize PSBT:", err)
			return 1
		}

	default:
		fmt.Println("-commit requires -signedtx or -psbt")
		return 1
	}

	newHash, res, warnings := w.CommitBumpedTransaction(txHash, tx)
	if res != wallet.ResultOK {
		fmt.Println("Commit failed:", res)
		for _, e := range warnings {
			fmt.Println(" ", e)
		}
		return 1
	}

	fmt.Println("Broadcast replacement:", newHash)
	for _, warning := range warnings {
		fmt.Println("Warning:", warning)
	}
	return 0
}
