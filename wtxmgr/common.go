// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// All serialized multi-byte integers are big endian so that byte-wise
// iteration over keys visits outpoints in a stable order.
var byteOrder = binary.BigEndian

// maxScriptLen bounds variable-length script reads from the database.
const maxScriptLen = 1 << 14

func uint32Bytes(n uint32) []byte {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, n)
	return b
}

func writeUint32(buf *bytes.Buffer, n uint32) {
	var b [4]byte
	byteOrder.PutUint32(b[:], n)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, n uint64) {
	var b [8]byte
	byteOrder.PutUint64(b[:], n)
	buf.Write(b[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	_, err := io.ReadFull(r, b[:])
	if err != nil {
		return 0, storeError(ErrData, "short read of uint32", err)
	}
	return byteOrder.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	_, err := io.ReadFull(r, b[:])
	if err != nil {
		return 0, storeError(ErrData, "short read of uint64", err)
	}
	return byteOrder.Uint64(b[:]), nil
}

// canonicalOutPoint returns the database key of an outpoint: the transaction
// hash followed by the big endian output index.
func canonicalOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	byteOrder.PutUint32(k[32:], op.Index)
	return k
}

// readCanonicalOutPoint is the inverse of canonicalOutPoint.
func readCanonicalOutPoint(k []byte) (wire.OutPoint, error) {
	var op wire.OutPoint
	if len(k) != 36 {
		return op, storeError(ErrData, "bad outpoint key size", nil)
	}
	copy(op.Hash[:], k[:32])
	op.Index = byteOrder.Uint32(k[32:])
	return op, nil
}

// sortedMetaKeys returns metadata keys in lexicographic order so record
// serialization is deterministic.
func sortedMetaKeys(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for key := range meta {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
