// Package testchain mines small regtest chains for tests.
package testchain

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/blockdn/dnwire"
)

// Params are the network parameters every helper mines for. The regtest
// proof of work limit makes a nonce search take a couple of tries.
var Params = &chaincfg.RegressionNetParams

// baseTime is the timestamp of a header at height zero.
const baseTime = 1_600_000_000

// Solve searches for a nonce that satisfies the header's target.
func Solve(t testing.TB, header *wire.BlockHeader) {
	t.Helper()

	target := blockchain.CompactToBig(header.Bits)
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}

		if nonce == ^uint32(0) {
			t.Fatalf("no nonce for header at %v", header.Timestamp)
		}
	}
}

// Headers mines n headers on top of prev, the first at height. Different
// salts produce different branches from the same parent.
func Headers(t testing.TB, prev chainhash.Hash, height uint32, n int,
	salt uint32) []dnwire.BlockHeader {

	t.Helper()

	headers := make([]dnwire.BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		var merkle chainhash.Hash
		merkle[0] = byte(salt)
		merkle[1] = byte(salt >> 8)

		header := &wire.BlockHeader{
			Version:    4,
			PrevBlock:  prev,
			MerkleRoot: merkle,
			Timestamp:  timeAt(height+uint32(i), salt),
			Bits:       Params.PowLimitBits,
		}
		Solve(t, header)

		h := dnwire.NewBlockHeader(height+uint32(i), header)
		headers = append(headers, h)
		prev = h.Hash
	}

	return headers
}

// Block mines a block holding txs on top of prev at height. A coinbase
// committing to the salt is prepended so every block has a valid merkle root
// and blocks of different branches differ.
func Block(t testing.TB, prev chainhash.Hash, height, salt uint32,
	txs ...*wire.MsgTx) (*wire.MsgBlock, dnwire.BlockHeader) {

	t.Helper()

	coinbase := wire.NewMsgTx(2)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript: []byte{
			0x06, byte(height), byte(height >> 8),
			byte(height >> 16), byte(height >> 24),
			byte(salt), byte(salt >> 8),
		},
		Sequence: wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin, []byte{
		0x51,
	}))

	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   4,
		PrevBlock: prev,
		Timestamp: timeAt(height, salt),
		Bits:      Params.PowLimitBits,
	})
	block.AddTransaction(coinbase)
	for _, tx := range txs {
		block.AddTransaction(tx)
	}

	utilTxs := make([]*btcutil.Tx, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		utilTxs = append(utilTxs, btcutil.NewTx(tx))
	}
	block.Header.MerkleRoot = blockchain.CalcMerkleRoot(utilTxs, false)
	Solve(t, &block.Header)

	return block, dnwire.NewBlockHeader(height, &block.Header)
}

func timeAt(height, salt uint32) time.Time {
	return time.Unix(baseTime+int64(height)*600+int64(salt), 0)
}
