package dnwire

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxTweakBatchesPerResponse is the largest number of per-block tweak
	// batches a block-dn server returns for a single /sp/tweak-data
	// request.
	MaxTweakBatchesPerResponse = 2_000

	// TweakSize is the size of a compressed tweak point.
	TweakSize = 33

	// XOnlyKeySize is the size of a BIP-340 x-only public key.
	XOnlyKeySize = 32

	// maxTweakEntriesPerBlock bounds the transactions of a block that can
	// carry tweak data: every one needs at least one 60 byte input.
	maxTweakEntriesPerBlock = wire.MaxBlockPayload / 60

	// maxOutputsPerEntry bounds the taproot outputs of one transaction.
	maxOutputsPerEntry = wire.MaxBlockPayload / 43

	minTweakBatchSize = 4 + chainhash.HashSize + minVarIntSize
	minTweakEntrySize = chainhash.HashSize + TweakSize + minVarIntSize
	taprootOutputSize = 4 + 8 + XOnlyKeySize
)

// TaprootOutput is an unspent taproot output of a transaction carrying tweak
// data. The key is the output key committed to in the witness program.
type TaprootOutput struct {
	// Index is the output index within the transaction.
	Index uint32

	// Value is the output amount.
	Value btcutil.Amount

	// PubKey is the x-only output key.
	PubKey [XOnlyKeySize]byte
}

// TweakEntry is the silent payment data of one eligible transaction.
type TweakEntry struct {
	// TxID is the hash of the transaction.
	TxID chainhash.Hash

	// Tweak is input_hash·A, the sum of the eligible input keys multiplied
	// by the input hash, in compressed form. It is combined with a scan
	// key to form the ECDH shared secret. The point is not validated by
	// the decoder.
	Tweak [TweakSize]byte

	// Outputs are the taproot outputs of the transaction.
	Outputs []TaprootOutput
}

// TweakBatch is the tweak data of every eligible transaction in one block.
type TweakBatch struct {
	// Height is the height of the block.
	Height uint32

	// BlockHash is the hash of the block.
	BlockHash chainhash.Hash

	// Entries lists the eligible transactions in block order.
	Entries []TweakEntry
}

// DecodeTweakBatches decodes a /sp/tweak-data response.
func DecodeTweakBatches(b []byte) ([]TweakBatch, error) {
	body, err := splitChecksum(b)
	if err != nil {
		return nil, err
	}

	r := newBatchReader(body)
	n, err := r.count(
		"tweak batches", MaxTweakBatchesPerResponse, minTweakBatchSize,
	)
	if err != nil {
		return nil, err
	}

	batches := make([]TweakBatch, 0, n)
	for i := 0; i < n; i++ {
		batch, err := decodeTweakBatch(r)
		if err != nil {
			return nil, err
		}

		if i > 0 {
			err := checkConsecutive(
				"tweak height", batches[i-1].Height,
				batch.Height,
			)
			if err != nil {
				return nil, err
			}
		}

		batches = append(batches, *batch)
	}

	if err := r.finish(); err != nil {
		return nil, err
	}

	return batches, nil
}

func decodeTweakBatch(r *batchReader) (*TweakBatch, error) {
	var (
		batch TweakBatch
		err   error
	)
	if batch.Height, err = r.uint32("tweak height"); err != nil {
		return nil, err
	}

	if batch.BlockHash, err = r.hash("tweak block hash"); err != nil {
		return nil, err
	}

	n, err := r.count(
		"tweak entries", maxTweakEntriesPerBlock, minTweakEntrySize,
	)
	if err != nil {
		return nil, err
	}

	batch.Entries = make([]TweakEntry, n)
	for i := range batch.Entries {
		entry := &batch.Entries[i]
		if entry.TxID, err = r.hash("tweak txid"); err != nil {
			return nil, err
		}

		if err := r.fixed("tweak point", entry.Tweak[:]); err != nil {
			return nil, err
		}

		numOutputs, err := r.count(
			"tweak outputs", maxOutputsPerEntry, taprootOutputSize,
		)
		if err != nil {
			return nil, err
		}

		entry.Outputs = make([]TaprootOutput, numOutputs)
		for j := range entry.Outputs {
			out := &entry.Outputs[j]
			out.Index, err = r.uint32("output index")
			if err != nil {
				return nil, err
			}

			value, err := r.uint64("output value")
			if err != nil {
				return nil, err
			}
			if value > btcutil.MaxSatoshi {
				return nil, invalidField("output value",
					"%d exceeds max supply", value)
			}
			out.Value = btcutil.Amount(value)

			err = r.fixed("output key", out.PubKey[:])
			if err != nil {
				return nil, err
			}
		}
	}

	return &batch, nil
}

// EncodeTweakBatches serializes batches in the /sp/tweak-data response
// format.
func EncodeTweakBatches(batches []TweakBatch) ([]byte, error) {
	if len(batches) > MaxTweakBatchesPerResponse {
		return nil, fmt.Errorf("%d tweak batches exceeds maximum %d",
			len(batches), MaxTweakBatchesPerResponse)
	}

	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(batches))); err != nil {
		return nil, err
	}

	for _, batch := range batches {
		putUint32(&buf, batch.Height)
		buf.Write(batch.BlockHash[:])

		err := wire.WriteVarInt(&buf, 0, uint64(len(batch.Entries)))
		if err != nil {
			return nil, err
		}

		for _, entry := range batch.Entries {
			buf.Write(entry.TxID[:])
			buf.Write(entry.Tweak[:])

			err := wire.WriteVarInt(
				&buf, 0, uint64(len(entry.Outputs)),
			)
			if err != nil {
				return nil, err
			}

			for _, out := range entry.Outputs {
				putUint32(&buf, out.Index)
				putUint64(&buf, uint64(out.Value))
				buf.Write(out.PubKey[:])
			}
		}
	}

	return appendChecksum(&buf), nil
}
