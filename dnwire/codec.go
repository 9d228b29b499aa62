// Package dnwire implements the binary formats served by a block-dn server:
// raw block headers, batches of BIP-158 compact filters and batches of
// BIP-352 tweak data. All decoders are pure functions over byte slices.
package dnwire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// checksumSize is the number of trailing bytes committing to a batch.
	checksumSize = 4

	// minVarIntSize is the smallest encoding of a CompactSize integer.
	minVarIntSize = 1
)

// batchReader wraps a bytes.Reader so every read is bounds checked against
// the remaining buffer before anything is allocated.
type batchReader struct {
	r *bytes.Reader
}

func newBatchReader(b []byte) *batchReader {
	return &batchReader{r: bytes.NewReader(b)}
}

// remaining returns the number of unread bytes.
func (b *batchReader) remaining() int {
	return b.r.Len()
}

// count reads a CompactSize element count and makes sure that count elements
// of at least minSize bytes each can still fit in the buffer, and that the
// count does not exceed max.
func (b *batchReader) count(field string, max uint64,
	minSize int) (int, error) {

	n, err := wire.ReadVarInt(b.r, 0)
	if err != nil {
		return 0, classify(field, err)
	}

	if n > max {
		return 0, invalidField(field, "count %d exceeds maximum %d",
			n, max)
	}

	if n*uint64(minSize) > uint64(b.remaining()) {
		return 0, truncated(field)
	}

	return int(n), nil
}

// bytes reads a CompactSize length prefixed byte string of at most max
// bytes.
func (b *batchReader) bytes(field string, max uint64) ([]byte, error) {
	n, err := wire.ReadVarInt(b.r, 0)
	if err != nil {
		return nil, classify(field, err)
	}

	if n > max {
		return nil, invalidField(field, "length %d exceeds maximum %d",
			n, max)
	}

	if n > uint64(b.remaining()) {
		return nil, truncated(field)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(b.r, buf); err != nil {
		return nil, classify(field, err)
	}

	return buf, nil
}

// fixed fills dst completely or fails with a truncation error.
func (b *batchReader) fixed(field string, dst []byte) error {
	if len(dst) > b.remaining() {
		return truncated(field)
	}

	if _, err := io.ReadFull(b.r, dst); err != nil {
		return classify(field, err)
	}

	return nil
}

func (b *batchReader) uint32(field string) (uint32, error) {
	var scratch [4]byte
	if err := b.fixed(field, scratch[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(scratch[:]), nil
}

func (b *batchReader) uint64(field string) (uint64, error) {
	var scratch [8]byte
	if err := b.fixed(field, scratch[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(scratch[:]), nil
}

func (b *batchReader) hash(field string) (chainhash.Hash, error) {
	var h chainhash.Hash
	err := b.fixed(field, h[:])

	return h, err
}

// finish fails if any bytes are left unread.
func (b *batchReader) finish() error {
	if b.remaining() != 0 {
		return invalidField("batch", "%d trailing bytes", b.remaining())
	}

	return nil
}

// splitChecksum verifies the trailing checksum of a batch and returns the
// body it commits to.
func splitChecksum(b []byte) ([]byte, error) {
	if len(b) < minVarIntSize+checksumSize {
		return nil, truncated("checksum")
	}

	body := b[:len(b)-checksumSize]
	sum := chainhash.DoubleHashB(body)
	if !bytes.Equal(sum[:checksumSize], b[len(b)-checksumSize:]) {
		return nil, &DecodeError{Kind: ChecksumMismatch, Field: "batch"}
	}

	return body, nil
}

// appendChecksum appends the batch checksum of the buffer's contents.
func appendChecksum(buf *bytes.Buffer) []byte {
	sum := chainhash.DoubleHashB(buf.Bytes())
	buf.Write(sum[:checksumSize])

	return buf.Bytes()
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], v)
	buf.Write(scratch[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], v)
	buf.Write(scratch[:])
}

// checkConsecutive makes sure height follows prev within a batch.
func checkConsecutive(field string, prev, height uint32) error {
	if height != prev+1 {
		return invalidField(field, "height %d does not follow %d",
			height, prev)
	}

	return nil
}
