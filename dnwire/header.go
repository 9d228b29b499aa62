package dnwire

import (
	"bytes"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// HeaderSize is the size of a serialized Bitcoin block header.
	HeaderSize = wire.MaxBlockHeaderPayload

	// MaxHeadersPerBatch is the largest number of headers a block-dn
	// server returns for a single /headers request.
	MaxHeadersPerBatch = 100_000
)

// BlockHeader is a Bitcoin block header together with the height it claims to
// sit at and the hash it claims to have.
type BlockHeader struct {
	wire.BlockHeader

	// Height is the height of the header within its chain.
	Height uint32

	// Hash is the claimed hash of the header. Consumers must not trust it
	// without recomputing it from the header fields.
	Hash chainhash.Hash
}

// NewBlockHeader wraps a wire header, computing its hash.
func NewBlockHeader(height uint32, header *wire.BlockHeader) BlockHeader {
	return BlockHeader{
		BlockHeader: *header,
		Height:      height,
		Hash:        header.BlockHash(),
	}
}

// String returns a short human readable identifier for the header.
func (h *BlockHeader) String() string {
	return fmt.Sprintf("%v@%d", h.Hash, h.Height)
}

// DecodeHeaders decodes a /headers response: a concatenation of 80-byte
// headers, the first of which sits at startHeight.
func DecodeHeaders(startHeight uint32, b []byte) ([]BlockHeader, error) {
	if len(b)%HeaderSize != 0 {
		return nil, truncated("headers")
	}

	n := len(b) / HeaderSize
	if n > MaxHeadersPerBatch {
		return nil, invalidField("headers", "count %d exceeds "+
			"maximum %d", n, MaxHeadersPerBatch)
	}

	if n > 0 && uint64(startHeight)+uint64(n-1) > math.MaxUint32 {
		return nil, invalidField("headers", "height overflows at "+
			"start %d count %d", startHeight, n)
	}

	headers := make([]BlockHeader, 0, n)
	r := bytes.NewReader(b)
	for i := 0; i < n; i++ {
		var header wire.BlockHeader
		if err := header.Deserialize(r); err != nil {
			return nil, classify("header", err)
		}

		headers = append(
			headers, NewBlockHeader(startHeight+uint32(i), &header),
		)
	}

	return headers, nil
}

// EncodeHeaders serializes headers in the /headers response format.
func EncodeHeaders(headers []BlockHeader) ([]byte, error) {
	if len(headers) > MaxHeadersPerBatch {
		return nil, fmt.Errorf("%d headers exceeds maximum %d",
			len(headers), MaxHeadersPerBatch)
	}

	var buf bytes.Buffer
	buf.Grow(len(headers) * HeaderSize)
	for i := range headers {
		if err := headers[i].BlockHeader.Serialize(&buf); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
