package dnwire

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxFiltersPerBatch is the largest number of filters a block-dn server
	// returns for a single /filters request.
	MaxFiltersPerBatch = 2_000

	// MaxFilterSize bounds the size of a single serialized filter. A basic
	// filter can never be larger than the block it commits to.
	MaxFilterSize = wire.MaxBlockPayload

	// minFilterEntrySize is height + block hash + an empty length prefix.
	minFilterEntrySize = 4 + chainhash.HashSize + minVarIntSize
)

// CompactFilter is the BIP-158 basic filter of the block at Height.
type CompactFilter struct {
	// Height is the height of the block the filter commits to.
	Height uint32

	// BlockHash is the hash of the block the filter commits to.
	BlockHash chainhash.Hash

	// Data is the serialized filter: the element count as a CompactSize
	// followed by the Golomb-Rice coded set.
	Data []byte
}

// DecodeFilters decodes a /filters response.
func DecodeFilters(b []byte) ([]CompactFilter, error) {
	body, err := splitChecksum(b)
	if err != nil {
		return nil, err
	}

	r := newBatchReader(body)
	n, err := r.count("filters", MaxFiltersPerBatch, minFilterEntrySize)
	if err != nil {
		return nil, err
	}

	filters := make([]CompactFilter, 0, n)
	for i := 0; i < n; i++ {
		var f CompactFilter
		if f.Height, err = r.uint32("filter height"); err != nil {
			return nil, err
		}

		if i > 0 {
			err := checkConsecutive(
				"filter height", filters[i-1].Height, f.Height,
			)
			if err != nil {
				return nil, err
			}
		}

		if f.BlockHash, err = r.hash("filter block hash"); err != nil {
			return nil, err
		}

		f.Data, err = r.bytes("filter data", MaxFilterSize)
		if err != nil {
			return nil, err
		}

		filters = append(filters, f)
	}

	if err := r.finish(); err != nil {
		return nil, err
	}

	return filters, nil
}

// EncodeFilters serializes filters in the /filters response format.
func EncodeFilters(filters []CompactFilter) ([]byte, error) {
	if len(filters) > MaxFiltersPerBatch {
		return nil, fmt.Errorf("%d filters exceeds maximum %d",
			len(filters), MaxFiltersPerBatch)
	}

	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(filters))); err != nil {
		return nil, err
	}

	for _, f := range filters {
		putUint32(&buf, f.Height)
		buf.Write(f.BlockHash[:])

		err := wire.WriteVarBytes(&buf, 0, f.Data)
		if err != nil {
			return nil, err
		}
	}

	return appendChecksum(&buf), nil
}
