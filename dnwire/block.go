package dnwire

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
)

// DecodeBlock decodes a full block as served by /block/<hash>. Trailing
// bytes after the last transaction are rejected.
func DecodeBlock(b []byte) (*wire.MsgBlock, error) {
	if len(b) > wire.MaxBlockPayload {
		return nil, invalidField("block", "size %d exceeds maximum %d",
			len(b), wire.MaxBlockPayload)
	}

	var block wire.MsgBlock
	r := bytes.NewReader(b)
	if err := block.Deserialize(r); err != nil {
		return nil, classify("block", err)
	}

	if r.Len() != 0 {
		return nil, invalidField("block", "%d trailing bytes", r.Len())
	}

	return &block, nil
}

// EncodeBlock serializes a block in the /block response format.
func EncodeBlock(block *wire.MsgBlock) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(block.SerializeSize())
	if err := block.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
