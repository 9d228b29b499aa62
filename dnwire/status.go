package dnwire

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ServerStatus is the JSON document served by /status.
type ServerStatus struct {
	ChainGenesisHash      string `json:"chain_genesis_hash"`
	ChainName             string `json:"chain_name"`
	BestBlockHeight       uint32 `json:"best_block_height"`
	BestBlockHash         string `json:"best_block_hash"`
	BestFilterHeader      string `json:"best_filter_header"`
	BestFilterHeight      uint32 `json:"best_filter_height"`
	BestSPTweakHeight     uint32 `json:"best_sptweak_height"`
	AllFilesSynced        bool   `json:"all_files_synced"`
	EntriesPerHeaderFile  uint32 `json:"entries_per_header_file"`
	EntriesPerFilterFile  uint32 `json:"entries_per_filter_file"`
	EntriesPerSPTweakFile uint32 `json:"entries_per_sptweak_file"`
}

// DecodeStatus parses a /status response.
func DecodeStatus(b []byte) (*ServerStatus, error) {
	var status ServerStatus
	if err := json.Unmarshal(b, &status); err != nil {
		return nil, &DecodeError{
			Kind: InvalidField, Field: "status", Err: err,
		}
	}

	return &status, nil
}

// GenesisHash parses the genesis hash the server claims to serve.
func (s *ServerStatus) GenesisHash() (chainhash.Hash, error) {
	return parseHash("chain_genesis_hash", s.ChainGenesisHash)
}

// BestBlock parses the hash of the server's best block.
func (s *ServerStatus) BestBlock() (chainhash.Hash, error) {
	return parseHash("best_block_hash", s.BestBlockHash)
}

// FilterHeader parses the BIP-157 filter header at BestFilterHeight. The
// second return value is false if the server did not report one.
func (s *ServerStatus) FilterHeader() (chainhash.Hash, bool, error) {
	if s.BestFilterHeader == "" {
		return chainhash.Hash{}, false, nil
	}

	h, err := parseHash("best_filter_header", s.BestFilterHeader)
	if err != nil {
		return chainhash.Hash{}, false, err
	}

	return h, true, nil
}

func parseHash(field, s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, &DecodeError{
			Kind: InvalidField, Field: field,
			Err: fmt.Errorf("%q: %w", s, err),
		}
	}

	if len(s) != chainhash.MaxHashStringSize {
		return chainhash.Hash{}, invalidField(field,
			"%q is not a full hash", s)
	}

	return *h, nil
}
