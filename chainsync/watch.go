package chainsync

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/blockdn/silentpayments"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// WatchSet is what a wallet wants to find in the chain.
type WatchSet struct {
	// Scripts are output scripts to look for.
	Scripts [][]byte

	// Keys, if set, are silent payment keys to scan for.
	Keys *silentpayments.Keys
}

// MatchedOutput is an output of a block that belongs to a watch set.
type MatchedOutput struct {
	Height    uint32
	BlockHash chainhash.Hash
	OutPoint  wire.OutPoint
	Value     btcutil.Amount
	PkScript  []byte

	// SilentPayment is set for outputs found through the watch set's
	// silent payment keys.
	SilentPayment fn.Option[silentpayments.MatchedOutput]
}

// cachedBlock is a downloaded block held by the block cache.
type cachedBlock struct {
	block *btcutil.Block
}

// Size returns the serialized size of the block.
func (c *cachedBlock) Size() (uint64, error) {
	return uint64(c.block.MsgBlock().SerializeSize()), nil
}

// MatchesForWatchSet returns the outputs of the block at height that belong
// to the watch set. The block's filter is checked first, together with the
// candidate output scripts for the silent payment keys. Only if it matches is
// the block downloaded and checked against the header chain.
func (e *Engine) MatchesForWatchSet(ctx context.Context, height uint32,
	ws WatchSet) ([]MatchedOutput, error) {

	header, err := e.chain.HeaderAt(height)
	if err != nil {
		return nil, err
	}

	query := ws.Scripts

	var (
		scanner *silentpayments.Scanner
		batch   *dnwire.TweakBatch
	)
	if ws.Keys != nil {
		scanner, err = silentpayments.NewScanner(ws.Keys)
		if err != nil {
			return nil, err
		}

		batch, err = e.tweaks.Batch(height)
		if err != nil {
			return nil, err
		}

		candidates := scanner.CandidateScripts(batch)
		query = make([][]byte, 0, len(ws.Scripts)+len(candidates))
		query = append(query, ws.Scripts...)
		query = append(query, candidates...)
	}

	if len(query) == 0 {
		return nil, nil
	}

	ok, err := e.filters.Matches(height, query)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	block, err := e.block(ctx, header)
	if err != nil {
		return nil, err
	}

	matches := matchScripts(block, height, ws.Scripts)

	if scanner != nil {
		for _, m := range scanner.Scan(batch).Matches {
			if err := checkOutput(block, &m); err != nil {
				return nil, invalid(StreamBlocks, HeightRange{
					Start: height,
					End:   height,
				}, err)
			}

			matches = append(matches, MatchedOutput{
				Height:        m.Height,
				BlockHash:     m.BlockHash,
				OutPoint:      m.OutPoint,
				Value:         m.Value,
				PkScript:      m.PkScript,
				SilentPayment: fn.Some(m),
			})
		}
	}

	log.Debugf("Block %v@%d has %d watched outputs", header.Hash, height,
		len(matches))

	return matches, nil
}

// block returns the block of an active header, downloading it if needed.
func (e *Engine) block(ctx context.Context,
	header *dnwire.BlockHeader) (*btcutil.Block, error) {

	if cached, err := e.blocks.Get(header.Hash); err == nil {
		return cached.block, nil
	}

	fetch := func(ctx context.Context, _ uint32) ([]*wire.MsgBlock,
		error) {

		b, err := e.cfg.Fetcher.Block(ctx, header.Hash)
		if err != nil {
			return nil, err
		}

		block, err := dnwire.DecodeBlock(b)
		if err != nil {
			return nil, err
		}

		return []*wire.MsgBlock{block}, nil
	}

	items, err := retry[*wire.MsgBlock](
		ctx, e, StreamBlocks, header.Height, 1, fetch,
	)
	if err != nil {
		return nil, err
	}

	block := btcutil.NewBlock(items[0])
	block.SetHeight(int32(header.Height))

	if err := checkBlock(block, header); err != nil {
		return nil, invalid(StreamBlocks, HeightRange{
			Start: header.Height,
			End:   header.Height,
		}, err)
	}

	_, err = e.blocks.Put(header.Hash, &cachedBlock{block: block})
	if err != nil {
		log.Debugf("Unable to cache block %v: %v", header.Hash, err)
	}

	return block, nil
}

// checkBlock makes sure a downloaded block is the one committed to by the
// header and that its transactions are the ones the merkle root commits to.
func checkBlock(block *btcutil.Block, header *dnwire.BlockHeader) error {
	if hash := block.Hash(); *hash != header.Hash {
		return fmt.Errorf("%w: got block %v for header %v",
			ErrBlockMismatch, hash, header.Hash)
	}

	root := blockchain.CalcMerkleRoot(block.Transactions(), false)
	if root != block.MsgBlock().Header.MerkleRoot {
		return fmt.Errorf("%w: block %v merkle root is %v, header "+
			"commits to %v", ErrBlockMismatch, header.Hash, root,
			block.MsgBlock().Header.MerkleRoot)
	}

	return nil
}

// matchScripts returns every output of the block paying to one of scripts.
func matchScripts(block *btcutil.Block, height uint32,
	scripts [][]byte) []MatchedOutput {

	if len(scripts) == 0 {
		return nil
	}

	watched := make(map[string]struct{}, len(scripts))
	for _, script := range scripts {
		watched[string(script)] = struct{}{}
	}

	var matches []MatchedOutput
	for _, tx := range block.Transactions() {
		for i, out := range tx.MsgTx().TxOut {
			if _, ok := watched[string(out.PkScript)]; !ok {
				continue
			}

			matches = append(matches, MatchedOutput{
				Height:    height,
				BlockHash: *block.Hash(),
				OutPoint: wire.OutPoint{
					Hash:  *tx.Hash(),
					Index: uint32(i),
				},
				Value:    btcutil.Amount(out.Value),
				PkScript: out.PkScript,
			})
		}
	}

	return matches
}

// checkOutput makes sure a silent payment found in the tweak data exists in
// the block as reported.
func checkOutput(block *btcutil.Block,
	m *silentpayments.MatchedOutput) error {

	for _, tx := range block.Transactions() {
		if *tx.Hash() != m.OutPoint.Hash {
			continue
		}

		outs := tx.MsgTx().TxOut
		if m.OutPoint.Index >= uint32(len(outs)) {
			break
		}

		out := outs[m.OutPoint.Index]
		if !bytes.Equal(out.PkScript, m.PkScript) ||
			btcutil.Amount(out.Value) != m.Value {

			break
		}

		return nil
	}

	return fmt.Errorf("%w: tweak data output %v not in block %v",
		ErrBlockMismatch, m.OutPoint, block.Hash())
}

