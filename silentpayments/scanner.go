// Package silentpayments detects BIP-352 silent payment outputs in the tweak
// data served by a block-dn server.
package silentpayments

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	tagSharedSecret = []byte("BIP0352/SharedSecret")
	tagLabel        = []byte("BIP0352/Label")
)

// Keys are the silent payment keys of a receiver.
type Keys struct {
	// ScanKey is the private scan key b_scan.
	ScanKey *btcec.PrivateKey

	// SpendKey is the public spend key B_spend.
	SpendKey *btcec.PublicKey

	// Labels are the label integers m the receiver hands out. Label 0 is
	// reserved for change by convention.
	Labels []uint32
}

// MatchedOutput is an output that pays to the receiver's keys.
type MatchedOutput struct {
	// Height is the height of the block holding the transaction.
	Height uint32

	// BlockHash is the hash of the block holding the transaction.
	BlockHash chainhash.Hash

	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the output amount.
	Value btcutil.Amount

	// PubKey is the x-only output key.
	PubKey [dnwire.XOnlyKeySize]byte

	// PkScript is the P2TR script of the output.
	PkScript []byte

	// Tweak is the scalar to add to the private spend key to obtain the
	// output's private key: t_k, plus the label tweak for labelled
	// outputs.
	Tweak [32]byte

	// Label is the label the output was sent to, if any.
	Label fn.Option[uint32]
}

// InvalidEntry records a tweak entry that could not be scanned.
type InvalidEntry struct {
	// TxID is the transaction the entry belongs to.
	TxID chainhash.Hash

	// Err wraps ErrInvalidTweak.
	Err error
}

// ScanResult is the outcome of scanning one tweak batch.
type ScanResult struct {
	// Matches are the outputs paying to the receiver, in block order.
	Matches []MatchedOutput

	// Invalid lists the entries that were skipped.
	Invalid []InvalidEntry
}

// label is a precomputed label point.
type label struct {
	m      uint32
	scalar btcec.ModNScalar
	point  btcec.JacobianPoint
}

// Scanner scans tweak batches for one set of keys. Label points are derived
// once when the scanner is created.
type Scanner struct {
	scanKey *btcec.PrivateKey
	spend   btcec.JacobianPoint

	// labels is keyed by the compressed encoding of the label point.
	labels map[[33]byte]*label

	// labelList keeps labels in the order they were configured.
	labelList []*label
}

// NewScanner derives the label points of keys and returns a scanner for
// them.
func NewScanner(keys *Keys) (*Scanner, error) {
	if keys == nil || keys.ScanKey == nil || keys.SpendKey == nil {
		return nil, ErrInvalidKeys
	}

	if keys.ScanKey.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero scan key", ErrInvalidKeys)
	}

	s := &Scanner{
		scanKey: keys.ScanKey,
		labels:  make(map[[33]byte]*label, len(keys.Labels)),
	}
	keys.SpendKey.AsJacobian(&s.spend)

	scanBytes := keys.ScanKey.Key.Bytes()
	for _, m := range keys.Labels {
		var ser [4]byte
		binary.BigEndian.PutUint32(ser[:], m)

		l := &label{m: m}
		hash := chainhash.TaggedHash(tagLabel, scanBytes[:], ser[:])
		if overflow := l.scalar.SetByteSlice(hash[:]); overflow ||
			l.scalar.IsZero() {

			return nil, fmt.Errorf("%w: label %d has no valid "+
				"tweak", ErrInvalidKeys, m)
		}

		btcec.ScalarBaseMultNonConst(&l.scalar, &l.point)
		l.point.ToAffine()

		s.labels[compressed(&l.point)] = l
		s.labelList = append(s.labelList, l)
	}

	return s, nil
}

// Scan scans a tweak batch with the given keys.
func Scan(batch *dnwire.TweakBatch, keys *Keys) (*ScanResult, error) {
	s, err := NewScanner(keys)
	if err != nil {
		return nil, err
	}

	return s.Scan(batch), nil
}

// Scan returns every output of the batch that pays to the scanner's keys.
// Entries that fail with ErrInvalidTweak are reported in the result and do
// not stop the scan.
func (s *Scanner) Scan(batch *dnwire.TweakBatch) *ScanResult {
	result := &ScanResult{}
	for i := range batch.Entries {
		entry := &batch.Entries[i]

		matches, err := s.scanEntry(batch, entry)
		if err != nil {
			log.Debugf("Skipping tweak entry of tx %v in block "+
				"%v@%d: %v", entry.TxID, batch.BlockHash,
				batch.Height, err)

			result.Invalid = append(result.Invalid, InvalidEntry{
				TxID: entry.TxID,
				Err:  err,
			})
		}

		result.Matches = append(result.Matches, matches...)
	}

	if len(result.Invalid) > 0 {
		log.Warnf("Skipped %d invalid tweak entries in block %v@%d",
			len(result.Invalid), batch.BlockHash, batch.Height)
	}

	return result
}

// sharedSecret computes the serialized ECDH point b_scan·tweak.
func (s *Scanner) sharedSecret(entry *dnwire.TweakEntry) ([]byte, error) {
	tweak, err := btcec.ParsePubKey(entry.Tweak[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTweak, err)
	}

	var tweakPoint, ecdh btcec.JacobianPoint
	tweak.AsJacobian(&tweakPoint)
	btcec.ScalarMultNonConst(&s.scanKey.Key, &tweakPoint, &ecdh)
	if isInfinity(&ecdh) {
		return nil, fmt.Errorf("%w: shared secret is infinity",
			ErrInvalidTweak)
	}
	ecdh.ToAffine()

	return btcec.NewPublicKey(&ecdh.X, &ecdh.Y).SerializeCompressed(), nil
}

// outputKey derives t_k and P_k = B_spend + t_k·G. P_k is returned in
// affine form.
func (s *Scanner) outputKey(secret []byte,
	k uint32) (*btcec.ModNScalar, *btcec.JacobianPoint, error) {

	var ser [4]byte
	binary.BigEndian.PutUint32(ser[:], k)

	var tk btcec.ModNScalar
	hash := chainhash.TaggedHash(tagSharedSecret, secret, ser[:])
	if overflow := tk.SetByteSlice(hash[:]); overflow || tk.IsZero() {
		return nil, nil, fmt.Errorf("%w: t_%d is not a valid scalar",
			ErrInvalidTweak, k)
	}

	var tkG, pk btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&tk, &tkG)
	btcec.AddNonConst(&s.spend, &tkG, &pk)
	if isInfinity(&pk) {
		return nil, nil, fmt.Errorf("%w: P_%d is infinity",
			ErrInvalidTweak, k)
	}
	pk.ToAffine()

	return &tk, &pk, nil
}

func (s *Scanner) scanEntry(batch *dnwire.TweakBatch,
	entry *dnwire.TweakEntry) ([]MatchedOutput, error) {

	if len(entry.Outputs) == 0 {
		return nil, nil
	}

	secret, err := s.sharedSecret(entry)
	if err != nil {
		return nil, err
	}

	// Output keys are only lifted to points when labels need them.
	points := make([]*btcec.JacobianPoint, len(entry.Outputs))
	point := func(i int) *btcec.JacobianPoint {
		if points[i] != nil {
			return points[i]
		}

		pub, err := schnorr.ParsePubKey(entry.Outputs[i].PubKey[:])
		if err != nil {
			return nil
		}

		var p btcec.JacobianPoint
		pub.AsJacobian(&p)
		points[i] = &p

		return points[i]
	}

	remaining := make([]int, len(entry.Outputs))
	for i := range remaining {
		remaining[i] = i
	}

	var matches []MatchedOutput
	for k := uint32(0); len(remaining) > 0; k++ {
		tk, pk, err := s.outputKey(secret, k)
		if err != nil {
			return matches, err
		}
		pkX := *pk.X.Bytes()
		negPk := negate(pk)

		found := -1
		var (
			tweak    = *tk
			outLabel fn.Option[uint32]
		)
		for i, idx := range remaining {
			if entry.Outputs[idx].PubKey == pkX {
				found = i
				break
			}

			if len(s.labels) == 0 {
				continue
			}

			out := point(idx)
			if out == nil {
				continue
			}

			if l, ok := s.matchLabel(out, &negPk); ok {
				tweak.Add(&l.scalar)
				outLabel = fn.Some(l.m)
				found = i
				break
			}
		}

		if found < 0 {
			break
		}

		out := &entry.Outputs[remaining[found]]
		match, err := newMatch(batch, entry, out, &tweak, outLabel)
		if err != nil {
			return matches, err
		}
		matches = append(matches, *match)

		remaining = append(remaining[:found], remaining[found+1:]...)
	}

	return matches, nil
}

// matchLabel checks whether output − P_k or −output − P_k is one of the
// label points.
func (s *Scanner) matchLabel(output, negPk *btcec.JacobianPoint) (*label,
	bool) {

	var diff btcec.JacobianPoint
	btcec.AddNonConst(output, negPk, &diff)
	if l, ok := s.lookupLabel(&diff); ok {
		return l, true
	}

	negOut := negate(output)
	btcec.AddNonConst(&negOut, negPk, &diff)

	return s.lookupLabel(&diff)
}

func (s *Scanner) lookupLabel(p *btcec.JacobianPoint) (*label, bool) {
	if isInfinity(p) {
		return nil, false
	}
	p.ToAffine()

	l, ok := s.labels[compressed(p)]

	return l, ok
}

// CandidateScripts returns the P2TR scripts of P_0 and, for every label,
// P_0 + label for each entry of the batch. A block whose filter matches none
// of them cannot hold an output for these keys. Invalid entries are skipped.
func (s *Scanner) CandidateScripts(batch *dnwire.TweakBatch) [][]byte {
	var scripts [][]byte
	for i := range batch.Entries {
		entry := &batch.Entries[i]
		if len(entry.Outputs) == 0 {
			continue
		}

		secret, err := s.sharedSecret(entry)
		if err != nil {
			continue
		}

		_, pk, err := s.outputKey(secret, 0)
		if err != nil {
			continue
		}

		if script, err := taprootScript(pk.X.Bytes()[:]); err == nil {
			scripts = append(scripts, script)
		}

		for _, l := range s.labelList {
			var labelled btcec.JacobianPoint
			btcec.AddNonConst(pk, &l.point, &labelled)
			if isInfinity(&labelled) {
				continue
			}
			labelled.ToAffine()

			script, err := taprootScript(labelled.X.Bytes()[:])
			if err == nil {
				scripts = append(scripts, script)
			}
		}
	}

	return scripts
}

// CandidateScripts returns the filter candidates of a batch for keys.
func CandidateScripts(batch *dnwire.TweakBatch, keys *Keys) ([][]byte,
	error) {

	s, err := NewScanner(keys)
	if err != nil {
		return nil, err
	}

	return s.CandidateScripts(batch), nil
}

func newMatch(batch *dnwire.TweakBatch, entry *dnwire.TweakEntry,
	out *dnwire.TaprootOutput, tweak *btcec.ModNScalar,
	outLabel fn.Option[uint32]) (*MatchedOutput, error) {

	script, err := taprootScript(out.PubKey[:])
	if err != nil {
		return nil, err
	}

	return &MatchedOutput{
		Height:    batch.Height,
		BlockHash: batch.BlockHash,
		OutPoint:  wire.OutPoint{Hash: entry.TxID, Index: out.Index},
		Value:     out.Value,
		PubKey:    out.PubKey,
		PkScript:  script,
		Tweak:     tweak.Bytes(),
		Label:     outLabel,
	}, nil
}

// taprootScript builds a segwit v1 output script.
func taprootScript(xOnly []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(xOnly).
		Script()
}

func isInfinity(p *btcec.JacobianPoint) bool {
	var x, y, z btcec.FieldVal
	x.Set(&p.X).Normalize()
	y.Set(&p.Y).Normalize()
	z.Set(&p.Z).Normalize()

	return (x.IsZero() && y.IsZero()) || z.IsZero()
}

// negate returns -p for an affine point.
func negate(p *btcec.JacobianPoint) btcec.JacobianPoint {
	n := *p
	n.Y.Negate(1).Normalize()

	return n
}

// compressed serializes an affine point.
func compressed(p *btcec.JacobianPoint) [33]byte {
	var b [33]byte
	copy(b[:], btcec.NewPublicKey(&p.X, &p.Y).SerializeCompressed())

	return b
}
