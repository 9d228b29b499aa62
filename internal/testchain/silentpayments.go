package testchain

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Sender builds BIP-352 outputs the way a sending wallet does, from the sum
// of its eligible input keys and the input hash.
type Sender struct {
	// InputKey is the summed private key a of the eligible inputs.
	InputKey *btcec.PrivateKey

	// InputHash is the input hash scalar of the transaction.
	InputHash btcec.ModNScalar
}

// NewSender derives a deterministic sender from seed.
func NewSender(seed byte) *Sender {
	var b [32]byte
	b[0], b[31] = 0x5e, seed
	inputKey, _ := btcec.PrivKeyFromBytes(b[:])

	s := &Sender{InputKey: inputKey}
	b[1] = 0x01
	s.InputHash.SetByteSlice(chainhash.HashB(b[:]))

	return s
}

// Tweak returns input_hash·A as published in the tweak data.
func (s *Sender) Tweak() [33]byte {
	var a, result btcec.JacobianPoint
	s.InputKey.PubKey().AsJacobian(&a)
	btcec.ScalarMultNonConst(&s.InputHash, &a, &result)
	result.ToAffine()

	var tweak [33]byte
	copy(tweak[:], btcec.NewPublicKey(
		&result.X, &result.Y,
	).SerializeCompressed())

	return tweak
}

// OutputKey derives the x-only key of the k-th output paying to the scan
// and spend keys of a silent payment address. For a labelled address spend
// is B_spend + label·G.
func (s *Sender) OutputKey(scan, spend *btcec.PublicKey, k uint32) [32]byte {
	// The sender computes input_hash·a·B_scan.
	var coeff btcec.ModNScalar
	coeff.Set(&s.InputHash).Mul(&s.InputKey.Key)

	var scanPoint, shared btcec.JacobianPoint
	scan.AsJacobian(&scanPoint)
	btcec.ScalarMultNonConst(&coeff, &scanPoint, &shared)
	shared.ToAffine()
	secret := btcec.NewPublicKey(&shared.X, &shared.Y).SerializeCompressed()

	var ser [4]byte
	binary.BigEndian.PutUint32(ser[:], k)
	hash := chainhash.TaggedHash(
		[]byte("BIP0352/SharedSecret"), secret, ser[:],
	)

	var tk btcec.ModNScalar
	tk.SetByteSlice(hash[:])

	var base, tkG, p btcec.JacobianPoint
	spend.AsJacobian(&base)
	btcec.ScalarBaseMultNonConst(&tk, &tkG)
	btcec.AddNonConst(&base, &tkG, &p)
	p.ToAffine()

	return *p.X.Bytes()
}

// RandomKey returns a valid x-only key that pays to nobody in particular.
func RandomKey(seed byte) [32]byte {
	var b [32]byte
	b[0], b[1] = 0x99, seed
	_, pub := btcec.PrivKeyFromBytes(chainhash.HashB(b[:]))

	var x [32]byte
	copy(x[:], pub.SerializeCompressed()[1:])

	return x
}
