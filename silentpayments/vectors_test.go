package silentpayments

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// The keys and transaction of the "Simple send: two inputs" case of the
// BIP-352 test vectors.
const (
	vectorScanKey  = "0f694e068028a717f8af6b9411f9a133dd3565258714cc226594b34db90c1f2c"
	vectorSpendKey = "9d6ad855ce3417ef84e836892e5a56392bfba05fa5d97ccea30e266f540e08b3"

	vectorTweak = "024ac253c216532e961988e2a8ce266a447c894c781e52ef6cee902361db960004"

	vectorOutput      = "3e9fce73d4e77a4809908e3c3a2e54ee147b9312dc5044a193d1fc85de46e3c1"
	vectorOutputTweak = "f438b40179a3c4262de12986c0e6cce0634007cdc79c1dcd3e20b9ebc2e7eef6"
)

var vectorInputs = []struct {
	privKey string
	txid    string
	vout    uint32
}{
	{
		privKey: "eadc78165ff1f8ea94ad7cfdc54990738a4c53f6e0507b42154201b8e5dff3b1",
		txid:    "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16",
	},
	{
		privKey: "93f5ed907ad5b2bdbbdcb5d9116ebc0a4e1f92f910d5260237fa45a9408aad16",
		txid:    "a1075db55d416d3ca199f55b6084e2115b9345e16c5cf302fc80e9d5fbf5d48d",
	},
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}

func xOnly(t *testing.T, s string) [dnwire.XOnlyKeySize]byte {
	t.Helper()

	var key [dnwire.XOnlyKeySize]byte
	copy(key[:], mustHex(t, s))

	return key
}

// inputTweak computes the tweak data input_hash·A a server publishes for a
// transaction spending the vector inputs.
func inputTweak(t *testing.T) [33]byte {
	t.Helper()

	var (
		sum      btcec.JacobianPoint
		smallest []byte
	)
	for _, in := range vectorInputs {
		priv, _ := btcec.PrivKeyFromBytes(mustHex(t, in.privKey))

		var p, next btcec.JacobianPoint
		priv.PubKey().AsJacobian(&p)
		btcec.AddNonConst(&sum, &p, &next)
		sum = next

		hash, err := chainhash.NewHashFromStr(in.txid)
		require.NoError(t, err)
		op := wire.OutPoint{Hash: *hash, Index: in.vout}

		ser := make([]byte, chainhash.HashSize+4)
		copy(ser, op.Hash[:])
		binary.LittleEndian.PutUint32(ser[chainhash.HashSize:], op.Index)
		if smallest == nil || bytes.Compare(ser, smallest) < 0 {
			smallest = ser
		}
	}
	sum.ToAffine()
	pubSum := btcec.NewPublicKey(&sum.X, &sum.Y)

	inputHash := chainhash.TaggedHash(
		[]byte("BIP0352/Inputs"), smallest, pubSum.SerializeCompressed(),
	)

	var scalar btcec.ModNScalar
	require.False(t, scalar.SetByteSlice(inputHash[:]))

	var tweak btcec.JacobianPoint
	btcec.ScalarMultNonConst(&scalar, &sum, &tweak)
	tweak.ToAffine()

	var b [33]byte
	copy(b[:], btcec.NewPublicKey(&tweak.X, &tweak.Y).SerializeCompressed())

	return b
}

func vectorReceiver(t *testing.T, labels ...uint32) *receiver {
	t.Helper()

	scan, _ := btcec.PrivKeyFromBytes(mustHex(t, vectorScanKey))
	spend, spendPub := btcec.PrivKeyFromBytes(mustHex(t, vectorSpendKey))

	return &receiver{
		keys: &Keys{
			ScanKey:  scan,
			SpendKey: spendPub,
			Labels:   labels,
		},
		spendPriv: spend,
	}
}

// TestScanVector scans the output of the BIP-352 two input vector using the
// tweak data derived from its inputs.
func TestScanVector(t *testing.T) {
	t.Parallel()

	tweak := inputTweak(t)
	require.Equal(t, vectorTweak, hex.EncodeToString(tweak[:]))

	r := vectorReceiver(t)
	entry := dnwire.TweakEntry{
		TxID:  chainhash.Hash{0x01},
		Tweak: tweak,
		Outputs: []dnwire.TaprootOutput{{
			Index:  0,
			Value:  10_000,
			PubKey: xOnly(t, vectorOutput),
		}},
	}

	result, err := Scan(testBatch(entry), r.keys)
	require.NoError(t, err)
	require.Empty(t, result.Invalid)
	require.Len(t, result.Matches, 1)

	match := result.Matches[0]
	require.Equal(t, vectorOutput, hex.EncodeToString(match.PubKey[:]))
	require.Equal(t, vectorOutputTweak, hex.EncodeToString(match.Tweak[:]))
	require.True(t, match.Label.IsNone())
	requireSpendable(t, r, match)

	// The unlabelled output is also the first filter candidate.
	scripts, err := CandidateScripts(testBatch(entry), r.keys)
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	require.Equal(t, vectorOutput, hex.EncodeToString(scripts[0][2:]))
}

// TestScanVectorDerived covers a second output and a labelled output paid by
// the same vector transaction.
func TestScanVectorDerived(t *testing.T) {
	t.Parallel()

	const (
		secondOutput = "0ffe0b3d72d66b785e1a7ad416edcc22b951293b1507aa" +
			"04850e890b002c60f1"
		secondTweak = "e606ab11d4c6c8aaa2d2ad075d4ee1c915105c04a64ee6" +
			"f6dc4e23fff04531f8"

		labelOutput = "f371bc2e01413c9eca6903a80be883467972b0c40b929b" +
			"e0a6be708cb5442d57"
		labelTweak = "123f957612148ee91b81938b663691cf62a8f6904fd22a" +
			"b724e9be6563d057ad"
	)

	tweak := inputTweak(t)

	// Two outputs to the plain address, listed out of order.
	r := vectorReceiver(t)
	entry := dnwire.TweakEntry{
		TxID:  chainhash.Hash{0x02},
		Tweak: tweak,
		Outputs: []dnwire.TaprootOutput{
			{Index: 0, PubKey: xOnly(t, secondOutput)},
			{Index: 1, PubKey: xOnly(t, vectorOutput)},
		},
	}

	result, err := Scan(testBatch(entry), r.keys)
	require.NoError(t, err)
	require.Len(t, result.Matches, 2)

	tweaks := make(map[uint32]string)
	for _, match := range result.Matches {
		tweaks[match.OutPoint.Index] = hex.EncodeToString(
			match.Tweak[:],
		)
		requireSpendable(t, r, match)
	}
	require.Equal(t, map[uint32]string{
		0: secondTweak,
		1: vectorOutputTweak,
	}, tweaks)

	// One output to label 2.
	r = vectorReceiver(t, 1, 2, 3)
	entry.Outputs = []dnwire.TaprootOutput{
		{Index: 0, PubKey: xOnly(t, labelOutput)},
	}

	result, err = Scan(testBatch(entry), r.keys)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)

	match := result.Matches[0]
	require.Equal(t, fn.Some[uint32](2), match.Label)
	require.Equal(t, labelTweak, hex.EncodeToString(match.Tweak[:]))
	requireSpendable(t, r, match)
}
