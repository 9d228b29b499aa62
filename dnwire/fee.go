package dnwire

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcutil"
)

// FeeEstimate is the JSON document served by the fee estimation route. It
// mirrors the result of bitcoind's estimatesmartfee call.
type FeeEstimate struct {
	// FeeRate is the estimated fee rate in BTC/kvB.
	FeeRate float64 `json:"feerate"`

	// Blocks is the confirmation target the estimate was found for.
	Blocks uint32 `json:"blocks"`

	// Errors holds any problems the estimator reported.
	Errors []string `json:"errors,omitempty"`
}

// DecodeFeeEstimate parses a fee estimation response.
func DecodeFeeEstimate(b []byte) (*FeeEstimate, error) {
	var est FeeEstimate
	if err := json.Unmarshal(b, &est); err != nil {
		return nil, &DecodeError{
			Kind: InvalidField, Field: "fee estimate", Err: err,
		}
	}

	return &est, nil
}

// SatPerKVByte converts the estimated fee rate to satoshis per kvB. An
// estimate that carries errors and no rate is rejected.
func (f *FeeEstimate) SatPerKVByte() (btcutil.Amount, error) {
	if f.FeeRate <= 0 {
		if len(f.Errors) > 0 {
			return 0, invalidField("feerate", "no estimate: %s",
				f.Errors[0])
		}

		return 0, invalidField("feerate", "non-positive rate %v",
			f.FeeRate)
	}

	rate, err := btcutil.NewAmount(f.FeeRate)
	if err != nil {
		return 0, &DecodeError{
			Kind: InvalidField, Field: "feerate", Err: err,
		}
	}

	return rate, nil
}
