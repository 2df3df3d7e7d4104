// Package bolt11 extracts the payment amount from a Lightning invoice.
//
// Only the human readable amount field is read. Checksums, signatures and
// tagged fields are not validated.
package bolt11

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Decoder turns an invoice into an amount in millisatoshis.
type Decoder interface {
	DecodeAmount(invoice string) (int64, bool)
}

// millisats per unit for each amount multiplier. "p" is a tenth of a
// millisatoshi so it is handled as a divisor.
var multipliers = map[string]int64{
	"m": 100_000_000,
	"u": 100_000,
	"n": 100,
	"":  1_000,
}

const picoDivisor = 10

var amountPattern = regexp.MustCompile(`(?i)ln([a-z]+?)(\d+)([munp]?)`)

// RegexDecoder matches ln<currency><digits><multiplier?> anywhere in the input.
type RegexDecoder struct{}

// DecodeAmount implements Decoder.
func (RegexDecoder) DecodeAmount(invoice string) (int64, bool) {
	return DecodeAmount(invoice)
}

// DecodeAmount returns the invoice amount in millisatoshis. ok is false when
// the amount field cannot be found or does not yield a positive amount.
func DecodeAmount(invoice string) (int64, bool) {
	m := amountPattern.FindStringSubmatch(invoice)
	if m == nil {
		return 0, false
	}
	digits, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || digits <= 0 {
		return 0, false
	}

	unit := strings.ToLower(m[3])
	var amount int64
	if unit == "p" {
		amount = digits / picoDivisor
	} else {
		factor := multipliers[unit]
		if digits > math.MaxInt64/factor {
			return 0, false
		}
		amount = digits * factor
	}
	if amount <= 0 {
		return 0, false
	}
	return amount, true
}
