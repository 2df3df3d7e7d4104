// Package noteid validates and normalizes content identifiers.
package noteid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	hexLength  = 64
	noteLength = 63
	notePrefix = "note"
)

// ErrInvalid is returned for ids that are neither 64-hex nor note1 bech32.
var ErrInvalid = errors.New("invalid note id")

// Validate reports whether id has the shape of a hex event id or a note1 id.
// It does not verify the bech32 checksum.
func Validate(id string) bool {
	if len(id) == hexLength {
		return isHex(id)
	}
	return len(id) == noteLength && strings.HasPrefix(id, notePrefix+"1")
}

// Normalize returns the lowercase hex event id for id.
func Normalize(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !Validate(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, id)
	}
	if len(id) == hexLength {
		return strings.ToLower(id), nil
	}

	hrp, data, err := bech32.DecodeToBase256(id)
	if err != nil {
		return "", fmt.Errorf("%w: decode bech32: %v", ErrInvalid, err)
	}
	if hrp != notePrefix || len(data) != hexLength/2 {
		return "", fmt.Errorf("%w: unexpected payload %q/%d", ErrInvalid, hrp, len(data))
	}
	return hex.EncodeToString(data), nil
}

// Encode renders a hex event id as note1 bech32.
func Encode(hexID string) (string, error) {
	raw, err := hex.DecodeString(hexID)
	if err != nil || len(raw) != hexLength/2 {
		return "", fmt.Errorf("%w: %q", ErrInvalid, hexID)
	}
	return bech32.EncodeFromBase256(notePrefix, raw)
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
