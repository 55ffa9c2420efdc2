// Package payload encodes a ciphertext and its initialization vector as a
// single printable string:
//
//	base64(ciphertext) + ":" + base64(iv)
//
// Both parts use standard padded base64, whose alphabet never contains the
// separator.
package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Separator splits the ciphertext from the IV.
const Separator = ":"

// ErrMalformed indicates a part that is not valid base64.
var ErrMalformed = errors.New("payload: malformed encoding")

// Payload is a decoded ciphertext and IV pair. IV is nil when the encoded
// form had no separator.
type Payload struct {
	Ciphertext []byte
	IV         []byte
}

// Encode returns the printable form of ciphertext and iv.
func Encode(ciphertext, iv []byte) string {
	return base64.StdEncoding.EncodeToString(ciphertext) + Separator + base64.StdEncoding.EncodeToString(iv)
}

// Decode splits s on the first separator and decodes both parts.
func Decode(s string) (Payload, error) {
	ct, iv, found := strings.Cut(s, Separator)
	var p Payload
	var err error
	if p.Ciphertext, err = base64.StdEncoding.DecodeString(ct); err != nil {
		return Payload{}, fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}
	if !found {
		return p, nil
	}
	if p.IV, err = base64.StdEncoding.DecodeString(iv); err != nil {
		return Payload{}, fmt.Errorf("%w: iv: %v", ErrMalformed, err)
	}
	return p, nil
}

// IsWellFormed reports whether both the ciphertext and the IV are non-empty.
func (p Payload) IsWellFormed() bool {
	return len(p.Ciphertext) > 0 && len(p.IV) > 0
}

// String re-encodes p.
func (p Payload) String() string {
	return Encode(p.Ciphertext, p.IV)
}
