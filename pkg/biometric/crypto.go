package biometric

import (
	"time"

	"github.com/google/uuid"
)

// AuthToken proves that an authentication attempt succeeded. Only a
// succeeding Attempt can mint a valid token; the zero value is invalid.
type AuthToken struct {
	attemptID string
	issuedAt  time.Time
}

// Valid reports whether the token was issued by a successful attempt.
func (t AuthToken) Valid() bool {
	return t.attemptID != "" && !t.issuedAt.IsZero()
}

// AttemptID returns the id of the attempt that issued the token.
func (t AuthToken) AttemptID() string {
	return t.attemptID
}

// IssuedAt returns when the token was issued.
func (t AuthToken) IssuedAt() time.Time {
	return t.issuedAt
}

func newAuthToken(attemptID string) AuthToken {
	if attemptID == "" {
		attemptID = uuid.NewString()
	}
	return AuthToken{attemptID: attemptID, issuedAt: time.Now()}
}

// Operation is a cryptographic operation gated behind user authentication.
type Operation interface {
	// Authorize releases the operation for use. Implementations reject
	// invalid tokens.
	Authorize(token AuthToken) error
}

// Signature is a signing operation.
type Signature interface {
	Operation
	Sign(message []byte) ([]byte, error)
}

// Cipher is a symmetric encryption or decryption operation.
type Cipher interface {
	Operation
	// DoFinal encrypts or decrypts input in one step.
	DoFinal(input []byte) ([]byte, error)
	// IV returns the initialization vector the cipher operates with.
	IV() []byte
}

// MAC is a message authentication code operation.
type MAC interface {
	Operation
	Sum(message []byte) ([]byte, error)
}

// CryptoHandle references exactly one cryptographic operation that is
// released for use by a successful authentication.
type CryptoHandle struct {
	signature Signature
	cipher    Cipher
	mac       MAC
}

// NewCryptoHandle builds a handle from the given operations. Exactly one of
// them must be non-nil.
func NewCryptoHandle(sig Signature, c Cipher, mac MAC) (*CryptoHandle, error) {
	set := 0
	if sig != nil {
		set++
	}
	if c != nil {
		set++
	}
	if mac != nil {
		set++
	}
	if set != 1 {
		return nil, ErrInvalidCryptoHandle
	}
	return &CryptoHandle{signature: sig, cipher: c, mac: mac}, nil
}

// NewSignatureHandle wraps a signature operation.
func NewSignatureHandle(sig Signature) (*CryptoHandle, error) {
	return NewCryptoHandle(sig, nil, nil)
}

// NewCipherHandle wraps a cipher operation.
func NewCipherHandle(c Cipher) (*CryptoHandle, error) {
	return NewCryptoHandle(nil, c, nil)
}

// NewMACHandle wraps a MAC operation.
func NewMACHandle(mac MAC) (*CryptoHandle, error) {
	return NewCryptoHandle(nil, nil, mac)
}

// Signature returns the signature operation or nil.
func (h *CryptoHandle) Signature() Signature {
	if h == nil {
		return nil
	}
	return h.signature
}

// Cipher returns the cipher operation or nil.
func (h *CryptoHandle) Cipher() Cipher {
	if h == nil {
		return nil
	}
	return h.cipher
}

// MAC returns the MAC operation or nil.
func (h *CryptoHandle) MAC() MAC {
	if h == nil {
		return nil
	}
	return h.mac
}

func (h *CryptoHandle) operation() Operation {
	switch {
	case h == nil:
		return nil
	case h.signature != nil:
		return h.signature
	case h.cipher != nil:
		return h.cipher
	default:
		return h.mac
	}
}

func (h *CryptoHandle) authorize(token AuthToken) error {
	op := h.operation()
	if op == nil {
		return nil
	}
	return op.Authorize(token)
}
