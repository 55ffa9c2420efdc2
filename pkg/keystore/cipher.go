package keystore

import (
	"sync"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
)

// Mode selects encryption or decryption.
type Mode int

const (
	ModeEncrypt Mode = iota + 1
	ModeDecrypt
)

func (m Mode) String() string {
	switch m {
	case ModeEncrypt:
		return "encrypt"
	case ModeDecrypt:
		return "decrypt"
	default:
		return "unknown"
	}
}

// Cipher is a biometric.Cipher bound to a stored key. It refuses to run
// until Authorize receives the token of a successful attempt.
type Cipher struct {
	name string
	mode Mode
	key  Key
	iv   []byte

	mu         sync.Mutex
	authorized bool
}

var _ biometric.Cipher = (*Cipher)(nil)

func newCipher(name string, mode Mode, key Key, iv []byte) *Cipher {
	return &Cipher{name: name, mode: mode, key: key, iv: append([]byte(nil), iv...)}
}

// Name returns the key name the cipher is bound to.
func (c *Cipher) Name() string {
	return c.name
}

// Mode returns the cipher direction.
func (c *Cipher) Mode() Mode {
	return c.mode
}

// IV returns a copy of the initialization vector. In encrypt mode it was
// generated at initialization and must be stored with the ciphertext.
func (c *Cipher) IV() []byte {
	return append([]byte(nil), c.iv...)
}

// Authorize releases the cipher for use.
func (c *Cipher) Authorize(token biometric.AuthToken) error {
	if !token.Valid() {
		return biometric.ErrNotAuthorized
	}
	c.mu.Lock()
	c.authorized = true
	c.mu.Unlock()
	return nil
}

// Authorized reports whether Authorize succeeded.
func (c *Cipher) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// DoFinal encrypts or decrypts input.
func (c *Cipher) DoFinal(input []byte) ([]byte, error) {
	if !c.Authorized() {
		return nil, biometric.ErrNotAuthorized
	}
	if c.mode == ModeEncrypt {
		return c.key.Encrypt(c.iv, input)
	}
	return c.key.Decrypt(c.iv, input)
}
