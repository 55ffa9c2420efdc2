// Package keystore manages named symmetric keys whose every use requires a
// successful biometric authentication, and detects when a key was
// permanently invalidated because the enrolled biometric set changed.
//
// A Store holds the key material (in software, sealed by a TPM, or on a
// PKCS#11 token); the application only ever handles key names. Manager wraps
// a Store with the boolean-returning lifecycle callers branch on, and hands
// out Cipher values that stay locked until an authentication attempt
// succeeds.
package keystore

import (
	"context"
	"errors"
	"fmt"
)

// Algorithm parameters of every key created by this package.
const (
	AlgorithmAES = "AES"
	BlockModeCBC = "CBC"
	PaddingPKCS7 = "PKCS7Padding"
	// KeyBits is the AES key size.
	KeyBits = 256
	// IVSize is the CBC initialization vector length.
	IVSize = 16
)

var (
	// ErrKeyNotFound indicates no key exists under the requested name.
	ErrKeyNotFound = errors.New("keystore: key not found")
	// ErrKeyInvalidated indicates the key exists but became permanently
	// unusable after the enrolled biometric set changed.
	ErrKeyInvalidated = errors.New("keystore: key permanently invalidated")
	// ErrAlgorithmUnsupported indicates the store cannot create keys with the
	// requested parameters. It is a configuration error and never retryable.
	ErrAlgorithmUnsupported = errors.New("keystore: algorithm unsupported")
	// ErrInvalidIV indicates an initialization vector of the wrong length.
	ErrInvalidIV = errors.New("keystore: invalid initialization vector")
	// ErrInvalidCiphertext indicates a ciphertext that is not a padded
	// multiple of the block size.
	ErrInvalidCiphertext = errors.New("keystore: invalid ciphertext")
	// ErrEmptyName indicates an empty key name.
	ErrEmptyName = errors.New("keystore: key name must not be empty")
)

// KeySpec describes a key to generate.
type KeySpec struct {
	Name      string
	Algorithm string
	BlockMode string
	Padding   string
	Bits      int
	// UserAuthenticationRequired gates every use of the key behind a
	// successful authentication.
	UserAuthenticationRequired bool
	// InvalidatedByEnrollment makes the key permanently unusable once the
	// enrolled biometric set differs from the one present at creation.
	InvalidatedByEnrollment bool
}

// NewKeySpec returns the AES-256/CBC/PKCS7 spec used for biometric keys.
func NewKeySpec(name string, invalidatedByEnrollment bool) KeySpec {
	return KeySpec{
		Name:                       name,
		Algorithm:                  AlgorithmAES,
		BlockMode:                  BlockModeCBC,
		Padding:                    PaddingPKCS7,
		Bits:                       KeyBits,
		UserAuthenticationRequired: true,
		InvalidatedByEnrollment:    invalidatedByEnrollment,
	}
}

func (s KeySpec) validate() error {
	if s.Name == "" {
		return ErrEmptyName
	}
	if s.Algorithm != AlgorithmAES {
		return fmt.Errorf("%w: algorithm %q", ErrAlgorithmUnsupported, s.Algorithm)
	}
	if s.BlockMode != BlockModeCBC {
		return fmt.Errorf("%w: block mode %q", ErrAlgorithmUnsupported, s.BlockMode)
	}
	if s.Padding != PaddingPKCS7 {
		return fmt.Errorf("%w: padding %q", ErrAlgorithmUnsupported, s.Padding)
	}
	if s.Bits != KeyBits {
		return fmt.Errorf("%w: %d bit key", ErrAlgorithmUnsupported, s.Bits)
	}
	return nil
}

// Key is a usable handle on stored key material.
type Key interface {
	Encrypt(iv, plaintext []byte) ([]byte, error)
	Decrypt(iv, ciphertext []byte) ([]byte, error)
}

// Store is a platform key store.
type Store interface {
	// Generate creates the key described by spec, replacing any key of the
	// same name.
	Generate(ctx context.Context, spec KeySpec) error
	Contains(ctx context.Context, name string) (bool, error)
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, name string) error
	// Open returns the key, ErrKeyNotFound, or ErrKeyInvalidated.
	Open(ctx context.Context, name string) (Key, error)
	// SupportsEnrollmentInvalidation reports whether the store honours
	// KeySpec.InvalidatedByEnrollment as an option. Stores that do not
	// always invalidate.
	SupportsEnrollmentInvalidation() bool
}

// Enrollment reports the enrolled biometric set.
type Enrollment interface {
	// Digest returns a digest that changes whenever a biometric is enrolled
	// or removed.
	Digest(ctx context.Context) ([]byte, error)
}

// EnrollmentFunc adapts a function to Enrollment.
type EnrollmentFunc func(ctx context.Context) ([]byte, error)

// Digest calls f.
func (f EnrollmentFunc) Digest(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

func checkContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, ctx.Err()
}
