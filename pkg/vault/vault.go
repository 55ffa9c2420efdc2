// Package vault keeps one biometric-protected secret. It owns the caller
// side of the key lifecycle: creating the key on first use, recovering
// from enrollment invalidation, choosing between encrypting a new secret
// and decrypting the stored one, and persisting the encoded payload.
//
// A typical unlock:
//
//	s, err := v.Prepare(ctx)
//	// authenticate with s.Cipher through a broker
//	if s.Mode == keystore.ModeEncrypt {
//		_, err = v.Seal(ctx, s.Cipher, secret)
//	} else {
//		secret, err = v.Open(ctx, s.Cipher)
//	}
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
	"github.com/jeremyhahn/go-bioauth/pkg/keystore"
	"github.com/jeremyhahn/go-bioauth/pkg/payload"
	"github.com/jeremyhahn/go-bioauth/pkg/prefs"
)

// DefaultPrefix namespaces stored payloads in the preferences store.
const DefaultPrefix = "vault/"

var (
	// ErrMissingName indicates a vault configured without a key name.
	ErrMissingName = errors.New("vault: name is required")
	// ErrMissingKeys indicates a vault configured without a key manager.
	ErrMissingKeys = errors.New("vault: key manager is required")
	// ErrMissingPrefs indicates a vault configured without a preferences store.
	ErrMissingPrefs = errors.New("vault: preferences store is required")
	// ErrUnavailable indicates biometric authentication is not set up on the
	// device, so no key is created.
	ErrUnavailable = errors.New("vault: biometric authentication is not enabled")
	// ErrWrongMode indicates a cipher used for the other direction.
	ErrWrongMode = errors.New("vault: cipher mode does not match the operation")
	// ErrEmpty indicates Open was called while no secret is stored.
	ErrEmpty = errors.New("vault: no secret stored")
	// ErrStale indicates the stored secret was encrypted with another IV
	// than the cipher carries.
	ErrStale = errors.New("vault: cipher does not match the stored secret")
	// ErrKeyNotRemoved indicates the key store refused to delete the key.
	ErrKeyNotRemoved = errors.New("vault: key not removed")
	// ErrKeyUnusable indicates a freshly created key could not be opened.
	ErrKeyUnusable = errors.New("vault: newly created key is unusable")
)

// Availability reports whether biometric authentication can protect a key.
// keyguard.Checker implements it.
type Availability interface {
	Enabled(ctx context.Context) bool
}

// Authenticator runs a crypto-bound authentication. broker.Broker
// implements it.
type Authenticator interface {
	AuthenticateWithCrypto(ctx context.Context, crypto *biometric.CryptoHandle, cancel *biometric.CancellationSignal, exec biometric.Executor, cb biometric.Callback) error
}

// Config configures a Vault.
type Config struct {
	// Name is the key alias and the payload key.
	Name  string
	Keys  *keystore.Manager
	Prefs prefs.Store
	// Availability gates key creation. Nil means always available.
	Availability Availability
	// Prefix defaults to DefaultPrefix.
	Prefix string
	Logger slog.Logger
}

func (c *Config) validate() error {
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Keys == nil {
		return ErrMissingKeys
	}
	if c.Prefs == nil {
		return ErrMissingPrefs
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	return nil
}

// Vault stores a single secret under a biometric-gated key.
type Vault struct {
	cfg    Config
	logger slog.Logger
}

// New validates cfg and returns a Vault.
func New(cfg Config) (*Vault, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Vault{
		cfg:    cfg,
		logger: cfg.Logger.Named("vault").With(slog.F("key", cfg.Name)),
	}, nil
}

// Name returns the key alias.
func (v *Vault) Name() string {
	return v.cfg.Name
}

// Session is the cipher to authenticate with and what to do with it.
type Session struct {
	// Mode is ModeEncrypt when a new secret must be sealed and ModeDecrypt
	// when the stored one can be opened.
	Mode   keystore.Mode
	Cipher *keystore.Cipher
	// Created is set when the key did not exist before.
	Created bool
	// Reenrolled is set when the previous key was invalidated by an
	// enrollment change and its secret discarded.
	Reenrolled bool
}

// Prepare readies the key and returns the cipher for the next
// authentication.
func (v *Vault) Prepare(ctx context.Context) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !v.cfg.Keys.HasKey(ctx, v.cfg.Name) {
		if a := v.cfg.Availability; a != nil && !a.Enabled(ctx) {
			return nil, ErrUnavailable
		}
		c, err := v.recreate(ctx)
		if err != nil {
			return nil, err
		}
		v.logger.Info(ctx, "key created")
		return &Session{Mode: keystore.ModeEncrypt, Cipher: c, Created: true}, nil
	}

	c, ok, err := v.cfg.Keys.InitEncryptingCipher(ctx, v.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	if !ok {
		return v.reenroll(ctx)
	}

	p, found, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Session{Mode: keystore.ModeEncrypt, Cipher: c}, nil
	}
	if !p.IsWellFormed() {
		v.logger.Warn(ctx, "stored secret is malformed, a new one must be sealed")
		return &Session{Mode: keystore.ModeEncrypt, Cipher: c}, nil
	}

	dc, ok, err := v.cfg.Keys.InitDecryptingCipher(ctx, v.cfg.Name, p.IV)
	switch {
	case errors.Is(err, keystore.ErrInvalidIV):
		v.logger.Warn(ctx, "stored secret has an invalid iv, a new one must be sealed")
		return &Session{Mode: keystore.ModeEncrypt, Cipher: c}, nil
	case err != nil:
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	case !ok:
		return v.reenroll(ctx)
	}
	return &Session{Mode: keystore.ModeDecrypt, Cipher: dc}, nil
}

func (v *Vault) reenroll(ctx context.Context) (*Session, error) {
	v.logger.Warn(ctx, "enrollment changed, discarding stored secret")
	c, err := v.recreate(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{Mode: keystore.ModeEncrypt, Cipher: c, Reenrolled: true}, nil
}

// recreate replaces the key and drops any secret stored under the old one.
func (v *Vault) recreate(ctx context.Context) (*keystore.Cipher, error) {
	if !v.cfg.Keys.RemoveKey(ctx, v.cfg.Name) {
		v.logger.Error(ctx, "stale key could not be removed")
		return nil, ErrKeyNotRemoved
	}
	if err := v.cfg.Prefs.Remove(ctx, v.key()); err != nil {
		return nil, fmt.Errorf("vault: remove secret: %w", err)
	}
	if err := v.cfg.Keys.CreateKey(ctx, v.cfg.Name, true); err != nil {
		return nil, fmt.Errorf("vault: create key: %w", err)
	}
	c, ok, err := v.cfg.Keys.InitEncryptingCipher(ctx, v.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	if !ok {
		return nil, ErrKeyUnusable
	}
	return c, nil
}

// Authenticate runs a crypto-bound authentication for s through auth.
func (v *Vault) Authenticate(ctx context.Context, auth Authenticator, s *Session, cancel *biometric.CancellationSignal, exec biometric.Executor, cb biometric.Callback) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s == nil || s.Cipher == nil {
		return ErrWrongMode
	}
	handle, err := biometric.NewCipherHandle(s.Cipher)
	if err != nil {
		return err
	}
	v.logger.Debug(ctx, "authenticating", slog.F("mode", s.Mode.String()))
	return auth.AuthenticateWithCrypto(ctx, handle, cancel, exec, cb)
}

// Seal encrypts plaintext with an authorized encrypting cipher and stores
// the encoded payload, replacing any previous secret.
func (v *Vault) Seal(ctx context.Context, c *keystore.Cipher, plaintext []byte) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c == nil || c.Mode() != keystore.ModeEncrypt {
		return "", ErrWrongMode
	}
	ct, err := c.DoFinal(plaintext)
	if err != nil {
		return "", fmt.Errorf("vault: encrypt: %w", err)
	}
	encoded := payload.Encode(ct, c.IV())
	if err := v.cfg.Prefs.Put(ctx, v.key(), encoded); err != nil {
		return "", fmt.Errorf("vault: store secret: %w", err)
	}
	v.logger.Info(ctx, "secret sealed", slog.F("ciphertext_bytes", len(ct)))
	return encoded, nil
}

// Open decrypts the stored secret with an authorized decrypting cipher.
func (v *Vault) Open(ctx context.Context, c *keystore.Cipher) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c == nil || c.Mode() != keystore.ModeDecrypt {
		return nil, ErrWrongMode
	}
	p, found, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	if !found || !p.IsWellFormed() {
		return nil, ErrEmpty
	}
	if !bytes.Equal(p.IV, c.IV()) {
		return nil, ErrStale
	}
	pt, err := c.DoFinal(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	v.logger.Debug(ctx, "secret opened")
	return pt, nil
}

// Stored reports whether a secret is persisted.
func (v *Vault) Stored(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, found, err := v.cfg.Prefs.Get(ctx, v.key())
	return found, err
}

// Reset deletes the key and the stored secret.
func (v *Vault) Reset(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if !v.cfg.Keys.RemoveKey(ctx, v.cfg.Name) {
		errs = append(errs, ErrKeyNotRemoved)
	}
	if err := v.cfg.Prefs.Remove(ctx, v.key()); err != nil {
		errs = append(errs, fmt.Errorf("vault: remove secret: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	v.logger.Info(ctx, "vault reset")
	return nil
}

func (v *Vault) load(ctx context.Context) (payload.Payload, bool, error) {
	raw, found, err := v.cfg.Prefs.Get(ctx, v.key())
	if err != nil {
		return payload.Payload{}, false, fmt.Errorf("vault: load secret: %w", err)
	}
	if !found {
		return payload.Payload{}, false, nil
	}
	p, err := payload.Decode(raw)
	if err != nil {
		// Undecodable payloads are treated like malformed ones.
		return payload.Payload{}, true, nil
	}
	return p, true, nil
}

func (v *Vault) key() string {
	return v.cfg.Prefix + v.cfg.Name
}
