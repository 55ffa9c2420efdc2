package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog/v3"
)

// TokenSession is a logged-in PKCS#11 session. Keys are addressed by
// label; the CKA_ID attribute carries the enrollment binding.
type TokenSession interface {
	// GenerateKey creates a non-extractable AES key on the token.
	GenerateKey(ctx context.Context, label string, id []byte) error
	// FindKey returns the CKA_ID of the key labelled label.
	FindKey(ctx context.Context, label string) (id []byte, found bool, err error)
	SetKeyID(ctx context.Context, label string, id []byte) error
	// DestroyKey removes every object labelled label.
	DestroyKey(ctx context.Context, label string) error
	// Encrypt and Decrypt run CKM_AES_CBC_PAD with the given IV.
	Encrypt(ctx context.Context, label string, iv, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, label string, iv, ciphertext []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// TokenProvider opens token sessions.
type TokenProvider interface {
	Open(ctx context.Context, cfg PKCS11Config) (TokenSession, error)
}

var (
	errSystemTokenProviderUnavailable = errors.New("keystore: pkcs11 provider unavailable; build with the pkcs11 tag to use the default")
	// ErrInvalidPIN indicates the token rejected the PIN.
	ErrInvalidPIN = errors.New("keystore: invalid pkcs11 PIN")
)

var systemTokenProvider TokenProvider

// SetSystemTokenProvider installs the provider used when
// PKCS11Config.Provider is nil.
func SetSystemTokenProvider(p TokenProvider) {
	systemTokenProvider = p
}

// PKCS11Config configures a PKCS11Store.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	Slot       string
	PIN        string
	// LabelPrefix is prepended to key names to form CKA_LABEL values.
	LabelPrefix string
	Enrollment  Enrollment
	Provider    TokenProvider
	Logger      slog.Logger
}

func (c PKCS11Config) validate() error {
	if c.ModulePath == "" {
		return errors.New("keystore: pkcs11 module path must not be empty")
	}
	if c.TokenLabel == "" && c.Slot == "" {
		return errors.New("keystore: either pkcs11 token label or slot must be specified")
	}
	if c.Enrollment == nil {
		return ErrMissingEnrollment
	}
	return nil
}

// invalidatedID replaces the CKA_ID of a key whose binding broke. It is
// shorter than any digest, so it never matches one.
var invalidatedID = []byte("invalidated")

// PKCS11Store keeps keys on a PKCS#11 token. Key material never leaves the
// token; the enrollment digest at creation time is stored in CKA_ID.
type PKCS11Store struct {
	cfg        PKCS11Config
	provider   TokenProvider
	enrollment Enrollment
	logger     slog.Logger
}

var _ Store = (*PKCS11Store)(nil)

// NewPKCS11Store validates cfg and returns the store.
func NewPKCS11Store(cfg PKCS11Config) (*PKCS11Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	provider := cfg.Provider
	if provider == nil {
		if systemTokenProvider == nil {
			return nil, errSystemTokenProviderUnavailable
		}
		provider = systemTokenProvider
	}
	return &PKCS11Store{
		cfg:        cfg,
		provider:   provider,
		enrollment: cfg.Enrollment,
		logger:     cfg.Logger.Named("pkcs11"),
	}, nil
}

func (s *PKCS11Store) label(name string) string {
	return s.cfg.LabelPrefix + name
}

func (s *PKCS11Store) SupportsEnrollmentInvalidation() bool {
	return true
}

func (s *PKCS11Store) Generate(ctx context.Context, spec KeySpec) error {
	ctx, err := checkContext(ctx)
	if err != nil {
		return err
	}
	if err := spec.validate(); err != nil {
		return err
	}
	var id []byte
	if spec.InvalidatedByEnrollment {
		if id, err = s.enrollment.Digest(ctx); err != nil {
			return fmt.Errorf("keystore: read enrollment: %w", err)
		}
	}
	label := s.label(spec.Name)
	return s.withSession(ctx, func(sess TokenSession) error {
		if err := sess.DestroyKey(ctx, label); err != nil {
			return err
		}
		return sess.GenerateKey(ctx, label, id)
	})
}

func (s *PKCS11Store) Contains(ctx context.Context, name string) (bool, error) {
	ctx, err := checkContext(ctx)
	if err != nil {
		return false, err
	}
	var found bool
	err = s.withSession(ctx, func(sess TokenSession) error {
		var err error
		_, found, err = sess.FindKey(ctx, s.label(name))
		return err
	})
	return found, err
}

func (s *PKCS11Store) Delete(ctx context.Context, name string) error {
	ctx, err := checkContext(ctx)
	if err != nil {
		return err
	}
	return s.withSession(ctx, func(sess TokenSession) error {
		return sess.DestroyKey(ctx, s.label(name))
	})
}

func (s *PKCS11Store) Open(ctx context.Context, name string) (Key, error) {
	ctx, err := checkContext(ctx)
	if err != nil {
		return nil, err
	}
	label := s.label(name)
	err = s.withSession(ctx, func(sess TokenSession) error {
		id, found, err := sess.FindKey(ctx, label)
		if err != nil {
			return err
		}
		if !found {
			return ErrKeyNotFound
		}
		if len(id) == 0 {
			return nil
		}
		if bytes.Equal(id, invalidatedID) {
			return ErrKeyInvalidated
		}
		digest, err := s.enrollment.Digest(ctx)
		if err != nil {
			return fmt.Errorf("keystore: read enrollment: %w", err)
		}
		if bytes.Equal(id, digest) {
			return nil
		}
		if err := sess.SetKeyID(ctx, label, invalidatedID); err != nil {
			return err
		}
		s.logger.Info(ctx, "enrollment changed, token key invalidated", slog.F("key", name))
		return ErrKeyInvalidated
	})
	if err != nil {
		return nil, err
	}
	return &tokenKey{store: s, label: label}, nil
}

func (s *PKCS11Store) withSession(ctx context.Context, fn func(TokenSession) error) (err error) {
	sess, err := s.provider.Open(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(sess)
}

// tokenKey runs each operation in its own token session.
type tokenKey struct {
	store *PKCS11Store
	label string
}

func (k *tokenKey) Encrypt(iv, plaintext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, ErrInvalidIV
	}
	var out []byte
	ctx := context.Background()
	err := k.store.withSession(ctx, func(sess TokenSession) error {
		var err error
		out, err = sess.Encrypt(ctx, k.label, iv, plaintext)
		return err
	})
	return out, err
}

func (k *tokenKey) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, ErrInvalidIV
	}
	if len(ciphertext) == 0 || len(ciphertext)%IVSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	var out []byte
	ctx := context.Background()
	err := k.store.withSession(ctx, func(sess TokenSession) error {
		var err error
		out, err = sess.Decrypt(ctx, k.label, iv, ciphertext)
		return err
	})
	return out, err
}
