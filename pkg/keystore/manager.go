package keystore

import (
	"context"
	"errors"

	"cdr.dev/slog/v3"
)

// ErrMissingStore indicates a Manager configured without a Store.
var ErrMissingStore = errors.New("keystore: store is required")

// Config configures a Manager.
type Config struct {
	Store  Store
	Logger slog.Logger
}

func (c Config) validate() error {
	if c.Store == nil {
		return ErrMissingStore
	}
	return nil
}

// Manager creates, inspects and uses biometric-gated keys.
//
// Permanent invalidation is reported as a false result rather than an
// error: the caller is expected to drop whatever it encrypted, remove the
// key, create a new one and authenticate again.
type Manager struct {
	store  Store
	logger slog.Logger
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{store: cfg.Store, logger: cfg.Logger.Named("keystore")}, nil
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// HasKey reports whether a key named name exists. Any retrieval failure
// reads as false.
func (m *Manager) HasKey(ctx context.Context, name string) bool {
	ctx, err := checkContext(ctx)
	if err != nil {
		return false
	}
	ok, err := m.store.Contains(ctx, name)
	if err != nil {
		m.logger.Warn(ctx, "key lookup failed", slog.F("key", name), slog.Error(err))
		return false
	}
	return ok
}

// CreateKey generates a key that requires authentication for every use.
// When the store has no enrollment-invalidation option the key is created
// as if invalidateOnNewEnrollment were true. Errors are configuration
// errors and must not be retried.
func (m *Manager) CreateKey(ctx context.Context, name string, invalidateOnNewEnrollment bool) error {
	ctx, err := checkContext(ctx)
	if err != nil {
		return err
	}
	forced := !m.store.SupportsEnrollmentInvalidation()
	spec := NewKeySpec(name, invalidateOnNewEnrollment || forced)
	if err := spec.validate(); err != nil {
		return err
	}
	if err := m.store.Generate(ctx, spec); err != nil {
		return err
	}
	m.logger.Info(ctx, "key created",
		slog.F("key", name),
		slog.F("invalidated_by_enrollment", spec.InvalidatedByEnrollment),
		slog.F("forced", forced && !invalidateOnNewEnrollment))
	return nil
}

// InitEncryptingCipher prepares a cipher that encrypts under name with a
// fresh random IV. ok is false when the key was permanently invalidated.
func (m *Manager) InitEncryptingCipher(ctx context.Context, name string) (c *Cipher, ok bool, err error) {
	key, ok, err := m.open(ctx, name)
	if !ok || err != nil {
		return nil, ok, err
	}
	iv, err := newIV()
	if err != nil {
		return nil, false, err
	}
	return newCipher(name, ModeEncrypt, key, iv), true, nil
}

// InitDecryptingCipher prepares a cipher that decrypts under name with the
// IV used at encryption time. ok is false when the key was permanently
// invalidated.
func (m *Manager) InitDecryptingCipher(ctx context.Context, name string, iv []byte) (c *Cipher, ok bool, err error) {
	if len(iv) != IVSize {
		return nil, false, ErrInvalidIV
	}
	key, ok, err := m.open(ctx, name)
	if !ok || err != nil {
		return nil, ok, err
	}
	return newCipher(name, ModeDecrypt, key, iv), true, nil
}

func (m *Manager) open(ctx context.Context, name string) (Key, bool, error) {
	ctx, err := checkContext(ctx)
	if err != nil {
		return nil, false, err
	}
	key, err := m.store.Open(ctx, name)
	switch {
	case errors.Is(err, ErrKeyInvalidated):
		m.logger.Warn(ctx, "key permanently invalidated", slog.F("key", name))
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return key, true, nil
}

// RemoveKey deletes the key. It reports whether no key of that name
// remains, so removing an absent key returns true.
func (m *Manager) RemoveKey(ctx context.Context, name string) bool {
	ctx, err := checkContext(ctx)
	if err != nil {
		return false
	}
	if err := m.store.Delete(ctx, name); err != nil {
		m.logger.Warn(ctx, "key removal failed", slog.F("key", name), slog.Error(err))
		return false
	}
	m.logger.Debug(ctx, "key removed", slog.F("key", name))
	return true
}
