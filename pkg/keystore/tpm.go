package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/prefs"
)

// DefaultTPMDevice is the in-kernel TPM resource manager.
const DefaultTPMDevice = "/dev/tpmrm0"

var (
	// ErrTPMUnavailable indicates the TPM device is not accessible.
	ErrTPMUnavailable = errors.New("keystore: tpm device unavailable")
	// ErrTPMAuthFailed indicates the TPM rejected the authorization value of
	// a sealed object.
	ErrTPMAuthFailed = errors.New("keystore: tpm authorization failed")
)

// SealedBlob is a TPM sealed data object in marshalled form. It can only
// be loaded by the TPM that created it.
type SealedBlob struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// TPMSession is an open connection to a TPM.
type TPMSession interface {
	// Seal creates a sealed data object under the storage root key whose
	// authorization value is auth.
	Seal(ctx context.Context, data, auth []byte) (SealedBlob, error)
	// Unseal loads blob and returns its data. A wrong auth yields
	// ErrTPMAuthFailed.
	Unseal(ctx context.Context, blob SealedBlob, auth []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// TPMProvider opens TPM sessions.
type TPMProvider interface {
	Open(ctx context.Context, cfg TPMConfig) (TPMSession, error)
}

var systemTPMProvider TPMProvider = deviceProvider{}

// SetSystemTPMProvider replaces the provider used when TPMConfig.Provider
// is nil.
func SetSystemTPMProvider(p TPMProvider) {
	systemTPMProvider = p
}

// TPMConfig configures a TPMStore.
type TPMConfig struct {
	// DevicePath is a TPM character device or a unix socket speaking the
	// TPM command protocol. Defaults to DefaultTPMDevice.
	DevicePath string
	Prefs      prefs.Store
	Enrollment Enrollment
	Provider   TPMProvider
	Prefix     string
	Logger     slog.Logger
}

func (c TPMConfig) validate() error {
	if c.Prefs == nil {
		return ErrMissingPrefs
	}
	if c.Enrollment == nil {
		return ErrMissingEnrollment
	}
	return nil
}

// TPMStore seals each AES key under the TPM storage root key. For keys
// invalidated by enrollment the sealed object's authorization value is the
// enrollment digest, so the TPM itself refuses to release the key once the
// enrolled set changes.
type TPMStore struct {
	cfg        TPMConfig
	provider   TPMProvider
	prefs      prefs.Store
	enrollment Enrollment
	prefix     string
	logger     slog.Logger
}

var _ Store = (*TPMStore)(nil)

// NewTPMStore validates cfg and returns the store. The TPM is only opened
// when a key is generated or used.
func NewTPMStore(cfg TPMConfig) (*TPMStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DevicePath == "" {
		cfg.DevicePath = DefaultTPMDevice
	}
	provider := cfg.Provider
	if provider == nil {
		provider = systemTPMProvider
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &TPMStore{
		cfg:        cfg,
		provider:   provider,
		prefs:      cfg.Prefs,
		enrollment: cfg.Enrollment,
		prefix:     prefix,
		logger:     cfg.Logger.Named("tpm"),
	}, nil
}

type tpmRecord struct {
	Blob        *SealedBlob `json:"blob,omitempty"`
	Bound       bool        `json:"bound"`
	Invalidated bool        `json:"invalidated,omitempty"`
	Created     time.Time   `json:"created"`
}

func (s *TPMStore) SupportsEnrollmentInvalidation() bool {
	return true
}

func (s *TPMStore) Generate(ctx context.Context, spec KeySpec) error {
	ctx, err := checkContext(ctx)
	if err != nil {
		return err
	}
	if err := spec.validate(); err != nil {
		return err
	}
	auth, err := s.auth(ctx, spec.InvalidatedByEnrollment)
	if err != nil {
		return err
	}
	raw, err := newKeyMaterial()
	if err != nil {
		return err
	}
	var blob SealedBlob
	err = s.withSession(ctx, func(sess TPMSession) error {
		var err error
		blob, err = sess.Seal(ctx, raw, auth)
		return err
	})
	if err != nil {
		return err
	}
	rec := tpmRecord{Blob: &blob, Bound: spec.InvalidatedByEnrollment, Created: time.Now().UTC()}
	return s.save(ctx, spec.Name, rec)
}

func (s *TPMStore) Contains(ctx context.Context, name string) (bool, error) {
	ctx, err := checkContext(ctx)
	if err != nil {
		return false, err
	}
	_, ok, err := s.prefs.Get(ctx, s.prefix+name)
	return ok, err
}

// Delete forgets the sealed blob. The TPM holds no per-key state.
func (s *TPMStore) Delete(ctx context.Context, name string) error {
	ctx, err := checkContext(ctx)
	if err != nil {
		return err
	}
	return s.prefs.Remove(ctx, s.prefix+name)
}

func (s *TPMStore) Open(ctx context.Context, name string) (Key, error) {
	ctx, err := checkContext(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.Invalidated || rec.Blob == nil {
		return nil, ErrKeyInvalidated
	}
	auth, err := s.auth(ctx, rec.Bound)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = s.withSession(ctx, func(sess TPMSession) error {
		var err error
		raw, err = sess.Unseal(ctx, *rec.Blob, auth)
		return err
	})
	if errors.Is(err, ErrTPMAuthFailed) && rec.Bound {
		rec.Invalidated = true
		rec.Blob = nil
		if err := s.save(ctx, name, rec); err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "enrollment changed, sealed key invalidated", slog.F("key", name))
		return nil, ErrKeyInvalidated
	}
	if err != nil {
		return nil, err
	}
	return newAESKey(raw)
}

func (s *TPMStore) auth(ctx context.Context, bound bool) ([]byte, error) {
	if !bound {
		return nil, nil
	}
	digest, err := s.enrollment.Digest(ctx)
	if err != nil {
		return nil, fmt.Errorf("keystore: read enrollment: %w", err)
	}
	return digest, nil
}

func (s *TPMStore) withSession(ctx context.Context, fn func(TPMSession) error) (err error) {
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

func (s *TPMStore) load(ctx context.Context, name string) (tpmRecord, error) {
	var rec tpmRecord
	raw, ok, err := s.prefs.Get(ctx, s.prefix+name)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, ErrKeyNotFound
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, fmt.Errorf("keystore: decode record %q: %w", name, err)
	}
	return rec, nil
}

func (s *TPMStore) save(ctx context.Context, name string, rec tpmRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: encode record %q: %w", name, err)
	}
	return s.prefs.Put(ctx, s.prefix+name, string(raw))
}
