package keystore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/prefs"
)

// DefaultPrefix is the prefs key prefix of persisted key records.
const DefaultPrefix = "keystore/"

var (
	// ErrMissingPrefs indicates a store configured without persistence.
	ErrMissingPrefs = errors.New("keystore: prefs store is required")
	// ErrMissingEnrollment indicates a store configured without an
	// enrollment source.
	ErrMissingEnrollment = errors.New("keystore: enrollment source is required")
)

// SoftwareConfig configures a SoftwareStore.
type SoftwareConfig struct {
	Prefs      prefs.Store
	Enrollment Enrollment
	// Prefix namespaces the records in Prefs. Defaults to DefaultPrefix.
	Prefix string
	Logger slog.Logger
}

func (c SoftwareConfig) validate() error {
	if c.Prefs == nil {
		return ErrMissingPrefs
	}
	if c.Enrollment == nil {
		return ErrMissingEnrollment
	}
	return nil
}

// SoftwareStore keeps AES keys in a prefs.Store. It offers no protection
// of the key material at rest and is meant for development and for devices
// without a TPM or token.
type SoftwareStore struct {
	prefs      prefs.Store
	enrollment Enrollment
	prefix     string
	logger     slog.Logger
}

var _ Store = (*SoftwareStore)(nil)

// NewSoftwareStore validates cfg and returns the store.
func NewSoftwareStore(cfg SoftwareConfig) (*SoftwareStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &SoftwareStore{
		prefs:      cfg.Prefs,
		enrollment: cfg.Enrollment,
		prefix:     prefix,
		logger:     cfg.Logger.Named("software"),
	}, nil
}

type softwareRecord struct {
	Key         []byte    `json:"key,omitempty"`
	Digest      []byte    `json:"digest,omitempty"`
	Bound       bool      `json:"bound"`
	Invalidated bool      `json:"invalidated,omitempty"`
	Created     time.Time `json:"created"`
}

func (s *SoftwareStore) SupportsEnrollmentInvalidation() bool {
	return true
}

func (s *SoftwareStore) Generate(ctx context.Context, spec KeySpec) error {
	ctx, err := checkContext(ctx)
	if err != nil {
		return err
	}
	if err := spec.validate(); err != nil {
		return err
	}
	raw, err := newKeyMaterial()
	if err != nil {
		return err
	}
	rec := softwareRecord{Key: raw, Bound: spec.InvalidatedByEnrollment, Created: time.Now().UTC()}
	if rec.Bound {
		if rec.Digest, err = s.enrollment.Digest(ctx); err != nil {
			return fmt.Errorf("keystore: read enrollment: %w", err)
		}
	}
	return s.save(ctx, spec.Name, rec)
}

func (s *SoftwareStore) Contains(ctx context.Context, name string) (bool, error) {
	ctx, err := checkContext(ctx)
	if err != nil {
		return false, err
	}
	_, ok, err := s.prefs.Get(ctx, s.prefix+name)
	return ok, err
}

func (s *SoftwareStore) Delete(ctx context.Context, name string) error {
	ctx, err := checkContext(ctx)
	if err != nil {
		return err
	}
	return s.prefs.Remove(ctx, s.prefix+name)
}

func (s *SoftwareStore) Open(ctx context.Context, name string) (Key, error) {
	ctx, err := checkContext(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.Invalidated {
		return nil, ErrKeyInvalidated
	}
	if rec.Bound {
		digest, err := s.enrollment.Digest(ctx)
		if err != nil {
			return nil, fmt.Errorf("keystore: read enrollment: %w", err)
		}
		if subtle.ConstantTimeCompare(digest, rec.Digest) != 1 {
			// The key material is discarded so the key stays unusable even
			// if the enrollment later reverts.
			rec.Invalidated = true
			rec.Key = nil
			if err := s.save(ctx, name, rec); err != nil {
				return nil, err
			}
			s.logger.Info(ctx, "enrollment changed, key invalidated", slog.F("key", name))
			return nil, ErrKeyInvalidated
		}
	}
	return newAESKey(rec.Key)
}

func (s *SoftwareStore) load(ctx context.Context, name string) (softwareRecord, error) {
	var rec softwareRecord
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

func (s *SoftwareStore) save(ctx context.Context, name string, rec softwareRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: encode record %q: %w", name, err)
	}
	return s.prefs.Put(ctx, s.prefix+name, string(raw))
}
