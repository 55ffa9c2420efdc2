package keyguard

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog/v3"
)

// Session is one PAM transaction. Authenticate wraps ErrCredentialRejected
// when the stack refuses the credential; any other error is a fault of the
// stack itself.
type Session interface {
	Authenticate(ctx context.Context, credential string) error
	Close() error
}

// SessionOpener starts PAM transactions for a service and user.
type SessionOpener interface {
	Open(ctx context.Context, service, username string) (Session, error)
}

var (
	errSystemOpenerUnavailable = errors.New("keyguard: system session opener unavailable; requires cgo build with PAM support")
	systemSessionOpener        SessionOpener

	// ErrCredentialRejected indicates the PAM stack refused the credential.
	ErrCredentialRejected = errors.New("keyguard: device credential rejected")
	ErrEmptyCredential    = errors.New("keyguard: credential must not be empty")
)

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Service is the PAM service name, e.g. "login".
	Service  string
	Username string
	// Opener defaults to the host PAM stack.
	Opener SessionOpener
	Logger slog.Logger
}

func (c VerifierConfig) validate() error {
	if c.Service == "" {
		return errors.New("keyguard: service name must not be empty")
	}
	if c.Username == "" {
		return errors.New("keyguard: username must not be empty")
	}
	return nil
}

// Verifier checks the device credential of one user through PAM.
type Verifier struct {
	service  string
	username string
	opener   SessionOpener
	logger   slog.Logger
}

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opener := cfg.Opener
	if opener == nil {
		if systemSessionOpener == nil {
			return nil, errSystemOpenerUnavailable
		}
		opener = systemSessionOpener
	}
	return &Verifier{
		service:  cfg.Service,
		username: cfg.Username,
		opener:   opener,
		logger:   cfg.Logger.Named("pam"),
	}, nil
}

// Verify checks credential. A refused credential yields an error wrapping
// ErrCredentialRejected.
func (v *Verifier) Verify(ctx context.Context, credential string) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if credential == "" {
		return ErrEmptyCredential
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	session, err := v.opener.Open(ctx, v.service, v.username)
	if err != nil {
		return fmt.Errorf("keyguard: start pam transaction: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := session.Authenticate(ctx, credential); err != nil {
		if errors.Is(err, ErrCredentialRejected) {
			v.logger.Info(ctx, "device credential rejected",
				slog.F("service", v.service), slog.F("user", v.username))
			return err
		}
		v.logger.Warn(ctx, "pam authentication failed",
			slog.F("service", v.service), slog.Error(err))
		return fmt.Errorf("keyguard: pam authenticate: %w", err)
	}
	v.logger.Debug(ctx, "device credential accepted", slog.F("user", v.username))
	return nil
}
