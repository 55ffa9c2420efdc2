// Package prompt drives the operating system's unified biometric prompt.
//
// The system prompt performs its own availability checks and owns its UI.
// This backend only forwards the request and translates the prompt's native
// callbacks into biometric outcomes.
package prompt

import (
	"context"
	"errors"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
)

var (
	// ErrMissingPlatform indicates the backend was configured without a platform prompt.
	ErrMissingPlatform = errors.New("prompt: platform is required")
	// ErrMissingTitle indicates the prompt has no title.
	ErrMissingTitle = errors.New("prompt: title is required")
	// ErrMissingNegativeText indicates the prompt has no negative button text.
	ErrMissingNegativeText = errors.New("prompt: negative button text is required")
)

// Info configures the system prompt.
type Info struct {
	Title       string
	Subtitle    string
	Description string

	NegativeText string
	// NegativeExecutor runs OnNegative. Defaults to biometric.InlineExecutor.
	NegativeExecutor biometric.Executor
	OnNegative       func()
}

// Listener receives the system prompt's native callbacks.
type Listener interface {
	OnError(code int, message string)
	OnHelp(code int, message string)
	OnSucceeded()
	OnFailed()
}

// Platform is the operating system prompt. Authenticate shows the prompt and
// returns immediately; results arrive on l until cancel is canceled or a
// terminal callback fired.
type Platform interface {
	Authenticate(info Info, crypto *biometric.CryptoHandle, cancel *biometric.CancellationSignal, l Listener) error
}

// Config configures the backend.
type Config struct {
	Platform Platform
	Info     Info
	Logger   slog.Logger
}

func (c *Config) validate() error {
	if c.Platform == nil {
		return ErrMissingPlatform
	}
	if c.Info.Title == "" {
		return ErrMissingTitle
	}
	if c.Info.NegativeText == "" {
		return ErrMissingNegativeText
	}
	if c.Info.NegativeExecutor == nil {
		c.Info.NegativeExecutor = biometric.InlineExecutor{}
	}
	return nil
}

// Backend is the modern prompt backend.
type Backend struct {
	platform Platform
	info     Info
	logger   slog.Logger
}

// New validates cfg and returns a backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Backend{
		platform: cfg.Platform,
		info:     cfg.Info,
		logger:   cfg.Logger.Named("prompt"),
	}, nil
}

// SupportsCrypto reports true; the system prompt accepts every crypto handle.
func (b *Backend) SupportsCrypto() bool {
	return true
}

// Start shows the system prompt for a.
func (b *Backend) Start(ctx context.Context, a *biometric.Attempt, crypto *biometric.CryptoHandle) error {
	if ctx == nil {
		ctx = context.Background()
	}
	native := biometric.NewCancellationSignal()
	if !a.Listen(native.Cancel) {
		return nil
	}

	b.logger.Debug(ctx, "showing system prompt",
		slog.F("attempt_id", a.ID()),
		slog.F("crypto", crypto != nil),
	)
	if err := b.platform.Authenticate(b.info, crypto, native, &listener{attempt: a, crypto: crypto}); err != nil {
		b.logger.Warn(ctx, "system prompt failed to start", slog.F("attempt_id", a.ID()), slog.Error(err))
		a.Fail(biometric.ErrorHardwareUnavailable, "")
	}
	return nil
}

type listener struct {
	attempt *biometric.Attempt
	crypto  *biometric.CryptoHandle
}

func (l *listener) OnError(code int, message string) {
	l.attempt.Fail(biometric.FromPromptCode(code), message)
}

func (l *listener) OnHelp(code int, message string) {
	l.attempt.Help(biometric.HelpCode(code), message)
}

func (l *listener) OnSucceeded() {
	l.attempt.Succeed(l.crypto)
}

func (l *listener) OnFailed() {
	l.attempt.Reject()
}
