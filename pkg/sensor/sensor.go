// Package sensor authenticates through the legacy fingerprint sensor API with a
// dialog owned by the caller's UI layer.
//
// Unlike the system prompt the sensor API performs no checks of its own, so the
// backend runs the pre-flight checks in a fixed order before presenting the
// dialog, and again once the dialog is up:
//
//  1. no fingerprint feature: ErrorHardwareNotPresent
//  2. hardware not detected: ErrorHardwareUnavailable
//  3. nothing enrolled: ErrorNoEnrolledBiometrics
//
// The dialog is dismissed whenever the attempt reaches a terminal outcome.
package sensor

import (
	"context"
	"errors"
	"sync/atomic"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
)

var (
	// ErrMissingHardware indicates the backend was configured without sensor hardware.
	ErrMissingHardware = errors.New("sensor: hardware is required")
	// ErrMissingPresenter indicates the backend was configured without a presenter.
	ErrMissingPresenter = errors.New("sensor: presenter is required")
	// ErrMissingTitle indicates the dialog has no title.
	ErrMissingTitle = errors.New("sensor: title is required")
	// ErrMissingNegativeText indicates the dialog has no negative button text.
	ErrMissingNegativeText = errors.New("sensor: negative button text is required")
)

// Listener receives native sensor callbacks.
type Listener interface {
	OnError(code int, message string)
	OnHelp(code int, message string)
	OnSucceeded()
	OnFailed()
}

// Hardware is the legacy fingerprint sensor.
type Hardware interface {
	HasFeature() bool
	IsHardwareDetected() bool
	// HasEnrolledFingerprints may fail on devices that guard the query; the
	// failure is reported as unavailable hardware.
	HasEnrolledFingerprints() (bool, error)
	// Authenticate starts scanning and returns. Results arrive on l until
	// cancel is canceled or a terminal callback fired.
	Authenticate(crypto *biometric.CryptoHandle, cancel *biometric.CancellationSignal, l Listener) error
}

// Dialog describes the surface the presenter shows. The presenter calls
// Dismissed when the user dismisses the surface and NegativePressed when the
// negative button is pressed.
type Dialog struct {
	Title        string
	Subtitle     string
	Description  string
	NegativeText string

	Dismissed       func()
	NegativePressed func()
}

// Surface is a presented dialog.
type Surface interface {
	// Show renders transient or final feedback for o.
	Show(o biometric.Outcome)
	// Dismiss removes the surface. It must tolerate repeated calls.
	Dismiss()
}

// Presenter shows dialogs.
type Presenter interface {
	Present(d Dialog) (Surface, error)
}

// Config configures the backend.
type Config struct {
	Hardware  Hardware
	Presenter Presenter

	Title        string
	Subtitle     string
	Description  string
	NegativeText string
	// NegativeExecutor runs OnNegative. Defaults to biometric.InlineExecutor.
	NegativeExecutor biometric.Executor
	OnNegative       func()

	Resources biometric.Resources
	Logger    slog.Logger
}

func (c *Config) validate() error {
	if c.Hardware == nil {
		return ErrMissingHardware
	}
	if c.Presenter == nil {
		return ErrMissingPresenter
	}
	if c.Title == "" {
		return ErrMissingTitle
	}
	if c.NegativeText == "" {
		return ErrMissingNegativeText
	}
	if c.NegativeExecutor == nil {
		c.NegativeExecutor = biometric.InlineExecutor{}
	}
	if c.Resources == nil {
		c.Resources = biometric.DefaultResources
	}
	return nil
}

// Backend is the legacy sensor backend.
type Backend struct {
	cfg    Config
	logger slog.Logger
}

// New validates cfg and returns a backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Backend{cfg: cfg, logger: cfg.Logger.Named("sensor")}, nil
}

// SupportsCrypto reports true; the sensor API accepts every crypto handle.
func (b *Backend) SupportsCrypto() bool {
	return true
}

// Preflight runs the availability checks against h in their fixed order. It
// returns false and the failing code when authentication cannot start.
func Preflight(h Hardware) (biometric.Error, bool) {
	if !h.HasFeature() {
		return biometric.ErrorHardwareNotPresent, false
	}
	if !h.IsHardwareDetected() {
		return biometric.ErrorHardwareUnavailable, false
	}
	enrolled, err := h.HasEnrolledFingerprints()
	if err != nil {
		return biometric.ErrorHardwareUnavailable, false
	}
	if !enrolled {
		return biometric.ErrorNoEnrolledBiometrics, false
	}
	return biometric.ErrorUnknown, true
}

// Start runs the pre-flight checks, presents the dialog and listens on the
// sensor.
func (b *Backend) Start(ctx context.Context, a *biometric.Attempt, crypto *biometric.CryptoHandle) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := b.logger.With(slog.F("attempt_id", a.ID()))

	if code, ok := Preflight(b.cfg.Hardware); !ok {
		logger.Debug(ctx, "pre-flight failed", slog.F("code", code.String()))
		a.Fail(code, "")
		return nil
	}

	s := &session{backend: b, attempt: a, crypto: crypto}
	surface, err := b.cfg.Presenter.Present(Dialog{
		Title:           b.cfg.Title,
		Subtitle:        b.cfg.Subtitle,
		Description:     b.cfg.Description,
		NegativeText:    b.cfg.NegativeText,
		Dismissed:       s.dismissed,
		NegativePressed: s.negativePressed,
	})
	if err != nil {
		logger.Warn(ctx, "present dialog", slog.Error(err))
		a.Fail(biometric.ErrorUnknown, err.Error())
		return nil
	}
	s.surface = surface
	a.OnTerminal(surface.Dismiss)

	// The dialog may have raced with a hardware change.
	if code, ok := Preflight(b.cfg.Hardware); !ok {
		logger.Debug(ctx, "availability changed after presenting dialog", slog.F("code", code.String()))
		a.Fail(code, "")
		return nil
	}

	native := biometric.NewCancellationSignal()
	if !a.Listen(func() {
		s.selfCanceled.Store(true)
		native.Cancel()
	}) {
		return nil
	}

	logger.Debug(ctx, "listening on sensor", slog.F("crypto", crypto != nil))
	if err := b.cfg.Hardware.Authenticate(crypto, native, s); err != nil {
		logger.Warn(ctx, "start sensor", slog.Error(err))
		a.Fail(biometric.ErrorHardwareUnavailable, "")
	}
	return nil
}

type session struct {
	backend *Backend
	attempt *biometric.Attempt
	crypto  *biometric.CryptoHandle
	surface Surface

	selfCanceled atomic.Bool
}

func (s *session) dismissed() {
	s.attempt.Cancel(biometric.ErrorUserCanceled)
}

func (s *session) negativePressed() {
	if fn := s.backend.cfg.OnNegative; fn != nil {
		s.backend.cfg.NegativeExecutor.Execute(fn)
	}
	s.attempt.Cancel(biometric.ErrorUserCanceled)
}

func (s *session) OnError(code int, message string) {
	// The sensor reports our own cancellation as an error; the attempt has
	// already delivered its outcome.
	if s.selfCanceled.Load() {
		return
	}
	e := biometric.FromSensorCode(code)
	if message == "" {
		message, _ = biometric.Describe(s.backend.cfg.Resources, e)
	}
	s.surface.Show(biometric.Errored(e, message))
	s.attempt.Fail(e, message)
}

func (s *session) OnHelp(code int, message string) {
	o := biometric.Help(biometric.HelpCode(code), message)
	s.surface.Show(o)
	s.attempt.Help(o.Help, o.Message)
}

func (s *session) OnSucceeded() {
	s.surface.Show(biometric.Succeeded(s.crypto))
	s.attempt.Succeed(s.crypto)
}

func (s *session) OnFailed() {
	s.surface.Show(biometric.Failed())
	s.attempt.Reject()
}
