package simulator

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
	"github.com/jeremyhahn/go-bioauth/pkg/keyguard"
	"github.com/jeremyhahn/go-bioauth/pkg/probe"
	"github.com/jeremyhahn/go-bioauth/pkg/prompt"
	"github.com/jeremyhahn/go-bioauth/pkg/sensor"
	"github.com/jeremyhahn/go-bioauth/pkg/vendor"
)

// Prompt returns the simulated system prompt.
func (d *Device) Prompt() prompt.Platform {
	return promptPlatform{d: d}
}

// Sensor returns the simulated legacy fingerprint sensor.
func (d *Device) Sensor() sensor.Hardware {
	return sensorHardware{d: d}
}

// Presenter returns a presenter that records every dialog it shows.
func (d *Device) Presenter() sensor.Presenter {
	return presenter{d: d}
}

// VendorOpener returns the opener of the simulated vendor SDK.
func (d *Device) VendorOpener() vendor.Opener {
	return vendor.OpenerFunc(func(ctx context.Context, env probe.Env) (vendor.SDK, error) {
		return &vendorSDK{d: d}, nil
	})
}

// RegisterVendor registers the simulated vendor SDK under name.
func (d *Device) RegisterVendor(reg *probe.Registry, name string) error {
	return reg.Register(name, vendor.NewFactory(d.VendorOpener()))
}

// CredentialOpener returns a PAM stack that accepts the configured device
// credential for any service and user.
func (d *Device) CredentialOpener() keyguard.SessionOpener {
	return credentialOpener{d: d}
}

type promptPlatform struct {
	d *Device
}

// Authenticate performs the checks the operating system runs before
// showing its prompt and then listens.
func (p promptPlatform) Authenticate(info prompt.Info, crypto *biometric.CryptoHandle, cancel *biometric.CancellationSignal, l prompt.Listener) error {
	d := p.d
	if code, ok := sensor.Preflight(sensorHardware{d: d}); !ok {
		l.OnError(promptCode(code), "")
		return nil
	}
	s := &session{tech: TechPrompt, info: info, prompt: l}
	if d.activate(s) {
		l.OnError(biometric.PromptErrorLockout, "")
		return nil
	}
	cancel.SetOnCancel(func() {
		if d.release(s) {
			l.OnError(biometric.PromptErrorCanceled, "")
		}
	})
	d.play()
	return nil
}

func promptCode(e biometric.Error) int {
	switch e {
	case biometric.ErrorHardwareNotPresent:
		return biometric.PromptErrorHardwareNotPresent
	case biometric.ErrorNoEnrolledBiometrics:
		return biometric.PromptErrorNoBiometrics
	default:
		return biometric.PromptErrorHardwareUnavailable
	}
}

type sensorHardware struct {
	d *Device
}

func (h sensorHardware) HasFeature() bool {
	return h.d.info.HasFingerprintFeature
}

func (h sensorHardware) IsHardwareDetected() bool {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.d.detected
}

func (h sensorHardware) HasEnrolledFingerprints() (bool, error) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return len(h.d.fingers) > 0, nil
}

func (h sensorHardware) Authenticate(crypto *biometric.CryptoHandle, cancel *biometric.CancellationSignal, l sensor.Listener) error {
	d := h.d
	s := &session{tech: TechSensor, sensor: l}
	if d.activate(s) {
		l.OnError(biometric.SensorErrorLockout, "")
		return nil
	}
	cancel.SetOnCancel(func() {
		if d.release(s) {
			l.OnError(biometric.SensorErrorCanceled, "")
		}
	})
	d.play()
	return nil
}

type presenter struct {
	d *Device
}

func (p presenter) Present(dlg sensor.Dialog) (sensor.Surface, error) {
	s := &Surface{d: p.d, dialog: dlg}
	p.d.mu.Lock()
	p.d.dialog = &s.dialog
	p.d.surfaces = append(p.d.surfaces, s)
	p.d.mu.Unlock()
	p.d.logger.Debug(context.Background(), "dialog presented", slog.F("title", dlg.Title))
	return s, nil
}

// Surface is a dialog shown by the simulated presenter.
type Surface struct {
	d      *Device
	dialog sensor.Dialog

	mu        sync.Mutex
	shown     []biometric.Outcome
	dismissed bool
}

// Show records o.
func (s *Surface) Show(o biometric.Outcome) {
	s.mu.Lock()
	s.shown = append(s.shown, o)
	s.mu.Unlock()
}

// Dismiss removes the dialog.
func (s *Surface) Dismiss() {
	s.mu.Lock()
	s.dismissed = true
	s.mu.Unlock()

	s.d.mu.Lock()
	if s.d.dialog == &s.dialog {
		s.d.dialog = nil
	}
	s.d.mu.Unlock()
}

// Dialog returns the dialog description.
func (s *Surface) Dialog() sensor.Dialog {
	return s.dialog
}

// Shown returns the outcomes rendered on the surface.
func (s *Surface) Shown() []biometric.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]biometric.Outcome(nil), s.shown...)
}

// Dismissed reports whether the surface was disposed.
func (s *Surface) Dismissed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dismissed
}

type vendorSDK struct {
	d       *Device
	mu      sync.Mutex
	current *session
}

func (v *vendorSDK) Initialize() error {
	if !v.d.vendor {
		return ErrVendorUnsupported
	}
	return nil
}

func (v *vendorSDK) SupportsCrypto() bool {
	return v.d.vcrypto
}

func (v *vendorSDK) StartIdentify(l vendor.IdentifyListener) error {
	s := &session{tech: TechVendor, vendor: l}
	v.mu.Lock()
	v.current = s
	v.mu.Unlock()

	l.OnReady()
	if v.d.activate(s) {
		l.OnFinished(biometric.VendorStatusOperationDenied)
		return nil
	}
	l.OnStarted()
	v.d.play()
	return nil
}

func (v *vendorSDK) CancelIdentify() error {
	v.mu.Lock()
	s := v.current
	v.current = nil
	v.mu.Unlock()
	if s == nil {
		return nil
	}
	if v.d.release(s) {
		s.vendor.OnCompleted()
	}
	return nil
}

type credentialOpener struct {
	d *Device
}

// errCredentialMismatch stands in for the PAM authentication error.
var errCredentialMismatch = fmt.Errorf("%w: simulator authentication failure", keyguard.ErrCredentialRejected)

func (o credentialOpener) Open(ctx context.Context, service, username string) (keyguard.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return credentialSession{d: o.d}, nil
}

type credentialSession struct {
	d *Device
}

func (s credentialSession) Authenticate(ctx context.Context, credential string) error {
	s.d.mu.Lock()
	want := s.d.credential
	secure := s.d.secure
	s.d.mu.Unlock()
	if !secure || want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(credential)) != 1 {
		return errCredentialMismatch
	}
	s.d.ResetLockout()
	return nil
}

func (credentialSession) Close() error {
	return nil
}
