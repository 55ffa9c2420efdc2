package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
)

type fakeHardware struct {
	mu        sync.Mutex
	feature   bool
	detected  bool
	enrolled  bool
	enrollErr error
	startErr  error

	// detectedAfter flips detection once the dialog was presented.
	detectedAfter *bool

	signal   *biometric.CancellationSignal
	listener Listener
	starts   int
}

func (h *fakeHardware) HasFeature() bool { return h.feature }

func (h *fakeHardware) IsHardwareDetected() bool { return h.detected }

func (h *fakeHardware) HasEnrolledFingerprints() (bool, error) {
	return h.enrolled, h.enrollErr
}

func (h *fakeHardware) Authenticate(_ *biometric.CryptoHandle, cancel *biometric.CancellationSignal, l Listener) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	h.signal = cancel
	h.listener = l
	return h.startErr
}

type fakeSurface struct {
	mu        sync.Mutex
	shown     []biometric.Outcome
	dismissed int
}

func (s *fakeSurface) Show(o biometric.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, o)
}

func (s *fakeSurface) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed++
}

type fakePresenter struct {
	hw      *fakeHardware
	dialog  Dialog
	surface *fakeSurface
	err     error
	calls   int
}

func (p *fakePresenter) Present(d Dialog) (Surface, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	p.dialog = d
	p.surface = &fakeSurface{}
	if p.hw != nil && p.hw.detectedAfter != nil {
		p.hw.detected = *p.hw.detectedAfter
	}
	return p.surface, nil
}

type recorder struct {
	mu  sync.Mutex
	out []biometric.Outcome
}

func (r *recorder) OnOutcome(o biometric.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, o)
}

func (r *recorder) outcomes() []biometric.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]biometric.Outcome(nil), r.out...)
}

func readyHardware() *fakeHardware {
	return &fakeHardware{feature: true, detected: true, enrolled: true}
}

func newBackend(t *testing.T, hw *fakeHardware, p *fakePresenter, onNegative func()) *Backend {
	t.Helper()
	b, err := New(Config{
		Hardware:     hw,
		Presenter:    p,
		Title:        "Unlock",
		Description:  "Touch the sensor",
		NegativeText: "Use password",
		OnNegative:   onNegative,
		Logger:       slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func start(t *testing.T, b *Backend) (*biometric.Attempt, *biometric.CancellationSignal, *recorder) {
	t.Helper()
	rec := &recorder{}
	signal := biometric.NewCancellationSignal()
	a, err := biometric.NewAttempt(signal, biometric.InlineExecutor{}, rec)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	if err := b.Start(context.Background(), a, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a, signal, rec
}

func TestNewValidation(t *testing.T) {
	hw := readyHardware()
	p := &fakePresenter{}
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no hardware", Config{Presenter: p, Title: "t", NegativeText: "n"}, ErrMissingHardware},
		{"no presenter", Config{Hardware: hw, Title: "t", NegativeText: "n"}, ErrMissingPresenter},
		{"no title", Config{Hardware: hw, Presenter: p, NegativeText: "n"}, ErrMissingTitle},
		{"no negative", Config{Hardware: hw, Presenter: p, Title: "t"}, ErrMissingNegativeText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPreflightOrdering(t *testing.T) {
	enrollErr := errors.New("security fault")
	for _, feature := range []bool{false, true} {
		for _, detected := range []bool{false, true} {
			for _, enrolled := range []bool{false, true} {
				for _, err := range []error{nil, enrollErr} {
					hw := &fakeHardware{feature: feature, detected: detected, enrolled: enrolled, enrollErr: err}
					code, ok := Preflight(hw)
					switch {
					case !feature:
						if ok || code != biometric.ErrorHardwareNotPresent {
							t.Fatalf("%+v: expected hardware not present, got %s", hw, code)
						}
					case !detected:
						if ok || code != biometric.ErrorHardwareUnavailable {
							t.Fatalf("%+v: expected hardware unavailable, got %s", hw, code)
						}
					case err != nil:
						if ok || code != biometric.ErrorHardwareUnavailable {
							t.Fatalf("%+v: expected hardware unavailable on enrollment fault, got %s", hw, code)
						}
					case !enrolled:
						if ok || code != biometric.ErrorNoEnrolledBiometrics {
							t.Fatalf("%+v: expected no enrolled biometrics, got %s", hw, code)
						}
					default:
						if !ok {
							t.Fatalf("%+v: expected pre-flight to pass, got %s", hw, code)
						}
					}
				}
			}
		}
	}
}

func TestPreflightFailureSkipsDialog(t *testing.T) {
	hw := &fakeHardware{feature: true, detected: true}
	p := &fakePresenter{hw: hw}
	a, _, rec := start(t, newBackend(t, hw, p, nil))

	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != biometric.ErrorNoEnrolledBiometrics || out[0].Message == "" {
		t.Fatalf("unexpected outcomes %v", out)
	}
	if p.calls != 0 || hw.starts != 0 {
		t.Fatalf("expected no dialog and no sensor start")
	}
	if a.State() != biometric.StateErrored {
		t.Fatalf("expected errored, got %s", a.State())
	}
}

func TestRecheckAfterPresentDismissesDialog(t *testing.T) {
	hw := readyHardware()
	lost := false
	hw.detectedAfter = &lost
	p := &fakePresenter{hw: hw}
	_, _, rec := start(t, newBackend(t, hw, p, nil))

	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != biometric.ErrorHardwareUnavailable {
		t.Fatalf("unexpected outcomes %v", out)
	}
	if p.surface.dismissed != 1 {
		t.Fatalf("expected dialog dismissed once, got %d", p.surface.dismissed)
	}
	if hw.starts != 0 {
		t.Fatalf("sensor must not start")
	}
}

func TestSuccessFlow(t *testing.T) {
	hw := readyHardware()
	p := &fakePresenter{hw: hw}
	a, _, rec := start(t, newBackend(t, hw, p, nil))

	if a.State() != biometric.StateListening || hw.starts != 1 {
		t.Fatalf("expected listening sensor, state %s starts %d", a.State(), hw.starts)
	}
	if p.dialog.Title != "Unlock" || p.dialog.NegativeText != "Use password" {
		t.Fatalf("unexpected dialog %+v", p.dialog)
	}

	hw.listener.OnHelp(int(biometric.HelpPartial), "Partial fingerprint detected")
	hw.listener.OnFailed()
	hw.listener.OnSucceeded()
	// Our own stop produces a native cancellation error which must be dropped.
	hw.listener.OnError(biometric.SensorErrorCanceled, "Fingerprint operation canceled.")

	out := rec.outcomes()
	want := []biometric.OutcomeKind{biometric.OutcomeHelp, biometric.OutcomeFailed, biometric.OutcomeSucceeded}
	if len(out) != len(want) {
		t.Fatalf("unexpected outcomes %v", out)
	}
	for i, k := range want {
		if out[i].Kind != k {
			t.Fatalf("outcome %d = %s, want %s", i, out[i].Kind, k)
		}
	}
	if !hw.signal.IsCanceled() {
		t.Fatalf("expected sensor stopped after success")
	}
	if p.surface.dismissed != 1 || len(p.surface.shown) != 3 {
		t.Fatalf("unexpected surface state: shown %v dismissed %d", p.surface.shown, p.surface.dismissed)
	}
}

func TestNativeErrorTranslated(t *testing.T) {
	hw := readyHardware()
	p := &fakePresenter{hw: hw}
	_, _, rec := start(t, newBackend(t, hw, p, nil))

	hw.listener.OnError(biometric.SensorErrorLockout, "")
	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != biometric.ErrorLockedOut || out[0].Message == "" {
		t.Fatalf("unexpected outcomes %v", out)
	}
	if p.surface.dismissed != 1 {
		t.Fatalf("expected dialog dismissed")
	}
}

func TestCallerCancel(t *testing.T) {
	hw := readyHardware()
	p := &fakePresenter{hw: hw}
	_, signal, rec := start(t, newBackend(t, hw, p, nil))

	signal.Cancel()
	hw.listener.OnError(biometric.SensorErrorCanceled, "")
	signal.Cancel()

	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != biometric.ErrorCanceled {
		t.Fatalf("unexpected outcomes %v", out)
	}
	if !hw.signal.IsCanceled() || p.surface.dismissed != 1 {
		t.Fatalf("expected sensor stopped and dialog dismissed")
	}
	if len(p.surface.shown) != 0 {
		t.Fatalf("suppressed errors must not be shown, got %v", p.surface.shown)
	}
}

func TestUserDismissal(t *testing.T) {
	hw := readyHardware()
	p := &fakePresenter{hw: hw}
	_, _, rec := start(t, newBackend(t, hw, p, nil))

	p.dialog.Dismissed()
	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != biometric.ErrorUserCanceled {
		t.Fatalf("unexpected outcomes %v", out)
	}
	if !hw.signal.IsCanceled() {
		t.Fatalf("expected sensor stopped")
	}
}

func TestNegativeButton(t *testing.T) {
	hw := readyHardware()
	p := &fakePresenter{hw: hw}
	pressed := 0
	_, _, rec := start(t, newBackend(t, hw, p, func() { pressed++ }))

	p.dialog.NegativePressed()
	p.dialog.Dismissed()

	if pressed != 1 {
		t.Fatalf("expected negative listener once, got %d", pressed)
	}
	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != biometric.ErrorUserCanceled {
		t.Fatalf("unexpected outcomes %v", out)
	}
}

func TestPresenterFailure(t *testing.T) {
	hw := readyHardware()
	p := &fakePresenter{hw: hw, err: errors.New("no window")}
	_, _, rec := start(t, newBackend(t, hw, p, nil))
	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != biometric.ErrorUnknown || out[0].Message != "no window" {
		t.Fatalf("unexpected outcomes %v", out)
	}
}

func TestSensorStartFailure(t *testing.T) {
	hw := readyHardware()
	hw.startErr = errors.New("sensor busy")
	p := &fakePresenter{hw: hw}
	_, _, rec := start(t, newBackend(t, hw, p, nil))
	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != biometric.ErrorHardwareUnavailable {
		t.Fatalf("unexpected outcomes %v", out)
	}
	if p.surface.dismissed != 1 {
		t.Fatalf("expected dialog dismissed")
	}
}
