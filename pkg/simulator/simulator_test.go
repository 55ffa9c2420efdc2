package simulator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
	"github.com/jeremyhahn/go-bioauth/pkg/broker"
	"github.com/jeremyhahn/go-bioauth/pkg/keyguard"
	"github.com/jeremyhahn/go-bioauth/pkg/probe"
)

type recorder struct {
	mu  sync.Mutex
	out []biometric.Outcome
}

func (r *recorder) OnOutcome(o biometric.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, o)
}

func (r *recorder) kinds() []biometric.OutcomeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]biometric.OutcomeKind, len(r.out))
	for i, o := range r.out {
		kinds[i] = o.Kind
	}
	return kinds
}

func (r *recorder) last() biometric.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.out) == 0 {
		return biometric.Outcome{}
	}
	return r.out[len(r.out)-1]
}

func sameKinds(got, want []biometric.OutcomeKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func newBroker(t *testing.T, d *Device, reg *probe.Registry, onNegative func()) *broker.Broker {
	t.Helper()
	b, err := broker.New(context.Background(), broker.Config{
		Title:        "Unlock",
		NegativeText: "Cancel",
		OnNegative:   onNegative,
		Device:       d.Info(),
		Registry:     reg,
		Prompt:       d.Prompt(),
		Sensor:       d.Sensor(),
		Presenter:    d.Presenter(),
		Logger:       slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	return b
}

func authenticate(t *testing.T, b *broker.Broker) (*recorder, *biometric.CancellationSignal) {
	t.Helper()
	rec := &recorder{}
	cancel := biometric.NewCancellationSignal()
	if err := b.Authenticate(context.Background(), cancel, biometric.InlineExecutor{}, rec); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return rec, cancel
}

func newDevice(t *testing.T, cfg Config) *Device {
	t.Helper()
	if cfg.Fingers == nil {
		cfg.Fingers = []string{"right-index"}
	}
	cfg.Logger = slogtest.Make(t, nil)
	return New(cfg)
}

func TestTechnologySelection(t *testing.T) {
	cases := []struct {
		name   string
		cfg    Config
		vendor bool
		want   probe.Kind
	}{
		{"modern prompt", Config{Device: probe.DeviceInfo{SDKVersion: 28, HasFingerprintFeature: true}}, false, probe.KindModernPrompt},
		{"legacy sensor", Config{Device: probe.DeviceInfo{SDKVersion: 26, HasFingerprintFeature: true}}, false, probe.KindLegacySensor},
		{"vendor sdk", Config{Device: probe.DeviceInfo{SDKVersion: 22}, Vendor: true}, true, probe.KindVendorSDK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDevice(t, tc.cfg)
			reg := probe.NewRegistry()
			if tc.vendor {
				if err := d.RegisterVendor(reg, "sim"); err != nil {
					t.Fatalf("RegisterVendor: %v", err)
				}
			}
			b := newBroker(t, d, reg, nil)
			if b.Kind() != tc.want {
				t.Fatalf("Kind = %s, want %s", b.Kind(), tc.want)
			}
		})
	}
}

func TestVendorUnsupportedFallsThrough(t *testing.T) {
	d := newDevice(t, Config{Device: probe.DeviceInfo{SDKVersion: 22}})
	reg := probe.NewRegistry()
	if err := d.RegisterVendor(reg, "sim"); err != nil {
		t.Fatalf("RegisterVendor: %v", err)
	}
	_, err := broker.New(context.Background(), broker.Config{
		Title:        "Unlock",
		NegativeText: "Cancel",
		Device:       d.Info(),
		Registry:     reg,
	})
	if !errors.Is(err, broker.ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}

func TestPromptScript(t *testing.T) {
	d := newDevice(t, Config{Device: probe.DeviceInfo{SDKVersion: 29, HasFingerprintFeature: true}})
	b := newBroker(t, d, nil, nil)

	d.Queue(Touch("left-thumb"), Acquired(int(biometric.HelpPartial), "partial"), Touch("right-index"))
	if d.Pending() != 3 {
		t.Fatalf("events must wait for a listening session, pending = %d", d.Pending())
	}
	rec, _ := authenticate(t, b)

	want := []biometric.OutcomeKind{biometric.OutcomeFailed, biometric.OutcomeHelp, biometric.OutcomeSucceeded}
	if got := rec.kinds(); !sameKinds(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if d.Pending() != 0 || d.Active() != TechNone {
		t.Fatalf("expected a drained script and no listening session")
	}
}

func TestPromptNegativeButton(t *testing.T) {
	d := newDevice(t, Config{Device: probe.DeviceInfo{SDKVersion: 28, HasFingerprintFeature: true}})
	negatives := 0
	b := newBroker(t, d, nil, func() { negatives++ })

	d.Queue(PressNegative())
	rec, _ := authenticate(t, b)

	if o := rec.last(); o.Kind != biometric.OutcomeError || o.Code != biometric.ErrorUserCanceled {
		t.Fatalf("expected user cancellation, got %+v", o)
	}
	if negatives != 1 {
		t.Fatalf("negative handler ran %d times", negatives)
	}
}

func TestPromptPreflight(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want biometric.Error
	}{
		{"nothing enrolled", Config{Fingers: []string{}}, biometric.ErrorNoEnrolledBiometrics},
		{"hardware missing", Config{Undetected: true}, biometric.ErrorHardwareUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			cfg.Device = probe.DeviceInfo{SDKVersion: 28, HasFingerprintFeature: true}
			d := newDevice(t, cfg)
			rec, _ := authenticate(t, newBroker(t, d, nil, nil))
			if o := rec.last(); o.Kind != biometric.OutcomeError || o.Code != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, o)
			}
		})
	}
}

func TestSensorDialog(t *testing.T) {
	d := newDevice(t, Config{Device: probe.DeviceInfo{SDKVersion: 23, HasFingerprintFeature: true}})
	b := newBroker(t, d, nil, nil)

	d.Queue(Touch("left-thumb"), Touch("right-index"))
	rec, _ := authenticate(t, b)

	want := []biometric.OutcomeKind{biometric.OutcomeFailed, biometric.OutcomeSucceeded}
	if got := rec.kinds(); !sameKinds(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	surfaces := d.Surfaces()
	if len(surfaces) != 1 {
		t.Fatalf("expected one dialog, got %d", len(surfaces))
	}
	s := surfaces[0]
	if s.Dialog().Title != "Unlock" || s.Dialog().NegativeText != "Cancel" {
		t.Fatalf("unexpected dialog %+v", s.Dialog())
	}
	if !s.Dismissed() {
		t.Fatalf("dialog must be dismissed after the terminal outcome")
	}
	if got := len(s.Shown()); got != 2 {
		t.Fatalf("dialog rendered %d outcomes, want 2", got)
	}
}

func TestSensorDismissAndNegative(t *testing.T) {
	for _, ev := range []Event{Dismiss(), PressNegative()} {
		d := newDevice(t, Config{Device: probe.DeviceInfo{SDKVersion: 25, HasFingerprintFeature: true}})
		negatives := 0
		b := newBroker(t, d, nil, func() { negatives++ })

		d.Queue(ev)
		rec, _ := authenticate(t, b)

		if o := rec.last(); o.Kind != biometric.OutcomeError || o.Code != biometric.ErrorUserCanceled {
			t.Fatalf("expected user cancellation, got %+v", o)
		}
		if ev.kind == eventNegative && negatives != 1 {
			t.Fatalf("negative handler ran %d times", negatives)
		}
		if d.Active() != TechNone {
			t.Fatalf("sensor must stop listening, active = %s", d.Active())
		}
		if got := len(rec.kinds()); got != 1 {
			t.Fatalf("expected exactly one outcome, got %d", got)
		}
	}
}

func TestVendorRestartsAfterRejection(t *testing.T) {
	d := newDevice(t, Config{Device: probe.DeviceInfo{SDKVersion: 21}, Vendor: true})
	reg := probe.NewRegistry()
	if err := d.RegisterVendor(reg, "sim"); err != nil {
		t.Fatalf("RegisterVendor: %v", err)
	}
	b := newBroker(t, d, reg, nil)
	if b.Vendor() != "sim" {
		t.Fatalf("Vendor = %q", b.Vendor())
	}
	if b.SupportsCrypto() {
		t.Fatalf("simulated vendor sdk has no crypto unless configured")
	}

	d.Queue(Touch("left-thumb"), Touch("left-thumb"), Touch("right-index"))
	rec, _ := authenticate(t, b)

	want := []biometric.OutcomeKind{biometric.OutcomeFailed, biometric.OutcomeFailed, biometric.OutcomeSucceeded}
	if got := rec.kinds(); !sameKinds(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if err := d.Help(1, "ignored"); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
}

func TestVendorDismiss(t *testing.T) {
	d := newDevice(t, Config{Device: probe.DeviceInfo{SDKVersion: 22}, Vendor: true})
	reg := probe.NewRegistry()
	if err := d.RegisterVendor(reg, "sim"); err != nil {
		t.Fatalf("RegisterVendor: %v", err)
	}
	b := newBroker(t, d, reg, nil)

	rec, _ := authenticate(t, b)
	if d.Active() != TechVendor {
		t.Fatalf("expected a listening vendor session, got %s", d.Active())
	}
	if err := d.Help(1, "lift"); !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected ErrUnsupportedEvent, got %v", err)
	}
	if err := d.Dismiss(); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if o := rec.last(); o.Kind != biometric.OutcomeError || o.Code != biometric.ErrorUserCanceled {
		t.Fatalf("expected user cancellation, got %+v", o)
	}
}

func TestLockout(t *testing.T) {
	d := newDevice(t, Config{
		Device:           probe.DeviceInfo{SDKVersion: 28, HasFingerprintFeature: true},
		Credential:       "2468",
		LockoutThreshold: 2,
	})
	b := newBroker(t, d, nil, nil)

	d.Queue(Touch("left-thumb"), Touch("left-thumb"))
	rec, _ := authenticate(t, b)
	if o := rec.last(); o.Kind != biometric.OutcomeError || o.Code != biometric.ErrorLockedOut {
		t.Fatalf("expected lockout, got %+v", o)
	}
	if !d.LockedOut() {
		t.Fatalf("device must report the lockout")
	}

	rec, _ = authenticate(t, b)
	if o := rec.last(); o.Code != biometric.ErrorLockedOut {
		t.Fatalf("a locked sensor must refuse new sessions, got %+v", o)
	}

	v, err := keyguard.NewVerifier(keyguard.VerifierConfig{Service: "login", Username: "owner", Opener: d.CredentialOpener()})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if err := v.Verify(context.Background(), "1111"); !errors.Is(err, keyguard.ErrCredentialRejected) {
		t.Fatalf("expected ErrCredentialRejected, got %v", err)
	}
	if err := v.Verify(context.Background(), "2468"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if d.LockedOut() {
		t.Fatalf("the device credential must clear the lockout")
	}

	d.Queue(Touch("right-index"))
	rec, _ = authenticate(t, b)
	if o := rec.last(); o.Kind != biometric.OutcomeSucceeded {
		t.Fatalf("expected success after unlock, got %+v", o)
	}
}

func TestCredentialRequiresSecureLock(t *testing.T) {
	d := newDevice(t, Config{Credential: "2468", Insecure: true})
	v, _ := keyguard.NewVerifier(keyguard.VerifierConfig{Service: "login", Username: "owner", Opener: d.CredentialOpener()})
	if err := v.Verify(context.Background(), "2468"); !errors.Is(err, keyguard.ErrCredentialRejected) {
		t.Fatalf("an insecure device has no credential, got %v", err)
	}
	d.SetSecure(true)
	if err := v.Verify(context.Background(), "2468"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestCancelStopsSession(t *testing.T) {
	for _, info := range []probe.DeviceInfo{
		{SDKVersion: 28, HasFingerprintFeature: true},
		{SDKVersion: 24, HasFingerprintFeature: true},
	} {
		d := newDevice(t, Config{Device: info})
		rec, cancel := authenticate(t, newBroker(t, d, nil, nil))
		if d.Active() == TechNone {
			t.Fatalf("sdk %d: expected a listening session", info.SDKVersion)
		}
		cancel.Cancel()
		if d.Active() != TechNone {
			t.Fatalf("sdk %d: cancel must stop the hardware", info.SDKVersion)
		}
		if got := rec.kinds(); len(got) != 1 || rec.last().Code != biometric.ErrorCanceled {
			t.Fatalf("sdk %d: expected one canceled outcome, got %v", info.SDKVersion, got)
		}
		if err := d.Touch("right-index"); !errors.Is(err, ErrNotListening) {
			t.Fatalf("expected ErrNotListening, got %v", err)
		}
	}
}

func TestNativeError(t *testing.T) {
	d := newDevice(t, Config{Device: probe.DeviceInfo{SDKVersion: 28, HasFingerprintFeature: true}})
	d.Queue(NativeError(biometric.PromptErrorTimeout, ""))
	rec, _ := authenticate(t, newBroker(t, d, nil, nil))
	if o := rec.last(); o.Kind != biometric.OutcomeError || o.Code != biometric.ErrorTimeout {
		t.Fatalf("expected timeout, got %+v", o)
	}
	if o := rec.last(); o.Message == "" {
		t.Fatalf("expected a described error")
	}
}

func TestDigestTracksEnrollment(t *testing.T) {
	d := newDevice(t, Config{Fingers: []string{"b", "a"}})
	first, err := d.Digest(context.Background())
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if got := d.Enrolled(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("Enrolled = %v", got)
	}

	d.Enroll("c")
	second, _ := d.Digest(context.Background())
	if bytes.Equal(first, second) {
		t.Fatalf("digest must change when a finger is enrolled")
	}
	d.Remove("c")
	third, _ := d.Digest(context.Background())
	if !bytes.Equal(first, third) {
		t.Fatalf("digest must depend only on the enrolled set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Digest(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEventsWithoutSession(t *testing.T) {
	d := newDevice(t, Config{})
	for name, fn := range map[string]func() error{
		"touch":    func() error { return d.Touch("right-index") },
		"help":     func() error { return d.Help(1, "") },
		"fail":     func() error { return d.Fail(1, "") },
		"dismiss":  d.Dismiss,
		"negative": d.PressNegative,
	} {
		if err := fn(); !errors.Is(err, ErrNotListening) {
			t.Fatalf("%s: expected ErrNotListening, got %v", name, err)
		}
	}
}
