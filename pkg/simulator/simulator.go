// Package simulator provides a scripted fingerprint device. One Device
// backs every collaborator the authentication stack needs: the system
// prompt, the legacy sensor and its dialog presenter, a vendor SDK, the
// enrolled set, the lock screen and the device credential.
//
// Sessions are driven either interactively (Touch, Dismiss, ...) or by
// queueing events with Queue, which the device plays synchronously as soon
// as a session listens.
package simulator

import (
	"context"
	"crypto/sha256"
	"errors"
	"sort"
	"sync"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/probe"
	"github.com/jeremyhahn/go-bioauth/pkg/prompt"
	"github.com/jeremyhahn/go-bioauth/pkg/sensor"
	"github.com/jeremyhahn/go-bioauth/pkg/vendor"
)

// DefaultLockoutThreshold is the number of consecutive rejected touches
// after which the sensor locks out.
const DefaultLockoutThreshold = 5

var (
	// ErrNotListening indicates an event sent while no session listens.
	ErrNotListening = errors.New("simulator: no active session")
	// ErrUnsupportedEvent indicates an event the active technology cannot
	// deliver.
	ErrUnsupportedEvent = errors.New("simulator: event not supported by the active session")
	// ErrVendorUnsupported is returned by the vendor SDK's Initialize when
	// the device has no vendor SDK.
	ErrVendorUnsupported = errors.New("simulator: vendor sdk not available")
)

// Tech identifies the technology of a session.
type Tech int

const (
	TechNone Tech = iota
	TechPrompt
	TechSensor
	TechVendor
)

func (t Tech) String() string {
	switch t {
	case TechPrompt:
		return "prompt"
	case TechSensor:
		return "sensor"
	case TechVendor:
		return "vendor"
	default:
		return "none"
	}
}

// Config describes the simulated device.
type Config struct {
	Device probe.DeviceInfo
	// Undetected makes the sensor report that no hardware was detected.
	Undetected bool
	// Insecure leaves the lock screen without a credential.
	Insecure bool
	// Credential is the device PIN accepted by the simulated PAM stack.
	Credential string
	Fingers    []string
	// LockoutThreshold defaults to DefaultLockoutThreshold.
	LockoutThreshold int

	// Vendor enables the vendor SDK.
	Vendor       bool
	VendorCrypto bool
	Logger       slog.Logger
}

// Device is a simulated fingerprint device. It is safe for concurrent use.
type Device struct {
	info      probe.DeviceInfo
	threshold int
	vendor    bool
	vcrypto   bool
	logger    slog.Logger

	mu         sync.Mutex
	detected   bool
	secure     bool
	credential string
	fingers    map[string]struct{}
	failures   int
	active     *session
	dialog     *sensor.Dialog
	queue      []Event
	surfaces   []*Surface
}

type session struct {
	tech   Tech
	info   prompt.Info
	prompt prompt.Listener
	sensor sensor.Listener
	vendor vendor.IdentifyListener
}

// New returns a device described by cfg.
func New(cfg Config) *Device {
	d := &Device{
		info:       cfg.Device,
		threshold:  cfg.LockoutThreshold,
		vendor:     cfg.Vendor,
		vcrypto:    cfg.VendorCrypto,
		logger:     cfg.Logger.Named("simulator"),
		detected:   !cfg.Undetected,
		secure:     !cfg.Insecure,
		credential: cfg.Credential,
		fingers:    make(map[string]struct{}),
	}
	if d.threshold <= 0 {
		d.threshold = DefaultLockoutThreshold
	}
	for _, f := range cfg.Fingers {
		d.fingers[f] = struct{}{}
	}
	return d
}

// Info returns the platform description used for backend selection.
func (d *Device) Info() probe.DeviceInfo {
	return d.info
}

// Enroll adds finger to the enrolled set.
func (d *Device) Enroll(finger string) {
	d.mu.Lock()
	d.fingers[finger] = struct{}{}
	d.mu.Unlock()
	d.logger.Info(context.Background(), "finger enrolled", slog.F("finger", finger))
}

// Remove deletes finger from the enrolled set.
func (d *Device) Remove(finger string) {
	d.mu.Lock()
	delete(d.fingers, finger)
	d.mu.Unlock()
}

// Enrolled returns the enrolled fingers in sorted order.
func (d *Device) Enrolled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enrolledLocked()
}

func (d *Device) enrolledLocked() []string {
	out := make([]string, 0, len(d.fingers))
	for f := range d.fingers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Digest hashes the enrolled set. It implements keystore.Enrollment.
func (d *Device) Digest(ctx context.Context) ([]byte, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	fingers := d.enrolledLocked()
	d.mu.Unlock()
	h := sha256.New()
	for _, f := range fingers {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return h.Sum(nil), nil
}

// IsDeviceSecure implements keyguard.Lock.
func (d *Device) IsDeviceSecure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secure
}

// SetSecure sets or clears the lock screen credential.
func (d *Device) SetSecure(secure bool) {
	d.mu.Lock()
	d.secure = secure
	d.mu.Unlock()
}

// SetDetected toggles sensor detection.
func (d *Device) SetDetected(detected bool) {
	d.mu.Lock()
	d.detected = detected
	d.mu.Unlock()
}

// ResetLockout clears the rejected-touch counter.
func (d *Device) ResetLockout() {
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
}

// LockedOut reports whether the sensor is locked out.
func (d *Device) LockedOut() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures >= d.threshold
}

// Active returns the technology of the listening session, or TechNone.
func (d *Device) Active() Tech {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return TechNone
	}
	return d.active.tech
}

// Surfaces returns every dialog surface presented so far.
func (d *Device) Surfaces() []*Surface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Surface(nil), d.surfaces...)
}

// activate makes s the listening session unless the sensor is locked out.
func (d *Device) activate(s *session) (locked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures >= d.threshold {
		return true
	}
	d.active = s
	return false
}

// release ends s if it is still the listening session.
func (d *Device) release(s *session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != s {
		return false
	}
	d.active = nil
	return true
}

func (d *Device) current() *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
