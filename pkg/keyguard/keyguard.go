// Package keyguard reports whether biometric authentication is possible on
// the device and verifies the device credential used as the fallback when
// the user dismisses the biometric prompt or the sensor is locked out.
package keyguard

import (
	"context"
	"errors"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
	"github.com/jeremyhahn/go-bioauth/pkg/probe"
	"github.com/jeremyhahn/go-bioauth/pkg/sensor"
)

var (
	ErrMissingHardware = errors.New("keyguard: fingerprint hardware is required")
	ErrMissingLock     = errors.New("keyguard: lock screen is required")
)

// Lock is the device lock screen.
type Lock interface {
	// IsDeviceSecure reports whether a PIN, pattern or password protects
	// the device.
	IsDeviceSecure() bool
}

// LockFunc adapts a function to Lock.
type LockFunc func() bool

// IsDeviceSecure calls f.
func (f LockFunc) IsDeviceSecure() bool {
	return f()
}

// Config configures a Checker.
type Config struct {
	Device    probe.DeviceInfo
	Hardware  sensor.Hardware
	Lock      Lock
	Resources biometric.Resources
	Logger    slog.Logger
}

func (c Config) validate() error {
	if c.Hardware == nil {
		return ErrMissingHardware
	}
	if c.Lock == nil {
		return ErrMissingLock
	}
	return nil
}

// Checker answers "can this device authenticate with a fingerprint".
type Checker struct {
	cfg    Config
	logger slog.Logger
}

// NewChecker validates cfg and returns a Checker.
func NewChecker(cfg Config) (*Checker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Resources == nil {
		cfg.Resources = biometric.DefaultResources
	}
	return &Checker{cfg: cfg, logger: cfg.Logger.Named("keyguard")}, nil
}

// Result is the outcome of Check. Available is true when nothing prevents
// authentication; otherwise Code names the first failing condition.
type Result struct {
	Available bool
	Code      biometric.Error
	Message   string
}

// Check runs the availability checks in order: platform too old or no
// fingerprint feature, sensor not detected, nothing enrolled, and finally an
// insecure lock screen.
func (c *Checker) Check(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	code, ok := biometric.ErrorHardwareNotPresent, false
	if c.cfg.Device.SDKVersion >= probe.SensorMinSDK {
		code, ok = sensor.Preflight(c.cfg.Hardware)
	}
	if ok && !c.cfg.Lock.IsDeviceSecure() {
		code, ok = biometric.ErrorNoKeyguard, false
	}
	if ok {
		return Result{Available: true}
	}
	msg, _ := biometric.Describe(c.cfg.Resources, code)
	c.logger.Debug(ctx, "biometric authentication unavailable", slog.F("code", code.String()))
	return Result{Code: code, Message: msg}
}

// Enabled reports whether the lock screen is secure and at least one
// fingerprint is enrolled.
func (c *Checker) Enabled(ctx context.Context) bool {
	if !c.cfg.Lock.IsDeviceSecure() {
		return false
	}
	enrolled, err := c.cfg.Hardware.HasEnrolledFingerprints()
	if err != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		c.logger.Warn(ctx, "enrollment query failed", slog.Error(err))
		return false
	}
	return enrolled
}

// FallbackAllowed reports whether an authentication that ended with code
// may be completed with the device credential instead.
func FallbackAllowed(code biometric.Error) bool {
	switch code {
	case biometric.ErrorUserCanceled, biometric.ErrorLockedOut, biometric.ErrorLockedOutPermanent:
		return true
	default:
		return false
	}
}
