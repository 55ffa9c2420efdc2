// Package probe decides which authentication backend is usable on a device.
//
// The decision depends only on the OS SDK level, the fingerprint feature flag
// and the vendor factories registered in a Registry:
//
//   - SDK >= ModernPromptMinSDK: the modern system prompt, unconditionally.
//   - SDK < SensorMinSDK: the first vendor factory that initializes, else none.
//   - no fingerprint feature: the first vendor factory that initializes, else
//     the legacy sensor (whose pre-flight reports the missing hardware).
//   - otherwise: the legacy sensor.
//
// Vendor factories that fail or panic are treated as unsupported and probing
// moves on to the next one.
package probe

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
)

const (
	// ModernPromptMinSDK is the first SDK level with the unified system prompt.
	ModernPromptMinSDK = 28
	// SensorMinSDK is the first SDK level with the general fingerprint API.
	SensorMinSDK = 23
)

// DeviceInfo describes the device being probed.
type DeviceInfo struct {
	SDKVersion            int
	HasFingerprintFeature bool
}

// Kind identifies a backend family.
type Kind int

const (
	KindNone Kind = iota
	KindModernPrompt
	KindLegacySensor
	KindVendorSDK
)

func (k Kind) String() string {
	switch k {
	case KindModernPrompt:
		return "modern_prompt"
	case KindLegacySensor:
		return "legacy_sensor"
	case KindVendorSDK:
		return "vendor_sdk"
	default:
		return "none"
	}
}

// Selection is the result of Select. Vendor and Backend are set only for
// KindVendorSDK; the other kinds are constructed by the caller.
type Selection struct {
	Kind    Kind
	Vendor  string
	Backend biometric.Backend
}

// Decide returns the backend family for info when vendorAvailable reports
// whether any vendor backend can run. It does no probing.
func Decide(info DeviceInfo, vendorAvailable bool) Kind {
	switch {
	case info.SDKVersion >= ModernPromptMinSDK:
		return KindModernPrompt
	case info.SDKVersion < SensorMinSDK:
		if vendorAvailable {
			return KindVendorSDK
		}
		return KindNone
	case !info.HasFingerprintFeature:
		if vendorAvailable {
			return KindVendorSDK
		}
		return KindLegacySensor
	default:
		return KindLegacySensor
	}
}

// Select probes the registry as needed and returns the usable backend. The
// returned error is non-nil only when ctx is done.
func Select(ctx context.Context, info DeviceInfo, reg *Registry, env Env) (Selection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}
	logger := env.Logger.Named("probe")

	if info.SDKVersion >= ModernPromptMinSDK || (info.SDKVersion >= SensorMinSDK && info.HasFingerprintFeature) {
		kind := Decide(info, false)
		logger.Debug(ctx, "backend selected", slog.F("kind", kind.String()), slog.F("sdk", info.SDKVersion))
		return Selection{Kind: kind}, nil
	}

	for _, e := range reg.snapshot() {
		if err := ctx.Err(); err != nil {
			return Selection{}, err
		}
		backend, err := build(ctx, e.factory, env)
		if err != nil {
			if !errors.Is(err, ErrUnsupported) {
				logger.Warn(ctx, "vendor factory failed", slog.F("vendor", e.name), slog.Error(err))
			} else {
				logger.Debug(ctx, "vendor unsupported", slog.F("vendor", e.name))
			}
			continue
		}
		logger.Debug(ctx, "backend selected",
			slog.F("kind", KindVendorSDK.String()),
			slog.F("vendor", e.name),
			slog.F("sdk", info.SDKVersion),
		)
		return Selection{Kind: KindVendorSDK, Vendor: e.name, Backend: backend}, nil
	}

	kind := Decide(info, false)
	logger.Debug(ctx, "no vendor backend available", slog.F("kind", kind.String()), slog.F("sdk", info.SDKVersion))
	return Selection{Kind: kind}, nil
}

func build(ctx context.Context, f Factory, env Env) (backend biometric.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("probe: factory panicked: %v", r)
		}
	}()
	backend, err = f.New(ctx, env)
	if err == nil && backend == nil {
		err = ErrUnsupported
	}
	return backend, err
}
