// Package broker is the single entry point for biometric authentication. It
// selects a backend once at construction and runs every attempt through it,
// keeping at most one hardware listening session active.
package broker

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
	"github.com/jeremyhahn/go-bioauth/pkg/probe"
	"github.com/jeremyhahn/go-bioauth/pkg/prompt"
	"github.com/jeremyhahn/go-bioauth/pkg/sensor"
)

var (
	// ErrMissingTitle indicates the broker was configured without a title.
	ErrMissingTitle = errors.New("broker: title must be set and non-empty")
	// ErrMissingNegativeText indicates the broker was configured without negative button text.
	ErrMissingNegativeText = errors.New("broker: negative text must be set and non-empty")
	// ErrNoBackend indicates no authentication backend is usable on the device.
	ErrNoBackend = errors.New("broker: no usable authentication backend")
)

// Config configures a Broker.
type Config struct {
	Title        string
	Subtitle     string
	Description  string
	NegativeText string
	// NegativeExecutor runs OnNegative. Defaults to biometric.InlineExecutor.
	NegativeExecutor biometric.Executor
	OnNegative       func()

	// Device drives backend selection.
	Device   probe.DeviceInfo
	Registry *probe.Registry

	// Prompt is required when the modern prompt is selected.
	Prompt prompt.Platform
	// Sensor and Presenter are required when the legacy sensor is selected.
	Sensor    sensor.Hardware
	Presenter sensor.Presenter

	Resources biometric.Resources
	Logger    slog.Logger
}

func (c *Config) validate() error {
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

// Broker runs authentication attempts against the selected backend.
type Broker struct {
	kind    probe.Kind
	vendor  string
	backend biometric.Backend
	res     biometric.Resources
	logger  slog.Logger

	slot biometric.Slot
}

// New validates cfg and selects the backend.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.Named("broker")

	sel, err := probe.Select(ctx, cfg.Device, cfg.Registry, probe.Env{
		Title:       cfg.Title,
		Subtitle:    cfg.Subtitle,
		Description: cfg.Description,
		Buttons: probe.Buttons{
			NegativeText:     cfg.NegativeText,
			NegativeExecutor: cfg.NegativeExecutor,
			OnNegative:       cfg.OnNegative,
		},
		Resources: cfg.Resources,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	var backend biometric.Backend
	switch sel.Kind {
	case probe.KindModernPrompt:
		backend, err = prompt.New(prompt.Config{
			Platform: cfg.Prompt,
			Info: prompt.Info{
				Title:            cfg.Title,
				Subtitle:         cfg.Subtitle,
				Description:      cfg.Description,
				NegativeText:     cfg.NegativeText,
				NegativeExecutor: cfg.NegativeExecutor,
				OnNegative:       cfg.OnNegative,
			},
			Logger: cfg.Logger,
		})
	case probe.KindLegacySensor:
		backend, err = sensor.New(sensor.Config{
			Hardware:         cfg.Sensor,
			Presenter:        cfg.Presenter,
			Title:            cfg.Title,
			Subtitle:         cfg.Subtitle,
			Description:      cfg.Description,
			NegativeText:     cfg.NegativeText,
			NegativeExecutor: cfg.NegativeExecutor,
			OnNegative:       cfg.OnNegative,
			Resources:        cfg.Resources,
			Logger:           cfg.Logger,
		})
	case probe.KindVendorSDK:
		backend = sel.Backend
	default:
		return nil, ErrNoBackend
	}
	if err != nil {
		return nil, fmt.Errorf("broker: %s backend: %w", sel.Kind, err)
	}

	logger.Info(ctx, "authentication backend selected",
		slog.F("kind", sel.Kind.String()),
		slog.F("vendor", sel.Vendor),
		slog.F("sdk", cfg.Device.SDKVersion),
	)
	return &Broker{
		kind:    sel.Kind,
		vendor:  sel.Vendor,
		backend: backend,
		res:     cfg.Resources,
		logger:  logger,
	}, nil
}

// Kind returns the selected backend family.
func (b *Broker) Kind() probe.Kind {
	return b.kind
}

// Vendor returns the registry name of the selected vendor SDK, if any.
func (b *Broker) Vendor() string {
	return b.vendor
}

// SupportsCrypto reports whether crypto-bound authentication is possible.
func (b *Broker) SupportsCrypto() bool {
	if cs, ok := b.backend.(biometric.CryptoSupporter); ok {
		return cs.SupportsCrypto()
	}
	return true
}

// Authenticate starts an attempt without a crypto operation. Outcomes are
// delivered to cb through exec; canceling cancel or ctx stops the attempt.
func (b *Broker) Authenticate(ctx context.Context, cancel *biometric.CancellationSignal, exec biometric.Executor, cb biometric.Callback) error {
	return b.authenticate(ctx, nil, cancel, exec, cb)
}

// AuthenticateWithCrypto starts an attempt that releases crypto on success.
// It returns biometric.ErrCryptoUnsupported when the backend cannot bind
// authentication to a crypto operation.
func (b *Broker) AuthenticateWithCrypto(ctx context.Context, crypto *biometric.CryptoHandle, cancel *biometric.CancellationSignal, exec biometric.Executor, cb biometric.Callback) error {
	if crypto == nil {
		return biometric.ErrInvalidCryptoHandle
	}
	return b.authenticate(ctx, crypto, cancel, exec, cb)
}

func (b *Broker) authenticate(ctx context.Context, crypto *biometric.CryptoHandle, cancel *biometric.CancellationSignal, exec biometric.Executor, cb biometric.Callback) error {
	if b == nil || b.backend == nil {
		return ErrNoBackend
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if crypto != nil && !b.SupportsCrypto() {
		return biometric.ErrCryptoUnsupported
	}

	a, err := biometric.NewAttempt(cancel, exec, cb,
		biometric.WithLogger(b.logger),
		biometric.WithResources(b.res),
	)
	if err != nil {
		return err
	}

	// Preempt the active attempt before the new one can reach the hardware.
	b.slot.Acquire(a)
	a.Bind(ctx)

	b.logger.Debug(ctx, "starting attempt",
		slog.F("attempt_id", a.ID()),
		slog.F("kind", b.kind.String()),
		slog.F("crypto", crypto != nil),
	)
	if err := b.backend.Start(ctx, a, crypto); err != nil {
		a.Abandon()
		return err
	}
	return nil
}
