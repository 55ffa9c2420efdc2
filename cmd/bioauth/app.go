package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
	"github.com/jeremyhahn/go-bioauth/pkg/broker"
	"github.com/jeremyhahn/go-bioauth/pkg/keyguard"
	"github.com/jeremyhahn/go-bioauth/pkg/keystore"
	"github.com/jeremyhahn/go-bioauth/pkg/prefs"
	"github.com/jeremyhahn/go-bioauth/pkg/probe"
	"github.com/jeremyhahn/go-bioauth/pkg/simulator"
	"github.com/jeremyhahn/go-bioauth/pkg/vault"
)

// fingersKey holds the simulated enrolled set between runs.
const fingersKey = "device/fingers"

const vendorName = "simulator"

// app wires the simulated device to the broker, the key store and the
// vault for a single command.
type app struct {
	settings settings
	logger   slog.Logger

	db      *prefs.BadgerStore
	device  *simulator.Device
	keys    *keystore.Manager
	checker *keyguard.Checker
	broker  *broker.Broker
	vault   *vault.Vault
}

func openApp(ctx context.Context, s settings, logger slog.Logger) (a *app, err error) {
	if err := os.MkdirAll(s.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := prefs.OpenBadger(prefs.BadgerConfig{Dir: s.DataDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, db.Close())
		}
	}()

	fingers, err := loadFingers(ctx, db, s.Fingers)
	if err != nil {
		return nil, err
	}
	device := simulator.New(simulator.Config{
		Device:     probe.DeviceInfo{SDKVersion: s.SDK, HasFingerprintFeature: s.Feature},
		Insecure:   s.Credential == "",
		Credential: s.Credential,
		Fingers:    fingers,
		Vendor:     s.Vendor,
		Logger:     logger,
	})

	store, err := openKeyStore(s, db, device, logger)
	if err != nil {
		return nil, err
	}
	keys, err := keystore.NewManager(keystore.Config{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	checker, err := keyguard.NewChecker(keyguard.Config{
		Device:   device.Info(),
		Hardware: device.Sensor(),
		Lock:     device,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	reg := probe.NewRegistry()
	if err := device.RegisterVendor(reg, vendorName); err != nil {
		return nil, err
	}
	b, err := broker.New(ctx, broker.Config{
		Title:        "Unlock " + s.Key,
		Description:  "Touch the fingerprint sensor",
		NegativeText: "Cancel",
		Device:       device.Info(),
		Registry:     reg,
		Prompt:       device.Prompt(),
		Sensor:       device.Sensor(),
		Presenter:    device.Presenter(),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	v, err := vault.New(vault.Config{
		Name:         s.Key,
		Keys:         keys,
		Prefs:        db,
		Availability: checker,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		settings: s,
		logger:   logger,
		db:       db,
		device:   device,
		keys:     keys,
		checker:  checker,
		broker:   b,
		vault:    v,
	}, nil
}

func openKeyStore(s settings, db prefs.Store, enrollment keystore.Enrollment, logger slog.Logger) (keystore.Store, error) {
	switch s.Store {
	case storeTPM:
		return keystore.NewTPMStore(keystore.TPMConfig{
			DevicePath: s.TPMDevice,
			Prefs:      db,
			Enrollment: enrollment,
			Logger:     logger,
		})
	case storePKCS11:
		return keystore.NewPKCS11Store(keystore.PKCS11Config{
			ModulePath:  s.PKCS11Module,
			TokenLabel:  s.PKCS11Token,
			PIN:         s.PKCS11PIN,
			LabelPrefix: "bioauth-",
			Enrollment:  enrollment,
			Logger:      logger,
		})
	default:
		return keystore.NewSoftwareStore(keystore.SoftwareConfig{
			Prefs:      db,
			Enrollment: enrollment,
			Logger:     logger,
		})
	}
}

func loadFingers(ctx context.Context, db prefs.Store, initial []string) ([]string, error) {
	raw, found, err := db.Get(ctx, fingersKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return initial, db.Put(ctx, fingersKey, strings.Join(initial, ","))
	}
	return splitList(raw), nil
}

func (a *app) saveFingers(ctx context.Context) error {
	return a.db.Put(ctx, fingersKey, strings.Join(a.device.Enrolled(), ","))
}

func (a *app) Close() error {
	return a.db.Close()
}

// script describes what the simulated user does during an authentication.
type script struct {
	touches  []string
	dismiss  bool
	negative bool
}

func (s script) events(enrolled []string) []simulator.Event {
	var events []simulator.Event
	touches := s.touches
	if len(touches) == 0 && !s.dismiss && !s.negative && len(enrolled) > 0 {
		touches = enrolled[:1]
	}
	for _, f := range touches {
		events = append(events, simulator.Touch(f))
	}
	switch {
	case s.negative:
		events = append(events, simulator.PressNegative())
	case s.dismiss:
		events = append(events, simulator.Dismiss())
	}
	return events
}

// authenticate plays sc against the broker for sess. progress receives
// every non-terminal outcome. An exhausted script cancels the attempt.
func (a *app) authenticate(ctx context.Context, sess *vault.Session, sc script, progress func(biometric.Outcome)) (biometric.Outcome, error) {
	a.device.Queue(sc.events(a.device.Enrolled())...)

	var terminal biometric.Outcome
	cb := biometric.CallbackFunc(func(o biometric.Outcome) {
		switch o.Kind {
		case biometric.OutcomeSucceeded, biometric.OutcomeError:
			terminal = o
		default:
			if progress != nil {
				progress(o)
			}
		}
	})
	cancel := biometric.NewCancellationSignal()
	if err := a.vault.Authenticate(ctx, a.broker, sess, cancel, biometric.InlineExecutor{}, cb); err != nil {
		return biometric.Outcome{}, err
	}
	if terminal.Kind == 0 {
		cancel.Cancel()
	}
	return terminal, nil
}
