package simulator

import (
	"context"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
)

type eventKind int

const (
	eventTouch eventKind = iota
	eventHelp
	eventError
	eventDismiss
	eventNegative
)

// Event is a scripted user or hardware action.
type Event struct {
	kind    eventKind
	finger  string
	code    int
	message string
}

// Touch places finger on the sensor.
func Touch(finger string) Event {
	return Event{kind: eventTouch, finger: finger}
}

// Acquired reports acquisition guidance with a native help code.
func Acquired(code int, message string) Event {
	return Event{kind: eventHelp, code: code, message: message}
}

// NativeError ends the session with a native code of the active technology.
func NativeError(code int, message string) Event {
	return Event{kind: eventError, code: code, message: message}
}

// Dismiss dismisses the visible dialog.
func Dismiss() Event {
	return Event{kind: eventDismiss}
}

// PressNegative presses the dialog's negative button.
func PressNegative() Event {
	return Event{kind: eventNegative}
}

// Queue appends events to the script. Queued events are played as soon as
// a session listens, and immediately if one already does.
func (d *Device) Queue(events ...Event) {
	d.mu.Lock()
	d.queue = append(d.queue, events...)
	d.mu.Unlock()
	d.play()
}

// Pending returns the number of queued events not yet played.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Device) play() {
	for {
		d.mu.Lock()
		if d.active == nil || len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if err := d.apply(ev); err != nil {
			d.logger.Debug(context.Background(), "scripted event dropped", slog.Error(err))
		}
	}
}

func (d *Device) apply(ev Event) error {
	switch ev.kind {
	case eventTouch:
		return d.Touch(ev.finger)
	case eventHelp:
		return d.Help(ev.code, ev.message)
	case eventError:
		return d.Fail(ev.code, ev.message)
	case eventDismiss:
		return d.Dismiss()
	default:
		return d.PressNegative()
	}
}

type touchResult int

const (
	touchMatched touchResult = iota
	touchRejected
	touchLocked
)

// Touch places finger on the sensor of the listening session.
func (d *Device) Touch(finger string) error {
	d.mu.Lock()
	s := d.active
	if s == nil {
		d.mu.Unlock()
		return ErrNotListening
	}
	result := touchRejected
	if _, ok := d.fingers[finger]; ok {
		result = touchMatched
		d.failures = 0
	} else {
		d.failures++
		if d.failures >= d.threshold {
			result = touchLocked
		}
	}
	if result != touchRejected || s.tech == TechVendor {
		// Vendor SDKs end identification on every status.
		d.active = nil
	}
	d.mu.Unlock()

	d.logger.Debug(context.Background(), "touch",
		slog.F("tech", s.tech.String()), slog.F("finger", finger), slog.F("result", int(result)))

	switch s.tech {
	case TechPrompt:
		switch result {
		case touchMatched:
			s.prompt.OnSucceeded()
		case touchRejected:
			s.prompt.OnFailed()
		default:
			s.prompt.OnError(biometric.PromptErrorLockout, "")
		}
	case TechSensor:
		switch result {
		case touchMatched:
			s.sensor.OnSucceeded()
		case touchRejected:
			s.sensor.OnFailed()
		default:
			s.sensor.OnError(biometric.SensorErrorLockout, "")
		}
	case TechVendor:
		switch result {
		case touchMatched:
			s.vendor.OnFinished(biometric.VendorStatusSuccess)
		case touchRejected:
			s.vendor.OnFinished(biometric.VendorStatusFailed)
		default:
			s.vendor.OnFinished(biometric.VendorStatusOperationDenied)
		}
	}
	return nil
}

// Help reports acquisition guidance to the listening session.
func (d *Device) Help(code int, message string) error {
	s := d.current()
	switch {
	case s == nil:
		return ErrNotListening
	case s.tech == TechPrompt:
		s.prompt.OnHelp(code, message)
	case s.tech == TechSensor:
		s.sensor.OnHelp(code, message)
	default:
		return ErrUnsupportedEvent
	}
	return nil
}

// Fail ends the listening session with a native error code. For vendor
// sessions code is an identify status.
func (d *Device) Fail(code int, message string) error {
	s := d.current()
	if s == nil || !d.release(s) {
		return ErrNotListening
	}
	switch s.tech {
	case TechPrompt:
		s.prompt.OnError(code, message)
	case TechSensor:
		s.sensor.OnError(code, message)
	case TechVendor:
		s.vendor.OnFinished(code)
	}
	return nil
}

// Dismiss dismisses the visible dialog or system prompt.
func (d *Device) Dismiss() error {
	d.mu.Lock()
	s := d.active
	dlg := d.dialog
	d.mu.Unlock()

	switch {
	case s != nil && s.tech == TechPrompt:
		if d.release(s) {
			s.prompt.OnError(biometric.PromptErrorUserCanceled, "")
		}
	case s != nil && s.tech == TechVendor:
		if d.release(s) {
			s.vendor.OnFinished(biometric.VendorStatusCanceledByTouchOutside)
		}
	case dlg != nil && dlg.Dismissed != nil:
		dlg.Dismissed()
	default:
		return ErrNotListening
	}
	return nil
}

// PressNegative presses the negative button of the visible dialog or
// system prompt.
func (d *Device) PressNegative() error {
	d.mu.Lock()
	s := d.active
	dlg := d.dialog
	d.mu.Unlock()

	switch {
	case s != nil && s.tech == TechPrompt:
		if !d.release(s) {
			return ErrNotListening
		}
		if s.info.OnNegative != nil {
			exec := s.info.NegativeExecutor
			if exec == nil {
				exec = biometric.InlineExecutor{}
			}
			exec.Execute(s.info.OnNegative)
		}
		s.prompt.OnError(biometric.PromptErrorUserCanceled, "")
	case s != nil && s.tech == TechVendor:
		if d.release(s) {
			s.vendor.OnFinished(biometric.VendorStatusButtonPressed)
		}
	case dlg != nil && dlg.NegativePressed != nil:
		dlg.NegativePressed()
	default:
		return ErrNotListening
	}
	return nil
}
