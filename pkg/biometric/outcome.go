package biometric

import "fmt"

// HelpCode identifies transient acquisition guidance from the sensor.
type HelpCode int

const (
	HelpGood         HelpCode = 0
	HelpPartial      HelpCode = 1
	HelpInsufficient HelpCode = 2
	HelpImagerDirty  HelpCode = 3
	HelpTooSlow      HelpCode = 4
	HelpTooFast      HelpCode = 5
	HelpVendor       HelpCode = 6
	HelpVendorBase   HelpCode = 1000
)

// OutcomeKind discriminates Outcome values.
type OutcomeKind int

const (
	// OutcomeSucceeded is terminal and may carry the released crypto handle.
	OutcomeSucceeded OutcomeKind = iota + 1
	// OutcomeFailed reports a recognized but rejected sample. Not terminal.
	OutcomeFailed
	// OutcomeHelp reports transient guidance. Not terminal.
	OutcomeHelp
	// OutcomeError is terminal.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeHelp:
		return "help"
	case OutcomeError:
		return "error"
	default:
		return "invalid"
	}
}

// Outcome is a single event delivered to a Callback.
type Outcome struct {
	Kind OutcomeKind
	// Crypto is set on success when the attempt was bound to a crypto handle.
	Crypto *CryptoHandle
	// Help is set for OutcomeHelp.
	Help HelpCode
	// Code is set for OutcomeError.
	Code Error
	// Message is optional human readable text for help and error outcomes.
	Message string
}

// Terminal reports whether no further outcomes follow this one.
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeSucceeded || o.Kind == OutcomeError
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeHelp:
		return fmt.Sprintf("help(%d)", o.Help)
	case OutcomeError:
		return fmt.Sprintf("error(%s)", o.Code)
	default:
		return o.Kind.String()
	}
}

// Succeeded builds a success outcome.
func Succeeded(crypto *CryptoHandle) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Crypto: crypto}
}

// Failed builds a rejected-sample outcome.
func Failed() Outcome {
	return Outcome{Kind: OutcomeFailed}
}

// Help builds a guidance outcome.
func Help(code HelpCode, message string) Outcome {
	return Outcome{Kind: OutcomeHelp, Help: code, Message: message}
}

// Errored builds an error outcome.
func Errored(code Error, message string) Outcome {
	return Outcome{Kind: OutcomeError, Code: code, Message: message}
}

// Callback receives the outcomes of an authentication attempt.
type Callback interface {
	OnOutcome(Outcome)
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc func(Outcome)

// OnOutcome calls f.
func (f CallbackFunc) OnOutcome(o Outcome) {
	f(o)
}
