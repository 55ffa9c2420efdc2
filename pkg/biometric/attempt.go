package biometric

import (
	"context"
	"sync"
	"sync/atomic"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
)

// State is the lifecycle state of an Attempt.
type State int

const (
	StateIdle State = iota
	StateListening
	StateSucceeded
	StateCanceled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSucceeded:
		return "succeeded"
	case StateCanceled:
		return "canceled"
	case StateErrored:
		return "errored"
	default:
		return "invalid"
	}
}

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateCanceled || s == StateErrored
}

// Backend is one authentication technology. Start drives the attempt to a
// terminal outcome. It returns an error only for configuration errors, and
// only before the attempt starts listening.
type Backend interface {
	Start(ctx context.Context, a *Attempt, crypto *CryptoHandle) error
}

// CryptoSupporter is implemented by backends that may be unable to perform
// crypto-bound authentication.
type CryptoSupporter interface {
	SupportsCrypto() bool
}

// AttemptOption configures an Attempt.
type AttemptOption func(*Attempt)

// WithLogger sets the logger used for state transitions.
func WithLogger(logger slog.Logger) AttemptOption {
	return func(a *Attempt) {
		a.logger = logger
	}
}

// WithResources sets the strings used to describe errors that arrive
// without a message.
func WithResources(res Resources) AttemptOption {
	return func(a *Attempt) {
		a.res = res
	}
}

// WithID overrides the generated attempt id.
func WithID(id string) AttemptOption {
	return func(a *Attempt) {
		if id != "" {
			a.id = id
		}
	}
}

// Attempt is the state machine of one authentication attempt:
//
//	Idle -> Listening -> {Succeeded | Canceled | Errored}
//
// Rejected samples and help events are delivered while Listening and leave
// the state unchanged. Exactly one terminal outcome is delivered; afterwards
// no callbacks fire and the cancellation signal is a no-op.
type Attempt struct {
	id     string
	signal *CancellationSignal
	exec   Executor
	cb     Callback
	logger slog.Logger
	res    Resources

	mu         sync.Mutex
	ctx        context.Context
	state      State
	stop       func()
	onTerminal []func()
	done       chan struct{}

	terminalDelivered atomic.Bool
}

// NewAttempt creates an idle attempt. Canceling signal cancels the attempt.
func NewAttempt(signal *CancellationSignal, exec Executor, cb Callback, opts ...AttemptOption) (*Attempt, error) {
	if signal == nil {
		return nil, ErrNilSignal
	}
	if exec == nil {
		return nil, ErrNilExecutor
	}
	if cb == nil {
		return nil, ErrNilCallback
	}
	a := &Attempt{
		id:     uuid.NewString(),
		signal: signal,
		exec:   exec,
		cb:     cb,
		res:    DefaultResources,
		ctx:    context.Background(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.F("attempt_id", a.id))
	signal.bind(a, func() {
		a.Cancel(ErrorCanceled)
	})
	return a, nil
}

// ID returns the attempt identifier.
func (a *Attempt) ID() string {
	return a.id
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the attempt reached a terminal state.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Bind ties the attempt to ctx: when ctx is done the attempt is canceled.
func (a *Attempt) Bind(ctx context.Context) {
	if ctx == nil {
		return
	}
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		a.Cancel(ErrorCanceled)
	})
	a.OnTerminal(func() {
		stop()
	})
}

// OnTerminal registers fn to run once the attempt turns terminal, before the
// terminal outcome is handed to the executor. If the attempt is already
// terminal fn runs immediately.
func (a *Attempt) OnTerminal(fn func()) {
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		fn()
		return
	}
	a.onTerminal = append(a.onTerminal, fn)
	a.mu.Unlock()
}

// Listen moves an idle attempt to Listening. stop is called exactly once when
// the attempt ends and must halt hardware scanning. Listen reports false if the
// attempt already ended (for example because it was canceled before start).
func (a *Attempt) Listen(stop func()) bool {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return false
	}
	a.state = StateListening
	a.stop = stop
	ctx := a.ctx
	a.mu.Unlock()

	a.logger.Debug(ctx, "attempt listening")
	return true
}

// Reject reports a recognized but rejected sample. The attempt keeps listening.
func (a *Attempt) Reject() {
	a.deliverTransient(Failed())
}

// Help reports transient guidance. The attempt keeps listening.
func (a *Attempt) Help(code HelpCode, message string) {
	a.deliverTransient(Help(code, message))
}

// Succeed ends the attempt successfully and authorizes crypto for use.
func (a *Attempt) Succeed(crypto *CryptoHandle) {
	token := newAuthToken(a.id)
	if err := crypto.authorize(token); err != nil {
		a.logger.Error(a.context(), "authorize crypto handle", slog.Error(err))
		a.finish(StateErrored, Errored(ErrorUnknown, err.Error()), true)
		return
	}
	a.finish(StateSucceeded, Succeeded(crypto), true)
}

// Fail ends the attempt with code. Cancellation codes end it as Canceled.
func (a *Attempt) Fail(code Error, message string) {
	if message == "" {
		message, _ = Describe(a.res, code)
	}
	next := StateErrored
	if code.IsCancellation() {
		next = StateCanceled
	}
	a.finish(next, Errored(code, message), true)
}

// Cancel ends the attempt as canceled. code is ErrorCanceled for caller or
// system initiated cancellation and ErrorUserCanceled for user dismissal.
func (a *Attempt) Cancel(code Error) {
	if !code.IsCancellation() {
		code = ErrorCanceled
	}
	message, _ := Describe(a.res, code)
	a.finish(StateCanceled, Errored(code, message), true)
}

// Abandon ends an attempt whose backend refused to start without delivering
// any outcome. The caller reports the refusal as an error instead.
func (a *Attempt) Abandon() {
	a.finish(StateCanceled, Errored(ErrorCanceled, ""), false)
}

func (a *Attempt) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

func (a *Attempt) deliverTransient(o Outcome) {
	a.mu.Lock()
	listening := a.state == StateListening
	ctx := a.ctx
	a.mu.Unlock()
	if !listening {
		a.logger.Debug(ctx, "dropping outcome outside listening state", slog.F("outcome", o.String()))
		return
	}
	a.exec.Execute(func() {
		if a.terminalDelivered.Load() {
			return
		}
		a.cb.OnOutcome(o)
	})
}

func (a *Attempt) finish(next State, o Outcome, deliver bool) {
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		return
	}
	prev := a.state
	a.state = next
	stop := a.stop
	a.stop = nil
	hooks := a.onTerminal
	a.onTerminal = nil
	ctx := a.ctx
	a.mu.Unlock()

	close(a.done)
	a.signal.release(a)
	if stop != nil && prev == StateListening {
		stop()
	}
	for _, hook := range hooks {
		hook()
	}

	a.logger.Debug(ctx, "attempt finished",
		slog.F("from", prev.String()),
		slog.F("to", next.String()),
		slog.F("outcome", o.String()),
		slog.F("delivered", deliver),
	)
	if !deliver {
		a.terminalDelivered.Store(true)
		return
	}
	a.exec.Execute(func() {
		a.terminalDelivered.Store(true)
		a.cb.OnOutcome(o)
	})
}
