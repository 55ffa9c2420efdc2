package biometric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu  sync.Mutex
	out []Outcome
}

func (r *recorder) OnOutcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, o)
}

func (r *recorder) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.out...)
}

func newTestAttempt(t *testing.T, cb Callback) *Attempt {
	t.Helper()
	a, err := NewAttempt(NewCancellationSignal(), InlineExecutor{}, cb)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	return a
}

func TestNewAttemptValidation(t *testing.T) {
	cb := &recorder{}
	if _, err := NewAttempt(nil, InlineExecutor{}, cb); !errors.Is(err, ErrNilSignal) {
		t.Fatalf("expected ErrNilSignal, got %v", err)
	}
	if _, err := NewAttempt(NewCancellationSignal(), nil, cb); !errors.Is(err, ErrNilExecutor) {
		t.Fatalf("expected ErrNilExecutor, got %v", err)
	}
	if _, err := NewAttempt(NewCancellationSignal(), InlineExecutor{}, nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("expected ErrNilCallback, got %v", err)
	}
	a, err := NewAttempt(NewCancellationSignal(), InlineExecutor{}, cb, WithID("fixed"))
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	if a.ID() != "fixed" || a.State() != StateIdle {
		t.Fatalf("unexpected attempt %s in state %s", a.ID(), a.State())
	}
}

func TestTransientOutcomesKeepListening(t *testing.T) {
	rec := &recorder{}
	a := newTestAttempt(t, rec)
	if !a.Listen(func() {}) {
		t.Fatalf("expected Listen to succeed")
	}
	a.Reject()
	a.Help(HelpTooFast, "Finger moved too fast")
	a.Reject()
	if a.State() != StateListening {
		t.Fatalf("expected listening, got %s", a.State())
	}
	a.Succeed(nil)

	out := rec.outcomes()
	want := []OutcomeKind{OutcomeFailed, OutcomeHelp, OutcomeFailed, OutcomeSucceeded}
	if len(out) != len(want) {
		t.Fatalf("got %d outcomes, want %d: %v", len(out), len(want), out)
	}
	for i, k := range want {
		if out[i].Kind != k {
			t.Fatalf("outcome %d = %s, want %s", i, out[i].Kind, k)
		}
	}
	if out[1].Help != HelpTooFast || out[1].Message != "Finger moved too fast" {
		t.Fatalf("unexpected help outcome %+v", out[1])
	}
	if out[3].Crypto != nil {
		t.Fatalf("expected nil crypto on plain success")
	}
}

func TestCancelTwiceDeliversOnce(t *testing.T) {
	rec := &recorder{}
	signal := NewCancellationSignal()
	a, err := NewAttempt(signal, InlineExecutor{}, rec)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	stops := 0
	a.Listen(func() { stops++ })

	signal.Cancel()
	signal.Cancel()
	a.Cancel(ErrorCanceled)

	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != ErrorCanceled {
		t.Fatalf("expected exactly one canceled outcome, got %v", out)
	}
	if stops != 1 {
		t.Fatalf("expected stop once, got %d", stops)
	}
	if a.State() != StateCanceled {
		t.Fatalf("expected canceled state, got %s", a.State())
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("expected done to be closed")
	}
}

func TestNoCallbacksAfterTerminal(t *testing.T) {
	rec := &recorder{}
	signal := NewCancellationSignal()
	a, _ := NewAttempt(signal, InlineExecutor{}, rec)
	a.Listen(func() {})
	a.Fail(ErrorLockedOut, "")

	a.Reject()
	a.Help(HelpPartial, "")
	a.Succeed(nil)
	a.Fail(ErrorTimeout, "")
	signal.Cancel()

	out := rec.outcomes()
	if len(out) != 1 {
		t.Fatalf("expected one outcome, got %v", out)
	}
	if out[0].Code != ErrorLockedOut {
		t.Fatalf("expected lockout, got %s", out[0].Code)
	}
	if out[0].Message == "" {
		t.Fatalf("expected default lockout message")
	}
}

func TestCancelAfterSuccessIsNoop(t *testing.T) {
	rec := &recorder{}
	signal := NewCancellationSignal()
	a, _ := NewAttempt(signal, InlineExecutor{}, rec)
	a.Listen(func() {})
	a.Succeed(nil)
	signal.Cancel()

	out := rec.outcomes()
	if len(out) != 1 || out[0].Kind != OutcomeSucceeded {
		t.Fatalf("unexpected outcomes %v", out)
	}
}

func TestCanceledBeforeListen(t *testing.T) {
	rec := &recorder{}
	signal := NewCancellationSignal()
	signal.Cancel()
	a, err := NewAttempt(signal, InlineExecutor{}, rec)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	if a.Listen(func() { t.Fatalf("stop must not run") }) {
		t.Fatalf("expected Listen to fail on canceled attempt")
	}
	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != ErrorCanceled {
		t.Fatalf("unexpected outcomes %v", out)
	}
}

func TestTimeoutIsNotRemapped(t *testing.T) {
	rec := &recorder{}
	a := newTestAttempt(t, rec)
	a.Listen(func() {})
	a.Fail(ErrorTimeout, "")

	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != ErrorTimeout {
		t.Fatalf("expected timeout, got %v", out)
	}
	if a.State() != StateErrored {
		t.Fatalf("expected errored state, got %s", a.State())
	}
}

func TestFailWithCancellationCode(t *testing.T) {
	rec := &recorder{}
	a := newTestAttempt(t, rec)
	a.Listen(func() {})
	a.Fail(ErrorUserCanceled, "")
	if a.State() != StateCanceled {
		t.Fatalf("expected canceled state, got %s", a.State())
	}
}

func TestCancelCoercesCode(t *testing.T) {
	rec := &recorder{}
	a := newTestAttempt(t, rec)
	a.Cancel(ErrorLockedOut)
	out := rec.outcomes()
	if len(out) != 1 || out[0].Code != ErrorCanceled {
		t.Fatalf("expected canceled, got %v", out)
	}
}

func TestBindCancelsOnContextDone(t *testing.T) {
	got := make(chan Outcome, 1)
	a := newTestAttempt(t, CallbackFunc(func(o Outcome) { got <- o }))
	ctx, cancel := context.WithCancel(context.Background())
	a.Bind(ctx)
	a.Listen(func() {})
	cancel()

	select {
	case o := <-got:
		if o.Code != ErrorCanceled {
			t.Fatalf("expected canceled, got %v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("attempt was not canceled by context")
	}
	if a.State() != StateCanceled {
		t.Fatalf("expected canceled state, got %s", a.State())
	}
}

func TestOnTerminalAfterFinishRunsImmediately(t *testing.T) {
	a := newTestAttempt(t, &recorder{})
	a.Fail(ErrorHardwareUnavailable, "")
	ran := false
	a.OnTerminal(func() { ran = true })
	if !ran {
		t.Fatalf("expected hook to run on terminal attempt")
	}
}

func TestSerialExecutorOrdering(t *testing.T) {
	exec := NewSerialExecutor()
	rec := &recorder{}
	a, err := NewAttempt(NewCancellationSignal(), exec, rec)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	a.Listen(func() {})
	for i := 0; i < 10; i++ {
		a.Help(HelpCode(i), "")
	}
	a.Fail(ErrorTimeout, "")
	a.Reject()
	exec.Close()

	out := rec.outcomes()
	if len(out) != 11 {
		t.Fatalf("expected 11 outcomes, got %d", len(out))
	}
	for i := 0; i < 10; i++ {
		if out[i].Help != HelpCode(i) {
			t.Fatalf("outcome %d out of order: %v", i, out[i])
		}
	}
	if !out[10].Terminal() {
		t.Fatalf("expected terminal outcome last")
	}
	if err := exec.Submit(func() {}); !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("expected ErrExecutorClosed, got %v", err)
	}
}

func TestConcurrentTerminalEvents(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &recorder{}
		signal := NewCancellationSignal()
		a, _ := NewAttempt(signal, InlineExecutor{}, rec)
		a.Listen(func() {})

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); signal.Cancel() }()
		go func() { defer wg.Done(); a.Succeed(nil) }()
		go func() { defer wg.Done(); a.Fail(ErrorTimeout, "") }()
		wg.Wait()

		terminal := 0
		for _, o := range rec.outcomes() {
			if o.Terminal() {
				terminal++
			}
		}
		if terminal != 1 {
			t.Fatalf("expected one terminal outcome, got %d", terminal)
		}
	}
}

func TestAbandonDeliversNothing(t *testing.T) {
	rec := &recorder{}
	signal := NewCancellationSignal()
	a, _ := NewAttempt(signal, InlineExecutor{}, rec)
	released := false
	a.OnTerminal(func() { released = true })

	a.Abandon()
	signal.Cancel()
	a.Help(HelpGood, "")

	if len(rec.outcomes()) != 0 {
		t.Fatalf("expected no outcomes, got %v", rec.outcomes())
	}
	if !released || !a.State().Terminal() {
		t.Fatalf("expected terminal attempt with hooks run")
	}
}
