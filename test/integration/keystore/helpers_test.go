//go:build integration

package keystore_test

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
	"github.com/jeremyhahn/go-bioauth/pkg/keystore"
)

// enrollment is a mutable enrolled set.
type enrollment struct {
	mu      sync.Mutex
	fingers string
}

func (e *enrollment) set(fingers string) {
	e.mu.Lock()
	e.fingers = fingers
	e.mu.Unlock()
}

func (e *enrollment) Digest(context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sum := sha256.Sum256([]byte(e.fingers))
	return sum[:], nil
}

// authorize releases c through a successful attempt.
func authorize(t *testing.T, c *keystore.Cipher) {
	t.Helper()
	handle, err := biometric.NewCipherHandle(c)
	if err != nil {
		t.Fatalf("NewCipherHandle: %v", err)
	}
	a, err := biometric.NewAttempt(biometric.NewCancellationSignal(), biometric.InlineExecutor{},
		biometric.CallbackFunc(func(biometric.Outcome) {}))
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	a.Listen(func() {})
	a.Succeed(handle)
}
