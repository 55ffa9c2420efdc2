//go:build cgo

package keyguard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pam "github.com/msteinert/pam/v2"
)

var _ SessionOpener = hostOpener{}

func init() {
	systemSessionOpener = hostOpener{}
}

// hostOpener verifies the lock-screen credential against the host PAM stack.
type hostOpener struct{}

func (hostOpener) Open(ctx context.Context, service, username string) (Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &hostSession{}
	txn, err := pam.StartFunc(service, username, s.respond)
	if err != nil {
		return nil, err
	}
	s.txn = txn
	return s, nil
}

// hostSession answers the PAM conversation with the pending credential.
// PAM prompts for it exactly once per Authenticate.
type hostSession struct {
	txn *pam.Transaction

	mu      sync.Mutex
	pending string
}

func (s *hostSession) respond(style pam.Style, msg string) (string, error) {
	switch style {
	case pam.PromptEchoOff:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pending == "" {
			return "", ErrEmptyCredential
		}
		return s.pending, nil
	case pam.PromptEchoOn:
		// The device credential is a single secret; a visible prompt means
		// the stack asks for something else, such as a one-time code.
		return "", fmt.Errorf("keyguard: unexpected pam prompt %q", msg)
	case pam.ErrorMsg, pam.TextInfo:
		return "", nil
	default:
		return "", fmt.Errorf("keyguard: unsupported pam style %d", style)
	}
}

// Authenticate runs authentication and account checks. Refusals of the
// credential or the account wrap ErrCredentialRejected.
func (s *hostSession) Authenticate(ctx context.Context, credential string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = credential
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = ""
		s.mu.Unlock()
	}()

	if err := s.txn.Authenticate(pam.Silent | pam.DisallowNullAuthtok); err != nil {
		return credentialError(err)
	}
	return credentialError(s.txn.AcctMgmt(pam.Silent))
}

func (s *hostSession) Close() error {
	return s.txn.End()
}

// credentialError separates refusals from PAM faults such as a missing
// module or an unreachable authentication service.
func credentialError(err error) error {
	var status pam.Error
	if !errors.As(err, &status) {
		return err
	}
	switch status {
	case pam.ErrAuth, pam.ErrUserUnknown, pam.ErrMaxtries, pam.ErrPermDenied,
		pam.ErrAcctExpired, pam.ErrNewAuthtokReqd, pam.ErrCredInsufficient:
		return fmt.Errorf("%w: %v", ErrCredentialRejected, status)
	default:
		return err
	}
}
