//go:build cgo

package keyguard

import (
	"errors"
	"testing"

	pam "github.com/msteinert/pam/v2"
)

func TestCredentialError(t *testing.T) {
	cases := []struct {
		err      error
		rejected bool
	}{
		{pam.ErrAuth, true},
		{pam.ErrUserUnknown, true},
		{pam.ErrMaxtries, true},
		{pam.ErrAcctExpired, true},
		{pam.ErrAuthinfoUnavail, false},
		{pam.ErrService, false},
		{pam.ErrSystem, false},
		{errors.New("conversation failed"), false},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			got := credentialError(tc.err)
			if errors.Is(got, ErrCredentialRejected) != tc.rejected {
				t.Fatalf("credentialError(%v) = %v, rejected want %v", tc.err, got, tc.rejected)
			}
			if !errors.Is(got, tc.err) && !tc.rejected {
				t.Fatalf("faults must pass through unchanged, got %v", got)
			}
		})
	}
	if credentialError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
