package keystore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// deviceMu serializes access to the TPM across sessions.
var deviceMu sync.Mutex

// deviceProvider talks to a TPM through go-tpm.
type deviceProvider struct{}

type tpmWithCloser struct {
	transport.TPM
	closer io.Closer
}

func (t *tpmWithCloser) Close() error {
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

func (deviceProvider) Open(ctx context.Context, cfg TPMConfig) (TPMSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := cfg.DevicePath
	if path == "" {
		path = DefaultTPMDevice
	}

	deviceMu.Lock()
	info, err := os.Stat(path)
	if err != nil {
		deviceMu.Unlock()
		if os.IsNotExist(err) {
			return nil, ErrTPMUnavailable
		}
		return nil, fmt.Errorf("keystore: stat tpm device: %w", err)
	}

	var tpm transport.TPMCloser
	if info.Mode()&os.ModeSocket != 0 {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			deviceMu.Unlock()
			return nil, fmt.Errorf("keystore: connect tpm socket: %w", err)
		}
		tpm = &tpmWithCloser{TPM: transport.FromReadWriter(conn), closer: conn}
	} else {
		tpm, err = transport.OpenTPM(path)
		if err != nil {
			deviceMu.Unlock()
			if os.IsNotExist(err) {
				return nil, ErrTPMUnavailable
			}
			return nil, fmt.Errorf("keystore: open tpm device: %w", err)
		}
	}
	return &deviceSession{tpm: tpm}, nil
}

type deviceSession struct {
	tpm transport.TPMCloser
}

// srk creates the ECC storage root key from the owner hierarchy's template.
// The key is derived deterministically, so sealed blobs stay loadable.
func (s *deviceSession) srk() (tpm2.AuthHandle, func(), error) {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(tpm2.ECCSRKTemplate),
	}.Execute(s.tpm)
	if err != nil {
		return tpm2.AuthHandle{}, nil, fmt.Errorf("keystore: create srk: %w", err)
	}
	flush := func() {
		_, _ = tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}.Execute(s.tpm)
	}
	return tpm2.AuthHandle{
		Handle: rsp.ObjectHandle,
		Name:   rsp.Name,
		Auth:   tpm2.PasswordAuth(nil),
	}, flush, nil
}

func (s *deviceSession) Seal(ctx context.Context, data, auth []byte) (SealedBlob, error) {
	if err := ctx.Err(); err != nil {
		return SealedBlob{}, err
	}
	parent, flush, err := s.srk()
	if err != nil {
		return SealedBlob{}, err
	}
	defer flush()

	rsp, err := tpm2.Create{
		ParentHandle: parent,
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{Buffer: auth},
				Data:     tpm2.NewTPMUSensitiveCreate(&tpm2.TPM2BSensitiveData{Buffer: data}),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: true,
				NoDA:         true,
			},
		}),
	}.Execute(s.tpm)
	if err != nil {
		return SealedBlob{}, mapTPMError(err)
	}
	return SealedBlob{
		Public:  tpm2.Marshal(rsp.OutPublic),
		Private: tpm2.Marshal(rsp.OutPrivate),
	}, nil
}

func (s *deviceSession) Unseal(ctx context.Context, blob SealedBlob, auth []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](blob.Public)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode sealed public area: %w", err)
	}
	priv, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](blob.Private)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode sealed private area: %w", err)
	}

	parent, flush, err := s.srk()
	if err != nil {
		return nil, err
	}
	defer flush()

	loaded, err := tpm2.Load{
		ParentHandle: parent,
		InPrivate:    *priv,
		InPublic:     *pub,
	}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	defer func() {
		_, _ = tpm2.FlushContext{FlushHandle: loaded.ObjectHandle}.Execute(s.tpm)
	}()

	rsp, err := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loaded.ObjectHandle,
			Name:   loaded.Name,
			Auth:   tpm2.PasswordAuth(auth),
		},
	}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	return rsp.OutData.Buffer, nil
}

func (s *deviceSession) Close(ctx context.Context) error {
	defer deviceMu.Unlock()
	if s.tpm != nil {
		return s.tpm.Close()
	}
	return nil
}

// mapTPMError turns authorization failures into ErrTPMAuthFailed.
func mapTPMError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tpm2.TPMRCAuthFail) || errors.Is(err, tpm2.TPMRCBadAuth) {
		return fmt.Errorf("%w: %v", ErrTPMAuthFailed, err)
	}
	// Response codes carrying a session or parameter index do not always
	// compare equal to the canonical code.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"tpm_rc_auth_fail", "tpm_rc_bad_auth", "0x98e", "0x9a2"} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", ErrTPMAuthFailed, err)
		}
	}
	return fmt.Errorf("keystore: tpm command failed: %w", err)
}
