//go:build integration && cgo && pkcs11

package keystore_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/google/uuid"

	"github.com/jeremyhahn/go-bioauth/pkg/keystore"
)

func setupSoftHSMToken(t *testing.T) keystore.PKCS11Config {
	t.Helper()
	modulePath := os.Getenv("BIOAUTH_PKCS11_MODULE")
	if modulePath == "" {
		modulePath = "/usr/lib/softhsm/libsofthsm2.so"
	}
	if _, err := os.Stat(modulePath); err != nil {
		t.Skipf("SoftHSM module not present at %s", modulePath)
	}

	tempDir := t.TempDir()
	tokenDir := filepath.Join(tempDir, "tokens")
	if err := os.MkdirAll(tokenDir, 0o700); err != nil {
		t.Fatalf("mkdir tokens: %v", err)
	}
	confPath := filepath.Join(tempDir, "softhsm2.conf")
	conf := fmt.Sprintf("directories.tokendir = %s\nobjectstore.backend = file\n", tokenDir)
	if err := os.WriteFile(confPath, []byte(conf), 0o600); err != nil {
		t.Fatalf("write softhsm config: %v", err)
	}
	t.Setenv("SOFTHSM2_CONF", confPath)

	label := "bioauth-" + uuid.NewString()[:8]
	pin := "987654"
	cmd := exec.Command("softhsm2-util", "--init-token", "--free", "--label", label, "--so-pin", "123456", "--pin", pin)
	cmd.Env = append(os.Environ(), "SOFTHSM2_CONF="+confPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("init token failed: %v (%s)", err, out)
	}

	return keystore.PKCS11Config{
		ModulePath:  modulePath,
		TokenLabel:  label,
		PIN:         pin,
		LabelPrefix: "bioauth-",
		Logger:      slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	}
}

func TestPKCS11TokenKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := setupSoftHSMToken(t)
	e := &enrollment{fingers: "right-index"}
	cfg.Enrollment = e

	store, err := keystore.NewPKCS11Store(cfg)
	if err != nil {
		t.Fatalf("NewPKCS11Store: %v", err)
	}
	m, err := keystore.NewManager(keystore.Config{Store: store, Logger: cfg.Logger})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.CreateKey(ctx, "token", true); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	enc, ok, err := m.InitEncryptingCipher(ctx, "token")
	if err != nil || !ok {
		t.Fatalf("InitEncryptingCipher: ok=%v err=%v", ok, err)
	}
	authorize(t, enc)
	ct, err := enc.DoFinal([]byte("Hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, ok, err := m.InitDecryptingCipher(ctx, "token", enc.IV())
	if err != nil || !ok {
		t.Fatalf("InitDecryptingCipher: ok=%v err=%v", ok, err)
	}
	authorize(t, dec)
	pt, err := dec.DoFinal(ct)
	if err != nil || !bytes.Equal(pt, []byte("Hello")) {
		t.Fatalf("decrypt: %q %v", pt, err)
	}

	e.set("right-index,left-thumb")
	if _, ok, err := m.InitEncryptingCipher(ctx, "token"); err != nil || ok {
		t.Fatalf("expected invalidation, got ok=%v err=%v", ok, err)
	}
	if !m.RemoveKey(ctx, "token") || m.HasKey(ctx, "token") {
		t.Fatalf("expected key removal")
	}
}

func TestPKCS11WrongPIN(t *testing.T) {
	cfg := setupSoftHSMToken(t)
	cfg.PIN = "000000"
	cfg.Enrollment = &enrollment{fingers: "right-index"}
	store, err := keystore.NewPKCS11Store(cfg)
	if err != nil {
		t.Fatalf("NewPKCS11Store: %v", err)
	}
	if err := store.Generate(context.Background(), keystore.NewKeySpec("token", true)); err == nil {
		t.Fatalf("expected login failure")
	}
}
