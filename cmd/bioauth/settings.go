package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cdr.dev/slog/v3"
)

// Environment variables read by the CLI. A .env file in the working
// directory is loaded first; variables already set take precedence.
const (
	envDataDir      = "BIOAUTH_DATA_DIR"
	envKey          = "BIOAUTH_KEY"
	envLogLevel     = "BIOAUTH_LOG_LEVEL"
	envStore        = "BIOAUTH_STORE"
	envTPMDevice    = "BIOAUTH_TPM_DEVICE"
	envPKCS11Module = "BIOAUTH_PKCS11_MODULE"
	envPKCS11Token  = "BIOAUTH_PKCS11_TOKEN"
	envPKCS11PIN    = "BIOAUTH_PKCS11_PIN"
	envSDK          = "BIOAUTH_SDK"
	envFeature      = "BIOAUTH_FINGERPRINT_FEATURE"
	envVendor       = "BIOAUTH_VENDOR"
	envFingers      = "BIOAUTH_FINGERS"
	envCredential   = "BIOAUTH_CREDENTIAL"
	envPAMService   = "BIOAUTH_PAM_SERVICE"
	envPAMUser      = "BIOAUTH_PAM_USER"
)

const (
	storeSoftware = "software"
	storeTPM      = "tpm"
	storePKCS11   = "pkcs11"
)

// settings describes the simulated device and where keys and secrets live.
type settings struct {
	DataDir  string
	Key      string
	LogLevel slog.Level

	Store        string
	TPMDevice    string
	PKCS11Module string
	PKCS11Token  string
	PKCS11PIN    string

	SDK        int
	Feature    bool
	Vendor     bool
	Fingers    []string
	Credential string

	PAMService string
	PAMUser    string
}

func loadSettings(getenv func(string) string) (settings, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	s := settings{
		DataDir:      get(envDataDir, defaultDataDir()),
		Key:          get(envKey, "vault"),
		Store:        strings.ToLower(get(envStore, storeSoftware)),
		TPMDevice:    get(envTPMDevice, ""),
		PKCS11Module: get(envPKCS11Module, ""),
		PKCS11Token:  get(envPKCS11Token, ""),
		PKCS11PIN:    getenv(envPKCS11PIN),
		Credential:   get(envCredential, "0000"),
		PAMService:   get(envPAMService, "login"),
		PAMUser:      get(envPAMUser, getenv("USER")),
	}

	level, err := parseLevel(get(envLogLevel, "warn"))
	if err != nil {
		return settings{}, err
	}
	s.LogLevel = level

	if s.SDK, err = strconv.Atoi(get(envSDK, "28")); err != nil {
		return settings{}, fmt.Errorf("%s: %w", envSDK, err)
	}
	if s.Feature, err = strconv.ParseBool(get(envFeature, "true")); err != nil {
		return settings{}, fmt.Errorf("%s: %w", envFeature, err)
	}
	if s.Vendor, err = strconv.ParseBool(get(envVendor, "false")); err != nil {
		return settings{}, fmt.Errorf("%s: %w", envVendor, err)
	}
	s.Fingers = splitList(get(envFingers, "right-index"))
	if strings.EqualFold(s.Credential, "none") {
		// The simulated lock screen has no credential.
		s.Credential = ""
	}

	if err := s.validate(); err != nil {
		return settings{}, err
	}
	return s, nil
}

func (s settings) validate() error {
	switch s.Store {
	case storeSoftware, storeTPM, storePKCS11:
	default:
		return fmt.Errorf("unknown key store %q", s.Store)
	}
	if s.Key == "" {
		return errors.New("key alias must not be empty")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%s: unknown log level %q", envLogLevel, s)
	}
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bioauth"
	}
	return filepath.Join(home, ".bioauth")
}
