// Command bioauth protects a secret with fingerprint authentication on a
// simulated device. The device, the key store and the vault live in a
// badger database under BIOAUTH_DATA_DIR.
package main

import (
	"context"
	"os"
	"strings"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the resolved settings from the root command to subcommands.
type cli struct {
	getenv   func(string) string
	settings settings
	logger   slog.Logger

	dataDir  string
	key      string
	store    string
	logLevel string
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	c := &cli{getenv: getenv}
	root := &cobra.Command{
		Use:          "bioauth",
		Short:        "Fingerprint-protected secrets on a simulated device",
		SilenceUsage: true,
		Version:      version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "Database directory (or set "+envDataDir+")")
	root.PersistentFlags().StringVar(&c.key, "key", "", "Key alias (or set "+envKey+")")
	root.PersistentFlags().StringVar(&c.store, "store", "", "Key store: software, tpm, pkcs11 (or set "+envStore+")")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (or set "+envLogLevel+")")

	root.AddCommand(probeCmd(c))
	root.AddCommand(keyCmd(c))
	root.AddCommand(enrollCmd(c))
	root.AddCommand(sealCmd(c))
	root.AddCommand(openCmd(c))
	root.AddCommand(unlockCmd(c))
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	s, err := loadSettings(c.getenv)
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		s.DataDir = c.dataDir
	}
	if c.key != "" {
		s.Key = c.key
	}
	if c.store != "" {
		s.Store = strings.ToLower(c.store)
	}
	if err := s.validate(); err != nil {
		return err
	}
	if c.logLevel != "" {
		if s.LogLevel, err = parseLevel(c.logLevel); err != nil {
			return err
		}
	}
	c.settings = s
	c.logger = slog.Make(sloghuman.Sink(cmd.ErrOrStderr())).Leveled(s.LogLevel)
	return nil
}

// run opens the app for the duration of fn.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, c.settings, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}
