package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
	"github.com/jeremyhahn/go-bioauth/pkg/keyguard"
	"github.com/jeremyhahn/go-bioauth/pkg/keystore"
	"github.com/jeremyhahn/go-bioauth/pkg/vault"
)

var (
	errSecretExists = errors.New("a secret is already stored; pass --force to replace it")
	errNoSecret     = errors.New("no secret stored")
	errKeyExists    = errors.New("key already exists")
	errNoPAMUser    = errors.New("no PAM user; set " + envPAMUser + " or USER")
)

// deviceUser owns the simulated device credential.
const deviceUser = "device"

func probeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Show the selected authentication technology and its availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				vendor := a.broker.Vendor()
				if vendor == "" {
					vendor = "-"
				}
				res := a.checker.Check(ctx)
				fmt.Fprintf(out, "%-10s %s\n", "kind:", a.broker.Kind())
				fmt.Fprintf(out, "%-10s %s\n", "vendor:", vendor)
				fmt.Fprintf(out, "%-10s %t\n", "crypto:", a.broker.SupportsCrypto())
				if res.Available {
					fmt.Fprintf(out, "%-10s %t\n", "available:", true)
				} else {
					fmt.Fprintf(out, "%-10s false (%s)\n", "available:", describeCode(res.Code, res.Message))
				}
				fmt.Fprintf(out, "%-10s %t\n", "enabled:", a.checker.Enabled(ctx))
				fmt.Fprintf(out, "%-10s %s\n", "enrolled:", strings.Join(a.device.Enrolled(), ", "))
				return nil
			})
		},
	}
}

func keyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the biometric-gated key",
	}
	cmd.AddCommand(keyStatusCmd(c), keyCreateCmd(c), keyRemoveCmd(c))
	return cmd
}

func keyStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the key exists and is still valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				name := a.vault.Name()
				fmt.Fprintf(out, "%-8s %s\n", "key:", name)
				fmt.Fprintf(out, "%-8s %s\n", "store:", a.settings.Store)
				if !a.keys.HasKey(ctx, name) {
					fmt.Fprintf(out, "%-8s absent\n", "state:")
					return nil
				}
				_, ok, err := a.keys.InitEncryptingCipher(ctx, name)
				switch {
				case err != nil:
					return err
				case ok:
					fmt.Fprintf(out, "%-8s valid\n", "state:")
				default:
					fmt.Fprintf(out, "%-8s invalidated\n", "state:")
				}
				stored, err := a.vault.Stored(ctx)
				if err != nil {
					return err
				}
				secret := "none"
				if stored {
					secret = "stored"
				}
				fmt.Fprintf(out, "%-8s %s\n", "secret:", secret)
				return nil
			})
		},
	}
}

func keyCreateCmd(c *cli) *cobra.Command {
	var invalidate bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				name := a.vault.Name()
				if a.keys.HasKey(ctx, name) {
					return errKeyExists
				}
				if err := a.keys.CreateKey(ctx, name, invalidate); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created key %q\n", name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&invalidate, "invalidate-on-enrollment", true, "Invalidate the key when the enrolled set changes")
	return cmd
}

func keyRemoveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Remove the key and the secret it protects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				if err := a.vault.Reset(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed key %q\n", a.vault.Name())
				return nil
			})
		},
	}
}

func enrollCmd(c *cli) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "enroll [finger...]",
		Short: "Enroll or remove simulated fingers, or list the enrolled set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				for _, f := range args {
					if remove {
						a.device.Remove(f)
					} else {
						a.device.Enroll(f)
					}
				}
				if len(args) > 0 {
					if err := a.saveFingers(ctx); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(a.device.Enrolled(), "\n"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the given fingers instead")
	return cmd
}

func addScriptFlags(cmd *cobra.Command, sc *script) {
	cmd.Flags().StringSliceVar(&sc.touches, "touch", nil, "Fingers placed on the sensor, in order (defaults to the first enrolled)")
	cmd.Flags().BoolVar(&sc.dismiss, "dismiss", false, "Dismiss the prompt after the touches")
	cmd.Flags().BoolVar(&sc.negative, "negative", false, "Press the negative button after the touches")
}

func sealCmd(c *cli) *cobra.Command {
	var (
		sc    script
		force bool
	)
	cmd := &cobra.Command{
		Use:   "seal [secret]",
		Short: "Encrypt and store a secret after fingerprint authentication",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.vault.Prepare(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if sess.Reenrolled {
					fmt.Fprintln(out, "Fingerprints have changed; the previous secret was discarded.")
				}
				if sess.Mode == keystore.ModeDecrypt {
					if !force {
						return errSecretExists
					}
					cipher, ok, err := a.keys.InitEncryptingCipher(ctx, a.vault.Name())
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("key %q was invalidated, run seal again", a.vault.Name())
					}
					sess = &vault.Session{Mode: keystore.ModeEncrypt, Cipher: cipher}
				}

				var secret string
				if len(args) == 1 {
					secret = args[0]
				} else if secret, err = readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Secret: "); err != nil {
					return err
				}

				if err := authenticate(ctx, cmd, a, sess, sc); err != nil {
					return err
				}
				encoded, err := a.vault.Seal(ctx, sess.Cipher, []byte(secret))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Sealed %s\n", encoded)
				return nil
			})
		},
	}
	addScriptFlags(cmd, &sc)
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing secret")
	return cmd
}

func openCmd(c *cli) *cobra.Command {
	var sc script
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Decrypt the stored secret after fingerprint authentication",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.vault.Prepare(ctx)
				if err != nil {
					return err
				}
				if sess.Reenrolled {
					fmt.Fprintln(cmd.OutOrStdout(), "Fingerprints have changed; the stored secret was discarded.")
				}
				if sess.Mode != keystore.ModeDecrypt {
					return errNoSecret
				}
				if err := authenticate(ctx, cmd, a, sess, sc); err != nil {
					return err
				}
				secret, err := a.vault.Open(ctx, sess.Cipher)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(secret))
				return nil
			})
		},
	}
	addScriptFlags(cmd, &sc)
	return cmd
}

func unlockCmd(c *cli) *cobra.Command {
	var usePAM bool
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Verify the device credential, clearing a sensor lockout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				cfg := keyguard.VerifierConfig{
					Service:  a.settings.PAMService,
					Username: deviceUser,
					Opener:   a.device.CredentialOpener(),
					Logger:   a.logger,
				}
				if usePAM {
					if a.settings.PAMUser == "" {
						return errNoPAMUser
					}
					cfg.Username = a.settings.PAMUser
					cfg.Opener = nil
				}
				v, err := keyguard.NewVerifier(cfg)
				if err != nil {
					return err
				}
				pin, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Device credential: ")
				if err != nil {
					return err
				}
				if err := v.Verify(ctx, pin); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Device credential accepted")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&usePAM, "pam", false, "Verify against the system PAM stack instead of the simulated device")
	return cmd
}

// authenticate runs the script and turns anything but success into an
// error.
func authenticate(ctx context.Context, cmd *cobra.Command, a *app, sess *vault.Session, sc script) error {
	o, err := a.authenticate(ctx, sess, sc, func(o biometric.Outcome) {
		printProgress(cmd.ErrOrStderr(), o)
	})
	if err != nil {
		return err
	}
	if o.Kind == biometric.OutcomeSucceeded {
		return nil
	}
	msg := describeCode(o.Code, o.Message)
	if keyguard.FallbackAllowed(o.Code) {
		return fmt.Errorf("authentication failed: %s (run \"bioauth unlock\" to use the device credential)", msg)
	}
	return fmt.Errorf("authentication failed: %s", msg)
}

func printProgress(w io.Writer, o biometric.Outcome) {
	switch o.Kind {
	case biometric.OutcomeFailed:
		fmt.Fprintln(w, "Fingerprint not recognized. Try again.")
	case biometric.OutcomeHelp:
		if o.Message != "" {
			fmt.Fprintln(w, o.Message)
		}
	}
}

func describeCode(code biometric.Error, message string) string {
	if message != "" {
		return message
	}
	return code.String()
}
