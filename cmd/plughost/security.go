// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/host"
	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/security"
	"github.com/holomush/plughost/pkg/errutil"
)

// NewSecurityCmd creates the security subcommand tree.
func NewSecurityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Inspect permissions, scan code and sign plugins",
	}
	cmd.AddCommand(
		newSecurityPermissionsCmd(),
		newSecurityCheckCmd(),
		newSecurityScanCmd(),
		newSecurityHashCmd(),
		newSecurityKeygenCmd(),
		newSecuritySignCmd(),
		newSecurityVerifyCmd(),
	)
	return cmd
}

func newSecurityPermissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "permissions",
		Short: "List every known permission and its risk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			perms := security.AllPermissions()
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), perms)
			}
			rows := make([][]string, 0, len(perms))
			for _, p := range perms {
				rows = append(rows, []string{string(p.Name), p.Risk.String(), p.Description})
			}
			return table(cmd.OutOrStdout(), "PERMISSION\tRISK\tDESCRIPTION", rows)
		},
	}
}

func newSecurityCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <plugin-id> <permission>",
		Short: "Report whether a plugin's policy grants a permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, false, func(_ context.Context, h *host.Host) error {
				verdict := "denied"
				if h.Security().CheckPermission(args[0], args[1]) {
					verdict = "allowed"
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s for %s\n", args[1], verdict, args[0])
				return err
			})
		},
	}
}

func newSecurityScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <dir>",
		Short: "Scan plugin code for dangerous patterns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, false, func(_ context.Context, h *host.Host) error {
				report, err := h.Security().ScanCode(args[0])
				if err != nil {
					return err
				}
				return printScan(cmd, report)
			})
		},
	}
}

func printScan(cmd *cobra.Command, report *plugin.ScanReport) error {
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	out := cmd.OutOrStdout()
	verdict := "safe"
	if !report.Safe {
		verdict = "unsafe"
	}
	_, _ = fmt.Fprintf(out, "%s: %d files scanned\n", verdict, report.Files)
	for _, w := range report.Warnings {
		_, _ = fmt.Fprintf(out, "  %s\n", w)
	}
	return nil
}

func newSecurityHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <dir>",
		Short: "Print the content hash of a plugin directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := security.HashDir(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func newSecurityKeygenCmd() *cobra.Command {
	var (
		id      string
		keyFile string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 signing key",
		Long: `Generate an ed25519 key pair. The private key is written base64
encoded to --out; the printed line is the matching --trusted-key value.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return oops.Code(errutil.CodeSecurityViolation).Wrapf(err, "generate key")
			}
			if err := os.WriteFile(keyFile, []byte(base64.StdEncoding.EncodeToString(priv)+"\n"), 0o600); err != nil {
				return oops.Code(errutil.CodeSecurityViolation).With("path", keyFile).Wrap(err)
			}
			if id == "" {
				id = security.KeyID(pub)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", id, base64.StdEncoding.EncodeToString(pub))
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id (default: derived from the public key)")
	cmd.Flags().StringVar(&keyFile, "out", "plughost-signing.key", "private key file")
	return cmd
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return nil, oops.Code(errutil.CodeInvalidArgument).With("path", path).Wrap(err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, oops.Code(errutil.CodeInvalidArgument).
			With("path", path).
			Errorf("%s does not hold a base64 ed25519 private key", path)
	}
	return ed25519.PrivateKey(raw), nil
}

func newSecuritySignCmd() *cobra.Command {
	var (
		keyFile string
		keyID   string
	)
	cmd := &cobra.Command{
		Use:   "sign <dir>",
		Short: "Sign a plugin directory and write plugin.sig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := plugin.LoadManifest(args[0])
			if err != nil {
				return err
			}
			priv, err := readPrivateKey(keyFile)
			if err != nil {
				return err
			}
			sig, err := security.Sign(args[0], m.ID, keyID, priv, time.Now())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), sig)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "signed %s with %s\n", m.ID, sig.PublicKey)
			return err
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "plughost-signing.key", "private key file written by keygen")
	cmd.Flags().StringVar(&keyID, "key-id", "", "trusted key id to reference (default: embed the public key)")
	return cmd
}

func newSecurityVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <dir>",
		Short: "Verify a plugin's signature against the trusted keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := plugin.LoadManifest(args[0])
			if err != nil {
				return err
			}
			return withHost(cmd, false, func(_ context.Context, h *host.Host) error {
				sig, err := h.Security().CheckSignature(m.ID, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s signature verified (key %s, issued %s)\n",
					m.ID, sig.PublicKey, sig.IssuedAt.Format(time.RFC3339))
				return err
			})
		},
	}
}
