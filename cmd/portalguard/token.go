package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/portalguard/internal/server"
	"github.com/MrEthical07/portalguard/role"
)

func tokenCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or mint access tokens",
	}
	cmd.AddCommand(tokenInspectCmd(flags), tokenIssueCmd(flags))
	return cmd
}

func tokenInspectCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Decode a token and show the session it carries",
		Long: `Decode an access token with the configured verification key. Expired
tokens are still shown. The output is diagnostic and grants nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			rt, err := server.Bootstrap(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.EphemeralKey {
				warn("no key files configured; only tokens minted by this process will verify")
			}

			in, err := rt.Engine.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(in)
			}

			field("subject", in.Session.UserID)
			field("email", in.Session.Email)
			field("role", in.Session.Role)
			if !in.RoleRecognised {
				color.Yellow("  role claim %v not recognised, default applied\n", in.RawRole)
			}
			field("issuer", in.Issuer)
			field("token id", in.TokenID)
			if !in.IssuedAt.IsZero() {
				field("issued", in.IssuedAt.Format(time.RFC3339))
			}
			if !in.Session.ExpiresAt.IsZero() {
				field("expires", in.Session.ExpiresAt.Format(time.RFC3339))
			}
			if in.IsExpired {
				color.Red("  EXPIRED\n")
			} else {
				color.Green("  valid\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the inspection as JSON")
	return cmd
}

func tokenIssueCmd(flags *globalFlags) *cobra.Command {
	var (
		subject string
		email   string
		rawRole string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint an access token for tooling and tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := role.Normalize(rawRole)
			if !ok {
				return fmt.Errorf("unknown role %q", rawRole)
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			rt, err := server.Bootstrap(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.EphemeralKey {
				warn("signing with a throwaway key; a running server will reject this token")
			}

			token, exp, err := rt.Engine.IssueAccessToken(subject, email, r, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "subject (user ID)")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&rawRole, "role", role.User.String(), "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.access_ttl)")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
