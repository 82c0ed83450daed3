package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/portalguard/directory"
	"github.com/MrEthical07/portalguard/internal/server"
	"github.com/MrEthical07/portalguard/password"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
)

func userCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage directory users and grants",
	}
	cmd.AddCommand(
		userAddCmd(flags),
		userListCmd(flags),
		userRoleCmd(flags),
		userGrantCmd(flags, true),
		userGrantCmd(flags, false),
		userRemoveCmd(flags),
	)
	return cmd
}

// withDirectory runs fn against a migrated directory. No session store is
// opened.
func withDirectory(cmd *cobra.Command, flags *globalFlags, fn func(rt *server.Runtime) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	rt, err := server.Bootstrap(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func parseRole(raw string) (role.Role, error) {
	r, ok := role.Normalize(raw)
	if !ok {
		return role.None, fmt.Errorf("unknown role %q (want one of %v)", raw, role.NewSet(role.All...))
	}
	return r, nil
}

func userAddCmd(flags *globalFlags) *cobra.Command {
	var (
		email   string
		rawRole string
		pass    string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(rawRole)
			if err != nil {
				return err
			}
			if pass == "" {
				if pass, err = promptLine("Password: "); err != nil {
					return err
				}
			}
			return withDirectory(cmd, flags, func(rt *server.Runtime) error {
				hasher, err := password.NewArgon2(rt.Config.Password)
				if err != nil {
					return err
				}
				hash, err := hasher.Hash(pass)
				if err != nil {
					return err
				}
				id, err := rt.Directory.AddUser(cmd.Context(), directory.NewUser{
					Email:        email,
					PasswordHash: hash,
					Role:         r.String(),
				})
				if err != nil {
					return err
				}
				success("created %s (%s) as %s", email, id, r)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&rawRole, "role", role.User.String(), "role")
	cmd.Flags().StringVar(&pass, "password", "", "password (prompted when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd, flags, func(rt *server.Runtime) error {
				users, err := rt.Directory.Users(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tEMAIL\tROLE\tSTORED")
				for _, u := range users {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Role, u.RawRole)
				}
				return w.Flush()
			})
		},
	}
}

func userRoleCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "role <user-id> <role>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(args[1])
			if err != nil {
				return err
			}
			return withDirectory(cmd, flags, func(rt *server.Runtime) error {
				if err := rt.Directory.SetRole(cmd.Context(), args[0], r.String()); err != nil {
					return err
				}
				success("%s is now %s; existing access tokens keep the old role until they expire", args[0], r)
				return nil
			})
		},
	}
}

func userGrantCmd(flags *globalFlags, grant bool) *cobra.Command {
	use, short, done := "grant", "Grant explicit permissions", "granted"
	if !grant {
		use, short, done = "revoke", "Revoke explicit permissions", "revoked"
	}

	return &cobra.Command{
		Use:   use + " <user-id> <action:subject>...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms := make([]permission.Permission, 0, len(args)-1)
			for _, raw := range args[1:] {
				p, err := permission.Parse(raw)
				if err != nil {
					return err
				}
				perms = append(perms, p)
			}
			return withDirectory(cmd, flags, func(rt *server.Runtime) error {
				op := rt.Directory.Grant
				if !grant {
					op = rt.Directory.Revoke
				}
				if err := op(cmd.Context(), args[0], perms...); err != nil {
					return err
				}
				success("%s %s for %s", done, strings.Join(permission.Canonical(perms), ", "), args[0])
				return nil
			})
		},
	}
}

func userRemoveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <user-id>",
		Short: "Delete a user and its grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd, flags, func(rt *server.Runtime) error {
				if err := rt.Directory.RemoveUser(cmd.Context(), args[0]); err != nil {
					return err
				}
				success("removed %s", args[0])
				return nil
			})
		},
	}
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
