package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/portalguard/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// globalFlags are bound to the root command and shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "portalguard",
		Short: "Role-gated portal access server and tooling",
		Long: `portalguard resolves portal sessions from signed access tokens, gates
role-restricted pages, and runs the login/refresh/logout lifecycle.

Configuration is read from a YAML file (--config), .env files (--env-file)
and PORTALGUARD_* environment variables, in increasing precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, ".env files to load before reading the environment")

	rootCmd.AddCommand(
		serveCmd(&flags),
		tokenCmd(&flags),
		userCmd(&flags),
		loginCmd(&flags),
		logoutCmd(&flags),
		whoamiCmd(&flags),
		benchCmd(&flags),
		versionCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func (f *globalFlags) load() (*config.File, error) {
	return config.Load(f.configPath, f.envFiles...)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("portalguard %s (%s)\n", version, commit)
		},
	}
}

func success(format string, args ...any) {
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf(format+"\n", args...)
}

func warn(format string, args ...any) {
	color.New(color.FgYellow).Fprint(os.Stderr, "! ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// field prints an aligned "label: value" line with a cyan label.
func field(label string, value any) {
	color.New(color.FgCyan).Printf("  %-16s", label+":")
	fmt.Println(value)
}
