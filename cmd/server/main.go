package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/omochice/roomchat/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.Default()
	envErr := cfg.LoadEnv(os.Environ())

	cmd := &cobra.Command{
		Use:   "roomchat-server",
		Short: "Room based chat server for TCP and WebSocket clients",
		Long: `roomchat-server accepts raw TCP clients and WebSocket clients on one port.
Clients register or log in, join a room and exchange text with its members.

Every flag can also be set through a ROOMCHAT_* environment variable,
for example ROOMCHAT_LISTEN_ADDR or ROOMCHAT_IDLE_TIMEOUT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(migrateCmd(&cfg), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("roomchat-server %s (%s) %s %s/%s\n", version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
