package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "roomcall",
	Short:   "Two-party audio/video calls over WebRTC",
	Long:    `roomcall joins a room on a signaling relay and negotiates a direct WebRTC audio/video session with the other participant. One side places the call, the other approves it.`,
	Version: Version,
}

// Execute runs the root command. An interrupt cancels the command context so
// sessions are torn down before exit.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
