// Package cmd contains the CLI commands for coworkctl.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/client"
	"github.com/good-yellow-bee/cowork/internal/logging"
)

var (
	// Used for flags
	verbose     bool
	output      string
	profilePath string
	serverURL   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coworkctl",
	Short: "coworkctl - work in a shared cowork project from the terminal",
	Long: `coworkctl talks to a cowork server: list and create projects, chat with
the other members and the AI assistant, run the shared file tree locally and
mirror it into a directory you can edit.

Examples:
  # Store the server address and your access token
  coworkctl login --server https://cowork.example.com

  # Join a project room and chat
  coworkctl join my-app

  # Run the project and restart it whenever the tree changes
  coworkctl run my-app --dir ./my-app

  # Edit the project with your own editor
  coworkctl mirror my-app ./my-app`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", "", "profile file (default ~/.config/cowork/profile.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (overrides the profile)")
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

// GetOutput returns the output format.
func GetOutput() string {
	return output
}

// PrintError prints an error message and exits if fatal is true.
func PrintError(msg string, fatal bool) {
	fmt.Fprintln(os.Stderr, "Error:", msg)
	if fatal {
		os.Exit(1)
	}
}

// PrintVerbose prints a message only if verbose mode is enabled.
func PrintVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Printf(format+"\n", args...)
	}
}

// newClient builds an API client from the stored profile.
func newClient() (*client.Client, error) {
	profile, err := LoadProfile(profilePath)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		profile.Server = serverURL
	}
	if profile.Server == "" || profile.Token == "" {
		return nil, fmt.Errorf("not logged in: run 'coworkctl login' first")
	}
	return profile.Client()
}

// newLogger returns a console logger for long-running commands.
func newLogger() *zap.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Format: "console"})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
