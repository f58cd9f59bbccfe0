package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	loginToken  string
	loginCAFile string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the server address and an access token",
	Long: `Store the server address and an access token in the profile.

The token is read from --token, or prompted for without echo. It is checked
against the server before it is saved.

Examples:
  coworkctl login --server https://cowork.example.com
  coworkctl login --server https://10.0.0.5:8443 --ca-file ./certs/server.crt
  coworkctl login --server http://localhost:8080 --token "$(cowork-server token alice --email alice@example.com)"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := LoadProfile(profilePath)
		if err != nil {
			return err
		}
		if serverURL != "" {
			profile.Server = serverURL
		}
		if profile.Server == "" {
			return fmt.Errorf("--server is required")
		}

		token := loginToken
		if token == "" {
			if token, err = promptToken("Access token: "); err != nil {
				return fmt.Errorf("read token: %w", err)
			}
		}
		if token == "" {
			return fmt.Errorf("token is empty")
		}

		if loginCAFile != "" {
			profile.CAFile = loginCAFile
		}
		profile.Token = token
		c, err := profile.Client()
		if err != nil {
			return err
		}
		if _, err := c.Self(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		me, err := c.Me(ctx)
		if err != nil {
			return fmt.Errorf("verify token: %w", err)
		}

		if err := SaveProfile(profilePath, profile); err != nil {
			return err
		}
		fmt.Printf("Logged in to %s as %s (%s)\n", profile.Server, me.Email, me.ID)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "access token (prompted when empty)")
	loginCmd.Flags().StringVar(&loginCAFile, "ca-file", "", "CA certificate for a self-signed server")
	rootCmd.AddCommand(loginCmd)
}

// promptToken prompts for a token without echoing to the terminal.
func promptToken(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		tokenBytes, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(tokenBytes)), nil
	}

	// Fallback for piped input
	reader := bufio.NewReader(os.Stdin)
	token, err := reader.ReadString('\n')
	if err != nil && token == "" {
		return "", err
	}
	return strings.TrimSpace(token), nil
}
