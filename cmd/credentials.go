package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/chat-bridge/internal/config"
	"github.com/mihaisavezi/chat-bridge/internal/credentials"
	"github.com/mihaisavezi/chat-bridge/internal/process"
)

var (
	credToken     string
	credCookies   string
	credExpiresAt string
	credExpiresIn time.Duration
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage the vendor session credentials",
	Long: `Manage the bearer token and cookie header captured from a logged-in vendor
web chat session. A running gateway is told to reload after every change.`,
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store new session credentials",
	Long: `Store the session token and cookie header. Missing values are prompted for.
When no expiry is given it is read from the token if the token is a JWT.`,
	Example: `  cbr credentials set --token "$TOKEN" --cookies "session=...; other=..."
  cbr credentials set --expires-in 12h`,
	RunE: runCredentialsSet,
}

var credentialsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored credentials",
	RunE:  runCredentialsShow,
}

var credentialsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the stored credentials",
	RunE:  runCredentialsClear,
}

func init() {
	credentialsSetCmd.Flags().StringVar(&credToken, "token", "", "session bearer token")
	credentialsSetCmd.Flags().StringVar(&credCookies, "cookies", "", "session cookie header")
	credentialsSetCmd.Flags().StringVar(&credExpiresAt, "expires-at", "", "expiry as RFC 3339 time")
	credentialsSetCmd.Flags().DurationVar(&credExpiresIn, "expires-in", 0, "expiry relative to now")
	credentialsSetCmd.MarkFlagsMutuallyExclusive("expires-at", "expires-in")

	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsShowCmd)
	credentialsCmd.AddCommand(credentialsClearCmd)
}

func credentialsPath() string {
	return filepath.Join(cfgMgr.DataDir(), credentials.DefaultFilename)
}

func runCredentialsSet(cmd *cobra.Command, _ []string) error {
	if credToken == "" {
		prompt := &survey.Password{Message: "Session token:"}
		if err := survey.AskOne(prompt, &credToken, survey.WithValidator(survey.Required)); err != nil {
			return fmt.Errorf("input failed: %w", err)
		}
	}
	if credCookies == "" {
		prompt := &survey.Password{Message: "Cookie header:"}
		if err := survey.AskOne(prompt, &credCookies, survey.WithValidator(survey.Required)); err != nil {
			return fmt.Errorf("input failed: %w", err)
		}
	}

	creds := credentials.Credentials{Token: credToken, CookieHeader: credCookies}
	switch {
	case credExpiresAt != "":
		t, err := time.Parse(time.RFC3339, credExpiresAt)
		if err != nil {
			return fmt.Errorf("invalid --expires-at: %w", err)
		}
		creds.ExpiresAt = t
	case credExpiresIn > 0:
		creds.ExpiresAt = time.Now().Add(credExpiresIn)
	}

	// Set normalizes the value and fills the expiry from a JWT.
	state := credentials.NewState()
	if err := state.Set(creds); err != nil {
		return err
	}
	creds, _ = state.Load()

	if err := credentials.SaveFile(credentialsPath(), creds); err != nil {
		return err
	}

	color.Green("Credentials saved to %s", credentialsPath())
	printExpiry(creds)
	notifyRunning()
	return nil
}

func runCredentialsShow(cmd *cobra.Command, _ []string) error {
	creds, err := credentials.LoadFile(credentialsPath())
	if errors.Is(err, os.ErrNotExist) {
		color.Yellow("No credentials stored. Run 'cbr credentials set'.")
		return nil
	}
	if err != nil {
		return err
	}

	color.Blue("Stored credentials (%s):", credentialsPath())
	printField("Token", config.MaskString(creds.Token))
	printField("Cookies", config.MaskString(creds.CookieHeader))
	printExpiry(creds)
	return nil
}

func runCredentialsClear(cmd *cobra.Command, _ []string) error {
	if err := os.Remove(credentialsPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			color.Yellow("No credentials stored.")
			return nil
		}
		return fmt.Errorf("remove credentials file: %w", err)
	}

	color.Green("Credentials removed")
	color.Yellow("A running gateway keeps its current session until restarted or cleared through the admin API.")
	return nil
}

func printExpiry(c credentials.Credentials) {
	now := time.Now()
	switch {
	case c.ExpiresAt.IsZero():
		printField("Expires", "unknown")
	case c.Expired(now):
		color.Red("  %-15s: %s (expired)", "Expires", c.ExpiresAt.Format(time.RFC3339))
	default:
		printField("Expires", fmt.Sprintf("%s (in %s)", c.ExpiresAt.Format(time.RFC3339), c.ExpiresAt.Sub(now).Round(time.Second)))
	}
}

// notifyRunning makes a running gateway pick up file changes.
func notifyRunning() {
	signalled, err := process.NewManager(baseDir).Reload()
	switch {
	case err != nil:
		color.Red("Could not signal the running gateway: %v", err)
	case signalled:
		color.Cyan("Running gateway reloaded")
	}
}
