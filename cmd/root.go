package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/chat-bridge/internal/config"
	applog "github.com/mihaisavezi/chat-bridge/internal/logger"
)

const (
	AppName = "chat-bridge"
	Version = "0.1.0"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	homeDir, err := os.UserHomeDir()
	if err != nil {
		logger.Error("Failed to get home directory", "error", err)
		os.Exit(1)
	}
	baseDir = filepath.Join(homeDir, "."+AppName)
}

var rootCmd = &cobra.Command{
	Use:   "cbr",
	Short: "Chat Bridge - OpenAI-compatible gateway for a vendor web chat",
	Long: `Chat Bridge exposes the OpenAI chat completions API and forwards each
request to a vendor web chat session, keeping multi-turn conversations
continuous on the vendor side.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		cfgMgr = config.NewManager(baseDir)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", baseDir, "configuration and data directory")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(providersCmd)
}

// setupLogging builds the process logger from the loaded configuration;
// --verbose forces debug level.
func setupLogging(cmd *cobra.Command, cfg *config.Config) error {
	level := cfg.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}

	l, err := applog.New(applog.Options{Level: level, Format: cfg.LogFormat, Output: os.Stdout})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logger = l
	slog.SetDefault(l)
	return nil
}

func loadConfig() (*config.Config, error) {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found in %s", baseDir)
		color.Cyan("Run 'cbr config init' to create one.")
		return nil, config.ErrNoConfig()
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func printField(name string, value any) {
	fmt.Printf("  %-15s: %v\n", name, value)
}
