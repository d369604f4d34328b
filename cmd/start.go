package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/chat-bridge/internal/process"
	"github.com/mihaisavezi/chat-bridge/internal/server"
)

const startupTimeout = 10 * time.Second

var startDetach bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the gateway in the foreground, or in the background with --detach.

Send SIGHUP to a running gateway to reload the configuration and credentials files.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&startDetach, "detach", "d", false, "run in the background")
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	procMgr := process.NewManager(baseDir)
	if procMgr.IsRunning() {
		color.Yellow("%s is already running (pid %d)", AppName, procMgr.ReadPID())
		return nil
	}

	if startDetach {
		args := []string{"start", "--dir", baseDir}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			args = append(args, "--verbose")
		}
		if _, err := procMgr.StartDetached(args, startupTimeout); err != nil {
			return err
		}
		color.Green("%s started in the background (pid %d)", AppName, procMgr.ReadPID())
		color.Cyan("Endpoint: http://%s:%d/v1", cfg.Host, cfg.Port)
		return nil
	}

	if err := setupLogging(cmd, cfg); err != nil {
		return err
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting gateway",
		"host", cfg.Host,
		"port", cfg.Port,
		"providers", len(cfg.Providers),
	)

	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer func() {
		if err := procMgr.CleanupPID(); err != nil {
			logger.Warn("Failed to remove pid file", "error", err)
		}
	}()

	srv, err := server.New(cfgMgr, logger)
	if err != nil {
		return err
	}
	return srv.Start()
}
