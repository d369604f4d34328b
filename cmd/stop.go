package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/chat-bridge/internal/process"
)

const stopTimeout = 15 * time.Second

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the gateway",
	Long:  `Stop the running gateway and wait for in-flight requests to finish.`,
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, _ []string) error {
	color.Yellow("Stopping %s...", AppName)

	procMgr := process.NewManager(baseDir)

	if !procMgr.IsRunning() {
		color.Yellow("Service is not running")
		return nil
	}

	if err := procMgr.Stop(stopTimeout); err != nil {
		return err
	}

	color.Green("Service stopped successfully")
	return nil
}
