package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/chat-bridge/internal/process"
)

const healthTimeout = 3 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Display whether the gateway is running and, if so, the health of its providers.`,
	RunE:  runStatus,
}

type healthReport struct {
	Status    string `json:"status"`
	Providers map[string]struct {
		Healthy   bool    `json:"healthy"`
		LatencyMS int64   `json:"latency_ms"`
		Error     string  `json:"error"`
		ExpiresIn *string `json:"credentials_expire_in"`
	} `json:"providers"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	procMgr := process.NewManager(baseDir)
	running := procMgr.IsRunning()

	color.Blue("Status for %s:", AppName)
	printField("Running", running)
	printField("PID", procMgr.ReadPID())

	cfg := cfgMgr.Get()
	endpoint := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	printField("Endpoint", endpoint+"/v1")
	printField("Providers", len(cfg.Providers))
	printField("Config Path", cfgMgr.GetPath())
	printField("Data Dir", cfgMgr.DataDir())
	printField("Version", "v"+Version)

	if !running {
		return nil
	}

	report, err := fetchHealth(cmd.Context(), endpoint)
	if err != nil {
		color.Red("\nHealth check failed: %v", err)
		return nil
	}

	fmt.Println()
	switch report.Status {
	case "ok":
		color.Green("Health: %s", report.Status)
	default:
		color.Yellow("Health: %s", report.Status)
	}

	ids := lo.Keys(report.Providers)
	slices.Sort(ids)
	for _, id := range ids {
		p := report.Providers[id]
		line := fmt.Sprintf("  %-15s: healthy=%v latency=%dms", id, p.Healthy, p.LatencyMS)
		if p.ExpiresIn != nil {
			line += " credentials expire in " + *p.ExpiresIn
		}
		if p.Error != "" {
			line += " (" + p.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

// fetchHealth reads /health; a 503 still carries a report.
func fetchHealth(ctx context.Context, endpoint string) (*healthReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode health response (HTTP %d): %w", resp.StatusCode, err)
	}
	return &report, nil
}
