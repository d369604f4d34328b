package cmd

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/chat-bridge/internal/config"
)

var (
	addType     string
	addBaseURL  string
	addAPIKey   string
	addModel    string
	addModels   []string
	addPriority int
	addDisabled bool
	addActivate bool
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage configured providers",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers",
	RunE:  runProvidersList,
}

var providersAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add a provider",
	Example: `  cbr providers add vendor --base-url https://chat.example.com --activate
  cbr providers add backup --type openai --api-key sk-... --model gpt-4o-mini`,
	Args: cobra.ExactArgs(1),
	RunE: runProvidersAdd,
}

var providersRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a provider",
	Args:    cobra.ExactArgs(1),
	RunE:    runProvidersRemove,
}

var providersActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Route chat requests to a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersActivate,
}

func init() {
	f := providersAddCmd.Flags()
	f.StringVar(&addType, "type", config.ProviderTypeWebChat, "provider type ("+strings.Join(config.ProviderTypes, ", ")+")")
	f.StringVar(&addBaseURL, "base-url", "", "upstream base URL")
	f.StringVar(&addAPIKey, "api-key", "", "upstream API key (openai providers)")
	f.StringVar(&addModel, "model", "", "model used when a request names none")
	f.StringSliceVar(&addModels, "models", nil, "models advertised for this provider")
	f.IntVar(&addPriority, "priority", 0, "fallback order when no provider is active, highest first")
	f.BoolVar(&addDisabled, "disabled", false, "add without enabling")
	f.BoolVar(&addActivate, "activate", false, "make this the active provider")

	providersCmd.AddCommand(providersListCmd)
	providersCmd.AddCommand(providersAddCmd)
	providersCmd.AddCommand(providersRemoveCmd)
	providersCmd.AddCommand(providersActivateCmd)
}

func runProvidersList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(cfg.Providers) == 0 {
		color.Yellow("No providers configured. Add one with 'cbr providers add'.")
		return nil
	}

	list := slices.Clone(cfg.Providers)
	slices.SortStableFunc(list, func(a, b config.ProviderConfig) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	color.Blue("Providers:")
	for _, p := range list {
		marker := " "
		if p.ID == cfg.ActiveProvider {
			marker = "*"
		}
		state := "enabled"
		if !p.Enabled {
			state = "disabled"
		}

		fmt.Printf("%s %-15s: %s, %s, priority %d\n", marker, p.ID, p.Type, state, p.Priority)
		if u := p.BaseURL(); u != "" {
			fmt.Printf("    %-13s: %s\n", "Base URL", u)
		}
		if m := p.Setting(config.SettingDefaultModel); m != "" {
			fmt.Printf("    %-13s: %s\n", "Default model", m)
		}
		if len(p.Models) > 0 {
			fmt.Printf("    %-13s: %s\n", "Models", strings.Join(p.Models, ", "))
		}
	}
	if cfg.ActiveProvider == "" {
		color.Yellow("\nNo active provider set; the highest-priority enabled provider serves requests.")
	}
	return nil
}

func runProvidersAdd(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	settings := lo.OmitByValues(map[string]string{
		config.SettingBaseURL:      addBaseURL,
		config.SettingAPIKey:       addAPIKey,
		config.SettingDefaultModel: addModel,
	}, []string{""})

	p := config.ProviderConfig{
		ID:       args[0],
		Type:     addType,
		Enabled:  !addDisabled,
		Priority: addPriority,
		Settings: settings,
		Models:   addModels,
	}.Normalized()

	_, err := cfgMgr.Update(func(cfg *config.Config) error {
		if _, exists := cfg.Provider(p.ID); exists {
			return fmt.Errorf("provider %s already exists", p.ID)
		}
		cfg.Providers = append(cfg.Providers, p)
		if addActivate {
			cfg.ActiveProvider = p.ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	color.Green("Provider %s added", p.ID)
	notifyRunning()
	return nil
}

func runProvidersRemove(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	id := args[0]
	_, err := cfgMgr.Update(func(cfg *config.Config) error {
		if _, exists := cfg.Provider(id); !exists {
			return fmt.Errorf("provider %s not found", id)
		}
		cfg.Providers = lo.Reject(cfg.Providers, func(p config.ProviderConfig, _ int) bool {
			return p.ID == id
		})
		if cfg.ActiveProvider == id {
			cfg.ActiveProvider = ""
		}
		return nil
	})
	if err != nil {
		return err
	}

	color.Green("Provider %s removed", id)
	notifyRunning()
	return nil
}

func runProvidersActivate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	id := args[0]
	_, err := cfgMgr.Update(func(cfg *config.Config) error {
		p, exists := cfg.Provider(id)
		if !exists {
			return fmt.Errorf("provider %s not found", id)
		}
		if !p.Enabled {
			return fmt.Errorf("provider %s is disabled", id)
		}
		cfg.ActiveProvider = id
		return nil
	})
	if err != nil {
		return err
	}

	color.Green("Provider %s is now active", id)
	notifyRunning()
	return nil
}
