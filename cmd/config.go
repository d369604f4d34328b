package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mihaisavezi/chat-bridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the gateway configuration file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Create a configuration by prompting for the listener and the vendor web chat provider.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration with secrets masked.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Report every problem in the current configuration.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

type initAnswers struct {
	Host         string
	Port         string
	APIKey       string
	ProviderID   string
	BaseURL      string
	DefaultModel string
	Store        string
	Format       string
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("Chat Bridge Configuration Setup")
	color.Yellow("Follow the prompts to configure the gateway.")

	if cfgMgr.Exists() {
		overwrite := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("A configuration already exists at %s. Overwrite it?", cfgMgr.GetPath()),
		}
		if err := survey.AskOne(prompt, &overwrite); err != nil {
			return fmt.Errorf("input failed: %w", err)
		}
		if !overwrite {
			color.Yellow("Configuration left unchanged.")
			return nil
		}
	}

	questions := []*survey.Question{
		{
			Name:     "Host",
			Prompt:   &survey.Input{Message: "Listen host:", Default: config.DefaultHost},
			Validate: survey.Required,
		},
		{
			Name:     "Port",
			Prompt:   &survey.Input{Message: "Listen port:", Default: strconv.Itoa(config.DefaultPort)},
			Validate: validatePort,
		},
		{
			Name:   "APIKey",
			Prompt: &survey.Password{Message: "Gateway API key (optional, required from clients when set):"},
		},
		{
			Name:     "ProviderID",
			Prompt:   &survey.Input{Message: "Provider id:", Default: "webchat"},
			Validate: survey.Required,
		},
		{
			Name:     "BaseURL",
			Prompt:   &survey.Input{Message: "Vendor web chat base URL:"},
			Validate: validateURL,
		},
		{
			Name:   "DefaultModel",
			Prompt: &survey.Input{Message: "Default model (optional):"},
		},
		{
			Name: "Store",
			Prompt: &survey.Select{
				Message: "Conversation store:",
				Options: []string{config.StoreMemory, config.StoreBolt},
				Default: config.StoreMemory,
			},
		},
		{
			Name: "Format",
			Prompt: &survey.Select{
				Message: "Configuration file format:",
				Options: []string{"yaml", "json"},
				Default: "yaml",
			},
		},
	}

	var answers initAnswers
	if err := survey.Ask(questions, &answers); err != nil {
		return fmt.Errorf("input failed: %w", err)
	}

	cfg, err := buildInitialConfig(answers)
	if err != nil {
		return err
	}

	if answers.Format == "yaml" {
		err = cfgMgr.SaveAsYAML(cfg)
	} else {
		err = cfgMgr.Save(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("Next, store the vendor session with: cbr credentials set")
	color.Cyan("Then start the gateway with: cbr start")
	return nil
}

func buildInitialConfig(a initAnswers) (*config.Config, error) {
	port, err := strconv.Atoi(a.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", a.Port)
	}

	settings := map[string]string{config.SettingBaseURL: a.BaseURL}
	if a.DefaultModel != "" {
		settings[config.SettingDefaultModel] = a.DefaultModel
	}

	cfg := config.Default()
	cfg.Host = a.Host
	cfg.Port = port
	cfg.APIKey = a.APIKey
	cfg.ActiveProvider = a.ProviderID
	cfg.Conversation.Store = a.Store
	cfg.Providers = []config.ProviderConfig{{
		ID:       a.ProviderID,
		Type:     config.ProviderTypeWebChat,
		Enabled:  true,
		Settings: settings,
	}}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validatePort(ans any) error {
	s, _ := ans.(string)
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return errors.New("port must be a number between 1 and 65535")
	}
	return nil
}

func validateURL(ans any) error {
	s, _ := ans.(string)
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("enter an absolute URL such as https://chat.example.com")
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	color.Blue("Current Configuration (%s):", cfgMgr.GetPath())

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg.Masked())
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		color.Red("Configuration validation failed:")
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				fmt.Printf("  - %s\n", e)
			}
		} else {
			fmt.Printf("  - %s\n", err)
		}
		return errors.New("configuration validation failed")
	}

	if len(cfg.Providers) == 0 {
		color.Yellow("Configuration is valid, but no providers are configured.")
		return nil
	}

	color.Green("Configuration is valid!")
	return nil
}
