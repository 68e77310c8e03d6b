package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/teranos/docpipe/am"
)

// ConfigCmd creates and shows docpipe configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and show configuration",
	Long: `Create and show docpipe configuration.

Configuration sources (in order of precedence):
1. Environment variables (DOCPIPE_* prefix, plus vendor API key variables)
2. Project config (docpipe.toml in the working directory or a parent)
3. User config (~/.docpipe/docpipe.toml)
4. System config (/etc/docpipe/docpipe.toml)
5. Default values

Examples:
  docpipe config init                 # Write ./docpipe.toml with defaults
  docpipe config show --format yaml   # Effective configuration, keys redacted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter config file with the defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().Bool("user", false, "Write the user config instead of ./docpipe.toml")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file (the old one is kept as .back1)")
	configShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configInitCmd, configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := am.ConfigFileName
	if user, _ := cmd.Flags().GetBool("user"); user {
		path = am.UserConfigPath()
	}
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("cannot determine config path, pass one explicitly")
	}
	if force, _ := cmd.Flags().GetBool("force"); !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	if err != nil {
		return err
	}
	if err := am.WriteDefault(path, cfg); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if wantJSON(cmd) {
		format = "json"
	}

	switch format {
	case "toml":
		data, err := am.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# docpipe configuration\n%s", data)
	case "json":
		data, err := json.MarshalIndent(redacted(cfg), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(redacted(cfg))
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# docpipe configuration\n%s", data)
	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

// redacted returns a copy of cfg with API keys masked.
func redacted(cfg *am.Config) am.Config {
	c := *cfg
	for _, p := range []*am.ProviderConfig{
		&c.Providers.OpenAI,
		&c.Providers.Anthropic,
		&c.Providers.Perplexity,
		&c.Providers.OpenRouter,
		&c.Providers.Ollama,
	} {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
	}
	return c
}
