package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/docpipe/cmd/docpipe/commands"
	"github.com/teranos/docpipe/logger"
)

var rootCmd = &cobra.Command{
	Use:   "docpipe",
	Short: "docpipe - AI document processing pipeline",
	Long: `docpipe - AI document processing pipeline for tender documents.

Jobs fetch a document, resolve domain knowledge, assemble a prompt from a
template, call a model provider and store a structured result for review.

Available commands:
  serve      - Run the HTTP API and the job workers
  job        - Submit, inspect and cancel processing jobs
  template   - Manage prompt templates
  knowledge  - Manage the knowledge base
  providers  - Inspect model provider adapters
  config     - Create and show configuration
  version    - Show build information

Examples:
  docpipe serve                                   # API on :8740 with workers
  docpipe job submit --type extraction --url https://example.com/t.pdf
  docpipe job status <job-id>                     # Progress and step log
  docpipe template import ./templates             # Load *.md templates
  docpipe config show --format json               # Effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logJSON, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(logJSON, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: system, user and project docpipe.toml)")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Print command output as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.TemplateCmd)
	rootCmd.AddCommand(commands.KnowledgeCmd)
	rootCmd.AddCommand(commands.ProvidersCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
