package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpipe/knowledge"
)

// KnowledgeCmd groups the knowledge base commands
var KnowledgeCmd = &cobra.Command{
	Use:     "knowledge",
	Aliases: []string{"kb"},
	Short:   "Manage the knowledge base",
	Long: `Manage the domain knowledge injected into prompts.

Examples:
  docpipe knowledge import seed.toml
  docpipe knowledge create --title "Bid validity" --type rules --content "Bids stay valid for 90 days."
  docpipe knowledge search deadline --type rules,compliance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var knowledgeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a knowledge entry",
	RunE:  runKnowledgeCreate,
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search entries by title, content and keywords",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKnowledgeSearch,
}

var knowledgeImportCmd = &cobra.Command{
	Use:   "import <file.toml>",
	Short: "Create every entry of a TOML seed file",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeImport,
}

func init() {
	f := knowledgeCreateCmd.Flags()
	f.String("title", "", "Entry title")
	f.String("type", string(knowledge.TypeRules), "Entry type")
	f.String("content", "", "Entry content")
	f.String("content-file", "", "Read the content from a file")
	f.StringSlice("keyword", nil, "Keywords")
	f.StringSlice("category", nil, "Categories")
	f.String("org", "", "Owning organization")
	f.Bool("public", false, "Visible to every organization")
	f.Int("priority", 0, "Higher priority entries are included first")
	f.Float64("confidence", 1, "Confidence score between 0 and 1")
	_ = knowledgeCreateCmd.MarkFlagRequired("title")

	knowledgeSearchCmd.Flags().String("type", "", "Comma separated entry types")
	knowledgeSearchCmd.Flags().String("org", "", "Organization")
	knowledgeSearchCmd.Flags().Int("limit", 20, "Maximum number of entries")
	knowledgeSearchCmd.Flags().Bool("semantic", false, "Re-rank by embedding similarity")

	knowledgeImportCmd.Flags().String("by", "cli", "Author recorded on the entries")

	KnowledgeCmd.AddCommand(knowledgeCreateCmd, knowledgeSearchCmd, knowledgeImportCmd)
}

func runKnowledgeCreate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	e := &knowledge.Entry{Source: knowledge.SourceManual, CreatedBy: "cli"}
	e.Title, _ = flags.GetString("title")
	e.Content, _ = flags.GetString("content")
	e.Keywords, _ = flags.GetStringSlice("keyword")
	e.Categories, _ = flags.GetStringSlice("category")
	e.OrganizationID, _ = flags.GetString("org")
	e.IsPublic, _ = flags.GetBool("public")
	e.Priority, _ = flags.GetInt("priority")
	e.ConfidenceScore, _ = flags.GetFloat64("confidence")

	raw, _ := flags.GetString("type")
	typ, err := knowledge.ParseType(raw)
	if err != nil {
		return err
	}
	e.Type = typ
	if path, _ := flags.GetString("content-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		e.Content = string(data)
	}

	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	created, err := svc.Knowledge.Create(cmd.Context(), e)
	if err != nil {
		return err
	}
	return render(cmd, created, func() error {
		pterm.Success.Printf("Created knowledge entry %s (%s)\n", created.ID, created.Type)
		return nil
	})
}

func runKnowledgeSearch(cmd *cobra.Command, args []string) error {
	var f knowledge.Filter
	f.OrganizationID, _ = cmd.Flags().GetString("org")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Semantic, _ = cmd.Flags().GetBool("semantic")
	if raw, _ := cmd.Flags().GetString("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			typ, err := knowledge.ParseType(part)
			if err != nil {
				return err
			}
			f.Types = append(f.Types, typ)
		}
	}
	query := ""
	if len(args) == 1 {
		query = args[0]
	}

	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	entries, err := svc.Knowledge.Search(cmd.Context(), query, f)
	if err != nil {
		return err
	}
	return render(cmd, entries, func() error { return printEntries(entries) })
}

func runKnowledgeImport(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	actor, _ := cmd.Flags().GetString("by")
	created, err := svc.Knowledge.ImportFile(cmd.Context(), args[0], actor)
	if err != nil {
		return err
	}
	return render(cmd, created, func() error {
		pterm.Success.Printf("Imported %d knowledge entr(ies) from %s\n", len(created), args[0])
		return printEntries(created)
	})
}

func printEntries(entries []*knowledge.Entry) error {
	if len(entries) == 0 {
		pterm.Info.Println("No entries found")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID,
			truncate(e.Title, 40),
			string(e.Type),
			fmt.Sprint(e.Priority),
			fmt.Sprintf("%.2f", e.ConfidenceScore),
			fmt.Sprint(e.Version),
			joinOrDash(e.Keywords),
		})
	}
	return printTable([]string{"ID", "TITLE", "TYPE", "PRIO", "CONF", "VERSION", "KEYWORDS"}, rows)
}
