package commands

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpipe/template"
)

// TemplateCmd groups the template management commands
var TemplateCmd = &cobra.Command{
	Use:     "template",
	Aliases: []string{"tpl"},
	Short:   "Manage prompt templates",
	Long: `Manage prompt templates.

Template files are Markdown with YAML frontmatter. The body is the user
prompt; frontmatter carries name, processing_type, system_prompt, schema,
post-processing rules and provider defaults.

Examples:
  docpipe template import ./templates           # Import every *.md file
  docpipe template create --file tender.md
  docpipe template update <id> --file tender.md --bump minor --note "tighter schema"
  docpipe template list --type extraction`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var templateCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a template from a file",
	RunE:  runTemplateCreate,
}

var templateGetCmd = &cobra.Command{
	Use:   "get <template-id>",
	Short: "Show a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateGet,
}

var templateListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List templates",
	RunE:    runTemplateList,
}

var templateUpdateCmd = &cobra.Command{
	Use:   "update <template-id>",
	Short: "Store a new version of a template from a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateUpdate,
}

var templateDeactivateCmd = &cobra.Command{
	Use:   "deactivate <template-id>",
	Short: "Deactivate a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDeactivate,
}

var templateImportCmd = &cobra.Command{
	Use:   "import <file-or-dir>",
	Short: "Import template files, creating or versioning by source file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateImport,
}

func init() {
	templateCreateCmd.Flags().String("file", "", "Template file")
	templateCreateCmd.Flags().String("org", "", "Owning organization (empty for global)")
	templateCreateCmd.Flags().String("by", "cli", "Author")
	_ = templateCreateCmd.MarkFlagRequired("file")

	templateListCmd.Flags().String("type", "", "Processing type")
	templateListCmd.Flags().String("org", "", "Include this organization's templates")
	templateListCmd.Flags().Bool("all", false, "Include inactive templates")
	templateListCmd.Flags().Int("limit", 50, "Maximum number of templates")

	templateUpdateCmd.Flags().String("file", "", "Template file with the new content")
	templateUpdateCmd.Flags().String("bump", "patch", "Version bump: major, minor or patch")
	templateUpdateCmd.Flags().String("version", "", "Explicit next version")
	templateUpdateCmd.Flags().String("note", "", "Changelog note")
	_ = templateUpdateCmd.MarkFlagRequired("file")

	templateImportCmd.Flags().String("by", "cli", "Actor recorded in the changelog")

	TemplateCmd.AddCommand(templateCreateCmd, templateGetCmd, templateListCmd,
		templateUpdateCmd, templateDeactivateCmd, templateImportCmd)
}

func runTemplateCreate(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	path, _ := cmd.Flags().GetString("file")
	t, err := template.LoadFile(path)
	if err != nil {
		return err
	}
	t.OrganizationID, _ = cmd.Flags().GetString("org")
	t.CreatedBy, _ = cmd.Flags().GetString("by")

	created, err := svc.Templates.Create(cmd.Context(), t)
	if err != nil {
		return err
	}
	return render(cmd, created, func() error {
		pterm.Success.Printf("Created template %s (%s v%s)\n", created.ID, created.Name, created.Version)
		return nil
	})
}

func runTemplateGet(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	t, err := svc.Templates.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd, t, func() error {
		pterm.DefaultSection.Printf("%s v%s", t.Name, t.Version)
		pterm.Printf("  ID:         %s\n", t.ID)
		pterm.Printf("  Type:       %s\n", t.ProcessingType)
		pterm.Printf("  Format:     %s\n", t.OutputFormat)
		pterm.Printf("  Knowledge:  %s\n", joinOrDash(t.RequiredKnowledgeTypes))
		pterm.Printf("  Default:    %t\n", t.IsDefault)
		pterm.Printf("  Usage:      %d runs, %.0f%% success, avg $%.4f\n", t.UsageCount, t.SuccessRate*100, t.AverageCost)
		if t.SourceFile != "" {
			pterm.Printf("  Source:     %s\n", t.SourceFile)
		}
		if t.SystemPrompt != "" {
			pterm.Println()
			pterm.Println(pterm.FgGray.Sprint(t.SystemPrompt))
		}
		pterm.Println()
		pterm.Println(t.UserPrompt)
		return nil
	})
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	var f template.Filter
	f.OrganizationID, _ = cmd.Flags().GetString("org")
	f.IncludeInactive, _ = cmd.Flags().GetBool("all")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	if raw, _ := cmd.Flags().GetString("type"); raw != "" {
		if f.ProcessingType, err = template.ParseProcessingType(raw); err != nil {
			return err
		}
	}

	templates, err := svc.Templates.List(cmd.Context(), f)
	if err != nil {
		return err
	}
	return render(cmd, templates, func() error {
		if len(templates) == 0 {
			pterm.Info.Println("No templates found")
			return nil
		}
		rows := make([][]string, 0, len(templates))
		for _, t := range templates {
			active := "yes"
			if !t.IsActive {
				active = "no"
			}
			rows = append(rows, []string{t.ID, truncate(t.Name, 30), string(t.ProcessingType), t.Version, active, fmt.Sprint(t.UsageCount)})
		}
		return printTable([]string{"ID", "NAME", "TYPE", "VERSION", "ACTIVE", "USES"}, rows)
	})
}

func runTemplateUpdate(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	path, _ := cmd.Flags().GetString("file")
	t, err := template.LoadFile(path)
	if err != nil {
		return err
	}
	t.ID = args[0]
	var opts template.UpdateOptions
	opts.Bump, _ = cmd.Flags().GetString("bump")
	opts.Version, _ = cmd.Flags().GetString("version")
	opts.Note, _ = cmd.Flags().GetString("note")
	opts.Actor = "cli"

	updated, err := svc.Templates.Update(cmd.Context(), t, opts)
	if err != nil {
		return err
	}
	return render(cmd, updated, func() error {
		pterm.Success.Printf("Template %s is now v%s\n", updated.ID, updated.Version)
		return nil
	})
}

func runTemplateDeactivate(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Templates.Deactivate(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Template %s deactivated\n", args[0])
	return nil
}

func runTemplateImport(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	actor, _ := cmd.Flags().GetString("by")
	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}
	if info.IsDir() {
		n, err := svc.Templates.ImportDir(cmd.Context(), args[0], actor)
		if err != nil {
			return err
		}
		return render(cmd, map[string]int{"imported": n}, func() error {
			pterm.Success.Printf("Imported %d template(s) from %s\n", n, args[0])
			return nil
		})
	}

	t, changed, err := svc.Templates.Import(cmd.Context(), args[0], actor)
	if err != nil {
		return err
	}
	return render(cmd, t, func() error {
		if !changed {
			pterm.Info.Printf("Template %s (%s) is unchanged\n", t.ID, t.Name)
			return nil
		}
		pterm.Success.Printf("Imported template %s (%s v%s)\n", t.ID, t.Name, t.Version)
		return nil
	})
}
