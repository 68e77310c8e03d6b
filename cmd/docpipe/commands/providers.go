package commands

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpipe/ai/provider"
)

// ProvidersCmd inspects the configured model provider adapters
var ProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect model provider adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var providersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List adapters, their models and capabilities",
	RunE:    runProvidersList,
}

var providersRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Pick an adapter for a task",
	Long: `Recommend an adapter for a task.

Large contexts favour the adapter with the widest window, citations and
real-time needs favour search-capable adapters, small budgets favour the
cheapest. Without a matching rule the system default is returned.`,
	RunE: runProvidersRecommend,
}

func init() {
	f := providersRecommendCmd.Flags()
	f.String("task", "", "Task type, e.g. extraction or summary")
	f.Int("context-length", 0, "Expected prompt tokens")
	f.Float64("budget", 0, "USD per job, 0 = unconstrained")
	f.Bool("citations", false, "Needs citations")
	f.Bool("real-time", false, "Needs real-time information")
	f.Bool("vision", false, "Needs image input")
	f.Bool("embeddings", false, "Needs embeddings")

	ProvidersCmd.AddCommand(providersListCmd, providersRecommendCmd)
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistryFromConfig(cfg, nil)
	if err != nil {
		return err
	}

	adapters := registry.Adapters()
	if wantJSON(cmd) {
		type entry struct {
			Type         provider.Type         `json:"type"`
			Name         string                `json:"name"`
			Available    bool                  `json:"available"`
			Default      bool                  `json:"default"`
			Capabilities provider.Capabilities `json:"capabilities"`
			Models       []provider.ModelInfo  `json:"models"`
		}
		out := make([]entry, 0, len(adapters))
		for _, a := range adapters {
			out = append(out, entry{a.Type(), a.Name(), a.Available(), a.Type() == registry.DefaultType(), a.Capabilities(), a.Models()})
		}
		return printJSON(out)
	}

	rows := make([][]string, 0, len(adapters))
	for _, a := range adapters {
		name := string(a.Type())
		if a.Type() == registry.DefaultType() {
			name += " *"
		}
		available := pterm.FgRed.Sprint("no")
		if a.Available() {
			available = pterm.FgGreen.Sprint("yes")
		}
		models := make([]string, 0, len(a.Models()))
		for _, m := range a.Models() {
			models = append(models, m.ID)
		}
		rows = append(rows, []string{name, available, capabilityList(a.Capabilities()), truncate(strings.Join(models, ", "), 60)})
	}
	if err := printTable([]string{"PROVIDER", "AVAILABLE", "CAPABILITIES", "MODELS"}, rows); err != nil {
		return err
	}
	pterm.Println("\n* system default")
	return nil
}

func runProvidersRecommend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistryFromConfig(cfg, nil)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	task, _ := flags.GetString("task")
	var req provider.Requirements
	req.ContextLength, _ = flags.GetInt("context-length")
	req.Budget, _ = flags.GetFloat64("budget")
	req.NeedsCitations, _ = flags.GetBool("citations")
	req.NeedsRealTime, _ = flags.GetBool("real-time")
	req.NeedsVision, _ = flags.GetBool("vision")
	req.NeedsEmbeddings, _ = flags.GetBool("embeddings")

	pick := registry.RecommendForTask(task, req)
	return render(cmd, map[string]any{"task": task, "requirements": req, "provider": pick}, func() error {
		pterm.Success.Printf("Recommended provider: %s\n", pick)
		return nil
	})
}

func capabilityList(c provider.Capabilities) string {
	var out []string
	for _, capability := range []struct {
		name string
		ok   bool
	}{
		{"streaming", c.Streaming},
		{"vision", c.Vision},
		{"functions", c.FunctionCalling},
		{"embeddings", c.Embeddings},
		{"search", c.Search},
		{"json", c.JSONMode},
	} {
		if capability.ok {
			out = append(out, capability.name)
		}
	}
	return joinOrDash(out)
}
