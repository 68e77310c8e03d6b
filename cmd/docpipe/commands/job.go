package commands

import (
	"context"
	"fmt"
	"os/user"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpipe/pipeline"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/template"
)

// JobCmd groups the job management commands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit, inspect and cancel processing jobs",
	Long: `Manage document processing jobs.

Jobs submitted here are queued in the shared database and picked up by the
workers of a running 'docpipe serve'.

Examples:
  docpipe job submit --type extraction --url https://example.com/t.pdf
  docpipe job list --status queued,processing
  docpipe job status <job-id>
  docpipe job cancel <job-id> --reason "duplicate"
  docpipe job stuck --threshold 15m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a document for processing",
	RunE:  runJobSubmit,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show progress and the step log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobResultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Show the result of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobResult,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not started",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List jobs, newest first",
	RunE:    runJobList,
}

var jobStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List processing jobs whose progress stopped moving",
	RunE:  runJobStuck,
}

var submitReq pipeline.SubmitRequest

func init() {
	f := jobSubmitCmd.Flags()
	f.StringVar(&submitReq.ProcessingType, "type", "", "Processing type: tender_extraction (extraction) or document_summary (summary)")
	f.StringVar(&submitReq.Document.URL, "url", "", "Document URL (http, https, or file when pipeline.allow_file_fetch is set)")
	f.StringVar(&submitReq.Document.Type, "doc-type", "", "Document MIME type")
	f.StringVar(&submitReq.TemplateID, "template", "", "Template ID")
	f.StringVar(&submitReq.CustomInstructions, "instructions", "", "Instructions used when no template applies")
	f.StringSliceVar(&submitReq.KnowledgeEntryIDs, "knowledge-id", nil, "Knowledge entry IDs to include")
	f.StringSliceVar(&submitReq.KnowledgeTypes, "knowledge-type", nil, "Knowledge types to include")
	f.StringVar(&submitReq.OutputFormat, "format", "", "Output format: text or json")
	f.StringVar(&submitReq.Provider, "provider", "", "Provider adapter (default from template or system)")
	f.StringVar(&submitReq.Model, "model", "", "Model (default from template or adapter)")
	f.IntVar(&submitReq.Priority, "priority", 0, "Priority 1 to 5, higher runs first (default 3)")
	f.IntVar(&submitReq.MaxRetries, "max-retries", 0, "Attempts before the job fails (default pulse.default_max_retries)")
	f.StringVar(&submitReq.WebhookURL, "webhook", "", "URL notified when the job completes or fails")
	f.StringVar(&submitReq.UserID, "user", "", "Submitting user (default: OS user)")
	f.StringVar(&submitReq.OrganizationID, "org", "", "Organization")
	f.StringSliceVar(&submitReq.Tags, "tag", nil, "Tags")
	_ = jobSubmitCmd.MarkFlagRequired("type")
	_ = jobSubmitCmd.MarkFlagRequired("url")

	jobCancelCmd.Flags().String("reason", "cancelled from CLI", "Cancellation reason")

	jobListCmd.Flags().String("status", "", "Comma separated statuses")
	jobListCmd.Flags().String("type", "", "Processing type")
	jobListCmd.Flags().String("org", "", "Organization")
	jobListCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	jobStuckCmd.Flags().Duration("threshold", 0, "Progress age that counts as stuck (default pulse.stuck_threshold_minutes)")

	JobCmd.AddCommand(jobSubmitCmd, jobStatusCmd, jobResultCmd, jobCancelCmd, jobListCmd, jobStuckCmd)
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	req := submitReq
	if req.UserID == "" {
		if u, err := user.Current(); err == nil {
			req.UserID = u.Username
		} else {
			req.UserID = "cli"
		}
	}
	job, err := svc.Orchestrator.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	return render(cmd, pipeline.StatusOf(job), func() error {
		pterm.Success.Printf("Queued job %s (%s, priority %d)\n", job.ID, job.ProcessingType, job.Priority)
		pterm.Info.Printf("Follow it with: docpipe job status %s\n", job.ID)
		return nil
	})
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	job, err := svc.Queue.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd, job, func() error {
		pterm.DefaultSection.Printf("Job %s", job.ID)
		pterm.Printf("  Status:    %s\n", statusStyle(job.Status))
		pterm.Printf("  Type:      %s\n", job.ProcessingType)
		pterm.Printf("  Document:  %s\n", job.Document.URL)
		pterm.Printf("  Progress:  %d%% %s\n", job.Progress, job.CurrentStep)
		pterm.Printf("  Attempts:  %d of %d\n", job.RetryCount, job.MaxRetries)
		if job.Provider != "" {
			pterm.Printf("  Provider:  %s / %s\n", job.Provider, job.Model)
			pterm.Printf("  Tokens:    %d (cost $%.4f)\n", job.Usage.TotalTokens, job.ActualCost)
		}
		if job.ErrorMessage != "" {
			pterm.Printf("  Error:     %s\n", pterm.FgRed.Sprint(job.ErrorMessage))
		}
		if job.ResultID != "" {
			pterm.Printf("  Result:    %s\n", job.ResultID)
		}
		pterm.Printf("  Created:   %s\n", formatTime(&job.CreatedAt))
		pterm.Printf("  Completed: %s\n", formatTime(job.CompletedAt))

		if len(job.Steps) == 0 {
			return nil
		}
		pterm.Println()
		rows := make([][]string, 0, len(job.Steps))
		for _, st := range job.Steps {
			detail := st.Output
			if st.Error != "" {
				detail = st.Error
			}
			rows = append(rows, []string{st.Name, st.Status, fmt.Sprint(st.Attempt), formatTime(&st.StartedAt), truncate(detail, 60)})
		}
		return printTable([]string{"STEP", "STATUS", "ATTEMPT", "STARTED", "DETAIL"}, rows)
	})
}

func runJobResult(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Results.GetByJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd, res, func() error {
		pterm.DefaultSection.Printf("Result %s", res.ID)
		pterm.Printf("  Confidence: %.2f\n", res.Confidence)
		pterm.Printf("  Validation: %s\n", res.ValidationStatus)
		pterm.Printf("  Review:     %t\n", res.RequiresHumanReview)
		if res.Summary != "" {
			pterm.Printf("  Summary:    %s\n", truncate(res.Summary, 200))
		}
		pterm.Println()
		if len(res.ExtractedData) > 0 {
			return printJSON(res.ExtractedData)
		}
		pterm.Println(res.RawContent)
		return nil
	})
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	reason, _ := cmd.Flags().GetString("reason")
	job, err := svc.Orchestrator.Cancel(cmd.Context(), args[0], reason)
	if err != nil {
		return err
	}
	return render(cmd, pipeline.StatusOf(job), func() error {
		pterm.Success.Printf("Job %s cancelled\n", job.ID)
		return nil
	})
}

func runJobList(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	f := async.Filter{}
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.OrganizationID, _ = cmd.Flags().GetString("org")
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		if f.Statuses, err = async.ParseStatuses(raw); err != nil {
			return err
		}
	}
	if raw, _ := cmd.Flags().GetString("type"); raw != "" {
		if f.ProcessingType, err = template.ParseProcessingType(raw); err != nil {
			return err
		}
	}

	jobs, err := svc.Queue.ListJobs(cmd.Context(), f)
	if err != nil {
		return err
	}
	return render(cmd, jobs, func() error { return printJobs(jobs) })
}

func runJobStuck(cmd *cobra.Command, args []string) error {
	svc, err := commandServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	threshold, _ := cmd.Flags().GetDuration("threshold")
	if threshold <= 0 {
		threshold = time.Duration(svc.cfg.Pulse.StuckThresholdMinutes) * time.Minute
	}
	jobs, err := svc.Queue.StuckJobs(cmd.Context(), threshold)
	if err != nil {
		return err
	}
	return render(cmd, jobs, func() error {
		pterm.Info.Printf("Processing jobs without progress for %s\n", threshold)
		return printJobs(jobs)
	})
}

func printJobs(jobs []*async.Job) error {
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			statusStyle(j.Status),
			string(j.ProcessingType),
			fmt.Sprintf("%d%%", j.Progress),
			fmt.Sprint(j.Priority),
			fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
			truncate(j.Document.URL, 40),
			formatTime(&j.CreatedAt),
		})
	}
	if err := printTable([]string{"JOB ID", "STATUS", "TYPE", "PROGRESS", "PRIO", "ATTEMPTS", "DOCUMENT", "CREATED"}, rows); err != nil {
		return err
	}
	pterm.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func commandServices(cmd *cobra.Command) (*services, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cmd.Context() == nil {
		cmd.SetContext(context.Background())
	}
	return openServices(cfg)
}
