package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/internal/config"
	"github.com/MirSameerIrfan/kodus-ai-sub005/internal/log"
	"github.com/MirSameerIrfan/kodus-ai-sub005/internal/queue"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// SetupCLI adds the stageflow commands to rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides config and DB_* env vars)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with workers and background loops",
		Run: func(cmd *cobra.Command, args []string) {
			inMemory, _ := cmd.Flags().GetBool("memory")
			runLoops(cmd, inMemory, true)
		},
	}
	serveCmd.Flags().Bool("memory", false, "Use an in-memory store instead of Postgres")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers and background loops without the HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			runLoops(cmd, false, false)
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a workflow job",
		Run: func(cmd *cobra.Command, args []string) {
			workflowType, _ := cmd.Flags().GetString("workflow")
			payload, _ := cmd.Flags().GetString("payload")
			priority, _ := cmd.Flags().GetInt("priority")
			correlationID, _ := cmd.Flags().GetString("correlation-id")
			req := service.SubmitRequest{
				WorkflowType:  models.WorkflowType(strings.ToUpper(workflowType)),
				Payload:       json.RawMessage(payload),
				Priority:      priority,
				CorrelationID: correlationID,
			}
			if cmd.Flags().Changed("max-retries") {
				n, _ := cmd.Flags().GetInt("max-retries")
				req.MaxRetries = &n
			}
			a := mustApp(cmd)
			defer a.Close()
			res, err := a.jobs.Submit(req)
			if err != nil {
				fail("failed to submit job", err)
			}
			fmt.Fprintf(os.Stdout, "Submitted job %s (correlation %s)\n", res.ID, res.CorrelationID)
		},
	}
	submitCmd.Flags().String("workflow", "", "Workflow type, e.g. CODE_REVIEW")
	submitCmd.Flags().String("payload", "{}", "JSON payload")
	submitCmd.Flags().Int("priority", 0, "Higher runs first")
	submitCmd.Flags().Int("max-retries", models.DefaultMaxRetries, "Attempts before failing")
	submitCmd.Flags().String("correlation-id", "", "Correlation id (generated when empty)")
	_ = submitCmd.MarkFlagRequired("workflow")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Run: func(cmd *cobra.Command, args []string) {
			statuses, _ := cmd.Flags().GetStringSlice("status")
			workflowType, _ := cmd.Flags().GetString("workflow")
			limit, _ := cmd.Flags().GetInt("limit")
			filter := storage.JobFilter{WorkflowType: models.WorkflowType(strings.ToUpper(workflowType)), Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, models.JobStatus(strings.ToUpper(s)))
			}
			a := mustApp(cmd)
			defer a.Close()
			jobs, err := a.jobs.List(filter)
			if err != nil {
				fail("failed to list jobs", err)
			}
			printJobs(jobs)
		},
	}
	listCmd.Flags().StringSlice("status", nil, "Only jobs in these statuses")
	listCmd.Flags().String("workflow", "", "Only jobs of this workflow type")
	listCmd.Flags().Int("limit", 50, "Maximum number of jobs (0 for all)")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp(cmd)
			defer a.Close()
			job, err := a.jobs.Get(args[0])
			if err != nil {
				fail("failed to get job", err)
			}
			printJSON(job)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp(cmd)
			defer a.Close()
			job, err := a.jobs.Cancel(args[0])
			if err != nil {
				fail("failed to cancel job", err)
			}
			fmt.Fprintf(os.Stdout, "Cancelled job %s\n", job.ID)
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show the execution history of a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp(cmd)
			defer a.Close()
			logs, err := a.jobs.History(args[0])
			if err != nil {
				fail("failed to get history", err)
			}
			for _, l := range logs {
				stage := l.Stage
				if stage == "" {
					stage = "-"
				}
				fmt.Fprintf(os.Stdout, "%s  %-22s %-18s %s\n", l.LoggedAt.Format(time.RFC3339), stage, l.Status, l.Message)
			}
		},
	}

	publishCmd := &cobra.Command{
		Use:   "publish-event",
		Short: "Deliver an external event to waiting jobs",
		Long: "Appends the event to the Redis event stream when redis is configured, " +
			"otherwise stores it directly in the inbox.",
		Run: func(cmd *cobra.Command, args []string) {
			ev := service.InboundEvent{}
			ev.EventType, _ = cmd.Flags().GetString("type")
			ev.EventKey, _ = cmd.Flags().GetString("key")
			ev.MessageID, _ = cmd.Flags().GetString("message-id")
			ev.JobID, _ = cmd.Flags().GetString("job-id")
			payload, _ := cmd.Flags().GetString("payload")
			ev.Payload = json.RawMessage(payload)
			if ev.MessageID == "" {
				ev.MessageID = uuid.NewString()
			}

			a := mustApp(cmd)
			defer a.Close()
			if a.redis != nil {
				id, err := queue.PublishEvent(cmd.Context(), a.redis, a.cfg.Redis.EventStream, ev)
				if err != nil {
					fail("failed to publish event", err)
				}
				fmt.Fprintf(os.Stdout, "Published event %s to %s as %s\n", ev.MessageID, a.cfg.Redis.EventStream, id)
				return
			}
			inbox := service.NewInbox(a.store, nil, service.InboxConfig{ConsumerID: a.cfg.Inbox.ConsumerID}, a.logger)
			inserted, err := inbox.Receive(ev)
			if err != nil {
				fail("failed to store event", err)
			}
			if !inserted {
				fmt.Fprintf(os.Stdout, "Event %s was already received\n", ev.MessageID)
				return
			}
			fmt.Fprintf(os.Stdout, "Stored event %s in the inbox\n", ev.MessageID)
		},
	}
	publishCmd.Flags().String("type", "", "Event type, e.g. review.approved")
	publishCmd.Flags().String("key", "", "Event key the job waits on")
	publishCmd.Flags().String("message-id", "", "Upstream message id (generated when empty)")
	publishCmd.Flags().String("job-id", "", "Resume only this job")
	publishCmd.Flags().String("payload", "{}", "JSON payload")
	_ = publishCmd.MarkFlagRequired("type")
	_ = publishCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(serveCmd, workerCmd, submitCmd, listCmd, getCmd, cancelCmd, historyCmd, publishCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fail("invalid configuration", err)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.URL = db
	}
	return cfg
}

func mustApp(cmd *cobra.Command) *app {
	a, err := newApp(cmd.Context(), loadConfig(cmd), false)
	if err != nil {
		fail("failed to initialize", err)
	}
	return a
}

func runLoops(cmd *cobra.Command, inMemory, withHTTP bool) {
	ctx := cmd.Context()
	a, err := newApp(ctx, loadConfig(cmd), inMemory)
	if err != nil {
		fail("failed to initialize", err)
	}
	defer a.Close()
	if err := a.run(ctx, withHTTP); err != nil {
		a.logger.Errorf("Stopped with error: %v", err)
		os.Exit(1)
	}
}

func printJobs(jobs []models.WorkflowJob) {
	if len(jobs) == 0 {
		fmt.Fprintf(os.Stdout, "No jobs found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Jobs:\n")
	for _, j := range jobs {
		fmt.Fprintf(os.Stdout, "- ID: %s, Type: %s, Status: %s, Retries: %d/%d, Created: %s\n",
			j.ID, j.WorkflowType, j.Status, j.RetryCount, j.MaxRetries, j.CreatedAt.Format(time.RFC3339))
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail("failed to print", err)
	}
}

func fail(msg string, err error) {
	log.GetLogger().Errorf("%s: %v", msg, err)
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}
