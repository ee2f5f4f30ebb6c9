package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/outreach/internal/core/domain"
)

var (
	retryReason      string
	retryResolveJob  string
	retryResolveType string
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Inspect and steer job retries",
}

var retryJobCmd = &cobra.Command{
	Use:   "job [job_id]",
	Short: "Queue a failed job for an immediate manual retry",
	Args:  cobra.ExactArgs(1),
	Run:   runRetryJob,
}

var retryCancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job so it is never attempted again",
	Args:  cobra.ExactArgs(1),
	Run:   runRetryCancel,
}

var retryHistoryCmd = &cobra.Command{
	Use:   "history [job_id]",
	Short: "Show every recorded attempt of a job",
	Args:  cobra.ExactArgs(1),
	Run:   runRetryHistory,
}

var retryPoliciesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List the active retry policies, highest priority first",
	Long: `Lists the active retry policies. With --job, prints instead the policy
that would decide the job's next failure, for its last error class or --class.`,
	Run: runRetryPolicies,
}

func init() {
	retryJobCmd.Flags().StringVar(&retryReason, "reason", "manual retry", "reason recorded in the retry history")
	retryPoliciesCmd.Flags().StringVar(&retryResolveJob, "job", "", "resolve the policy that applies to this job")
	retryPoliciesCmd.Flags().StringVar(&retryResolveType, "class", "", "error class to resolve for (defaults to the job's last one)")

	retryCmd.AddCommand(retryJobCmd, retryCancelCmd, retryHistoryCmd, retryPoliciesCmd)
	rootCmd.AddCommand(retryCmd)
}

func runRetryJob(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	job, err := app.Scheduler().ManualRetry(ctx, args[0], retryReason)
	if err != nil {
		slog.Error("Failed to queue manual retry", "job_id", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Job %s queued for retry (attempt %d, status %s)\n", job.ID, job.AttemptNumber+1, job.Status)
}

func runRetryCancel(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	if err := app.Scheduler().Cancel(ctx, args[0]); err != nil {
		slog.Error("Failed to cancel job", "job_id", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Job %s cancelled\n", args[0])
}

func runRetryHistory(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	entries, err := app.Scheduler().History(ctx, args[0])
	if err != nil {
		slog.Error("Failed to load retry history", "job_id", args[0], "error", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Printf("No attempts recorded for job %s\n", args[0])
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ATTEMPT\tTRIGGER\tCLASS\tBACKOFF\tSUCCESS\tAT\tREASON")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			e.AttemptNumber, e.Trigger, e.ErrorClass, e.BackoffDelay,
			e.Success, e.EndedAt.Format(time.RFC3339), e.FailureReason)
	}
	_ = w.Flush()
}

func runRetryPolicies(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	if retryResolveJob != "" {
		job, err := app.Store().Jobs.Get(ctx, retryResolveJob)
		if err != nil {
			slog.Error("Failed to load job", "job_id", retryResolveJob, "error", err)
			os.Exit(1)
		}
		class := domain.ErrorClass(retryResolveType)
		if class == "" {
			class = job.ErrorClass
		}
		printJSON(app.Scheduler().ResolvePolicy(ctx, job.JobType, class, job.UserTier))
		return
	}

	policies, err := app.Store().Policies.ListActive(ctx)
	if err != nil {
		slog.Error("Failed to list retry policies", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NAME\tPRIORITY\tJOB TYPES\tERRORS\tTIERS\tMAX\tSTRATEGY\tBASE\tCAP")
	for _, p := range policies {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			p.Name, p.Priority, scope(p.JobTypes), scope(p.ErrorTypes), scope(p.UserTiers),
			p.MaxAttempts, p.Strategy, p.BaseDelay, p.MaxDelay)
	}
	_ = w.Flush()
}

func scope(values []string) string {
	if len(values) == 0 {
		return "*"
	}
	return strings.Join(values, ",")
}
