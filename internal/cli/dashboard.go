package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var dashboardJSON bool

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the retry failure dashboard",
	Run:   runDashboard,
}

func init() {
	dashboardCmd.Flags().BoolVar(&dashboardJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	d, err := app.Scheduler().Dashboard(ctx)
	if err != nil {
		slog.Error("Failed to compute dashboard", "error", err)
		os.Exit(1)
	}
	if dashboardJSON {
		printJSON(d)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	rows := []struct {
		label string
		value any
	}{
		{"System health", d.SystemHealthStatus},
		{"Failures (1h)", d.FailuresLastHour},
		{"Failures (24h)", d.FailuresLast24h},
		{"Failures (7d)", d.FailuresLastWeek},
		{"Currently failed", d.CurrentlyFailed},
		{"Pending retry", d.PendingRetry},
		{"Permanently failed", d.PermanentlyFailed},
		{"Retry success rate", fmt.Sprintf("%.1f%%", d.RetrySuccessRatePercent)},
		{"Avg attempts to success", fmt.Sprintf("%.2f", d.AvgAttemptsToSuccess)},
		{"Avg attempts to permanent", fmt.Sprintf("%.2f", d.AvgAttemptsToPermanent)},
		{"Avg retry delay (min)", fmt.Sprintf("%.1f", d.AvgRetryDelayMinutes)},
		{"Most common failure", d.MostCommonFailureReason},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%v\n", r.label, r.value)
	}
	_ = w.Flush()
}
