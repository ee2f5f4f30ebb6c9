package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusUser string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the proxy pool, the last batch run and the system health",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "", "also show the proxy status of one user")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	report := app.Monitor().CheckHealth(ctx)
	fmt.Printf("System: %s (checked %s)\n\n", report.SystemStatus, report.CheckedAt.Format(time.RFC3339))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COMPONENT\tSTATUS\tLATENCY\tERROR")
	for name, c := range report.Components {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, c.Status, c.Latency.Round(time.Millisecond), c.Error)
	}
	_ = w.Flush()

	proxies, err := app.Engine().ListProxies(ctx)
	if err != nil {
		slog.Error("Failed to list proxies", "error", err)
		os.Exit(1)
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PROXY\tTIER\tENDPOINT\tSTATUS\tSUCCESS\tFAILURE")
	for _, p := range proxies {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			p.ID, p.Tier, p.Endpoint, p.Status, p.GlobalSuccessCount, p.GlobalFailureCount)
	}
	_ = w.Flush()

	last, err := app.LastRun(ctx)
	if err != nil {
		slog.Warn("Failed to read last batch run", "error", err)
	}
	fmt.Println()
	if last == nil {
		fmt.Println("Last batch run: none recorded")
	} else {
		fmt.Printf("Last batch run: %s at %s, processed %d (ok %d, failed %d, timed out %d) in %s\n",
			last.RunID, last.StartedAt.Format(time.RFC3339),
			last.Processed, last.Successful, last.Failed, last.TimedOut,
			last.Duration.Round(time.Millisecond))
	}

	if statusUser == "" {
		return
	}
	st, err := app.Engine().Status(ctx, statusUser)
	if err != nil {
		slog.Error("Failed to load user proxy status", "user_id", statusUser, "error", err)
		os.Exit(1)
	}
	fmt.Println()
	printJSON(st)
}
