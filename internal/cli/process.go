package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/outreach/internal/automation/batch"
	"github.com/vietddude/outreach/internal/core/errors"
)

var processJSON bool

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one retry batch now and print its summary",
	Run:   runProcess,
}

func init() {
	processCmd.Flags().BoolVar(&processJSON, "json", false, "print the summary as JSON")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	res, err := app.Processor().Execute(ctx)
	if errors.Is(err, batch.ErrAlreadyRunning) {
		fmt.Println("A batch run is already in progress on another instance")
		return
	}
	if res != nil {
		if processJSON {
			printJSON(res)
		} else {
			printRun(res)
		}
	}
	if err != nil {
		slog.Error("Batch run failed", "error", err)
		os.Exit(1)
	}
}

func printRun(res *batch.Result) {
	fmt.Printf("Run %s: %s\n", res.RunID, res.Message)
	fmt.Printf("Processed %d (ok %d, failed %d, timed out %d, skipped %d) in %s\n\n",
		res.Processed, res.Successful, res.Failed, res.TimedOut, res.Skipped,
		res.Duration.Round(time.Millisecond))
	if len(res.Jobs) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "JOB\tUSER\tSUCCESS\tACTION\tCLASS\tDURATION\tERROR")
	for _, j := range res.Jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			j.JobID, j.UserID, j.Success, j.Action, j.Class,
			j.Duration.Round(time.Millisecond), j.Error)
	}
	_ = w.Flush()
}
