package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/outreach/internal/automation/rotation"
	"github.com/vietddude/outreach/internal/core/domain"
)

var (
	proxyProvider string
	proxyTier     string
	proxyUsername string
	proxyPassword string
	proxyMaxUsers int
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage the proxy pool",
}

var proxyAddCmd = &cobra.Command{
	Use:   "add [endpoint]",
	Short: "Register a proxy (host:port) in the pool",
	Args:  cobra.ExactArgs(1),
	Run:   runProxyAdd,
}

var proxyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every proxy with its pool statistics",
	Run:   runProxyList,
}

var proxyTestCmd = &cobra.Command{
	Use:   "test [proxy_id]",
	Short: "Probe one proxy, or every active proxy when no id is given",
	Args:  cobra.MaximumNArgs(1),
	Run:   runProxyTest,
}

var proxySetStatusCmd = &cobra.Command{
	Use:   "set-status [proxy_id] [status]",
	Short: "Change a proxy's pool-wide status (active, inactive, maintenance, banned, testing)",
	Args:  cobra.ExactArgs(2),
	Run:   runProxySetStatus,
}

var proxyReenableCmd = &cobra.Command{
	Use:   "reenable [proxy_id] [user_id]",
	Short: "Lift an auto-disable for one user before the cooldown ends",
	Args:  cobra.ExactArgs(2),
	Run:   runProxyReenable,
}

var proxyHealthCmd = &cobra.Command{
	Use:   "health [proxy_id] [user_id]",
	Short: "Show the pre-job check and health score of one (proxy, user) pair",
	Args:  cobra.ExactArgs(2),
	Run:   runProxyHealth,
}

func init() {
	proxyAddCmd.Flags().StringVar(&proxyProvider, "provider", "", "proxy provider name")
	proxyAddCmd.Flags().StringVar(&proxyTier, "tier", "decodo", "rotation tier")
	proxyAddCmd.Flags().StringVar(&proxyUsername, "username", "", "proxy username")
	proxyAddCmd.Flags().StringVar(&proxyPassword, "password", "", "proxy password")
	proxyAddCmd.Flags().IntVar(&proxyMaxUsers, "max-users", 1, "how many users may share the proxy")

	proxyCmd.AddCommand(proxyAddCmd, proxyListCmd, proxyTestCmd, proxySetStatusCmd, proxyReenableCmd, proxyHealthCmd)
	rootCmd.AddCommand(proxyCmd)
}

func runProxyAdd(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	p := &domain.ProxyRecord{
		Provider:           proxyProvider,
		Endpoint:           args[0],
		Username:           proxyUsername,
		Password:           proxyPassword,
		Tier:               proxyTier,
		MaxConcurrentUsers: proxyMaxUsers,
	}
	if p.Provider == "" {
		p.Provider = p.Tier
	}
	if err := app.Engine().AddProxy(ctx, p); err != nil {
		slog.Error("Failed to add proxy", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Added proxy %s (%s, tier %s)\n", p.ID, p.Endpoint, p.Tier)
}

func runProxyList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	proxies, err := app.Engine().ListProxies(ctx)
	if err != nil {
		slog.Error("Failed to list proxies", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tTIER\tENDPOINT\tSTATUS\tMAX USERS\tSUCCESS\tFAILURE")
	for _, p := range proxies {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			p.ID, p.Provider, p.Tier, p.Endpoint, p.Status,
			p.MaxConcurrentUsers, p.GlobalSuccessCount, p.GlobalFailureCount)
	}
	_ = w.Flush()

	stats, err := app.Engine().PoolStats(ctx)
	if err != nil {
		slog.Warn("Failed to compute pool stats", "error", err)
		return
	}
	if perf := stats.Performance24h; perf != nil {
		fmt.Printf("\nLast 24h: %d assignments, %.1f%% success, avg %.0fms\n",
			perf.Total, perf.SuccessRate, perf.AvgResponseTimeMs)
	}
}

func runProxyTest(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	var results []*rotation.TestResult
	if len(args) == 1 {
		res, err := app.Tester().Test(ctx, args[0])
		if err != nil {
			slog.Error("Failed to test proxy", "proxy_id", args[0], "error", err)
			os.Exit(1)
		}
		results = append(results, res)
	} else {
		all, err := app.Tester().TestAll(ctx)
		if err != nil {
			slog.Error("Failed to test proxies", "error", err)
			os.Exit(1)
		}
		results = all
	}

	failed := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PROXY\tOK\tSTATUS\tLATENCY\tERROR")
	for _, r := range results {
		if !r.OK {
			failed++
		}
		_, _ = fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\n",
			r.ProxyID, r.OK, r.StatusCode, r.Latency.Round(time.Millisecond), r.Error)
	}
	_ = w.Flush()

	if failed > 0 {
		os.Exit(1)
	}
}

func runProxySetStatus(cmd *cobra.Command, args []string) {
	status := domain.ProxyStatus(args[1])
	switch status {
	case domain.ProxyStatusActive, domain.ProxyStatusInactive, domain.ProxyStatusMaintenance,
		domain.ProxyStatusBanned, domain.ProxyStatusTesting:
	default:
		fmt.Printf("Invalid proxy status: %s\n", args[1])
		os.Exit(1)
	}

	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	if err := app.Engine().SetProxyStatus(ctx, args[0], status); err != nil {
		slog.Error("Failed to set proxy status", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Proxy %s is now %s\n", args[0], status)
}

func runProxyReenable(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	if err := app.Engine().Reenable(ctx, args[0], args[1]); err != nil {
		slog.Error("Failed to re-enable proxy", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Re-enabled proxy %s for user %s\n", args[0], args[1])
}

func runProxyHealth(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	proxyID, userID := args[0], args[1]
	ok, reason, err := app.Engine().CheckHealthy(ctx, proxyID, userID)
	if err != nil {
		slog.Error("Failed to check proxy health", "proxy_id", proxyID, "user_id", userID, "error", err)
		os.Exit(1)
	}
	m, err := app.Engine().HealthMetrics(ctx, proxyID, userID)
	if err != nil {
		slog.Error("Failed to load proxy health metrics", "proxy_id", proxyID, "user_id", userID, "error", err)
		os.Exit(1)
	}

	printJSON(struct {
		ProxyID string                 `json:"proxy_id"`
		UserID  string                 `json:"user_id"`
		Usable  bool                   `json:"usable"`
		Reason  string                 `json:"reason,omitempty"`
		Metrics rotation.HealthMetrics `json:"metrics"`
	}{proxyID, userID, ok, reason, m})
	if !ok {
		os.Exit(1)
	}
}
