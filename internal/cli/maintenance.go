package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/outreach/internal/infra/storage/postgres"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run the daily housekeeping pass once",
	Long: `Resets the rolling proxy health windows, lifts expired auto-disables,
re-queues jobs stuck in running or failed and prunes old retry history.`,
	Run: runMaintenance,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(maintenanceCmd, migrateCmd)
}

func runMaintenance(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, done := openApp(ctx)
	defer done()

	report, err := app.RunMaintenance(ctx)
	printJSON(report)
	if err != nil {
		slog.Error("Maintenance finished with errors", "error", err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		fmt.Println("No database configured (set DATABASE_URL or database.url)")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}
	version, err := db.MigrationVersion(ctx)
	if err != nil {
		slog.Error("Failed to read migration version", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Database at migration version %d\n", version)
}
