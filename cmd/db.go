package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/meetpipe/pkg/db"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for meetpipe.

Manage the schema and check connectivity. The db commands connect directly to
PostgreSQL using the database section of the config or the DATABASE_URL and
DB_* environment variables.

Migrations are embedded in the binary and applied in filename order. Each one
runs in a transaction and is recorded in the schema_migrations table.

Examples:
  # Show migration status
  meetpipe db status

  # Preview pending migrations
  meetpipe db migrate --dry-run

  # Apply without prompting
  meetpipe db migrate --yes

  # Ping the database
  meetpipe db health`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.AddCommand(newDbMigrateCommand(deps))
	cmd.AddCommand(newDbStatusCommand(deps))
	cmd.AddCommand(newDbHealthCommand(deps))
	return cmd
}

func connectDB(ctx context.Context, deps *Deps) (*pgxpool.Pool, error) {
	if deps.Config == nil {
		return nil, mperrors.Configuration("no configuration loaded")
	}
	pool, err := db.ConnectWithRetry(ctx, &deps.Config.Database, 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

func newDbMigrateCommand(deps *Deps) *cobra.Command {
	var dryRun, yes bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations.

Shows pending migrations before applying them. If a migration fails its
transaction is rolled back and no further migrations are attempted.`,
		Example: `  meetpipe db migrate
  meetpipe db migrate --dry-run
  meetpipe db migrate --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connectDB(ctx, deps)
			if err != nil {
				return err
			}
			defer db.Close(pool)

			w := deps.out()
			status, err := db.GetMigrationStatus(ctx, pool, db.SchemaFS())
			if err != nil {
				return fmt.Errorf("getting migration status: %w", err)
			}
			if len(status.Pending) == 0 {
				fmt.Fprintln(w, "No pending migrations.")
				return nil
			}
			fmt.Fprintf(w, "Pending migrations (%d):\n", len(status.Pending))
			for _, m := range status.Pending {
				fmt.Fprintf(w, "  %s - %s\n", m.Version, m.Name)
			}
			fmt.Fprintln(w)

			if dryRun {
				fmt.Fprintln(w, "Dry run mode: no migrations applied.")
				return nil
			}
			if !yes && !confirm(cmd.InOrStdin(), w, "Apply these migrations? (y/N): ") {
				fmt.Fprintln(w, "Migration cancelled.")
				return nil
			}

			result, err := db.RunMigrations(ctx, pool, db.SchemaFS())
			if result != nil && len(result.Applied) > 0 {
				fmt.Fprintf(w, "Applied %d migration(s):\n", len(result.Applied))
				for _, v := range result.Applied {
					fmt.Fprintf(w, "  ✓ %s\n", v)
				}
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(w, "Migrations completed successfully.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be applied without executing")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Apply without asking for confirmation")
	return cmd
}

func confirm(in io.Reader, w io.Writer, prompt string) bool {
	fmt.Fprint(w, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func newDbStatusCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show the current state of database migrations.

  Applied: recorded in schema_migrations and present in the binary
  Pending: present in the binary, not applied yet
  Drift:   recorded as applied but no longer shipped`,
		Example: `  meetpipe db status
  meetpipe db status -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connectDB(ctx, deps)
			if err != nil {
				return err
			}
			defer db.Close(pool)

			status, err := db.GetMigrationStatus(ctx, pool, db.SchemaFS())
			if err != nil {
				return fmt.Errorf("getting migration status: %w", err)
			}
			return render(deps.out(), format, status, func(w io.Writer) error {
				return printMigrationStatus(w, status)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func printMigrationStatus(w io.Writer, status *db.MigrationStatus) error {
	if len(status.Applied) == 0 && len(status.Pending) == 0 && len(status.Drift) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return nil
	}
	section := func(title string, entries []db.MigrationStatusEntry) error {
		if len(entries) == 0 {
			return nil
		}
		fmt.Fprintf(w, "%s (%d):\n", title, len(entries))
		tw := newTable(w)
		fmt.Fprintln(tw, "  VERSION\tNAME\tAPPLIED")
		for _, m := range entries {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", m.Version, truncate(m.Name, 40), formatTime(m.AppliedAt))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
		return nil
	}
	if err := section("Applied", status.Applied); err != nil {
		return err
	}
	if err := section("Pending", status.Pending); err != nil {
		return err
	}
	if err := section("Drift, applied but not shipped", status.Drift); err != nil {
		return err
	}
	fmt.Fprintf(w, "Summary: %d applied, %d pending", len(status.Applied), len(status.Pending))
	if len(status.Drift) > 0 {
		fmt.Fprintf(w, ", %d drift", len(status.Drift))
	}
	fmt.Fprintln(w)
	return nil
}

type dbHealthReport struct {
	Healthy       bool   `json:"healthy" yaml:"healthy"`
	LatencyMS     int64  `json:"latency_ms" yaml:"latency_ms"`
	TotalConns    int32  `json:"total_conns" yaml:"total_conns"`
	IdleConns     int32  `json:"idle_conns" yaml:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns" yaml:"acquired_conns"`
	Error         string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newDbHealthCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Ping the database and show pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connectDB(ctx, deps)
			if err != nil {
				return err
			}
			defer db.Close(pool)

			hs := db.Check(ctx, pool)
			report := dbHealthReport{
				Healthy:       hs.Healthy,
				LatencyMS:     hs.Latency.Milliseconds(),
				TotalConns:    hs.TotalConns,
				IdleConns:     hs.IdleConns,
				AcquiredConns: hs.AcquiredConns,
			}
			if hs.Error != nil {
				report.Error = hs.Error.Error()
			}
			if err := render(deps.out(), format, report, func(w io.Writer) error {
				if !report.Healthy {
					fmt.Fprintf(w, "Database: unhealthy (%s)\n", report.Error)
					return nil
				}
				fmt.Fprintf(w, "Database: healthy (%dms)\n", report.LatencyMS)
				fmt.Fprintf(w, "Connections: %d total, %d idle, %d acquired\n",
					report.TotalConns, report.IdleConns, report.AcquiredConns)
				return nil
			}); err != nil {
				return err
			}
			return hs.Error
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}
