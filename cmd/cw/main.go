package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicwatch/internal/config"
	"civicwatch/internal/db"
	"civicwatch/internal/geo"
	"civicwatch/internal/migrate"
	"civicwatch/internal/notify"
	"civicwatch/internal/repo"
	"civicwatch/internal/scan"
	"civicwatch/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "CivicWatch CLI",
	Long: `CivicWatch tracks public-expenditure projects and flags the risky ones.
Concepts:
- Workspace: the .civicwatch directory holding the portal database.
- Project: one public-works project with budget, spend, completion and dates.
- Budget history: append-only log of approved amounts; entry 0 is the original.
- Risk scan: a periodic pass that scores every active project against the
  configured thresholds (budget overrun, timeline delay, budget spike) and
  escalates status for the worst ones.
- External factors: GPS_FRAUD (photo-check) and PUBLIC_CONCERN (complaints)
  are set by portal commands and carried through scans.
- Alerts: newly-flagged projects trigger one email to the configured recipient.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CIVICWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage tracked projects"}
	prj.AddCommand(projectAddCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectProgressCmd())
	prj.AddCommand(projectCompleteCmd())
	prj.AddCommand(projectDeactivateCmd())
	prj.AddCommand(projectComplaintCmd())
	prj.AddCommand(projectPhotoCheckCmd())
	prj.AddCommand(budgetCmd())
	return prj
}

func projectAddCmd() *cobra.Command {
	var (
		opts       tracker.ProjectCreateOptions
		start, end string
		lat, lng   float64
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			var err error
			if start != "" {
				if opts.StartDate, err = time.Parse("2006-01-02", start); err != nil {
					return fmt.Errorf("--start: %w", err)
				}
			}
			if end == "" {
				return fmt.Errorf("--expected-end is required")
			}
			if opts.ExpectedEnd, err = time.Parse("2006-01-02", end); err != nil {
				return fmt.Errorf("--expected-end: %w", err)
			}
			if cmd.Flags().Changed("lat") {
				opts.SiteLat = &lat
			}
			if cmd.Flags().Changed("lng") {
				opts.SiteLng = &lng
			}
			return withTracker(cmd.Context(), func(ctx context.Context, t tracker.Tracker) error {
				p, err := t.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "project title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Location, "location", "", "human-readable location")
	cmd.Flags().Float64Var(&lat, "lat", 0, "site latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "site longitude")
	cmd.Flags().Float64Var(&opts.TotalBudget, "budget", 0, "approved total budget")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "expected-end", "", "expected end date (YYYY-MM-DD)")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Budget", "Spent", "Done", "Risk"})
				for _, p := range items {
					flagged := ""
					if p.RiskFlag {
						flagged = fmt.Sprintf("%v", p.RiskFactors)
					}
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.TotalBudget, p.AmountSpent,
						fmt.Sprintf("%d%%", p.CompletionPct), flagged})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show one project with budget history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectProgressCmd() *cobra.Command {
	var spent float64
	var pct int
	cmd := &cobra.Command{
		Use:   "progress <project-id>",
		Short: "Record spend and completion progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := tracker.ProgressUpdate{ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("spent") {
				upd.AmountSpent = &spent
			}
			if cmd.Flags().Changed("completion") {
				upd.CompletionPct = &pct
			}
			return withTracker(cmd.Context(), func(ctx context.Context, t tracker.Tracker) error {
				p, err := t.RecordProgress(ctx, args[0], upd)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().Float64Var(&spent, "spent", 0, "amount spent so far")
	cmd.Flags().IntVar(&pct, "completion", 0, "completion percentage [0,100]")
	return cmd
}

func projectCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <project-id>",
		Short: "Mark a project completed (freezes its risk state)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd.Context(), func(ctx context.Context, t tracker.Tracker) error {
				p, err := t.Complete(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <project-id>",
		Short: "Soft-delete a project (removes it from scan scope)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd.Context(), func(ctx context.Context, t tracker.Tracker) error {
				return t.Deactivate(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func projectComplaintCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "complaint <project-id>",
		Short: "File a citizen complaint against a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd.Context(), func(ctx context.Context, t tracker.Tracker) error {
				p, err := t.FileComplaint(ctx, args[0], note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "complaint text")
	return cmd
}

func projectPhotoCheckCmd() *cobra.Command {
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "photo-check <project-id>",
		Short: "Verify a site-photo GPS position against the project location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lng") {
				return fmt.Errorf("--lat and --lng required")
			}
			return withTracker(cmd.Context(), func(ctx context.Context, t tracker.Tracker) error {
				distance, suspicious, err := t.VerifyPhotoGPS(ctx, args[0], geo.Point{Lat: lat, Lng: lng}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"distance_km": distance,
					"suspicious":  suspicious,
				})
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "photo latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "photo longitude")
	return cmd
}

func budgetCmd() *cobra.Command {
	budget := &cobra.Command{Use: "budget", Short: "Budget history"}
	budget.AddCommand(budgetReviseCmd())
	budget.AddCommand(budgetHistoryCmd())
	return budget
}

func budgetReviseCmd() *cobra.Command {
	var amount float64
	var note string
	cmd := &cobra.Command{
		Use:   "revise <project-id>",
		Short: "Revise the approved total budget (appends to history)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("amount") {
				return fmt.Errorf("--amount required")
			}
			return withTracker(cmd.Context(), func(ctx context.Context, t tracker.Tracker) error {
				p, err := t.ReviseBudget(ctx, args[0], amount, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().Float64Var(&amount, "amount", 0, "new approved total")
	cmd.Flags().StringVar(&note, "note", "", "revision note")
	return cmd
}

func budgetHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show the append-only budget history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				revs, err := r.ListBudgetRevisions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(revs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Amount", "Recorded", "Note"})
				for _, rev := range revs {
					tw.AppendRow(table.Row{rev.Seq, rev.Amount, rev.RecordedAt.Format(time.RFC3339), rev.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func scanCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scan", Short: "Risk scans"}
	sc.AddCommand(scanRunCmd())
	sc.AddCommand(scanHistoryCmd())
	return sc
}

func scanRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one risk scan over all active projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScanner(cmd.Context(), func(ctx context.Context, s *scan.Scanner) error {
				summary, err := s.Run(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Scanned", "Flagged", "Newly flagged", "Errors"})
				tw.AppendRow(table.Row{summary.Scanned, summary.Flagged, summary.NewlyFlagged, summary.Errors})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func scanHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent scan runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				scans, err := r.ListScans(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(scans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Scanned", "Flagged", "New", "Errors"})
				for _, s := range scans {
					tw.AppendRow(table.Row{s.ID, s.StartedAt.Format(time.RFC3339), s.Scanned, s.Flagged, s.NewlyFlagged, s.Errors})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the periodic risk scanner until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			log := newLogger()
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			scanner := scan.New(conn, cfg, buildNotifier(cfg, log), log)
			sched, err := scan.NewScheduler(scanner, cfg.Scan.Schedule, log)
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-stop:
			case <-cmd.Context().Done():
			}
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Portal configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default civicwatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.EventsTail(ctx, n, projectID)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func withTracker(ctx context.Context, fn func(context.Context, tracker.Tracker) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	return fn(ctx, tracker.New(conn, cfg))
}

func withScanner(ctx context.Context, fn func(context.Context, *scan.Scanner) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	log := newLogger()
	return fn(ctx, scan.New(conn, cfg, buildNotifier(cfg, log), log))
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func buildNotifier(cfg *config.Config, log zerolog.Logger) notify.Notifier {
	if cfg.Alerts.Enabled {
		return notify.NewSMTPNotifier(cfg.Alerts.SMTP, log)
	}
	return notify.LogNotifier{Log: log}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
