/*
quotactl - operator CLI for the quota engine

COMMANDS:
  period <date>           Print the billing cycle containing date
  scenarios               List the demo scenarios
  seed                    Load a demo scenario into the configured store
  report                  Print the ledger discrepancy summary

The store is selected with the same environment as the server
(STORE_DRIVER, SQLITE_PATH, DATABASE_URL, ...).

EXAMPLES:
  quotactl period 2024-03-25
  STORE_DRIVER=sqlite SQLITE_PATH=quota.db quotactl seed --scenario busy-day --date 2024-03-01
  quotactl report --days 14 --json
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/warp/quota-engine/billing"
	"github.com/warp/quota-engine/config"
	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/logging"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/reconcile"
	"github.com/warp/quota-engine/seed"
	"github.com/warp/quota-engine/store"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "quotactl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "quotactl",
		Usage: "inspect and seed the quota engine",
		Commands: []*cli.Command{
			{
				Name:      "period",
				Usage:     "print the billing cycle containing a date",
				ArgsUsage: "<YYYY-MM-DD>",
				Action:    periodCmd,
			},
			{
				Name:   "scenarios",
				Usage:  "list the demo scenarios",
				Action: scenariosCmd,
			},
			{
				Name:  "seed",
				Usage: "load a demo scenario into the configured store",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "scenario", Value: "demo", Usage: "scenario id (see `quotactl scenarios`)"},
					&cli.StringFlag{Name: "date", Usage: "day the scenario books on (default today)"},
				},
				Action: seedCmd,
			},
			{
				Name:  "report",
				Usage: "print the discrepancy summary",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Value: reconcile.DefaultWindowDays, Usage: "window in days"},
					&cli.BoolFlag{Name: "json", Usage: "print JSON"},
				},
				Action: reportCmd,
			},
		},
	}
}

func periodCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: quotactl period <YYYY-MM-DD>", 2)
	}
	date, err := generic.ParseDate(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	p := billing.PeriodFor(date)
	fmt.Fprintf(c.App.Writer, "%s .. %s (%d days)\n", p.Start, p.End, p.Len())
	return nil
}

func scenariosCmd(c *cli.Context) error {
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	for _, s := range seed.Scenarios() {
		fmt.Fprintf(w, "%s\t%s\n", s.ID, s.Description)
	}
	return w.Flush()
}

// env bundles what the store-backed commands share.
type env struct {
	backend store.Backend
	logger  *zap.Logger
	quota   *quota.Service
	engine  *reconcile.Engine
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logging.Config{Component: "quotactl", Level: cfg.LogLevel, Output: os.Stderr})
	if err != nil {
		return nil, err
	}
	backend, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc := quota.NewService(backend, quota.NewSelector(cfg.EqualShare), logger)
	engine := reconcile.NewEngine(backend, logger)
	svc.Usage = engine
	return &env{backend: backend, logger: logger, quota: svc, engine: engine}, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
	_ = e.backend.Close()
}

func seedCmd(c *cli.Context) error {
	ctx := c.Context
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	day := generic.Today(e.quota.Clock)
	if raw := c.String("date"); raw != "" {
		if day, err = generic.ParseDate(raw); err != nil {
			return cli.Exit(err.Error(), 2)
		}
	}

	loader := &seed.Loader{Admin: e.backend, Service: e.quota}
	if err := loader.Load(ctx, c.String("scenario"), day); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "loaded scenario %s (%d pools, %d units)\n", c.String("scenario"), len(seed.Pools), len(seed.Tenants))
	return nil
}

func reportCmd(c *cli.Context) error {
	ctx := c.Context
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	summary, err := e.engine.DiscrepancySummary(ctx, c.Int("days"))
	if err != nil {
		return err
	}
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	return printSummary(c.App.Writer, summary)
}

func printSummary(out io.Writer, s *reconcile.Summary) error {
	fmt.Fprintf(out, "period %s, %d entries, %d warnings (%.2f%%)\n\n", s.Period, s.TotalEntries, s.Warnings, s.WarningRate)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tNAME\tENTRIES\tWARNINGS\tMAX DAILY DIFF\tMAX MONTHLY DIFF")
	for _, t := range s.ByTenant {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", t.TenantCode, t.TenantName, t.Entries, t.Warnings, t.MaxDailyDiff, t.MaxMonthlyDiff)
	}
	return w.Flush()
}
