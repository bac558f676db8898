package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/paperpool/internal/config"
	"github.com/dohr-michael/paperpool/internal/scheduler"
)

// NewSchedulesCommand returns the schedules subcommand.
func NewSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedules",
		Usage: "View schedule entries and trigger history",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List configured and runtime schedule entries",
				Action: runScheduleList,
			},
			{
				Name:      "history",
				Usage:     "Show the runs of a runtime schedule entry",
				ArgsUsage: "<id>",
				Action:    runScheduleHistory,
			},
		},
		DefaultCommand: "list",
	}
}

func runScheduleList(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	entries, err := cfg.ScheduleEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		e.Source = scheduler.SourceConfig
	}
	stored, err := scheduler.NewScheduleStore(config.SchedulesDir()).List()
	if err != nil {
		return fmt.Errorf("list stored schedules: %w", err)
	}
	entries = append(entries, stored...)

	if len(entries) == 0 {
		fmt.Println("No schedule entries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tTRIGGER\tMESSAGE\tRUNS\tENABLED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\n",
			e.ID, e.Source, triggerOf(e), messageLabel(e), e.RunCount, e.Enabled)
	}
	return w.Flush()
}

func triggerOf(e *scheduler.ScheduleEntry) string {
	switch {
	case e.CronSpec != "":
		return "cron " + e.CronSpec
	case e.IntervalSec > 0:
		return fmt.Sprintf("every %ds", e.IntervalSec)
	case e.OnEvent != nil:
		return "on " + e.OnEvent.Event
	}
	return "-"
}

func messageLabel(e *scheduler.ScheduleEntry) string {
	if e.Message.IsMethodCall() {
		return "call " + e.Message.Name
	}
	if e.Message.Name != "" {
		return e.Message.Name
	}
	return "-"
}

func runScheduleHistory(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: paperpool schedules history <id>")
	}
	runs, err := scheduler.NewScheduleStore(config.SchedulesDir()).Runs(id)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No trigger history found.")
		return nil
	}

	// keep the last 20
	if len(runs) > 20 {
		runs = runs[len(runs)-20:]
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTRIGGER\tTASK")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.At.Format("2006-01-02 15:04:05"), r.Trigger, r.TaskID)
	}
	return w.Flush()
}
