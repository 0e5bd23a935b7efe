package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage automatic recalibration schedule",
		Long: `Manage automatic recalibration schedule.

Every scheduled run calibrates all configured inputs and relocks if the box
was locked before.

The schedule command can be used in multiple ways:
  lockbox schedule 'minute hour day month weekday' Set schedule with cron expression
  lockbox schedule disable                         Disable the schedule
  lockbox schedule skip                            Skip next run
  lockbox schedule show                            Show current schedule`,
		Example: `  lockbox schedule '0 * * * *' (Every hour)
  lockbox schedule '*/15 8-18 * * 1-5' (Every 15 minutes during working hours)
  lockbox schedule '0 3 * * *' (At 03:00 every day)`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the recalibration schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.Schedule(""); err != nil {
				return err
			}
			cmd.Println("Recalibration schedule disabled.")
			return nil
		},
	}
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled recalibration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nextRuns, err := apiClient.SkipSchedule()
			if err != nil {
				return err
			}
			cmd.Println("Next scheduled run skipped.")
			printRuns(cmd, nextRuns)
			return nil
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current recalibration schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	nextRuns, err := apiClient.Schedule(cronExpr)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, nextRuns)
	}
	cmd.Println("Recalibration scheduled.")
	printRuns(cmd, nextRuns)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	s, err := apiClient.GetStatus()
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, map[string]any{
			"schedule":          s.Schedule,
			"nextRecalibration": s.NextRecalibration,
		})
	}
	if s.Schedule == "" {
		cmd.Println("Recalibration schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", bold("%s", s.Schedule))
	if !s.NextRecalibration.IsZero() {
		cmd.Printf("Next run: %s\n", s.NextRecalibration.Local().Format(time.DateTime))
	}
	return nil
}

func printRuns(cmd *cobra.Command, runs []time.Time) {
	if len(runs) == 0 {
		return
	}
	cmd.Printf("Next %d run(s):\n", len(runs))
	for _, run := range runs {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
}
