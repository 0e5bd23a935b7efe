package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/lockbox/pkg/events"
)

func NewEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "events",
		Short:   "Follow daemon events",
		GroupID: gAdvanced,
		Long: `Print calibrations, offsets, lock state changes and schedule actions as they
happen. Stops on Ctrl-C or when the daemon goes away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ch, err := apiClient.SubscribeEvents(ctx)
			if err != nil {
				return err
			}
			for ev := range ch {
				if outputJSON {
					cmd.Printf("{\"event\":%q,\"data\":%s}\n", ev.Name, ev.Data)
					continue
				}
				if err := printEvent(cmd, ev); err != nil {
					logrus.WithError(err).WithField("event", ev.Name).Warn("failed to decode event")
					cmd.Printf("%s %s\n", ev.Name, ev.Data)
				}
			}
			return nil
		},
	}
}

func printEvent(cmd *cobra.Command, ev events.Event) error {
	switch ev.Name {
	case events.InputCalibrated:
		p, err := events.DecodeAs[events.InputCalibratedEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s %s calibrated v%d - Min: %.3f  Max: %.3f  Mean: %.3f  Rms: %.3f\n",
			eventTime(p.Ts), bold("%s", p.Input), p.Version, p.Min, p.Max, p.Mean, p.RMS)
	case events.OffsetApplied:
		p, err := events.DecodeAs[events.OffsetAppliedEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s %s set to %.4f from %s", eventTime(p.Ts), bold("%s", p.Output), p.Offset, p.Input)
		if p.Clamped {
			cmd.Print(" (clamped)")
		}
		cmd.Println()
	case events.LockState:
		p, err := events.DecodeAs[events.LockStateEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s locked: %s", eventTime(p.Ts), bool2Text(p.Locked))
		if p.Message != "" {
			cmd.Printf(" (%s)", p.Message)
		}
		cmd.Println()
	case events.ScheduleAction:
		p, err := events.DecodeAs[events.ScheduleActionEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s schedule %s: %s\n", eventTime(p.Ts), bold("%s", p.Action), p.Message)
	default:
		cmd.Printf("%s %s\n", ev.Name, ev.Data)
	}
	return nil
}

func eventTime(ts int64) string {
	if ts == 0 {
		return time.Now().Format(time.TimeOnly)
	}
	return time.Unix(ts, 0).Format(time.TimeOnly)
}
