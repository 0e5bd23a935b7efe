package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/events"
	"github.com/charlie0129/lockbox/pkg/lockbox"
)

// Schedule actions published as events.ScheduleActionEvent.
const (
	ActionSchedule         = "schedule"
	ActionScheduleDisable  = "schedule_disable"
	ActionScheduleSkip     = "schedule_skip"
	ActionScheduleUpcoming = "schedule_upcoming"
	ActionScheduleError    = "schedule_error"
	ActionRecalibrated     = "recalibrated"
)

// recalibrationTimeout bounds one scheduled recalibration of all inputs.
const recalibrationTimeout = 2 * time.Minute

var errNoConfiguredInput = errors.New("no configured input to recalibrate")

func (d *Daemon) publishScheduleAction(action, message string) {
	d.hub.Publish(events.ScheduleAction, events.ScheduleActionEvent{
		Action:  action,
		Message: message,
		Ts:      time.Now().Unix(),
	})
}

// recalibrationPreCheck fails while no input can be calibrated.
func (d *Daemon) recalibrationPreCheck() error {
	for _, in := range d.box.Inputs() {
		if in.State() == lockbox.StateConfigured {
			return nil
		}
	}
	return errNoConfiguredInput
}

// recalibrate calibrates every configured input and saves the curves. A lock
// held before is restored afterwards since calibration sweeps the actuator.
func (d *Daemon) recalibrate() error {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recalibrationTimeout)
	defer cancel()

	wasLocked := d.box.IsLocked()
	calibrated, skipped := 0, 0
	for _, in := range d.box.Inputs() {
		if in.State() != lockbox.StateConfigured {
			continue
		}
		res, err := in.Calibrate(ctx, true)
		if err != nil {
			return fmt.Errorf("failed to calibrate %s: %w", in.Name(), err)
		}
		if res.Skipped {
			skipped++
			continue
		}
		calibrated++
	}

	if wasLocked {
		res, err := d.box.Lock(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore lock: %w", err)
		}
		logLockResult(res, "lock after recalibration")
	}

	msg := fmt.Sprintf("Recalibrated %d inputs, %d skipped", calibrated, skipped)
	logrus.WithFields(logrus.Fields{
		"calibrated": calibrated,
		"skipped":    skipped,
		"relocked":   wasLocked,
	}).Info("scheduled recalibration finished")
	d.publishScheduleAction(ActionRecalibrated, msg)
	return nil
}

func (d *Daemon) onUpcomingRecalibration(data any) {
	at, ok := data.(time.Time)
	if !ok {
		return
	}
	d.publishScheduleAction(ActionScheduleUpcoming, fmt.Sprintf("Recalibration at %s", at.Format("Jan _2 15:04")))
}

func (d *Daemon) onRecalibrationError(data any) {
	err, ok := data.(error)
	if !ok {
		return
	}
	logrus.WithError(err).Warn("scheduled recalibration failed")
	d.publishScheduleAction(ActionScheduleError, err.Error())
}

// schedule sets the cron expression for periodic recalibration, saves it and
// returns the next run times. An empty expression disables the schedule.
func (d *Daemon) schedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if d.conf.RecalibrationSchedule() == "" {
			// Already disabled
			return nil, nil
		}

		d.conf.SetRecalibrationSchedule("")
		if err := d.conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		d.scheduler.Disable()
		d.publishScheduleAction(ActionScheduleDisable, "Recalibration schedule disabled")
		return nil, nil
	}

	if err := d.scheduler.Schedule(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	d.conf.SetRecalibrationSchedule(cronExpr)
	if err := d.conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return nil, fmt.Errorf("failed to save config: %w", err)
	}
	d.scheduler.Start()

	nextRuns := d.scheduler.NextRuns(3)
	if len(nextRuns) > 0 {
		d.publishScheduleAction(ActionSchedule, fmt.Sprintf("Recalibration scheduled at %s", nextRuns[0].Format("Jan _2 15:04")))
	}
	return nextRuns, nil
}

func (d *Daemon) skipNextSchedule() error {
	if err := d.scheduler.Skip(); err != nil {
		logrus.WithError(err).Error("failed to skip next scheduled recalibration")
		return err
	}
	d.publishScheduleAction(ActionScheduleSkip, "Recalibration skipped")
	return nil
}
