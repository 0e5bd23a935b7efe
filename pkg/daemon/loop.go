package daemon

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/charlie0129/lockbox/pkg/lockbox"
)

// continuousLoops is how many monitor intervals are checked for missed loops.
const continuousLoops = 8

// TimeSeriesRecorder records the last N monitor loop times.
type TimeSeriesRecorder struct {
	MaxRecordCount int
	LastLoopTimes  []time.Time
	interval       time.Duration
	mu             *sync.Mutex
}

// NewTimeSeriesRecorder returns a new TimeSeriesRecorder for loops that
// run every interval.
func NewTimeSeriesRecorder(maxRecordCount int, interval time.Duration) *TimeSeriesRecorder {
	return &TimeSeriesRecorder{
		MaxRecordCount: maxRecordCount,
		LastLoopTimes:  make([]time.Time, 0),
		interval:       interval,
		mu:             &sync.Mutex{},
	}
}

// Interval returns the expected time between two records.
func (r *TimeSeriesRecorder) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// SetInterval changes the expected time between two records.
func (r *TimeSeriesRecorder) SetInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = d
}

// AddRecordNow adds a new record with the current time.
func (r *TimeSeriesRecorder) AddRecordNow() {
	r.AddRecord(time.Now())
}

// AddRecord adds a new record.
func (r *TimeSeriesRecorder) AddRecord(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Strip monotonic clock reading.
	t = t.Round(0)

	if len(r.LastLoopTimes) >= r.MaxRecordCount {
		r.LastLoopTimes = r.LastLoopTimes[1:]
	}
	r.LastLoopTimes = append(r.LastLoopTimes, t)
}

// GetRecordsIn returns the number of continuous records in the last duration.
func (r *TimeSeriesRecorder) GetRecordsIn(last time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	gap := r.interval + time.Second

	// The last record must be within the last duration.
	if len(r.LastLoopTimes) > 0 && time.Since(r.LastLoopTimes[len(r.LastLoopTimes)-1]) >= gap {
		return 0
	}

	// Find continuous records from the end of the list.
	// Continuous records are defined as the time difference between
	// two adjacent records is less than interval+1 second.
	count := 0
	for i := len(r.LastLoopTimes) - 1; i >= 0; i-- {
		record := r.LastLoopTimes[i]
		if time.Since(record) > last {
			break
		}

		theRecordAfter := record
		if i+1 < len(r.LastLoopTimes) {
			theRecordAfter = r.LastLoopTimes[i+1]
		}

		if theRecordAfter.Sub(record) >= gap {
			break
		}
		count++
	}

	return count
}

// GetLastRecords returns the records of the last duration, newest first.
func (r *TimeSeriesRecorder) GetLastRecords(last time.Duration) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.LastLoopTimes) == 0 {
		return nil
	}

	var records []time.Time
	for i := len(r.LastLoopTimes) - 1; i >= 0; i-- {
		record := r.LastLoopTimes[i]
		if time.Since(record) > last {
			break
		}
		records = append(records, record)
	}

	return records
}

func formatRelativeTimes(times []time.Time) []string {
	var timesString []string
	for _, t := range times {
		timesString = append(timesString, time.Since(t).String())
	}
	return timesString
}

func relockLimit(perMinute float64) rate.Limit {
	return rate.Limit(perMinute / 60)
}

// monitorLoop runs monitorOnce every monitor interval until ctx is done.
func (d *Daemon) monitorLoop(ctx context.Context) {
	interval := d.conf.MonitorInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.monitorOnce(ctx)

		if next := d.conf.MonitorInterval(); next != interval {
			logrus.WithFields(logrus.Fields{
				"from": interval,
				"to":   next,
			}).Info("monitor interval changed")
			interval = next
			ticker.Reset(interval)
		}
	}
}

func (d *Daemon) checkMissedLoops() bool {
	interval := d.recorder.Interval()
	window := continuousLoops * interval
	count := d.recorder.GetRecordsIn(window)
	minCount := continuousLoops - 1

	if count < minCount {
		logrus.WithFields(logrus.Fields{
			"loopCount":     count,
			"minLoopCount":  minCount,
			"recentRecords": formatRelativeTimes(d.recorder.GetLastRecords(window)),
		}).Debug("possibly missed monitor loop")
		return true
	}
	return false
}

// monitorOnce checks the lock and relocks when the lock is lost or was never
// acquired. Relocking needs a pending lock request and auto relock enabled,
// and is throttled by the relock limiter.
func (d *Daemon) monitorOnce(ctx context.Context) {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	d.checkMissedLoops()
	d.recorder.AddRecordNow()

	if d.box.IsLocked() {
		res, err := d.box.Monitor(ctx)
		if err != nil {
			logrus.WithError(err).Error("monitor failed")
			return
		}
		if res == nil {
			return
		}
		d.mu.Lock()
		d.lastMonitor = res
		d.mu.Unlock()

		threshold := d.conf.RelockThreshold()
		if math.Abs(res.Error) <= threshold {
			logrus.WithFields(logrus.Fields{
				"input": res.Input,
				"error": res.Error,
			}).Trace("lock holds")
			return
		}

		logrus.WithFields(logrus.Fields{
			"input":     res.Input,
			"mean":      res.Stats.Mean,
			"expected":  res.Expected,
			"error":     res.Error,
			"threshold": threshold,
		}).Warn("lock lost")
		if err := d.box.Unlock(); err != nil {
			logrus.WithError(err).Error("failed to open the loop")
		}
	}

	d.mu.Lock()
	wantLock := d.wantLock
	d.mu.Unlock()
	if !wantLock || !d.conf.AutoRelock() {
		return
	}
	if !d.limiter.Allow() {
		logrus.Debug("relock throttled")
		return
	}

	res, err := d.box.Lock(ctx)
	if err != nil {
		logrus.WithError(err).Error("relock failed")
		return
	}
	logLockResult(res, "relock")
}

func logLockResult(res *lockbox.LockResult, what string) {
	fields := logrus.Fields{
		"locked": res.Locked,
		"input":  res.Edge.Input,
		"output": res.Edge.Output,
		"offset": res.Edge.Offset,
	}
	if res.Locked {
		logrus.WithFields(fields).Infof("%s succeeded", what)
		return
	}
	logrus.WithFields(fields).WithField("reason", res.Edge.Reason).Warnf("%s did not find a lock point", what)
}
