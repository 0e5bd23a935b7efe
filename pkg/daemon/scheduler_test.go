package daemon

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charlie0129/lockbox/pkg/config"
)

func TestRecalibrationScheduleParse(t *testing.T) {
	cases := []struct {
		expr string
		gap  time.Duration
	}{
		{"@every 10m", 10 * time.Minute},
		{"@hourly", time.Hour},
		{"0 * * * *", time.Hour},
		{"30 */15 * * * *", 15 * time.Minute},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			schedule, err := config.ParseSchedule(c.expr)
			if err != nil {
				t.Fatalf("failed to parse %q: %v", c.expr, err)
			}
			next1 := schedule.Next(time.Now())
			next2 := schedule.Next(next1)
			if got := next2.Sub(next1); got != c.gap {
				t.Fatalf("expected runs %s apart, got %s (next1=%v next2=%v)", c.gap, got, next1, next2)
			}
		})
	}

	if _, err := config.ParseSchedule("every tuesday"); err == nil {
		t.Fatal("expected an error for an invalid expression")
	}
}

func TestSchedulerScheduleStatus(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)

	if err := s.Schedule("@every 1m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	next, running := s.Status()
	if running {
		t.Fatalf("scheduler should not be running")
	}
	if next.IsZero() {
		t.Fatalf("next run should be set after scheduling")
	}
}

func TestSchedulerSkip(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)
	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	orig, _ := s.Status()
	if orig.IsZero() {
		t.Fatalf("expected next run after scheduling")
	}

	s.Start()
	defer s.Stop()

	s.Skip()
	skipped, _ := s.Status()
	if !skipped.After(orig) {
		t.Fatalf("expected skip to move schedule forward, got %v <= %v", skipped, orig)
	}
}

func TestSchedulerRunCycle(t *testing.T) {
	notifyCh := make(chan struct{}, 1)
	taskCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	var preChecks int32

	task := func() error {
		taskCh <- struct{}{}
		return nil
	}

	preCheck := func() error {
		atomic.AddInt32(&preChecks, 1)
		return nil
	}

	beforeRun := func(data any) {
		notifyCh <- struct{}{}
	}

	onError := func(data any) {
		if err, ok := data.(error); ok {
			errCh <- err
		}
	}

	s := NewScheduler(task, preCheck, beforeRun, onError)
	if err := s.Schedule("@every 1s"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	s.mu.Lock()
	s.nextRun = time.Now().Add(50 * time.Millisecond)
	s.mu.Unlock()

	s.Start()
	defer s.Stop()

	select {
	case <-notifyCh:
	case <-time.After(time.Second):
		t.Fatalf("did not receive before-run notification in time")
	}

	select {
	case <-taskCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not execute in time")
	}

	if atomic.LoadInt32(&preChecks) == 0 {
		t.Fatalf("precheck should have been executed")
	}

	select {
	case err := <-errCh:
		t.Fatalf("unexpected error callback: %v", err)
	default:
	}
}

func TestSchedulerPreCheckFailure(t *testing.T) {
	taskCh := make(chan struct{}, 1)
	errCh := make(chan error, 2)

	task := func() error {
		taskCh <- struct{}{}
		return nil
	}

	preCheck := func() error {
		return errors.New("boom")
	}

	onError := func(data any) {
		if err, ok := data.(error); ok {
			errCh <- err
		}
	}

	s := NewScheduler(task, preCheck, nil, onError)
	if err := s.Schedule("@every 1s"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	forcedNext := time.Now().Add(50 * time.Millisecond)

	s.mu.Lock()
	s.nextRun = forcedNext
	s.mu.Unlock()

	s.Start()
	defer s.Stop()

	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatalf("expected error callback from failed precheck")
	}

	select {
	case <-taskCh:
		t.Fatalf("task should not execute when precheck fails")
	default:
	}

}

func TestSchedulerNextRuns(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)
	if runs := s.NextRuns(3); runs != nil {
		t.Fatalf("expected no runs without schedule, got %v", runs)
	}
	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	runs := s.NextRuns(3)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %v", runs)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].Sub(runs[i-1]) != time.Hour {
			t.Fatalf("runs not an hour apart: %v", runs)
		}
	}
	if s.Expr() != "@every 1h" {
		t.Fatalf("Expr = %q", s.Expr())
	}
}

func TestSchedulerDisableAndRestart(t *testing.T) {
	taskCh := make(chan struct{}, 1)
	s := NewScheduler(func() error {
		select {
		case taskCh <- struct{}{}:
		default:
		}
		return nil
	}, nil, nil, nil)
	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Start()
	s.Disable()

	next, running := s.Status()
	if running || !next.IsZero() || s.Expr() != "" {
		t.Fatalf("scheduler still active after Disable: next=%v running=%v", next, running)
	}
	if err := s.Skip(); err == nil {
		t.Fatalf("expected skip to fail without schedule")
	}

	// a stopped scheduler can be started again
	if err := s.Schedule("@every 1s"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.mu.Lock()
	s.nextRun = time.Now().Add(50 * time.Millisecond)
	s.mu.Unlock()
	s.Start()
	defer s.Stop()

	select {
	case <-taskCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not execute after restart")
	}
}
