package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/charlie0129/lockbox/pkg/hw"
)

var errNotReady = errors.New("acquisition not complete")

// Scope is a simulated two channel scope triggered by the board's ASG.
type Scope struct {
	name         string
	asg          *ASG
	hold         func() float64
	plant        Plant
	samples      int
	latency      time.Duration
	analogOffset float64

	stalled atomic.Bool

	mu      sync.Mutex
	params  hw.ScopeParams
	states  map[string]hw.ScopeParams
	armedAt time.Time
	times   []float64
	curves  int
}

func (s *Scope) Name() string { return s.name }

func (s *Scope) Setup(p hw.ScopeParams) error {
	if p.Duration <= 0 {
		return fmt.Errorf("%s: duration must be positive, got %s", s.name, p.Duration)
	}
	if p.TraceAverage < 1 {
		return fmt.Errorf("%s: trace average must be at least 1, got %d", s.name, p.TraceAverage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	s.armedAt = time.Now()
	return nil
}

func (s *Scope) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Duration
}

// Params returns the active configuration.
func (s *Scope) Params() hw.ScopeParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Stall makes every following Curve call time out until cleared.
func (s *Scope) Stall(stalled bool) {
	s.stalled.Store(stalled)
}

// Curves returns how many curves were delivered.
func (s *Scope) Curves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curves
}

func (s *Scope) HasState(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[name]
	return ok
}

func (s *Scope) SaveState(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params.Duration <= 0 {
		return fmt.Errorf("%s: nothing to save, scope not configured", s.name)
	}
	s.states[name] = s.params
	return nil
}

func (s *Scope) LoadState(name string) error {
	s.mu.Lock()
	p, ok := s.states[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: no state named %q", s.name, name)
	}
	return s.Setup(p)
}

func (s *Scope) Curve(ctx context.Context, timeout time.Duration) ([]float64, []float64, error) {
	// MaxElapsedTime of zero would retry forever.
	if timeout <= 0 {
		return nil, nil, &hw.CaptureTimeoutError{Scope: s.name, Timeout: timeout}
	}

	s.mu.Lock()
	armedAt := s.armedAt
	immediate := s.params.TriggerSource == hw.TriggerImmediately
	s.mu.Unlock()

	ready := func() error {
		if s.stalled.Load() {
			return errNotReady
		}
		if immediate {
			if time.Since(armedAt) < s.latency {
				return errNotReady
			}
			return nil
		}
		at, n := s.asg.triggered()
		if n == 0 || at.Before(armedAt) {
			return errNotReady
		}
		if time.Since(at) < s.latency {
			return errNotReady
		}
		return nil
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock}
	if err := backoff.Retry(ready, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &hw.CaptureTimeoutError{Scope: s.name, Timeout: timeout}
	}

	return s.acquire()
}

func (s *Scope) Times() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.times...)
}

func (s *Scope) acquire() ([]float64, []float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.params
	immediate := p.TriggerSource == hw.TriggerImmediately
	dt := p.Duration.Seconds() / float64(s.samples)
	times := make([]float64, s.samples)
	ch1 := make([]float64, s.samples)
	ch2 := make([]float64, s.samples)
	for i := range times {
		t := float64(i)*dt + p.TriggerDelay.Seconds()
		times[i] = t
		var drive float64
		if immediate {
			drive = s.hold()
		} else {
			drive = s.asg.value(t)
		}
		if p.Ch1Active && p.Input1 != "" {
			ch1[i] = s.plant(drive) + s.analogOffset
		}
		if p.Ch2Active && p.Input2 != "" {
			ch2[i] = drive
		}
	}
	s.times = times
	s.curves++
	return ch1, ch2, nil
}
