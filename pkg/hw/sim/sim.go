// Package sim implements a simulated board session. It stands in for the
// register driver when no board is attached and backs the tests.
package sim

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/hw"
)

// Plant maps the actuator drive onto the error signal seen by the scope.
type Plant func(drive float64) float64

// DefaultPlant behaves like a phase detector: one fringe per unit of drive.
func DefaultPlant(drive float64) float64 {
	return math.Sin(2 * math.Pi * drive)
}

// Options describes the simulated board inventory.
type Options struct {
	Demodulators int
	Scopes       int
	PIDs         int
	// Samples per curve.
	Samples int
	// Latency is how long a scope takes to deliver a curve after the trigger.
	Latency time.Duration
	// AnalogOffset is added to scope channel 1.
	AnalogOffset float64
	Plant        Plant
}

// DefaultOptions mirrors the unit count of a Red Pitaya style board.
func DefaultOptions() Options {
	return Options{
		Demodulators: 3,
		Scopes:       1,
		PIDs:         3,
		Samples:      1024,
		Plant:        DefaultPlant,
	}
}

var _ hw.Board = &Board{}

// Board is a simulated board session.
type Board struct {
	iqs    []*IQ
	scopes []*Scope
	asg    *ASG
	pids   []*PID
}

// New creates a board with the given inventory.
func New(opts Options) *Board {
	if opts.Samples <= 0 {
		opts.Samples = 1024
	}
	if opts.Plant == nil {
		opts.Plant = DefaultPlant
	}

	b := &Board{asg: &ASG{name: "asg0"}}
	for i := 0; i < opts.Demodulators; i++ {
		b.iqs = append(b.iqs, &IQ{name: fmt.Sprintf("iq%d", i)})
	}
	for i := 0; i < opts.PIDs; i++ {
		b.pids = append(b.pids, &PID{name: fmt.Sprintf("pid%d", i), output: fmt.Sprintf("out%d", i+1)})
	}
	for i := 0; i < opts.Scopes; i++ {
		b.scopes = append(b.scopes, &Scope{
			name:         fmt.Sprintf("scope%d", i),
			asg:          b.asg,
			hold:         b.hold,
			plant:        opts.Plant,
			samples:      opts.Samples,
			latency:      opts.Latency,
			analogOffset: opts.AnalogOffset,
			states:       map[string]hw.ScopeParams{},
		})
	}

	logrus.WithFields(logrus.Fields{
		"demodulators": opts.Demodulators,
		"scopes":       opts.Scopes,
		"pids":         opts.PIDs,
	}).Info("simulated board session opened")

	return b
}

// hold is the actuator drive outside of sweeps. The simulated plant is wired
// to pid0.
func (b *Board) hold() float64 {
	if len(b.pids) == 0 {
		return 0
	}
	return b.pids[0].Offset()
}

func (b *Board) Demodulators() []hw.Demodulator {
	ret := make([]hw.Demodulator, len(b.iqs))
	for i, iq := range b.iqs {
		ret[i] = iq
	}
	return ret
}

func (b *Board) Scopes() []hw.Scope {
	ret := make([]hw.Scope, len(b.scopes))
	for i, s := range b.scopes {
		ret[i] = s
	}
	return ret
}

func (b *Board) SweepGenerator() hw.SweepGenerator {
	return b.asg
}

func (b *Board) PIDs() []hw.PID {
	ret := make([]hw.PID, len(b.pids))
	for i, p := range b.pids {
		ret[i] = p
	}
	return ret
}

// IQ returns the i-th simulated demodulator.
func (b *Board) IQ(i int) *IQ { return b.iqs[i] }

// Scope returns the i-th simulated scope.
func (b *Board) Scope(i int) *Scope { return b.scopes[i] }

// PID returns the i-th simulated PID.
func (b *Board) PID(i int) *PID { return b.pids[i] }

// ASG returns the simulated sweep generator.
func (b *Board) ASG() *ASG { return b.asg }

func (b *Board) Close() error {
	for _, iq := range b.iqs {
		_ = iq.Reset()
	}
	logrus.Info("simulated board session closed")
	return nil
}

// IQ is a simulated demodulator. It only records its configuration.
type IQ struct {
	name string

	mu     sync.Mutex
	params hw.IQParams
	setups int
	// FailSetup, when set, is returned by the next Setup call.
	FailSetup error
}

func (q *IQ) Name() string { return q.name }

func (q *IQ) Setup(p hw.IQParams) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.FailSetup != nil {
		err := q.FailSetup
		q.FailSetup = nil
		return err
	}
	q.params = p
	q.setups++
	return nil
}

func (q *IQ) Reset() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.params = hw.IQParams{}
	return nil
}

// Params returns the last applied configuration.
func (q *IQ) Params() hw.IQParams {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.params
}

// Setups returns how many times Setup succeeded.
func (q *IQ) Setups() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.setups
}

// ASG is a simulated arbitrary signal generator.
type ASG struct {
	name string

	mu          sync.Mutex
	params      hw.SweepParams
	lastTrigger time.Time
	triggers    int
}

func (a *ASG) Name() string { return a.name }

func (a *ASG) Setup(p hw.SweepParams) error {
	if p.Frequency <= 0 {
		return errors.New("sweep frequency must be positive")
	}
	switch p.Waveform {
	case "ramp", "sin", "dc":
	default:
		return fmt.Errorf("unknown waveform %q", p.Waveform)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = p
	return nil
}

func (a *ASG) Frequency() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params.Frequency
}

func (a *ASG) Trigger() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.params.Frequency <= 0 {
		return errors.New("sweep generator not configured")
	}
	a.lastTrigger = time.Now()
	a.triggers++
	return nil
}

// Triggers returns how many times the generator was triggered.
func (a *ASG) Triggers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.triggers
}

func (a *ASG) triggered() (time.Time, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTrigger, a.triggers
}

// value returns the generator output t seconds after the trigger.
func (a *ASG) value(t float64) float64 {
	a.mu.Lock()
	p := a.params
	a.mu.Unlock()

	phase := math.Mod(t*p.Frequency, 1)
	switch p.Waveform {
	case "ramp":
		return p.Offset + p.Amplitude*(1-4*math.Abs(phase-0.5))
	case "sin":
		return p.Offset + p.Amplitude*math.Sin(2*math.Pi*phase)
	default:
		return p.Offset
	}
}

// PID is a simulated output stage.
type PID struct {
	name   string
	output string

	mu     sync.Mutex
	input  string
	offset float64
}

func (p *PID) Name() string         { return p.name }
func (p *PID) OutputDirect() string { return p.output }

func (p *PID) SetInput(signal string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = signal
	return nil
}

// Input returns the signal routed into the PID.
func (p *PID) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

func (p *PID) SetOffset(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s: invalid offset %v", p.name, v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = v
	return nil
}

func (p *PID) Offset() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}
