package daemon

import (
	"path/filepath"
	"testing"

	"github.com/charlie0129/lockbox/pkg/config"
	"github.com/charlie0129/lockbox/pkg/events"
	"github.com/charlie0129/lockbox/pkg/hw/sim"
	"github.com/charlie0129/lockbox/pkg/lockbox"
	"github.com/charlie0129/lockbox/pkg/utils/ptr"
)

// newTestDaemon builds a daemon on a simulated board whose plant crosses zero
// at a drive of 0.25. The config file lives in a temp dir.
func newTestDaemon(t *testing.T, raw *config.RawFileConfig, opts sim.Options) (*Daemon, *sim.Board) {
	t.Helper()
	if raw == nil {
		raw = &config.RawFileConfig{}
	}
	if raw.SweepFrequency == nil {
		raw.SweepFrequency = ptr.To(100.)
	}
	if opts.Demodulators == 0 {
		opts.Demodulators = 2
	}
	if opts.Scopes == 0 {
		opts.Scopes = 1
	}
	opts.PIDs = 1
	opts.Samples = 256
	opts.Plant = func(drive float64) float64 { return drive - 0.25 }

	conf := config.NewFileFromConfig(raw, filepath.Join(t.TempDir(), "config.json"))
	board := sim.New(opts)
	hub := events.NewHub()
	box, err := lockbox.New(board, config.Lockbox(conf), lockbox.Options{Hub: hub})
	if err != nil {
		t.Fatalf("lockbox.New: %v", err)
	}
	d := New(conf, box, hub)
	t.Cleanup(func() {
		d.scheduler.Stop()
		_ = box.Close()
	})
	return d, board
}
