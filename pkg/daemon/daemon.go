package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/charlie0129/lockbox/pkg/calibration"
	"github.com/charlie0129/lockbox/pkg/config"
	"github.com/charlie0129/lockbox/pkg/curve"
	"github.com/charlie0129/lockbox/pkg/events"
	"github.com/charlie0129/lockbox/pkg/hw/sim"
	"github.com/charlie0129/lockbox/pkg/lockbox"
)

// Daemon serves one lockbox over HTTP and keeps it locked.
type Daemon struct {
	conf      config.Config
	box       *lockbox.Lockbox
	hub       *events.Hub
	scheduler *Scheduler
	recorder  *TimeSeriesRecorder
	limiter   *rate.Limiter

	// loopMu serializes monitor loops with lock and unlock requests.
	loopMu sync.Mutex

	mu          sync.Mutex
	wantLock    bool
	lastMonitor *lockbox.MonitorResult
}

// New wires a daemon around box. Nothing is started.
func New(conf config.Config, box *lockbox.Lockbox, hub *events.Hub) *Daemon {
	if hub == nil {
		hub = events.NewHub()
	}
	d := &Daemon{
		conf:     conf,
		box:      box,
		hub:      hub,
		recorder: NewTimeSeriesRecorder(60, conf.MonitorInterval()),
		limiter:  rate.NewLimiter(relockLimit(conf.RelockRate()), 1),
	}
	d.scheduler = NewScheduler(d.recalibrate, d.recalibrationPreCheck, d.onUpcomingRecalibration, d.onRecalibrationError)
	return d
}

func (d *Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", d.getConfig)
	router.GET("/version", getVersion)
	router.GET("/status", d.getStatus)
	router.GET("/events", d.streamEvents)

	inputs := router.Group("/inputs/:name")
	inputs.PUT("/setup", d.setupInput)
	inputs.POST("/clear", d.clearInput)
	inputs.POST("/calibrate", d.calibrateInput)
	inputs.POST("/sweep", d.sweepInput)
	inputs.GET("/expected", d.getExpectedSignal)
	inputs.PUT("/analog-offset", d.setAnalogOffset)

	router.POST("/offset/first-edge", d.setOffsetToFirstEdge)
	router.POST("/lock", d.lock)
	router.POST("/unlock", d.unlock)
	router.PUT("/auto-relock", d.setAutoRelock)
	router.PUT("/schedule", d.setSchedule)
	router.POST("/schedule/skip", d.skipSchedule)

	return router
}

// setupInputs applies the stored input configurations. Failures are logged
// and leave the input unconfigured.
func (d *Daemon) setupInputs() {
	for name, cfg := range d.conf.Inputs() {
		in, ok := d.box.Input(name)
		if !ok {
			logrus.WithField("input", name).Warn("configured input is not part of the topology")
			continue
		}
		if err := in.Setup(cfg); err != nil {
			logrus.WithError(err).WithField("input", name).Error("failed to set up input")
		}
	}
}

// reload re-reads the config file and applies what can change at runtime.
func (d *Daemon) reload() error {
	if err := d.conf.Load(); err != nil {
		return err
	}
	if err := d.conf.Validate(); err != nil {
		return err
	}
	if err := d.box.SetWavelength(d.conf.Wavelength()); err != nil {
		return err
	}
	d.limiter.SetLimit(relockLimit(d.conf.RelockRate()))
	d.recorder.SetInterval(d.conf.MonitorInterval())

	if expr := d.conf.RecalibrationSchedule(); expr != "" {
		if err := d.scheduler.Schedule(expr); err != nil {
			return err
		}
		d.scheduler.Start()
	} else {
		d.scheduler.Disable()
	}
	return nil
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	if err := conf.Validate(); err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	calibrations := calibration.NewStore(conf.CalibrationStatePath())
	if err := calibrations.Load(); err != nil {
		logrus.WithError(err).Warn("failed to load calibration state, starting uncalibrated")
	}

	var curves curve.Store
	if fs, err := curve.NewFileStore(conf.SnapshotDir()); err != nil {
		logrus.WithError(err).Warn("curve snapshots disabled")
	} else {
		curves = fs
	}

	// No register driver is built in, so the board session is simulated.
	opts := sim.DefaultOptions()
	opts.Demodulators = conf.Demodulators()
	opts.Scopes = conf.Scopes()
	board := sim.New(opts)

	hub := events.NewHub()
	box, err := lockbox.New(board, config.Lockbox(conf), lockbox.Options{
		Calibrations: calibrations,
		Curves:       curves,
		Hub:          hub,
	})
	if err != nil {
		logrus.Fatalf("failed to create lockbox: %v", err)
	}

	d := New(conf, box, hub)
	d.setupInputs()

	if expr := conf.RecalibrationSchedule(); expr != "" {
		if err := d.scheduler.Schedule(expr); err != nil {
			logrus.WithError(err).Error("failed to schedule recalibration")
		} else {
			d.scheduler.Start()
		}
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			if err := d.reload(); err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: d.setupRoutes(),
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		logrus.Debugln("monitor loop starts")
		d.monitorLoop(loopCtx)
		logrus.Debugln("monitor loop stopped")
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("stopping monitor loop and scheduler")
	stopLoop()
	<-loopDone
	d.scheduler.Stop()

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("releasing lockbox units")
	if err := box.Close(); err != nil {
		logrus.Errorf("failed to close lockbox: %v", err)
	}

	logrus.Info("closing board session")
	if err := board.Close(); err != nil {
		logrus.Errorf("failed to close board session: %v", err)
	}

	logrus.Info("exiting")
	return nil
}
