package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/config"
	"github.com/charlie0129/lockbox/pkg/lockbox"
	"github.com/charlie0129/lockbox/pkg/property"
	"github.com/charlie0129/lockbox/pkg/resource"
	"github.com/charlie0129/lockbox/pkg/types"
	"github.com/charlie0129/lockbox/pkg/version"
)

// statusOf maps lockbox errors to HTTP status codes.
func statusOf(err error) int {
	var re *property.RangeError
	var ire *resource.InsufficientResourceError
	switch {
	case errors.As(err, &re):
		return http.StatusBadRequest
	case errors.As(err, &ire), errors.Is(err, lockbox.ErrNotConfigured):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func (d *Daemon) input(c *gin.Context) (*lockbox.Input, bool) {
	name := c.Param("name")
	in, ok := d.box.Input(name)
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("unknown input %q", name))
		return nil, false
	}
	return in, true
}

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (d *Daemon) getStatus(c *gin.Context) {
	next, _ := d.scheduler.Status()

	d.mu.Lock()
	wantLock := d.wantLock
	lastMonitor := d.lastMonitor
	d.mu.Unlock()

	c.IndentedJSON(http.StatusOK, types.Status{
		Status:            d.box.Status(),
		WantLock:          wantLock,
		AutoRelock:        d.conf.AutoRelock(),
		MonitorLoops:      d.recorder.GetLastRecords(continuousLoops * d.recorder.Interval()),
		LastMonitor:       lastMonitor,
		Schedule:          d.scheduler.Expr(),
		NextRecalibration: next,
	})
}

// setupInput configures an input. The body may hold any subset of the input
// configuration; missing fields keep their current or stored values.
func (d *Daemon) setupInput(c *gin.Context) {
	in, ok := d.input(c)
	if !ok {
		return
	}

	cfg := lockbox.DefaultInputConfig(in.Kind())
	if stored, ok := d.conf.Inputs()[in.Name()]; ok {
		cfg = stored
	}
	if in.State() == lockbox.StateConfigured {
		cfg = in.Config()
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&cfg); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	if err := in.Setup(cfg); err != nil {
		abort(c, statusOf(err), err)
		return
	}

	if err := d.conf.SetInput(in.Name(), cfg); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	logrus.WithField("input", in.Name()).Infof("input set up on %s", in.Unit())

	c.IndentedJSON(http.StatusCreated, in.Config())
}

func (d *Daemon) clearInput(c *gin.Context) {
	in, ok := d.input(c)
	if !ok {
		return
	}
	if err := in.Clear(); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (d *Daemon) calibrateInput(c *gin.Context) {
	in, ok := d.input(c)
	if !ok {
		return
	}
	autosave, _ := strconv.ParseBool(c.DefaultQuery("autosave", "false"))

	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	res, err := in.Calibrate(c.Request.Context(), autosave)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, res)
}

func (d *Daemon) sweepInput(c *gin.Context) {
	in, ok := d.input(c)
	if !ok {
		return
	}
	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	capture, err := in.SweepAcquire(c.Request.Context())
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	if capture == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.IndentedJSON(http.StatusOK, capture)
}

func (d *Daemon) getExpectedSignal(c *gin.Context) {
	in, ok := d.input(c)
	if !ok {
		return
	}
	v, err := strconv.ParseFloat(c.DefaultQuery("variable", "0"), 64)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusOK, types.ExpectedResponse{
		Input:    in.Name(),
		Variable: v,
		Signal:   in.ExpectedSignal(v),
	})
}

func (d *Daemon) setAnalogOffset(c *gin.Context) {
	in, ok := d.input(c)
	if !ok {
		return
	}
	var v float64
	if err := c.ShouldBindJSON(&v); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := in.SetAnalogOffset(v); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	logrus.WithField("input", in.Name()).Infof("set analog offset to %g", v)
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) setOffsetToFirstEdge(c *gin.Context) {
	var req types.OffsetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	cfg := d.box.Config()
	if req.Input == "" {
		req.Input = cfg.LockInput
	}
	if req.Output == "" {
		req.Output = cfg.LockOutput
	}
	if _, ok := d.box.Input(req.Input); !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("unknown input %q", req.Input))
		return
	}
	if _, ok := d.box.Output(req.Output); !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("unknown output %q", req.Output))
		return
	}

	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	res, err := d.box.SetOffsetToFirstEdge(c.Request.Context(), req.Input, req.Output)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, res)
}

// lock closes the loop and keeps it closed from the monitor loop until unlock.
func (d *Daemon) lock(c *gin.Context) {
	d.mu.Lock()
	d.wantLock = true
	d.mu.Unlock()

	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	res, err := d.box.Lock(c.Request.Context())
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	logLockResult(res, "lock")
	c.IndentedJSON(http.StatusOK, res)
}

func (d *Daemon) unlock(c *gin.Context) {
	d.mu.Lock()
	d.wantLock = false
	d.lastMonitor = nil
	d.mu.Unlock()

	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	if err := d.box.Unlock(); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	logrus.Info("unlocked")
	c.IndentedJSON(http.StatusOK, "ok")
}

func (d *Daemon) setAutoRelock(c *gin.Context) {
	var b bool
	if err := c.ShouldBindJSON(&b); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	d.conf.SetAutoRelock(b)
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	logrus.Infof("set auto relock to %t", b)

	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) setSchedule(c *gin.Context) {
	var req types.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	nextRuns, err := d.schedule(req.Cron)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, types.ScheduleResponse{NextRuns: nextRuns})
}

func (d *Daemon) skipSchedule(c *gin.Context) {
	if err := d.skipNextSchedule(); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusOK, types.ScheduleResponse{NextRuns: d.scheduler.NextRuns(3)})
}

// streamEvents forwards hub events as server-sent events until the client
// disconnects.
func (d *Daemon) streamEvents(c *gin.Context) {
	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
