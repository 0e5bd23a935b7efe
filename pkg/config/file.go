package config

import (
	"encoding/json"
	"io"
	"maps"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/lockbox/pkg/lockbox"
	"github.com/charlie0129/lockbox/pkg/property"
	"github.com/charlie0129/lockbox/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Wavelength:     ptr.To(1.064e-6),
		SweepOutput:    ptr.To("piezo"),
		SweepFrequency: ptr.To(50.),
		SweepAmplitude: ptr.To(1.),
		SweepOffset:    ptr.To(0.),
		LockInput:      ptr.To("pfd_signal"),
		LockOutput:     ptr.To("piezo"),
		// One scope and three demodulators, like a Red Pitaya.
		Demodulators:          ptr.To(3),
		Scopes:                ptr.To(1),
		RecalibrationSchedule: ptr.To(""),
		SnapshotDir:           ptr.To("/var/lib/lockbox/curves"),
		CalibrationStatePath:  ptr.To("/var/lib/lockbox/calibration.json"),
		MonitorInterval:       ptr.To("5s"),
		AutoRelock:            ptr.To(true),
		RelockThreshold:       ptr.To(0.5),
		RelockRate:            ptr.To(6.),
		AllowNonRootAccess:    ptr.To(false),
	}

	wavelengthProperty = property.Float{Name: "wavelength", Min: 0, Max: 1}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// NewRawFileConfigFromConfig returns c with every default filled in.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	raw := &RawFileConfig{
		Wavelength:            ptr.To(c.Wavelength()),
		SweepOutput:           ptr.To(c.SweepOutput()),
		SweepFrequency:        ptr.To(c.SweepFrequency()),
		SweepAmplitude:        ptr.To(c.SweepAmplitude()),
		SweepOffset:           ptr.To(c.SweepOffset()),
		LockInput:             ptr.To(c.LockInput()),
		LockOutput:            ptr.To(c.LockOutput()),
		Demodulators:          ptr.To(c.Demodulators()),
		Scopes:                ptr.To(c.Scopes()),
		Inputs:                c.Inputs(),
		Outputs:               map[string]lockbox.OutputConfig{},
		RecalibrationSchedule: ptr.To(c.RecalibrationSchedule()),
		SnapshotDir:           ptr.To(c.SnapshotDir()),
		CalibrationStatePath:  ptr.To(c.CalibrationStatePath()),
		MonitorInterval:       ptr.To(c.MonitorInterval().String()),
		AutoRelock:            ptr.To(c.AutoRelock()),
		RelockThreshold:       ptr.To(c.RelockThreshold()),
		RelockRate:            ptr.To(c.RelockRate()),
		AllowNonRootAccess:    ptr.To(c.AllowNonRootAccess()),
	}
	for _, out := range Lockbox(c).Outputs {
		raw.Outputs[out.Name] = out.Config
	}

	return raw, nil
}

type RawFileConfig struct {
	Wavelength     *float64 `json:"wavelength,omitempty"`
	SweepOutput    *string  `json:"sweepOutput,omitempty"`
	SweepFrequency *float64 `json:"sweepFrequency,omitempty"`
	SweepAmplitude *float64 `json:"sweepAmplitude,omitempty"`
	SweepOffset    *float64 `json:"sweepOffset,omitempty"`
	LockInput      *string  `json:"lockInput,omitempty"`
	LockOutput     *string  `json:"lockOutput,omitempty"`

	Demodulators *int `json:"demodulators,omitempty"`
	Scopes       *int `json:"scopes,omitempty"`

	Inputs  map[string]lockbox.InputConfig  `json:"inputs,omitempty"`
	Outputs map[string]lockbox.OutputConfig `json:"outputs,omitempty"`

	RecalibrationSchedule *string `json:"recalibrationSchedule,omitempty"`
	SnapshotDir           *string `json:"snapshotDir,omitempty"`
	CalibrationStatePath  *string `json:"calibrationStatePath,omitempty"`

	// MonitorInterval is a Go duration string, e.g. "5s".
	MonitorInterval    *string  `json:"monitorInterval,omitempty"`
	AutoRelock         *bool    `json:"autoRelock,omitempty"`
	RelockThreshold    *float64 `json:"relockThreshold,omitempty"`
	RelockRate         *float64 `json:"relockRate,omitempty"`
	AllowNonRootAccess *bool    `json:"allowNonRootAccess,omitempty"`
}

// pick returns *v, or *def when v is unset.
func pick[T any](v, def *T) T {
	if v != nil {
		return *v
	}
	return *def
}

// read runs fn under the read lock.
func read[T any](f *File, fn func(c *RawFileConfig) T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return fn(f.c)
}

func (f *File) Wavelength() float64 {
	return read(f, func(c *RawFileConfig) float64 { return pick(c.Wavelength, defaultFileConfig.Wavelength) })
}

func (f *File) SweepOutput() string {
	return read(f, func(c *RawFileConfig) string { return pick(c.SweepOutput, defaultFileConfig.SweepOutput) })
}

func (f *File) SweepFrequency() float64 {
	return read(f, func(c *RawFileConfig) float64 { return pick(c.SweepFrequency, defaultFileConfig.SweepFrequency) })
}

func (f *File) SweepAmplitude() float64 {
	return read(f, func(c *RawFileConfig) float64 { return pick(c.SweepAmplitude, defaultFileConfig.SweepAmplitude) })
}

func (f *File) SweepOffset() float64 {
	return read(f, func(c *RawFileConfig) float64 { return pick(c.SweepOffset, defaultFileConfig.SweepOffset) })
}

func (f *File) LockInput() string {
	return read(f, func(c *RawFileConfig) string { return pick(c.LockInput, defaultFileConfig.LockInput) })
}

func (f *File) LockOutput() string {
	return read(f, func(c *RawFileConfig) string { return pick(c.LockOutput, defaultFileConfig.LockOutput) })
}

func (f *File) Demodulators() int {
	return read(f, func(c *RawFileConfig) int { return pick(c.Demodulators, defaultFileConfig.Demodulators) })
}

func (f *File) Scopes() int {
	return read(f, func(c *RawFileConfig) int { return pick(c.Scopes, defaultFileConfig.Scopes) })
}

func (f *File) Inputs() map[string]lockbox.InputConfig {
	return read(f, func(c *RawFileConfig) map[string]lockbox.InputConfig { return maps.Clone(c.Inputs) })
}

func (f *File) Output(name string) (lockbox.OutputConfig, bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	oc, ok := f.c.Outputs[name]
	return oc, ok
}

func (f *File) RecalibrationSchedule() string {
	return read(f, func(c *RawFileConfig) string {
		return pick(c.RecalibrationSchedule, defaultFileConfig.RecalibrationSchedule)
	})
}

func (f *File) SnapshotDir() string {
	return read(f, func(c *RawFileConfig) string { return pick(c.SnapshotDir, defaultFileConfig.SnapshotDir) })
}

func (f *File) CalibrationStatePath() string {
	return read(f, func(c *RawFileConfig) string {
		return pick(c.CalibrationStatePath, defaultFileConfig.CalibrationStatePath)
	})
}

func (f *File) MonitorInterval() time.Duration {
	s := read(f, func(c *RawFileConfig) string { return pick(c.MonitorInterval, defaultFileConfig.MonitorInterval) })

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		logrus.WithField("monitorInterval", s).Warn("invalid monitor interval, using default")
		d, _ = time.ParseDuration(*defaultFileConfig.MonitorInterval)
	}
	return d
}

func (f *File) AutoRelock() bool {
	return read(f, func(c *RawFileConfig) bool { return pick(c.AutoRelock, defaultFileConfig.AutoRelock) })
}

func (f *File) RelockThreshold() float64 {
	return read(f, func(c *RawFileConfig) float64 { return pick(c.RelockThreshold, defaultFileConfig.RelockThreshold) })
}

func (f *File) RelockRate() float64 {
	return read(f, func(c *RawFileConfig) float64 { return pick(c.RelockRate, defaultFileConfig.RelockRate) })
}

func (f *File) AllowNonRootAccess() bool {
	return read(f, func(c *RawFileConfig) bool { return pick(c.AllowNonRootAccess, defaultFileConfig.AllowNonRootAccess) })
}

func (f *File) SetWavelength(v float64) error {
	if err := wavelengthProperty.Validate(v); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Wavelength = &v
	return nil
}

func (f *File) SetInput(name string, c lockbox.InputConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c.Inputs == nil {
		f.c.Inputs = map[string]lockbox.InputConfig{}
	}
	f.c.Inputs[name] = c
	return nil
}

func (f *File) SetRecalibrationSchedule(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.RecalibrationSchedule = &s
}

func (f *File) SetAutoRelock(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AutoRelock = &b
}

func (f *File) SetAllowNonRootAccess(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

// Validate checks the values that cannot be checked by their setters because
// they were read from the file.
func (f *File) Validate() error {
	if err := wavelengthProperty.Validate(f.Wavelength()); err != nil {
		return err
	}
	for name, c := range f.Inputs() {
		if err := c.Validate(); err != nil {
			return pkgerrors.Wrapf(err, "input %s", name)
		}
	}
	if s := f.RecalibrationSchedule(); s != "" {
		if _, err := ParseSchedule(s); err != nil {
			return pkgerrors.Wrapf(err, "invalid recalibration schedule %q", s)
		}
	}
	if f.Demodulators() < 0 || f.Scopes() < 0 {
		return pkgerrors.New("unit counts must not be negative")
	}
	return Lockbox(f).Validate()
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file means defaults. f.c is never nil after Load.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// json.Decoder cannot tell an empty file from a broken one.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"wavelength":            f.Wavelength(),
		"sweepOutput":           f.SweepOutput(),
		"sweepFrequency":        f.SweepFrequency(),
		"lockInput":             f.LockInput(),
		"lockOutput":            f.LockOutput(),
		"demodulators":          f.Demodulators(),
		"scopes":                f.Scopes(),
		"inputs":                len(f.Inputs()),
		"recalibrationSchedule": f.RecalibrationSchedule(),
		"monitorInterval":       f.MonitorInterval(),
		"autoRelock":            f.AutoRelock(),
	}
}
