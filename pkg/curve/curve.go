// Package curve persists captured curves as named snapshots. Each snapshot is
// a CSV file of time and value columns with a YAML file holding its parameters.
package curve

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Handle identifies a stored snapshot.
type Handle struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	CreatedAt time.Time      `json:"createdAt" yaml:"createdAt"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Store saves curves.
type Store interface {
	Save(times, data []float64, name string, params map[string]any) (*Handle, error)
}

var _ Store = &FileStore{}

// FileStore keeps snapshots in a directory.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore returns a store writing into dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create curve directory %s", dir)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Save writes data against times. The snapshot ID is the name followed by a
// timestamp.
func (s *FileStore) Save(times, data []float64, name string, params map[string]any) (*Handle, error) {
	if len(times) != len(data) {
		return nil, pkgerrors.Errorf("time axis has %d samples but data has %d", len(times), len(data))
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, pkgerrors.Errorf("invalid curve name %q", name)
	}

	now := s.now()
	h := &Handle{
		ID:        fmt.Sprintf("%s_%s", name, now.UTC().Format("20060102T150405.000000000")),
		Name:      name,
		CreatedAt: now,
		Params:    params,
	}

	fp, err := os.Create(filepath.Join(s.dir, h.ID+".csv"))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create curve %s", h.ID)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close curve %s", h.ID)
		}
	}(fp)

	if err := EncodeCSV(fp, times, data); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to write curve %s", h.ID)
	}

	meta, err := yaml.Marshal(h)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to marshal curve parameters %s", h.ID)
	}
	if err := os.WriteFile(filepath.Join(s.dir, h.ID+".yaml"), meta, 0644); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to write curve parameters %s", h.ID)
	}

	logrus.WithFields(logrus.Fields{
		"id":      h.ID,
		"samples": len(data),
	}).Info("curve saved")

	return h, nil
}

// Load reads a snapshot back.
func (s *FileStore) Load(id string) (*Handle, []float64, []float64, error) {
	meta, err := os.ReadFile(filepath.Join(s.dir, id+".yaml"))
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrapf(err, "failed to read curve parameters %s", id)
	}
	var h Handle
	if err := yaml.Unmarshal(meta, &h); err != nil {
		return nil, nil, nil, pkgerrors.Wrapf(err, "failed to unmarshal curve parameters %s", id)
	}

	fp, err := os.Open(filepath.Join(s.dir, id+".csv"))
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrapf(err, "failed to open curve %s", id)
	}
	defer fp.Close()

	times, data, err := DecodeCSV(fp)
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrapf(err, "failed to decode curve %s", id)
	}
	return &h, times, data, nil
}

// List returns the IDs of all stored snapshots, oldest first.
func (s *FileStore) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".yaml"))
	}
	sort.Strings(ids)
	return ids, nil
}

// EncodeCSV writes a time column and a value column.
func EncodeCSV(w io.Writer, times, data []float64) error {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	if err := cw.Write([]string{"time", "value"}); err != nil {
		return err
	}
	row := make([]string, 2)
	for i := range data {
		row[0] = strconv.FormatFloat(times[i], 'G', -1, 64)
		row[1] = strconv.FormatFloat(data[i], 'G', -1, 64)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// DecodeCSV is the inverse of EncodeCSV.
func DecodeCSV(r io.Reader) ([]float64, []float64, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("missing header")
	}
	times := make([]float64, 0, len(records)-1)
	data := make([]float64, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != 2 {
			return nil, nil, fmt.Errorf("row %d: expected 2 columns, got %d", i+1, len(rec))
		}
		t, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		v, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		times = append(times, t)
		data = append(data, v)
	}
	return times, data, nil
}
