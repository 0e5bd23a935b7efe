package calibration

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Store keeps the calibration record of every input. If path is set, each
// update is written to it.
type Store struct {
	mu      sync.RWMutex
	records map[string]Data
	path    string
}

// NewStore returns a store persisting to path. An empty path disables
// persistence.
func NewStore(path string) *Store {
	return &Store{
		records: map[string]Data{},
		path:    path,
	}
}

// Load reads the records from the state file. A missing file is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to read calibration state %s", s.path)
	}

	records := map[string]Data{}
	if err := json.Unmarshal(b, &records); err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal calibration state %s", s.path)
	}
	// a file holding null decodes into a nil map
	if records == nil {
		records = map[string]Data{}
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	logrus.WithField("inputs", len(records)).Debug("calibration state loaded")
	return nil
}

// Get returns the record of input. The zero Data is returned for unknown inputs.
func (s *Store) Get(input string) Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[input]
}

// Put replaces the record of input and persists the store.
func (s *Store) Put(input string, d Data) {
	s.mu.Lock()
	s.records[input] = d
	s.mu.Unlock()

	s.persist()
}

// Update applies fn to the record of input under the store lock and returns
// the new record.
func (s *Store) Update(input string, fn func(Data) Data) Data {
	s.mu.Lock()
	d := fn(s.records[input])
	s.records[input] = d
	s.mu.Unlock()

	s.persist()
	return d
}

// Inputs returns the names of all inputs with a record, sorted.
func (s *Store) Inputs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) persist() {
	if s.path == "" {
		return
	}

	s.mu.RLock()
	b, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		logrus.WithError(err).Error("marshal calibration state")
		return
	}
	if err := os.WriteFile(s.path, b, 0644); err != nil {
		logrus.WithError(err).Error("write calibration state")
	}
}
