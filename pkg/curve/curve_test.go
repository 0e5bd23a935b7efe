package curve

import (
	"bytes"
	"testing"
	"time"
)

func TestFileStoreSaveLoad(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	times := []float64{0, 0.001, 0.002}
	data := []float64{-1, 0.5, 2}
	h, err := s.Save(times, data, "pfd_signal_calibration", map[string]any{"mean": 0.5, "version": 2})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if h.ID != "pfd_signal_calibration_20240301T120000.000000000" {
		t.Errorf("unexpected id %q", h.ID)
	}

	ids, err := s.List()
	if err != nil || len(ids) != 1 || ids[0] != h.ID {
		t.Fatalf("List() = %v, %v", ids, err)
	}

	h2, t2, d2, err := s.Load(h.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if h2.Name != "pfd_signal_calibration" || h2.Params["mean"] != 0.5 {
		t.Errorf("unexpected handle %+v", h2)
	}
	if len(t2) != 3 || len(d2) != 3 || t2[1] != 0.001 || d2[2] != 2 {
		t.Errorf("unexpected data %v %v", t2, d2)
	}
}

func TestFileStoreRejects(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save([]float64{0}, []float64{1, 2}, "x", nil); err == nil {
		t.Error("expected length mismatch error")
	}
	if _, err := s.Save(nil, nil, "../escape", nil); err == nil {
		t.Error("expected invalid name error")
	}
}

func TestDecodeCSVErrors(t *testing.T) {
	if _, _, err := DecodeCSV(bytes.NewBufferString("")); err == nil {
		t.Error("expected missing header error")
	}
	if _, _, err := DecodeCSV(bytes.NewBufferString("time,value\n0,abc\n")); err == nil {
		t.Error("expected parse error")
	}
}
