package inspect

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/stat"

	"telecube/internal/codec"
	"telecube/internal/cube"
	"telecube/internal/dataset"
	"telecube/internal/header"
)

func writeDataset(t *testing.T, kind dataset.Kind, nt int) (string, []float64) {
	t.Helper()
	h := header.Header{
		NumChannels:         16,
		NumPolarizations:    2,
		BitsPerSample:       32,
		SampleType:          codec.Float,
		FrequencyOfChannel0: 1400,
		ChannelBandwidth:    0.5,
		TimeStart:           60310.0,
		TimeStep:            0.25,
		SourceName:          "W3OH",
		Coordinates:         header.Coordinates{RA: 37.5, Dec: -12.25},
	}
	path := filepath.Join(t.TempDir(), "obs"+kind.Extension())
	w, err := dataset.Create(kind, path, h, dataset.Options{})
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	b := cube.NewBlock(nt, 2, 16)
	for ti := 0; ti < nt; ti++ {
		for p := 0; p < 2; p++ {
			for f := 0; f < 16; f++ {
				v := float64(f) + float64(ti%4)*0.25
				if f == 11 {
					v += 40
				}
				b.Data[b.Index(ti, p, f)] = v
			}
		}
	}
	if err := w.WriteBlock(b); err != nil {
		t.Fatalf("Failed to write block: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close %s: %v", path, err)
	}
	return path, b.Data
}

func TestComputeMatchesWholeArray(t *testing.T) {
	path, data := writeDataset(t, dataset.Sigproc, 40)

	// three time steps per block forces many partial merges
	opts := dataset.Options{Options: cube.Options{BlockBytes: 8 * 3 * 2 * 16}}
	r, err := dataset.Open(path, opts)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer r.Close()

	s, err := Compute(context.Background(), r)
	if err != nil {
		t.Fatalf("Failed to compute statistics: %v", err)
	}
	if s.Samples != int64(len(data)) || s.Blocks != 14 {
		t.Errorf("Expected %d samples in 14 blocks, got %d in %d", len(data), s.Samples, s.Blocks)
	}
	if math.Abs(s.Mean-stat.Mean(data, nil)) > 1e-9 {
		t.Errorf("Mean: expected %v, got %v", stat.Mean(data, nil), s.Mean)
	}
	if math.Abs(s.StdDev-stat.StdDev(data, nil)) > 1e-9 {
		t.Errorf("StdDev: expected %v, got %v", stat.StdDev(data, nil), s.StdDev)
	}
	if s.Min != 0 || s.Max != 51.75 {
		t.Errorf("Expected range [0, 51.75], got [%v, %v]", s.Min, s.Max)
	}
	if s.PeakChannel != 11 || s.PeakFrequency != 1405.5 {
		t.Errorf("Expected peak at channel 11 (1405.5 MHz), got %d (%v)", s.PeakChannel, s.PeakFrequency)
	}
	if math.Abs(s.Bandpass[3]-3.375) > 1e-12 {
		t.Errorf("Expected channel 3 mean 3.375, got %v", s.Bandpass[3])
	}
	if s.NoiseFloor < s.Bandpass[0] || s.NoiseFloor > s.Bandpass[2] {
		t.Errorf("Noise floor %v outside the lowest channels", s.NoiseFloor)
	}
}

func TestComputeCancelled(t *testing.T) {
	path, _ := writeDataset(t, dataset.Container, 8)
	r, err := dataset.Open(path, dataset.Options{})
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Compute(ctx, r); err == nil {
		t.Error("Expected cancellation error")
	}
}

func TestDescribe(t *testing.T) {
	path, _ := writeDataset(t, dataset.Container, 4)
	r, err := dataset.Open(path, dataset.Options{})
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer r.Close()

	s, err := Describe(r, dataset.Container)
	if err != nil {
		t.Fatalf("Failed to describe: %v", err)
	}
	if s.Kind != "container" || s.FileSize == 0 {
		t.Errorf("Unexpected summary %+v", s)
	}

	want := map[string]string{
		"Source":           "W3OH",
		"RA":               "02:30:00.0000",
		"Dec":              "-12:15:00.0000",
		"Center frequency": "1403.750000 MHz",
		"Start (UTC)":      "2024-01-01 00:00:00.000",
	}
	for _, row := range s.Rows {
		if v, ok := want[row.Name]; ok {
			if row.Value != v {
				t.Errorf("%s: expected %q, got %q", row.Name, v, row.Value)
			}
			delete(want, row.Name)
		}
	}
	if len(want) != 0 {
		t.Errorf("Missing rows: %v", want)
	}
	for _, row := range s.Extras {
		if strings.TrimSpace(row.Name) == "" {
			t.Error("Extra with empty name")
		}
	}
}

func TestMJDTime(t *testing.T) {
	got := MJDTime(51544.5)
	want := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
