// Package inspect summarizes datasets: the header with its derived
// quantities, and sample statistics gathered block by block.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"telecube/internal/cube"
	"telecube/internal/dataset"
	"telecube/internal/header"
)

// mjdUnix is the MJD of the Unix epoch.
const mjdUnix = 40587.0

// Row is one labelled line of a summary table.
type Row struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Summary describes one dataset.
type Summary struct {
	Path     string        `json:"path"`
	Kind     string        `json:"kind"`
	FileSize int64         `json:"file_size"`
	Header   header.Header `json:"-"`
	Rows     []Row         `json:"fields"`
	Extras   []Row         `json:"extras,omitempty"`
}

// Describe summarizes the dataset behind r.
func Describe(r cube.Reader, kind dataset.Kind) (*Summary, error) {
	info, err := os.Stat(r.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", r.Path(), err)
	}
	h := r.Header()
	s := &Summary{Path: r.Path(), Kind: kind.String(), FileSize: info.Size(), Header: h}

	enc := h.Encoding()
	order := "n/a"
	if h.ByteOrder != nil {
		order = h.ByteOrder.String()
	}
	s.Rows = []Row{
		{"Source", h.SourceName},
		{"RA", header.FormatSexagesimal(h.Coordinates.RA/15, false)},
		{"Dec", header.FormatSexagesimal(h.Coordinates.Dec, true)},
		{"Channels", fmt.Sprintf("%d", h.NumChannels)},
		{"Polarizations", fmt.Sprintf("%d", h.NumPolarizations)},
		{"Time samples", fmt.Sprintf("%d", h.NumTimeSamples)},
		{"Bits per sample", fmt.Sprintf("%d", h.BitsPerSample)},
		{"Sample type", enc.Type.String()},
		{"Byte order", order},
		{"First channel", fmt.Sprintf("%.6f MHz", h.FrequencyOfChannel0)},
		{"Channel width", fmt.Sprintf("%.9f MHz", h.ChannelBandwidth)},
		{"Center frequency", fmt.Sprintf("%.6f MHz", h.CenterFrequency())},
		{"Bandwidth", fmt.Sprintf("%.6f MHz", h.Bandwidth())},
		{"Start (MJD)", fmt.Sprintf("%.9f", h.TimeStart)},
		{"Start (UTC)", MJDTime(h.TimeStart).Format("2006-01-02 15:04:05.000")},
		{"Time step", fmt.Sprintf("%.9g s", h.TimeStep)},
		{"Duration", fmt.Sprintf("%.3f s", h.Duration())},
		{"Data size", fmt.Sprintf("%d bytes", h.DataBytes())},
	}
	for _, f := range h.Extras {
		s.Extras = append(s.Extras, Row{f.Name, f.Value.String()})
	}
	return s, nil
}

// MJDTime converts an MJD to UTC.
func MJDTime(mjd float64) time.Time {
	ns := (mjd - mjdUnix) * 86400 * 1e9
	return time.Unix(0, int64(math.Round(ns))).UTC()
}

// Stats are sample statistics over a whole dataset. Bandpass is the mean of
// each channel over time and polarization.
type Stats struct {
	Samples       int64     `json:"samples"`
	Blocks        int       `json:"blocks"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	Mean          float64   `json:"mean"`
	StdDev        float64   `json:"std_dev"`
	Bandpass      []float64 `json:"bandpass"`
	NoiseFloor    float64   `json:"noise_floor"` // 10th percentile of the bandpass
	PeakChannel   int       `json:"peak_channel"`
	PeakFrequency float64   `json:"peak_frequency_mhz"`
}

// accumulator merges per-block moments without holding samples.
type accumulator struct {
	n        float64
	mean, m2 float64
}

// add merges a block of n samples with the given mean and unbiased variance.
func (a *accumulator) add(n, mean, variance float64) {
	if n == 0 {
		return
	}
	m2 := variance * (n - 1)
	if n == 1 {
		m2 = 0
	}
	total := a.n + n
	delta := mean - a.mean
	a.mean += delta * n / total
	a.m2 += m2 + delta*delta*a.n*n/total
	a.n = total
}

func (a *accumulator) stdDev() float64 {
	if a.n < 2 {
		return 0
	}
	return math.Sqrt(a.m2 / (a.n - 1))
}

// Compute reads every block of r and gathers statistics. NaN samples are
// skipped.
func Compute(ctx context.Context, r cube.Reader) (*Stats, error) {
	h := r.Header()
	s := &Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	sum := make([]float64, h.NumChannels)
	count := make([]float64, h.NumChannels)
	var acc accumulator
	var clean []float64

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		s.Blocks++

		clean = clean[:0]
		for t := 0; t < b.NumTime; t++ {
			for p := 0; p < b.NumPols; p++ {
				for f, v := range b.Spectrum(t, p) {
					if math.IsNaN(v) {
						continue
					}
					sum[f] += v
					count[f]++
					clean = append(clean, v)
				}
			}
		}
		if len(clean) == 0 {
			continue
		}
		mean, variance := stat.MeanVariance(clean, nil)
		if len(clean) == 1 {
			variance = 0
		}
		acc.add(float64(len(clean)), mean, variance)
		s.Min = math.Min(s.Min, floats.Min(clean))
		s.Max = math.Max(s.Max, floats.Max(clean))
	}

	s.Samples = int64(acc.n)
	if s.Samples == 0 {
		s.Min, s.Max = 0, 0
		return s, nil
	}
	s.Mean = acc.mean
	s.StdDev = acc.stdDev()

	s.Bandpass = make([]float64, h.NumChannels)
	floats.DivTo(s.Bandpass, sum, count)
	s.PeakChannel = floats.MaxIdx(s.Bandpass)
	s.PeakFrequency = h.ChannelFrequency(s.PeakChannel)

	ordered := append([]float64(nil), s.Bandpass...)
	sort.Float64s(ordered)
	s.NoiseFloor = stat.Quantile(0.1, stat.Empirical, ordered, nil)
	return s, nil
}
