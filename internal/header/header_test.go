package header

import (
	"errors"
	"math"
	"testing"

	"telecube/internal/codec"
	"telecube/internal/cubeerr"
)

func testHeader() Header {
	return Header{
		NumChannels:         1024,
		NumPolarizations:    1,
		NumTimeSamples:      16,
		BitsPerSample:       8,
		SampleType:          codec.Unsigned,
		FrequencyOfChannel0: 1500.0,
		ChannelBandwidth:    -0.5,
		TimeStart:           58000.5,
		TimeStep:            1.0,
		SourceName:          "B0329+54",
		Coordinates:         Coordinates{RA: 53.2475, Dec: 54.5787},
		Extras:              []Field{{Name: "telescope_id", Value: Int(6)}},
	}
}

func TestValidate(t *testing.T) {
	if err := testHeader().Validate(); err != nil {
		t.Fatalf("Expected valid header, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Header)
	}{
		{"zero channels", func(h *Header) { h.NumChannels = 0 }},
		{"zero polarizations", func(h *Header) { h.NumPolarizations = 0 }},
		{"odd bit depth", func(h *Header) { h.BitsPerSample = 12 }},
		{"zero time step", func(h *Header) { h.TimeStep = 0 }},
		{"NaN time step", func(h *Header) { h.TimeStep = math.NaN() }},
	}
	for _, tt := range tests {
		h := testHeader()
		tt.mutate(&h)
		if err := h.Validate(); !errors.Is(err, cubeerr.ErrMalformedHeader) {
			t.Errorf("%s: expected MalformedHeader, got %v", tt.name, err)
		}
	}
}

func TestWindowRecomputesAxes(t *testing.T) {
	h := testHeader()
	w, err := h.Window(4, 10, 100, 200)
	if err != nil {
		t.Fatalf("Failed to derive window: %v", err)
	}

	if w.NumTimeSamples != 6 || w.NumChannels != 100 {
		t.Errorf("Window shape = %d x %d, want 6 x 100", w.NumTimeSamples, w.NumChannels)
	}
	if want := 1500.0 - 0.5*100; w.FrequencyOfChannel0 != want {
		t.Errorf("FrequencyOfChannel0 = %v, want %v", w.FrequencyOfChannel0, want)
	}
	if want := 58000.5 + 4.0/86400; w.TimeStart != want {
		t.Errorf("TimeStart = %v, want %v", w.TimeStart, want)
	}
	if w.ChannelBandwidth != h.ChannelBandwidth || w.SourceName != h.SourceName {
		t.Error("Window should copy untouched fields")
	}

	// the parent must not change
	if h.NumChannels != 1024 || h.NumTimeSamples != 16 {
		t.Error("Window mutated its receiver")
	}

	w.Extras[0].Value = Int(99)
	if v, _ := h.Extra("telescope_id"); v.Int != 6 {
		t.Error("Window shares extras with its parent")
	}
}

func TestWindowRejectsBadRanges(t *testing.T) {
	h := testHeader()
	ranges := [][4]int{
		{0, 0, 0, 10},
		{5, 5, 0, 10},
		{0, 17, 0, 10},
		{-1, 4, 0, 10},
		{0, 4, 10, 10},
		{0, 4, 1000, 1025},
	}
	for _, r := range ranges {
		if _, err := h.Window(r[0], r[1], r[2], r[3]); !errors.Is(err, cubeerr.ErrRangeOutOfBounds) {
			t.Errorf("Window%v: expected RangeOutOfBounds, got %v", r, err)
		}
	}
}

func TestEqualIgnoresNative(t *testing.T) {
	a := testHeader()
	b := testHeader()
	b.Native = &Native{Format: "sigproc"}
	if !a.Equal(b) {
		t.Errorf("Headers differ: %v", a.Diff(b))
	}

	b.SourceName = "other"
	if a.Equal(b) {
		t.Error("Expected source name difference to be detected")
	}
}

func TestEqualResolvesStartTime(t *testing.T) {
	a := testHeader()
	a.TimeStart = 60000.25
	a.TimeStep = 18.253611008

	tests := []struct {
		name  string
		shift float64 // days
		equal bool
	}{
		{"identical", 0, true},
		{"rounding", 4e-12, true},
		{"one sample", a.TimeStep / 86400, false},
		{"three seconds", 3.0 / 86400, false},
		{"one millisecond", 1e-3 / 86400, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := a
			b.TimeStart = a.TimeStart + tt.shift
			if got := a.Equal(b); got != tt.equal {
				t.Errorf("Equal with start shifted by %g days = %v, want %v", tt.shift, got, tt.equal)
			}
			if diff := a.Diff(b); (len(diff) == 0) != tt.equal {
				t.Errorf("Diff with start shifted by %g days = %v", tt.shift, diff)
			}
		})
	}
}

func TestWithExtraReplacesInPlace(t *testing.T) {
	h := testHeader().WithExtra("telescope_id", Int(64)).WithExtra("machine_id", Int(10))
	if len(h.Extras) != 2 || h.Extras[0].Name != "telescope_id" || h.Extras[0].Value.Int != 64 {
		t.Errorf("Unexpected extras: %+v", h.Extras)
	}
}

func TestDerivedQuantities(t *testing.T) {
	h := testHeader()
	if got := h.Bandwidth(); got != 512 {
		t.Errorf("Bandwidth = %v, want 512", got)
	}
	if got := h.BytesPerTimeStep(); got != 1024 {
		t.Errorf("BytesPerTimeStep = %v, want 1024", got)
	}
	if got := h.DataBytes(); got != 16*1024 {
		t.Errorf("DataBytes = %v", got)
	}
	if got := h.ChannelFrequency(1023); got != 1500-511.5 {
		t.Errorf("ChannelFrequency(1023) = %v", got)
	}
}

func TestSexagesimal(t *testing.T) {
	// 03h32m59.4s = 53.2475 deg
	if got := HHMMSSToDegrees(33259.4); math.Abs(got-53.2475) > 1e-9 {
		t.Errorf("HHMMSSToDegrees = %v", got)
	}
	if got := DDMMSSToDegrees(-123015.0); math.Abs(got+12.5041666667) > 1e-9 {
		t.Errorf("DDMMSSToDegrees = %v", got)
	}
	for _, deg := range []float64{0, 53.2475, 359.9, 187.5} {
		if back := HHMMSSToDegrees(DegreesToHHMMSS(deg)); math.Abs(back-deg) > 1e-9 {
			t.Errorf("RA round trip %v -> %v", deg, back)
		}
	}
	for _, deg := range []float64{-89.5, -12.5, 0.001, 54.5787} {
		if back := DDMMSSToDegrees(DegreesToDDMMSS(deg)); math.Abs(back-deg) > 1e-9 {
			t.Errorf("Dec round trip %v -> %v", deg, back)
		}
	}

	v, err := ParseSexagesimal("-29:00:28.1699")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if math.Abs(v-(-29.0078249722)) > 1e-9 {
		t.Errorf("ParseSexagesimal = %v", v)
	}
	if s := FormatSexagesimal(v, true); s != "-29:00:28.1699" {
		t.Errorf("FormatSexagesimal = %q", s)
	}
	if s := FormatSexagesimal(17.761122, false); s != "17:45:40.0392" {
		t.Errorf("FormatSexagesimal = %q", s)
	}
	if _, err := ParseSexagesimal("12:xx:00"); err == nil {
		t.Error("Expected parse error")
	}
}
