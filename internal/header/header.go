// Package header provides the format-independent description of a
// time-frequency dataset.
//
// Canonical units: frequencies in MHz, durations in seconds, angles in
// degrees. TimeStart is an epoch expressed as an MJD (UTC days).
package header

import (
	"encoding/binary"
	"fmt"
	"math"

	"telecube/internal/codec"
	"telecube/internal/cubeerr"
)

// Coordinates is a sky position in degrees.
type Coordinates struct {
	RA  float64
	Dec float64
}

// Header describes the shape, encoding and provenance of a sample cube.
// A Header is treated as immutable; derivations return modified copies.
type Header struct {
	NumChannels      int
	NumPolarizations int
	NumTimeSamples   int
	BitsPerSample    int
	SampleType       codec.SampleType
	ByteOrder        binary.ByteOrder

	FrequencyOfChannel0 float64 // MHz
	ChannelBandwidth    float64 // MHz, negative for a descending axis
	TimeStart           float64 // MJD
	TimeStep            float64 // seconds

	SourceName  string
	Coordinates Coordinates

	// Extras carries fields with no canonical slot, in their original order.
	Extras []Field

	// Native is the parsed on-disk header, if this Header came from a file.
	Native *Native
}

// Encoding returns the sample encoding described by the header.
func (h Header) Encoding() codec.Encoding {
	return codec.Encoding{Bits: h.BitsPerSample, Type: h.SampleType, Order: h.ByteOrder}
}

// Validate checks the structural invariants of h.
func (h Header) Validate() error {
	switch {
	case h.NumChannels <= 0:
		return cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "num_channels=%d", h.NumChannels)
	case h.NumPolarizations <= 0:
		return cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "num_polarizations=%d", h.NumPolarizations)
	case h.NumTimeSamples < 0:
		return cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "num_time_samples=%d", h.NumTimeSamples)
	case !(h.TimeStep > 0):
		return cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "time_step=%g", h.TimeStep)
	}
	switch h.BitsPerSample {
	case 1, 2, 4, 8, 16, 32, 64:
	default:
		return cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "bits_per_sample=%d", h.BitsPerSample)
	}
	return nil
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	c := h
	c.Extras = append([]Field(nil), h.Extras...)
	c.Native = h.Native.clone()
	return c
}

// Window derives the header of the sub-cube [t0,t1) x [f0,f1). Every field
// other than the time and frequency axes is carried over.
func (h Header) Window(t0, t1, f0, f1 int) (Header, error) {
	if t0 < 0 || t1 > h.NumTimeSamples || t0 >= t1 {
		return Header{}, cubeerr.New(cubeerr.ErrRangeOutOfBounds, "", cubeerr.NoOffset,
			"time range [%d,%d) outside [0,%d)", t0, t1, h.NumTimeSamples)
	}
	if f0 < 0 || f1 > h.NumChannels || f0 >= f1 {
		return Header{}, cubeerr.New(cubeerr.ErrRangeOutOfBounds, "", cubeerr.NoOffset,
			"frequency range [%d,%d) outside [0,%d)", f0, f1, h.NumChannels)
	}

	w := h.Clone()
	w.TimeStart = h.TimeAt(t0)
	w.NumTimeSamples = t1 - t0
	w.FrequencyOfChannel0 = h.ChannelFrequency(f0)
	w.NumChannels = f1 - f0
	return w, nil
}

// WithEncoding derives a header with a different sample encoding.
func (h Header) WithEncoding(enc codec.Encoding) Header {
	w := h.Clone()
	w.BitsPerSample = enc.Bits
	w.SampleType = enc.Type
	w.ByteOrder = enc.Order
	return w
}

// WithExtra derives a header with the named extra field set.
func (h Header) WithExtra(name string, v Value) Header {
	w := h.Clone()
	for i := range w.Extras {
		if w.Extras[i].Name == name {
			w.Extras[i] = Field{Name: name, Value: v}
			return w
		}
	}
	w.Extras = append(w.Extras, Field{Name: name, Value: v})
	return w
}

// Extra looks up an extra field.
func (h Header) Extra(name string) (Value, bool) {
	for _, f := range h.Extras {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// ChannelFrequency is the centre frequency of channel i in MHz.
func (h Header) ChannelFrequency(i int) float64 {
	return h.FrequencyOfChannel0 + float64(i)*h.ChannelBandwidth
}

// Bandwidth is the total bandwidth in MHz, always positive.
func (h Header) Bandwidth() float64 {
	return math.Abs(h.ChannelBandwidth) * float64(h.NumChannels)
}

// CenterFrequency is the frequency at the middle of the band.
func (h Header) CenterFrequency() float64 {
	return h.FrequencyOfChannel0 + h.ChannelBandwidth*float64(h.NumChannels-1)/2
}

// TimeAt is the MJD of time sample i.
func (h Header) TimeAt(i int) float64 {
	return h.TimeStart + float64(i)*h.TimeStep/86400
}

// Duration is the observation length in seconds.
func (h Header) Duration() float64 {
	return float64(h.NumTimeSamples) * h.TimeStep
}

// SamplesPerTimeStep is the number of samples in one spectrum across all polarizations.
func (h Header) SamplesPerTimeStep() int {
	return h.NumPolarizations * h.NumChannels
}

// BytesPerTimeStep is the packed size of one time step.
func (h Header) BytesPerTimeStep() int {
	return codec.PackedSize(h.SamplesPerTimeStep(), h.BitsPerSample)
}

// DataBytes is the packed size of the full cube.
func (h Header) DataBytes() int64 {
	return int64(h.NumTimeSamples) * int64(h.BytesPerTimeStep())
}

func orderName(o binary.ByteOrder) string {
	if o == nil {
		return binary.LittleEndian.String()
	}
	return o.String()
}

// timeStartTolerance is about a microsecond in days. A relative tolerance
// would allow seconds at present-day MJDs.
const timeStartTolerance = 1e-11

// Equal compares canonical fields and extras, ignoring the native snapshot.
// Floats compare with a relative tolerance of 1e-9 so that values which pass
// through a unit conversion on disk still compare equal. TimeStart compares
// within timeStartTolerance days.
func (h Header) Equal(o Header) bool {
	if h.NumChannels != o.NumChannels ||
		h.NumPolarizations != o.NumPolarizations ||
		h.NumTimeSamples != o.NumTimeSamples ||
		h.BitsPerSample != o.BitsPerSample ||
		h.SampleType != o.SampleType ||
		h.SourceName != o.SourceName {
		return false
	}
	if h.BitsPerSample > 8 && orderName(h.ByteOrder) != orderName(o.ByteOrder) {
		return false
	}
	if !approx(h.FrequencyOfChannel0, o.FrequencyOfChannel0) ||
		!approx(h.ChannelBandwidth, o.ChannelBandwidth) ||
		!sameEpoch(h.TimeStart, o.TimeStart) ||
		!approx(h.TimeStep, o.TimeStep) ||
		!approx(h.Coordinates.RA, o.Coordinates.RA) ||
		!approx(h.Coordinates.Dec, o.Coordinates.Dec) {
		return false
	}
	if len(h.Extras) != len(o.Extras) {
		return false
	}
	for i := range h.Extras {
		if h.Extras[i].Name != o.Extras[i].Name || !h.Extras[i].Value.Equal(o.Extras[i].Value) {
			return false
		}
	}
	return true
}

func sameEpoch(a, b float64) bool {
	return math.Abs(a-b) <= timeStartTolerance
}

func approx(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

// Diff lists canonical fields that differ between h and o, for diagnostics.
func (h Header) Diff(o Header) []string {
	var out []string
	add := func(name string, a, b any) {
		out = append(out, fmt.Sprintf("%s: %v != %v", name, a, b))
	}
	if h.NumChannels != o.NumChannels {
		add("num_channels", h.NumChannels, o.NumChannels)
	}
	if h.NumPolarizations != o.NumPolarizations {
		add("num_polarizations", h.NumPolarizations, o.NumPolarizations)
	}
	if h.NumTimeSamples != o.NumTimeSamples {
		add("num_time_samples", h.NumTimeSamples, o.NumTimeSamples)
	}
	if h.BitsPerSample != o.BitsPerSample || h.SampleType != o.SampleType {
		add("encoding", h.Encoding(), o.Encoding())
	}
	if !approx(h.FrequencyOfChannel0, o.FrequencyOfChannel0) {
		add("frequency_of_channel_0", h.FrequencyOfChannel0, o.FrequencyOfChannel0)
	}
	if !approx(h.ChannelBandwidth, o.ChannelBandwidth) {
		add("channel_bandwidth", h.ChannelBandwidth, o.ChannelBandwidth)
	}
	if !sameEpoch(h.TimeStart, o.TimeStart) {
		add("time_start", h.TimeStart, o.TimeStart)
	}
	if !approx(h.TimeStep, o.TimeStep) {
		add("time_step", h.TimeStep, o.TimeStep)
	}
	if h.SourceName != o.SourceName {
		add("source_name", h.SourceName, o.SourceName)
	}
	if !approx(h.Coordinates.RA, o.Coordinates.RA) || !approx(h.Coordinates.Dec, o.Coordinates.Dec) {
		add("coordinates", h.Coordinates, o.Coordinates)
	}
	if len(h.Extras) != len(o.Extras) {
		add("extras", len(h.Extras), len(o.Extras))
	}
	return out
}
