// Package container stores sample cubes in the HDF5 filterbank layout: a
// chunked, optionally compressed dataset named data, shaped time by feed by
// frequency, with the header kept as attributes of the dataset.
package container

import (
	"bytes"
	"math"
	"reflect"

	"telecube/internal/codec"
	"telecube/internal/compress"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Format is the name recorded in header.Native for container headers.
const Format = "hdf5"

// DatasetName is the dataset holding the samples.
const DatasetName = "data"

// DefaultCompression is used when Options.Compression is empty.
const DefaultCompression = "deflate"

// maxChunkTime bounds the default chunk height so time windows stay selective.
const maxChunkTime = 1024

// attributes of the data dataset
const (
	attrFch1       = "fch1"
	attrFoff       = "foff"
	attrTstart     = "tstart"
	attrTsamp      = "tsamp"
	attrNchans     = "nchans"
	attrNifs       = "nifs"
	attrNbits      = "nbits"
	attrSampleType = "sample_type"
	attrSourceName = "source_name"
	attrRA         = "src_raj" // hours
	attrDec        = "src_dej" // degrees
	attrLabels     = "DIMENSION_LABELS"
)

var dimensionLabels = []string{"time", "feed_id", "frequency"}

var reservedAttrs = map[string]bool{
	attrFch1: true, attrFoff: true, attrTstart: true, attrTsamp: true,
	attrNchans: true, attrNifs: true, attrNbits: true, attrSampleType: true,
	attrSourceName: true, attrRA: true, attrDec: true, attrLabels: true,
}

// Options configure container readers and writers.
type Options struct {
	cube.Options
	// ChunkTime and ChunkChans set the chunk grid. Zero derives the time
	// extent from the block budget and uses every channel.
	ChunkTime  int
	ChunkChans int
	// Compression names a filter in Registry; DefaultCompression when empty.
	Compression string
	// Registry resolves compression names. compress.Default when nil.
	Registry *compress.Registry
}

func (o Options) registry() *compress.Registry {
	if o.Registry != nil {
		return o.Registry
	}
	return compress.Default()
}

// Sniff reports whether prefix starts with the HDF5 signature.
func Sniff(prefix []byte) bool {
	return bytes.HasPrefix(prefix, signature)
}

// storageType picks the element type samples of enc are stored as. Every
// choice holds each value of enc exactly.
func storageType(enc codec.Encoding) dtype {
	switch {
	case enc.Type == codec.Float && enc.Bits == 64:
		return float64Type
	case enc.Type == codec.Float:
		return float32Type
	case enc.Type == codec.Unsigned && enc.Bits == 32:
		return int64Type
	}
	return int32Type
}

// headerAttrs lists the attributes describing h, followed by its extras.
// Extras whose names collide with a header attribute are returned in
// skipped.
func headerAttrs(h header.Header) (attrs []header.Field, skipped []string) {
	attrs = []header.Field{
		{Name: attrFch1, Value: header.Float(h.FrequencyOfChannel0)},
		{Name: attrFoff, Value: header.Float(h.ChannelBandwidth)},
		{Name: attrNchans, Value: header.Int(int64(h.NumChannels))},
		{Name: attrNifs, Value: header.Int(int64(h.NumPolarizations))},
		{Name: attrNbits, Value: header.Int(int64(h.BitsPerSample))},
		{Name: attrSampleType, Value: header.String(h.SampleType.String())},
		{Name: attrTstart, Value: header.Float(h.TimeStart)},
		{Name: attrTsamp, Value: header.Float(h.TimeStep)},
		{Name: attrSourceName, Value: header.String(h.SourceName)},
		{Name: attrRA, Value: header.Float(h.Coordinates.RA / 15)},
		{Name: attrDec, Value: header.Float(h.Coordinates.Dec)},
	}
	for _, f := range h.Extras {
		if f.Name == "" || reservedAttrs[f.Name] {
			skipped = append(skipped, f.Name)
			continue
		}
		attrs = append(attrs, f)
	}
	return attrs, skipped
}

// encodeAttr is the attribute message for f. Booleans are stored as 0 or 1.
func encodeAttr(f header.Field) []byte {
	switch f.Value.Kind {
	case header.IntKind:
		return intAttribute(f.Name, f.Value.Int)
	case header.FloatKind:
		return numberAttribute(f.Name, float64Type, f.Value.Float)
	case header.BoolKind:
		var v int64
		if f.Value.Bool {
			v = 1
		}
		return intAttribute(f.Name, v)
	}
	return stringAttribute(f.Name, f.Value.Str)
}

// attrValue converts a decoded attribute into a header value. Single
// element arrays count as scalars.
func attrValue(v any) (header.Value, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return header.Value{}, false
	}
	if b, ok := v.([]byte); ok {
		return header.String(string(bytes.TrimRight(b, "\x00"))), true
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if rv.Len() != 1 {
			return header.Value{}, false
		}
		rv = rv.Index(0)
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return header.Int(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return header.Float(float64(u)), true
		}
		return header.Int(int64(u)), true
	case reflect.Float32, reflect.Float64:
		return header.Float(rv.Float()), true
	case reflect.String:
		return header.String(string(bytes.TrimRight([]byte(rv.String()), "\x00"))), true
	case reflect.Bool:
		return header.Bool(rv.Bool()), true
	}
	return header.Value{}, false
}

// decodeAttrs rebuilds a header from the attributes of the data dataset, in
// their stored order. The sample count comes from the dataset shape.
func decodeAttrs(path string, attrs []header.Field) (header.Header, error) {
	malformed := func(format string, args ...any) error {
		return cubeerr.New(cubeerr.ErrMalformedHeader, path, cubeerr.NoOffset, format, args...)
	}
	values := map[string]header.Value{}
	for _, f := range attrs {
		values[f.Name] = f.Value
	}
	number := func(name string, required bool) (float64, error) {
		v, ok := values[name]
		if !ok {
			if required {
				return 0, malformed("missing attribute %s", name)
			}
			return 0, nil
		}
		x, ok := v.Number()
		if !ok {
			return 0, malformed("attribute %s is %s, want a number", name, v.Kind)
		}
		return x, nil
	}
	count := func(name string) (int, error) {
		x, err := number(name, true)
		if err != nil {
			return 0, err
		}
		if x != math.Trunc(x) || x < 0 || x > math.MaxInt32 {
			return 0, malformed("attribute %s=%v is not a count", name, x)
		}
		return int(x), nil
	}

	h := header.Header{
		ByteOrder: le,
		Native:    &header.Native{Format: Format, Fields: append([]header.Field(nil), attrs...)},
	}
	var err error
	if h.NumChannels, err = count(attrNchans); err != nil {
		return header.Header{}, err
	}
	if h.NumPolarizations, err = count(attrNifs); err != nil {
		return header.Header{}, err
	}
	if h.BitsPerSample, err = count(attrNbits); err != nil {
		return header.Header{}, err
	}
	for name, dst := range map[string]*float64{
		attrFch1:   &h.FrequencyOfChannel0,
		attrFoff:   &h.ChannelBandwidth,
		attrTstart: &h.TimeStart,
		attrTsamp:  &h.TimeStep,
	} {
		if *dst, err = number(name, true); err != nil {
			return header.Header{}, err
		}
	}
	ra, err := number(attrRA, false)
	if err != nil {
		return header.Header{}, err
	}
	h.Coordinates.RA = ra * 15
	if h.Coordinates.Dec, err = number(attrDec, false); err != nil {
		return header.Header{}, err
	}
	h.SourceName = values[attrSourceName].Str

	h.SampleType = codec.DefaultType(h.BitsPerSample)
	if v, ok := values[attrSampleType]; ok {
		if h.SampleType, err = codec.ParseSampleType(v.Str); err != nil {
			return header.Header{}, malformed("attribute %s: %v", attrSampleType, err)
		}
	}

	for _, f := range attrs {
		if !reservedAttrs[f.Name] {
			h.Extras = append(h.Extras, f)
		}
	}
	return h, nil
}

// clamp rounds v to the nearest value enc can hold, as packing would.
func clamp(v float64, enc codec.Encoding) float64 {
	if enc.Type == codec.Float {
		return v
	}
	lo, hi := enc.Range()
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

