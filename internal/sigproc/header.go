// Package sigproc reads and writes SIGPROC filterbank files: a keyword
// header delimited by HEADER_START and HEADER_END followed by spectra with
// frequency varying fastest.
package sigproc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"telecube/internal/codec"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Format is the name recorded in header.Native for filterbank headers.
const Format = "sigproc"

const (
	headerStart = "HEADER_START"
	headerEnd   = "HEADER_END"

	maxKeywordLen = 80
	maxKeywords   = 256
)

type valueType int

const (
	intValue valueType = iota
	doubleValue
	stringValue
	byteValue
)

// keywords lists every header keyword and the type of its value. The type
// is not stored in the file, so a keyword outside this table cannot be skipped.
var keywords = map[string]valueType{
	"telescope_id":  intValue,
	"machine_id":    intValue,
	"data_type":     intValue,
	"barycentric":   intValue,
	"pulsarcentric": intValue,
	"nbits":         intValue,
	"nchans":        intValue,
	"nifs":          intValue,
	"nbeams":        intValue,
	"ibeam":         intValue,
	"nsamples":      intValue,
	"az_start":      doubleValue,
	"za_start":      doubleValue,
	"src_raj":       doubleValue,
	"src_dej":       doubleValue,
	"tstart":        doubleValue,
	"tsamp":         doubleValue,
	"fch1":          doubleValue,
	"foff":          doubleValue,
	"refdm":         doubleValue,
	"period":        doubleValue,
	"rawdatafile":   stringValue,
	"source_name":   stringValue,
	"signed":        byteValue,
}

// canonical keywords map onto Header fields rather than Extras.
var canonical = map[string]bool{
	"nchans": true, "nifs": true, "nbits": true, "fch1": true, "foff": true,
	"tstart": true, "tsamp": true, "source_name": true, "src_raj": true,
	"src_dej": true, "nsamples": true, "signed": true,
}

// standardOrder is the keyword order used for headers that did not come
// from a filterbank file.
var standardOrder = []string{
	"telescope_id", "machine_id", "data_type", "rawdatafile", "source_name",
	"barycentric", "pulsarcentric", "az_start", "za_start", "src_raj",
	"src_dej", "tstart", "tsamp", "nbits", "fch1", "foff", "nchans", "nifs",
	"refdm", "period", "nbeams", "ibeam",
}

// KnownKeyword reports whether name can be written to a filterbank header.
func KnownKeyword(name string) bool {
	_, ok := keywords[name]
	return ok
}

type headerReader struct {
	r      *bufio.Reader
	order  binary.ByteOrder
	offset int64
	path   string
}

func (hr *headerReader) malformed(format string, args ...any) error {
	return cubeerr.New(cubeerr.ErrMalformedHeader, hr.path, hr.offset, format, args...)
}

func (hr *headerReader) read(buf []byte) error {
	n, err := io.ReadFull(hr.r, buf)
	hr.offset += int64(n)
	if err != nil {
		return hr.malformed("unexpected end of header")
	}
	return nil
}

func (hr *headerReader) readInt() (int32, error) {
	var buf [4]byte
	if err := hr.read(buf[:]); err != nil {
		return 0, err
	}
	return int32(hr.order.Uint32(buf[:])), nil
}

func (hr *headerReader) readString() (string, error) {
	at := hr.offset
	n, err := hr.readInt()
	if err != nil {
		return "", err
	}
	if n <= 0 || n > maxKeywordLen {
		return "", cubeerr.New(cubeerr.ErrMalformedHeader, hr.path, at, "string length %d", n)
	}
	buf := make([]byte, n)
	if err := hr.read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// detectOrder inspects the first length word, which is 12 for HEADER_START.
func detectOrder(prefix []byte) (binary.ByteOrder, bool) {
	if len(prefix) < 4+len(headerStart) || string(prefix[4:4+len(headerStart)]) != headerStart {
		return nil, false
	}
	switch {
	case binary.LittleEndian.Uint32(prefix) == uint32(len(headerStart)):
		return binary.LittleEndian, true
	case binary.BigEndian.Uint32(prefix) == uint32(len(headerStart)):
		return binary.BigEndian, true
	}
	return nil, false
}

// Sniff reports whether prefix starts a filterbank header.
func Sniff(prefix []byte) bool {
	_, ok := detectOrder(prefix)
	return ok
}

// ParseHeader reads a filterbank header from r. It returns the header and
// the number of header bytes. NumTimeSamples is taken from nsamples when
// present and is otherwise left for the caller to derive from the file size.
func ParseHeader(r io.Reader, path string) (header.Header, int64, error) {
	br := bufio.NewReader(r)
	prefix, _ := br.Peek(4 + len(headerStart))
	order, ok := detectOrder(prefix)
	if !ok {
		return header.Header{}, 0, cubeerr.New(cubeerr.ErrMalformedHeader, path, 0, "missing %s", headerStart)
	}

	hr := &headerReader{r: br, order: order, path: path}
	if _, err := hr.readString(); err != nil {
		return header.Header{}, 0, err
	}

	native := &header.Native{Format: Format}
	for i := 0; ; i++ {
		if i >= maxKeywords {
			return header.Header{}, 0, hr.malformed("no %s after %d keywords", headerEnd, maxKeywords)
		}
		at := hr.offset
		key, err := hr.readString()
		if err != nil {
			return header.Header{}, 0, err
		}
		if key == headerEnd {
			break
		}
		typ, ok := keywords[key]
		if !ok {
			return header.Header{}, 0, cubeerr.New(cubeerr.ErrMalformedHeader, path, at, "unknown keyword %q", key)
		}

		var v header.Value
		switch typ {
		case intValue:
			n, err := hr.readInt()
			if err != nil {
				return header.Header{}, 0, err
			}
			v = header.Int(int64(n))
		case doubleValue:
			var buf [8]byte
			if err := hr.read(buf[:]); err != nil {
				return header.Header{}, 0, err
			}
			v = header.Float(math.Float64frombits(order.Uint64(buf[:])))
		case stringValue:
			s, err := hr.readString()
			if err != nil {
				return header.Header{}, 0, err
			}
			v = header.String(s)
		case byteValue:
			var buf [1]byte
			if err := hr.read(buf[:]); err != nil {
				return header.Header{}, 0, err
			}
			v = header.Int(int64(buf[0]))
		}
		native.Fields = append(native.Fields, header.Field{Name: key, Value: v})
	}

	h, err := decode(native, order)
	if err != nil {
		var ce *cubeerr.Error
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return header.Header{}, 0, err
	}
	return h, hr.offset, nil
}

// decode maps native keywords onto a canonical header.
func decode(native *header.Native, order binary.ByteOrder) (header.Header, error) {
	h := header.Header{
		NumPolarizations: 1,
		ByteOrder:        order,
		Native:           native,
	}
	seen := map[string]bool{}
	signed := false

	for _, f := range native.Fields {
		seen[f.Name] = true
		v := f.Value
		switch f.Name {
		case "nchans":
			h.NumChannels = int(v.Int)
		case "nifs":
			h.NumPolarizations = int(v.Int)
		case "nbits":
			h.BitsPerSample = int(v.Int)
		case "nsamples":
			h.NumTimeSamples = int(v.Int)
		case "fch1":
			h.FrequencyOfChannel0 = v.Float
		case "foff":
			h.ChannelBandwidth = v.Float
		case "tstart":
			h.TimeStart = v.Float
		case "tsamp":
			h.TimeStep = v.Float
		case "source_name":
			h.SourceName = v.Str
		case "src_raj":
			h.Coordinates.RA = header.HHMMSSToDegrees(v.Float)
		case "src_dej":
			h.Coordinates.Dec = header.DDMMSSToDegrees(v.Float)
		case "signed":
			signed = v.Int != 0
		default:
			h.Extras = append(h.Extras, f)
		}
	}

	for _, key := range []string{"nchans", "nbits", "tsamp", "fch1", "foff"} {
		if !seen[key] {
			return header.Header{}, cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "missing keyword %q", key)
		}
	}

	h.SampleType = sampleType(h.BitsPerSample, signed)
	return h, nil
}

// sampleType applies the filterbank convention: 32 and 64 bit data are
// floats, narrower data is unsigned unless the signed keyword is set.
func sampleType(bits int, signed bool) codec.SampleType {
	switch {
	case bits >= 32:
		return codec.Float
	case signed:
		return codec.Signed
	default:
		return codec.Unsigned
	}
}

// SupportsEncoding reports whether enc can be written to a filterbank file.
func SupportsEncoding(enc codec.Encoding) bool {
	switch enc.Type {
	case codec.Float:
		return enc.Bits == 32 || enc.Bits == 64
	case codec.Unsigned:
		return enc.Bits <= 16 && enc.Validate() == nil
	case codec.Signed:
		return enc.Bits == 8 || enc.Bits == 16
	}
	return false
}

// NativeEncoding is the filterbank encoding closest to enc at the same width.
func NativeEncoding(enc codec.Encoding) codec.Encoding {
	out := enc
	switch {
	case enc.Bits >= 32:
		out.Type = codec.Float
	case enc.Type == codec.Signed && enc.Bits < 8:
		out.Type = codec.Unsigned
	case enc.Type == codec.Float:
		out.Type = codec.Unsigned
	}
	return out
}

// encodeCanonical renders h's canonical fields as native keyword values.
func encodeCanonical(h header.Header) map[string]header.Value {
	signed := int64(0)
	if h.SampleType == codec.Signed {
		signed = 1
	}
	return map[string]header.Value{
		"nchans":      header.Int(int64(h.NumChannels)),
		"nifs":        header.Int(int64(h.NumPolarizations)),
		"nbits":       header.Int(int64(h.BitsPerSample)),
		"nsamples":    header.Int(int64(h.NumTimeSamples)),
		"fch1":        header.Float(h.FrequencyOfChannel0),
		"foff":        header.Float(h.ChannelBandwidth),
		"tstart":      header.Float(h.TimeStart),
		"tsamp":       header.Float(h.TimeStep),
		"source_name": header.String(h.SourceName),
		"src_raj":     header.Float(header.DegreesToHHMMSS(h.Coordinates.RA)),
		"src_dej":     header.Float(header.DegreesToDDMMSS(h.Coordinates.Dec)),
		"signed":      header.Int(signed),
	}
}

// plan decides the keyword sequence for h. Keywords from a parsed
// filterbank header keep their order and raw value unless the canonical
// quantity they encode has changed.
func plan(h header.Header) (fields []header.Field, skipped []string) {
	want := encodeCanonical(h)
	extras := map[string]header.Value{}
	for _, f := range h.Extras {
		extras[f.Name] = f.Value
	}
	emitted := map[string]bool{}

	fromNative := h.Native != nil && h.Native.Format == Format
	var origWant map[string]header.Value
	if fromNative {
		if orig, err := decode(h.Native, h.ByteOrder); err == nil {
			origWant = encodeCanonical(orig)
		}
	}
	unchanged := func(key string) bool {
		ow, ok := origWant[key]
		return ok && ow.Equal(want[key])
	}

	if fromNative {
		for _, f := range h.Native.Fields {
			switch {
			case canonical[f.Name]:
				if f.Name != "nsamples" && unchanged(f.Name) {
					fields = append(fields, f)
				} else {
					fields = append(fields, header.Field{Name: f.Name, Value: want[f.Name]})
				}
			default:
				v, ok := extras[f.Name]
				if !ok {
					continue
				}
				if v.Equal(f.Value) {
					fields = append(fields, f)
				} else {
					fields = append(fields, header.Field{Name: f.Name, Value: v})
				}
			}
			emitted[f.Name] = true
		}
	}

	for _, key := range standardOrder {
		if emitted[key] {
			continue
		}
		v, ok := want[key]
		if ok && fromNative && unchanged(key) {
			// absent from the original header and still at its default
			continue
		}
		if !ok {
			v, ok = extras[key]
		}
		if !ok || (v.Kind == header.StringKind && v.Str == "") {
			continue
		}
		fields = append(fields, header.Field{Name: key, Value: v})
		emitted[key] = true
	}
	if !emitted["signed"] && h.SampleType == codec.Signed && !(fromNative && unchanged("signed")) {
		fields = append(fields, header.Field{Name: "signed", Value: want["signed"]})
	}
	for _, f := range h.Extras {
		if emitted[f.Name] {
			continue
		}
		if KnownKeyword(f.Name) && !canonical[f.Name] && kindMatches(f.Name, f.Value) &&
			!(f.Value.Kind == header.StringKind && f.Value.Str == "") {
			fields = append(fields, f)
		} else {
			skipped = append(skipped, f.Name)
		}
	}
	return fields, skipped
}

func kindMatches(name string, v header.Value) bool {
	switch keywords[name] {
	case intValue, byteValue:
		return v.Kind == header.IntKind
	case doubleValue:
		return v.Kind == header.FloatKind
	case stringValue:
		return v.Kind == header.StringKind
	}
	return false
}

var defaultOrder binary.ByteOrder = binary.LittleEndian

// SerializeHeader renders h as filterbank header bytes. nsamplesAt is the
// byte offset of the nsamples value, or -1 when the header has none.
// Extras that cannot be expressed as filterbank keywords are returned in skipped.
func SerializeHeader(h header.Header) (raw []byte, nsamplesAt int64, skipped []string, err error) {
	order := h.ByteOrder
	if order == nil {
		order = defaultOrder
	}
	fields, skipped := plan(h)

	var buf bytes.Buffer
	writeString := func(s string) {
		var n [4]byte
		order.PutUint32(n[:], uint32(len(s)))
		buf.Write(n[:])
		buf.WriteString(s)
	}

	nsamplesAt = -1
	writeString(headerStart)
	for _, f := range fields {
		typ, ok := keywords[f.Name]
		if !ok || !kindMatches(f.Name, f.Value) {
			return nil, 0, nil, fmt.Errorf("keyword %q cannot hold a %s value", f.Name, f.Value.Kind)
		}
		writeString(f.Name)
		if f.Name == "nsamples" {
			nsamplesAt = int64(buf.Len())
		}
		switch typ {
		case intValue:
			var n [4]byte
			order.PutUint32(n[:], uint32(int32(f.Value.Int)))
			buf.Write(n[:])
		case doubleValue:
			var n [8]byte
			order.PutUint64(n[:], math.Float64bits(f.Value.Float))
			buf.Write(n[:])
		case stringValue:
			writeString(f.Value.Str)
		case byteValue:
			buf.WriteByte(byte(f.Value.Int))
		}
	}
	writeString(headerEnd)
	return buf.Bytes(), nsamplesAt, skipped, nil
}
