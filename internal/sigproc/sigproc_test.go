package sigproc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"telecube/internal/codec"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

func testHeader(bits int, typ codec.SampleType) header.Header {
	return header.Header{
		NumChannels:         64,
		NumPolarizations:    2,
		BitsPerSample:       bits,
		SampleType:          typ,
		FrequencyOfChannel0: 1926.26953125,
		ChannelBandwidth:    -2.9296875,
		TimeStart:           57650.78209490741,
		TimeStep:            1.06954752,
		SourceName:          "Voyager1",
		Coordinates:         header.Coordinates{RA: 257.5, Dec: 12.25},
		Extras: []header.Field{
			{Name: "telescope_id", Value: header.Int(6)},
			{Name: "machine_id", Value: header.Int(10)},
			{Name: "az_start", Value: header.Float(0)},
		},
	}
}

// pattern fills n samples with values representable in enc.
func pattern(n int, enc codec.Encoding) []float64 {
	out := make([]float64, n)
	lo, hi := enc.Range()
	for i := range out {
		if enc.Type == codec.Float {
			out[i] = float64(i%1000) * 0.25
			continue
		}
		span := int(min(hi-lo+1, 251))
		out[i] = lo + float64((i*7)%span)
	}
	return out
}

func writeTestFile(t *testing.T, path string, h header.Header, nt int) []float64 {
	t.Helper()
	w, err := Create(path, h, Options{})
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	b := cube.NewBlock(nt, h.NumPolarizations, h.NumChannels)
	copy(b.Data, pattern(len(b.Data), h.Encoding()))
	if err := w.WriteBlock(b); err != nil {
		t.Fatalf("Failed to write block: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	return b.Data
}

func readAll(t *testing.T, r *Reader) []float64 {
	t.Helper()
	var out []float64
	for {
		b, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Failed to read block: %v", err)
		}
		out = append(out, b.Data...)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		h := testHeader(8, codec.Unsigned)
		h.ByteOrder = order

		raw, _, skipped, err := SerializeHeader(h)
		if err != nil {
			t.Fatalf("Failed to serialize: %v", err)
		}
		if len(skipped) != 0 {
			t.Errorf("Unexpected skipped extras %v", skipped)
		}

		parsed, n, err := ParseHeader(bytes.NewReader(raw), "mem.fil")
		if err != nil {
			t.Fatalf("Failed to parse: %v", err)
		}
		if n != int64(len(raw)) {
			t.Errorf("Header length = %d, want %d", n, len(raw))
		}
		if !parsed.Equal(h) {
			t.Errorf("%v: round trip differs: %v", order, parsed.Diff(h))
		}

		again, _, _, err := SerializeHeader(parsed)
		if err != nil {
			t.Fatalf("Failed to reserialize: %v", err)
		}
		if !bytes.Equal(raw, again) {
			t.Errorf("%v: reserialized header is not byte-identical", order)
		}
	}
}

func TestNativeFieldsPreservedByteExact(t *testing.T) {
	// src_raj does not survive a degrees round trip bit-for-bit, and the
	// keyword order is unusual; both must come back unchanged.
	native := &header.Native{Format: Format, Fields: []header.Field{
		{Name: "nchans", Value: header.Int(16)},
		{Name: "src_raj", Value: header.Float(123456.789)},
		{Name: "nbits", Value: header.Int(8)},
		{Name: "rawdatafile", Value: header.String("guppi_58000.raw")},
		{Name: "fch1", Value: header.Float(1500.1)},
		{Name: "foff", Value: header.Float(0.3)},
		{Name: "tsamp", Value: header.Float(0.001)},
		{Name: "nsamples", Value: header.Int(0)},
	}}
	h, err := decode(native, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	raw, nsamplesAt, _, err := SerializeHeader(h)
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}
	if nsamplesAt < 0 {
		t.Fatal("Expected nsamples offset")
	}

	parsed, _, err := ParseHeader(bytes.NewReader(raw), "mem.fil")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	for i, f := range parsed.Native.Fields {
		if f.Name != native.Fields[i].Name || !f.Value.Equal(native.Fields[i].Value) {
			t.Errorf("Field %d = %s=%v, want %s=%v", i, f.Name, f.Value, native.Fields[i].Name, native.Fields[i].Value)
		}
	}

	// changing the frequency axis rewrites only fch1
	w, err := parsed.Window(0, 0+1, 4, 8)
	if err == nil {
		t.Fatal("Expected window on empty cube to fail")
	}
	parsed.NumTimeSamples = 10
	w, err = parsed.Window(0, 10, 4, 8)
	if err != nil {
		t.Fatalf("Failed to derive window: %v", err)
	}
	raw2, _, _, _ := SerializeHeader(w)
	reparsed, _, err := ParseHeader(bytes.NewReader(raw2), "mem.fil")
	if err != nil {
		t.Fatalf("Failed to parse window header: %v", err)
	}
	if f, _ := reparsed.Native.Lookup("src_raj"); f.Value.Float != 123456.789 {
		t.Errorf("src_raj changed to %v", f.Value.Float)
	}
	if reparsed.FrequencyOfChannel0 != parsed.ChannelFrequency(4) || reparsed.NumChannels != 4 {
		t.Errorf("Window header fch1=%v nchans=%d", reparsed.FrequencyOfChannel0, reparsed.NumChannels)
	}
}

func TestDataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	encodings := []codec.Encoding{
		{Bits: 2, Type: codec.Unsigned},
		{Bits: 4, Type: codec.Unsigned},
		{Bits: 8, Type: codec.Unsigned},
		{Bits: 8, Type: codec.Signed},
		{Bits: 16, Type: codec.Unsigned},
		{Bits: 32, Type: codec.Float},
	}

	for _, enc := range encodings {
		path := filepath.Join(dir, enc.String()+".fil")
		h := testHeader(enc.Bits, enc.Type)
		want := writeTestFile(t, path, h, 37)

		for _, mmap := range []bool{false, true} {
			// a tiny budget forces many blocks
			r, err := Open(path, Options{Options: cube.Options{BlockBytes: 3 * 8 * 128}, Mmap: mmap})
			if err != nil {
				t.Fatalf("Failed to open %s: %v", path, err)
			}
			if r.Header().NumTimeSamples != 37 {
				t.Errorf("%v: NumTimeSamples = %d", enc, r.Header().NumTimeSamples)
			}
			if r.Header().SampleType != enc.Type {
				t.Errorf("%v: SampleType = %v", enc, r.Header().SampleType)
			}
			if want := mmap && runtime.GOOS != "windows" && runtime.GOOS != "plan9"; r.Mapped() != want {
				t.Errorf("%v: Mapped() = %v with mmap=%v", enc, r.Mapped(), mmap)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("Failed to stat %s: %v", path, err)
			}
			if got := r.HeaderBytes() + r.Header().DataBytes(); got != info.Size() {
				t.Errorf("%v: header %d + data %d bytes != file size %d", enc, r.HeaderBytes(), r.Header().DataBytes(), info.Size())
			}
			got := readAll(t, r)
			r.Close()

			if len(got) != len(want) {
				t.Fatalf("%v: read %d samples, want %d", enc, len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("%v mmap=%v: sample %d = %v, want %v", enc, mmap, i, got[i], want[i])
				}
			}
		}
	}
}

func TestReadWindowSubByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nibbles.fil")
	h := testHeader(4, codec.Unsigned)
	all := writeTestFile(t, path, h, 9)

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer r.Close()

	// f0=3 starts in the low nibble of a byte
	b, err := r.ReadWindow(2, 5, 3, 11)
	if err != nil {
		t.Fatalf("Failed to read window: %v", err)
	}
	if b.NumTime != 5 || b.NumChans != 11 || b.Start != 2 {
		t.Fatalf("Window block shape %d x %d at %d", b.NumTime, b.NumChans, b.Start)
	}
	for ti := 0; ti < 5; ti++ {
		for p := 0; p < 2; p++ {
			for f := 0; f < 11; f++ {
				want := all[((2+ti)*2+p)*64+3+f]
				if got := b.At(ti, p, f); got != want {
					t.Fatalf("(%d,%d,%d) = %v, want %v", ti, p, f, got, want)
				}
			}
		}
	}

	if _, err := r.ReadWindow(0, 10, 0, 4); !errors.Is(err, cubeerr.ErrRangeOutOfBounds) {
		t.Errorf("Expected RangeOutOfBounds, got %v", err)
	}
}

func TestFileSizeMismatch(t *testing.T) {
	dir := t.TempDir()

	// nsamples declares 4,000,000 data bytes; only 3,000,000 are present
	h := testHeader(8, codec.Unsigned)
	h.NumChannels = 1000
	h.NumPolarizations = 1
	h.Native = &header.Native{Format: Format, Fields: []header.Field{
		{Name: "nchans", Value: header.Int(1000)},
		{Name: "nbits", Value: header.Int(8)},
		{Name: "nifs", Value: header.Int(1)},
		{Name: "fch1", Value: header.Float(h.FrequencyOfChannel0)},
		{Name: "foff", Value: header.Float(h.ChannelBandwidth)},
		{Name: "tsamp", Value: header.Float(h.TimeStep)},
		{Name: "nsamples", Value: header.Int(4000)},
	}}
	h.Extras = nil
	h.NumTimeSamples = 4000
	raw, _, _, err := SerializeHeader(h)
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}

	path := filepath.Join(dir, "short.fil")
	data := make([]byte, 3_000_000)
	if err := os.WriteFile(path, append(raw, data...), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := Open(path, Options{}); !errors.Is(err, cubeerr.ErrFileSizeMismatch) {
		t.Fatalf("Expected FileSizeMismatch, got %v", err)
	}

	// without nsamples, a trailing partial spectrum is also a mismatch
	h.Native = nil
	raw, _, _, _ = SerializeHeader(h)
	if err := os.WriteFile(path, append(raw, make([]byte, 1500)...), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := Open(path, Options{}); !errors.Is(err, cubeerr.ErrFileSizeMismatch) {
		t.Fatalf("Expected FileSizeMismatch for partial spectrum, got %v", err)
	}
}

func TestMalformedHeaders(t *testing.T) {
	good, _, _, err := SerializeHeader(testHeader(8, codec.Unsigned))
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}

	unknown := &bytes.Buffer{}
	put := func(s string) {
		binary.Write(unknown, binary.LittleEndian, int32(len(s)))
		unknown.WriteString(s)
	}
	put("HEADER_START")
	put("nchans")
	binary.Write(unknown, binary.LittleEndian, int32(4))
	put("bogus_key")

	tests := []struct {
		name   string
		raw    []byte
		offset int64
	}{
		{"no start marker", []byte("not a filterbank header at all"), 0},
		{"truncated", good[:len(good)-5], -1},
		{"unknown keyword", unknown.Bytes(), 4 + 12 + 4 + 6 + 4},
	}
	for _, tt := range tests {
		_, _, err := ParseHeader(bytes.NewReader(tt.raw), "bad.fil")
		if !errors.Is(err, cubeerr.ErrMalformedHeader) {
			t.Errorf("%s: expected MalformedHeader, got %v", tt.name, err)
			continue
		}
		if tt.offset >= 0 {
			if off, ok := cubeerr.Offset(err); !ok || off != tt.offset {
				t.Errorf("%s: offset = %d, want %d", tt.name, off, tt.offset)
			}
		}
	}
}

func TestWriterPatchesSampleCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counted.fil")

	h := testHeader(8, codec.Unsigned)
	h.Native = &header.Native{Format: Format, Fields: []header.Field{
		{Name: "nchans", Value: header.Int(64)},
		{Name: "nifs", Value: header.Int(2)},
		{Name: "nbits", Value: header.Int(8)},
		{Name: "nsamples", Value: header.Int(1_000_000)},
		{Name: "fch1", Value: header.Float(h.FrequencyOfChannel0)},
		{Name: "foff", Value: header.Float(h.ChannelBandwidth)},
		{Name: "tsamp", Value: header.Float(h.TimeStep)},
	}}
	writeTestFile(t, path, h, 5)

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Partial output should open cleanly: %v", err)
	}
	defer r.Close()
	if f, _ := r.Header().Native.Lookup("nsamples"); f.Value.Int != 5 {
		t.Errorf("nsamples = %d, want 5", f.Value.Int)
	}
}

func TestWriterRejectsUnsupported(t *testing.T) {
	dir := t.TempDir()
	h := testHeader(32, codec.Signed)
	if _, err := Create(filepath.Join(dir, "x.fil"), h, Options{}); !errors.Is(err, cubeerr.ErrUnsupportedEncoding) {
		t.Errorf("Expected UnsupportedEncoding, got %v", err)
	}
}

func TestAbortRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aborted.fil")
	w, err := Create(path, testHeader(8, codec.Unsigned), Options{})
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected output removed, stat err = %v", err)
	}
}
