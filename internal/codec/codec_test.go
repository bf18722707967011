package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"

	"telecube/internal/cubeerr"
)

func randomSamples(r *rand.Rand, n int, enc Encoding) []float64 {
	lo, hi := enc.Range()
	out := make([]float64, n)
	for i := range out {
		switch enc.Type {
		case Float:
			out[i] = float64(float32(r.NormFloat64() * 100))
		default:
			out[i] = lo + float64(r.Int63n(int64(hi-lo)+1))
		}
	}
	return out
}

func TestRoundTripAllWidths(t *testing.T) {
	encodings := []Encoding{
		{Bits: 1, Type: Unsigned},
		{Bits: 2, Type: Unsigned},
		{Bits: 2, Type: Signed},
		{Bits: 4, Type: Unsigned},
		{Bits: 4, Type: Signed},
		{Bits: 8, Type: Unsigned},
		{Bits: 8, Type: Signed},
		{Bits: 16, Type: Signed, Order: binary.LittleEndian},
		{Bits: 16, Type: Unsigned, Order: binary.BigEndian},
		{Bits: 32, Type: Signed, Order: binary.BigEndian},
		{Bits: 32, Type: Unsigned},
		{Bits: 32, Type: Float},
		{Bits: 64, Type: Float, Order: binary.BigEndian},
	}

	r := rand.New(rand.NewSource(1))
	for _, enc := range encodings {
		// 1001 is deliberately not a multiple of 8 samples
		src := randomSamples(r, 1001, enc)
		packed := make([]byte, PackedSize(len(src), enc.Bits))
		if err := Pack(packed, src, enc); err != nil {
			t.Fatalf("Failed to pack %v: %v", enc, err)
		}

		got := make([]float64, len(src))
		if err := Unpack(got, packed, enc); err != nil {
			t.Fatalf("Failed to unpack %v: %v", enc, err)
		}
		for i := range src {
			if got[i] != src[i] {
				t.Fatalf("%v: sample %d = %v, want %v", enc, i, got[i], src[i])
			}
		}
	}
}

func TestSubByteBitOrder(t *testing.T) {
	tests := []struct {
		enc     Encoding
		packed  []byte
		samples []float64
	}{
		{Encoding{Bits: 1, Type: Unsigned}, []byte{0b10000001}, []float64{1, 0, 0, 0, 0, 0, 0, 1}},
		{Encoding{Bits: 2, Type: Unsigned}, []byte{0b11100100}, []float64{3, 2, 1, 0}},
		{Encoding{Bits: 4, Type: Unsigned}, []byte{0xA5}, []float64{10, 5}},
		{Encoding{Bits: 4, Type: Signed}, []byte{0xF7}, []float64{-1, 7}},
		{Encoding{Bits: 2, Type: Signed}, []byte{0b10110001}, []float64{-2, -1, 0, 1}},
	}

	for _, tt := range tests {
		got := make([]float64, len(tt.samples))
		if err := Unpack(got, tt.packed, tt.enc); err != nil {
			t.Fatalf("Failed to unpack %v: %v", tt.enc, err)
		}
		for i := range got {
			if got[i] != tt.samples[i] {
				t.Errorf("%v: sample %d = %v, want %v", tt.enc, i, got[i], tt.samples[i])
			}
		}

		packed := make([]byte, len(tt.packed))
		if err := Pack(packed, tt.samples, tt.enc); err != nil {
			t.Fatalf("Failed to pack %v: %v", tt.enc, err)
		}
		if !bytes.Equal(packed, tt.packed) {
			t.Errorf("%v: packed %08b, want %08b", tt.enc, packed, tt.packed)
		}
	}
}

func TestByteOrder(t *testing.T) {
	enc := Encoding{Bits: 16, Type: Signed, Order: binary.BigEndian}
	packed := make([]byte, 2)
	if err := Pack(packed, []float64{-2}, enc); err != nil {
		t.Fatalf("Failed to pack: %v", err)
	}
	if !bytes.Equal(packed, []byte{0xFF, 0xFE}) {
		t.Errorf("big-endian -2 packed as % x", packed)
	}

	enc.Order = binary.LittleEndian
	if err := Pack(packed, []float64{-2}, enc); err != nil {
		t.Fatalf("Failed to pack: %v", err)
	}
	if !bytes.Equal(packed, []byte{0xFE, 0xFF}) {
		t.Errorf("little-endian -2 packed as % x", packed)
	}
}

func TestPackSaturates(t *testing.T) {
	enc := Encoding{Bits: 8, Type: Signed}
	packed := make([]byte, 4)
	if err := Pack(packed, []float64{300, -300, 1.6, math.NaN()}, enc); err != nil {
		t.Fatalf("Failed to pack: %v", err)
	}
	got := make([]float64, 4)
	Unpack(got, packed, enc)
	want := []float64{127, -128, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestUnsupportedEncoding(t *testing.T) {
	bad := []Encoding{
		{Bits: 3, Type: Unsigned},
		{Bits: 1, Type: Signed},
		{Bits: 16, Type: Float},
		{Bits: 64, Type: Signed},
	}
	for _, enc := range bad {
		err := enc.Validate()
		if !errors.Is(err, cubeerr.ErrUnsupportedEncoding) {
			t.Errorf("%v: expected UnsupportedEncoding, got %v", enc, err)
		}
		if err := Unpack(make([]float64, 1), make([]byte, 8), enc); !errors.Is(err, cubeerr.ErrUnsupportedEncoding) {
			t.Errorf("%v: Unpack should refuse, got %v", enc, err)
		}
	}
}

func TestShortBuffers(t *testing.T) {
	enc := Encoding{Bits: 4, Type: Unsigned}
	if err := Unpack(make([]float64, 5), make([]byte, 2), enc); err == nil {
		t.Error("Expected error unpacking 5 nibbles from 2 bytes")
	}
	if err := Pack(make([]byte, 2), make([]float64, 5), enc); err == nil {
		t.Error("Expected error packing 5 nibbles into 2 bytes")
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, enc := range []Encoding{{Bits: 2, Type: Unsigned}, {Bits: 8, Type: Signed}, {Bits: 32, Type: Float}} {
		n := 3*minParallelSamples + 13
		src := randomSamples(r, n, enc)

		serial := make([]byte, PackedSize(n, enc.Bits))
		if err := Pack(serial, src, enc); err != nil {
			t.Fatalf("Failed to pack serially: %v", err)
		}

		c, err := New(enc, 4)
		if err != nil {
			t.Fatalf("Failed to create codec: %v", err)
		}
		parallel := make([]byte, len(serial))
		if err := c.Pack(parallel, src); err != nil {
			t.Fatalf("Failed to pack in parallel: %v", err)
		}
		if !bytes.Equal(serial, parallel) {
			t.Fatalf("%v: parallel pack differs from serial", enc)
		}

		got := make([]float64, n)
		if err := c.Unpack(got, parallel); err != nil {
			t.Fatalf("Failed to unpack in parallel: %v", err)
		}
		for i := range src {
			if got[i] != src[i] {
				t.Fatalf("%v: sample %d = %v, want %v", enc, i, got[i], src[i])
			}
		}
	}
}

func TestLossless(t *testing.T) {
	tests := []struct {
		from, to Encoding
		want     bool
	}{
		{Encoding{Bits: 8, Type: Unsigned}, Encoding{Bits: 8, Type: Unsigned, Order: binary.BigEndian}, true},
		{Encoding{Bits: 8, Type: Unsigned}, Encoding{Bits: 16, Type: Signed}, true},
		{Encoding{Bits: 8, Type: Unsigned}, Encoding{Bits: 8, Type: Signed}, false},
		{Encoding{Bits: 16, Type: Signed}, Encoding{Bits: 8, Type: Signed}, false},
		{Encoding{Bits: 16, Type: Signed}, Encoding{Bits: 32, Type: Float}, true},
		{Encoding{Bits: 32, Type: Signed}, Encoding{Bits: 32, Type: Float}, false},
		{Encoding{Bits: 32, Type: Float}, Encoding{Bits: 16, Type: Signed}, false},
		{Encoding{Bits: 32, Type: Float}, Encoding{Bits: 64, Type: Float}, true},
		{Encoding{Bits: 2, Type: Unsigned}, Encoding{Bits: 4, Type: Signed}, true},
	}
	for _, tt := range tests {
		if got := Lossless(tt.from, tt.to); got != tt.want {
			t.Errorf("Lossless(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
