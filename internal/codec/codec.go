// Package codec converts runs of samples between the canonical float64
// representation and packed on-disk bytes.
//
// Sub-byte widths are packed most-significant bits first: the first sample
// of a byte occupies its high bits. Multi-byte widths honour the encoding's
// byte order.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"telecube/internal/cubeerr"
)

// SampleType is the numeric interpretation of a packed sample.
type SampleType int

const (
	Unsigned SampleType = iota
	Signed
	Float
)

func (t SampleType) String() string {
	switch t {
	case Unsigned:
		return "unsigned"
	case Signed:
		return "signed"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("SampleType(%d)", int(t))
	}
}

// ParseSampleType accepts the names produced by String.
func ParseSampleType(s string) (SampleType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unsigned", "uint", "u":
		return Unsigned, nil
	case "signed", "int", "i":
		return Signed, nil
	case "float", "f":
		return Float, nil
	}
	return 0, cubeerr.New(cubeerr.ErrUnsupportedEncoding, "", cubeerr.NoOffset, "sample type %q", s)
}

// DefaultType is the interpretation used when a format says nothing:
// unsigned below one byte, signed integers from 8 to 32 bits, float at 64.
func DefaultType(bits int) SampleType {
	switch {
	case bits < 8:
		return Unsigned
	case bits == 64:
		return Float
	default:
		return Signed
	}
}

// Encoding describes the on-disk layout of one sample.
type Encoding struct {
	Bits  int
	Type  SampleType
	Order binary.ByteOrder // nil means little-endian
}

func (e Encoding) order() binary.ByteOrder {
	if e.Order == nil {
		return binary.LittleEndian
	}
	return e.Order
}

func (e Encoding) String() string {
	s := fmt.Sprintf("%s%d", e.Type, e.Bits)
	if e.Bits > 8 {
		if e.order() == binary.BigEndian {
			s += "be"
		} else {
			s += "le"
		}
	}
	return s
}

// Validate reports whether the codec can handle e.
func (e Encoding) Validate() error {
	ok := false
	switch e.Type {
	case Unsigned:
		ok = e.Bits == 1 || e.Bits == 2 || e.Bits == 4 || e.Bits == 8 || e.Bits == 16 || e.Bits == 32
	case Signed:
		ok = e.Bits == 2 || e.Bits == 4 || e.Bits == 8 || e.Bits == 16 || e.Bits == 32
	case Float:
		ok = e.Bits == 32 || e.Bits == 64
	}
	if !ok {
		return cubeerr.New(cubeerr.ErrUnsupportedEncoding, "", cubeerr.NoOffset,
			"%s samples at %d bits", e.Type, e.Bits)
	}
	if e.Order != nil && e.Order != binary.LittleEndian && e.Order != binary.BigEndian {
		return cubeerr.New(cubeerr.ErrUnsupportedEncoding, "", cubeerr.NoOffset, "byte order %v", e.Order)
	}
	return nil
}

// Range returns the smallest and largest representable values.
func (e Encoding) Range() (lo, hi float64) {
	switch e.Type {
	case Unsigned:
		return 0, float64(uint64(1)<<e.Bits - 1)
	case Signed:
		return -float64(int64(1) << (e.Bits - 1)), float64(int64(1)<<(e.Bits-1) - 1)
	}
	if e.Bits == 32 {
		return -math.MaxFloat32, math.MaxFloat32
	}
	return -math.MaxFloat64, math.MaxFloat64
}

// Lossless reports whether every value of from is exactly representable in to.
func Lossless(from, to Encoding) bool {
	if from.Bits == to.Bits && from.Type == to.Type {
		return true
	}
	switch from.Type {
	case Float:
		return to.Type == Float && to.Bits >= from.Bits
	case Unsigned:
		switch to.Type {
		case Unsigned:
			return to.Bits >= from.Bits
		case Signed:
			return to.Bits > from.Bits
		case Float:
			return (to.Bits == 32 && from.Bits <= 24) || to.Bits == 64
		}
	case Signed:
		switch to.Type {
		case Signed:
			return to.Bits >= from.Bits
		case Float:
			return (to.Bits == 32 && from.Bits <= 24) || to.Bits == 64
		}
	}
	return false
}

// PackedSize is the number of bytes holding n samples of the given width.
func PackedSize(n, bits int) int {
	return (n*bits + 7) / 8
}

// SamplesIn is the number of whole samples held by nbytes.
func SamplesIn(nbytes, bits int) int {
	return nbytes * 8 / bits
}

// Unpack decodes len(dst) samples from src.
func Unpack(dst []float64, src []byte, enc Encoding) error {
	if err := enc.Validate(); err != nil {
		return err
	}
	if need := PackedSize(len(dst), enc.Bits); len(src) < need {
		return fmt.Errorf("unpack: need %d bytes for %d samples, have %d", need, len(dst), len(src))
	}

	order := enc.order()
	switch enc.Bits {
	case 1, 2, 4:
		unpackSubByte(dst, src, enc)
	case 8:
		if enc.Type == Signed {
			for i := range dst {
				dst[i] = float64(int8(src[i]))
			}
		} else {
			for i := range dst {
				dst[i] = float64(src[i])
			}
		}
	case 16:
		if enc.Type == Signed {
			for i := range dst {
				dst[i] = float64(int16(order.Uint16(src[2*i:])))
			}
		} else {
			for i := range dst {
				dst[i] = float64(order.Uint16(src[2*i:]))
			}
		}
	case 32:
		switch enc.Type {
		case Float:
			for i := range dst {
				dst[i] = float64(math.Float32frombits(order.Uint32(src[4*i:])))
			}
		case Signed:
			for i := range dst {
				dst[i] = float64(int32(order.Uint32(src[4*i:])))
			}
		default:
			for i := range dst {
				dst[i] = float64(order.Uint32(src[4*i:]))
			}
		}
	case 64:
		for i := range dst {
			dst[i] = math.Float64frombits(order.Uint64(src[8*i:]))
		}
	}
	return nil
}

func unpackSubByte(dst []float64, src []byte, enc Encoding) {
	bits := uint(enc.Bits)
	perByte := 8 / int(bits)
	mask := byte(1)<<bits - 1
	signBit := byte(1) << (bits - 1)

	for i := range dst {
		b := src[i/perByte]
		shift := 8 - bits*uint(i%perByte+1)
		v := (b >> shift) & mask
		if enc.Type == Signed && v&signBit != 0 {
			dst[i] = float64(int(v) - int(mask) - 1)
		} else {
			dst[i] = float64(v)
		}
	}
}

// Pack encodes src into dst. Integer targets round to nearest and saturate
// at the encoding's range; NaN encodes as zero.
func Pack(dst []byte, src []float64, enc Encoding) error {
	if err := enc.Validate(); err != nil {
		return err
	}
	if need := PackedSize(len(src), enc.Bits); len(dst) < need {
		return fmt.Errorf("pack: need %d bytes for %d samples, have %d", need, len(src), len(dst))
	}

	order := enc.order()
	switch enc.Bits {
	case 1, 2, 4:
		packSubByte(dst, src, enc)
	case 8:
		lo, hi := enc.Range()
		for i, v := range src {
			q := quantize(v, lo, hi)
			if enc.Type == Signed {
				dst[i] = byte(int8(q))
			} else {
				dst[i] = byte(q)
			}
		}
	case 16:
		lo, hi := enc.Range()
		for i, v := range src {
			q := quantize(v, lo, hi)
			if enc.Type == Signed {
				order.PutUint16(dst[2*i:], uint16(int16(q)))
			} else {
				order.PutUint16(dst[2*i:], uint16(q))
			}
		}
	case 32:
		switch enc.Type {
		case Float:
			for i, v := range src {
				order.PutUint32(dst[4*i:], math.Float32bits(float32(v)))
			}
		case Signed:
			lo, hi := enc.Range()
			for i, v := range src {
				order.PutUint32(dst[4*i:], uint32(int32(quantize(v, lo, hi))))
			}
		default:
			lo, hi := enc.Range()
			for i, v := range src {
				order.PutUint32(dst[4*i:], uint32(quantize(v, lo, hi)))
			}
		}
	case 64:
		for i, v := range src {
			order.PutUint64(dst[8*i:], math.Float64bits(v))
		}
	}
	return nil
}

func packSubByte(dst []byte, src []float64, enc Encoding) {
	bits := uint(enc.Bits)
	perByte := 8 / int(bits)
	mask := byte(1)<<bits - 1
	lo, hi := enc.Range()

	n := PackedSize(len(src), enc.Bits)
	clear(dst[:n])
	for i, v := range src {
		q := quantize(v, lo, hi)
		var raw byte
		if q < 0 {
			raw = byte(int(q)+int(mask)+1) & mask
		} else {
			raw = byte(q) & mask
		}
		shift := 8 - bits*uint(i%perByte+1)
		dst[i/perByte] |= raw << shift
	}
}

func quantize(v, lo, hi float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r < lo {
		r = lo
	}
	if r > hi {
		r = hi
	}
	return int64(r)
}

// minParallelSamples is the run length below which a Codec works serially.
const minParallelSamples = 1 << 16

// Codec packs and unpacks blocks, splitting large runs across workers. Each
// worker owns a disjoint byte range of the packed data and the matching
// slice of samples.
type Codec struct {
	Encoding Encoding
	Workers  int
}

// New returns a Codec for enc. workers <= 0 uses one worker per CPU.
func New(enc Encoding, workers int) (*Codec, error) {
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Codec{Encoding: enc, Workers: workers}, nil
}

// Unpack decodes len(dst) samples from src.
func (c *Codec) Unpack(dst []float64, src []byte) error {
	if need := PackedSize(len(dst), c.Encoding.Bits); len(src) < need {
		return fmt.Errorf("unpack: need %d bytes for %d samples, have %d", need, len(dst), len(src))
	}
	return c.split(len(dst), func(lo, hi int) error {
		bits := c.Encoding.Bits
		return Unpack(dst[lo:hi], src[lo*bits/8:PackedSize(hi, bits)], c.Encoding)
	})
}

// Pack encodes src into dst.
func (c *Codec) Pack(dst []byte, src []float64) error {
	if need := PackedSize(len(src), c.Encoding.Bits); len(dst) < need {
		return fmt.Errorf("pack: need %d bytes for %d samples, have %d", need, len(src), len(dst))
	}
	return c.split(len(src), func(lo, hi int) error {
		bits := c.Encoding.Bits
		return Pack(dst[lo*bits/8:PackedSize(hi, bits)], src[lo:hi], c.Encoding)
	})
}

func (c *Codec) split(n int, fn func(lo, hi int) error) error {
	if c.Workers <= 1 || n < minParallelSamples {
		return fn(0, n)
	}

	// Chunks are multiples of 8 samples so every chunk starts on a byte.
	per := (n + c.Workers - 1) / c.Workers
	per = (per + 7) &^ 7

	var g errgroup.Group
	g.SetLimit(c.Workers)
	for lo := 0; lo < n; lo += per {
		lo, hi := lo, min(lo+per, n)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}
