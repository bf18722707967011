package compress

import (
	"bytes"
	"compress/zlib"
	"io"
	"sync"
	"testing"
)

func TestBuiltinsRoundTrip(t *testing.T) {
	r := NewRegistry()

	payload := bytes.Repeat([]byte("time-frequency chunk "), 500)
	for _, name := range []string{"none", "deflate", "gzip", "zlib"} {
		f, ok := r.Lookup(name)
		if !ok {
			t.Fatalf("Filter %s not registered", name)
		}
		packed, err := f.Compress(payload)
		if err != nil {
			t.Fatalf("Failed to compress with %s: %v", name, err)
		}
		if name != "none" && len(packed) >= len(payload) {
			t.Errorf("%s did not shrink a repetitive payload (%d >= %d)", name, len(packed), len(payload))
		}
		out, err := f.Decompress(packed)
		if err != nil {
			t.Fatalf("Failed to decompress with %s: %v", name, err)
		}
		if !bytes.Equal(out, payload) {
			t.Errorf("%s round trip changed the payload", name)
		}
	}
}

func TestFilterIdentifiers(t *testing.T) {
	r := NewRegistry()
	if f, _ := r.Lookup("none"); f.ID != FilterNone {
		t.Errorf("Expected none to add no pipeline stage, got filter %d", f.ID)
	}
	for _, name := range []string{"deflate", "gzip", "zlib"} {
		f, _ := r.Lookup(name)
		if f.ID != FilterDeflate || len(f.Params) != 1 || f.Params[0] != DeflateLevel {
			t.Errorf("%s: expected deflate filter at level %d, got %d %v", name, DeflateLevel, f.ID, f.Params)
		}
	}
}

// Deflate chunks must be plain zlib streams so any HDF5 reader inflates them.
func TestDeflateIsZlibStream(t *testing.T) {
	f, _ := NewRegistry().Lookup("deflate")
	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 1000)
	packed, err := f.Compress(payload)
	if err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(packed))
	if err != nil {
		t.Fatalf("Not a zlib stream: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("Failed to inflate: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Inflated payload differs")
	}
}

func TestCorruptPayload(t *testing.T) {
	f, _ := NewRegistry().Lookup("deflate")
	if _, err := f.Decompress([]byte("definitely not compressed")); err == nil {
		t.Error("deflate accepted a corrupt payload")
	}
}

func TestShuffle(t *testing.T) {
	src := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x11, 0x12, 0x13, 0x14,
		0x21, 0x22, 0x23, 0x24,
		0xff, 0xfe, // partial element
	}
	want := []byte{
		0x01, 0x11, 0x21,
		0x02, 0x12, 0x22,
		0x03, 0x13, 0x23,
		0x04, 0x14, 0x24,
		0xff, 0xfe,
	}
	got := make([]byte, len(src))
	Shuffle(got, src, 4)
	if !bytes.Equal(got, want) {
		t.Errorf("Expected % x, got % x", want, got)
	}

	one := []byte{9, 8, 7}
	Shuffle(got[:3], one, 1)
	if !bytes.Equal(got[:3], one) {
		t.Errorf("Single-byte elements changed: % x", got[:3])
	}
}

type reverse struct{}

func (reverse) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	for i, b := range src {
		out[len(src)-1-i] = b
	}
	return out, nil
}

func (r reverse) Decompress(src []byte) ([]byte, error) { return r.Compress(src) }

func TestRegisterAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("reverse", Filter{ID: 256, Compressor: reverse{}})

	want := []string{"deflate", "gzip", "none", "reverse", "zlib"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
			break
		}
	}
	if _, ok := r.Lookup("lzf"); ok {
		t.Error("Lookup of an unregistered name succeeded")
	}
}

func TestDefaultIsShared(t *testing.T) {
	if Default() != Default() {
		t.Error("Expected one process-wide registry")
	}
	if _, ok := Default().Lookup("deflate"); !ok {
		t.Error("Default registry lacks deflate")
	}
}

func TestConcurrentLookup(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, ok := r.Lookup("deflate")
			if !ok {
				t.Error("deflate missing")
				return
			}
			data := bytes.Repeat([]byte{byte(i)}, 4096)
			packed, _ := f.Compress(data)
			out, err := f.Decompress(packed)
			if err != nil || !bytes.Equal(out, data) {
				t.Errorf("Concurrent round trip failed: %v", err)
			}
		}()
	}
	r.Register("reverse", Filter{ID: 256, Compressor: reverse{}})
	wg.Wait()
}
