package dataset

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"telecube/internal/codec"
	"telecube/internal/compress"
	"telecube/internal/config"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

func testHeader(bits int, typ codec.SampleType) header.Header {
	return header.Header{
		NumChannels:         8,
		NumPolarizations:    2,
		BitsPerSample:       bits,
		SampleType:          typ,
		ByteOrder:           binary.LittleEndian,
		FrequencyOfChannel0: 1420,
		ChannelBandwidth:    0.25,
		TimeStart:           59000.5,
		TimeStep:            0.001,
		SourceName:          "B0329+54",
	}
}

func TestDetectWrittenFiles(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		kind Kind
		h    header.Header
	}{
		{Sigproc, testHeader(8, codec.Unsigned)},
		{Guppi, testHeader(8, codec.Signed)},
		{Container, testHeader(8, codec.Unsigned)},
	}
	for _, tt := range tests {
		// a misleading extension must not matter when the signature is present
		path := filepath.Join(dir, tt.kind.String()+".dat")
		w, err := Create(tt.kind, path, tt.h, Options{})
		if err != nil {
			t.Fatalf("Failed to create %s: %v", tt.kind, err)
		}
		b := cube.NewBlock(3, 2, 8)
		if err := w.WriteBlock(b); err != nil {
			t.Fatalf("Failed to write %s: %v", tt.kind, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Failed to close %s: %v", tt.kind, err)
		}

		kind, err := Detect(path)
		if err != nil {
			t.Fatalf("Failed to detect %s: %v", tt.kind, err)
		}
		if kind != tt.kind {
			t.Errorf("Expected %s, detected %s", tt.kind, kind)
		}

		r, err := Open(path, Options{})
		if err != nil {
			t.Fatalf("Failed to open %s: %v", tt.kind, err)
		}
		if got := r.Header().NumTimeSamples; got != 3 {
			t.Errorf("%s: expected 3 time samples, got %d", tt.kind, got)
		}
		r.Close()
	}
}

func TestDetectFallsBackToExtension(t *testing.T) {
	dir := t.TempDir()
	for name, want := range map[string]Kind{"a.fil": Sigproc, "b.raw": Guppi, "c.h5": Container, "d.hdc": Container} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, nil, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
		kind, err := Detect(path)
		if err != nil {
			t.Fatalf("Failed to detect %s: %v", name, err)
		}
		if kind != want {
			t.Errorf("%s: expected %s, got %s", name, want, kind)
		}
	}

	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("observing log\n"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if _, err := Detect(path); !errors.Is(err, cubeerr.ErrMalformedHeader) {
		t.Errorf("Expected MalformedHeader for an unknown file, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"sigproc", Sigproc},
		{".fil", Sigproc},
		{"GUPPI", Guppi},
		{"raw", Guppi},
		{"h5", Container},
		{".hdc", Container},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseKind("fits"); err == nil {
		t.Error("Expected an error for fits")
	}
}

func TestSupportsEncoding(t *testing.T) {
	u8 := codec.Encoding{Bits: 8, Type: codec.Unsigned}
	if !SupportsEncoding(Sigproc, u8) || SupportsEncoding(Guppi, u8) || !SupportsEncoding(Container, u8) {
		t.Error("Unexpected support matrix for unsigned 8 bit samples")
	}
	if got := NativeEncoding(Guppi, u8); got.Type != codec.Signed || got.Bits != 8 {
		t.Errorf("Expected signed 8 bit for raw files, got %s", got)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stream.BlockBytes = 1 << 20
	cfg.Stream.Mmap = true
	cfg.Convert.ChunkChans = 64

	opts := FromConfig(cfg)
	if opts.BlockBytes != 1<<20 || !opts.Mmap || opts.ChunkChans != 64 || opts.Compression != "deflate" {
		t.Errorf("Unexpected options %+v", opts)
	}
	if opts.Registry != compress.Default() || FromConfig(cfg).Registry != opts.Registry {
		t.Error("Expected every run to share the default compression registry")
	}
}
