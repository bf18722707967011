// Package dataset picks the format adapter for a file, by signature when
// reading and by kind when writing.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"telecube/internal/codec"
	"telecube/internal/compress"
	"telecube/internal/config"
	"telecube/internal/container"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/guppi"
	"telecube/internal/header"
	"telecube/internal/sigproc"
)

// Kind names an on-disk format.
type Kind int

const (
	Unknown Kind = iota
	Sigproc
	Guppi
	Container
)

func (k Kind) String() string {
	switch k {
	case Sigproc:
		return "sigproc"
	case Guppi:
		return "guppi"
	case Container:
		return "container"
	}
	return "unknown"
}

// Extension is the conventional file extension of k.
func (k Kind) Extension() string {
	switch k {
	case Sigproc:
		return ".fil"
	case Guppi:
		return ".raw"
	case Container:
		return ".h5"
	}
	return ""
}

// ParseKind accepts format names and extensions with or without the dot.
func ParseKind(s string) (Kind, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".") {
	case "sigproc", "filterbank", "fil":
		return Sigproc, nil
	case "guppi", "raw":
		return Guppi, nil
	case "container", "hdc", "h5c", "h5":
		return Container, nil
	}
	return Unknown, fmt.Errorf("unknown format %q (want sigproc, guppi or container)", s)
}

// Options carry the settings of every adapter; each adapter reads its own.
type Options struct {
	cube.Options
	Mmap        bool
	BlockTime   int
	ChunkTime   int
	ChunkChans  int
	Compression string
	Registry    *compress.Registry
}

// FromConfig builds adapter options from the stream and convert settings.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Options:     cube.Options{BlockBytes: cfg.Stream.BlockBytes, Workers: cfg.Stream.Workers},
		Mmap:        cfg.Stream.Mmap,
		BlockTime:   cfg.Convert.BlockTime,
		ChunkTime:   cfg.Convert.ChunkTime,
		ChunkChans:  cfg.Convert.ChunkChans,
		Compression: cfg.Convert.Compression,
		Registry:    compress.Default(),
	}
}

func (o Options) sigproc() sigproc.Options { return sigproc.Options{Options: o.Options, Mmap: o.Mmap} }
func (o Options) guppi() guppi.Options     { return guppi.Options{Options: o.Options, BlockTime: o.BlockTime} }

func (o Options) container() container.Options {
	return container.Options{
		Options:     o.Options,
		ChunkTime:   o.ChunkTime,
		ChunkChans:  o.ChunkChans,
		Compression: o.Compression,
		Registry:    o.Registry,
	}
}

// sniffLen covers the SIGPROC prefix, one card and the HDF5 signature.
const sniffLen = 128

// Detect identifies the format of path from its first bytes, falling back
// to the extension for files too short to carry a signature.
func Detect(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	prefix := make([]byte, sniffLen)
	n, err := io.ReadFull(f, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Unknown, fmt.Errorf("failed to read %s: %w", path, err)
	}
	prefix = prefix[:n]

	switch {
	case sigproc.Sniff(prefix):
		return Sigproc, nil
	case container.Sniff(prefix):
		return Container, nil
	case guppi.Sniff(prefix):
		return Guppi, nil
	}
	if k, err := ParseKind(filepath.Ext(path)); err == nil && filepath.Ext(path) != "" {
		return k, nil
	}
	return Unknown, cubeerr.New(cubeerr.ErrMalformedHeader, path, 0, "unrecognized file format")
}

// Open detects the format of path and opens it for reading.
func Open(path string, opts Options) (cube.WindowReader, error) {
	kind, err := Detect(path)
	if err != nil {
		return nil, err
	}
	return OpenKind(kind, path, opts)
}

// OpenKind opens path with the adapter for kind.
func OpenKind(kind Kind, path string, opts Options) (cube.WindowReader, error) {
	switch kind {
	case Sigproc:
		return sigproc.Open(path, opts.sigproc())
	case Guppi:
		return guppi.Open(path, opts.guppi())
	case Container:
		return container.Open(path, opts.container())
	}
	return nil, fmt.Errorf("cannot open %s as %s", path, kind)
}

// Create truncates path and returns a writer of the given kind.
func Create(kind Kind, path string, h header.Header, opts Options) (cube.Writer, error) {
	switch kind {
	case Sigproc:
		return sigproc.Create(path, h, opts.sigproc())
	case Guppi:
		return guppi.Create(path, h, opts.guppi())
	case Container:
		return container.Create(path, h, opts.container())
	}
	return nil, fmt.Errorf("cannot create %s as %s", path, kind)
}

// SupportsEncoding reports whether kind can store enc.
func SupportsEncoding(kind Kind, enc codec.Encoding) bool {
	switch kind {
	case Sigproc:
		return sigproc.SupportsEncoding(enc)
	case Guppi:
		return guppi.SupportsEncoding(enc)
	case Container:
		return enc.Validate() == nil
	}
	return false
}

// NativeEncoding maps enc onto the closest encoding kind can store, keeping
// the width where possible.
func NativeEncoding(kind Kind, enc codec.Encoding) codec.Encoding {
	switch kind {
	case Sigproc:
		return sigproc.NativeEncoding(enc)
	case Guppi:
		return guppi.NativeEncoding(enc)
	}
	return enc
}

// Skipper is implemented by writers that may drop extras their format has
// no place for.
type Skipper interface {
	Skipped() []string
}
