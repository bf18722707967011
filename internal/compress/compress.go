// Package compress provides a registry of named chunk filters. Each filter
// pairs an HDF5 filter pipeline entry with the byte transform that
// implements it.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// HDF5 filter identifiers.
const (
	FilterNone    uint16 = 0 // no pipeline stage
	FilterDeflate uint16 = 1
	FilterShuffle uint16 = 2
)

// DeflateLevel is the zlib level of the built-in deflate filter.
const DeflateLevel = 6

// Compressor transforms whole chunk payloads. Implementations must be safe
// for concurrent use.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// Filter is a compressor and the pipeline entry that names it on disk.
type Filter struct {
	ID     uint16   // HDF5 filter identifier, FilterNone for stored chunks
	Params []uint32 // client data recorded with the filter
	Compressor
}

// Registry maps compression names to filters.
type Registry struct {
	mu      sync.RWMutex
	filters map[string]Filter
}

// NewRegistry returns a registry holding none and deflate, with gzip and
// zlib as aliases of deflate.
func NewRegistry() *Registry {
	r := &Registry{filters: map[string]Filter{}}
	r.Register("none", Filter{ID: FilterNone, Compressor: none{}})
	deflate := Filter{ID: FilterDeflate, Params: []uint32{DeflateLevel}, Compressor: zlibCodec{level: DeflateLevel}}
	for _, name := range []string{"deflate", "gzip", "zlib"} {
		r.Register(name, deflate)
	}
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default is the process-wide registry used when none is configured.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

// Register adds or replaces the filter for name.
func (r *Registry) Register(name string, f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filters == nil {
		r.filters = map[string]Filter{}
	}
	r.filters[name] = f
}

// Lookup returns the filter registered under name.
func (r *Registry) Lookup(name string) (Filter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[name]
	return f, ok
}

// Names lists the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.filters))
	for name := range r.filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shuffle regroups src so that byte k of every element comes before byte
// k+1 of any element, the HDF5 shuffle filter. A trailing partial element
// is copied unchanged.
func Shuffle(dst, src []byte, size int) {
	n := len(src) / size
	for i := 0; i < n; i++ {
		for k := 0; k < size; k++ {
			dst[k*n+i] = src[i*size+k]
		}
	}
	copy(dst[n*size:], src[n*size:])
}

type none struct{}

func (none) Compress(src []byte) ([]byte, error)   { return append([]byte(nil), src...), nil }
func (none) Decompress(src []byte) ([]byte, error) { return append([]byte(nil), src...), nil }

// zlibCodec produces the zlib streams the HDF5 deflate filter stores.
type zlibCodec struct{ level int }

func (z zlibCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.level)
	if err != nil {
		return nil, fmt.Errorf("compress deflate chunk: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("compress deflate chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress deflate chunk: %w", err)
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decompress deflate chunk: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress deflate chunk: %w", err)
	}
	return out, nil
}
