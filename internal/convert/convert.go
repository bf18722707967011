// Package convert streams a dataset from one on-disk format into another,
// one block at a time.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"telecube/internal/codec"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/dataset"
	"telecube/internal/header"
	"telecube/internal/logging"
	"telecube/internal/site"
)

// Options controls a conversion.
type Options struct {
	// Dataset carries the adapter settings used to create the output.
	Dataset dataset.Options

	// Bits and Type request an explicit re-encoding. Zero and empty keep
	// the source encoding.
	Bits int
	Type string

	// AllowLossy permits an output encoding that cannot represent every
	// source value exactly.
	AllowLossy bool

	// Transform, when set, is applied to every block before it is written.
	Transform func(b *cube.Block) error

	// Progress is called after each block with the time samples written
	// so far and the total.
	Progress func(done, total int)

	// Site, when set, is stamped into the output header.
	Site *site.Position

	Logger *log.Logger
}

// Stats summarizes a conversion.
type Stats struct {
	Blocks  int
	Samples int // time samples written
	Buffers int // distinct sample buffers the source handed out
}

// Site field names per format. Filterbank headers have no keyword for them.
var siteFields = map[dataset.Kind][3]string{
	dataset.Container: {"site_latitude", "site_longitude", "site_elevation"},
	dataset.Guppi:     {"SITELAT", "SITELONG", "SITEELEV"},
}

// Plan derives the output header for converting a dataset described by src
// into kind. Encoding changes come only from explicit options or from the
// output format's own sample conventions, and must be lossless unless
// opts.AllowLossy is set.
func Plan(src header.Header, kind dataset.Kind, opts Options) (header.Header, error) {
	from := src.Encoding()
	want := from
	if opts.Bits > 0 {
		want.Bits = opts.Bits
		if (codec.Encoding{Bits: want.Bits, Type: want.Type}).Validate() != nil {
			want.Type = codec.DefaultType(want.Bits)
		}
	}
	if opts.Type != "" {
		t, err := codec.ParseSampleType(opts.Type)
		if err != nil {
			return header.Header{}, err
		}
		want.Type = t
	}
	if err := want.Validate(); err != nil {
		return header.Header{}, err
	}

	native := dataset.NativeEncoding(kind, want)
	if !dataset.SupportsEncoding(kind, native) {
		return header.Header{}, cubeerr.New(cubeerr.ErrUnsupportedEncoding, "", cubeerr.NoOffset,
			"%s cannot store %s samples", kind, want)
	}
	if !codec.Lossless(from, native) && !opts.AllowLossy {
		return header.Header{}, cubeerr.New(cubeerr.ErrIncompatibleConversion, "", cubeerr.NoOffset,
			"%s samples cannot be stored losslessly as %s %s (allow lossy conversion to proceed)", from, kind, native)
	}

	dst := src.WithEncoding(native)
	if opts.Site != nil {
		if names, ok := siteFields[kind]; ok {
			dst = dst.WithExtra(names[0], header.Float(opts.Site.Latitude))
			dst = dst.WithExtra(names[1], header.Float(opts.Site.Longitude))
			dst = dst.WithExtra(names[2], header.Float(opts.Site.Altitude))
		}
	}
	return dst, nil
}

// Convert streams src into a new dataset of the given kind at dstPath and
// returns the header as written. Cancellation is checked between blocks; a
// cancelled conversion removes its output. A read failure part way through
// keeps the output, finalized to declare only the samples written, and
// reports that count in Stats alongside the error.
func Convert(ctx context.Context, src cube.Reader, kind dataset.Kind, dstPath string, opts Options) (header.Header, Stats, error) {
	var stats Stats
	logger := logging.OrDiscard(opts.Logger).With("run", uuid.NewString())

	if SamePath(src.Path(), dstPath) {
		return header.Header{}, stats, fmt.Errorf("refusing to convert %s onto itself", dstPath)
	}

	srcHdr := src.Header()
	dstHdr, err := Plan(srcHdr, kind, opts)
	if err != nil {
		return header.Header{}, stats, withPath(err, dstPath)
	}
	if opts.Site != nil {
		if _, ok := siteFields[kind]; !ok {
			logger.Warn("format has no site fields, position not written", "format", kind)
		}
	}

	w, err := dataset.Create(kind, dstPath, dstHdr, opts.Dataset)
	if err != nil {
		return header.Header{}, stats, withPath(err, dstPath)
	}
	logger.Info("Converting", "src", src.Path(), "dst", dstPath, "format", kind,
		"from", srcHdr.Encoding(), "to", dstHdr.Encoding(), "samples", srcHdr.NumTimeSamples)

	buffers := map[*float64]bool{}
	for {
		select {
		case <-ctx.Done():
			if aerr := w.Abort(); aerr != nil {
				logger.Error("Failed to remove partial output", "path", dstPath, "err", aerr)
			}
			return header.Header{}, stats, fmt.Errorf("conversion of %s cancelled: %w", src.Path(), ctx.Err())
		default:
		}

		b, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cerr := w.Close(); cerr != nil {
				logger.Error("Failed to finalize partial output", "path", dstPath, "err", cerr)
			}
			logger.Warn("Source failed, partial output kept", "path", dstPath, "samples", stats.Samples)
			return w.Header(), stats, fmt.Errorf("conversion stopped after %d of %d time samples: %w",
				stats.Samples, srcHdr.NumTimeSamples, err)
		}
		if cap(b.Data) > 0 {
			buffers[&b.Data[:1][0]] = true
			stats.Buffers = len(buffers)
		}

		if opts.Transform != nil {
			if err := opts.Transform(b); err != nil {
				w.Abort()
				return header.Header{}, stats, fmt.Errorf("transform failed at time sample %d: %w", b.Start, err)
			}
		}
		if err := w.WriteBlock(b); err != nil {
			w.Abort()
			return header.Header{}, stats, fmt.Errorf("failed to write %s: %w", dstPath, err)
		}
		stats.Blocks++
		stats.Samples += b.NumTime
		logger.Debug("Block written", "start", b.Start, "samples", b.NumTime, "blocks", stats.Blocks)
		if opts.Progress != nil {
			opts.Progress(stats.Samples, srcHdr.NumTimeSamples)
		}
	}

	if err := w.Close(); err != nil {
		w.Abort()
		return header.Header{}, stats, fmt.Errorf("failed to finalize %s: %w", dstPath, err)
	}
	if s, ok := w.(dataset.Skipper); ok && len(s.Skipped()) > 0 {
		logger.Warn("Fields with no place in output format were dropped", "path", dstPath, "fields", s.Skipped())
	}
	logger.Info("Conversion complete", "path", dstPath, "blocks", stats.Blocks, "samples", stats.Samples)
	return w.Header(), stats, nil
}

// ConvertFile opens srcPath, converts it, and closes it on every path.
func ConvertFile(ctx context.Context, srcPath string, kind dataset.Kind, dstPath string, srcOpts dataset.Options, opts Options) (header.Header, Stats, error) {
	src, err := dataset.Open(srcPath, srcOpts)
	if err != nil {
		return header.Header{}, Stats{}, err
	}
	defer src.Close()
	return Convert(ctx, src, kind, dstPath, opts)
}

// SamePath reports whether a and b name the same file.
func SamePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

func withPath(err error, path string) error {
	var ce *cubeerr.Error
	if errors.As(err, &ce) && ce.Path == "" {
		ce.Path = path
	}
	return err
}
