package guppi

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"telecube/internal/codec"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Format is the name recorded in header.Native for GUPPI headers.
const Format = "guppi"

// Keys of header.Native.Meta describing the sub-block layout.
const (
	MetaBlockTime = "ntime_per_block"
	MetaPktStep   = "pktidx_step"
	MetaDirectIO  = "directio"
)

// canonical cards map onto Header fields.
var canonical = map[string]bool{
	"OBSNCHAN": true, "NPOL": true, "NBITS": true, "OBSFREQ": true,
	"OBSBW": true, "CHAN_BW": true, "TBIN": true, "STT_IMJD": true,
	"STT_SMJD": true, "STT_OFFS": true, "SRC_NAME": true, "RA_STR": true,
	"DEC_STR": true, "RA": true, "DEC": true,
}

// layout cards change from one sub-block to the next or describe padding.
var layout = map[string]bool{
	"BLOCSIZE": true, "PKTIDX": true, "DIRECTIO": true, "OVERLAP": true,
}

// standardOrder is the card order for headers that did not come from a raw file.
var standardOrder = []string{
	"BLOCSIZE", "NPOL", "OBSNCHAN", "NBITS", "OBSFREQ", "OBSBW", "CHAN_BW",
	"TBIN", "DIRECTIO", "SRC_NAME", "RA_STR", "DEC_STR", "RA", "DEC",
	"STT_IMJD", "STT_SMJD", "STT_OFFS", "PKTIDX",
}

func number(v header.Value) (float64, bool) {
	if x, ok := v.Number(); ok {
		return x, true
	}
	if v.Kind == header.StringKind {
		x, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return x, err == nil
	}
	return 0, false
}

func text(v header.Value) string {
	if v.Kind == header.StringKind {
		return v.Str
	}
	return v.String()
}

type cardSet map[string]header.Value

func collect(fields []header.Field) cardSet {
	cards := cardSet{}
	for _, f := range fields {
		if _, dup := cards[f.Name]; !dup {
			cards[f.Name] = f.Value
		}
	}
	return cards
}

func (c cardSet) num(key string) (float64, bool) {
	v, ok := c[key]
	if !ok {
		return 0, false
	}
	return number(v)
}

func (c cardSet) int(key string) (int64, bool) {
	x, ok := c.num(key)
	return int64(x), ok && x == math.Trunc(x)
}

func missing(key string) error {
	return cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "missing or non-numeric card %s", key)
}

// decode maps the cards of the first sub-block onto a canonical header.
// NumTimeSamples is filled in by the reader once every sub-block is known.
func decode(native *header.Native) (header.Header, error) {
	cards := collect(native.Fields)
	h := header.Header{
		NumPolarizations: 1,
		SampleType:       codec.Signed,
		ByteOrder:        binary.LittleEndian,
		Native:           native,
	}

	nchan, ok := cards.int("OBSNCHAN")
	if !ok {
		return header.Header{}, missing("OBSNCHAN")
	}
	h.NumChannels = int(nchan)
	nbits, ok := cards.int("NBITS")
	if !ok {
		return header.Header{}, missing("NBITS")
	}
	h.BitsPerSample = int(nbits)
	if npol, ok := cards.int("NPOL"); ok {
		h.NumPolarizations = int(npol)
	}
	if h.TimeStep, ok = cards.num("TBIN"); !ok {
		return header.Header{}, missing("TBIN")
	}

	obsfreq, ok := cards.num("OBSFREQ")
	if !ok {
		return header.Header{}, missing("OBSFREQ")
	}
	obsbw, ok := cards.num("OBSBW")
	if !ok {
		return header.Header{}, missing("OBSBW")
	}
	chanbw, ok := cards.num("CHAN_BW")
	if !ok && nchan > 0 {
		chanbw = obsbw / float64(nchan)
	}
	h.ChannelBandwidth = chanbw
	h.FrequencyOfChannel0 = obsfreq - chanbw*float64(nchan-1)/2

	imjd, _ := cards.num("STT_IMJD")
	smjd, _ := cards.num("STT_SMJD")
	offs, _ := cards.num("STT_OFFS")
	h.TimeStart = imjd + (smjd+offs)/86400

	if v, ok := cards["SRC_NAME"]; ok {
		h.SourceName = text(v)
	}
	if v, ok := cards["RA_STR"]; ok {
		if hours, err := header.ParseSexagesimal(text(v)); err == nil {
			h.Coordinates.RA = 15 * hours
		}
	} else if ra, ok := cards.num("RA"); ok {
		h.Coordinates.RA = ra
	}
	if v, ok := cards["DEC_STR"]; ok {
		if deg, err := header.ParseSexagesimal(text(v)); err == nil {
			h.Coordinates.Dec = deg
		}
	} else if dec, ok := cards.num("DEC"); ok {
		h.Coordinates.Dec = dec
	}

	seen := map[string]bool{}
	for _, f := range native.Fields {
		if canonical[f.Name] || layout[f.Name] || seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		h.Extras = append(h.Extras, f)
	}
	return h, nil
}

// encodeCanonical renders h's canonical fields as card values.
func encodeCanonical(h header.Header) cardSet {
	imjd := math.Floor(h.TimeStart)
	secs := (h.TimeStart - imjd) * 86400
	smjd := math.Floor(secs)
	return cardSet{
		"OBSNCHAN": header.Int(int64(h.NumChannels)),
		"NPOL":     header.Int(int64(h.NumPolarizations)),
		"NBITS":    header.Int(int64(h.BitsPerSample)),
		"OBSFREQ":  header.Float(h.CenterFrequency()),
		"OBSBW":    header.Float(h.ChannelBandwidth * float64(h.NumChannels)),
		"CHAN_BW":  header.Float(h.ChannelBandwidth),
		"TBIN":     header.Float(h.TimeStep),
		"STT_IMJD": header.Int(int64(imjd)),
		"STT_SMJD": header.Int(int64(smjd)),
		"STT_OFFS": header.Float(secs - smjd),
		"SRC_NAME": header.String(h.SourceName),
		"RA_STR":   header.String(header.FormatSexagesimal(h.Coordinates.RA/15, false)),
		"DEC_STR":  header.String(header.FormatSexagesimal(h.Coordinates.Dec, true)),
		"RA":       header.Float(h.Coordinates.RA),
		"DEC":      header.Float(h.Coordinates.Dec),
	}
}

// SupportsEncoding reports whether enc can be written to a raw file.
// Samples are two's complement; multi-byte samples are little-endian.
func SupportsEncoding(enc codec.Encoding) bool {
	if enc.Type != codec.Signed {
		return false
	}
	if enc.Bits > 8 && enc.Order != nil && enc.Order != binary.LittleEndian {
		return false
	}
	switch enc.Bits {
	case 2, 4, 8, 16:
		return true
	}
	return false
}

// NativeEncoding is the raw-file encoding closest to enc.
func NativeEncoding(enc codec.Encoding) codec.Encoding {
	out := codec.Encoding{Bits: enc.Bits, Type: codec.Signed, Order: binary.LittleEndian}
	switch {
	case enc.Bits > 16:
		out.Bits = 16
	case enc.Bits < 2:
		out.Bits = 2
	}
	return out
}

// validName reports whether name can be a card key as written.
func validName(name string) bool {
	if name == "" || len(name) > keyLen || name == "END" {
		return false
	}
	for _, c := range name {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// template is the ordered card list of one sub-block header, with the
// layout values to be filled in per block.
type template struct {
	fields  []header.Field
	skipped []string
}

// plan decides the card sequence for h. Cards from a parsed raw header keep
// their order and exact text unless the quantity they encode has changed.
func plan(h header.Header) template {
	want := encodeCanonical(h)
	extras := map[string]header.Field{}
	for _, f := range h.Extras {
		extras[strings.ToUpper(f.Name)] = f
	}
	emitted := map[string]bool{}
	var t template

	fromNative := h.Native != nil && h.Native.Format == Format
	var origWant cardSet
	if fromNative {
		if orig, err := decode(h.Native); err == nil {
			origWant = encodeCanonical(orig)
		}
	}
	unchanged := func(key string) bool {
		ow, ok := origWant[key]
		return ok && ow.Equal(want[key])
	}

	if fromNative {
		for _, f := range h.Native.Fields {
			if emitted[f.Name] {
				continue
			}
			switch {
			case layout[f.Name]:
				t.fields = append(t.fields, f)
			case canonical[f.Name]:
				if unchanged(f.Name) {
					t.fields = append(t.fields, f)
				} else {
					t.fields = append(t.fields, header.Field{Name: f.Name, Value: want[f.Name]})
				}
			default:
				e, ok := extras[f.Name]
				if !ok {
					continue
				}
				if e.Value.Equal(f.Value) {
					t.fields = append(t.fields, f)
				} else {
					t.fields = append(t.fields, header.Field{Name: f.Name, Value: e.Value})
				}
			}
			emitted[f.Name] = true
		}
	}

	for _, key := range standardOrder {
		if emitted[key] {
			continue
		}
		switch {
		case layout[key]:
			if fromNative {
				continue
			}
			t.fields = append(t.fields, header.Field{Name: key, Value: header.Int(0)})
		case fromNative && unchanged(key):
			continue
		default:
			t.fields = append(t.fields, header.Field{Name: key, Value: want[key]})
		}
		emitted[key] = true
	}

	for _, f := range h.Extras {
		name := strings.ToUpper(f.Name)
		if emitted[name] {
			continue
		}
		if !validName(name) || canonical[name] || layout[name] {
			t.skipped = append(t.skipped, f.Name)
			continue
		}
		t.fields = append(t.fields, header.Field{Name: name, Value: f.Value})
		emitted[name] = true
	}
	return t
}

// render produces the header bytes of one sub-block.
func (t template) render(blocsize, pktidx int64, directIO bool) ([]byte, error) {
	var sb strings.Builder
	for _, f := range t.fields {
		var card string
		var err error
		switch f.Name {
		case "BLOCSIZE":
			card, err = layoutCard(f, blocsize)
		case "PKTIDX":
			card, err = layoutCard(f, pktidx)
		default:
			if f.Raw != "" {
				card = f.Raw
			} else {
				card, err = formatCard(f)
			}
		}
		if err != nil {
			return nil, err
		}
		sb.WriteString(card)
	}
	sb.WriteString(endCard)
	if directIO {
		if rem := sb.Len() % directIOSize; rem != 0 {
			sb.WriteString(strings.Repeat(" ", directIOSize-rem))
		}
	}
	return []byte(sb.String()), nil
}

// layoutCard keeps the original text of a layout card when its value is unchanged.
func layoutCard(f header.Field, value int64) (string, error) {
	if f.Raw != "" && f.Value.Kind == header.IntKind && f.Value.Int == value {
		return f.Raw, nil
	}
	return formatCard(header.Field{Name: f.Name, Value: header.Int(value)})
}
