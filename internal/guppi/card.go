// Package guppi reads and writes GUPPI raw voltage files: repeated
// sub-blocks, each an ASCII card header terminated by END followed by
// BLOCSIZE bytes of channel-major samples.
package guppi

import (
	"fmt"
	"strconv"
	"strings"

	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

const (
	cardLen      = 80
	keyLen       = 8
	directIOSize = 512
	maxCards     = 4096
)

var endCard = padCard("END")

func padCard(s string) string {
	if len(s) >= cardLen {
		return s[:cardLen]
	}
	return s + strings.Repeat(" ", cardLen-len(s))
}

// Sniff reports whether prefix starts with a header card.
func Sniff(prefix []byte) bool {
	if len(prefix) < cardLen {
		return false
	}
	card := string(prefix[:cardLen])
	if card == endCard {
		return true
	}
	if card[keyLen] != '=' || card[keyLen+1] != ' ' {
		return false
	}
	key := strings.TrimRight(card[:keyLen], " ")
	if key == "" {
		return false
	}
	for _, c := range key {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// parseCard decodes one 80 byte card. Quoted values are strings, T and F
// are booleans, everything else is an int or a float.
func parseCard(card string, path string, offset int64) (header.Field, error) {
	for i := 0; i < len(card); i++ {
		if card[i] < 0x20 || card[i] > 0x7e {
			return header.Field{}, cubeerr.New(cubeerr.ErrMalformedHeader, path, offset+int64(i),
				"non-printable byte 0x%02x in card", card[i])
		}
	}
	if len(card) != cardLen || card[keyLen] != '=' {
		return header.Field{}, cubeerr.New(cubeerr.ErrMalformedHeader, path, offset, "bad card %q", strings.TrimRight(card, " "))
	}

	key := strings.TrimRight(card[:keyLen], " ")
	if key == "" {
		return header.Field{}, cubeerr.New(cubeerr.ErrMalformedHeader, path, offset, "card without a key")
	}
	text := strings.TrimSpace(card[keyLen+1:])

	f := header.Field{Name: key, Raw: card}
	switch {
	case strings.HasPrefix(text, "'"):
		end := strings.LastIndex(text, "'")
		if end <= 0 {
			return header.Field{}, cubeerr.New(cubeerr.ErrMalformedHeader, path, offset, "unterminated string for %s", key)
		}
		f.Value = header.String(strings.TrimRight(strings.ReplaceAll(text[1:end], "''", "'"), " "))
	case text == "T" || text == "F":
		f.Value = header.Bool(text == "T")
	default:
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			f.Value = header.Int(i)
		} else if x, err := strconv.ParseFloat(strings.Replace(text, "D", "E", 1), 64); err == nil {
			f.Value = header.Float(x)
		} else {
			// unquoted text that is not a number is kept as a string
			f.Value = header.String(text)
		}
	}
	return f, nil
}

// formatCard renders a field in FITS fixed format: strings quoted and
// left-justified with at least eight characters, other values
// right-justified to column 30.
func formatCard(f header.Field) (string, error) {
	if len(f.Name) == 0 || len(f.Name) > keyLen {
		return "", fmt.Errorf("card key %q must be 1-%d characters", f.Name, keyLen)
	}
	var value string
	switch f.Value.Kind {
	case header.StringKind:
		s := strings.ReplaceAll(f.Value.Str, "'", "''")
		if len(s) < 8 {
			s += strings.Repeat(" ", 8-len(s))
		}
		value = "'" + s + "'"
	case header.BoolKind:
		value = fmt.Sprintf("%20s", f.Value.String())
	case header.IntKind:
		value = fmt.Sprintf("%20d", f.Value.Int)
	case header.FloatKind:
		value = fmt.Sprintf("%20s", formatFloat(f.Value.Float))
	}
	card := fmt.Sprintf("%-8s= %s", f.Name, value)
	if len(card) > cardLen {
		return "", fmt.Errorf("card %s is %d characters long", f.Name, len(card))
	}
	return padCard(card), nil
}

// formatFloat keeps a decimal point or exponent so the value reads back as a float.
func formatFloat(x float64) string {
	s := strconv.FormatFloat(x, 'G', -1, 64)
	if !strings.ContainsAny(s, ".EN") {
		s += "."
	}
	return s
}
