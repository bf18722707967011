package match

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"telecube/internal/dataset"
)

const secondsPerDay = 86400

// FromHeaders builds one detection per dataset from its header alone: the
// band centre, the start time in seconds since MJD 0, and the pointing.
func FromHeaders(paths []string, opts dataset.Options) (map[string][]Detection, error) {
	lists := make(map[string][]Detection, len(paths))
	for _, path := range paths {
		r, err := dataset.Open(path, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
		}
		h := r.Header()
		r.Close()

		lists[path] = []Detection{{
			File:           path,
			Frequency:      h.CenterFrequency(),
			Time:           h.TimeStart * secondsPerDay,
			Coordinates:    h.Coordinates,
			HasCoordinates: true,
		}}
	}
	return lists, nil
}

// csvColumns are the accepted detection list columns; ra and dec are optional.
var csvColumns = []string{"frequency", "time", "strength", "drift_rate", "ra", "dec"}

// LoadCSV reads a detection list with a header row naming its columns.
// Lines starting with '#' are comments.
func LoadCSV(path string) ([]Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open detection list: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	head, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header row of %s: %w", path, err)
	}
	col := map[string]int{}
	for i, name := range head {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range csvColumns[:4] {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, name)
		}
	}
	_, hasRA := col["ra"]
	_, hasDec := col["dec"]
	positioned := hasRA && hasDec

	var out []Detection
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		line, _ := reader.FieldPos(0)

		values := map[string]float64{}
		for _, name := range csvColumns {
			i, ok := col[name]
			if !ok {
				continue
			}
			if i >= len(rec) {
				return nil, fmt.Errorf("%s:%d: missing %s value", path, line, name)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: invalid %s: %w", path, line, name, err)
			}
			values[name] = v
		}

		d := Detection{
			File:      path,
			Frequency: values["frequency"],
			Time:      values["time"],
			Strength:  values["strength"],
			DriftRate: values["drift_rate"],
		}
		if positioned {
			d.Coordinates.RA = values["ra"]
			d.Coordinates.Dec = values["dec"]
			d.HasCoordinates = true
		}
		out = append(out, d)
	}
	return out, nil
}

// Load reads detections for each path: CSV files are detection lists and
// anything else is treated as a dataset matched on its header.
func Load(paths []string, opts dataset.Options) (map[string][]Detection, error) {
	lists := map[string][]Detection{}
	var datasets []string
	for _, path := range paths {
		if strings.EqualFold(filepath.Ext(path), ".csv") {
			d, err := LoadCSV(path)
			if err != nil {
				return nil, err
			}
			lists[path] = d
			continue
		}
		datasets = append(datasets, path)
	}
	if len(datasets) > 0 {
		fromHeaders, err := FromHeaders(datasets, opts)
		if err != nil {
			return nil, err
		}
		for k, v := range fromHeaders {
			lists[k] = v
		}
	}
	return lists, nil
}
