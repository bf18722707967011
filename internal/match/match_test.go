package match

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"telecube/internal/codec"
	"telecube/internal/config"
	"telecube/internal/cube"
	"telecube/internal/dataset"
	"telecube/internal/header"
)

func TestMatchTolerance(t *testing.T) {
	a := []Detection{{File: "file1", Frequency: 1000.0, Time: 10.0}}
	b := []Detection{{File: "file2", Frequency: 1000.0005, Time: 10.02}}

	pairs := Match(a, b, Tolerance{Time: 0.1, Frequency: 0.001})
	if len(pairs) != 1 {
		t.Fatalf("Expected 1 pair, got %d", len(pairs))
	}
	if math.Abs(pairs[0].FrequencyDelta-0.0005) > 1e-12 || math.Abs(pairs[0].TimeDelta-0.02) > 1e-12 {
		t.Errorf("Unexpected deltas %+v", pairs[0])
	}

	if pairs := Match(a, b, Tolerance{Time: 0.1, Frequency: 0.0001}); len(pairs) != 0 {
		t.Errorf("Expected no pair at 0.0001 MHz tolerance, got %d", len(pairs))
	}
	if pairs := Match(a, b, Tolerance{Time: 0.01, Frequency: 0.001}); len(pairs) != 0 {
		t.Errorf("Expected no pair at 0.01 s tolerance, got %d", len(pairs))
	}
}

func TestMatchInclusiveBoundary(t *testing.T) {
	a := []Detection{{Frequency: 1000, Time: 0}}
	b := []Detection{{Frequency: 1002, Time: 3}}
	if pairs := Match(a, b, Tolerance{Time: 3, Frequency: 2}); len(pairs) != 1 {
		t.Errorf("Expected a pair exactly at the tolerance, got %d", len(pairs))
	}
}

func TestMatchReportsAllTies(t *testing.T) {
	a := []Detection{
		{File: "a", Frequency: 1420.0, Time: 5},
		{File: "a", Frequency: 1410.0, Time: 5},
	}
	b := []Detection{
		{File: "b", Frequency: 1420.0004, Time: 5},
		{File: "b", Frequency: 1419.9997, Time: 5.05},
		{File: "b", Frequency: 1420.0, Time: 9}, // too late
		{File: "b", Frequency: 1400.0, Time: 5},
	}
	pairs := Match(a, b, Tolerance{Time: 0.1, Frequency: 0.001})
	if len(pairs) != 2 {
		t.Fatalf("Expected both candidates near 1420 MHz, got %d pairs", len(pairs))
	}
	// output follows frequency order of b within each a
	if pairs[0].B.Frequency != 1419.9997 || pairs[1].B.Frequency != 1420.0004 {
		t.Errorf("Unexpected pair order: %v, %v", pairs[0].B.Frequency, pairs[1].B.Frequency)
	}
}

func pairKey(p Pair) [4]float64 {
	return [4]float64{p.A.Frequency, p.A.Time, p.B.Frequency, p.B.Time}
}

func TestMatchIsSymmetric(t *testing.T) {
	var a, b []Detection
	for i := 0; i < 200; i++ {
		a = append(a, Detection{File: "a", Frequency: 1400 + float64(i%37)*0.0007, Time: float64(i%11) * 0.3})
		b = append(b, Detection{File: "b", Frequency: 1400 + float64(i%29)*0.0009, Time: float64(i%13) * 0.25})
	}
	tol := Tolerance{Time: 0.3, Frequency: 0.001}

	ab := Match(a, b, tol)
	ba := Match(b, a, tol)
	if len(ab) == 0 || len(ab) != len(ba) {
		t.Fatalf("Expected the same number of pairs both ways, got %d and %d", len(ab), len(ba))
	}

	count := map[[4]float64]int{}
	for _, p := range ab {
		count[pairKey(p)]++
	}
	for _, p := range ba {
		count[[4]float64{p.B.Frequency, p.B.Time, p.A.Frequency, p.A.Time}]--
	}
	for k, n := range count {
		if n != 0 {
			t.Fatalf("Pair %v differs between directions (%d)", k, n)
		}
	}

	// agrees with the quadratic comparison
	brute := 0
	for _, x := range a {
		for _, y := range b {
			if math.Abs(x.Frequency-y.Frequency) <= tol.Frequency && math.Abs(x.Time-y.Time) <= tol.Time {
				brute++
			}
		}
	}
	if brute != len(ab) {
		t.Errorf("Expected %d pairs from all-pairs comparison, got %d", brute, len(ab))
	}

	again := Match(a, b, tol)
	for i := range ab {
		if pairKey(ab[i]) != pairKey(again[i]) {
			t.Fatalf("Pair %d differs between runs", i)
		}
	}
}

func TestMatchAngularTolerance(t *testing.T) {
	a := []Detection{{Frequency: 1420, Time: 0, Coordinates: header.Coordinates{RA: 83.6331, Dec: 22.0145}, HasCoordinates: true}}
	near := Detection{Frequency: 1420, Time: 0, Coordinates: header.Coordinates{RA: 83.6331, Dec: 22.5145}, HasCoordinates: true}
	far := Detection{Frequency: 1420, Time: 0, Coordinates: header.Coordinates{RA: 90.0, Dec: 22.0145}, HasCoordinates: true}
	unknown := Detection{Frequency: 1420, Time: 0}

	pairs := Match(a, []Detection{near, far, unknown}, Tolerance{Frequency: 0.001, Angular: 1})
	if len(pairs) != 2 {
		t.Fatalf("Expected the near and unpositioned detections, got %d pairs", len(pairs))
	}
	for _, p := range pairs {
		if p.B.HasCoordinates && math.Abs(p.Separation-0.5) > 1e-9 {
			t.Errorf("Expected 0.5 deg separation, got %v", p.Separation)
		}
	}
}

func TestMatchAllPairwise(t *testing.T) {
	d := func(file string) []Detection {
		return []Detection{{File: file, Frequency: 8419.9, Time: 100}}
	}
	lists := map[string][]Detection{"c.csv": d("c.csv"), "a.csv": d("a.csv"), "b.csv": d("b.csv")}
	pairs := MatchAll(lists, Tolerance{Time: 1, Frequency: 0.001})

	want := [][2]string{{"a.csv", "b.csv"}, {"a.csv", "c.csv"}, {"b.csv", "c.csv"}}
	if len(pairs) != len(want) {
		t.Fatalf("Expected %d pairs, got %d", len(want), len(pairs))
	}
	for i, w := range want {
		if pairs[i].A.File != w[0] || pairs[i].B.File != w[1] {
			t.Errorf("Pair %d: expected %v, got %s-%s", i, w, pairs[i].A.File, pairs[i].B.File)
		}
	}
}

func TestNewEngineValidates(t *testing.T) {
	if _, err := NewEngine(config.MatchConfig{TimeTolerance: -1}, nil); err == nil {
		t.Error("Expected error for negative tolerance")
	}
	e, err := NewEngine(config.DefaultConfig().Match, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if _, err := e.Run(map[string][]Detection{"only": nil}); err == nil {
		t.Error("Expected error for a single file")
	}
}

func TestLoadCSVAndExport(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	if err := os.WriteFile(a, []byte("# turboSETI hits\nfrequency,time,strength,drift_rate,ra,dec\n8419.921,12.5,25.1,-0.39,257.5,12.25\n8421.0,40,10,0,257.5,12.25\n"), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", a, err)
	}
	if err := os.WriteFile(b, []byte("Time, Frequency, Strength, Drift_Rate\n12.6, 8419.9213, 18.0, -0.40\n"), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", b, err)
	}

	lists, err := Load([]string{a, b}, dataset.Options{})
	if err != nil {
		t.Fatalf("Failed to load detections: %v", err)
	}
	if len(lists[a]) != 2 || !lists[a][0].HasCoordinates || lists[a][0].DriftRate != -0.39 {
		t.Errorf("Unexpected detections from %s: %+v", a, lists[a])
	}
	if len(lists[b]) != 1 || lists[b][0].HasCoordinates || lists[b][0].Frequency != 8419.9213 {
		t.Errorf("Unexpected detections from %s: %+v", b, lists[b])
	}

	e, err := NewEngine(config.MatchConfig{TimeTolerance: 0.5, FrequencyTolerance: 0.001}, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	result, err := e.Run(lists)
	if err != nil {
		t.Fatalf("Failed to match: %v", err)
	}
	if len(result.Pairs) != 1 {
		t.Fatalf("Expected 1 pair, got %d", len(result.Pairs))
	}

	jsonPath := filepath.Join(dir, "out.json")
	if err := result.Export(jsonPath, "json"); err != nil {
		t.Fatalf("Failed to export JSON: %v", err)
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("Failed to read JSON: %v", err)
	}
	var decoded Result
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if len(decoded.Pairs) != 1 || decoded.Pairs[0].A.File != a {
		t.Errorf("Unexpected JSON pairs: %+v", decoded.Pairs)
	}

	csvPath := filepath.Join(dir, "out.csv")
	if err := result.Export(csvPath, "csv"); err != nil {
		t.Fatalf("Failed to export CSV: %v", err)
	}
	data, err = os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("Failed to read CSV: %v", err)
	}
	if !strings.Contains(string(data), "8419.921000000") || !strings.Contains(string(data), "File_A") {
		t.Errorf("Unexpected CSV export:\n%s", data)
	}

	if err := result.Export(filepath.Join(dir, "out.kml"), "kml"); err == nil {
		t.Error("Expected error for unsupported export format")
	}
}

func TestLoadCSVErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name, content string
	}{
		{"missing column", "frequency,time,strength\n1,2,3\n"},
		{"bad number", "frequency,time,strength,drift_rate\n1420,abc,1,0\n"},
		{"short row", "frequency,time,strength,drift_rate\n1420,1\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".csv")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write: %v", err)
			}
			if _, err := LoadCSV(path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestFromHeaders(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, start := range []float64{60000.5, 60000.5 + 0.5/86400} {
		h := header.Header{
			NumChannels:         16,
			NumPolarizations:    1,
			BitsPerSample:       8,
			SampleType:          codec.Unsigned,
			FrequencyOfChannel0: 1420.0 + float64(i)*0.0001,
			ChannelBandwidth:    0.01,
			TimeStart:           start,
			TimeStep:            1,
			SourceName:          "HI",
			Coordinates:         header.Coordinates{RA: 10, Dec: 20},
		}
		path := filepath.Join(dir, []string{"on.fil", "off.fil"}[i])
		w, err := dataset.Create(dataset.Sigproc, path, h, dataset.Options{})
		if err != nil {
			t.Fatalf("Failed to create %s: %v", path, err)
		}
		if err := w.WriteBlock(cube.NewBlock(4, 1, 16)); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Failed to close: %v", err)
		}
		paths = append(paths, path)
	}

	lists, err := FromHeaders(paths, dataset.Options{})
	if err != nil {
		t.Fatalf("Failed to read headers: %v", err)
	}
	on := lists[paths[0]][0]
	if math.Abs(on.Frequency-1420.075) > 1e-9 || math.Abs(on.Time-60000.5*86400) > 1e-3 {
		t.Errorf("Unexpected header detection %+v", on)
	}

	pairs := MatchAll(lists, Tolerance{Time: 1, Frequency: 0.001, Angular: 0.1})
	if len(pairs) != 1 {
		t.Fatalf("Expected the two headers to coincide, got %d pairs", len(pairs))
	}
	if math.Abs(pairs[0].TimeDelta) > 0.5+1e-3 {
		t.Errorf("Unexpected time delta %v", pairs[0].TimeDelta)
	}
}
