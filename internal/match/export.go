package match

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Export writes the result in the named format ("json" or "csv").
func (r *Result) Export(filename, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return r.ExportJSON(filename)
	case "csv":
		return r.ExportCSV(filename)
	}
	return fmt.Errorf("unsupported export format: %s", format)
}

// ExportJSON exports the matching results as indented JSON
func (r *Result) ExportJSON(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// ExportCSV exports the matched pairs in CSV format for spreadsheet analysis
func (r *Result) ExportCSV(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	// Write metadata header
	writer.Write([]string{"# Coincidence Matching"})
	writer.Write([]string{"# Processing Time", r.ProcessingTime.Format("2006-01-02 15:04:05")})
	writer.Write([]string{"# Time Tolerance s", fmt.Sprintf("%g", r.Tolerance.Time)})
	writer.Write([]string{"# Frequency Tolerance MHz", fmt.Sprintf("%g", r.Tolerance.Frequency)})
	writer.Write([]string{"# Angular Tolerance deg", fmt.Sprintf("%g", r.Tolerance.Angular)})
	for _, f := range r.Files {
		writer.Write([]string{"# File", f.Name, fmt.Sprintf("%d", f.Detections)})
	}

	writer.Write([]string{
		"File_A", "Frequency_A_MHz", "Time_A_s", "Strength_A", "Drift_A",
		"File_B", "Frequency_B_MHz", "Time_B_s", "Strength_B", "Drift_B",
		"Frequency_Delta_MHz", "Time_Delta_s", "Separation_deg",
	})
	for _, p := range r.Pairs {
		writer.Write([]string{
			p.A.File,
			fmt.Sprintf("%.9f", p.A.Frequency),
			fmt.Sprintf("%.6f", p.A.Time),
			fmt.Sprintf("%g", p.A.Strength),
			fmt.Sprintf("%g", p.A.DriftRate),
			p.B.File,
			fmt.Sprintf("%.9f", p.B.Frequency),
			fmt.Sprintf("%.6f", p.B.Time),
			fmt.Sprintf("%g", p.B.Strength),
			fmt.Sprintf("%g", p.B.DriftRate),
			fmt.Sprintf("%.9f", p.FrequencyDelta),
			fmt.Sprintf("%.6f", p.TimeDelta),
			fmt.Sprintf("%.6f", p.Separation),
		})
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}
