// Cube Match - coincidence matching of detections across observations
// This program pairs detections from several files that agree in time and
// frequency (and optionally sky position) within configured tolerances.
// Inputs are detection lists in CSV form or datasets matched on their headers.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"telecube/internal/config"
	"telecube/internal/cubeerr"
	"telecube/internal/dataset"
	"telecube/internal/logging"
	"telecube/internal/match"
	"telecube/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	inputPattern string // glob of inputs, in addition to positional args
	outputDir    string
	verbose      bool
	showVersion  bool
	dryRun       bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cube-match [flags] FILE...",
	Short: "Pair detections across observations within tolerances",
	Long: `Cube Match finds coincident detections across two or more files. Two
detections match when their times differ by at most --time-tolerance seconds
and their frequencies by at most --freq-tolerance MHz. With a non-zero
--angular-tolerance, detections that both carry sky positions must also lie
within that many degrees.

Inputs ending in .csv are detection lists with a header row naming the
columns frequency, time, strength, drift_rate and optionally ra, dec. Any
other input is opened as a dataset and contributes one detection built from
its header (band centre, start time, pointing).

Example usage:
  cube-match on.csv off1.csv off2.csv
  cube-match --input "hits/*.csv" --time-tolerance 5 --export csv
  cube-match --freq-tolerance 1 blc0*.fil`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetVersionInfo("Cube Match"))
			return nil
		}
		return runMatch(args)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().StringVarP(&inputPattern, "input", "i", "", "input file pattern (e.g., 'hits/*.csv')")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "./match-results", "output directory")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every matched pair")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be matched without doing it")
	rootCmd.Flags().Float64("time-tolerance", 1.0, "time tolerance in seconds")
	rootCmd.Flags().Float64("freq-tolerance", 0.001, "frequency tolerance in MHz")
	rootCmd.Flags().Float64("angular-tolerance", 0, "angular tolerance in degrees (0 ignores position)")
	rootCmd.Flags().StringP("export", "f", "json", "export format (json, csv)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("match.time_tolerance", rootCmd.Flags().Lookup("time-tolerance"))
	viper.BindPFlag("match.frequency_tolerance", rootCmd.Flags().Lookup("freq-tolerance"))
	viper.BindPFlag("match.angular_tolerance", rootCmd.Flags().Lookup("angular-tolerance"))
	viper.BindPFlag("match.export", rootCmd.Flags().Lookup("export"))
	viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config file %s: %v\n", cfgFile, err)
		}
	}
	viper.SetEnvPrefix("telecube")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// collectInputs merges positional arguments with the --input glob,
// dropping duplicates
func collectInputs(args []string) ([]string, error) {
	files := append([]string(nil), args...)
	if inputPattern != "" {
		matches, err := filepath.Glob(inputPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		files = append(files, matches...)
	}

	seen := map[string]bool{}
	var out []string
	for _, f := range files {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// formatFileList formats a list of files for error messages
func formatFileList(files []string) string {
	if len(files) == 0 {
		return "  (none)"
	}
	result := ""
	for i, file := range files {
		result += fmt.Sprintf("  %d. %s\n", i+1, filepath.Base(file))
	}
	return result
}

func runMatch(args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Logging, "cube-match")
	if err != nil {
		return err
	}
	defer closer.Close()

	files, err := collectInputs(args)
	if err != nil {
		return err
	}
	if len(files) < 2 {
		return fmt.Errorf("matching requires at least 2 input files, found %d:\n%s", len(files), formatFileList(files))
	}

	engine, err := match.NewEngine(cfg.Match, logger)
	if err != nil {
		return err
	}
	tol := engine.Tolerance()

	fmt.Printf("Found %d input files:\n%s\n", len(files), formatFileList(files))
	if dryRun {
		fmt.Printf("DRY RUN: would match with tolerances %g s, %g MHz, %g deg\n", tol.Time, tol.Frequency, tol.Angular)
		fmt.Printf("Would export %s to: %s\n", cfg.Match.Export, outputDir)
		return nil
	}

	lists, err := match.Load(files, dataset.FromConfig(cfg))
	if err != nil {
		logger.Error("Loading detections failed", "kind", cubeerr.KindName(err))
		return err
	}
	result, err := engine.Run(lists)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	outputFile := filepath.Join(outputDir, fmt.Sprintf("match_%s.%s",
		result.ProcessingTime.Format("20060102_150405"), strings.ToLower(cfg.Match.Export)))
	if err := result.Export(outputFile, cfg.Match.Export); err != nil {
		return fmt.Errorf("failed to export results: %w", err)
	}

	displaySummary(result, outputFile)
	return nil
}

// displaySummary shows a summary of the matching results
func displaySummary(result *match.Result, outputFile string) {
	fmt.Printf("Matching complete\n\n")
	fmt.Printf("  %-22s %g s\n", "Time tolerance:", result.Tolerance.Time)
	fmt.Printf("  %-22s %g MHz\n", "Frequency tolerance:", result.Tolerance.Frequency)
	fmt.Printf("  %-22s %g deg\n", "Angular tolerance:", result.Tolerance.Angular)
	for _, f := range result.Files {
		fmt.Printf("  %-22s %d detections\n", filepath.Base(f.Name)+":", f.Detections)
	}
	fmt.Printf("  %-22s %d\n\n", "Matched pairs:", len(result.Pairs))

	if verbose {
		for _, p := range result.Pairs {
			fmt.Printf("  %s %.6f MHz @ %.3f s  <->  %s %.6f MHz @ %.3f s  (df %+.6f MHz, dt %+.3f s)\n",
				filepath.Base(p.A.File), p.A.Frequency, p.A.Time,
				filepath.Base(p.B.File), p.B.Frequency, p.B.Time,
				p.FrequencyDelta, p.TimeDelta)
		}
		fmt.Println()
	}
	fmt.Printf("Output File: %s\n", outputFile)
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cubeerr.ExitCode(err))
	}
}
