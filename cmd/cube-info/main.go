// Cube Info - display the header and sample statistics of telecube datasets
// This program prints the canonical header of SIGPROC, GUPPI and container
// files along with derived quantities, and optionally streams every block
// to compute sample statistics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"telecube/internal/config"
	"telecube/internal/cubeerr"
	"telecube/internal/dataset"
	"telecube/internal/inspect"
	"telecube/internal/logging"
	"telecube/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	showStats    bool
	showExtras   bool
	showBandpass bool
	outputFormat string
	showVersion  bool
)

// report is the JSON form of one file
type report struct {
	*inspect.Summary
	Stats *inspect.Stats `json:"stats,omitempty"`
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cube-info [flags] FILE...",
	Short: "Display the header and statistics of telecube datasets",
	Long: `Cube Info displays the header of SIGPROC filterbank, GUPPI raw and container
files in canonical units, together with derived quantities such as the band
centre, total bandwidth and observation length.

Display modes:
  --stats      Stream every block and report min, max, mean and standard deviation
  --bandpass   With --stats, print the per-channel mean
  --extras     Show format-specific header fields`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetVersionInfo("Cube Info"))
			return nil
		}
		if len(args) == 0 {
			cmd.Usage()
			return fmt.Errorf("filename required")
		}
		return runInfo(args)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "show statistical analysis of samples")
	rootCmd.Flags().BoolVar(&showBandpass, "bandpass", false, "show the per-channel mean (with --stats)")
	rootCmd.Flags().BoolVarP(&showExtras, "extras", "e", false, "show format-specific header fields")
	rootCmd.Flags().StringVarP(&outputFormat, "format", "f", "table", "output format (table, json)")
	rootCmd.Flags().Int("block-bytes", 32<<20, "in-memory size of one block in bytes")
	rootCmd.Flags().Bool("mmap", false, "memory-map filterbank inputs")
	rootCmd.Flags().String("log-level", "warn", "log level (debug, info, warn, error)")

	viper.BindPFlag("stream.block_bytes", rootCmd.Flags().Lookup("block-bytes"))
	viper.BindPFlag("stream.mmap", rootCmd.Flags().Lookup("mmap"))
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

func runInfo(files []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Logging, "cube-info")
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := dataset.FromConfig(cfg)
	var reports []report
	for i, path := range files {
		rep, err := inspectFile(ctx, path, opts)
		if err != nil {
			logger.Error("Inspection failed", "path", path, "kind", cubeerr.KindName(err))
			return err
		}
		if outputFormat == "json" {
			reports = append(reports, *rep)
			continue
		}
		if i > 0 {
			fmt.Println()
		}
		displayReport(rep)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(reports)
	}
	return nil
}

// inspectFile summarizes one file and gathers statistics if requested
func inspectFile(ctx context.Context, path string, opts dataset.Options) (*report, error) {
	kind, err := dataset.Detect(path)
	if err != nil {
		return nil, err
	}
	r, err := dataset.OpenKind(kind, path, opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	summary, err := inspect.Describe(r, kind)
	if err != nil {
		return nil, err
	}
	rep := &report{Summary: summary}
	if !showExtras {
		rep.Extras = nil
	}
	if showStats {
		if rep.Stats, err = inspect.Compute(ctx, r); err != nil {
			return nil, err
		}
		if !showBandpass {
			rep.Stats.Bandpass = nil
		}
	}
	return rep, nil
}

// displayReport prints a report as aligned tables
func displayReport(rep *report) {
	fmt.Printf("File: %s (%s, %.2f MB)\n", filepath.Base(rep.Path), rep.Kind, float64(rep.FileSize)/(1024*1024))
	printRows(rep.Rows)

	if len(rep.Extras) > 0 {
		fmt.Printf("\nFormat-specific fields:\n")
		printRows(rep.Extras)
	}

	if s := rep.Stats; s != nil {
		fmt.Printf("\nStatistics (%d samples in %d blocks):\n", s.Samples, s.Blocks)
		printRows([]inspect.Row{
			{Name: "Min", Value: fmt.Sprintf("%.6g", s.Min)},
			{Name: "Max", Value: fmt.Sprintf("%.6g", s.Max)},
			{Name: "Mean", Value: fmt.Sprintf("%.6g", s.Mean)},
			{Name: "Std dev", Value: fmt.Sprintf("%.6g", s.StdDev)},
			{Name: "Noise floor", Value: fmt.Sprintf("%.6g", s.NoiseFloor)},
			{Name: "Peak channel", Value: fmt.Sprintf("%d (%.6f MHz)", s.PeakChannel, s.PeakFrequency)},
		})
		if len(s.Bandpass) > 0 {
			fmt.Printf("\nBandpass:\n")
			for i, v := range s.Bandpass {
				fmt.Printf("  %5d  %12.6f MHz  %.6g\n", i, rep.Header.ChannelFrequency(i), v)
			}
		}
	}
}

func printRows(rows []inspect.Row) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Name)+1)
	}
	for _, r := range rows {
		fmt.Printf("  %-*s  %s\n", width, r.Name+":", r.Value)
	}
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cubeerr.ExitCode(err))
	}
}
