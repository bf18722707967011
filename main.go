// Telecube - format conversion for radio-telescope time-frequency datasets
// This program streams SIGPROC filterbank, GUPPI raw and chunked container
// files into one another block by block, re-encoding samples on the way.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"telecube/internal/config"
	"telecube/internal/convert"
	"telecube/internal/cubeerr"
	"telecube/internal/dataset"
	"telecube/internal/logging"
	"telecube/internal/site"
	"telecube/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Command line flag variables
var (
	cfgFile      string // Configuration file path
	outputPath   string // Output file (single input only)
	showVersion  bool   // Show version information
	showProgress bool   // Print per-file progress
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "telecube [flags] INPUT...",
	Short: "Convert radio-telescope datasets between formats",
	Long: `Telecube converts time-frequency datasets between SIGPROC filterbank (.fil),
GUPPI raw (.raw) and chunked, compressed HDF5 filterbank (.h5) files.

Data is streamed in blocks sized by stream.block_bytes, so inputs may be far
larger than memory. Encoding changes that cannot represent every input value
exactly are refused unless --allow-lossy is given.

Example usage:
  telecube --to container obs.fil
  telecube --to sigproc --bits 8 --allow-lossy -o obs8.fil obs.h5
  telecube --to guppi --site-nmea station.nmea blc00.fil`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetVersionInfo("Telecube"))
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("at least one input file is required")
		}
		return runConvert(args)
	},
}

// init initializes the CLI flags and configuration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./telecube.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "append logs to this file instead of stderr")

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().BoolVarP(&showProgress, "progress", "P", false, "print conversion progress")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (single input only)")
	rootCmd.Flags().String("output-dir", "", "directory for outputs (default is next to each input)")
	rootCmd.Flags().StringP("to", "t", "container", "output format (sigproc, guppi, container)")
	rootCmd.Flags().IntP("bits", "b", 0, "output bits per sample (0 keeps the input width)")
	rootCmd.Flags().String("type", "", "output sample type (unsigned, signed, float)")
	rootCmd.Flags().Bool("allow-lossy", false, "permit conversions that lose precision or range")
	rootCmd.Flags().String("compression", "deflate", "container chunk compression (deflate, none)")
	rootCmd.Flags().Int("chunk-time", 0, "container chunk height in time samples")
	rootCmd.Flags().Int("chunk-chans", 0, "container chunk width in channels")
	rootCmd.Flags().Int("block-time", 0, "GUPPI sub-block length in time samples")
	rootCmd.Flags().Int("block-bytes", 32<<20, "in-memory size of one block in bytes")
	rootCmd.Flags().Int("workers", 0, "codec workers (0 = one per CPU)")
	rootCmd.Flags().Bool("mmap", false, "memory-map filterbank inputs")
	rootCmd.Flags().Bool("overwrite", false, "replace existing output files")
	rootCmd.Flags().String("site-nmea", "", "stamp the best fix from a recorded NMEA log into the output")

	// Bind command line flags to viper configuration keys
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("convert.format", rootCmd.Flags().Lookup("to"))
	viper.BindPFlag("convert.bits", rootCmd.Flags().Lookup("bits"))
	viper.BindPFlag("convert.sample_type", rootCmd.Flags().Lookup("type"))
	viper.BindPFlag("convert.allow_lossy", rootCmd.Flags().Lookup("allow-lossy"))
	viper.BindPFlag("convert.compression", rootCmd.Flags().Lookup("compression"))
	viper.BindPFlag("convert.chunk_time", rootCmd.Flags().Lookup("chunk-time"))
	viper.BindPFlag("convert.chunk_chans", rootCmd.Flags().Lookup("chunk-chans"))
	viper.BindPFlag("convert.block_time", rootCmd.Flags().Lookup("block-time"))
	viper.BindPFlag("convert.overwrite", rootCmd.Flags().Lookup("overwrite"))
	viper.BindPFlag("convert.output_dir", rootCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("stream.block_bytes", rootCmd.Flags().Lookup("block-bytes"))
	viper.BindPFlag("stream.workers", rootCmd.Flags().Lookup("workers"))
	viper.BindPFlag("stream.mmap", rootCmd.Flags().Lookup("mmap"))
	viper.BindPFlag("site.nmea_file", rootCmd.Flags().Lookup("site-nmea"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("telecube")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	// TELECUBE_CONVERT_FORMAT overrides convert.format, and so on
	viper.SetEnvPrefix("telecube")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config file %s: %v\n", cfgFile, err)
	}
}

// outputFor names the output of converting input to kind
func outputFor(input string, kind dataset.Kind, dir string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)) + kind.Extension()
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, base)
}

// runConvert is the main application logic
func runConvert(inputs []string) error {
	// --site-nmea implies nmea site mode
	if viper.GetString("site.nmea_file") != "" && !viper.IsSet("site.mode") {
		viper.Set("site.mode", "nmea")
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging, "telecube")
	if err != nil {
		return err
	}
	defer closer.Close()

	kind, err := dataset.ParseKind(cfg.Convert.Format)
	if err != nil {
		return err
	}
	if outputPath != "" && len(inputs) > 1 {
		return fmt.Errorf("--output names a single file but %d inputs were given", len(inputs))
	}
	if cfg.Convert.OutputDir != "" {
		if err := os.MkdirAll(cfg.Convert.OutputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	pos, err := site.FromConfig(cfg.Site, logger)
	if err != nil {
		return fmt.Errorf("failed to resolve site: %w", err)
	}
	if pos != nil {
		logger.Info("Site position", "lat", pos.Latitude, "lon", pos.Longitude,
			"alt", pos.Altitude, "fix", site.QualityString(pos.FixQuality))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived interrupt signal, removing partial output...\n")
		cancel()
	}()

	opts := dataset.FromConfig(cfg)
	for _, input := range inputs {
		dst := outputPath
		if dst == "" {
			dst = outputFor(input, kind, cfg.Convert.OutputDir)
		}
		if _, err := os.Stat(dst); err == nil && !cfg.Convert.Overwrite {
			return fmt.Errorf("%s already exists (use --overwrite to replace it)", dst)
		}

		convOpts := convert.Options{
			Dataset:    opts,
			Bits:       cfg.Convert.Bits,
			Type:       cfg.Convert.SampleType,
			AllowLossy: cfg.Convert.AllowLossy,
			Site:       pos,
			Logger:     logger,
		}
		if showProgress {
			name := filepath.Base(input)
			convOpts.Progress = func(done, total int) {
				if total > 0 {
					fmt.Fprintf(os.Stderr, "\r%s: %5.1f%%", name, 100*float64(done)/float64(total))
				}
			}
		}

		start := time.Now()
		h, stats, err := convert.ConvertFile(ctx, input, kind, dst, opts, convOpts)
		if showProgress {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("conversion of %s interrupted", input)
			}
			logger.Error("Conversion failed", "path", input, "kind", cubeerr.KindName(err))
			return err
		}
		fmt.Printf("%s -> %s (%s, %d-bit %s, %d samples, %d blocks, %v)\n",
			input, dst, kind, h.BitsPerSample, h.SampleType, stats.Samples, stats.Blocks,
			time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		// classified errors already lead with their kind
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cubeerr.ExitCode(err))
	}
}
