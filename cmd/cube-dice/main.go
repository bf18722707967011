// Cube Dice - extract a time and frequency window from a telecube dataset
// The window is given either as sample and channel indices or in physical
// units (MHz and seconds from the start), and is written in any supported
// format without reading data outside the window.
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

	"telecube/internal/config"
	"telecube/internal/cubeerr"
	"telecube/internal/dataset"
	"telecube/internal/dice"
	"telecube/internal/logging"
	"telecube/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	outputPath  string
	showVersion bool
	overwrite   bool

	// index window; -1 means the extent of the input
	startSample, stopSample int
	startChan, stopChan     int

	// physical window, used when its flags are set
	freqLow, freqHigh   float64
	timeStart, timeStop float64
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cube-dice [flags] INPUT",
	Short: "Extract a time-frequency window from a dataset",
	Long: `Cube Dice copies a rectangular window of a dataset to a new file. The window
can be given in samples and channels, or in MHz and seconds from the start of
the observation; the two styles cannot be mixed on the same axis.

Example usage:
  cube-dice --f-start 1420.0 --f-stop 1420.8 -o hi.fil obs.fil
  cube-dice --t-start 10 --t-stop 20 --to container obs.raw
  cube-dice --chan-start 1024 --chan-stop 2048 -o sub.h5 obs.h5`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetVersionInfo("Cube Dice"))
			return nil
		}
		if len(args) == 0 {
			cmd.Usage()
			return fmt.Errorf("input file required")
		}
		return runDice(cmd, args[0])
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default is INPUT_diced with the output extension)")
	rootCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing output file")
	rootCmd.Flags().StringP("to", "t", "", "output format (default is the input format)")
	rootCmd.Flags().Bool("allow-lossy", false, "permit an output format that cannot hold the input encoding")
	rootCmd.Flags().String("compression", "deflate", "container chunk compression")
	rootCmd.Flags().Int("block-bytes", 32<<20, "in-memory size of one block in bytes")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.Flags().IntVar(&startSample, "start", -1, "first time sample (inclusive)")
	rootCmd.Flags().IntVar(&stopSample, "stop", -1, "last time sample (exclusive)")
	rootCmd.Flags().IntVar(&startChan, "chan-start", -1, "first channel (inclusive)")
	rootCmd.Flags().IntVar(&stopChan, "chan-stop", -1, "last channel (exclusive)")
	rootCmd.Flags().Float64Var(&freqLow, "f-start", 0, "lower frequency edge in MHz")
	rootCmd.Flags().Float64Var(&freqHigh, "f-stop", 0, "upper frequency edge in MHz")
	rootCmd.Flags().Float64Var(&timeStart, "t-start", 0, "start offset in seconds")
	rootCmd.Flags().Float64Var(&timeStop, "t-stop", 0, "stop offset in seconds")

	viper.BindPFlag("dice.format", rootCmd.Flags().Lookup("to"))
	viper.BindPFlag("convert.allow_lossy", rootCmd.Flags().Lookup("allow-lossy"))
	viper.BindPFlag("convert.compression", rootCmd.Flags().Lookup("compression"))
	viper.BindPFlag("stream.block_bytes", rootCmd.Flags().Lookup("block-bytes"))
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

// window resolves the requested ranges against the input header. Index
// flags win on an axis only when no physical flag was given for it.
func window(cmd *cobra.Command, opts dataset.Options, input string) (dice.Range, dice.Range, error) {
	src, err := dataset.Open(input, opts)
	if err != nil {
		return dice.Range{}, dice.Range{}, err
	}
	h := src.Header()
	src.Close()

	flags := cmd.Flags()
	times := dice.Range{Start: 0, Stop: h.NumTimeSamples}
	chans := dice.Range{Start: 0, Stop: h.NumChannels}

	physicalTime := flags.Changed("t-start") || flags.Changed("t-stop")
	if physicalTime && (flags.Changed("start") || flags.Changed("stop")) {
		return times, chans, fmt.Errorf("--start/--stop cannot be combined with --t-start/--t-stop")
	}
	if physicalTime {
		stop := h.Duration()
		if flags.Changed("t-stop") {
			stop = timeStop
		}
		if times, err = dice.TimeRange(h, timeStart, stop); err != nil {
			return times, chans, err
		}
	} else {
		if startSample >= 0 {
			times.Start = startSample
		}
		if stopSample >= 0 {
			times.Stop = stopSample
		}
	}

	physicalFreq := flags.Changed("f-start") || flags.Changed("f-stop")
	if physicalFreq && (flags.Changed("chan-start") || flags.Changed("chan-stop")) {
		return times, chans, fmt.Errorf("--chan-start/--chan-stop cannot be combined with --f-start/--f-stop")
	}
	if physicalFreq {
		lo := h.ChannelFrequency(0)
		hi := h.ChannelFrequency(h.NumChannels - 1)
		if lo > hi {
			lo, hi = hi, lo
		}
		if flags.Changed("f-start") {
			lo = freqLow
		}
		if flags.Changed("f-stop") {
			hi = freqHigh
		}
		if chans, err = dice.FrequencyRange(h, lo, hi); err != nil {
			return times, chans, err
		}
	} else {
		if startChan >= 0 {
			chans.Start = startChan
		}
		if stopChan >= 0 {
			chans.Stop = stopChan
		}
	}
	return times, chans, nil
}

func runDice(cmd *cobra.Command, input string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Logging, "cube-dice")
	if err != nil {
		return err
	}
	defer closer.Close()

	kind, err := dataset.Detect(input)
	if err != nil {
		return err
	}
	if cfg.Dice.Format != "" {
		if kind, err = dataset.ParseKind(cfg.Dice.Format); err != nil {
			return err
		}
	}

	opts := dataset.FromConfig(cfg)
	times, chans, err := window(cmd, opts, input)
	if err != nil {
		return err
	}

	dst := outputPath
	if dst == "" {
		base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		dst = filepath.Join(filepath.Dir(input), base+"_diced"+kind.Extension())
	}
	if _, err := os.Stat(dst); err == nil && !overwrite {
		return fmt.Errorf("%s already exists (use --overwrite to replace it)", dst)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Dicing", "input", input, "output", dst, "times", times, "chans", chans)
	h, err := dice.DiceFile(ctx, input, kind, dst, times, chans, opts, dice.Options{
		Dataset:    opts,
		AllowLossy: cfg.Convert.AllowLossy,
		Logger:     logger,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("dicing of %s interrupted", input)
		}
		logger.Error("Dicing failed", "path", input, "kind", cubeerr.KindName(err))
		return err
	}

	fmt.Printf("%s -> %s: %d samples x %d channels, %.6f-%.6f MHz, %.3f s\n",
		input, dst, h.NumTimeSamples, h.NumChannels,
		h.ChannelFrequency(0), h.ChannelFrequency(h.NumChannels-1), h.Duration())
	return nil
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cubeerr.ExitCode(err))
	}
}
