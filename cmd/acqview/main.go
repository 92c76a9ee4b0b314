// Command acqview serves the acquisition view of a light-sheet microscope
// over HTTP: the live FOV position, tile and scan plans, the volume model
// and acquisition metadata
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/acqview/acquisition"
	"github.com/nasa-jpl/acqview/metadata"
	"github.com/nasa-jpl/acqview/stage"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "acqview.yml"
	k              = koanf.New(".")
)

// loadConfig loads the defaults, then the config file over them
func loadConfig(k *koanf.Koanf, path string) (Config, error) {
	c := Config{}
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return c, fmt.Errorf("error loading config: %w", err)
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// watchMetadata reloads the metadata values and naming whenever the config
// file changes.  Bad edits are logged and leave the metadata alone
func watchMetadata(path string, md *metadata.Metadata, logger *slog.Logger) {
	f := file.Provider(path)
	err := f.Watch(func(event interface{}, err error) {
		if err != nil {
			logger.Warn("config watch failed", "err", err)
			return
		}
		fresh := koanf.New(".")
		if err := fresh.Load(f, yaml.Parser()); err != nil {
			logger.Warn("config reload failed", "err", err)
			return
		}
		setup := MetadataSetup{}
		if err := fresh.Unmarshal("Metadata", &setup); err != nil {
			logger.Warn("config reload failed", "err", err)
			return
		}
		if err := md.SetAll(setup.Values); err != nil {
			logger.Warn("metadata not reloaded", "err", err)
			return
		}
		if setup.DatetimeFormat != "" || len(setup.Names.Format) > 0 {
			if err := md.SetNaming(setup.DatetimeFormat, setup.Names); err != nil {
				logger.Warn("acquisition naming not reloaded", "err", err)
				return
			}
		}
		logger.Info("metadata reloaded", "file", path)
	})
	if err != nil {
		logger.Debug("not watching config file", "file", path, "err", err)
	}
}

func run(c Config) error {
	logger := NewLogger(os.Stderr, c.LogLevel, c.LogFormat)
	slog.SetDefault(logger)

	hw, err := BuildHardware(c)
	if err != nil {
		return err
	}
	defer hw.Close()
	md, err := BuildMetadata(c.Metadata)
	if err != nil {
		return err
	}
	view, err := acquisition.NewView(hw.Instrument, hw.Locks, md, ViewConfig(c), logger)
	if err != nil {
		return err
	}
	defer view.Close()
	watchMetadata(ConfigFileName, md, logger)
	ops, err := BuildOperations(c, logger)
	if err != nil {
		return err
	}

	srv := NewServer(c.Addr, BuildMux(c.Endpoint, logger, view, ops))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shut)
	}()

	view.Start()
	logger.Info("now listening for requests", "addr", c.Addr, "endpoint", c.Endpoint)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// probe connects to every stage and reads its position once
func probe(c Config) error {
	hw, err := BuildHardware(c)
	if err != nil {
		return err
	}
	defer hw.Close()
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}
	failed := 0
	for _, s := range hw.Instrument.Stages() {
		spinner.Suffix(" " + s.Name)
		spinner.Message("reading position")
		if err := spinner.Start(); err != nil {
			return err
		}
		mu := hw.Locks.For(s.Name)
		mu.Lock()
		pos, ok, err := stage.Position(s.Axis)
		mu.Unlock()
		switch {
		case err != nil:
			failed++
			spinner.StopFailMessage(err.Error())
			spinner.StopFail()
		case !ok:
			failed++
			spinner.StopFailMessage("no position reported")
			spinner.StopFail()
		default:
			spinner.StopMessage(fmt.Sprintf("%s = %f mm", s.Axis.InstrumentAxis(), pos))
			spinner.Stop()
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d stages could not be read", failed, len(hw.Instrument.Stages()))
	}
	return nil
}

func mkconf(c Config) error {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf(c Config) error {
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func newRootCmd() *cobra.Command {
	var c Config
	rootCmd := &cobra.Command{
		Use:   "acqview",
		Short: "acqview serves the acquisition view of a light-sheet microscope over HTTP",
		Long: `acqview polls the stages of a microscope, keeps the tile plan, scan plan and
volume model following the field of view and exposes them, with the
acquisition metadata, over HTTP.  The position is also streamed over a
websocket at <endpoint>/fov/stream.

acqview is amenable to configuration via its .yml file.  For a primer on YAML,
see https://yaml.org/start.html.  Without a file, a simulated instrument is served.

Stage types, case insensitive:
- "sim" a simulated stage
- "esp", "esp300", "esp301" an axis of a Newport ESP motion controller`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			c, err = loadConfig(k, ConfigFileName)
			return err
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "config file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the server",
			RunE:  func(cmd *cobra.Command, args []string) error { return run(c) },
		},
		&cobra.Command{
			Use:   "probe",
			Short: "Read the position of every stage once",
			RunE:  func(cmd *cobra.Command, args []string) error { return probe(c) },
		},
		&cobra.Command{
			Use:   "mkconf",
			Short: "Write the current configuration to the config file",
			RunE:  func(cmd *cobra.Command, args []string) error { return mkconf(c) },
		},
		&cobra.Command{
			Use:   "conf",
			Short: "Print the current configuration",
			RunE:  func(cmd *cobra.Command, args []string) error { return printconf(c) },
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return nil
			},
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("acqview version %v\n", Version)
			},
		},
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
