package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/justyntemme/winnow/internal/app"
	"github.com/justyntemme/winnow/internal/config"
)

func main() {
	var (
		configPath string
		sortDir    string
		categories []string
		logFile    string
		logLevel   string
	)
	pflag.StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/winnow/config.yaml)")
	pflag.StringVar(&sortDir, "sort-dir", "", "destination root for sorted images")
	pflag.StringSliceVar(&categories, "categories", nil, "category names bound to move slots 1-9")
	pflag.StringVar(&logFile, "log-file", "", "append logs to a file instead of stderr")
	pflag.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pflag.Usage = usage
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	if sortDir != "" {
		cfg.SortDir = sortDir
	}
	if len(categories) > 0 {
		cfg.Categories = categories
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Finalize(pflag.Args()); err != nil {
		fatal(err)
	}

	log, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		fatal(err)
	}
	defer closeLog()

	if err := app.Run(cfg, log); err != nil {
		log.Error().Err(err).Msg("winnow exited with error")
		closeLog()
		fatal(err)
	}
}

func newLogger(lc config.LoggingConfig) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("log level %q: %w", lc.Level, err)
	}

	var w io.Writer
	cleanup := func() {}
	if lc.File != "" {
		f, ferr := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			return zerolog.Nop(), func() {}, fmt.Errorf("log file: %w", ferr)
		}
		w = f
		cleanup = func() { f.Close() }
	} else {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), cleanup, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "winnow: %v\n", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: winnow [flags] DIR [DIR...]\n\n")
	fmt.Fprintf(os.Stderr, "Sort images under DIR with single keystrokes:\n")
	fmt.Fprintf(os.Stderr, "  n/space next   p/N prev   g/G first/last   r random\n")
	fmt.Fprintf(os.Stderr, "  m1..m9 move to category   d/x delete   u undo   s slideshow   q quit\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	pflag.PrintDefaults()
}
