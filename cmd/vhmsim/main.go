// Command vhmsim runs an I/O request scenario against the broker using an
// in-process hypervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	scenarioPath := fs.String("scenario", "", "the scenario file to run")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	rateFlag := fs.Float64("rate", 0, "override the workload rate in exits per second")
	console := fs.Bool("console", false, "copy guest serial output to stdout")
	progress := fs.Bool("progress", true, "show a progress bar when attached to a terminal")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] [scenario.yaml]\n\nFlags:\n", os.Args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}
	if *scenarioPath == "" && fs.NArg() == 1 {
		*scenarioPath = fs.Arg(0)
	}
	if *scenarioPath == "" {
		fs.Usage()
		return fmt.Errorf("no scenario given")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	sc, err := LoadScenario(*scenarioPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := Options{Rate: *rateFlag}
	if *console {
		opts.Console = os.Stdout
	} else {
		opts.Console = io.Discard
	}
	if *progress && term.IsTerminal(int(os.Stderr.Fd())) {
		pb := progressbar.Default(int64(exitsPerRun(sc)), sc.Name)
		defer pb.Close()
		opts.Progress = func() { pb.Add(1) }
	}

	report, err := Run(ctx, sc, opts)
	if report != nil {
		if werr := report.Write(os.Stdout); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	if report.Mismatches > 0 {
		return fmt.Errorf("scenario %q: %d reads returned unexpected values", sc.Name, report.Mismatches)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vhmsim: %v\n", err)
		os.Exit(1)
	}
}
