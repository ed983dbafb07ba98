// Command msvtool queries minimum safe versions from the command line.
//
//	msvtool query <name> [-version V] [-force] [-format text|json|markdown]
//	msvtool check <file> [-concurrency N] [-no-parallel] [-format text|json]
//	msvtool refresh
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	"github.com/quay/msvcore/libmsv"
)

type commonConfig struct {
	DataDir string
	Lib     *libmsv.Libmsv
}

type subcmd func(context.Context, *commonConfig, []string) error

func main() {
	var exit int
	defer func() {
		if exit != 0 {
			os.Exit(exit)
		}
	}()
	ctx, done := context.WithCancel(context.Background())
	defer done()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		<-ch
		done()
	}()

	var cfg commonConfig
	fs := flag.NewFlagSet("msvtool", flag.ExitOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage of %s:\n", os.Args[0])
		fs.PrintDefaults()
		fmt.Fprintf(out, "\nSubcommands\n\n")
		fmt.Fprintln(out, "query <name>")
		fmt.Fprintln(out, "\tcompute the minimum safe version for one product")
		fmt.Fprintln(out, "check <file>")
		fmt.Fprintln(out, "\trun a compliance check over a list of name,version pairs")
		fmt.Fprintln(out, "refresh")
		fmt.Fprintln(out, "\tforce a re-download of the CISA KEV catalog")
		fmt.Fprintln(out)
	}
	fs.StringVar(&cfg.DataDir, "data-dir", "", "data directory (default: $PAI_DIR or $HOME/AI-Projects)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit = 1
		return
	}
	log := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).Level(zerolog.WarnLevel)
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	}
	zlog.Set(&log)

	var cmd subcmd
	switch n := fs.Arg(0); n {
	case "query":
		cmd = Query
	case "check":
		cmd = Check
	case "refresh":
		cmd = Refresh
	case "":
		fs.Usage()
		exit = 1
		return
	default:
		fs.Usage()
		fmt.Fprintf(os.Stderr, "\nError: unknown subcommand %q\n", n)
		exit = 1
		return
	}

	lib, err := libmsv.New(ctx, &libmsv.Options{DataDir: cfg.DataDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit = 1
		return
	}
	defer lib.Close(ctx)
	cfg.Lib = lib

	if err := cmd(ctx, &cfg, fs.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit = 1
	}
}
