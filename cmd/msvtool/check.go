package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/quay/msvcore/libmsv"
)

// Check implements the "check" subcommand. Input is a file (or "-" for
// stdin) of "name,version" lines; version is optional, "#" starts a comment.
func Check(ctx context.Context, cfg *commonConfig, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	concurrency := fs.Int("concurrency", 0, "worker pool size (default 5)")
	noParallel := fs.Bool("no-parallel", false, "process items one at a time")
	force := fs.Bool("force", false, "bypass the MSV cache")
	format := fs.String("format", "text", "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("check: exactly one input file required")
	}

	items, err := readItems(fs.Arg(0))
	if err != nil {
		return err
	}
	n := *concurrency
	if *noParallel {
		n = 1
	}
	var progress libmsv.ProgressSink
	if *format == "text" {
		progress = &ticker{total: len(items)}
	}
	rows, err := cfg.Lib.Check(ctx, items, libmsv.CheckOpts{
		Concurrency: n,
		Force:       *force,
		Progress:    progress,
	})
	if err != nil {
		return err
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "text":
		printRows(os.Stdout, rows)
	default:
		return fmt.Errorf("check: unknown format %q", *format)
	}
	return nil
}

func readItems(path string) ([]libmsv.CheckItem, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("check: %w", err)
		}
		defer f.Close()
		r = f
	}
	var items []libmsv.CheckItem
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, version, _ := strings.Cut(line, ",")
		items = append(items, libmsv.CheckItem{
			Name:    strings.TrimSpace(name),
			Version: strings.TrimSpace(version),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("check: no items in input")
	}
	return items, nil
}

// ticker is the plain-text progress sink, writing to stderr so stdout stays
// parseable.
type ticker struct {
	total int
	done  atomic.Int64
}

func (t *ticker) Step(label string) {
	fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", t.done.Add(1), t.total, label)
}

func printRows(w *os.File, rows []libmsv.ComplianceRow) {
	fmt.Fprintf(w, "%-28s %-12s %-14s %-12s %s\n", "NAME", "INSTALLED", "VERDICT", "MSV", "ACTION")
	for _, row := range rows {
		msv, action := "-", "-"
		if row.Result != nil {
			msv = row.Result.MSV
			action = string(row.Result.Recommendation.Action)
		}
		fmt.Fprintf(w, "%-28s %-12s %-14s %-12s %s\n",
			row.Item.Name, orDash(row.Item.Version), row.Verdict, msv, action)
		if row.Error != "" {
			fmt.Fprintf(w, "    %s\n", row.Error)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
