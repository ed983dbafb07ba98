package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/quay/msvcore/libmsv"
)

// Query implements the "query" subcommand.
func Query(ctx context.Context, cfg *commonConfig, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	version := fs.String("version", "", "installed version for the compliance verdict")
	force := fs.Bool("force", false, "bypass the MSV cache")
	format := fs.String("format", "text", "output format: text, json, or markdown")
	if err := fs.Parse(args); err != nil {
		return err
	}
	name := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if name == "" {
		return fmt.Errorf("query: product name required")
	}

	res, err := cfg.Lib.QueryMSV(ctx, name, libmsv.QueryOpts{
		CurrentVersion: *version,
		Force:          *force,
	})
	// A result alongside an error means the cache write failed; print the
	// answer anyway and let the error set the exit status.
	if res == nil {
		return err
	}
	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(res); eerr != nil {
			return eerr
		}
	case "markdown":
		printResult(os.Stdout, res, true)
	case "text":
		printResult(os.Stdout, res, false)
	default:
		return fmt.Errorf("query: unknown format %q", *format)
	}
	return err
}

func printResult(w *os.File, res *libmsv.MSVResult, md bool) {
	h := func(s string) string {
		if md {
			return "## " + s
		}
		return s
	}
	fmt.Fprintf(w, "%s\n", h(res.DisplayName))
	fmt.Fprintf(w, "  Minimum safe version: %s\n", res.MSV)
	if res.Result != nil && res.Result.RecommendedVersion != "" {
		fmt.Fprintf(w, "  Recommended version:  %s\n", res.Result.RecommendedVersion)
	}
	fmt.Fprintf(w, "  Confidence:           %s (%s)\n", res.Rating.String(), res.Rating.Description)
	if res.Result != nil {
		fmt.Fprintf(w, "  Risk:                 %s (%d/100)\n", res.Risk.Label, res.Risk.Score)
		fmt.Fprintf(w, "  CVEs considered:      %d\n", len(res.Result.Findings))
		if res.Result.FromCache {
			fmt.Fprintln(w, "  (served from cache)")
		}
		for _, b := range res.Result.Branches {
			fmt.Fprintf(w, "  branch %-8s msv %s", b.Branch, b.MSV)
			if b.NoSafeVersion {
				fmt.Fprint(w, "  NO SAFE VERSION SHIPPED")
			}
			fmt.Fprintln(w)
		}
	}
	if res.Verdict != "" {
		fmt.Fprintf(w, "  Installed %s: %s\n", res.CurrentVersion, res.Verdict)
	}
	fmt.Fprintf(w, "  Action: %s - %s\n", res.Recommendation.Action, res.Recommendation.Headline)
	if res.Note != "" {
		fmt.Fprintf(w, "  Note: %s\n", res.Note)
	}
	for _, v := range res.Variants {
		fmt.Fprintln(w)
		printResult(w, v, md)
	}
}
