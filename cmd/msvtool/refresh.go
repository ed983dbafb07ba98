package main

import (
	"context"
	"fmt"
	"os"
)

// Refresh implements the "refresh" subcommand.
func Refresh(ctx context.Context, cfg *commonConfig, _ []string) error {
	if err := cfg.Lib.RefreshKEV(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "KEV catalog refreshed")
	return nil
}
