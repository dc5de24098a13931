// Command pykernel-worker is the subprocess Session spawns and speaks the
// frame transport to over stdin/stdout. It owns one Engine and one
// Namespace for the lifetime of the process; Session.Restart replaces it
// wholesale rather than resetting it in place.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvusrun/pykernel"
	"github.com/corvusrun/pykernel/engine/pysub"
	"github.com/corvusrun/pykernel/internal/pylog"
	"github.com/corvusrun/pykernel/workerproc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pykernel-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := configFromEnv()

	logger, err := pylog.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	interp := pysub.NewInterpreter(cfg.BlockingModules, cfg.BlockingMethodsByModule)
	worker := workerproc.New(cfg, interp, logger, os.Stdin, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	err = worker.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// configFromEnv returns DefaultConfig. pykernel intentionally has no
// flag/env config loader of its own (spec non-goal); a future
// cmd/pykernel-worker revision that needs to differ from the defaults
// Session negotiates at spawn time would extend this, but nothing in the
// current wire protocol carries worker-side configuration from Session to
// worker, so the defaults are all there is to resolve here.
func configFromEnv() pykernel.Config {
	return pykernel.DefaultConfig()
}
