// Command cacherestore restores cached package archives into directories.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
	"github.com/richardartoul/cacherestore/pkg/metrics"
	"github.com/richardartoul/cacherestore/pkg/restore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

// app holds what the commands share. It is populated before any command
// runs and torn down by run.
type app struct {
	lookupEnv func(string) (string, bool)

	cfg      Config
	logger   zerolog.Logger
	store    cachestore.Store
	restorer *restore.Restorer
	latency  *metrics.LatencyTracker
	outcomes *metrics.Outcomes

	printStats bool
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, lookupEnv func(string) (string, bool)) int {
	a := &app{lookupEnv: lookupEnv, logger: zerolog.Nop()}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	a.shutdown(stderr)
	if err != nil {
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	var (
		configPath string
		backend    string
		cacheDir   string
		logLevel   string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:          "cacherestore",
		Short:        "Restore cached package archives into directories",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, a.lookupEnv)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("backend") {
				cfg.Backend = backend
			}
			if flags.Changed("cache-dir") {
				cfg.CacheDir = cacheDir
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("debug") {
				cfg.Debug = debug
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return a.setup(cmd.Context(), cmd.ErrOrStderr(), cfg)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&backend, "backend", backendDisk, "cache store backend (disk, s3 or redis)")
	pf.StringVar(&cacheDir, "cache-dir", "", "directory of the disk backend")
	pf.StringVar(&logLevel, "log-level", "info", "log level")
	pf.BoolVar(&debug, "debug", false, "enable debug logging of store operations")
	pf.BoolVar(&a.printStats, "print-stats", false, "print latency and outcome statistics on exit")

	cmd.AddCommand(newRestoreCmd(a), newPutCmd(a), newServeCmd(a))
	return cmd
}

// setup builds the logger, store and restorer from cfg.
func (a *app) setup(ctx context.Context, stderr io.Writer, cfg Config) error {
	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	outcomes, err := metrics.NewOutcomes(prometheus.NewRegistry())
	if err != nil {
		_ = store.Close() //nolint:errcheck // already failing
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.store = store
	a.latency = metrics.NewLatencyTracker(0.01)
	a.outcomes = outcomes
	a.restorer = restore.New(store,
		restore.WithLogger(logger),
		restore.WithLatencyTracker(a.latency),
		restore.WithOutcomes(outcomes),
	)
	return nil
}

// shutdown prints statistics if requested and closes the store.
func (a *app) shutdown(stderr io.Writer) {
	if a.store == nil {
		return
	}
	if a.printStats {
		a.writeStats(stderr)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close store")
	}
}

func (a *app) writeStats(w io.Writer) {
	fmt.Fprintln(w, "Latency:")
	for _, s := range a.latency.GetAllStats() {
		fmt.Fprintln(w, s.String())
	}
	fmt.Fprintln(w, "Outcomes:")
	for _, kind := range restore.Kinds() {
		if n := a.outcomes.Count(string(kind)); n > 0 {
			fmt.Fprintf(w, "  %s: %.0f\n", kind, n)
		}
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	var (
		dir           string
		exclude       []string
		strip         int
		noStrict      bool
		keep          bool
		preserveTimes bool
	)

	cmd := &cobra.Command{
		Use:   "restore <key>",
		Short: "Extract the cached archive for key into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := restore.Options{
				TargetDirectory: dir,
				Extract: map[string]any{
					"strict":        !noStrict,
					"strip":         strip,
					"keep":          keep,
					"preserveTimes": preserveTimes,
				},
			}
			if len(exclude) > 0 {
				filter, err := excludeFilter(exclude)
				if err != nil {
					return err
				}
				opts.EntryFilter = filter
			}

			info, err := a.restorer.Restore(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			target := dir
			if target == "" {
				target = "."
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s into %s\n", info.Key, info.Path, target)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&dir, "dir", "", "target directory (default: the working directory)")
	f.StringArrayVar(&exclude, "exclude", nil, "skip entries matching the glob (repeatable)")
	f.IntVar(&strip, "strip", 0, "strip leading path components from entry names")
	f.BoolVar(&noStrict, "no-strict", false, "skip invalid entries instead of failing")
	f.BoolVar(&keep, "keep", false, "keep existing files instead of overwriting them")
	f.BoolVar(&preserveTimes, "preserve-times", false, "set modification times from the archive")
	return cmd
}

func newPutCmd(a *app) *cobra.Command {
	var meta []string

	cmd := &cobra.Command{
		Use:   "put <key> <file>",
		Short: "Store an archive under key; use - to read from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs := make(map[string]string, len(meta))
			for _, m := range meta {
				name, value, ok := strings.Cut(m, "=")
				if !ok || name == "" {
					return fmt.Errorf("invalid --meta %q: want name=value", m)
				}
				attrs[name] = value
			}

			var body io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(filepath.Clean(args[1]))
				if err != nil {
					return err
				}
				defer f.Close()
				body = f
			}

			info, err := a.store.Put(cmd.Context(), args[0], body, attrs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s, %d bytes) at %s\n", info.Key, info.Digest, info.Size, info.Path)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata attribute as name=value (repeatable)")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve JSON-lines restore requests on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("concurrency") {
				a.cfg.Serve.Concurrency = concurrency
			}
			server := NewServer(a.restorer, cmd.InOrStdin(), cmd.OutOrStdout(), a.cfg.Serve.Concurrency, a.logger)
			return server.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum restores running at once")
	return cmd
}
