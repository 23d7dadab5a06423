// Package restore restores cached package archives into directories.
//
// A restore looks the key up in a cachestore.Store, creates the target
// directory if needed, and streams the cached archive through the extract
// engine. Every call produces exactly one outcome: the cache entry's Info, or
// an error whose kind is reported by Classify:
//
//	r := restore.New(store, restore.WithLogger(logger))
//	info, err := r.Restore(ctx, key, restore.Options{TargetDirectory: "node_modules/tape"})
//
// Nothing is retried and partially extracted files are left in place when
// extraction fails.
package restore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
	"github.com/richardartoul/cacherestore/pkg/extract"
	"github.com/richardartoul/cacherestore/pkg/metrics"
)

// Restorer restores entries of one cache store. It holds no per-restore
// state, so a Restorer may be used by any number of goroutines at once.
type Restorer struct {
	store    cachestore.Store
	logger   zerolog.Logger
	latency  *metrics.LatencyTracker
	outcomes *metrics.Outcomes
	getwd    func() (string, error)
}

// Option configures a Restorer.
type Option func(*Restorer)

// WithLogger sets the logger for restore outcomes and extraction warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Restorer) {
		r.logger = logger
	}
}

// WithLatencyTracker records per-phase latencies into lt.
func WithLatencyTracker(lt *metrics.LatencyTracker) Option {
	return func(r *Restorer) {
		r.latency = lt
	}
}

// WithOutcomes counts restore outcomes into o.
func WithOutcomes(o *metrics.Outcomes) Option {
	return func(r *Restorer) {
		r.outcomes = o
	}
}

// WithWorkingDirectory overrides how the working directory is determined.
func WithWorkingDirectory(getwd func() (string, error)) Option {
	return func(r *Restorer) {
		r.getwd = getwd
	}
}

// New creates a Restorer reading from store.
func New(store cachestore.Store, opts ...Option) *Restorer {
	r := &Restorer{
		store:  store,
		logger: zerolog.Nop(),
		getwd:  os.Getwd,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RestoreArgs validates a dynamically typed call, see ParseArgs, and
// restores it. Validation failures are returned before any I/O.
func (r *Restorer) RestoreArgs(ctx context.Context, args ...any) (*cachestore.Info, error) {
	key, opts, err := ParseArgs(args...)
	if err != nil {
		r.finish(r.logger, time.Now(), Classify(err), err)
		return nil, err
	}
	return r.Restore(ctx, key, opts)
}

// Restore extracts the cached archive for key into the target directory and
// returns the entry's Info. At most one Options value may be given.
func (r *Restorer) Restore(ctx context.Context, key string, opts ...Options) (info *cachestore.Info, err error) {
	start := time.Now()
	logger := r.logger.With().
		Str("restore_id", uuid.NewString()).
		Str("key", key).
		Logger()

	kind := KindOther
	defer func() {
		if err == nil {
			kind = KindSuccess
		}
		r.finish(logger, start, kind, err)
	}()

	if len(opts) > 1 {
		err = &ArgCountError{Got: 1 + len(opts)}
		kind = Classify(err)
		return nil, err
	}
	var o Options
	if len(opts) == 1 {
		o = opts[0]
	}

	cwd, err := r.getwd()
	if err != nil {
		kind = Classify(err)
		return nil, err
	}
	dir := cwd
	if o.TargetDirectory != "" {
		dir = filepath.Join(cwd, o.TargetDirectory)
		if filepath.IsAbs(o.TargetDirectory) {
			dir = filepath.Clean(o.TargetDirectory)
		}
	}
	cfg, unknown, err := extractConfig(dir, o)
	if err != nil {
		kind = Classify(err)
		return nil, err
	}
	if len(unknown) > 0 {
		logger.Debug().Strs("settings", unknown).Msg("ignoring unrecognized extraction settings")
	}
	logger = logger.With().Str("dir", dir).Logger()

	info, err = r.resolve(ctx, key, dir, cwd)
	if err != nil {
		kind = Classify(err)
		return nil, err
	}

	var filterFailed bool
	filterFailed, err = r.extract(ctx, logger, key, info, cfg)
	if err != nil {
		kind = Classify(err)
		if filterFailed {
			kind = KindFilter
		}
		return nil, err
	}
	return info, nil
}

// resolve looks key up and prepares dir. The Info returned is the one used
// for the rest of the restore, including error messages.
func (r *Restorer) resolve(ctx context.Context, key, dir, cwd string) (*cachestore.Info, error) {
	info, err := metrics.Time(r.latency, metrics.PhaseLookup, func() (*cachestore.Info, error) {
		return r.store.Info(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if dir != cwd {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// extract streams the entry through the engine. filterFailed reports that
// err came from the caller's filter.
func (r *Restorer) extract(ctx context.Context, logger zerolog.Logger, key string, info *cachestore.Info, cfg extract.Config) (filterFailed bool, err error) {
	defer r.latency.Since(metrics.PhaseExtract, time.Now())

	unpacker, err := extract.New(cfg, extract.WithLogger(logger))
	if err != nil {
		return false, err
	}

	stream, err := r.store.Open(ctx, key)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	stats, err := unpacker.Run(ctx, stream)
	r.outcomes.AddBytes(stats.Bytes)
	if err != nil {
		var fe *filterError
		if errors.As(err, &fe) {
			return true, fe.err
		}
		return false, err
	}

	if stats.Considered == 0 {
		return false, &EmptyArchiveError{Path: info.Path}
	}
	logger.Debug().
		Int("entries", stats.Considered).
		Int("extracted", stats.Extracted).
		Int("skipped", stats.Skipped).
		Int64("bytes", stats.Bytes).
		Str("format", stats.Format.String()).
		Msg("extracted archive")
	return false, nil
}

func (r *Restorer) finish(logger zerolog.Logger, start time.Time, kind Kind, err error) {
	elapsed := time.Since(start)
	r.latency.Record(metrics.PhaseRestore, elapsed)
	r.outcomes.Observe(string(kind))

	if err == nil {
		logger.Info().Dur("duration", elapsed).Msg("restored cache entry")
		return
	}
	logger.Warn().
		Err(err).
		Str("kind", string(kind)).
		Dur("duration", elapsed).
		Msg("restore failed")
}
