package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// Options tune how cache failures are surfaced.
type Options struct {
	// TolerateFailure turns archive store failures into warnings instead of errors.
	TolerateFailure bool

	// TempDir holds archives in transit, defaults to the system temp directory.
	TempDir string

	// TarPath is the external tar binary, defaults to "tar".
	TarPath string
}

// GoalCache stores and restores the files goals produce.
type GoalCache struct {
	store    ArchiveStore
	archiver *Archiver
	opts     Options
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// New creates a goal cache over store. Metrics and tracer may be nil.
func New(store ArchiveStore, opts Options, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *GoalCache {
	logger = logger.With().Str("component", "cache").Logger()
	return &GoalCache{
		store:    store,
		archiver: NewArchiver(opts.TarPath, logger),
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Store returns the underlying archive store.
func (c *GoalCache) Store() ArchiveStore {
	return c.store
}

// Put archives the files selected by entry and stores them under its classifier.
// It returns the store handle, or "" when nothing matched and nothing was stored.
func (c *GoalCache) Put(ctx context.Context, scope Scope, entry goal.CacheEntry) (string, error) {
	handle, err := c.put(ctx, scope, entry)
	return handle, c.tolerate(err)
}

func (c *GoalCache) put(ctx context.Context, scope Scope, entry goal.CacheEntry) (string, error) {
	key := scope.Key(entry.Classifier)
	ctx, span := c.tracer.StartCacheSpan(ctx, "put", key)
	defer span.End()
	start := time.Now()

	files, err := CollectFiles(scope.ProjectDir, entry.Pattern)
	if err != nil {
		c.metrics.RecordCacheOperation("put", "error", time.Since(start))
		telemetry.RecordError(span, err)
		return "", goal.NewConfigurationError("invalid cache entry", err).
			WithGoal(scope.Goal).
			WithOperation("cache.put").
			WithDetail("classifier", key)
	}
	if len(files) == 0 {
		c.logger.Warn().
			Str("classifier", key).
			Str("goal", scope.Goal).
			Msg("No files matched cache entry, nothing stored")
		c.metrics.RecordCacheOperation("put", "empty", time.Since(start))
		return "", nil
	}

	archive, cleanup, err := c.tempFile("put")
	if err != nil {
		return "", c.storeFailure(span, "put", start, key, scope, err)
	}
	defer cleanup()

	format, err := c.archiver.Create(ctx, scope.ProjectDir, files, archive)
	if err != nil {
		return "", c.storeFailure(span, "put", start, key, scope, err)
	}

	handle, err := c.store.Store(ctx, key, archive)
	if err != nil {
		return "", c.storeFailure(span, "put", start, key, scope, err)
	}

	c.logger.Info().
		Str("classifier", key).
		Str("goal", scope.Goal).
		Str("format", format).
		Int("files", len(files)).
		Str("handle", handle).
		Msg("Cache entry stored")
	c.metrics.RecordCacheOperation("put", "stored", time.Since(start))
	telemetry.RecordSuccess(span)
	return handle, nil
}

// Retrieve expands the archive stored under classifier into the scope's project directory.
// A missing archive returns a CacheMiss error.
func (c *GoalCache) Retrieve(ctx context.Context, scope Scope, classifier string) error {
	return c.tolerate(c.retrieve(ctx, scope, classifier))
}

func (c *GoalCache) retrieve(ctx context.Context, scope Scope, classifier string) error {
	key := scope.Key(classifier)
	ctx, span := c.tracer.StartCacheSpan(ctx, "retrieve", key)
	defer span.End()
	start := time.Now()

	archive, cleanup, err := c.tempFile("retrieve")
	if err != nil {
		return c.storeFailure(span, "retrieve", start, key, scope, err)
	}
	defer cleanup()

	if err := c.store.Retrieve(ctx, key, archive); err != nil {
		if goal.IsCacheMiss(err) {
			c.logger.Debug().Str("classifier", key).Str("goal", scope.Goal).Msg("Cache miss")
			c.metrics.RecordCacheOperation("retrieve", "miss", time.Since(start))
			telemetry.AddEvent(span, "miss")
			return err
		}
		return c.storeFailure(span, "retrieve", start, key, scope, err)
	}

	if err := c.archiver.Extract(ctx, archive, scope.ProjectDir); err != nil {
		return c.storeFailure(span, "retrieve", start, key, scope, err)
	}

	c.logger.Debug().Str("classifier", key).Str("goal", scope.Goal).Msg("Cache entry restored")
	c.metrics.RecordCacheOperation("retrieve", "hit", time.Since(start))
	telemetry.RecordSuccess(span)
	return nil
}

// Remove deletes the archive stored under classifier.
func (c *GoalCache) Remove(ctx context.Context, scope Scope, classifier string) error {
	key := scope.Key(classifier)
	ctx, span := c.tracer.StartCacheSpan(ctx, "remove", key)
	defer span.End()
	start := time.Now()

	if err := c.store.Delete(ctx, key); err != nil {
		return c.tolerate(c.storeFailure(span, "remove", start, key, scope, err))
	}
	c.logger.Info().Str("classifier", key).Msg("Cache entry removed")
	c.metrics.RecordCacheOperation("remove", "removed", time.Since(start))
	return nil
}

// Restore retrieves classifier and, when retrieval fails, runs the fallbacks
// whose tests pass, in order, until one succeeds.
// A miss that no fallback repairs is returned as a CacheMiss error.
func (c *GoalCache) Restore(ctx context.Context, scope Scope, classifier string, fallbacks ...Fallback) error {
	err := c.retrieve(ctx, scope, classifier)
	if err == nil {
		return nil
	}
	if !goal.IsCacheMiss(err) {
		c.logger.Warn().Err(err).Str("classifier", classifier).Msg("Cache retrieval failed")
	}

	for _, fb := range fallbacks {
		applies, terr := fb.applies(ctx, scope)
		if terr != nil {
			c.logger.Warn().Err(terr).Str("fallback", fb.Name).Msg("Fallback test failed")
			continue
		}
		if !applies {
			continue
		}

		ferr := c.runFallback(ctx, scope, fb)
		if ferr == nil {
			c.logger.Info().
				Str("classifier", classifier).
				Str("fallback", fb.Name).
				Msg("Cache restored by fallback")
			return nil
		}
		if !goal.IsCacheMiss(ferr) {
			c.logger.Warn().Err(ferr).Str("fallback", fb.Name).Msg("Cache fallback failed")
		}
	}
	return c.tolerate(err)
}

func (c *GoalCache) runFallback(ctx context.Context, scope Scope, fb Fallback) error {
	if fb.Classifier != "" {
		return c.retrieve(ctx, scope, fb.Classifier)
	}
	if fb.Action == nil {
		return fmt.Errorf("fallback %s has neither a classifier nor an action", fb.Name)
	}
	return fb.Action(ctx, scope)
}

// Sweep deletes archives older than maxAge when the store supports it.
func (c *GoalCache) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	sweeper, ok := c.store.(Sweeper)
	if !ok {
		return 0, fmt.Errorf("archive store %T does not support sweeping", c.store)
	}
	removed, err := sweeper.Sweep(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return removed, goal.NewTransientIOError("cache sweep failed", err).WithOperation("cache.sweep")
	}
	c.logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("Cache swept")
	return removed, nil
}

func (c *GoalCache) tempFile(op string) (string, func(), error) {
	f, err := os.CreateTemp(c.opts.TempDir, "goalflow-"+op+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary archive: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, func() { os.Remove(name) }, nil
}

// storeFailure records a failed archive operation and classifies it as transient I/O.
func (c *GoalCache) storeFailure(span trace.Span, op string, start time.Time, key string, scope Scope, err error) error {
	c.metrics.RecordCacheOperation(op, "error", time.Since(start))
	telemetry.RecordError(span, err)
	return goal.NewTransientIOError(fmt.Sprintf("cache %s failed", op), err).
		WithGoal(scope.Goal).
		WithOperation("cache." + op).
		WithDetail("classifier", key)
}

// tolerate swallows transient I/O errors when TolerateFailure is set.
func (c *GoalCache) tolerate(err error) error {
	if err == nil || !goal.IsTransient(err) {
		return err
	}
	if c.opts.TolerateFailure {
		c.logger.Warn().Err(err).Msg("Ignoring cache failure")
		return nil
	}
	c.metrics.RecordError(string(goal.KindTransientIO), "")
	return err
}

// Fallback repairs a failed restore. It either retrieves an alternative
// classifier or runs an action that recreates the files.
type Fallback struct {
	// Name labels the fallback in logs.
	Name string

	// Test gates the fallback on the push. Nil always applies.
	Test push.Test

	// Classifier is an alternative archive to retrieve.
	Classifier string

	// Action recreates the files when Classifier is empty.
	Action func(ctx context.Context, scope Scope) error
}

func (f Fallback) applies(ctx context.Context, scope Scope) (bool, error) {
	if f.Test == nil {
		return true, nil
	}
	if scope.Push == nil {
		return false, nil
	}
	return f.Test.Evaluate(ctx, scope.Push)
}

// ScriptFallback returns a fallback that runs command with "sh -c" in the
// project directory (e.g., "npm ci").
func ScriptFallback(name, command string, test push.Test) Fallback {
	return Fallback{
		Name: name,
		Test: test,
		Action: func(ctx context.Context, scope Scope) error {
			var out bytes.Buffer
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = scope.ProjectDir
			cmd.Stdout = &out
			cmd.Stderr = &out
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("fallback command %q failed: %w: %s",
					command, err, strings.TrimSpace(lastLines(out.String(), 10)))
			}
			return nil
		},
	}
}

// ClassifierFallback returns a fallback that retrieves another classifier,
// such as the default branch's archive.
func ClassifierFallback(name, classifier string, test push.Test) Fallback {
	return Fallback{Name: name, Test: test, Classifier: classifier}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ArchivePath returns where a file store keeps key, for tooling that inspects the cache.
func ArchivePath(root, key string) string {
	return filepath.Join(root, filepath.FromSlash(key)+archiveSuffix)
}
