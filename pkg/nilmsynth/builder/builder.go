package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/clock"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/compose"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/config"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/export"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/library"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/metrics"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/run"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/samples"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/schedule"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/sink"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/timebase"
)

const (
	aggregateLabel = "aggregate"
	submeterLabel  = "submeter"
)

// Each consumer of randomness gets its own generator derived from the build
// seed so that adding noise never shifts the schedule.
const (
	schedulingStream uint64 = iota + 1
	exemplarStream
	noiseStream
)

// OutputStore is a sample store the meter signals are appended to.
// samples.SQLiteStore implements it.
type OutputStore interface {
	samples.Appender
	Streams(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, stream string) error
}

// Builder assembles a dataset: it schedules every load, composes the
// aggregate and submeter signals and exports them.
type Builder struct {
	cfg     *config.Config
	library library.Library
	samples samples.Provider
	output  OutputStore
	clock   clock.Clock

	// Force replaces outputs left by an earlier build.
	Force bool

	closers []io.Closer
}

// Result summarizes a successful build.
type Result struct {
	BuildID  string
	Seed     int64
	Runs     []run.Run
	Events   map[string][]run.Stats // keyed by load name
	Samples  int
	Duration time.Duration
}

// New creates a Builder on already opened resources. output may be nil, in
// which case meter signals are only exported as files.
func New(cfg *config.Config, lib library.Library, provider samples.Provider, output OutputStore, clk clock.Clock) *Builder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Builder{cfg: cfg, library: lib, samples: provider, output: output, clock: clk}
}

// Open creates a Builder on the SQLite databases named in cfg. Close releases
// them.
func Open(cfg *config.Config) (*Builder, error) {
	lib, err := library.NewSQLiteLibrary(cfg.Resources.LibraryDatabase)
	if err != nil {
		return nil, common.WrapConfigError(err, "cannot open library [%s]", cfg.Resources.LibraryDatabase)
	}
	store, err := samples.NewSQLiteStore(cfg.Resources.SampleDatabase, cfg.Build.ChunkSize)
	if err != nil {
		lib.Close()
		return nil, common.WrapConfigError(err, "cannot open sample database [%s]", cfg.Resources.SampleDatabase)
	}

	b := New(cfg, lib, store, nil, clock.RealClock{})
	b.closers = []io.Closer{lib, store}

	if cfg.Resources.OutputDatabase != "" {
		out := store
		if cfg.Resources.OutputDatabase != cfg.Resources.SampleDatabase {
			if out, err = samples.NewSQLiteStore(cfg.Resources.OutputDatabase, cfg.Build.ChunkSize); err != nil {
				b.Close()
				return nil, common.WrapConfigError(err, "cannot open output database [%s]", cfg.Resources.OutputDatabase)
			}
			b.closers = append(b.closers, out)
		}
		b.output = out
	}
	return b, nil
}

// Close releases the resources opened by Open.
func (b *Builder) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return utilerrors.NewAggregate(errs)
}

// build is the state of one Build call.
type build struct {
	*Builder
	id         string
	dataset    config.Dataset
	loads      []config.Submeter
	provider   *samples.CachingProvider
	timestamps []int64
}

// Build produces the dataset. On failure every output written by this build
// is removed.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	startTime := b.clock.Now()
	id := uuid.NewString()

	result, err := b.build(ctx, id)
	if err != nil {
		metrics.BuildFailures.WithLabelValues(failureReason(err)).Inc()
		klog.ErrorS(err, "Build failed", "buildID", id, "elapsed", b.clock.Since(startTime))
		return nil, err
	}

	result.Duration = b.clock.Since(startTime)
	metrics.BuildDuration.Observe(result.Duration.Seconds())
	klog.InfoS("Build complete",
		"buildID", id,
		"runs", len(result.Runs),
		"samples", result.Samples,
		"duration", result.Duration)
	return result, nil
}

func (b *Builder) build(ctx context.Context, id string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataset, err := b.cfg.ResolveDataset()
	if err != nil {
		return nil, err
	}
	loads, err := b.cfg.Submeters()
	if err != nil {
		return nil, err
	}

	bd := &build{
		Builder:  b,
		id:       id,
		dataset:  dataset,
		loads:    loads,
		provider: samples.NewCachingProvider(b.samples, b.cfg.Build.CacheSegments),
	}
	if err := bd.prepareOutputs(ctx); err != nil {
		return nil, err
	}

	seed := b.seed()
	klog.InfoS("Starting build",
		"buildID", id,
		"name", b.cfg.Metadata.Name,
		"seed", seed,
		"loads", len(bd.loads),
		"samples", dataset.Window.NumSamples(),
		"workers", b.cfg.Build.Workers)

	result, err := bd.run(ctx, seed)
	if err != nil {
		if cleanupErr := bd.discardOutputs(context.WithoutCancel(ctx)); cleanupErr != nil {
			klog.ErrorS(cleanupErr, "Failed to discard partial outputs", "buildID", id)
		}
		return nil, err
	}
	return result, nil
}

func (bd *build) run(ctx context.Context, seed int64) (*Result, error) {
	scheduling := newRand(seed, schedulingStream)
	inst := library.NewInstantiator(bd.library, newRand(seed, exemplarStream))

	var all []run.Run
	for _, l := range bd.loads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runs, err := schedule.Schedule(l.LoadConfig, bd.dataset.Window, l.MeterID, scheduling, inst.ExemplarFunc(l.LoadID))
		if err != nil {
			return nil, err
		}
		metrics.RunsScheduled.WithLabelValues(l.Directive.Policy.String()).Add(float64(len(runs)))
		all = append(all, runs...)
	}

	bd.timestamps = timebase.Timestamps(bd.dataset.Window)
	events := make([][]run.Stats, len(bd.loads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(bd.cfg.Build.Workers, 1))
	g.Go(func() error {
		return bd.composeAggregate(gctx, all, newRand(seed, noiseStream))
	})
	for i, l := range bd.loads {
		g.Go(func() error {
			stats, err := bd.composeSubmeter(gctx, l, run.ForMeter(all, l.MeterID))
			events[i] = stats
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits, misses := bd.provider.GetMetrics()
	metrics.SegmentCacheRequests.WithLabelValues("hit").Set(float64(hits))
	metrics.SegmentCacheRequests.WithLabelValues("miss").Set(float64(misses))
	klog.V(2).InfoS("Segment cache", "hits", hits, "misses", misses, "segments", bd.provider.Size())

	result := &Result{
		BuildID: bd.id,
		Seed:    seed,
		Runs:    all,
		Events:  make(map[string][]run.Stats, len(bd.loads)),
		Samples: len(bd.timestamps),
	}
	appliances := make([]export.Appliance, 0, len(bd.loads))
	for i, l := range bd.loads {
		if err := export.WriteEvents(bd.cfg.Resources.OutputDir, l.Name, events[i]); err != nil {
			return nil, err
		}
		result.Events[l.Name] = events[i]

		applianceType, err := inst.ApplianceType(l.LoadID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up appliance type of %s: %v", l.Name, err)
		}
		appliances = append(appliances, export.Appliance{Name: l.Name, Type: applianceType, MeterID: l.MeterID})
	}

	md := export.BuildMetadata(export.Info{
		Name:        bd.cfg.Metadata.Name,
		Description: bd.cfg.Metadata.Desc,
		Creators:    bd.cfg.Metadata.Author,
		Contact:     bd.cfg.Metadata.Contact,
		Timezone:    bd.dataset.Location.String(),
		BuildID:     bd.id,
	}, appliances)
	if err := export.WriteMetadata(bd.cfg.Resources.OutputDir, md); err != nil {
		return nil, err
	}
	return result, nil
}

// composeAggregate builds meter 1: baseline, noise and every run.
func (bd *build) composeAggregate(ctx context.Context, runs []run.Run, noise compose.NormSource) error {
	startTime := bd.clock.Now()
	buf, err := compose.NewBuffer(len(bd.timestamps), bd.dataset.Phases)
	if err != nil {
		return err
	}

	if bd.dataset.Baseline != nil {
		if err := compose.AddBaseline(ctx, buf, bd.samples, *bd.dataset.Baseline, bd.dataset.Window); err != nil {
			return err
		}
	}
	compose.AddNoise(buf, bd.dataset.Noise, noise)

	compositor := bd.compositor(aggregateLabel, nil)
	if _, err := compositor.Compose(ctx, bd.dataset.Window, runs, bd.provider, buf); err != nil {
		return err
	}
	metrics.CompositionDuration.WithLabelValues(aggregateLabel).Observe(bd.clock.Since(startTime).Seconds())

	return bd.export(ctx, buf, common.AggregateMeterID, common.MainStream)
}

// composeSubmeter builds the meter of one load from its runs alone.
func (bd *build) composeSubmeter(ctx context.Context, l config.Submeter, runs []run.Run) ([]run.Stats, error) {
	startTime := bd.clock.Now()
	buf, err := compose.NewBuffer(len(bd.timestamps), bd.dataset.Phases)
	if err != nil {
		return nil, err
	}

	compositor := bd.compositor(submeterLabel, func(s run.Stats) {
		metrics.RunEnergy.WithLabelValues(l.Name).Observe(s.Energy())
	})
	stats, err := compositor.Compose(ctx, bd.dataset.Window, runs, bd.provider, buf)
	if err != nil {
		return nil, err
	}
	metrics.CompositionDuration.WithLabelValues(submeterLabel).Observe(bd.clock.Since(startTime).Seconds())

	if err := bd.export(ctx, buf, l.MeterID, l.Name); err != nil {
		return nil, err
	}
	return stats, nil
}

func (bd *build) compositor(meter string, onRun func(run.Stats)) *compose.Compositor {
	c := compose.NewCompositor()
	c.OnRun = func(s run.Stats) {
		metrics.SamplesComposed.WithLabelValues(meter).Add(float64(s.SampleCount))
		if onRun != nil {
			onRun(s)
		}
	}
	return c
}

// export writes a finished meter signal to its meter file and, when an
// output store is configured, to its stream.
func (bd *build) export(ctx context.Context, buf *compose.Buffer, meterID int, streamName string) error {
	meterSink, err := export.NewMeterSink(bd.cfg.Resources.OutputDir, meterID, bd.dataset.Location)
	if err != nil {
		return err
	}
	sinks := sink.Tee{meterSink}
	if bd.output != nil {
		sinks = append(sinks, sink.NewStreamSink(bd.output, bd.streamPath(streamName)))
	}

	if err := sink.WriteBuffer(ctx, sinks, bd.timestamps, buf, sink.DefaultBlockSize); err != nil {
		sinks.Close()
		return fmt.Errorf("failed to export meter %d: %v", meterID, err)
	}
	return sinks.Close()
}

func (bd *build) streamPath(name string) string {
	return path.Join(bd.cfg.Resources.OutputStream, name)
}

// outputs lists every file and stream a build of the configured loads
// writes.
func (bd *build) outputs() (files []string, streams []string) {
	dir := bd.cfg.Resources.OutputDir
	files = append(files,
		export.MeterPath(dir, common.AggregateMeterID),
		filepath.Join(dir, "metadata", "dataset.yaml"),
		filepath.Join(dir, "metadata", "meter_devices.yaml"),
		filepath.Join(dir, "metadata", "building1.yaml"))
	streams = append(streams, bd.streamPath(common.MainStream))
	for _, l := range bd.loads {
		files = append(files, export.MeterPath(dir, l.MeterID), export.EventsPath(dir, l.Name))
		streams = append(streams, bd.streamPath(l.Name))
	}
	return files, streams
}

// prepareOutputs refuses to overwrite earlier outputs unless Force is set,
// in which case they are removed.
func (bd *build) prepareOutputs(ctx context.Context) error {
	files, streams := bd.outputs()

	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if bd.output != nil {
		stored, err := bd.output.Streams(ctx)
		if err != nil {
			return err
		}
		existing = append(existing, sets.List(sets.New(stored...).Intersection(sets.New(streams...)))...)
	}
	if len(existing) == 0 {
		return nil
	}

	if !bd.Force {
		return common.NewConfigError("output already exists: %v (use -y to overwrite)", existing)
	}
	klog.InfoS("Removing existing outputs", "count", len(existing))
	return bd.discardOutputs(ctx)
}

// discardOutputs removes every output of the build that exists.
func (bd *build) discardOutputs(ctx context.Context) error {
	files, streams := bd.outputs()

	var errs []error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if bd.output != nil {
		for _, s := range streams {
			if err := bd.output.Delete(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (b *Builder) seed() int64 {
	if b.cfg.Build.Seed != nil {
		return *b.cfg.Build.Seed
	}
	seed := b.clock.Now().UnixNano()
	klog.InfoS("No seed configured, using the current time", "seed", seed)
	return seed
}

func newRand(seed int64, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), stream))
}

func failureReason(err error) string {
	switch {
	case common.IsConfigError(err):
		return "config"
	case common.IsSchedulingError(err):
		return "scheduling"
	case common.IsCompositionError(err):
		return "composition"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
