package builder

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/clock"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/config"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/export"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/library"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/samples"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/timebase"
)

var datasetWindow = timebase.Window{
	Start: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC).UnixMicro(),
	End:   time.Date(2021, 6, 1, 0, 10, 0, 0, time.UTC).UnixMicro(),
}

type fixture struct {
	cfg    *config.Config
	lib    *library.FileLibrary
	store  *samples.MemoryStore
	output *samples.SQLiteStore
	dir    string
}

// constantStream appends three seconds of a constant signal starting at 0.
func constantStream(t *testing.T, store *samples.MemoryStore, stream string, p, q float64) {
	w := timebase.Window{Start: 0, End: 3_000_000}
	ts := timebase.Timestamps(w)
	data := mat.NewDense(len(ts), common.ChannelsPerPhase, nil)
	for i := range ts {
		data.Set(i, 0, p)
		data.Set(i, 1, q)
	}
	require.NoError(t, store.Append(context.Background(), stream, ts, data))
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()

	lib, err := library.NewFileLibrary(filepath.Join(dir, "library.json"))
	require.NoError(t, err)
	for _, l := range []library.Load{
		{ID: 1, Stream: "/lib/kettle", ApplianceType: "kettle", Name: "Kettle"},
		{ID: 2, Stream: "/lib/fridge", ApplianceType: "fridge", Name: "Fridge"},
	} {
		_, err := lib.AddLoad(l)
		require.NoError(t, err)
	}
	_, err = lib.AddExemplar(library.Exemplar{
		LoadID:  1,
		OnStart: 0, OnEnd: 1_000_000,
		SSStart: ptr.To[int64](1_000_000), SSEnd: ptr.To[int64](2_000_000),
		OffStart: 2_000_000, OffEnd: 3_000_000,
	})
	require.NoError(t, err)
	_, err = lib.AddExemplar(library.Exemplar{
		LoadID:  2,
		OnStart: 0, OnEnd: 1_000_000,
		OffStart: 2_000_000, OffEnd: 3_000_000,
	})
	require.NoError(t, err)

	store := samples.NewMemoryStore(64)
	constantStream(t, store, "/lib/kettle", 1000, 100)
	constantStream(t, store, "/lib/fridge", 100, 40)

	output, err := samples.NewSQLiteStore(filepath.Join(dir, "output.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { output.Close() })

	cfg := &config.Config{
		Metadata: config.MetadataConfig{Name: "Test House", Author: "lab"},
		Dataset: config.DatasetConfig{
			Start:    "2021-06-01 00:00",
			End:      "2021-06-01 00:10",
			Timezone: "UTC",
		},
		Resources: config.ResourcesConfig{
			LibraryDatabase: "unused",
			SampleDatabase:  "unused",
			OutputStream:    "/synth",
			OutputDir:       filepath.Join(dir, "out"),
		},
		Loads: []config.LoadSpec{
			{Name: "kettle", LoadID: 1, Flex: config.FlexConfig{None: true}, Runs: "fixed 0:3s,2m:3s"},
			{Name: "fridge", LoadID: 2, Flex: config.FlexConfig{None: true}, Runs: "periodic 3m"},
		},
		Build: config.BuildConfig{Seed: ptr.To[int64](42), Workers: 2, CacheSegments: 16},
	}
	require.NoError(t, cfg.Validate())

	return &fixture{cfg: cfg, lib: lib, store: store, output: output, dir: cfg.Resources.OutputDir}
}

func (f *fixture) builder() *Builder {
	return New(f.cfg, f.lib, f.store, f.output, clock.NewSteppingClock(time.Unix(1_700_000_000, 0), time.Second))
}

func (f *fixture) readStream(t *testing.T, stream string) *mat.Dense {
	s, err := f.output.Open(context.Background(), stream, datasetWindow.Start, datasetWindow.End)
	require.NoError(t, err)
	chunk, err := samples.ReadAll(s)
	require.NoError(t, err)
	require.NotNil(t, chunk.Data, "stream %s is empty", stream)
	return chunk.Data
}

func countLines(t *testing.T, path string) int {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestBuild(t *testing.T) {
	f := newFixture(t)
	result, err := f.builder().Build(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, result.BuildID)
	assert.Equal(t, int64(42), result.Seed)
	assert.Equal(t, datasetWindow.NumSamples(), result.Samples)
	assert.Positive(t, result.Duration)

	kettle := result.Events["kettle"]
	require.Len(t, kettle, 2)
	for _, s := range kettle {
		assert.Equal(t, 1, s.Run.SteadyStateBlocks)
		assert.Equal(t, 180, s.SampleCount)
		assert.InDelta(t, 3000, s.Energy(), 1e-9)
		assert.Equal(t, 1000.0, s.MaxPower)
	}
	assert.Equal(t, datasetWindow.Start+120_000_000, kettle[1].Run.StartTs)

	fridge := result.Events["fridge"]
	require.Len(t, fridge, 4)
	for i, s := range fridge {
		assert.Equal(t, datasetWindow.Start+int64(i)*182_000_000, s.Run.StartTs)
		assert.InDelta(t, 200, s.Energy(), 1e-9)
	}

	for _, id := range []int{common.AggregateMeterID, 2, 3} {
		assert.Equal(t, 601, countLines(t, export.MeterPath(f.dir, id)), "meter %d", id)
	}
	for _, name := range []string{"kettle", "fridge"} {
		assert.FileExists(t, export.EventsPath(f.dir, name))
	}
	for _, name := range []string{"dataset.yaml", "meter_devices.yaml", "building1.yaml"} {
		assert.FileExists(t, filepath.Join(f.dir, "metadata", name))
	}
}

func TestBuildAggregateIsSumOfSubmeters(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder().Build(context.Background())
	require.NoError(t, err)

	main := f.readStream(t, "/synth/main")
	var sum mat.Dense
	sum.Add(f.readStream(t, "/synth/kettle"), f.readStream(t, "/synth/fridge"))
	assert.True(t, mat.EqualApprox(main, &sum, 1e-9))

	rows, _ := main.Dims()
	assert.Equal(t, datasetWindow.NumSamples(), rows)
	assert.Equal(t, 1100.0, main.At(0, 0))
	assert.Equal(t, 140.0, main.At(0, 1))
}

func TestBuildIsDeterministic(t *testing.T) {
	f := newFixture(t)
	f.cfg.Dataset.Noise = "2W"
	f.cfg.Loads[1].Flex = config.FlexConfig{}
	f.cfg.Loads[1].Runs = "random 5"

	first, err := f.builder().Build(context.Background())
	require.NoError(t, err)
	firstMain := mat.DenseCopyOf(f.readStream(t, "/synth/main"))

	b := f.builder()
	b.Force = true
	second, err := b.Build(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.BuildID, second.BuildID)
	assert.Equal(t, first.Runs, second.Runs)
	assert.True(t, mat.Equal(firstMain, f.readStream(t, "/synth/main")))
}

func TestBuildRefusesToOverwrite(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder().Build(context.Background())
	require.NoError(t, err)

	meter := export.MeterPath(f.dir, common.AggregateMeterID)
	before, err := os.ReadFile(meter)
	require.NoError(t, err)

	_, err = f.builder().Build(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsConfigError(err))
	assert.Contains(t, err.Error(), "use -y")

	after, err := os.ReadFile(meter)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	b := f.builder()
	b.Force = true
	_, err = b.Build(context.Background())
	assert.NoError(t, err)
}

func TestBuildDiscardsOutputsOnFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.lib.AddLoad(library.Load{ID: 3, Stream: "/lib/missing", ApplianceType: "heater", Name: "Heater"})
	require.NoError(t, err)
	_, err = f.lib.AddExemplar(library.Exemplar{LoadID: 3, OnStart: 0, OnEnd: 1_000_000, OffStart: 1_000_000, OffEnd: 2_000_000})
	require.NoError(t, err)
	f.cfg.Loads = append(f.cfg.Loads, config.LoadSpec{Name: "heater", LoadID: 3, Runs: "fixed 5m"})

	_, err = f.builder().Build(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsCompositionError(err), err.Error())

	for _, id := range []int{common.AggregateMeterID, 2, 3, 4} {
		assert.NoFileExists(t, export.MeterPath(f.dir, id))
	}
	assert.NoFileExists(t, filepath.Join(f.dir, "metadata", "dataset.yaml"))

	streams, err := f.output.Streams(context.Background())
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestBuildSchedulingFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loads[0].Runs = "fixed 599s"

	_, err := f.builder().Build(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsSchedulingError(err), err.Error())
	assert.Equal(t, "scheduling", failureReason(err))
}

func TestBuildWithoutSeedUsesClock(t *testing.T) {
	f := newFixture(t)
	f.cfg.Build.Seed = nil
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	b := New(f.cfg, f.lib, f.store, nil, clock.NewMockClock(now))
	result, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.UnixNano(), result.Seed)
}

func TestBuildCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.builder().Build(ctx)
	require.Error(t, err)
	assert.Equal(t, "canceled", failureReason(err))
	assert.NoFileExists(t, export.MeterPath(f.dir, common.AggregateMeterID))
}
