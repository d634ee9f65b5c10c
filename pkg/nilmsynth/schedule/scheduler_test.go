package schedule

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/library"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/run"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/timebase"
)

var fifteenMinutes = timebase.Window{Start: 0, End: 900_000_000}

func spaceHeater() library.Exemplar {
	return library.Exemplar{
		ID:       7,
		LoadID:   2,
		Stream:   "/Load Library/Residential/Space Heater",
		OnStart:  4_832_000,
		OnEnd:    18_594_000,
		SSStart:  ptr.To[int64](20_260_000),
		SSEnd:    ptr.To[int64](22_826_000),
		OffStart: 41_453_000,
		OffEnd:   43_452_000,
	}
}

func always(ex library.Exemplar) func() (library.Exemplar, error) {
	return func() (library.Exemplar, error) { return ex, nil }
}

func noFlex(cfg LoadConfig) LoadConfig {
	cfg.FlexOnPct, cfg.FlexOffPct, cfg.FlexPowerPct = 0, 0, 0
	return cfg
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func assertDisjoint(t *testing.T, runs []run.Run) {
	t.Helper()
	for i := range runs {
		for j := i + 1; j < len(runs); j++ {
			assert.False(t, runs[i].Overlaps(runs[j].StartTs, runs[j].EndTs),
				"runs %d [%d,%d) and %d [%d,%d) overlap", i, runs[i].StartTs, runs[i].EndTs, j, runs[j].StartTs, runs[j].EndTs)
		}
	}
}

func TestSteadyStateBlockRounding(t *testing.T) {
	directive, err := ParseDirective("fixed 0:20s")
	require.NoError(t, err)
	cfg := noFlex(NewLoadConfig("Space Heater", 2, directive))

	runs, err := Schedule(cfg, fifteenMinutes, common.FirstSubmeterID, newRand(1), always(spaceHeater()))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	r := runs[0]
	assert.Equal(t, 2, r.SteadyStateBlocks)
	assert.Equal(t, int64(0), r.StartTs)
	assert.Equal(t, int64(15_761_000+2*2_566_000), r.EndTs)
	assert.Equal(t, int64(0), r.TimePadding)
	assert.Equal(t, 1.0, r.ScaleFactor)
	assert.Equal(t, common.FirstSubmeterID, r.MeterID)
	assert.Equal(t, int64(7), r.Exemplar.ID)
}

func TestRandomRunsAreDisjoint(t *testing.T) {
	for seed := uint64(0); seed < 20; seed++ {
		cfg := NewLoadConfig("Space Heater", 2, Directive{Policy: PolicyRandom, Count: 12, TargetDuration: ptr.To[int64](25_000_000)})
		runs, err := Schedule(cfg, fifteenMinutes, 3, newRand(seed), always(spaceHeater()))
		require.NoError(t, err, "seed %d", seed)
		require.Len(t, runs, 12)

		assertDisjoint(t, runs)
		for _, r := range runs {
			assert.GreaterOrEqual(t, r.StartTs, fifteenMinutes.Start)
			assert.LessOrEqual(t, r.EndTs, fifteenMinutes.End)
			assert.Greater(t, r.EndTs, r.StartTs)
			assert.Equal(t, r.EndTs-r.StartTs, r.Exemplar.BaseDuration()+int64(r.SteadyStateBlocks)*2_566_000+r.TimePadding)
		}
	}
}

func TestRandomRunTooLong(t *testing.T) {
	cfg := NewLoadConfig("Space Heater", 2, Directive{Policy: PolicyRandom, Count: 1})
	_, err := Schedule(cfg, timebase.Window{Start: 0, End: 10_000_000}, 2, newRand(1), always(spaceHeater()))
	require.Error(t, err)
	assert.True(t, common.IsSchedulingError(err))
}

func TestRandomRunDropsPaddingToFit(t *testing.T) {
	// the window is exactly the base duration, so any padding must be dropped
	cfg := NewLoadConfig("Space Heater", 2, Directive{Policy: PolicyRandom, Count: 1})
	cfg.FlexOnPct = 0.5
	w := timebase.Window{Start: 1_000, End: 1_000 + 15_761_000}

	runs, err := Schedule(cfg, w, 2, newRand(3), always(spaceHeater()))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(0), runs[0].TimePadding)
	assert.Equal(t, w.Start, runs[0].StartTs)
	assert.Equal(t, w.End, runs[0].EndTs)
}

func TestRandomRunsCannotFit(t *testing.T) {
	cfg := noFlex(NewLoadConfig("Space Heater", 2, Directive{Policy: PolicyRandom, Count: 10}))
	_, err := Schedule(cfg, timebase.Window{Start: 0, End: 40_000_000}, 2, newRand(5), always(spaceHeater()))
	require.Error(t, err)
	assert.True(t, common.IsSchedulingError(err))
}

func TestPeriodicRuns(t *testing.T) {
	period := int64(60_000_000)
	cfg := NewLoadConfig("Fridge", 4, Directive{Policy: PolicyPeriodic, Period: period})

	for seed := uint64(0); seed < 10; seed++ {
		runs, err := Schedule(cfg, fifteenMinutes, 2, newRand(seed), always(spaceHeater()))
		require.NoError(t, err)

		maxRuns := int(math.Ceil(float64(fifteenMinutes.Duration())/float64(period))) + 1
		assert.LessOrEqual(t, len(runs), maxRuns)
		assert.NotEmpty(t, runs)
		for i := 1; i < len(runs); i++ {
			assert.GreaterOrEqual(t, runs[i].StartTs, runs[i-1].StartTs)
			assert.GreaterOrEqual(t, runs[i].StartTs-runs[i-1].EndTs, period)
		}
		for _, r := range runs {
			assert.Less(t, r.EndTs, fifteenMinutes.End)
		}
	}
}

func TestPeriodicRunsWithoutFlex(t *testing.T) {
	cfg := noFlex(NewLoadConfig("Fridge", 4, Directive{Policy: PolicyPeriodic, Period: 60_000_000}))
	runs, err := Schedule(cfg, fifteenMinutes, 2, newRand(1), always(spaceHeater()))
	require.NoError(t, err)

	// each cycle is 15.761s on and 60s off; the 13th run would end past 900s
	require.Len(t, runs, 12)
	for i, r := range runs {
		assert.Equal(t, int64(i)*75_761_000, r.StartTs)
	}
}

func TestPeriodicStartOffsetUsesFlexOffTime(t *testing.T) {
	cfg := noFlex(NewLoadConfig("Fridge", 4, Directive{Policy: PolicyPeriodic, Period: 60_000_000}))
	cfg.FlexOffPct = 0.10

	runs, err := Schedule(cfg, fifteenMinutes, 2, newRand(9), always(spaceHeater()))
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	assert.Equal(t, int64(6_000_000), runs[0].StartTs)
	if len(runs) > 1 {
		// gap = wait (>= period) + the fixed 6s start offset
		assert.GreaterOrEqual(t, runs[1].StartTs-runs[0].EndTs, int64(66_000_000))
	}
}

func TestPeriodicRunLongerThanWindow(t *testing.T) {
	cfg := NewLoadConfig("Fridge", 4, Directive{Policy: PolicyPeriodic, Period: 1_000_000})
	runs, err := Schedule(cfg, timebase.Window{Start: 0, End: 5_000_000}, 2, newRand(1), always(spaceHeater()))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestFixedRunEndingAtWindowEndIsRejected(t *testing.T) {
	cfg := noFlex(NewLoadConfig("Space Heater", 2, Directive{Policy: PolicyFixed, Placements: []Placement{{Offset: 0}}}))

	_, err := Schedule(cfg, timebase.Window{Start: 0, End: 15_761_000}, 2, newRand(1), always(spaceHeater()))
	require.Error(t, err)
	assert.True(t, common.IsSchedulingError(err))

	runs, err := Schedule(cfg, timebase.Window{Start: 0, End: 15_761_001}, 2, newRand(1), always(spaceHeater()))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(15_761_000), runs[0].EndTs)
}

func TestFixedRunsAreNotOverlapChecked(t *testing.T) {
	directive, err := ParseDirective("fixed 10s,12s,5m:30s")
	require.NoError(t, err)
	cfg := noFlex(NewLoadConfig("Space Heater", 2, directive))

	runs, err := Schedule(cfg, fifteenMinutes, 2, newRand(1), always(spaceHeater()))
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, int64(10_000_000), runs[0].StartTs)
	assert.Equal(t, int64(12_000_000), runs[1].StartTs)
	assert.Equal(t, int64(300_000_000), runs[2].StartTs)
	assert.Equal(t, 6, runs[2].SteadyStateBlocks)
}

func TestDeterminism(t *testing.T) {
	cfg := NewLoadConfig("Space Heater", 2, Directive{Policy: PolicyRandom, Count: 8, TargetDuration: ptr.To[int64](30_000_000)})

	first, err := Schedule(cfg, fifteenMinutes, 2, newRand(42), always(spaceHeater()))
	require.NoError(t, err)
	second, err := Schedule(cfg, fifteenMinutes, 2, newRand(42), always(spaceHeater()))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cfg = noFlex(cfg)
	cfg.ScaleFactor = 2.5
	runs, err := Schedule(cfg, fifteenMinutes, 2, newRand(7), always(spaceHeater()))
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, int64(0), r.TimePadding)
		assert.Equal(t, 2.5, r.ScaleFactor)
	}
}

func TestFlexJitterIsBounded(t *testing.T) {
	cfg := NewLoadConfig("Space Heater", 2, Directive{Policy: PolicyRandom, Count: 1})
	cfg.FlexPowerPct = 0.10
	rng := newRand(11)

	var padded, scaled int
	const trials = 400
	for i := 0; i < trials; i++ {
		runs, err := Schedule(cfg, fifteenMinutes, 2, rng, always(spaceHeater()))
		require.NoError(t, err)
		r := runs[0]
		assert.GreaterOrEqual(t, r.TimePadding, int64(0))
		if float64(r.TimePadding) <= cfg.FlexOnPct*float64(r.Exemplar.BaseDuration()) {
			padded++
		}
		if math.Abs(r.ScaleFactor-1) <= cfg.FlexPowerPct {
			scaled++
		}
	}
	// 2σ bounds hold roughly 95% of draws
	assert.Greater(t, padded, trials*90/100)
	assert.Greater(t, scaled, trials*90/100)
}

func TestScheduleConfigErrors(t *testing.T) {
	noSteady := spaceHeater()
	noSteady.SSStart, noSteady.SSEnd = nil, nil

	tests := []struct {
		name        string
		cfg         LoadConfig
		instantiate func() (library.Exemplar, error)
	}{
		{
			name:        "target on load without steady state",
			cfg:         NewLoadConfig("Kettle", 3, Directive{Policy: PolicyRandom, Count: 1, TargetDuration: ptr.To[int64](20_000_000)}),
			instantiate: always(noSteady),
		},
		{
			name:        "target shorter than base duration",
			cfg:         NewLoadConfig("Heater", 2, Directive{Policy: PolicyFixed, Placements: []Placement{{Offset: 0, TargetDuration: ptr.To[int64](10_000_000)}}}),
			instantiate: always(spaceHeater()),
		},
		{
			name: "non-positive scale factor",
			cfg: func() LoadConfig {
				c := NewLoadConfig("Heater", 2, Directive{Policy: PolicyRandom, Count: 1})
				c.ScaleFactor = 0
				return c
			}(),
			instantiate: always(spaceHeater()),
		},
		{
			name:        "zero period",
			cfg:         NewLoadConfig("Heater", 2, Directive{Policy: PolicyPeriodic}),
			instantiate: always(spaceHeater()),
		},
		{
			name: "instantiate fails",
			cfg:  NewLoadConfig("Heater", 2, Directive{Policy: PolicyRandom, Count: 1}),
			instantiate: func() (library.Exemplar, error) {
				return library.Exemplar{}, errors.New("no exemplars")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Schedule(tt.cfg, fifteenMinutes, 2, newRand(1), tt.instantiate)
			require.Error(t, err)
			assert.True(t, common.IsConfigError(err), "got %v", err)
		})
	}
}
