package timebase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
)

// 7:00 July 1 2021 UTC
const julyFirst = int64(1625122800_000000)

func TestNumSamples(t *testing.T) {
	tests := []struct {
		name     string
		window   Window
		expected int
	}{
		{"fifteen minutes", Window{0, 900_000_000}, 54000},
		{"one second", Window{julyFirst, julyFirst + 1_000_000}, 60},
		{"rounds half cycle up", Window{0, 8334}, 1},
		{"rounds down below half", Window{0, 8333}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.window.NumSamples())
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Window{0, 1_000_000}.Validate())

	err := Window{10, 10}.Validate()
	require.Error(t, err)
	assert.True(t, common.IsConfigError(err))

	err = Window{0, 100}.Validate()
	require.Error(t, err)
	assert.True(t, common.IsConfigError(err))
}

func TestTimestampsFifteenMinutes(t *testing.T) {
	w := Window{julyFirst, julyFirst + 15*60*1_000_000}
	ts := Timestamps(w)

	require.Len(t, ts, 54000)
	assert.Equal(t, w.Start, ts[0])
	// last sample lands within one line cycle of the window end
	assert.InDelta(t, float64(w.End), float64(ts[len(ts)-1]), SamplePeriod+1)

	minDiff, maxDiff := diffBounds(ts)
	assert.Equal(t, int64(16666), minDiff)
	assert.Equal(t, int64(16667), maxDiff)
}

func TestTimestampsAcrossBlocksDoNotDrift(t *testing.T) {
	// three hours and a partial block
	w := Window{julyFirst, julyFirst + (3*3600+17)*1_000_000}
	ts := Timestamps(w)

	require.Len(t, ts, w.NumSamples())
	minDiff, maxDiff := diffBounds(ts)
	assert.Equal(t, int64(16666), minDiff)
	assert.Equal(t, int64(16667), maxDiff)

	// every block boundary is re-anchored to the exact elapsed time
	for _, idx := range []int{BlockSize, 2 * BlockSize, 3 * BlockSize} {
		assert.Equal(t, w.Start+int64(idx/common.SampleRate)*1_000_000, ts[idx], "block start %d", idx)
		assert.Equal(t, w.Timestamp(idx), ts[idx])
	}
}

func TestSampleIndex(t *testing.T) {
	w := Window{julyFirst, julyFirst + 60_000_000}
	assert.Equal(t, 0, w.SampleIndex(julyFirst))
	assert.Equal(t, 60, w.SampleIndex(julyFirst+1_000_000))
	assert.Equal(t, 1, w.SampleIndex(julyFirst+16_667))
	assert.Equal(t, 1, w.SampleIndex(julyFirst+9_000))
	assert.Equal(t, 0, w.SampleIndex(julyFirst+8_000))
}

func TestSampleCount(t *testing.T) {
	assert.Equal(t, 0, SampleCount(0))
	assert.Equal(t, 60, SampleCount(1_000_000))
	assert.Equal(t, 3, SampleCount(50_000))
}

func diffBounds(ts []int64) (int64, int64) {
	minDiff, maxDiff := ts[1]-ts[0], ts[1]-ts[0]
	for i := 2; i < len(ts); i++ {
		d := ts[i] - ts[i-1]
		if d < minDiff {
			minDiff = d
		}
		if d > maxDiff {
			maxDiff = d
		}
	}
	return minDiff, maxDiff
}
