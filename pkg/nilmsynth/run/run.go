package run

import (
	"fmt"
	"sort"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/library"
)

// Run is one scheduled occurrence of a load. Runs are built once by the
// scheduler and never modified afterwards; composition reports what it
// observed in a separate Stats record.
type Run struct {
	Name              string           `json:"name"`
	LoadID            int64            `json:"loadId"`
	StartTs           int64            `json:"startTs"`
	EndTs             int64            `json:"endTs"`
	MeterID           int              `json:"meterId"`
	Exemplar          library.Exemplar `json:"exemplar"`
	ScaleFactor       float64          `json:"scaleFactor"`
	TimePadding       int64            `json:"timePadding"`
	SteadyStateBlocks int              `json:"steadyStateBlocks"`
}

func (r Run) String() string {
	return fmt.Sprintf("%d,%s,%g,%d,%d", r.StartTs, r.Name, r.ScaleFactor, r.TimePadding, r.SteadyStateBlocks)
}

// Duration is EndTs - StartTs.
func (r Run) Duration() int64 {
	return r.EndTs - r.StartTs
}

// Overlaps reports whether [start, end) intersects the run.
func (r Run) Overlaps(start, end int64) bool {
	return start < r.EndTs && r.StartTs < end
}

// Stats are the statistics observed while composing one run.
type Stats struct {
	Run         Run
	PowerSum    float64 // sum of the active power channel over every written sample
	SampleCount int
	MaxPower    float64
}

// AvgPower is PowerSum / SampleCount, or 0 for a run that wrote no samples.
func (s Stats) AvgPower() float64 {
	if s.SampleCount == 0 {
		return 0
	}
	return s.PowerSum / float64(s.SampleCount)
}

// Energy in joules: each sample represents one line cycle.
func (s Stats) Energy() float64 {
	return s.PowerSum / common.SampleRate
}

// Event is the annotation emitted for a composed run.
type Event struct {
	StartTs int64              `json:"start_time"`
	EndTs   int64              `json:"end_time"`
	Content map[string]float64 `json:"content"`
}

const (
	EventMaxPower = "max power (W)"
	EventAvgPower = "average power (W)"
	EventEnergy   = "energy (J)"
)

// Event converts the statistics into an annotation record.
func (s Stats) Event() Event {
	return Event{
		StartTs: s.Run.StartTs,
		EndTs:   s.Run.EndTs,
		Content: map[string]float64{
			EventMaxPower: s.MaxPower,
			EventAvgPower: s.AvgPower(),
			EventEnergy:   s.Energy(),
		},
	}
}

// SortByStart returns a copy of runs ordered by StartTs. Runs with equal start
// keep their relative order.
func SortByStart(runs []Run) []Run {
	sorted := make([]Run, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTs < sorted[j].StartTs
	})
	return sorted
}

// ForMeter returns the runs destined for one meter.
func ForMeter(runs []Run, meterID int) []Run {
	var out []Run
	for _, r := range runs {
		if r.MeterID == meterID {
			out = append(out, r)
		}
	}
	return out
}
