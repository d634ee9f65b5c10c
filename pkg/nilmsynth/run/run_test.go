package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlaps(t *testing.T) {
	r := Run{StartTs: 100, EndTs: 200}
	tests := []struct {
		name       string
		start, end int64
		expected   bool
	}{
		{"before", 0, 100, false},
		{"after", 200, 300, false},
		{"straddles start", 50, 150, true},
		{"straddles end", 150, 250, true},
		{"contains", 0, 300, true},
		{"contained", 120, 180, true},
		{"identical", 100, 200, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Overlaps(tt.start, tt.end))
		})
	}
}

func TestStats(t *testing.T) {
	s := Stats{Run: Run{StartTs: 10, EndTs: 20}, PowerSum: 6000, SampleCount: 60, MaxPower: 120}
	assert.Equal(t, 100.0, s.AvgPower())
	assert.Equal(t, 100.0, s.Energy())

	ev := s.Event()
	assert.Equal(t, int64(10), ev.StartTs)
	assert.Equal(t, int64(20), ev.EndTs)
	assert.Equal(t, 120.0, ev.Content[EventMaxPower])
	assert.Equal(t, 100.0, ev.Content[EventAvgPower])
	assert.Equal(t, 100.0, ev.Content[EventEnergy])

	assert.Equal(t, 0.0, Stats{}.AvgPower())
}

func TestSortByStartIsStableCopy(t *testing.T) {
	runs := []Run{
		{Name: "c", StartTs: 30},
		{Name: "a", StartTs: 10},
		{Name: "b1", StartTs: 20},
		{Name: "b2", StartTs: 20},
	}
	sorted := SortByStart(runs)

	var names []string
	for _, r := range sorted {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, names)
	assert.Equal(t, "c", runs[0].Name, "input must not be reordered")
}

func TestForMeter(t *testing.T) {
	runs := []Run{{Name: "a", MeterID: 2}, {Name: "b", MeterID: 3}, {Name: "c", MeterID: 2}}
	got := ForMeter(runs, 2)
	assert.Len(t, got, 2)
	assert.Empty(t, ForMeter(runs, 9))
}
