package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/run"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/timebase"
)

func readMeter(t *testing.T, dir string, meterID int) [][]string {
	f, err := os.Open(MeterPath(dir, meterID))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestMeterSinkResamples(t *testing.T) {
	dir := t.TempDir()
	w := timebase.Window{Start: 1_600_000_000_000_000, End: 1_600_000_002_500_000}
	ts := timebase.Timestamps(w)

	// P=3, Q=4 in the first second, P=6, Q=8 afterwards
	data := mat.NewDense(len(ts), 8, nil)
	for i, sampleTs := range ts {
		p, q := 3.0, 4.0
		if sampleTs >= w.Start+1_000_000 {
			p, q = 6, 8
		}
		data.Set(i, 0, p)
		data.Set(i, 1, q)
	}

	s, err := NewMeterSink(dir, 2, time.UTC)
	require.NoError(t, err)
	// split the write inside the second second
	require.NoError(t, s.Write(context.Background(), 0, ts[:90], data.Slice(0, 90, 0, 8).(*mat.Dense)))
	require.NoError(t, s.Write(context.Background(), 90, ts[90:], data.Slice(90, len(ts), 0, 8).(*mat.Dense)))
	require.NoError(t, s.Close())

	records := readMeter(t, dir, 2)
	require.Len(t, records, 4)
	assert.Equal(t, MeterHeader, records[0])
	assert.Equal(t, "2020-09-13T12:26:40Z", records[1][0])
	assert.Equal(t, []string{"3", "4", "5"}, records[1][1:])
	assert.Equal(t, []string{"6", "8", "10"}, records[2][1:])

	// the trailing half second is still emitted
	assert.Equal(t, "2020-09-13T12:26:42Z", records[3][0])
	p, err := strconv.ParseFloat(records[3][1], 64)
	require.NoError(t, err)
	assert.InDelta(t, 6, p, 1e-9)
}

func TestMeterSinkTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("timezone database not available")
	}
	dir := t.TempDir()
	s, err := NewMeterSink(dir, 1, loc)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), 0, []int64{1_600_000_000_000_000}, mat.NewDense(1, 8, nil)))
	require.NoError(t, s.Close())

	records := readMeter(t, dir, 1)
	assert.Equal(t, "2020-09-13T08:26:40-04:00", records[1][0])
}

func TestMeterSinkNeedsTwoChannels(t *testing.T) {
	s, err := NewMeterSink(t.TempDir(), 1, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Error(t, s.Write(context.Background(), 0, []int64{1}, mat.NewDense(1, 1, nil)))
}

func TestBuildMetadata(t *testing.T) {
	md := BuildMetadata(
		Info{Name: "demo", Description: "two loads", Creators: "lab", Contact: "lab@example.com", Timezone: "UTC"},
		[]Appliance{{Name: "fridge", Type: "fridge", MeterID: 2}, {Name: "kettle", Type: "kettle", MeterID: 3}},
	)

	assert.Equal(t, 1, md.Dataset.NumberOfBuildings)
	assert.Len(t, md.Building.ElecMeters, 3)
	assert.True(t, md.Building.ElecMeters[1].SiteMeter)
	assert.Equal(t, 1, md.Building.ElecMeters[3].SubmeterOf)
	assert.Equal(t, "/building1/elec/meter3", md.Building.ElecMeters[3].DataLocation)
	require.Len(t, md.Building.Appliances, 2)
	assert.Equal(t, 2, md.Building.Appliances[1].Instance)
	assert.Equal(t, []int{3}, md.Building.Appliances[1].Meters)
	assert.Len(t, md.MeterDevices["power_meter"].Measurements, 3)
}

func TestWriteMetadata(t *testing.T) {
	dir := t.TempDir()
	md := BuildMetadata(Info{Name: "demo", Timezone: "UTC"}, []Appliance{{Name: "fridge", Type: "fridge", MeterID: 2}})
	require.NoError(t, WriteMetadata(dir, md))

	for _, name := range []string{"dataset.yaml", "meter_devices.yaml", "building1.yaml"} {
		_, err := os.Stat(filepath.Join(dir, "metadata", name))
		assert.NoError(t, err, name)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "metadata", "building1.yaml"))
	require.NoError(t, err)
	var building BuildingMetadata
	require.NoError(t, yaml.Unmarshal(raw, &building))
	assert.Equal(t, md.Building.ElecMeters, building.ElecMeters)
	assert.Equal(t, "fridge", building.Appliances[0].OriginalName)
}

func TestWriteEvents(t *testing.T) {
	dir := t.TempDir()
	stats := []run.Stats{
		{Run: run.Run{StartTs: 10, EndTs: 20}, PowerSum: 600, SampleCount: 3, MaxPower: 300},
		{Run: run.Run{StartTs: 30, EndTs: 40}},
	}
	require.NoError(t, WriteEvents(dir, "fridge", stats))

	raw, err := os.ReadFile(filepath.Join(dir, "fridge Events.json"))
	require.NoError(t, err)
	var events []run.Event
	require.NoError(t, json.Unmarshal(raw, &events))
	require.Len(t, events, 2)
	assert.Equal(t, int64(10), events[0].StartTs)
	assert.Equal(t, 200.0, events[0].Content[run.EventAvgPower])
	assert.Equal(t, 10.0, events[0].Content[run.EventEnergy])
	assert.Equal(t, 0.0, events[1].Content[run.EventAvgPower])
}
