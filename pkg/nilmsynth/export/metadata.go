package export

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
)

const (
	metadataSchema   = "https://github.com/nilmtk/nilm_metadata/tree/v0.2"
	powerMeterDevice = "power_meter"

	// onPowerThreshold is reported for every appliance; the library has no
	// per-load value for it yet.
	onPowerThreshold = 5
)

// Info describes the dataset as a whole.
type Info struct {
	Name        string
	Description string
	Creators    string
	Contact     string
	Timezone    string
	BuildID     string
}

// Appliance is one submetered load.
type Appliance struct {
	Name    string
	Type    string
	MeterID int
}

type Measurement struct {
	PhysicalQuantity string `yaml:"physical_quantity"`
	Type             string `yaml:"type"`
}

type MeterDevice struct {
	Model           string        `yaml:"model"`
	SamplePeriod    int           `yaml:"sample_period"`
	MaxSamplePeriod int           `yaml:"max_sample_period"`
	Wireless        bool          `yaml:"wireless"`
	Measurements    []Measurement `yaml:"measurements"`
}

type DatasetMetadata struct {
	Name              string                 `yaml:"name"`
	Subject           string                 `yaml:"subject"`
	Description       string                 `yaml:"description"`
	Creators          string                 `yaml:"creators"`
	Contact           string                 `yaml:"contact"`
	NumberOfBuildings int                    `yaml:"number_of_buildings"`
	Timezone          string                 `yaml:"timezone"`
	Schema            string                 `yaml:"schema"`
	BuildID           string                 `yaml:"build_id,omitempty"`
	MeterDevices      map[string]MeterDevice `yaml:"meter_devices"`
}

type ElecMeter struct {
	DeviceModel  string `yaml:"device_model"`
	SubmeterOf   int    `yaml:"submeter_of"`
	SiteMeter    bool   `yaml:"site_meter,omitempty"`
	DataLocation string `yaml:"data_location"`
}

type ApplianceMetadata struct {
	OriginalName      string `yaml:"original_name"`
	Type              string `yaml:"type"`
	Instance          int    `yaml:"instance"`
	Meters            []int  `yaml:"meters"`
	DominantAppliance bool   `yaml:"dominant_appliance"`
	OnPowerThreshold  int    `yaml:"on_power_threshold"`
}

type BuildingMetadata struct {
	Instance   int                 `yaml:"instance"`
	ElecMeters map[int]ElecMeter   `yaml:"elec_meters"`
	Appliances []ApplianceMetadata `yaml:"appliances"`
}

// Metadata is the NILMTK metadata of a one building dataset.
type Metadata struct {
	Dataset      DatasetMetadata
	MeterDevices map[string]MeterDevice
	Building     BuildingMetadata
}

// BuildMetadata describes the aggregate meter and one submeter per appliance.
func BuildMetadata(info Info, appliances []Appliance) Metadata {
	devices := map[string]MeterDevice{
		powerMeterDevice: {
			Model:           "varies",
			SamplePeriod:    1,
			MaxSamplePeriod: 4,
			Measurements: []Measurement{
				{PhysicalQuantity: "power", Type: "active"},
				{PhysicalQuantity: "power", Type: "reactive"},
				{PhysicalQuantity: "power", Type: "apparent"},
			},
		},
	}

	building := BuildingMetadata{
		Instance: 1,
		ElecMeters: map[int]ElecMeter{
			common.AggregateMeterID: {
				DeviceModel:  powerMeterDevice,
				SubmeterOf:   0,
				SiteMeter:    true,
				DataLocation: dataLocation(common.AggregateMeterID),
			},
		},
		Appliances: []ApplianceMetadata{},
	}
	for i, a := range appliances {
		building.ElecMeters[a.MeterID] = ElecMeter{
			DeviceModel:  powerMeterDevice,
			SubmeterOf:   common.AggregateMeterID,
			DataLocation: dataLocation(a.MeterID),
		}
		building.Appliances = append(building.Appliances, ApplianceMetadata{
			OriginalName:      a.Name,
			Type:              a.Type,
			Instance:          i + 1,
			Meters:            []int{a.MeterID},
			DominantAppliance: true,
			OnPowerThreshold:  onPowerThreshold,
		})
	}

	return Metadata{
		Dataset: DatasetMetadata{
			Name:              info.Name,
			Subject:           "Synthetic dataset produced by nilm-synth",
			Description:       info.Description,
			Creators:          info.Creators,
			Contact:           info.Contact,
			NumberOfBuildings: 1,
			Timezone:          info.Timezone,
			Schema:            metadataSchema,
			BuildID:           info.BuildID,
			MeterDevices:      devices,
		},
		MeterDevices: devices,
		Building:     building,
	}
}

func dataLocation(meterID int) string {
	return fmt.Sprintf("/building1/elec/meter%d", meterID)
}

// WriteMetadata writes dataset.yaml, meter_devices.yaml and building1.yaml to
// dir/metadata.
func WriteMetadata(dir string, md Metadata) error {
	metaDir := filepath.Join(dir, "metadata")
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %v", err)
	}

	files := []struct {
		name string
		doc  interface{}
	}{
		{"dataset.yaml", md.Dataset},
		{"meter_devices.yaml", md.MeterDevices},
		{"building1.yaml", md.Building},
	}
	for _, f := range files {
		data, err := yaml.Marshal(f.doc)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", f.name, err)
		}
		if err := os.WriteFile(filepath.Join(metaDir, f.name), data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %v", f.name, err)
		}
	}

	klog.V(2).InfoS("Wrote dataset metadata", "dir", metaDir, "meters", len(md.Building.ElecMeters))
	return nil
}
