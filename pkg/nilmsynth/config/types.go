package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/compose"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/schedule"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/timebase"
)

// Config holds a complete dataset description
type Config struct {
	Metadata  MetadataConfig  `yaml:"metadata"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Resources ResourcesConfig `yaml:"resources"`
	Loads     []LoadSpec      `yaml:"loads"`
	Build     BuildConfig     `yaml:"build"`
}

// MetadataConfig describes the dataset for its consumers
type MetadataConfig struct {
	Name    string `yaml:"name"`
	Desc    string `yaml:"desc"`
	Author  string `yaml:"author"`
	Contact string `yaml:"contact"`
	Misc    string `yaml:"misc"` // free form
}

// DatasetConfig holds the time window and the signal overlays
type DatasetConfig struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
	Baseline string `yaml:"baseline"` // path[:A|B|C]
	Noise    string `yaml:"noise"`    // variance in watts, e.g. 3W
	Phases   int    `yaml:"phases"`
}

// ResourcesConfig holds the locations of every input and output
type ResourcesConfig struct {
	LibraryDatabase string `yaml:"library_database"`
	SampleDatabase  string `yaml:"sample_database"`
	OutputDatabase  string `yaml:"output_database"` // optional stream store for the meter signals
	OutputStream    string `yaml:"output_stream"`
	OutputDir       string `yaml:"output_dir"`
}

// LoadSpec declares one appliance slot
type LoadSpec struct {
	Name        string     `yaml:"name"`
	LoadID      int64      `yaml:"load_id"`
	ScaleFactor *float64   `yaml:"scale_factor"`
	Flex        FlexConfig `yaml:"flex"`
	Runs        string     `yaml:"runs"`
}

// FlexConfig is either the string "none" or a map of percentages
type FlexConfig struct {
	None    bool   `yaml:"-"`
	OnTime  string `yaml:"on_time"`
	OffTime string `yaml:"off_time"`
	Power   string `yaml:"power"`
}

// UnmarshalYAML accepts `flex: none` as well as the mapping form.
func (f *FlexConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		if strings.ToLower(strings.TrimSpace(s)) != "none" {
			return fmt.Errorf("flex must be 'none' or a mapping, got %q", s)
		}
		*f = FlexConfig{None: true}
		return nil
	}

	type plain FlexConfig
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*f = FlexConfig(p)
	return nil
}

// BuildConfig holds execution settings
type BuildConfig struct {
	Seed          *int64 `yaml:"seed"` // unset means a time based seed
	Workers       int    `yaml:"workers"`
	ChunkSize     int    `yaml:"chunk_size"`
	CacheSegments int    `yaml:"cache_segments"`
}

// Dataset is the resolved dataset section
type Dataset struct {
	Window   timebase.Window
	Location *time.Location
	Baseline *compose.Baseline
	Noise    float64
	Phases   int
}

// Validate performs validation of the configuration. Every problem found is
// reported.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.ResolveDataset(); err != nil {
		errs = append(errs, err)
	}

	if c.Resources.LibraryDatabase == "" {
		errs = append(errs, fmt.Errorf("resources missing [library_database]"))
	}
	if c.Resources.SampleDatabase == "" {
		errs = append(errs, fmt.Errorf("resources missing [sample_database]"))
	}
	if c.Resources.OutputDir == "" {
		errs = append(errs, fmt.Errorf("resources missing [output_dir]"))
	}

	if len(c.Loads) == 0 {
		errs = append(errs, fmt.Errorf("config file missing [loads] section"))
	}
	names := sets.New[string]()
	for i, l := range c.Loads {
		name := c.loadName(i)
		if names.Has(name) {
			errs = append(errs, fmt.Errorf("duplicate load name [%s]", name))
		}
		names.Insert(name)
		if _, err := c.loadConfig(i); err != nil {
			errs = append(errs, err)
		}
		if l.LoadID <= 0 {
			errs = append(errs, fmt.Errorf("load [%s] missing [load_id]", name))
		}
	}

	if c.Build.Workers < 0 {
		errs = append(errs, fmt.Errorf("build workers must not be negative"))
	}
	if c.Build.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("build chunk_size must not be negative"))
	}

	if agg := utilerrors.NewAggregate(errs); agg != nil {
		return common.WrapConfigError(agg, "invalid configuration")
	}
	return nil
}

// ResolveDataset parses the dataset section.
func (c *Config) ResolveDataset() (Dataset, error) {
	d := c.Dataset
	tz := d.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Dataset{}, common.WrapConfigError(err, "dataset timezone [%s] is not recognized", tz)
	}

	if d.Start == "" {
		return Dataset{}, common.NewConfigError("dataset missing [start] value")
	}
	start, err := ParseTimestamp(d.Start, loc)
	if err != nil {
		return Dataset{}, common.WrapConfigError(err, "dataset:start [%s] is not a recognized time format", d.Start)
	}
	if d.End == "" {
		return Dataset{}, common.NewConfigError("dataset missing [end] value")
	}
	end, err := ParseTimestamp(d.End, loc)
	if err != nil {
		return Dataset{}, common.WrapConfigError(err, "dataset:end [%s] is not a recognized time format", d.End)
	}
	window := timebase.Window{Start: start, End: end}
	if err := window.Validate(); err != nil {
		return Dataset{}, err
	}

	noise, err := ParseNoise(d.Noise)
	if err != nil {
		return Dataset{}, err
	}

	phases := d.Phases
	if phases == 0 {
		phases = 1
	}
	if phases < 1 || phases > 3 {
		return Dataset{}, common.NewConfigError("dataset phases must be between 1 and 3, got %d", phases)
	}

	out := Dataset{Window: window, Location: loc, Noise: noise, Phases: phases}
	if d.Baseline != "" {
		b, err := compose.ParseBaseline(d.Baseline)
		if err != nil {
			return Dataset{}, err
		}
		out.Baseline = &b
	}
	return out, nil
}

// LoadConfigs converts the load declarations in order. Load i is placed on
// meter common.FirstSubmeterID+i.
func (c *Config) LoadConfigs() ([]schedule.LoadConfig, error) {
	configs := make([]schedule.LoadConfig, 0, len(c.Loads))
	for i := range c.Loads {
		cfg, err := c.loadConfig(i)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Submeter is a load declaration bound to the meter it is composed on.
type Submeter struct {
	schedule.LoadConfig
	MeterID int
}

// Submeters returns LoadConfigs with meter IDs assigned in declaration order.
func (c *Config) Submeters() ([]Submeter, error) {
	configs, err := c.LoadConfigs()
	if err != nil {
		return nil, err
	}
	out := make([]Submeter, len(configs))
	for i, cfg := range configs {
		out[i] = Submeter{LoadConfig: cfg, MeterID: common.FirstSubmeterID + i}
	}
	return out, nil
}

func (c *Config) loadName(i int) string {
	if name := c.Loads[i].Name; name != "" {
		return name
	}
	return fmt.Sprintf("load%d", common.FirstSubmeterID+i)
}

func (c *Config) loadConfig(i int) (schedule.LoadConfig, error) {
	l := c.Loads[i]
	name := c.loadName(i)

	if strings.TrimSpace(l.Runs) == "" {
		return schedule.LoadConfig{}, common.NewConfigError("load [%s] missing [runs]", name)
	}
	directive, err := schedule.ParseDirective(l.Runs)
	if err != nil {
		return schedule.LoadConfig{}, fmt.Errorf("load [%s] runs: %w", name, err)
	}

	cfg := schedule.NewLoadConfig(name, l.LoadID, directive)
	if l.ScaleFactor != nil {
		cfg.ScaleFactor = *l.ScaleFactor
	}

	if l.Flex.None {
		cfg.FlexOnPct, cfg.FlexOffPct, cfg.FlexPowerPct = 0, 0, 0
	}
	for _, f := range []struct {
		value string
		dst   *float64
		key   string
	}{
		{l.Flex.OnTime, &cfg.FlexOnPct, "on_time"},
		{l.Flex.OffTime, &cfg.FlexOffPct, "off_time"},
		{l.Flex.Power, &cfg.FlexPowerPct, "power"},
	} {
		if f.value == "" {
			continue
		}
		pct, err := schedule.ParsePercentage(f.value)
		if err != nil {
			return schedule.LoadConfig{}, fmt.Errorf("load [%s] flex %s: %w", name, f.key, err)
		}
		*f.dst = pct
	}

	if err := cfg.Validate(); err != nil {
		return schedule.LoadConfig{}, err
	}
	return cfg, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"15:04 January 2 2006",
	"15:04 Jan 2 2006",
}

// ParseTimestamp parses a human readable time into absolute microseconds.
// Times without a zone are read in loc.
func ParseTimestamp(s string, loc *time.Location) (int64, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMicro(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UnixMicro(), nil
		}
	}
	if us, err := strconv.ParseInt(s, 10, 64); err == nil {
		return us, nil
	}
	return 0, fmt.Errorf("unrecognized time %q", s)
}

// ParseNoise parses a noise variance in watts such as "3W". An empty string
// means no noise.
func ParseNoise(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.HasSuffix(strings.ToLower(s), "w") {
		return 0, common.NewConfigError("dataset:noise must be in watts (end with 'W')")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-1]), 64)
	if err != nil || v < 0 {
		return 0, common.NewConfigError("dataset:noise must be a non-negative number (eg 3W)")
	}
	return v, nil
}
