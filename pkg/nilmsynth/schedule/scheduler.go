package schedule

import (
	"math"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/library"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/run"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/timebase"
)

// RandomSource is the generator threaded through scheduling. *rand.Rand from
// math/rand/v2 satisfies it.
type RandomSource interface {
	NormFloat64() float64
	Float64() float64
}

// LoadConfig is the static declaration of one appliance slot.
type LoadConfig struct {
	Name         string
	LoadID       int64
	ScaleFactor  float64
	FlexOnPct    float64
	FlexOffPct   float64
	FlexPowerPct float64
	Directive    Directive
}

// NewLoadConfig returns a LoadConfig with the default scale and flex fractions.
func NewLoadConfig(name string, loadID int64, directive Directive) LoadConfig {
	return LoadConfig{
		Name:         name,
		LoadID:       loadID,
		ScaleFactor:  1.0,
		FlexOnPct:    common.DefaultFlexOnPct,
		FlexOffPct:   common.DefaultFlexOffPct,
		FlexPowerPct: common.DefaultFlexPowerPct,
		Directive:    directive,
	}
}

// Validate checks the numeric fields of the declaration.
func (c LoadConfig) Validate() error {
	if c.ScaleFactor <= 0 {
		return common.NewConfigError("load [%s] scale_factor must be positive", c.Name)
	}
	if c.FlexOnPct < 0 || c.FlexOffPct < 0 || c.FlexPowerPct < 0 {
		return common.NewConfigError("load [%s] flex values must not be negative", c.Name)
	}
	switch c.Directive.Policy {
	case PolicyRandom:
		if c.Directive.Count < 0 {
			return common.NewConfigError("load [%s] random count must not be negative", c.Name)
		}
	case PolicyPeriodic:
		if c.Directive.Period <= 0 {
			return common.NewConfigError("load [%s] period must be positive", c.Name)
		}
	case PolicyFixed:
		for _, p := range c.Directive.Placements {
			if p.Offset < 0 {
				return common.NewConfigError("load [%s] fixed offset must not be negative", c.Name)
			}
		}
	default:
		return common.NewConfigError("load [%s] has an unsupported runs policy", c.Name)
	}
	return nil
}

// Schedule turns one load declaration into concrete runs on meterID. The
// result depends only on the declaration, the window, the exemplars handed out
// by instantiate and the state of rng.
func Schedule(cfg LoadConfig, w timebase.Window, meterID int, rng RandomSource,
	instantiate func() (library.Exemplar, error)) ([]run.Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	s := &scheduler{cfg: cfg, window: w, meterID: meterID, rng: rng, instantiate: instantiate}

	var runs []run.Run
	var err error
	switch cfg.Directive.Policy {
	case PolicyRandom:
		runs, err = s.random()
	case PolicyPeriodic:
		runs, err = s.periodic()
	case PolicyFixed:
		runs, err = s.fixed()
	}
	if err != nil {
		return nil, err
	}

	klog.V(2).InfoS("Scheduled load runs",
		"load", cfg.Name,
		"meter", meterID,
		"policy", cfg.Directive.Policy,
		"runs", len(runs))
	return runs, nil
}

type scheduler struct {
	cfg         LoadConfig
	window      timebase.Window
	meterID     int
	rng         RandomSource
	instantiate func() (library.Exemplar, error)
}

// occurrence is the part of a run that does not depend on placement.
type occurrence struct {
	exemplar library.Exemplar
	duration int64
	blocks   int
	padding  int64
}

func (s *scheduler) derive(target *int64) (occurrence, error) {
	ex, err := s.instantiate()
	if err != nil {
		return occurrence{}, common.WrapConfigError(err, "load [%s] could not be instantiated", s.cfg.Name)
	}
	occ := occurrence{exemplar: ex, duration: ex.BaseDuration()}

	if target != nil {
		if !ex.HasSteadyState() {
			return occurrence{}, common.NewConfigError(
				"load [%s] has no steady state, cannot specify a run duration", s.cfg.Name)
		}
		ss, _ := ex.SteadyStateDuration()
		if ss <= 0 {
			return occurrence{}, common.NewConfigError(
				"load [%s] exemplar %d has an empty steady state, cannot specify a run duration", s.cfg.Name, ex.ID)
		}
		occ.blocks = int(math.Round(float64(*target-occ.duration) / float64(ss)))
		if occ.blocks < 0 {
			return occurrence{}, common.NewConfigError(
				"load [%s] duration %dus is too short for exemplar %d (base %dus)", s.cfg.Name, *target, ex.ID, occ.duration)
		}
		occ.duration += int64(occ.blocks) * ss
	}

	// 2σ of the padding equals flex_on_pct of the run duration
	flexOnTime := s.cfg.FlexOnPct * float64(occ.duration)
	occ.padding = int64(math.Round(math.Abs(s.rng.NormFloat64()) * flexOnTime / 2))

	if occ.duration+occ.padding <= 0 {
		return occurrence{}, common.NewConfigError("load [%s] exemplar %d has zero duration", s.cfg.Name, ex.ID)
	}
	return occ, nil
}

func (s *scheduler) scaleFactor() float64 {
	return s.cfg.ScaleFactor * (1 + s.rng.NormFloat64()*s.cfg.FlexPowerPct/2)
}

func (s *scheduler) newRun(occ occurrence, start, end int64) run.Run {
	return run.Run{
		Name:              s.cfg.Name,
		LoadID:            s.cfg.LoadID,
		StartTs:           start,
		EndTs:             end,
		MeterID:           s.meterID,
		Exemplar:          occ.exemplar,
		ScaleFactor:       s.scaleFactor(),
		TimePadding:       occ.padding,
		SteadyStateBlocks: occ.blocks,
	}
}

func (s *scheduler) random() ([]run.Run, error) {
	d := s.cfg.Directive
	windowLength := s.window.Duration()
	runs := make([]run.Run, 0, d.Count)

	for i := 0; i < d.Count; i++ {
		occ, err := s.derive(d.TargetDuration)
		if err != nil {
			return nil, err
		}

		full := occ.duration + occ.padding
		if full > windowLength {
			occ.padding = 0
			full = occ.duration
			if full > windowLength {
				return nil, common.NewSchedulingError(s.cfg.Name,
					"run duration %dus is too long for the %dus dataset", full, windowLength)
			}
		}

		start, err := s.findStart(full, runs)
		if err != nil {
			return nil, err
		}
		runs = append(runs, s.newRun(occ, start, start+full))
	}
	return runs, nil
}

// findStart draws uniform start times until one does not overlap a run
// already placed for this load.
func (s *scheduler) findStart(full int64, placed []run.Run) (int64, error) {
	span := float64(s.window.End - full - s.window.Start)
	for attempt := 0; attempt < common.MaxPlacementAttempts; attempt++ {
		start := s.window.Start + int64(math.Round(s.rng.Float64()*span))
		end := start + full

		conflict := false
		for _, r := range placed {
			if r.Overlaps(start, end) {
				conflict = true
				break
			}
		}
		if !conflict {
			return start, nil
		}
	}
	return 0, common.NewSchedulingError(s.cfg.Name,
		"could not fit random run %d in the dataset after %d attempts", len(placed)+1, common.MaxPlacementAttempts)
}

func (s *scheduler) periodic() ([]run.Run, error) {
	d := s.cfg.Directive
	var runs []run.Run

	current := s.window.Start
	for current < s.window.End {
		occ, err := s.derive(d.TargetDuration)
		if err != nil {
			return nil, err
		}

		// The start offset uses flexOffTime itself while the gap to the next
		// run draws a fresh jitter from it.
		flexOffTime := s.cfg.FlexOffPct * float64(d.Period)
		wait := int64(math.Round(math.Abs(s.rng.NormFloat64())*flexOffTime/2)) + d.Period

		start := current + int64(math.Round(flexOffTime))
		end := start + occ.duration + occ.padding
		if end >= s.window.End {
			break
		}
		current = end + wait
		runs = append(runs, s.newRun(occ, start, end))
	}
	return runs, nil
}

func (s *scheduler) fixed() ([]run.Run, error) {
	var runs []run.Run
	for _, p := range s.cfg.Directive.Placements {
		start := s.window.Start + p.Offset
		occ, err := s.derive(p.TargetDuration)
		if err != nil {
			return nil, err
		}
		end := start + occ.duration + occ.padding
		if end >= s.window.End {
			return nil, common.NewSchedulingError(s.cfg.Name,
				"fixed run at offset %dus extends past the end of the dataset", p.Offset)
		}
		runs = append(runs, s.newRun(occ, start, end))
	}
	return runs, nil
}
