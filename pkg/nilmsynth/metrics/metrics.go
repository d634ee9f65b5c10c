package metrics

import (
	"k8s.io/component-base/metrics"
	"k8s.io/component-base/metrics/legacyregistry"
)

const (
	// Subsystem name used for dataset builder metrics
	builderSubsystem = "nilm_synth"
)

var (
	// RunsScheduled counts scheduled runs by policy
	RunsScheduled = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      builderSubsystem,
			Name:           "runs_scheduled_total",
			Help:           "Number of load runs scheduled by run policy",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"policy"}, // "random", "periodic", "fixed"
	)

	// CompositionDuration measures the time spent composing one meter buffer
	CompositionDuration = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Subsystem:      builderSubsystem,
			Name:           "composition_duration_seconds",
			Help:           "Time spent composing a meter signal",
			Buckets:        metrics.ExponentialBuckets(0.01, 2, 15),
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"meter"}, // "aggregate", "submeter"
	)

	// SamplesComposed counts exemplar samples written into meter buffers
	SamplesComposed = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      builderSubsystem,
			Name:           "samples_composed_total",
			Help:           "Number of exemplar samples accumulated into meter buffers",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"meter"},
	)

	// RunEnergy tracks the energy of composed runs
	RunEnergy = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Subsystem:      builderSubsystem,
			Name:           "run_energy_joules",
			Help:           "Energy of composed runs in joules",
			Buckets:        metrics.ExponentialBuckets(1, 4, 15),
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"load"},
	)

	// BuildFailures counts failed builds by error class
	BuildFailures = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      builderSubsystem,
			Name:           "build_failures_total",
			Help:           "Number of failed dataset builds by error class",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"reason"}, // "config", "scheduling", "composition", "other"
	)

	// BuildDuration measures the wall time of complete builds
	BuildDuration = metrics.NewHistogram(
		&metrics.HistogramOpts{
			Subsystem:      builderSubsystem,
			Name:           "build_duration_seconds",
			Help:           "Wall time of complete dataset builds",
			Buckets:        metrics.ExponentialBuckets(0.1, 2, 15),
			StabilityLevel: metrics.ALPHA,
		},
	)

	// SegmentCacheRequests counts exemplar segment reads by cache result
	SegmentCacheRequests = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Subsystem:      builderSubsystem,
			Name:           "segment_cache_requests",
			Help:           "Exemplar segment reads served by the segment cache in the last build",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"result"}, // "hit", "miss"
	)
)

func init() {
	// Register all metrics with the legacy registry
	legacyregistry.MustRegister(RunsScheduled)
	legacyregistry.MustRegister(CompositionDuration)
	legacyregistry.MustRegister(SamplesComposed)
	legacyregistry.MustRegister(RunEnergy)
	legacyregistry.MustRegister(BuildFailures)
	legacyregistry.MustRegister(BuildDuration)
	legacyregistry.MustRegister(SegmentCacheRequests)
}
