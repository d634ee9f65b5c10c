package common

const (
	// SampleRate is one sample per AC line cycle.
	SampleRate = 60

	// MicrosPerSecond converts between seconds and the µs timestamps used everywhere.
	MicrosPerSecond = 1_000_000

	// ChannelsPerPhase holds the active/reactive pairs of harmonics 1, 3, 5 and 7.
	ChannelsPerPhase = 8

	// AggregateMeterID is the site meter; loads are numbered from FirstSubmeterID
	// in declaration order.
	AggregateMeterID = 1
	FirstSubmeterID  = 2

	// MaxPlacementAttempts bounds the search for a free slot for one random run.
	MaxPlacementAttempts = 30

	// Default flex fractions applied when a load does not set them.
	DefaultFlexOnPct    = 0.05
	DefaultFlexOffPct   = 0.10
	DefaultFlexPowerPct = 0.01

	// MainStream is the name of the aggregate stream under the output stream folder.
	MainStream = "main"
)

// ChannelNames returns the element names of one phase in column order.
func ChannelNames() []string {
	return []string{"P1", "Q1", "P3", "Q3", "P5", "Q5", "P7", "Q7"}
}

// PhaseChannelNames names the columns of a signal with the given number of
// phases. Multi-phase names carry the phase letter, e.g. P1_B.
func PhaseChannelNames(phases int) []string {
	if phases <= 1 {
		return ChannelNames()
	}
	names := make([]string, 0, phases*ChannelsPerPhase)
	for p := 0; p < phases; p++ {
		for _, n := range ChannelNames() {
			names = append(names, n+"_"+string(rune('A'+p)))
		}
	}
	return names
}
