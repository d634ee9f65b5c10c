package library

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Exemplar is one captured occurrence of a load, expressed as offsets within
// the timebase of the load's sample stream. Steady-state bounds are optional.
type Exemplar struct {
	ID       int64     `json:"id"`
	LoadID   int64     `json:"loadId"`
	Stream   string    `json:"stream"`
	OnStart  int64     `json:"onStart"`
	OnEnd    int64     `json:"onEnd"`
	SSStart  *int64    `json:"ssStart,omitempty"`
	SSEnd    *int64    `json:"ssEnd,omitempty"`
	OffStart int64     `json:"offStart"`
	OffEnd   int64     `json:"offEnd"`
	Delta    []float64 `json:"delta,omitempty"` // per-channel steady-state increment
}

// HasSteadyState reports whether both steady-state bounds are set.
func (e Exemplar) HasSteadyState() bool {
	return e.SSStart != nil && e.SSEnd != nil
}

// BaseDuration is the length of the rising and falling transients with no
// steady-state blocks between them.
func (e Exemplar) BaseDuration() int64 {
	return (e.OnEnd - e.OnStart) + (e.OffEnd - e.OffStart)
}

// SteadyStateDuration returns the length of one steady-state block.
func (e Exemplar) SteadyStateDuration() (int64, error) {
	if !e.HasSteadyState() {
		return 0, fmt.Errorf("exemplar %d does not have a steady state", e.ID)
	}
	return *e.SSEnd - *e.SSStart, nil
}

// Validate checks that the boundaries are ordered.
func (e Exemplar) Validate() error {
	bounds := []int64{e.OnStart, e.OnEnd}
	if e.HasSteadyState() {
		bounds = append(bounds, *e.SSStart, *e.SSEnd)
	} else if e.SSStart != nil || e.SSEnd != nil {
		return fmt.Errorf("exemplar %d has only one steady-state bound", e.ID)
	}
	bounds = append(bounds, e.OffStart, e.OffEnd)
	for i := 1; i < len(bounds); i++ {
		if bounds[i] < bounds[i-1] {
			return fmt.Errorf("exemplar %d boundaries out of order: %v", e.ID, bounds)
		}
	}
	return nil
}

// Load is an appliance in the library. Exemplar is set only on instantiated
// loads returned by an Instantiator.
type Load struct {
	ID            int64     `json:"id"`
	Stream        string    `json:"stream"`
	ApplianceType string    `json:"applianceType"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Image         string    `json:"image"`
	Exemplar      *Exemplar `json:"-"`
}

// EncodeDelta packs a delta vector into little-endian float64 bytes.
func EncodeDelta(delta []float64) []byte {
	if len(delta) == 0 {
		return nil
	}
	buf := make([]byte, 8*len(delta))
	for i, v := range delta {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

// DecodeDelta reverses EncodeDelta.
func DecodeDelta(b []byte) ([]float64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("delta blob length %d is not a multiple of 8", len(b))
	}
	delta := make([]float64, len(b)/8)
	for i := range delta {
		delta[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return delta, nil
}
