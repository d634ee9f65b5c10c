package compose

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/samples"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/timebase"
)

// NormSource draws standard normal values. *rand.Rand from math/rand/v2
// satisfies it.
type NormSource interface {
	NormFloat64() float64
}

// Baseline is a measured signal copied under the synthetic runs.
type Baseline struct {
	Stream string
	Phase  string // A, B or C
}

// ParseBaseline parses "path[:A|B|C]". The phase defaults to A.
func ParseBaseline(s string) (Baseline, error) {
	path, phase, _ := strings.Cut(strings.TrimSpace(s), ":")
	if path == "" {
		return Baseline{}, common.NewConfigError("baseline stream path is empty")
	}
	if phase == "" {
		phase = "A"
	}
	phase = strings.ToUpper(phase)
	if _, err := phaseIndex(phase); err != nil {
		return Baseline{}, err
	}
	return Baseline{Stream: path, Phase: phase}, nil
}

func phaseIndex(phase string) (int, error) {
	switch phase {
	case "A":
		return 0, nil
	case "B":
		return 1, nil
	case "C":
		return 2, nil
	}
	return 0, common.NewConfigError("invalid phase %q for baseline stream, must be [A|B|C]", phase)
}

func (b Baseline) String() string {
	return b.Stream + ":" + b.Phase
}

// AddBaseline copies the selected phase of the baseline stream into the first
// phase of buf, starting at sample 0. It overwrites, so it must run before
// noise and composition.
func AddBaseline(ctx context.Context, buf *Buffer, provider samples.Provider, b Baseline, w timebase.Window) error {
	phase, err := phaseIndex(b.Phase)
	if err != nil {
		return err
	}
	from := phase * common.ChannelsPerPhase
	to := from + common.ChannelsPerPhase

	stream, err := provider.Open(ctx, b.Stream, w.Start, w.End)
	if err != nil {
		return &common.CompositionError{Msg: fmt.Sprintf("cannot find baseline stream [%s]", b.Stream), Err: err}
	}
	defer stream.Close()

	idx := 0
	for idx < buf.Rows() {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := stream.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &common.CompositionError{Msg: fmt.Sprintf("baseline stream [%s] terminated early", b.Stream), Err: err}
		}
		if chunk.Len() == 0 {
			continue
		}
		if chunk.Width() < to {
			return &common.CompositionError{
				Msg: fmt.Sprintf("baseline stream [%s] has %d channels, phase %s needs %d", b.Stream, chunk.Width(), b.Phase, to),
			}
		}
		n := min(chunk.Len(), buf.Rows()-idx)
		dst := buf.Dense().Slice(idx, idx+n, 0, common.ChannelsPerPhase).(*mat.Dense)
		dst.Copy(chunk.Data.Slice(0, n, from, to))
		idx += n
	}

	klog.V(2).InfoS("Added baseline", "stream", b.Stream, "phase", b.Phase, "rows", idx)
	return nil
}

// AddNoise adds i.i.d. Gaussian noise of the given variance to every sample
// of every channel.
func AddNoise(buf *Buffer, variance float64, rng NormSource) {
	if variance <= 0 {
		return
	}
	sigma := math.Sqrt(variance)
	for i := 0; i < buf.Rows(); i++ {
		row := buf.Row(i)
		for j := range row {
			row[j] += rng.NormFloat64() * sigma
		}
	}
	klog.V(2).InfoS("Added noise", "variance", variance, "rows", buf.Rows())
}
