package compose

import (
	"context"
	"fmt"
	"io"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/run"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/samples"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/timebase"
)

// PowerColumn is the channel summarized in run statistics (fundamental active power).
const PowerColumn = 0

// Compositor stitches exemplar segments into meter buffers.
type Compositor struct {
	// OnRun, if set, is called with the statistics of every composed run.
	OnRun func(run.Stats)
}

// NewCompositor returns a Compositor without hooks.
func NewCompositor() *Compositor {
	return &Compositor{}
}

// Compose accumulates runs into buf and returns one Stats per run, ordered by
// start time. On error buf holds a partial result and must be discarded.
func (c *Compositor) Compose(ctx context.Context, w timebase.Window, runs []run.Run,
	provider samples.Provider, buf *Buffer) ([]run.Stats, error) {
	sorted := run.SortByStart(runs)
	stats := make([]run.Stats, 0, len(sorted))

	for _, r := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := &pass{
			ctx:      ctx,
			provider: provider,
			buf:      buf,
			run:      r,
			idx:      w.SampleIndex(r.StartTs),
			stats:    run.Stats{Run: r},
		}
		if err := p.compose(); err != nil {
			return nil, err
		}

		klog.V(3).InfoS("Composed run",
			"run", r.Name,
			"meter", r.MeterID,
			"start", r.StartTs,
			"samples", p.stats.SampleCount,
			"maxPower", p.stats.MaxPower,
			"avgPower", p.stats.AvgPower())

		if c.OnRun != nil {
			c.OnRun(p.stats)
		}
		stats = append(stats, p.stats)
	}
	return stats, nil
}

// pass is the composition state of one run.
type pass struct {
	ctx      context.Context
	provider samples.Provider
	buf      *Buffer
	run      run.Run
	idx      int
	last     []float64
	stats    run.Stats
}

func (p *pass) compose() error {
	ex := p.run.Exemplar

	if err := p.segment(ex.OnStart, ex.OnEnd); err != nil {
		return err
	}
	p.hold(timebase.SampleCount(p.run.TimePadding))
	if ex.HasSteadyState() {
		for b := 0; b < p.run.SteadyStateBlocks; b++ {
			if err := p.segment(*ex.SSStart, *ex.SSEnd); err != nil {
				return err
			}
		}
	}
	return p.segment(ex.OffStart, ex.OffEnd)
}

func (p *pass) segment(start, end int64) error {
	stream, err := p.provider.Open(p.ctx, p.run.Exemplar.Stream, start, end)
	if err != nil {
		return &common.CompositionError{
			Run: p.run.Name,
			Msg: fmt.Sprintf("could not open %s [%d, %d)", p.run.Exemplar.Stream, start, end),
			Err: err,
		}
	}
	defer stream.Close()

	for {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		chunk, err := stream.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &common.CompositionError{
				Run: p.run.Name,
				Msg: fmt.Sprintf("stream %s terminated early", p.run.Exemplar.Stream),
				Err: err,
			}
		}
		if chunk.Len() == 0 {
			continue
		}
		if chunk.Width() != p.buf.Cols() {
			return &common.CompositionError{
				Run: p.run.Name,
				Msg: fmt.Sprintf("stream %s has %d channels, expected %d",
					p.run.Exemplar.Stream, chunk.Width(), p.buf.Cols()),
			}
		}
		p.write(chunk.Data)
	}
}

// write scales data and adds it at the current index. Rows outside the
// buffer are skipped and not counted.
func (p *pass) write(data *mat.Dense) {
	n, cols := data.Dims()
	lo, hi := clip(p.idx, p.idx+n, p.buf.Rows())
	src := lo - p.idx
	p.idx += n
	if hi <= lo {
		return
	}
	count := hi - lo

	scaled := mat.NewDense(count, cols, nil)
	scaled.Scale(p.run.ScaleFactor, data.Slice(src, src+count, 0, cols))
	dst := p.buf.Slice(lo, hi)
	dst.Add(dst, scaled)

	power := mat.Col(nil, PowerColumn, scaled)
	if p.stats.SampleCount == 0 {
		p.stats.MaxPower = floats.Max(power)
	} else {
		p.stats.MaxPower = max(p.stats.MaxPower, floats.Max(power))
	}
	p.stats.PowerSum += floats.Sum(power)
	p.stats.SampleCount += count

	p.last = append(p.last[:0], scaled.RawRowView(count-1)...)
}

// hold adds the last written row for n more samples.
func (p *pass) hold(n int) {
	lo, hi := clip(p.idx, p.idx+n, p.buf.Rows())
	p.idx += n
	if p.last == nil {
		return
	}
	for i := lo; i < hi; i++ {
		floats.Add(p.buf.Row(i), p.last)
	}
}

func clip(lo, hi, rows int) (int, int) {
	return max(lo, 0), min(hi, rows)
}
