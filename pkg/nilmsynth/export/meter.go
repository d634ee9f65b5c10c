package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
)

// MeterHeader is the column layout of an exported meter file.
var MeterHeader = []string{"timestamp", "power_active", "power_reactive", "power_apparent"}

// MeterPath returns the data location of a meter below dir.
func MeterPath(dir string, meterID int) string {
	return filepath.Join(dir, "building1", "elec", fmt.Sprintf("meter%d.csv", meterID))
}

// MeterSink resamples a meter signal to one second means of active, reactive
// and apparent power of the fundamental and writes them as CSV.
type MeterSink struct {
	path string
	file *os.File
	csv  *csv.Writer
	loc  *time.Location

	bin   int64 // current second, valid when count > 0
	sum   [3]float64
	count int
	rows  int
}

// NewMeterSink creates the meter file for meterID below dir. Timestamps are
// written in loc.
func NewMeterSink(dir string, meterID int, loc *time.Location) (*MeterSink, error) {
	path := MeterPath(dir, meterID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create meter directory: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create meter file: %v", err)
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &MeterSink{path: path, file: f, csv: csv.NewWriter(f), loc: loc}
	if err := s.csv.Write(MeterHeader); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *MeterSink) Write(ctx context.Context, _ int, timestamps []int64, rows *mat.Dense) error {
	if _, cols := rows.Dims(); cols < 2 {
		return fmt.Errorf("meter export needs active and reactive power, got %d channels", cols)
	}
	for i, ts := range timestamps {
		bin := floorDiv(ts, common.MicrosPerSecond)
		if s.count > 0 && bin != s.bin {
			if err := s.flush(); err != nil {
				return err
			}
		}
		if i%common.SampleRate == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		p, q := rows.At(i, 0), rows.At(i, 1)
		s.bin = bin
		s.sum[0] += p
		s.sum[1] += q
		s.sum[2] += math.Hypot(p, q)
		s.count++
	}
	return nil
}

func (s *MeterSink) flush() error {
	if s.count == 0 {
		return nil
	}
	n := float64(s.count)
	record := []string{
		time.Unix(s.bin, 0).In(s.loc).Format(time.RFC3339),
		strconv.FormatFloat(s.sum[0]/n, 'g', -1, 64),
		strconv.FormatFloat(s.sum[1]/n, 'g', -1, 64),
		strconv.FormatFloat(s.sum[2]/n, 'g', -1, 64),
	}
	s.sum = [3]float64{}
	s.count = 0
	s.rows++
	return s.csv.Write(record)
}

// CloseInterval emits the partially filled second, if any.
func (s *MeterSink) CloseInterval() error {
	if err := s.flush(); err != nil {
		return err
	}
	s.csv.Flush()
	return s.csv.Error()
}

func (s *MeterSink) Close() error {
	if err := s.CloseInterval(); err != nil {
		s.file.Close()
		return err
	}
	klog.V(2).InfoS("Exported meter", "path", s.path, "rows", s.rows)
	return s.file.Close()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
