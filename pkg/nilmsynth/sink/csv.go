package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// CSVSink writes one line per sample: the timestamp followed by every
// channel. A blank line separates intervals.
type CSVSink struct {
	w       io.Writer
	csv     *csv.Writer
	header  []string
	started bool
}

// NewCSVSink writes to w. header names the channel columns.
func NewCSVSink(w io.Writer, header []string) *CSVSink {
	return &CSVSink{w: w, csv: csv.NewWriter(w), header: header}
}

func (s *CSVSink) Write(ctx context.Context, _ int, timestamps []int64, rows *mat.Dense) error {
	if !s.started {
		if err := s.csv.Write(append([]string{"timestamp"}, s.header...)); err != nil {
			return err
		}
		s.started = true
	}

	_, cols := rows.Dims()
	if len(s.header) > 0 && cols != len(s.header) {
		return fmt.Errorf("%d columns for a header of %d", cols, len(s.header))
	}
	record := make([]string, cols+1)
	for i, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return err
		}
		record[0] = strconv.FormatInt(ts, 10)
		for j, v := range rows.RawRowView(i) {
			record[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := s.csv.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func (s *CSVSink) CloseInterval() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	_, err := io.WriteString(s.w, "\n")
	return err
}

func (s *CSVSink) Close() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
