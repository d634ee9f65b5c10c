package samples

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// ImportCSV reads "timestamp,ch1,ch2,..." records from r and appends them to
// stream in blocks of blockSize rows. A first line whose timestamp is not an
// integer is treated as a header. Blank lines are skipped. It returns the
// number of rows imported.
func ImportCSV(ctx context.Context, r io.Reader, dst Appender, stream string, blockSize int) (int, error) {
	if blockSize <= 0 {
		blockSize = DefaultChunkSize
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		timestamps []int64
		values     []float64
		width      int
		total      int
		first      = true
	)
	flush := func() error {
		if len(timestamps) == 0 {
			return nil
		}
		data := mat.NewDense(len(timestamps), width, values)
		if err := dst.Append(ctx, stream, timestamps, data); err != nil {
			return err
		}
		total += len(timestamps)
		timestamps, values = nil, nil
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("failed to read csv: %v", err)
		}
		line, _ := reader.FieldPos(0)
		header := first
		first = false

		ts, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			if header {
				continue
			}
			return total, fmt.Errorf("line %d: invalid timestamp %q", line, record[0])
		}
		if width == 0 {
			width = len(record) - 1
			if width == 0 {
				return total, fmt.Errorf("line %d: no channels after the timestamp", line)
			}
		}
		if len(record)-1 != width {
			return total, &WidthError{Expected: width, Got: len(record) - 1}
		}

		timestamps = append(timestamps, ts)
		for _, field := range record[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return total, fmt.Errorf("line %d: invalid value %q", line, field)
			}
			values = append(values, v)
		}

		if len(timestamps) == blockSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}

	klog.V(2).InfoS("Imported samples", "stream", stream, "rows", total, "channels", width)
	return total, nil
}
