package monitoring

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Record carries the monitoring fields of one logged completion: the
// instant sample plus the window and global totals at that point.
type Record struct {
	Tag     uint64
	Stamp   time.Time
	Instant Sample
	Window  Accumulator
	Global  Accumulator
}

// RecordSink receives one record per logged completion of a key. Exact
// column layout is the sink's concern; the registry only guarantees field
// identity.
type RecordSink interface {
	WriteRecord(rec Record) error
	Close() error
}

// SinkFactory opens the record sink for a key.
type SinkFactory func(key string) (RecordSink, error)

var csvHeader = []string{
	"tag", "timestamp_ns",
	"instant_time_s", "instant_rate", "instant_work", "instant_perf",
	"instant_energy_j", "instant_power_w", "instant_acc", "instant_acc_rate",
	"window_time_s", "window_rate", "window_work", "window_perf",
	"window_energy_j", "window_power_w", "window_acc", "window_acc_rate",
	"global_time_s", "global_rate", "global_work", "global_perf",
	"global_energy_j", "global_power_w", "global_acc", "global_acc_rate",
}

type csvSink struct {
	file   *os.File
	writer *csv.Writer
}

// NewCSVSink opens <key>.csv under dir. The append flag selects the file
// mode; the default behavior overwrites an existing file.
func NewCSVSink(dir, key string, appendMode bool) (RecordSink, error) {
	flag := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	path := filepath.Join(dir, key+".csv")
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record sink %s: %w", path, err)
	}
	sink := &csvSink{file: file, writer: csv.NewWriter(file)}
	if !appendMode {
		if err = sink.writer.Write(csvHeader); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return sink, nil
}

func (s *csvSink) WriteRecord(rec Record) error {
	row := make([]string, 0, len(csvHeader))
	row = append(row,
		strconv.FormatUint(rec.Tag, 10),
		strconv.FormatInt(rec.Stamp.UnixNano(), 10),
	)
	row = append(row, scopeColumns(
		rec.Instant.Elapsed.Seconds(), rec.Instant.HeartRate(),
		rec.Instant.Work, rec.Instant.Perf(),
		rec.Instant.Energy, rec.Instant.Power(),
		rec.Instant.Accuracy, rec.Instant.AccuracyRate())...)
	row = append(row, scopeColumns(
		rec.Window.Elapsed.Seconds(), rec.Window.HeartRate(),
		rec.Window.Work, rec.Window.Perf(),
		rec.Window.Energy, rec.Window.Power(),
		rec.Window.Accuracy, rec.Window.AccuracyRate())...)
	row = append(row, scopeColumns(
		rec.Global.Elapsed.Seconds(), rec.Global.HeartRate(),
		rec.Global.Work, rec.Global.Perf(),
		rec.Global.Energy, rec.Global.Power(),
		rec.Global.Accuracy, rec.Global.AccuracyRate())...)
	if err := s.writer.Write(row); err != nil {
		return err
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *csvSink) Close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

func scopeColumns(vals ...float64) []string {
	cols := make([]string, len(vals))
	for i, v := range vals {
		cols[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return cols
}
