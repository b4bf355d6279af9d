package kpi

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/v2xlabs/v2xbench/pkg/store"
)

// Artifact file names written into a run's output directory.
const (
	ReportFileName         = "kpi_report.json"
	MessagesFileName       = "messages.csv"
	LatencySummaryFileName = "latency_by_protocol.csv"
)

// WriteArtifacts writes the structured report plus the tabular exports into
// dir. Each file is written to a temporary path and renamed into place, so
// an interrupted write never leaves a parseable-but-truncated artifact.
func (e *Engine) WriteArtifacts(dir string, report *Report, records []store.MessageRecord) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	var g errgroup.Group

	g.Go(func() error {
		return writeReportJSON(filepath.Join(dir, ReportFileName), report)
	})

	g.Go(func() error {
		return writeMessagesCSV(filepath.Join(dir, MessagesFileName), records)
	})

	g.Go(func() error {
		return writeLatencySummaryCSV(filepath.Join(dir, LatencySummaryFileName), report)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("writing kpi artifacts: %w", err)
	}

	e.log.WithField("dir", dir).Info("KPI artifacts written")

	return nil
}

// ReadReport loads a previously written report from disk.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}

	return &report, nil
}

// atomicWrite writes content through a temp file in the destination
// directory and renames it into place.
func atomicWrite(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := write(tmp); err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	return nil
}

func writeReportJSON(path string, report *Report) error {
	return atomicWrite(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")

		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}

		return nil
	})
}

// writeMessagesCSV exports one row per message record for external tooling.
func writeMessagesCSV(path string, records []store.MessageRecord) error {
	gaps := sequenceGaps(records)

	return atomicWrite(path, func(f *os.File) error {
		w := csv.NewWriter(f)

		header := []string{
			"message_id", "vehicle_id", "message_type",
			"send_timestamp", "receive_timestamp", "latency_ms",
			"protocol", "sequence_gap", "payload_size",
		}
		if err := w.Write(header); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}

		for i := range records {
			m := &records[i]

			receive, latency := "", ""
			if m.Delivered() {
				receive = formatFloat(*m.ReceiveTimestamp)
				latency = formatFloat(m.LatencyMS())
			}

			row := []string{
				m.MessageID,
				m.VehicleID,
				m.MessageType,
				formatFloat(m.SendTimestamp),
				receive,
				latency,
				m.Protocol,
				strconv.FormatInt(gaps[i], 10),
				strconv.FormatInt(m.PayloadSizeBytes, 10),
			}

			if err := w.Write(row); err != nil {
				return fmt.Errorf("writing csv row: %w", err)
			}
		}

		w.Flush()

		if err := w.Error(); err != nil {
			return fmt.Errorf("flushing csv: %w", err)
		}

		return nil
	})
}

// writeLatencySummaryCSV exports one aggregate row per protocol.
func writeLatencySummaryCSV(path string, report *Report) error {
	protocols := make([]string, 0, len(report.ByProtocol))
	for p := range report.ByProtocol {
		protocols = append(protocols, p)
	}

	sort.Strings(protocols)

	return atomicWrite(path, func(f *os.File) error {
		w := csv.NewWriter(f)

		header := []string{
			"protocol", "avg_latency_ms", "median_latency_ms",
			"p95_latency_ms", "p99_latency_ms", "min_latency_ms",
			"max_latency_ms", "stddev_latency_ms", "jitter_ms",
			"loss_rate_percent", "messages_per_sec", "kbps",
		}
		if err := w.Write(header); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}

		for _, proto := range protocols {
			bundle := report.ByProtocol[proto]

			lat := bundle.Latency
			if lat == nil {
				lat = &LatencyStats{}
			}

			row := []string{
				proto,
				formatFloat(lat.Avg),
				formatFloat(lat.Median),
				formatFloat(lat.P95),
				formatFloat(lat.P99),
				formatFloat(lat.Min),
				formatFloat(lat.Max),
				formatFloat(lat.Stddev),
				formatFloat(bundle.JitterMS),
				formatFloat(bundle.Loss.RatePercent),
				formatFloat(bundle.Throughput.MessagesPerSec),
				formatFloat(bundle.Throughput.Kbps),
			}

			if err := w.Write(row); err != nil {
				return fmt.Errorf("writing csv row: %w", err)
			}
		}

		w.Flush()

		if err := w.Error(); err != nil {
			return fmt.Errorf("flushing csv: %w", err)
		}

		return nil
	})
}

// sequenceGaps returns, per record index, the number of sequence numbers
// missing between a delivered record and its predecessor in the same
// (vehicle, protocol) stream.
func sequenceGaps(records []store.MessageRecord) []int64 {
	type streamKey struct {
		vehicle  string
		protocol string
	}

	// Order delivered record indices per stream by sequence number.
	streams := make(map[streamKey][]int)

	for i := range records {
		if !records[i].Delivered() {
			continue
		}

		key := streamKey{records[i].VehicleID, records[i].Protocol}
		streams[key] = append(streams[key], i)
	}

	gaps := make([]int64, len(records))

	for _, indices := range streams {
		sort.Slice(indices, func(a, b int) bool {
			return records[indices[a]].SequenceNumber < records[indices[b]].SequenceNumber
		})

		for j := 1; j < len(indices); j++ {
			gap := records[indices[j]].SequenceNumber - records[indices[j-1]].SequenceNumber - 1
			if gap > 0 {
				gaps[indices[j]] = gap
			}
		}
	}

	return gaps
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
