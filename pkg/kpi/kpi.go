// Package kpi derives latency, jitter, loss, and throughput statistics from
// the message records collected during an experiment run.
package kpi

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/v2xlabs/v2xbench/pkg/store"
)

// LatencyStats describes the latency distribution of delivered messages,
// in milliseconds.
type LatencyStats struct {
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Stddev float64 `json:"stddev"`
}

// LossStats describes message loss derived from sequence gaps and
// send-only records.
type LossStats struct {
	RatePercent   float64 `json:"rate_percent"`
	TotalLost     int64   `json:"total_lost"`
	TotalExpected int64   `json:"total_expected"`
	TotalReceived int64   `json:"total_received"`
}

// ThroughputStats describes delivery throughput over the observed time
// span of the sample, not the nominal experiment duration.
type ThroughputStats struct {
	MessagesPerSec float64 `json:"messages_per_sec"`
	Kbps           float64 `json:"kbps"`
	Mbps           float64 `json:"mbps"`
}

// StatBundle groups the full set of statistics for one record sample.
// Latency is nil when the sample contains no delivered messages.
type StatBundle struct {
	NoData     bool            `json:"no_data,omitempty"`
	Latency    *LatencyStats   `json:"latency"`
	JitterMS   float64         `json:"jitter_ms"`
	Loss       LossStats       `json:"loss"`
	Throughput ThroughputStats `json:"throughput"`
}

// TypeStats carries per-message-type counts and latency.
type TypeStats struct {
	Delivered int64         `json:"delivered"`
	Lost      int64         `json:"lost"`
	Latency   *LatencyStats `json:"latency"`
}

// TimeRange is the observed send/receive span of the sample.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Metadata summarizes the record sample a report was computed from.
type Metadata struct {
	TotalMessages  int       `json:"total_messages"`
	UniqueVehicles int       `json:"unique_vehicles"`
	ProtocolsUsed  []string  `json:"protocols_used"`
	TimeRange      TimeRange `json:"time_range"`
}

// Report is the engine's structured output. It is computed once per
// completed run and written beside the run's artifacts.
type Report struct {
	Metadata      Metadata              `json:"metadata"`
	Overall       StatBundle            `json:"overall"`
	ByProtocol    map[string]StatBundle `json:"by_protocol"`
	ByMessageType map[string]TypeStats  `json:"by_message_type"`
}

// Engine computes KPI reports from message records.
type Engine struct {
	log logrus.FieldLogger
}

// NewEngine creates a KPI computation engine.
func NewEngine(log logrus.FieldLogger) *Engine {
	return &Engine{
		log: log.WithField("component", "kpi"),
	}
}

// Compute derives the full report for a record sample. An empty sample
// yields an explicit no-data report rather than an error.
func (e *Engine) Compute(records []store.MessageRecord) *Report {
	report := &Report{
		Metadata:      buildMetadata(records),
		Overall:       computeBundle(records),
		ByProtocol:    make(map[string]StatBundle),
		ByMessageType: make(map[string]TypeStats),
	}

	for proto, group := range groupBy(records, func(m *store.MessageRecord) string {
		return m.Protocol
	}) {
		report.ByProtocol[proto] = computeBundle(group)
	}

	for msgType, group := range groupBy(records, func(m *store.MessageRecord) string {
		return m.MessageType
	}) {
		report.ByMessageType[msgType] = computeTypeStats(group)
	}

	e.log.WithFields(logrus.Fields{
		"messages":  len(records),
		"protocols": len(report.ByProtocol),
	}).Info("KPI report computed")

	return report
}

// computeBundle applies the full formula set to one record sample. The
// latency slice is sorted once and shared by every distribution statistic.
func computeBundle(records []store.MessageRecord) StatBundle {
	latencies := sortedLatencies(records)

	bundle := StatBundle{
		Latency:    latencyStats(latencies),
		JitterMS:   jitter(records),
		Loss:       lossStats(records),
		Throughput: throughput(records),
	}

	bundle.NoData = bundle.Latency == nil

	return bundle
}

func computeTypeStats(records []store.MessageRecord) TypeStats {
	loss := lossStats(records)

	return TypeStats{
		Delivered: loss.TotalReceived,
		Lost:      loss.TotalLost,
		Latency:   latencyStats(sortedLatencies(records)),
	}
}

func buildMetadata(records []store.MessageRecord) Metadata {
	vehicles := make(map[string]struct{})
	protocols := make(map[string]struct{})

	var tr TimeRange

	for i := range records {
		m := &records[i]
		vehicles[m.VehicleID] = struct{}{}
		protocols[m.Protocol] = struct{}{}

		if tr.Start == 0 || m.SendTimestamp < tr.Start {
			tr.Start = m.SendTimestamp
		}

		if m.ReceiveTimestamp != nil && *m.ReceiveTimestamp > tr.End {
			tr.End = *m.ReceiveTimestamp
		}
	}

	names := make([]string, 0, len(protocols))
	for p := range protocols {
		names = append(names, p)
	}

	sort.Strings(names)

	return Metadata{
		TotalMessages:  len(records),
		UniqueVehicles: len(vehicles),
		ProtocolsUsed:  names,
		TimeRange:      tr,
	}
}

// sortedLatencies returns the ascending latency sample of all delivered
// records, in milliseconds.
func sortedLatencies(records []store.MessageRecord) []float64 {
	latencies := make([]float64, 0, len(records))

	for i := range records {
		if records[i].Delivered() {
			latencies = append(latencies, records[i].LatencyMS())
		}
	}

	sort.Float64s(latencies)

	return latencies
}

// latencyStats computes distribution statistics over an ascending latency
// sample. It returns nil for an empty sample.
func latencyStats(sorted []float64) *LatencyStats {
	if len(sorted) == 0 {
		return nil
	}

	return &LatencyStats{
		Avg:    mean(sorted),
		Median: percentile(sorted, 50),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Stddev: stddev(sorted),
	}
}

// jitter is the standard deviation of the differences between consecutive
// inter-arrival times, ordered by receive timestamp. Fewer than two
// deliveries yield 0.
func jitter(records []store.MessageRecord) float64 {
	arrivals := make([]float64, 0, len(records))

	for i := range records {
		if records[i].ReceiveTimestamp != nil {
			arrivals = append(arrivals, *records[i].ReceiveTimestamp)
		}
	}

	if len(arrivals) < 2 {
		return 0
	}

	sort.Float64s(arrivals)

	interArrivals := make([]float64, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		interArrivals = append(interArrivals, arrivals[i]-arrivals[i-1])
	}

	if len(interArrivals) < 2 {
		return 0
	}

	deltas := make([]float64, 0, len(interArrivals)-1)
	for i := 1; i < len(interArrivals); i++ {
		deltas = append(deltas, interArrivals[i]-interArrivals[i-1])
	}

	return stddev(deltas) * 1000
}

// lossStats derives loss per (vehicle, protocol) stream from sequence
// number gaps, then adds send-only records that fall outside any detectable
// gap (total silence at the tail of a run).
func lossStats(records []store.MessageRecord) LossStats {
	type streamKey struct {
		vehicle  string
		protocol string
	}

	type stream struct {
		delivered map[int64]struct{}
		minSeq    int64
		maxSeq    int64
		sendOnly  []int64
	}

	streams := make(map[streamKey]*stream)

	var deliveredCount int64

	for i := range records {
		m := &records[i]
		key := streamKey{vehicle: m.VehicleID, protocol: m.Protocol}

		st, ok := streams[key]
		if !ok {
			st = &stream{delivered: make(map[int64]struct{})}
			streams[key] = st
		}

		if !m.Delivered() {
			st.sendOnly = append(st.sendOnly, m.SequenceNumber)

			continue
		}

		deliveredCount++

		if _, dup := st.delivered[m.SequenceNumber]; dup {
			continue
		}

		if len(st.delivered) == 0 || m.SequenceNumber < st.minSeq {
			st.minSeq = m.SequenceNumber
		}

		if len(st.delivered) == 0 || m.SequenceNumber > st.maxSeq {
			st.maxSeq = m.SequenceNumber
		}

		st.delivered[m.SequenceNumber] = struct{}{}
	}

	var lost int64

	for _, st := range streams {
		if len(st.delivered) > 0 {
			lost += st.maxSeq - st.minSeq + 1 - int64(len(st.delivered))
		}

		// Send-only records inside the delivered range are already
		// counted as gaps; the rest are additional losses.
		for _, seq := range st.sendOnly {
			if len(st.delivered) > 0 && seq >= st.minSeq && seq <= st.maxSeq {
				if _, ok := st.delivered[seq]; !ok {
					continue
				}
			}

			lost++
		}
	}

	expected := deliveredCount + lost

	var rate float64
	if expected > 0 {
		rate = float64(lost) / float64(expected) * 100
	}

	return LossStats{
		RatePercent:   rate,
		TotalLost:     lost,
		TotalExpected: expected,
		TotalReceived: deliveredCount,
	}
}

// throughput computes delivery rates over the span between the earliest
// send and the latest receive in the sample.
func throughput(records []store.MessageRecord) ThroughputStats {
	var (
		earliestSend  float64
		latestReceive float64
		delivered     int64
		totalBytes    int64
	)

	for i := range records {
		m := &records[i]

		if earliestSend == 0 || m.SendTimestamp < earliestSend {
			earliestSend = m.SendTimestamp
		}

		if !m.Delivered() {
			continue
		}

		delivered++
		totalBytes += m.PayloadSizeBytes

		if *m.ReceiveTimestamp > latestReceive {
			latestReceive = *m.ReceiveTimestamp
		}
	}

	elapsed := latestReceive - earliestSend
	if delivered == 0 || elapsed <= 0 {
		return ThroughputStats{}
	}

	kbps := float64(totalBytes) / elapsed * 8 / 1000

	return ThroughputStats{
		MessagesPerSec: float64(delivered) / elapsed,
		Kbps:           kbps,
		Mbps:           kbps / 1000,
	}
}

// groupBy partitions records by the given key function.
func groupBy(
	records []store.MessageRecord,
	key func(*store.MessageRecord) string,
) map[string][]store.MessageRecord {
	groups := make(map[string][]store.MessageRecord)

	for i := range records {
		k := key(&records[i])
		groups[k] = append(groups[k], records[i])
	}

	return groups
}

func mean(sample []float64) float64 {
	var sum float64
	for _, v := range sample {
		sum += v
	}

	return sum / float64(len(sample))
}

// percentile uses linear interpolation between the two nearest ranks of an
// ascending sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	frac := rank - float64(lower)

	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}

func stddev(sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}

	m := mean(sample)

	var sumSq float64
	for _, v := range sample {
		d := v - m
		sumSq += d * d
	}

	return math.Sqrt(sumSq / float64(len(sample)))
}
