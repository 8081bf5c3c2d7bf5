package server

import (
	"math"
	"sync"

	"zerodependency.co.uk/haia/snippets/balltrack/server/producer"
)

// GroundTruthSource exposes the positions a producer has rendered.
type GroundTruthSource interface {
	GroundTruth() (producer.Sample, bool)
	GroundTruthAt(seq uint64) (producer.Sample, bool)
}

// TrackingStats summarises the error reports of one session.
type TrackingStats struct {
	Reports   uint64   `json:"reports"`
	Measured  uint64   `json:"measured"`
	MeanError *float64 `json:"meanError"`
	LastError *float64 `json:"lastError"`
}

// Tracker answers estimated positions with their distance to the ground
// truth and keeps running statistics. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	reports  uint64
	measured uint64
	mean     float64
	last     float64
}

// Measure compares est with the sample of the frame it references, or with
// the latest sample when it references none or one that has left the
// history. A nil source, one without samples or an estimate too far away to
// measure yields a null error.
func (t *Tracker) Measure(src GroundTruthSource, est EstimatedPosition) ErrorReport {
	truth, ok := lookupTruth(src, est.Frame)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.reports++
	if !ok {
		return ErrorReport{}
	}

	d := truth.Position.Distance(producer.Position{X: est.X, Y: est.Y})
	if math.IsInf(d, 0) || math.IsNaN(d) {
		return ErrorReport{}
	}
	t.measured++
	t.mean += (d - t.mean) / float64(t.measured)
	t.last = d
	return ErrorReport{Error: &d}
}

func lookupTruth(src GroundTruthSource, frame *uint64) (producer.Sample, bool) {
	if src == nil {
		return producer.Sample{}, false
	}
	if frame != nil {
		if s, ok := src.GroundTruthAt(*frame); ok {
			return s, true
		}
	}
	return src.GroundTruth()
}

func (t *Tracker) Stats() TrackingStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TrackingStats{Reports: t.reports, Measured: t.measured}
	if t.measured > 0 {
		mean, last := t.mean, t.last
		s.MeanError, s.LastError = &mean, &last
	}
	return s
}
