package metrics

import "github.com/opd-ai/playout/stream"

// QualityLevel grades a stream by how much of its audio was synthesized.
type QualityLevel int

const (
	// QualityExcellent means concealment is inaudible.
	QualityExcellent QualityLevel = iota
	// QualityGood means occasional short concealment.
	QualityGood
	// QualityFair means noticeable dropouts.
	QualityFair
	// QualityPoor means frequent dropouts.
	QualityPoor
	// QualityUnacceptable means the stream is mostly concealment.
	QualityUnacceptable
)

// String returns the level name.
func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityUnacceptable:
		return "Unacceptable"
	default:
		return "Unknown"
	}
}

// Thresholds are concealment rates, in percent of pulled frames, at which
// quality drops to the next level.
type Thresholds struct {
	Excellent float64
	Good      float64
	Fair      float64
	Poor      float64
}

// DefaultThresholds returns 1, 3, 8 and 15 percent.
func DefaultThresholds() Thresholds {
	return Thresholds{Excellent: 1, Good: 3, Fair: 8, Poor: 15}
}

// Assess grades a stream snapshot. A stream that has not pulled a frame is
// Excellent.
func (t Thresholds) Assess(s stream.Stats) QualityLevel {
	rate := s.Engine.ConcealmentRate() * 100
	switch {
	case rate >= t.Poor:
		return QualityUnacceptable
	case rate >= t.Fair:
		return QualityPoor
	case rate >= t.Good:
		return QualityFair
	case rate >= t.Excellent:
		return QualityGood
	default:
		return QualityExcellent
	}
}
