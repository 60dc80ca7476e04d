package vision

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QualityLevel grades a segment's analyzability.
type QualityLevel string

const (
	QualityGood     QualityLevel = "good"
	QualityDegraded QualityLevel = "degraded"
	QualityPoor     QualityLevel = "poor"
	QualityUnusable QualityLevel = "unusable"
)

// QualityVerdict is the output of the data quality gate for one segment.
type QualityVerdict struct {
	Factors              map[string]float64 `json:"factors"`
	OverallScore         float64            `json:"overall_score"`
	Level                QualityLevel       `json:"level"`
	CanAnalyze           bool               `json:"can_analyze"`
	ConfidenceAdjustment float64            `json:"confidence_adjustment"`
}

// Segment metadata fields checked by the completeness factor.
var (
	requiredMetadataFields = []string{"build_id", "level_name", "scene_type"}
	optionalMetadataFields = []string{"player_id", "session_id"}
)

// QualityAnalyzer computes the five data quality factors of a segment and
// gates detector fan-out on the result.
type QualityAnalyzer struct{}

// Assess scores the segment. Factor arithmetic is fixed; tuning happens
// upstream in how segments are recorded, not here.
func (QualityAnalyzer) Assess(seg *Segment) QualityVerdict {
	factors := map[string]float64{
		"media_availability":    mediaAvailability(seg),
		"depth_quality":         depthQuality(seg),
		"performance_data":      performanceData(seg),
		"temporal_consistency":  temporalConsistency(seg),
		"metadata_completeness": metadataCompleteness(seg),
	}
	overall := 0.0
	for _, v := range factors {
		overall += v
	}
	overall /= float64(len(factors))

	var level QualityLevel
	switch {
	case overall >= 0.9:
		level = QualityGood
	case overall >= 0.7:
		level = QualityDegraded
	case overall >= 0.4:
		level = QualityPoor
	default:
		level = QualityUnusable
	}

	adjustment := overall
	if factors["media_availability"] < 0.5 {
		adjustment *= 0.7
	}
	if factors["temporal_consistency"] < 0.5 {
		adjustment *= 0.8
	}
	if adjustment < 0.1 {
		adjustment = 0.1
	}

	return QualityVerdict{
		Factors:              factors,
		OverallScore:         overall,
		Level:                level,
		CanAnalyze:           level != QualityUnusable,
		ConfidenceAdjustment: adjustment,
	}
}

// QualityFinding builds the finding persisted whenever the level is not
// good. Severity grows with how unusable the segment is.
func (QualityAnalyzer) QualityFinding(seg *Segment, v QualityVerdict) Finding {
	var severity float64
	switch v.Level {
	case QualityDegraded:
		severity = 0.3
	case QualityPoor:
		severity = 0.6
	default:
		severity = 0.9
	}
	return Finding{
		IssueID:      uuid.NewString(),
		SegmentID:    seg.ID,
		DetectorType: "data_quality",
		IssueType:    "degraded_input",
		Severity:     severity,
		Confidence:   0.95,
		Timestamp:    time.Now().UTC(),
		Description:  fmt.Sprintf("Segment data quality is %s (score %.2f)", v.Level, v.OverallScore),
		Metrics:      v.Factors,
	}
}

// PostFilter applies the degraded-input rules to detector findings: poor
// segments drop low-confidence findings; all non-good levels scale the
// survivors by the confidence adjustment and tag their descriptions.
func (QualityAnalyzer) PostFilter(findings []Finding, v QualityVerdict) []Finding {
	if v.Level == QualityGood {
		return findings
	}
	out := findings[:0]
	for _, f := range findings {
		if v.Level == QualityPoor && f.Confidence < 0.7 {
			continue
		}
		f.Confidence = clamp01(f.Confidence * v.ConfidenceAdjustment)
		f.Description += fmt.Sprintf(" [quality: %s]", v.Level)
		out = append(out, f)
	}
	return out
}

func mediaAvailability(seg *Segment) float64 {
	if len(seg.MediaURIs) == 0 {
		return 0
	}
	present := 0
	for _, uri := range seg.MediaURIs {
		if uri != "" {
			present++
		}
	}
	return float64(present) / float64(len(seg.MediaURIs))
}

func depthQuality(seg *Segment) float64 {
	if !seg.DepthAvailable {
		return 0
	}
	switch seg.DepthType {
	case DepthSensor:
		return 1.0
	case DepthEstimated:
		return 0.6
	default:
		return 0.8
	}
}

func performanceData(seg *Segment) float64 {
	score := 1.0
	if seg.Performance == nil {
		return clamp01(score - 3*0.2)
	}
	for _, metric := range []*float64{seg.Performance.AvgFPS, seg.Performance.MinFPS, seg.Performance.MaxFPS} {
		if metric == nil {
			score -= 0.2
		}
	}
	if seg.Performance.MinFPS != nil && *seg.Performance.MinFPS < 10 {
		score -= 0.3
	}
	return clamp01(score)
}

func temporalConsistency(seg *Segment) float64 {
	score := 1.0
	if seg.Duration < 1 {
		score -= 0.5
	}
	if seg.Duration > 300 {
		score -= 0.2
	}
	for i := 1; i < len(seg.GameplayEvents); i++ {
		if seg.GameplayEvents[i].Timestamp-seg.GameplayEvents[i-1].Timestamp > 30 {
			score -= 0.1
		}
	}
	return clamp01(score)
}

func metadataCompleteness(seg *Segment) float64 {
	score := 1.0
	byField := map[string]string{
		"build_id":   seg.BuildID,
		"level_name": seg.LevelName,
		"scene_type": seg.SceneType,
		"player_id":  seg.PlayerID,
		"session_id": seg.SessionID,
	}
	for _, field := range requiredMetadataFields {
		if byField[field] == "" {
			score -= 0.3
		}
	}
	for _, field := range optionalMetadataFields {
		if byField[field] == "" {
			score -= 0.1
		}
	}
	return clamp01(score)
}
