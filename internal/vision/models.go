// Package vision implements the 4D gameplay analyzer: a queue-backed worker
// pool that runs quality-gated detector passes over recorded segments and
// aggregates the findings into scene summaries.
package vision

import "time"

// SegmentStatus is the lifecycle of one recorded segment.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentAnalyzing SegmentStatus = "analyzing"
	SegmentCompleted SegmentStatus = "completed"
	SegmentFailed    SegmentStatus = "failed"
)

// QueueStatus is the lifecycle of one analysis-queue row.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// DepthType describes where a segment's depth channel came from.
type DepthType string

const (
	DepthSensor    DepthType = "sensor"
	DepthEstimated DepthType = "estimated"
)

// Frame is one sampled frame of a segment. Detector inputs are carried as
// named numeric signals extracted upstream; the detectors here interpret
// them, they do not compute them.
type Frame struct {
	Index     int                `json:"index"`
	Timestamp float64            `json:"timestamp"` // seconds from segment start
	CameraID  string             `json:"camera_id,omitempty"`
	Signals   map[string]float64 `json:"signals,omitempty"`
}

// PerformanceMetrics holds the frame-rate telemetry recorded with a
// segment. Nil fields mean the metric was not captured.
type PerformanceMetrics struct {
	AvgFPS       *float64  `json:"avg_fps,omitempty"`
	MinFPS       *float64  `json:"min_fps,omitempty"`
	MaxFPS       *float64  `json:"max_fps,omitempty"`
	FrameTimesMS []float64 `json:"frame_times_ms,omitempty"`
}

// GameplayEvent is one in-game event captured during the segment.
type GameplayEvent struct {
	Type      string                 `json:"type"`
	Timestamp float64                `json:"timestamp"` // seconds from segment start
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Segment is a time-bounded gameplay recording with media, depth, events
// and performance data.
type Segment struct {
	ID             string                 `json:"id"`
	BuildID        string                 `json:"build_id"`
	SceneID        string                 `json:"scene_id"`
	LevelName      string                 `json:"level_name"`
	SceneType      string                 `json:"scene_type"`
	PlayerID       string                 `json:"player_id,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	StartTime      time.Time              `json:"start_time"`
	Duration       float64                `json:"duration"` // seconds
	MediaURIs      map[string]string      `json:"media_uris"` // camera id -> uri
	DepthAvailable bool                   `json:"depth_available"`
	DepthType      DepthType              `json:"depth_type,omitempty"`
	Frames         []Frame                `json:"frames,omitempty"`
	Performance    *PerformanceMetrics    `json:"performance,omitempty"`
	GameplayEvents []GameplayEvent        `json:"gameplay_events,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Status         SegmentStatus          `json:"status"`
	StatusReason   string                 `json:"status_reason,omitempty"`
	AnalyzedAt     *time.Time             `json:"analyzed_at,omitempty"`
}

// Finding is one output record from one detector pass over one segment.
type Finding struct {
	IssueID       string             `json:"issue_id"`
	SegmentID     string             `json:"segment_id"`
	DetectorType  string             `json:"detector_type"`
	IssueType     string             `json:"issue_type"`
	Severity      float64            `json:"severity"`
	Confidence    float64            `json:"confidence"`
	Timestamp     time.Time          `json:"timestamp"`
	CameraID      string             `json:"camera_id,omitempty"`
	ScreenCoords  []float64          `json:"screen_coords,omitempty"`
	WorldCoords   []float64          `json:"world_coords,omitempty"`
	Description   string             `json:"description"`
	EvidenceRefs  []string           `json:"evidence_refs,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	AffectedGoals []string           `json:"affected_goals,omitempty"`
	PlayerImpact  float64            `json:"player_impact"`
}

// QueueRow is one admission in the analysis queue. Larger priority leases
// sooner; ties break FIFO on created_at.
type QueueRow struct {
	QueueID       string      `json:"queue_id"`
	SegmentID     string      `json:"segment_id"`
	Priority      int         `json:"priority"`
	Status        QueueStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	CreatedAt     time.Time   `json:"created_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// SceneSummary aggregates every analyzed segment under one
// (build_id, scene_id) key.
type SceneSummary struct {
	BuildID            string             `json:"build_id"`
	SceneID            string             `json:"scene_id"`
	TotalSegments      int                `json:"total_segments"`
	AnalyzedSegments   int                `json:"analyzed_segments"`
	IssueCounts        map[string]int     `json:"issue_counts"`
	AvgSeverities      map[string]float64 `json:"avg_severities"`
	CriticalIssues     []string           `json:"critical_issues"`
	VisualQuality      float64            `json:"visual_quality"`
	HorrorAtmosphere   float64            `json:"horror_atmosphere"`
	TechnicalStability float64            `json:"technical_stability"`
	LastUpdated        time.Time          `json:"last_updated"`
}

// severityBucket maps a severity score to its metrics label.
func severityBucket(severity float64) string {
	switch {
	case severity >= 0.8:
		return "critical"
	case severity >= 0.6:
		return "high"
	case severity >= 0.3:
		return "medium"
	default:
		return "low"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
