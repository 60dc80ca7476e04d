package vision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodybroker/backend/internal/config"
)

func buildDetector(t *testing.T, typ string) Detector {
	t.Helper()
	d, err := DefaultRegistry().BuildOne(typ, &config.GameData{})
	require.NoError(t, err)
	return d
}

func analyze(t *testing.T, d Detector, seg *Segment) []Finding {
	t.Helper()
	findings, err := d.Analyze(context.Background(), seg)
	require.NoError(t, err)
	return findings
}

func framesWith(signal string, values ...float64) []Frame {
	frames := make([]Frame, len(values))
	for i, v := range values {
		frames[i] = Frame{Index: i, Signals: map[string]float64{signal: v}}
	}
	return frames
}

func TestRegistryBuildsDetectorsInStableOrder(t *testing.T) {
	detectors := DefaultRegistry().Build(&config.GameData{})
	var types []string
	for _, d := range detectors {
		types = append(types, d.Type())
	}
	assert.Equal(t, []string{"animation", "flow", "lighting", "performance", "physics", "rendering"}, types)
}

func TestRegistryBuildOneUnknownType(t *testing.T) {
	_, err := DefaultRegistry().BuildOne("telepathy", &config.GameData{})
	assert.Error(t, err)
}

func TestAnimationDetectorFlagsPoseJump(t *testing.T) {
	d := buildDetector(t, "animation")
	seg := richSegment()
	seg.Frames = framesWith("pose_drift", 0.10, 0.12, 0.95, 0.93)

	findings := analyze(t, d, seg)
	require.Len(t, findings, 1, "one jump between frames 1 and 2")
	assert.Equal(t, "animation_snap", findings[0].IssueType)
	assert.InDelta(t, 0.83, findings[0].Metrics["pose_jump"], 1e-6)
	assert.InDelta(t, 2, findings[0].Metrics["frame_index"], 1e-9)
}

func TestAnimationDetectorIgnoresSmoothDrift(t *testing.T) {
	d := buildDetector(t, "animation")
	seg := richSegment()
	seg.Frames = framesWith("pose_drift", 0.1, 0.3, 0.5, 0.7)

	assert.Empty(t, analyze(t, d, seg))
}

func TestPhysicsDetectorFlagsInterpenetration(t *testing.T) {
	d := buildDetector(t, "physics")
	seg := richSegment()
	seg.Frames = framesWith("penetration_depth", 0.05, 0.4, 0.02, 0.6)

	findings := analyze(t, d, seg)
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, "object_interpenetration", f.IssueType)
	}
	assert.True(t, d.Capabilities().RequiresDepth)
}

func TestRenderingDetectorFlagsTextureAndShaderIssues(t *testing.T) {
	d := buildDetector(t, "rendering")
	seg := richSegment()
	seg.Frames = []Frame{
		{Index: 0, Signals: map[string]float64{"texture_error": 0.6}},
		{Index: 1, Signals: map[string]float64{"shader_artifact": 0.9}},
		{Index: 2, Signals: map[string]float64{"texture_error": 0.1, "shader_artifact": 0.2}},
	}

	findings := analyze(t, d, seg)
	require.Len(t, findings, 2)
	assert.Equal(t, "texture_corruption", findings[0].IssueType)
	assert.Equal(t, "shader_artifact", findings[1].IssueType)
}

func TestLightingDetectorFlagsOverlitScene(t *testing.T) {
	d := buildDetector(t, "lighting")
	seg := richSegment()
	seg.Frames = framesWith("luminance", 0.8, 0.82, 0.78, 0.80)

	findings := analyze(t, d, seg)
	require.Len(t, findings, 1, "steady but bright: overlit only, no flicker")
	assert.Equal(t, "scene_overlit", findings[0].IssueType)
	assert.Equal(t, []string{"horror_atmosphere"}, findings[0].AffectedGoals)
}

func TestLightingDetectorFlagsFlicker(t *testing.T) {
	d := buildDetector(t, "lighting")
	seg := richSegment()
	seg.Frames = framesWith("luminance", 0.1, 0.9, 0.1, 0.9)

	findings := analyze(t, d, seg)
	require.Len(t, findings, 1, "dark on average but wildly unstable")
	assert.Equal(t, "light_flicker", findings[0].IssueType)
}

func TestLightingDetectorAcceptsDarkStableScene(t *testing.T) {
	d := buildDetector(t, "lighting")
	seg := richSegment()
	seg.Frames = framesWith("luminance", 0.2, 0.22, 0.19, 0.21)

	assert.Empty(t, analyze(t, d, seg))
}

func TestPerformanceDetectorFlagsFPSDropAndSpikes(t *testing.T) {
	d := buildDetector(t, "performance")
	seg := richSegment()
	seg.Performance = &PerformanceMetrics{
		AvgFPS:       fptr(35),
		MinFPS:       fptr(18),
		MaxFPS:       fptr(60),
		FrameTimesMS: []float64{16, 16, 180, 16, 250},
	}

	findings := analyze(t, d, seg)
	require.Len(t, findings, 2)
	assert.Equal(t, "fps_drop", findings[0].IssueType)
	assert.InDelta(t, 18, findings[0].Metrics["min_fps"], 1e-9)
	assert.Equal(t, "frame_spike", findings[1].IssueType)
	assert.InDelta(t, 2, findings[1].Metrics["spike_count"], 1e-9)
	assert.InDelta(t, 250, findings[1].Metrics["worst_frame_ms"], 1e-9)
}

func TestPerformanceDetectorNoTelemetryNoFindings(t *testing.T) {
	d := buildDetector(t, "performance")
	seg := richSegment()
	seg.Performance = nil

	assert.Empty(t, analyze(t, d, seg))
}

func TestFlowDetectorFlagsProgressionStall(t *testing.T) {
	d := buildDetector(t, "flow")
	seg := richSegment()
	values := make([]float64, 120)
	for i := range values {
		values[i] = 0.01 // stationary
	}
	seg.Frames = framesWith("player_speed", values...)

	findings := analyze(t, d, seg)
	require.Len(t, findings, 1, "a stall emits once when the run crosses the limit")
	assert.Equal(t, "progression_stall", findings[0].IssueType)
	assert.InDelta(t, 89, findings[0].Metrics["frame_index"], 1e-9)
}

func TestFlowDetectorMovementResetsStallRun(t *testing.T) {
	d := buildDetector(t, "flow")
	seg := richSegment()
	values := make([]float64, 150)
	for i := range values {
		values[i] = 0.01
	}
	values[80] = 1.5 // one step of real movement
	seg.Frames = framesWith("player_speed", values...)

	assert.Empty(t, analyze(t, d, seg), "neither run reaches ninety frames")
}

func TestFlowDetectorStateIsPerSegment(t *testing.T) {
	d := buildDetector(t, "flow")
	values := make([]float64, 50)
	for i := range values {
		values[i] = 0.01
	}
	segA := richSegment()
	segA.Frames = framesWith("player_speed", values...)
	segB := richSegment()
	segB.ID = "seg-2"
	segB.Frames = framesWith("player_speed", values...)

	assert.Empty(t, analyze(t, d, segA))
	assert.Empty(t, analyze(t, d, segB), "stall run never carries across segments")
}

func TestThresholdFilteringDropsWeakFindings(t *testing.T) {
	findings := []Finding{
		{IssueType: "keep", Severity: 0.5, Confidence: 0.9},
		{IssueType: "weak_confidence", Severity: 0.5, Confidence: 0.3},
		{IssueType: "weak_severity", Severity: 0.1, Confidence: 0.9},
	}
	out := FilterFindings(findings, Thresholds{Confidence: 0.7, Severity: 0.3})
	require.Len(t, out, 1)
	assert.Equal(t, "keep", out[0].IssueType)
}

func TestDetectorSettingsOverrideDefaults(t *testing.T) {
	gd := &config.GameData{
		Detectors: map[string]config.DetectorConfig{
			"animation": {Settings: map[string]interface{}{"max_pose_jump": 0.1}},
		},
	}
	d, err := DefaultRegistry().BuildOne("animation", gd)
	require.NoError(t, err)

	seg := richSegment()
	seg.Frames = framesWith("pose_drift", 0.1, 0.4)
	findings := analyze(t, d, seg)
	require.Len(t, findings, 1, "tightened threshold flags the smaller jump")
	assert.InDelta(t, 0.1, d.Capabilities().Configuration["max_pose_jump"], 1e-9)
}
