package vision

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeComputesCompositeScores(t *testing.T) {
	seg := &Segment{ID: "seg-1", BuildID: "b1", SceneID: "sc1"}
	findings := []Finding{
		{DetectorType: "rendering", IssueType: "texture_corruption", Severity: 0.6},
		{DetectorType: "rendering", IssueType: "shader_artifact", Severity: 0.4},
		{DetectorType: "animation", IssueType: "animation_snap", Severity: 0.5},
		{DetectorType: "lighting", IssueType: "scene_overlit", Severity: 0.3},
		{DetectorType: "performance", IssueType: "fps_drop", Severity: 0.5},
	}

	s := Summarize(seg, findings)

	assert.Equal(t, "b1", s.BuildID)
	assert.Equal(t, "sc1", s.SceneID)
	assert.Equal(t, 2, s.IssueCounts["rendering"])
	assert.InDelta(t, 0.5, s.AvgSeverities["rendering"], 1e-9)

	// visual = 1 - (0.5*rendering + 0.3*animation + 0.2*physics)
	assert.InDelta(t, 1-(0.5*0.5+0.3*0.5+0.2*0), s.VisualQuality, 1e-9)
	// horror = 1 - lighting
	assert.InDelta(t, 0.7, s.HorrorAtmosphere, 1e-9)
	// stability = 1 - (0.6*performance + 0.4*flow)
	assert.InDelta(t, 1-0.6*0.5, s.TechnicalStability, 1e-9)
}

func TestSummarizeNoFindingsIsPerfectScene(t *testing.T) {
	s := Summarize(&Segment{BuildID: "b1", SceneID: "sc1"}, nil)

	assert.Empty(t, s.IssueCounts)
	assert.InDelta(t, 1.0, s.VisualQuality, 1e-9)
	assert.InDelta(t, 1.0, s.HorrorAtmosphere, 1e-9)
	assert.InDelta(t, 1.0, s.TechnicalStability, 1e-9)
	assert.Empty(t, s.CriticalIssues)
}

func TestSummarizeTopFiveCriticalsSortedBySeverity(t *testing.T) {
	seg := &Segment{BuildID: "b1", SceneID: "sc1"}
	var findings []Finding
	for i := 0; i < 7; i++ {
		findings = append(findings, Finding{
			DetectorType: "physics",
			IssueType:    fmt.Sprintf("issue_%d", i),
			Severity:     0.80 + float64(i)*0.02,
		})
	}
	findings = append(findings, Finding{DetectorType: "flow", IssueType: "minor", Severity: 0.5})

	s := Summarize(seg, findings)

	require.Len(t, s.CriticalIssues, 5)
	assert.Equal(t, "issue_6 (physics)", s.CriticalIssues[0])
	assert.Equal(t, "issue_2 (physics)", s.CriticalIssues[4])
	assert.NotContains(t, s.CriticalIssues, "minor (flow)")
}

func TestStoreSummaryIncrementsSegmentCounters(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seg := &Segment{ID: "seg-1", BuildID: "b1", SceneID: "sc1"}

	_, err := StoreSummary(ctx, repo, seg, nil)
	require.NoError(t, err)
	_, err = StoreSummary(ctx, repo, seg, []Finding{
		{DetectorType: "lighting", IssueType: "scene_overlit", Severity: 0.4},
	})
	require.NoError(t, err)

	s, err := repo.GetSceneSummary(ctx, "b1", "sc1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalSegments)
	assert.Equal(t, 2, s.AnalyzedSegments)
	assert.Equal(t, 1, s.IssueCounts["lighting"], "derived fields reflect the latest segment")
}

func TestSeverityBuckets(t *testing.T) {
	assert.Equal(t, "critical", severityBucket(0.95))
	assert.Equal(t, "critical", severityBucket(0.8))
	assert.Equal(t, "high", severityBucket(0.7))
	assert.Equal(t, "medium", severityBucket(0.4))
	assert.Equal(t, "low", severityBucket(0.1))
}
