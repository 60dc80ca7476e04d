package vision

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Summarize reduces one segment's findings to a scene summary keyed by
// (build_id, scene_id). The repository upsert handles the rolling segment
// counters; this computes the derived fields.
func Summarize(seg *Segment, findings []Finding) SceneSummary {
	counts := make(map[string]int)
	sums := make(map[string]float64)
	for _, f := range findings {
		counts[f.DetectorType]++
		sums[f.DetectorType] += f.Severity
	}
	avgs := make(map[string]float64, len(counts))
	for detector, n := range counts {
		avgs[detector] = sums[detector] / float64(n)
	}

	type critical struct {
		label    string
		severity float64
	}
	var criticals []critical
	for _, f := range findings {
		if f.Severity >= 0.8 {
			criticals = append(criticals, critical{
				label:    fmt.Sprintf("%s (%s)", f.IssueType, f.DetectorType),
				severity: f.Severity,
			})
		}
	}
	sort.SliceStable(criticals, func(i, j int) bool { return criticals[i].severity > criticals[j].severity })
	topCritical := make([]string, 0, 5)
	for i, c := range criticals {
		if i == 5 {
			break
		}
		topCritical = append(topCritical, c.label)
	}

	return SceneSummary{
		BuildID:            seg.BuildID,
		SceneID:            seg.SceneID,
		IssueCounts:        counts,
		AvgSeverities:      avgs,
		CriticalIssues:     topCritical,
		VisualQuality:      clamp01(1 - (0.5*avgs["rendering"] + 0.3*avgs["animation"] + 0.2*avgs["physics"])),
		HorrorAtmosphere:   clamp01(1 - avgs["lighting"]),
		TechnicalStability: clamp01(1 - (0.6*avgs["performance"] + 0.4*avgs["flow"])),
		LastUpdated:        time.Now().UTC(),
	}
}

// StoreSummary computes and upserts the scene summary for a completed
// segment analysis.
func StoreSummary(ctx context.Context, repo Repository, seg *Segment, findings []Finding) (SceneSummary, error) {
	summary := Summarize(seg, findings)
	if err := repo.UpsertSceneSummary(ctx, summary); err != nil {
		return summary, fmt.Errorf("upsert scene summary: %w", err)
	}
	return summary, nil
}
