package story

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodybroker/backend/internal/config"
)

func seedEvents(t *testing.T, repo *MemoryRepository, playerID string, events []StoryEvent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.EnsurePlayer(ctx, playerID, config.DefaultFamilies))
	for i, e := range events {
		e.PlayerID = playerID
		e.SequenceNum = int64(i + 1)
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC().Add(-time.Hour)
		}
		_, err := repo.AppendEvent(ctx, e)
		require.NoError(t, err)
	}
}

func questCompleted(questType string, age time.Duration) StoryEvent {
	return StoryEvent{
		EventType: "quest.completed",
		Payload:   map[string]interface{}{"quest_type": questType},
		Timestamp: time.Now().UTC().Add(-age),
	}
}

func TestDriftDetectedWhenTangentialQuestsDominate(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &testPublisher{}
	d := NewDriftDetector(repo, pub, DriftThresholds{}, nil, nil, nil)

	var events []StoryEvent
	for i := 0; i < 2; i++ {
		events = append(events, questCompleted("main", 3*time.Hour))
	}
	for i := 0; i < 3; i++ {
		events = append(events, questCompleted("side", 2*time.Hour))
	}
	for i := 0; i < 5; i++ {
		events = append(events, questCompleted("tangential", time.Hour))
	}
	seedEvents(t, repo, "p1", events)

	report, err := d.CheckDrift(context.Background(), "p1", 24, true)
	require.NoError(t, err)

	assert.True(t, report.DriftDetected)
	assert.Equal(t, "quest_allocation", report.DriftType)
	assert.InDelta(t, 0.5, report.Metrics["quest_allocation.tangential"], 1e-9)
	assert.Equal(t, DriftModerate, report.Severity, "0.5 over a 0.30 threshold")
	assert.Contains(t, report.Remediation, "main")

	require.Len(t, repo.DriftAlerts("p1"), 1, "detected drift is persisted")
	require.Len(t, pub.bySubject(SubjectDrift), 1, "and published")
}

func TestNoDriftWhenMainQuestsDominate(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &testPublisher{}
	d := NewDriftDetector(repo, pub, DriftThresholds{}, nil, nil, nil)

	var events []StoryEvent
	for i := 0; i < 5; i++ {
		events = append(events, questCompleted("main", 3*time.Hour))
	}
	for i := 0; i < 3; i++ {
		events = append(events, questCompleted("side", 2*time.Hour))
	}
	events = append(events, questCompleted("tangential", time.Hour))
	seedEvents(t, repo, "p1", events)

	report, err := d.CheckDrift(context.Background(), "p1", 24, true)
	require.NoError(t, err)

	assert.False(t, report.DriftDetected)
	assert.Empty(t, report.DriftType)
	assert.Empty(t, repo.DriftAlerts("p1"))
	assert.Empty(t, pub.bySubject(SubjectDrift))
}

func TestDriftTimeAllocationNamesDominantActivities(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &testPublisher{}
	d := NewDriftDetector(repo, pub, DriftThresholds{}, []string{"fishing", "gambling"}, nil, nil)

	var events []StoryEvent
	for i := 0; i < 3; i++ {
		events = append(events, StoryEvent{
			EventType: "activity.logged",
			Payload:   map[string]interface{}{"activity_type": "fishing"},
		})
	}
	events = append(events, StoryEvent{
		EventType: "activity.logged",
		Payload:   map[string]interface{}{"activity_type": "combat"},
	})
	seedEvents(t, repo, "p1", events)

	report, err := d.CheckDrift(context.Background(), "p1", 24, true)
	require.NoError(t, err)

	assert.True(t, report.DriftDetected)
	assert.Equal(t, "time_allocation", report.DriftType)
	assert.InDelta(t, 0.75, report.Metrics["off_theme_ratio"], 1e-9)
	assert.Equal(t, DriftMajor, report.Severity, "triple the threshold")
	assert.Contains(t, report.Remediation, "fishing")
}

func TestDriftReportCachedWithinAnalysisWindow(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDriftDetector(repo, &testPublisher{}, DriftThresholds{}, nil, nil, nil)
	ctx := context.Background()

	seedEvents(t, repo, "p1", []StoryEvent{questCompleted("main", time.Hour)})

	first, err := d.CheckDrift(ctx, "p1", 24, false)
	require.NoError(t, err)

	// New tangential events land, but the cached report still answers.
	for i := 0; i < 10; i++ {
		_, err := repo.AppendEvent(ctx, StoryEvent{
			PlayerID:    "p1",
			SequenceNum: int64(100 + i),
			EventType:   "quest.completed",
			Payload:     map[string]interface{}{"quest_type": "tangential"},
			Timestamp:   time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	cached, err := d.CheckDrift(ctx, "p1", 24, false)
	require.NoError(t, err)
	assert.Same(t, first, cached)

	forced, err := d.CheckDrift(ctx, "p1", 24, true)
	require.NoError(t, err)
	assert.True(t, forced.DriftDetected, "force bypasses the cached report")
}

func TestDriftEmptyWindowIsClean(t *testing.T) {
	repo := NewMemoryRepository()
	d := NewDriftDetector(repo, &testPublisher{}, DriftThresholds{}, nil, nil, nil)

	require.NoError(t, repo.EnsurePlayer(context.Background(), "p1", config.DefaultFamilies))
	report, err := d.CheckDrift(context.Background(), "p1", 24, true)
	require.NoError(t, err)
	assert.False(t, report.DriftDetected)
	assert.Zero(t, report.DriftScore)
}

func TestDriftSweepCoversActivePlayers(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &testPublisher{}
	d := NewDriftDetector(repo, pub, DriftThresholds{}, nil, nil, nil)

	seedEvents(t, repo, "drifter", []StoryEvent{
		questCompleted("tangential", time.Hour),
		questCompleted("tangential", time.Hour),
	})
	seedEvents(t, repo, "steady", []StoryEvent{questCompleted("main", time.Hour)})

	d.RunSweep(context.Background())

	assert.Len(t, repo.DriftAlerts("drifter"), 1)
	assert.Empty(t, repo.DriftAlerts("steady"))
}
