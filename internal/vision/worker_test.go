package vision

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodybroker/backend/internal/bus"
	"github.com/bodybroker/backend/internal/config"
)

type testPublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func newTestPublisher() *testPublisher {
	return &testPublisher{msgs: make(map[string][][]byte)}
}

func (p *testPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs[subject] = append(p.msgs[subject], data)
	return nil
}

func (p *testPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs[subject])
}

func defaultDetectors() []Detector {
	return DefaultRegistry().Build(&config.GameData{})
}

func leaseRow(t *testing.T, repo Repository) *QueueRow {
	t.Helper()
	row, err := repo.LeaseNext(context.Background())
	require.NoError(t, err)
	return row
}

func TestProcessRowQualityGateRejectsUnusableSegment(t *testing.T) {
	repo := NewMemoryRepository()
	pub := newTestPublisher()
	pool := NewPool(repo, pub, defaultDetectors(), 1)
	ctx := context.Background()

	seg := Segment{
		ID:        "seg-bad",
		Duration:  0.5,
		MediaURIs: map[string]string{"main": ""},
	}
	require.NoError(t, repo.InsertSegment(ctx, seg))
	require.NoError(t, repo.Enqueue(ctx, seg.ID, 5))

	pool.ProcessRow(ctx, leaseRow(t, repo))

	got, err := repo.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, SegmentFailed, got.Status)
	assert.Equal(t, "Data quality too poor", got.StatusReason)
	require.NotNil(t, got.AnalyzedAt)

	findings, err := repo.FindingsForSegment(ctx, seg.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1, "only the data quality finding, no detector ran")
	assert.Equal(t, "data_quality", findings[0].DetectorType)
	assert.Equal(t, "degraded_input", findings[0].IssueType)
	assert.GreaterOrEqual(t, findings[0].Severity, 0.9)

	assert.Equal(t, 1, pub.count(SubjectIssue))
	assert.Zero(t, pub.count(SubjectSceneSummary), "no summary for rejected segments")

	depth, err := repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestProcessRowAnalyzesGoodSegment(t *testing.T) {
	repo := NewMemoryRepository()
	pub := newTestPublisher()
	pool := NewPool(repo, pub, defaultDetectors(), 1)
	ctx := context.Background()

	seg := richSegment()
	seg.Frames = []Frame{
		{Index: 0, Signals: map[string]float64{"pose_drift": 0.1}},
		{Index: 1, Signals: map[string]float64{"pose_drift": 0.9}},
	}
	require.NoError(t, repo.InsertSegment(ctx, *seg))
	require.NoError(t, repo.Enqueue(ctx, seg.ID, 1))

	pool.ProcessRow(ctx, leaseRow(t, repo))

	got, err := repo.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, SegmentCompleted, got.Status)
	assert.Empty(t, got.StatusReason)

	findings, err := repo.FindingsForSegment(ctx, seg.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "animation", findings[0].DetectorType)
	assert.Equal(t, "animation_snap", findings[0].IssueType)
	assert.NotContains(t, findings[0].Description, "[quality:", "good segments are untagged")

	summary, err := repo.GetSceneSummary(ctx, seg.BuildID, seg.SceneID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.IssueCounts["animation"])
	assert.Equal(t, 1, summary.AnalyzedSegments)

	assert.Equal(t, 1, pub.count(SubjectIssue))
	assert.Equal(t, 1, pub.count(SubjectSceneSummary))
}

type failingDetector struct{}

func (failingDetector) Type() string               { return "broken" }
func (failingDetector) Capabilities() Capabilities { return Capabilities{} }
func (failingDetector) Analyze(context.Context, *Segment) ([]Finding, error) {
	return nil, errors.New("model load failed")
}

func TestProcessRowDetectorFailureIsIsolated(t *testing.T) {
	repo := NewMemoryRepository()
	pub := newTestPublisher()
	detectors := append([]Detector{failingDetector{}}, defaultDetectors()...)
	pool := NewPool(repo, pub, detectors, 1)
	ctx := context.Background()

	seg := richSegment()
	seg.ID = "seg-iso"
	seg.Frames = []Frame{
		{Index: 0, Signals: map[string]float64{"penetration_depth": 0.5}},
	}
	require.NoError(t, repo.InsertSegment(ctx, *seg))
	require.NoError(t, repo.Enqueue(ctx, seg.ID, 1))

	pool.ProcessRow(ctx, leaseRow(t, repo))

	got, err := repo.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, SegmentFailed, got.Status)
	assert.Equal(t, "one or more detectors failed", got.StatusReason)

	// The healthy detectors still produced and persisted their findings.
	findings, err := repo.FindingsForSegment(ctx, seg.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "physics", findings[0].DetectorType)
	assert.Equal(t, 1, pub.count(SubjectSceneSummary), "summary still written")
}

func TestLeaseNextIsExclusive(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, repo.InsertSegment(ctx, Segment{ID: id}))
		require.NoError(t, repo.Enqueue(ctx, id, 1))
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		row, err := repo.LeaseNext(ctx)
		require.NoError(t, err)
		assert.False(t, seen[row.SegmentID], "each row leased once")
		seen[row.SegmentID] = true
		assert.Equal(t, QueueProcessing, row.Status)
		assert.Equal(t, 1, row.Attempts)
	}
	_, err := repo.LeaseNext(ctx)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestLeaseNextOrdersByPriorityThenAge(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, "old-low", 1))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, repo.Enqueue(ctx, "new-high", 9))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, repo.Enqueue(ctx, "new-low", 1))

	first, err := repo.LeaseNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new-high", first.SegmentID)

	second, err := repo.LeaseNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old-low", second.SegmentID, "FIFO within a priority")
}

func TestEnqueueKeepsMaxPriorityForPendingSegment(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, "s1", 1))
	require.NoError(t, repo.Enqueue(ctx, "s1", 5))
	require.NoError(t, repo.Enqueue(ctx, "s1", 2))

	depth, err := repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "re-admission never duplicates a pending row")

	row, err := repo.LeaseNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, row.Priority)
}

func TestAdmissionInsertsInlineSegmentAndQueues(t *testing.T) {
	repo := NewMemoryRepository()
	a := NewAdmission(repo)
	ctx := context.Background()

	data, err := json.Marshal(analyzeRequest{
		Priority: 7,
		Segment:  richSegment(),
	})
	require.NoError(t, err)
	a.HandleMessage(ctx, &bus.Msg{Subject: SubjectAnalyzeRequest, Data: data})

	seg, err := repo.GetSegment(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, SegmentPending, seg.Status)

	row, err := repo.LeaseNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "seg-1", row.SegmentID)
	assert.Equal(t, 7, row.Priority)
}

func TestAdmissionDropsMalformedRequests(t *testing.T) {
	repo := NewMemoryRepository()
	a := NewAdmission(repo)
	ctx := context.Background()

	a.HandleMessage(ctx, &bus.Msg{Subject: SubjectAnalyzeRequest, Data: []byte("{nope")})
	a.HandleMessage(ctx, &bus.Msg{Subject: SubjectAnalyzeRequest, Data: []byte(`{"priority":3}`)})

	depth, err := repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestLeaseSweeperReclaimsExpiredLeases(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, "s1", 1))
	row, err := repo.LeaseNext(ctx)
	require.NoError(t, err)

	// Backdate the lease as if its worker died mid-analysis.
	stale := time.Now().Add(-10 * time.Minute)
	repo.mu.Lock()
	repo.queue[row.QueueID].LastAttemptAt = &stale
	repo.mu.Unlock()

	NewLeaseSweeper(repo, 5*time.Minute).SweepOnce(ctx)

	depth, err := repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "expired lease returned to pending")

	again, err := repo.LeaseNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", again.SegmentID)
	assert.Equal(t, 2, again.Attempts)
}

func TestLeaseSweeperLeavesFreshLeasesAlone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, "s1", 1))
	_, err := repo.LeaseNext(ctx)
	require.NoError(t, err)

	NewLeaseSweeper(repo, 5*time.Minute).SweepOnce(ctx)

	depth, err := repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}
