package vision

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is the in-process Repository used by tests and local
// runs. Lease atomicity comes from the single mutex.
type MemoryRepository struct {
	mu        sync.Mutex
	segments  map[string]*Segment
	queue     map[string]*QueueRow
	findings  map[string][]Finding
	summaries map[string]*SceneSummary
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		segments:  make(map[string]*Segment),
		queue:     make(map[string]*QueueRow),
		findings:  make(map[string][]Finding),
		summaries: make(map[string]*SceneSummary),
	}
}

func (r *MemoryRepository) InsertSegment(_ context.Context, seg Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seg.Status == "" {
		seg.Status = SegmentPending
	}
	r.segments[seg.ID] = &seg
	return nil
}

func (r *MemoryRepository) GetSegment(_ context.Context, segmentID string) (*Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, ok := r.segments[segmentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *seg
	return &cp, nil
}

func (r *MemoryRepository) SetSegmentStatus(_ context.Context, segmentID string, status SegmentStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, ok := r.segments[segmentID]
	if !ok {
		return ErrNotFound
	}
	seg.Status = status
	seg.StatusReason = reason
	if status == SegmentCompleted || status == SegmentFailed {
		now := time.Now().UTC()
		seg.AnalyzedAt = &now
	}
	return nil
}

func (r *MemoryRepository) Enqueue(_ context.Context, segmentID string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.queue {
		if row.SegmentID == segmentID && row.Status == QueuePending {
			if priority > row.Priority {
				row.Priority = priority
			}
			return nil
		}
	}
	id := uuid.NewString()
	r.queue[id] = &QueueRow{
		QueueID:   id,
		SegmentID: segmentID,
		Priority:  priority,
		Status:    QueuePending,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (r *MemoryRepository) LeaseNext(_ context.Context) (*QueueRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []*QueueRow
	for _, row := range r.queue {
		if row.Status == QueuePending {
			pending = append(pending, row)
		}
	}
	if len(pending) == 0 {
		return nil, ErrQueueEmpty
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	row := pending[0]
	row.Status = QueueProcessing
	row.Attempts++
	now := time.Now().UTC()
	row.LastAttemptAt = &now
	cp := *row
	return &cp, nil
}

func (r *MemoryRepository) SetQueueStatus(_ context.Context, queueID string, status QueueStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.queue {
		if row.QueueID != queueID {
			continue
		}
		row.Status = status
		if status == QueueCompleted || status == QueueFailed {
			now := time.Now().UTC()
			row.CompletedAt = &now
		}
		return nil
	}
	return ErrNotFound
}

func (r *MemoryRepository) QueueDepth(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	depth := 0
	for _, row := range r.queue {
		if row.Status == QueuePending {
			depth++
		}
	}
	return depth, nil
}

func (r *MemoryRepository) ReleaseExpired(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for _, row := range r.queue {
		if row.Status == QueueProcessing && row.LastAttemptAt != nil && row.LastAttemptAt.Before(cutoff) {
			row.Status = QueuePending
			released++
		}
	}
	return released, nil
}

func (r *MemoryRepository) InsertFinding(_ context.Context, f Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings[f.SegmentID] = append(r.findings[f.SegmentID], f)
	return nil
}

func (r *MemoryRepository) FindingsForSegment(_ context.Context, segmentID string) ([]Finding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Finding, len(r.findings[segmentID]))
	copy(out, r.findings[segmentID])
	return out, nil
}

func (r *MemoryRepository) GetSceneSummary(_ context.Context, buildID, sceneID string) (*SceneSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[buildID+"/"+sceneID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) UpsertSceneSummary(_ context.Context, s SceneSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := s.BuildID + "/" + s.SceneID
	if existing, ok := r.summaries[key]; ok {
		s.TotalSegments = existing.TotalSegments + 1
		s.AnalyzedSegments = existing.AnalyzedSegments + 1
	} else {
		s.TotalSegments = 1
		s.AnalyzedSegments = 1
	}
	s.LastUpdated = time.Now().UTC()
	r.summaries[key] = &s
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }
func (r *MemoryRepository) Close() error               { return nil }

var _ Repository = (*MemoryRepository)(nil)
