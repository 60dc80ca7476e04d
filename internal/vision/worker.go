package vision

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bodybroker/backend/internal/bus"
)

// Well-known analyzer subjects.
const (
	SubjectAnalyzeRequest = "vision.analyze.request"
	SubjectIssue          = "vision.issue"
	SubjectSceneSummary   = "vision.scene.summary"

	// QueueGroup distributes analyze requests across worker processes.
	QueueGroup = "vision_analyzer_workers"
)

// emptyQueueSleep is the worker backoff when no row is pending.
const emptyQueueSleep = time.Second

// Publisher is the outbound half of the bus the pool needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Pool runs N workers over the analysis queue. Each worker leases a row,
// gates it on data quality, fans out to every detector serially, persists
// and publishes findings, then writes the scene summary.
type Pool struct {
	repo      Repository
	pub       Publisher
	quality   QualityAnalyzer
	detectors []Detector
	metrics   *Metrics
	workers   int

	mu   sync.Mutex
	live int
}

// NewPool builds the pool. Detector order is preserved; findings publish
// in detector order for a deterministic event stream.
func NewPool(repo Repository, pub Publisher, detectors []Detector, workers int) *Pool {
	if workers <= 0 {
		workers = 3
	}
	return &Pool{
		repo:      repo,
		pub:       pub,
		detectors: detectors,
		metrics:   NewMetrics(),
		workers:   workers,
	}
}

// Run blocks until ctx is cancelled and all workers have drained their
// in-flight segment.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

// LiveWorkers reports how many workers are currently in their loop.
func (p *Pool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	p.mu.Lock()
	p.live++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
	}()

	slog.Info("[AnalyzerWorker] Started", "worker", id)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[AnalyzerWorker] Stopping", "worker", id)
			return
		default:
		}

		row, err := p.repo.LeaseNext(ctx)
		if errors.Is(err, ErrQueueEmpty) {
			select {
			case <-time.After(emptyQueueSleep):
			case <-ctx.Done():
			}
			continue
		}
		if err != nil {
			slog.Error("[AnalyzerWorker] Lease failed", "worker", id, "error", err)
			p.metrics.ErrorsTotal.WithLabelValues("worker", "lease").Inc()
			select {
			case <-time.After(emptyQueueSleep):
			case <-ctx.Done():
			}
			continue
		}
		// In-flight work completes even when shutdown races the lease.
		p.ProcessRow(context.WithoutCancel(ctx), row)
	}
}

// ProcessRow drives one leased queue row through the full segment
// lifecycle. Exported for the tests; workers are its only other caller.
func (p *Pool) ProcessRow(ctx context.Context, row *QueueRow) {
	seg, err := p.repo.GetSegment(ctx, row.SegmentID)
	if err != nil {
		slog.Error("[AnalyzerWorker] Segment missing for queue row", "segment", row.SegmentID, "error", err)
		p.finish(ctx, row, seg, false, "segment not found")
		return
	}

	if err := p.repo.SetSegmentStatus(ctx, seg.ID, SegmentAnalyzing, ""); err != nil {
		slog.Error("[AnalyzerWorker] Status transition failed", "segment", seg.ID, "error", err)
	}

	verdict := p.quality.Assess(seg)
	if verdict.Level != QualityGood {
		qf := p.quality.QualityFinding(seg, verdict)
		p.persistAndPublish(ctx, qf)
		p.metrics.Observe("data_quality", []Finding{qf})
	}
	if !verdict.CanAnalyze {
		slog.Warn("[AnalyzerWorker] Quality gate rejected segment",
			"segment", seg.ID, "score", verdict.OverallScore)
		p.finish(ctx, row, seg, false, "Data quality too poor")
		return
	}

	var all []Finding
	failed := false
	for _, detector := range p.detectors {
		findings, err := detector.Analyze(ctx, seg)
		if err != nil {
			slog.Error("[AnalyzerWorker] Detector failed",
				"segment", seg.ID, "detector", detector.Type(), "error", err)
			p.metrics.ErrorsTotal.WithLabelValues("detector", detector.Type()).Inc()
			failed = true
			continue
		}
		findings = p.quality.PostFilter(findings, verdict)
		for _, f := range findings {
			p.persistAndPublish(ctx, f)
		}
		p.metrics.Observe(detector.Type(), findings)
		all = append(all, findings...)
	}

	summary, err := StoreSummary(ctx, p.repo, seg, all)
	if err != nil {
		slog.Error("[AnalyzerWorker] Scene summary failed", "segment", seg.ID, "error", err)
		p.metrics.ErrorsTotal.WithLabelValues("worker", "summary").Inc()
	} else {
		p.publishJSON(ctx, SubjectSceneSummary, summary)
	}

	reason := ""
	if failed {
		reason = "one or more detectors failed"
	}
	p.finish(ctx, row, seg, !failed, reason)
}

func (p *Pool) finish(ctx context.Context, row *QueueRow, seg *Segment, ok bool, reason string) {
	queueStatus, segStatus, result := QueueCompleted, SegmentCompleted, "completed"
	if !ok {
		queueStatus, segStatus, result = QueueFailed, SegmentFailed, "failed"
	}
	if seg != nil {
		if err := p.repo.SetSegmentStatus(ctx, seg.ID, segStatus, reason); err != nil {
			slog.Error("[AnalyzerWorker] Terminal segment status failed", "segment", seg.ID, "error", err)
		}
	}
	if err := p.repo.SetQueueStatus(ctx, row.QueueID, queueStatus); err != nil {
		slog.Error("[AnalyzerWorker] Terminal queue status failed", "queue", row.QueueID, "error", err)
	}
	p.metrics.SegmentsProcessed.WithLabelValues(result).Inc()
}

func (p *Pool) persistAndPublish(ctx context.Context, f Finding) {
	if err := p.repo.InsertFinding(ctx, f); err != nil {
		slog.Error("[AnalyzerWorker] Persist finding failed",
			"segment", f.SegmentID, "detector", f.DetectorType, "error", err)
		p.metrics.ErrorsTotal.WithLabelValues("worker", "persist_finding").Inc()
		return
	}
	p.publishJSON(ctx, SubjectIssue, f)
}

func (p *Pool) publishJSON(ctx context.Context, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("[AnalyzerWorker] Marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		slog.Warn("[AnalyzerWorker] Publish failed", "subject", subject, "error", err)
	}
}

// analyzeRequest is the wire shape of an admission. A full segment may be
// carried inline for segments the repository has not seen yet.
type analyzeRequest struct {
	SegmentID string   `json:"segment_id"`
	Priority  int      `json:"priority"`
	Segment   *Segment `json:"segment,omitempty"`
}

// Admission turns analyze-request messages into queue rows. Workers never
// consume the request subject directly; the queue is the only work source.
type Admission struct {
	repo    Repository
	metrics *Metrics
}

func NewAdmission(repo Repository) *Admission {
	return &Admission{repo: repo, metrics: NewMetrics()}
}

// HandleMessage is the bus handler for the analyze-request subject.
func (a *Admission) HandleMessage(ctx context.Context, msg *bus.Msg) {
	var req analyzeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Warn("[AnalyzerAdmission] Malformed request, dropping", "error", err)
		a.metrics.ErrorsTotal.WithLabelValues("admission", "malformed").Inc()
		return
	}
	if req.Segment != nil {
		if req.SegmentID == "" {
			req.SegmentID = req.Segment.ID
		}
		if err := a.repo.InsertSegment(ctx, *req.Segment); err != nil {
			slog.Error("[AnalyzerAdmission] Segment insert failed", "segment", req.SegmentID, "error", err)
			a.metrics.ErrorsTotal.WithLabelValues("admission", "insert_segment").Inc()
			return
		}
	}
	if req.SegmentID == "" {
		slog.Warn("[AnalyzerAdmission] Request without segment_id, dropping")
		return
	}
	if err := a.repo.Enqueue(ctx, req.SegmentID, req.Priority); err != nil {
		slog.Error("[AnalyzerAdmission] Enqueue failed", "segment", req.SegmentID, "error", err)
		a.metrics.ErrorsTotal.WithLabelValues("admission", "enqueue").Inc()
		return
	}
	slog.Debug("[AnalyzerAdmission] Segment queued", "segment", req.SegmentID, "priority", req.Priority)
}

// LeaseSweeper returns processing rows abandoned by dead workers to
// pending.
type LeaseSweeper struct {
	repo    Repository
	timeout time.Duration
	metrics *Metrics
}

func NewLeaseSweeper(repo Repository, timeout time.Duration) *LeaseSweeper {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &LeaseSweeper{repo: repo, timeout: timeout, metrics: NewMetrics()}
}

// Run blocks until ctx is cancelled, sweeping once a minute.
func (s *LeaseSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce reclaims every expired lease.
func (s *LeaseSweeper) SweepOnce(ctx context.Context) {
	n, err := s.repo.ReleaseExpired(ctx, time.Now().Add(-s.timeout))
	if err != nil {
		slog.Error("[LeaseSweeper] Reclaim failed", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("[LeaseSweeper] Reclaimed expired leases", "count", n)
		s.metrics.LeasesReclaimed.Add(float64(n))
	}
}
