package vision

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bodybroker/backend/internal/config"
)

// Capabilities is the self-description every detector reports.
type Capabilities struct {
	SupportedIssueTypes []string               `json:"supported_issue_types"`
	RequiresDepth       bool                   `json:"requires_depth"`
	PerformanceImpact   string                 `json:"performance_impact"` // low, medium, high
	Configuration       map[string]interface{} `json:"configuration,omitempty"`
}

// Detector is the contract every vision detector satisfies. Analyze may
// return an empty slice; returned findings are threshold-filtered by the
// framework before persistence.
type Detector interface {
	Type() string
	Capabilities() Capabilities
	Analyze(ctx context.Context, seg *Segment) ([]Finding, error)
}

// Thresholds gate which findings a detector is allowed to emit.
type Thresholds struct {
	Confidence float64
	Severity   float64
}

// FilterFindings drops findings below either threshold.
func FilterFindings(findings []Finding, th Thresholds) []Finding {
	out := findings[:0]
	for _, f := range findings {
		if f.Confidence < th.Confidence || f.Severity < th.Severity {
			continue
		}
		out = append(out, f)
	}
	return out
}

// BatchFunc sees the segment's frame list all at once.
type BatchFunc func(ctx context.Context, frames []Frame, seg *Segment) []Finding

// FrameFunc sees frames one at a time. state is fresh per segment and
// persists across the frames of that segment only.
type FrameFunc func(frame Frame, index int, seg *Segment, state map[string]float64) []Finding

type batchDetector struct {
	typ  string
	caps Capabilities
	th   Thresholds
	fn   BatchFunc
}

func (d *batchDetector) Type() string               { return d.typ }
func (d *batchDetector) Capabilities() Capabilities { return d.caps }

func (d *batchDetector) Analyze(ctx context.Context, seg *Segment) ([]Finding, error) {
	findings := d.fn(ctx, seg.Frames, seg)
	return FilterFindings(findings, d.th), nil
}

type streamingDetector struct {
	typ  string
	caps Capabilities
	th   Thresholds
	fn   FrameFunc
}

func (d *streamingDetector) Type() string               { return d.typ }
func (d *streamingDetector) Capabilities() Capabilities { return d.caps }

func (d *streamingDetector) Analyze(ctx context.Context, seg *Segment) ([]Finding, error) {
	state := make(map[string]float64)
	var findings []Finding
	for i, frame := range seg.Frames {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		findings = append(findings, d.fn(frame, i, seg, state)...)
	}
	return FilterFindings(findings, d.th), nil
}

// NewBatchDetector wraps a batch analysis function in the framework's
// threshold filtering.
func NewBatchDetector(typ string, caps Capabilities, th Thresholds, fn BatchFunc) Detector {
	return &batchDetector{typ: typ, caps: caps, th: th, fn: fn}
}

// NewStreamingDetector wraps a per-frame analysis function. State resets
// on every segment.
func NewStreamingDetector(typ string, caps Capabilities, th Thresholds, fn FrameFunc) Detector {
	return &streamingDetector{typ: typ, caps: caps, th: th, fn: fn}
}

// Factory builds one detector instance from its configuration.
type Factory func(cfg config.DetectorConfig) Detector

// Registry maps detector type names to factories.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a type name to its factory, replacing any previous
// binding for the same name.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Build constructs one detector per registered type, configured from the
// game-data file. Order is stable by type name so fan-out and event
// publication are deterministic.
func (r *Registry) Build(gd *config.GameData) []Detector {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	out := make([]Detector, 0, len(types))
	for _, typ := range types {
		out = append(out, r.factories[typ](gd.DetectorConfigFor(typ)))
	}
	return out
}

// BuildOne constructs a single detector by type name.
func (r *Registry) BuildOne(typ string, gd *config.GameData) (Detector, error) {
	r.mu.Lock()
	factory, ok := r.factories[typ]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown detector type %q", typ)
	}
	return factory(gd.DetectorConfigFor(typ)), nil
}

func thresholdsFrom(cfg config.DetectorConfig) Thresholds {
	return Thresholds{Confidence: cfg.ConfidenceThreshold, Severity: cfg.SeverityThreshold}
}

// settingFloat reads a numeric detector setting with a default.
func settingFloat(cfg config.DetectorConfig, key string, def float64) float64 {
	v, ok := cfg.Settings[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}
