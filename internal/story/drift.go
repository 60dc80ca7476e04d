package story

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ThemeAnalyzer scores how consistent the window's content is with the
// canonical dark-fantasy theme, in [0,1].
type ThemeAnalyzer interface {
	Score(ctx context.Context, contentIDs []string) (float64, error)
}

// StubThemeAnalyzer always passes. The real content-embedding analyzer
// lives outside this service; this stub stands in until it ships.
type StubThemeAnalyzer struct{}

func (StubThemeAnalyzer) Score(context.Context, []string) (float64, error) { return 1.0, nil }

// DriftThresholds holds the trigger levels for the three analyzers.
type DriftThresholds struct {
	OffTheme   float64 // time-allocation trigger, default 0.25
	Tangential float64 // quest-allocation trigger, default 0.30
	ThemeMin   float64 // theme-consistency trigger, default 0.70
}

// analysisWindow suppresses redundant on-demand drift runs per player.
const analysisWindow = 30 * time.Minute

// sweepInterval is the cadence of the periodic drift loop.
const sweepInterval = 30 * time.Minute

// DriftDetector runs the three drift analyzers and the data-driven
// conflict rules over a player's recent event window.
type DriftDetector struct {
	repo       Repository
	pub        Publisher
	thresholds DriftThresholds
	offTheme   map[string]bool
	theme      ThemeAnalyzer
	conflicts  *ConflictDetector
	metrics    *Metrics

	mu       sync.Mutex
	lastRun  map[string]time.Time
	lastSeen map[string]*DriftReport
}

// NewDriftDetector creates the detector. offThemeActivities comes from the
// game-data file; theme may be nil to use the always-passing stub.
func NewDriftDetector(repo Repository, pub Publisher, thresholds DriftThresholds, offThemeActivities []string, theme ThemeAnalyzer, conflicts *ConflictDetector) *DriftDetector {
	if thresholds.OffTheme <= 0 {
		thresholds.OffTheme = 0.25
	}
	if thresholds.Tangential <= 0 {
		thresholds.Tangential = 0.30
	}
	if thresholds.ThemeMin <= 0 {
		thresholds.ThemeMin = 0.70
	}
	if theme == nil {
		theme = StubThemeAnalyzer{}
	}
	offTheme := make(map[string]bool, len(offThemeActivities))
	for _, a := range offThemeActivities {
		offTheme[a] = true
	}
	return &DriftDetector{
		repo:       repo,
		pub:        pub,
		thresholds: thresholds,
		offTheme:   offTheme,
		theme:      theme,
		conflicts:  conflicts,
		metrics:    NewMetrics(),
		lastRun:    make(map[string]time.Time),
		lastSeen:   make(map[string]*DriftReport),
	}
}

// CheckDrift analyzes the player's last windowHours of events. A cached
// report from the last thirty minutes is returned unless force is set.
func (d *DriftDetector) CheckDrift(ctx context.Context, playerID string, windowHours int, force bool) (*DriftReport, error) {
	if !force {
		d.mu.Lock()
		last, ran := d.lastRun[playerID]
		cached := d.lastSeen[playerID]
		d.mu.Unlock()
		if ran && time.Since(last) < analysisWindow && cached != nil {
			return cached, nil
		}
	}

	if windowHours <= 0 {
		windowHours = 24
	}
	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)
	events, err := d.repo.EventsSince(ctx, playerID, since)
	if err != nil {
		return nil, fmt.Errorf("events for drift window: %w", err)
	}

	report := d.analyze(ctx, playerID, events)

	d.mu.Lock()
	d.lastRun[playerID] = time.Now()
	d.lastSeen[playerID] = report
	d.mu.Unlock()

	if report.DriftDetected {
		d.metrics.DriftChecks.WithLabelValues("drift").Inc()
		if err := d.repo.InsertDriftAlert(ctx, *report); err != nil {
			slog.Error("[DriftDetector] Persist drift alert failed", "player", playerID, "error", err)
		}
		d.publishAlert(ctx, report)
	} else {
		d.metrics.DriftChecks.WithLabelValues("clean").Inc()
	}

	if d.conflicts != nil {
		d.conflicts.Run(ctx, playerID, events)
	}
	return report, nil
}

// analyze runs the three analyzers in their fixed order: time allocation,
// quest allocation, theme consistency. Any one triggering produces a
// report; drift_type is the first triggering analyzer.
func (d *DriftDetector) analyze(ctx context.Context, playerID string, events []StoryEvent) *DriftReport {
	report := &DriftReport{
		PlayerID:  playerID,
		Metrics:   make(map[string]float64),
		CheckedAt: time.Now().UTC(),
	}

	type signal struct {
		name    string
		value   float64
		ratio   float64 // actual / threshold
		trigger bool
		detail  string
	}
	var signals []signal

	offRatio, topOffTheme := d.timeAllocation(events)
	report.Metrics["off_theme_ratio"] = offRatio
	signals = append(signals, signal{
		name:    "time_allocation",
		value:   offRatio,
		ratio:   offRatio / d.thresholds.OffTheme,
		trigger: offRatio > d.thresholds.OffTheme,
		detail:  strings.Join(topOffTheme, ", "),
	})

	tangential := d.questAllocation(events)
	report.Metrics["quest_allocation.tangential"] = tangential
	signals = append(signals, signal{
		name:    "quest_allocation",
		value:   tangential,
		ratio:   tangential / d.thresholds.Tangential,
		trigger: tangential > d.thresholds.Tangential,
	})

	themeScore := d.themeConsistency(ctx, events)
	report.Metrics["theme_consistency"] = themeScore
	signals = append(signals, signal{
		name:    "theme_consistency",
		value:   1 - themeScore,
		ratio:   d.thresholds.ThemeMin / maxFloat(themeScore, 0.01),
		trigger: themeScore < d.thresholds.ThemeMin,
	})

	var severity DriftSeverity
	var topOff string
	for _, s := range signals {
		if !s.trigger {
			continue
		}
		report.DriftDetected = true
		if report.DriftType == "" {
			report.DriftType = s.name
		}
		if s.value > report.DriftScore {
			report.DriftScore = s.value
		}
		sev := severityForRatio(s.ratio)
		if severityRank(sev) > severityRank(severity) {
			severity = sev
		}
		if s.name == "time_allocation" {
			topOff = s.detail
		}
	}
	if report.DriftDetected {
		report.Severity = severity
		report.Remediation = remediation(report.DriftType, topOff)
	}
	return report
}

// timeAllocation computes the off-theme share of activity-logged events and
// the top off-theme activities by count.
func (d *DriftDetector) timeAllocation(events []StoryEvent) (float64, []string) {
	counts := make(map[string]int)
	total := 0
	for _, e := range events {
		activity := str(e.Payload, "activity_type")
		if activity == "" {
			continue
		}
		counts[activity]++
		total++
	}
	if total == 0 {
		return 0, nil
	}

	offTotal := 0
	type pair struct {
		name  string
		count int
	}
	var off []pair
	for activity, n := range counts {
		if d.offTheme[activity] {
			offTotal += n
			off = append(off, pair{activity, n})
		}
	}
	sort.Slice(off, func(i, j int) bool { return off[i].count > off[j].count })
	top := make([]string, 0, 3)
	for i, p := range off {
		if i == 3 {
			break
		}
		top = append(top, p.name)
	}
	return float64(offTotal) / float64(total), top
}

// questAllocation computes the tangential share of quest-completed events.
func (d *DriftDetector) questAllocation(events []StoryEvent) float64 {
	total, tangential := 0, 0
	for _, e := range events {
		if e.EventType != "quest.completed" {
			continue
		}
		total++
		if str(e.Payload, "quest_type") == "tangential" {
			tangential++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(tangential) / float64(total)
}

func (d *DriftDetector) themeConsistency(ctx context.Context, events []StoryEvent) float64 {
	var contentIDs []string
	for _, e := range events {
		if id := str(e.Payload, "content_id"); id != "" {
			contentIDs = append(contentIDs, id)
		}
	}
	score, err := d.theme.Score(ctx, contentIDs)
	if err != nil {
		slog.Warn("[DriftDetector] Theme analyzer failed, treating as passing", "error", err)
		return 1.0
	}
	return score
}

// remediation builds the deterministic suggestion string for a report.
func remediation(driftType, topOffTheme string) string {
	switch driftType {
	case "time_allocation":
		s := "Player time is skewing off-theme; surface main-arc hooks in upcoming beats."
		if topOffTheme != "" {
			s += " Dominant off-theme activities: " + topOffTheme + "."
		}
		return s
	case "quest_allocation":
		return "Tangential quests are crowding out the main story; prioritize main arc quest availability and escalate main-arc NPC prompts."
	case "theme_consistency":
		return "Recent content diverges from the canonical theme; re-anchor upcoming content to main narrative motifs."
	default:
		return "Review recent player activity against the main narrative arc."
	}
}

func (d *DriftDetector) publishAlert(ctx context.Context, report *DriftReport) {
	payload, err := json.Marshal(map[string]interface{}{
		"player_id":   report.PlayerID,
		"drift_type":  report.DriftType,
		"severity":    string(report.Severity),
		"drift_score": report.DriftScore,
		"metrics":     report.Metrics,
		"timestamp":   report.CheckedAt.Format(time.RFC3339),
	})
	if err != nil {
		slog.Error("[DriftDetector] Marshal drift alert", "error", err)
		return
	}
	if err := d.pub.Publish(ctx, SubjectDrift, payload); err != nil {
		slog.Warn("[DriftDetector] Publish drift alert failed", "player", report.PlayerID, "error", err)
	}
}

// RunSweep checks every player active in the last 24 hours. Called every
// thirty minutes by the service's periodic task.
func (d *DriftDetector) RunSweep(ctx context.Context) {
	players, err := d.repo.ActivePlayers(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		slog.Error("[DriftDetector] Active player scan failed", "error", err)
		return
	}
	for _, playerID := range players {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.CheckDrift(ctx, playerID, 24, false); err != nil {
			slog.Warn("[DriftDetector] Sweep check failed", "player", playerID, "error", err)
		}
	}
}

func severityRank(s DriftSeverity) int {
	switch s {
	case DriftMajor:
		return 3
	case DriftModerate:
		return 2
	case DriftMinor:
		return 1
	default:
		return 0
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
