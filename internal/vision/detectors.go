package vision

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bodybroker/backend/internal/config"
	"github.com/google/uuid"
)

// The six shipped detectors. Signal extraction happens upstream in the
// capture pipeline; each detector here interprets named frame signals or
// segment telemetry and turns threshold breaches into findings.

// DefaultRegistry returns a registry with every shipped detector bound.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("animation", newAnimationDetector)
	r.Register("physics", newPhysicsDetector)
	r.Register("rendering", newRenderingDetector)
	r.Register("lighting", newLightingDetector)
	r.Register("performance", newPerformanceDetector)
	r.Register("flow", newFlowDetector)
	return r
}

func newFinding(seg *Segment, detector, issueType, description string, severity, confidence float64) Finding {
	return Finding{
		IssueID:      uuid.NewString(),
		SegmentID:    seg.ID,
		DetectorType: detector,
		IssueType:    issueType,
		Severity:     clamp01(severity),
		Confidence:   clamp01(confidence),
		Timestamp:    time.Now().UTC(),
		Description:  description,
		Metrics:      map[string]float64{},
	}
}

// animation watches the pose_drift signal for discontinuities between
// consecutive frames, the classic symptom of a blend snap.
func newAnimationDetector(cfg config.DetectorConfig) Detector {
	maxJump := settingFloat(cfg, "max_pose_jump", 0.5)
	caps := Capabilities{
		SupportedIssueTypes: []string{"animation_snap"},
		PerformanceImpact:   "medium",
		Configuration:       map[string]interface{}{"max_pose_jump": maxJump},
	}
	return NewStreamingDetector("animation", caps, thresholdsFrom(cfg),
		func(frame Frame, index int, seg *Segment, state map[string]float64) []Finding {
			drift, ok := frame.Signals["pose_drift"]
			if !ok {
				return nil
			}
			prev, seen := state["pose_drift"]
			state["pose_drift"] = drift
			if !seen {
				return nil
			}
			jump := math.Abs(drift - prev)
			if jump <= maxJump {
				return nil
			}
			f := newFinding(seg, "animation", "animation_snap",
				fmt.Sprintf("Pose discontinuity of %.2f at frame %d", jump, index),
				0.3+jump, 0.8)
			f.CameraID = frame.CameraID
			f.Metrics["pose_jump"] = jump
			f.Metrics["frame_index"] = float64(index)
			f.AffectedGoals = []string{"immersion"}
			f.PlayerImpact = clamp01(jump / 2)
			return []Finding{f}
		})
}

// physics flags frames where geometry interpenetrates beyond tolerance.
func newPhysicsDetector(cfg config.DetectorConfig) Detector {
	maxPen := settingFloat(cfg, "max_penetration", 0.1)
	caps := Capabilities{
		SupportedIssueTypes: []string{"object_interpenetration"},
		RequiresDepth:       true,
		PerformanceImpact:   "high",
		Configuration:       map[string]interface{}{"max_penetration": maxPen},
	}
	return NewBatchDetector("physics", caps, thresholdsFrom(cfg),
		func(ctx context.Context, frames []Frame, seg *Segment) []Finding {
			var out []Finding
			for _, frame := range frames {
				pen, ok := frame.Signals["penetration_depth"]
				if !ok || pen <= maxPen {
					continue
				}
				f := newFinding(seg, "physics", "object_interpenetration",
					fmt.Sprintf("Geometry interpenetration depth %.2f at frame %d", pen, frame.Index),
					0.4+pen, 0.85)
				f.CameraID = frame.CameraID
				f.Metrics["penetration_depth"] = pen
				f.Metrics["frame_index"] = float64(frame.Index)
				f.AffectedGoals = []string{"immersion", "visual_fidelity"}
				f.PlayerImpact = clamp01(pen)
				out = append(out, f)
			}
			return out
		})
}

// rendering flags texture corruption and shader artifacts reported by the
// capture pipeline.
func newRenderingDetector(cfg config.DetectorConfig) Detector {
	maxErr := settingFloat(cfg, "max_texture_error", 0.2)
	caps := Capabilities{
		SupportedIssueTypes: []string{"texture_corruption", "shader_artifact"},
		PerformanceImpact:   "medium",
		Configuration:       map[string]interface{}{"max_texture_error": maxErr},
	}
	return NewBatchDetector("rendering", caps, thresholdsFrom(cfg),
		func(ctx context.Context, frames []Frame, seg *Segment) []Finding {
			var out []Finding
			for _, frame := range frames {
				if errScore, ok := frame.Signals["texture_error"]; ok && errScore > maxErr {
					f := newFinding(seg, "rendering", "texture_corruption",
						fmt.Sprintf("Texture error score %.2f at frame %d", errScore, frame.Index),
						0.3+errScore, 0.8)
					f.CameraID = frame.CameraID
					f.Metrics["texture_error"] = errScore
					f.AffectedGoals = []string{"visual_fidelity"}
					f.PlayerImpact = clamp01(errScore)
					out = append(out, f)
				}
				if artifact, ok := frame.Signals["shader_artifact"]; ok && artifact > 0.5 {
					f := newFinding(seg, "rendering", "shader_artifact",
						fmt.Sprintf("Shader artifact score %.2f at frame %d", artifact, frame.Index),
						0.3+artifact/2, 0.75)
					f.CameraID = frame.CameraID
					f.Metrics["shader_artifact"] = artifact
					f.AffectedGoals = []string{"visual_fidelity"}
					f.PlayerImpact = clamp01(artifact / 2)
					out = append(out, f)
				}
			}
			return out
		})
}

// lighting scores the scene against the horror mood target: overlit scenes
// and luminance flicker both break atmosphere.
func newLightingDetector(cfg config.DetectorConfig) Detector {
	maxLum := settingFloat(cfg, "max_avg_luminance", 0.55)
	maxFlicker := settingFloat(cfg, "max_luminance_variance", 0.08)
	caps := Capabilities{
		SupportedIssueTypes: []string{"scene_overlit", "light_flicker"},
		PerformanceImpact:   "low",
		Configuration: map[string]interface{}{
			"max_avg_luminance":      maxLum,
			"max_luminance_variance": maxFlicker,
		},
	}
	return NewBatchDetector("lighting", caps, thresholdsFrom(cfg),
		func(ctx context.Context, frames []Frame, seg *Segment) []Finding {
			var lums []float64
			for _, frame := range frames {
				if lum, ok := frame.Signals["luminance"]; ok {
					lums = append(lums, lum)
				}
			}
			if len(lums) == 0 {
				return nil
			}
			mean := 0.0
			for _, l := range lums {
				mean += l
			}
			mean /= float64(len(lums))
			variance := 0.0
			for _, l := range lums {
				variance += (l - mean) * (l - mean)
			}
			variance /= float64(len(lums))

			var out []Finding
			if mean > maxLum {
				f := newFinding(seg, "lighting", "scene_overlit",
					fmt.Sprintf("Average luminance %.2f exceeds the horror mood target %.2f", mean, maxLum),
					0.3+(mean-maxLum), 0.8)
				f.Metrics["avg_luminance"] = mean
				f.AffectedGoals = []string{"horror_atmosphere"}
				f.PlayerImpact = clamp01(mean - maxLum)
				out = append(out, f)
			}
			if variance > maxFlicker {
				f := newFinding(seg, "lighting", "light_flicker",
					fmt.Sprintf("Luminance variance %.3f suggests unintended flicker", variance),
					0.3+variance*2, 0.75)
				f.Metrics["luminance_variance"] = variance
				f.AffectedGoals = []string{"horror_atmosphere", "immersion"}
				f.PlayerImpact = clamp01(variance * 2)
				out = append(out, f)
			}
			return out
		})
}

// performance reads the segment's frame-rate telemetry.
func newPerformanceDetector(cfg config.DetectorConfig) Detector {
	targetFPS := settingFloat(cfg, "target_min_fps", 30)
	spikeMS := settingFloat(cfg, "frame_spike_ms", 100)
	caps := Capabilities{
		SupportedIssueTypes: []string{"fps_drop", "frame_spike"},
		PerformanceImpact:   "low",
		Configuration: map[string]interface{}{
			"target_min_fps": targetFPS,
			"frame_spike_ms": spikeMS,
		},
	}
	return NewBatchDetector("performance", caps, thresholdsFrom(cfg),
		func(ctx context.Context, frames []Frame, seg *Segment) []Finding {
			if seg.Performance == nil {
				return nil
			}
			var out []Finding
			if seg.Performance.MinFPS != nil && *seg.Performance.MinFPS < targetFPS {
				deficit := (targetFPS - *seg.Performance.MinFPS) / targetFPS
				f := newFinding(seg, "performance", "fps_drop",
					fmt.Sprintf("Minimum FPS %.1f below target %.0f", *seg.Performance.MinFPS, targetFPS),
					0.3+deficit, 0.9)
				f.Metrics["min_fps"] = *seg.Performance.MinFPS
				f.AffectedGoals = []string{"performance"}
				f.PlayerImpact = clamp01(deficit)
				out = append(out, f)
			}
			spikes := 0
			worst := 0.0
			for _, ft := range seg.Performance.FrameTimesMS {
				if ft > spikeMS {
					spikes++
					if ft > worst {
						worst = ft
					}
				}
			}
			if spikes > 0 {
				f := newFinding(seg, "performance", "frame_spike",
					fmt.Sprintf("%d frame time spikes over %.0fms (worst %.0fms)", spikes, spikeMS, worst),
					0.3+float64(spikes)*0.05, 0.85)
				f.Metrics["spike_count"] = float64(spikes)
				f.Metrics["worst_frame_ms"] = worst
				f.AffectedGoals = []string{"performance"}
				f.PlayerImpact = clamp01(float64(spikes) * 0.05)
				out = append(out, f)
			}
			return out
		})
}

// flow watches player_speed across frames for progression stalls: a long
// run of near-zero movement usually means the player is stuck on geometry
// or lost.
func newFlowDetector(cfg config.DetectorConfig) Detector {
	stallFrames := settingFloat(cfg, "stall_frames", 90)
	stallSpeed := settingFloat(cfg, "stall_speed", 0.05)
	caps := Capabilities{
		SupportedIssueTypes: []string{"progression_stall"},
		PerformanceImpact:   "low",
		Configuration: map[string]interface{}{
			"stall_frames": stallFrames,
			"stall_speed":  stallSpeed,
		},
	}
	return NewStreamingDetector("flow", caps, thresholdsFrom(cfg),
		func(frame Frame, index int, seg *Segment, state map[string]float64) []Finding {
			speed, ok := frame.Signals["player_speed"]
			if !ok {
				return nil
			}
			if speed >= stallSpeed {
				state["stall_run"] = 0
				return nil
			}
			state["stall_run"]++
			if state["stall_run"] != stallFrames {
				return nil
			}
			f := newFinding(seg, "flow", "progression_stall",
				fmt.Sprintf("Player stationary for %d consecutive frames ending at frame %d", int(stallFrames), index),
				0.6, 0.8)
			f.Metrics["stall_frames"] = stallFrames
			f.Metrics["frame_index"] = float64(index)
			f.AffectedGoals = []string{"progression"}
			f.PlayerImpact = 0.6
			return []Finding{f}
		})
}
