package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Training stages, run in order.
const (
	StageSRL  = "srl"  // supervised step-wise rewards
	StageRLVR = "rlvr" // outcome-based reinforcement
)

// TrainStepFunc is the opaque training math: one optimizer step over one
// batch, returning whatever metrics the backend reports.
type TrainStepFunc func(ctx context.Context, stage string, batch []Trajectory, step int) (TrainMetrics, error)

// NoopTrainStep is the stand-in training backend: it records batch sizes
// and returns immediately. The real optimizer is injected by deployments
// that carry one.
func NoopTrainStep(_ context.Context, stage string, batch []Trajectory, step int) (TrainMetrics, error) {
	slog.Debug("[TrainingPipeline] Step", "stage", stage, "step", step, "batch", len(batch))
	return TrainMetrics{"batch_size": float64(len(batch))}, nil
}

// CheckpointStore persists training progress as JSON files, one per stage.
type CheckpointStore struct {
	dir string
}

func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

func (s *CheckpointStore) path(stage string) string {
	return filepath.Join(s.dir, "checkpoint-"+stage+".json")
}

// Save atomically writes the stage checkpoint.
func (s *CheckpointStore) Save(cp Checkpoint) error {
	cp.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := s.path(cp.Stage) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path(cp.Stage)); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Latest loads the stage checkpoint; (nil, nil) when none exists.
func (s *CheckpointStore) Latest(stage string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(stage))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// TrainingPipeline drives the two training stages over a trajectory set,
// checkpointing every checkpointEvery steps and retrying a failed stage
// from its last checkpoint.
type TrainingPipeline struct {
	store           *CheckpointStore
	trainStep       TrainStepFunc
	batchSize       int
	checkpointEvery int
	maxStageRetries int
	metrics         *Metrics
}

// NewTrainingPipeline builds the pipeline. Zero options take defaults:
// batch size 8, checkpoint every 100 steps, 3 attempts per stage.
func NewTrainingPipeline(store *CheckpointStore, trainStep TrainStepFunc, batchSize, checkpointEvery, maxStageRetries int) *TrainingPipeline {
	if batchSize <= 0 {
		batchSize = 8
	}
	if checkpointEvery <= 0 {
		checkpointEvery = 100
	}
	if maxStageRetries <= 0 {
		maxStageRetries = 3
	}
	return &TrainingPipeline{
		store:           store,
		trainStep:       trainStep,
		batchSize:       batchSize,
		checkpointEvery: checkpointEvery,
		maxStageRetries: maxStageRetries,
		metrics:         NewMetrics(),
	}
}

// Run executes SRL then RLVR over the trajectories. Each stage resumes
// from its latest checkpoint, so a restarted process skips completed work.
func (p *TrainingPipeline) Run(ctx context.Context, trajectories []Trajectory) error {
	if len(trajectories) == 0 {
		return fmt.Errorf("no trajectories to train on")
	}
	for _, stage := range []string{StageSRL, StageRLVR} {
		if err := p.runStage(ctx, stage, trajectories); err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
	}
	return nil
}

func (p *TrainingPipeline) runStage(ctx context.Context, stage string, trajectories []Trajectory) error {
	batches := p.batch(trajectories)

	var lastErr error
	for attempt := 1; attempt <= p.maxStageRetries; attempt++ {
		start := 0
		if cp, err := p.store.Latest(stage); err != nil {
			return err
		} else if cp != nil {
			start = cp.Step
			if start >= len(batches) {
				slog.Info("[TrainingPipeline] Stage already complete", "stage", stage)
				return nil
			}
			slog.Info("[TrainingPipeline] Resuming from checkpoint", "stage", stage, "step", start)
		}

		lastErr = p.runSteps(ctx, stage, batches, start)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		slog.Warn("[TrainingPipeline] Stage attempt failed, retrying from checkpoint",
			"stage", stage, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("exhausted %d attempts: %w", p.maxStageRetries, lastErr)
}

func (p *TrainingPipeline) runSteps(ctx context.Context, stage string, batches [][]Trajectory, start int) error {
	var lastMetrics TrainMetrics
	for step := start; step < len(batches); step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		metrics, err := p.trainStep(ctx, stage, batches[step], step)
		if err != nil {
			return fmt.Errorf("train step %d: %w", step, err)
		}
		lastMetrics = metrics
		p.metrics.TrainSteps.WithLabelValues(stage).Inc()

		if (step+1)%p.checkpointEvery == 0 {
			if err := p.store.Save(Checkpoint{Stage: stage, Step: step + 1, Metrics: metrics}); err != nil {
				return err
			}
		}
	}
	// Terminal checkpoint marks the stage complete.
	return p.store.Save(Checkpoint{Stage: stage, Step: len(batches), Metrics: lastMetrics})
}

func (p *TrainingPipeline) batch(trajectories []Trajectory) [][]Trajectory {
	var out [][]Trajectory
	for i := 0; i < len(trajectories); i += p.batchSize {
		end := i + p.batchSize
		if end > len(trajectories) {
			end = len(trajectories)
		}
		out = append(out, trajectories[i:end])
	}
	return out
}
