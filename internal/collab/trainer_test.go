package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTrainStep counts executed (stage, step) pairs and can be
// scripted to fail specific ones once.
type recordingTrainStep struct {
	mu       sync.Mutex
	executed []string
	failOnce map[string]error
}

func newRecordingTrainStep() *recordingTrainStep {
	return &recordingTrainStep{failOnce: make(map[string]error)}
}

func (r *recordingTrainStep) step(_ context.Context, stage string, batch []Trajectory, step int) (TrainMetrics, error) {
	key := fmt.Sprintf("%s/%d", stage, step)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failOnce[key]; ok {
		delete(r.failOnce, key)
		return nil, err
	}
	r.executed = append(r.executed, key)
	return TrainMetrics{"batch_size": float64(len(batch))}, nil
}

func (r *recordingTrainStep) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.executed))
	copy(out, r.executed)
	return out
}

func trajectories(n int) []Trajectory {
	out := make([]Trajectory, n)
	for i := range out {
		out[i] = goodTrajectory()
	}
	return out
}

func newTestStore(t *testing.T) *CheckpointStore {
	t.Helper()
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cp, err := store.Latest(StageSRL)
	require.NoError(t, err)
	assert.Nil(t, cp, "no checkpoint yet")

	require.NoError(t, store.Save(Checkpoint{Stage: StageSRL, Step: 4, Metrics: TrainMetrics{"loss": 0.2}}))

	cp, err = store.Latest(StageSRL)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 4, cp.Step)
	assert.InDelta(t, 0.2, cp.Metrics["loss"], 1e-9)
	assert.False(t, cp.SavedAt.IsZero())

	// Stages checkpoint independently.
	cp, err = store.Latest(StageRLVR)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestPipelineRunsBothStagesInOrder(t *testing.T) {
	store := newTestStore(t)
	rec := newRecordingTrainStep()
	// 20 trajectories / batch size 8 = 3 batches per stage.
	p := NewTrainingPipeline(store, rec.step, 8, 100, 1)

	require.NoError(t, p.Run(context.Background(), trajectories(20)))

	assert.Equal(t, []string{
		"srl/0", "srl/1", "srl/2",
		"rlvr/0", "rlvr/1", "rlvr/2",
	}, rec.steps())

	for _, stage := range []string{StageSRL, StageRLVR} {
		cp, err := store.Latest(stage)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, 3, cp.Step, "terminal checkpoint marks stage %s complete", stage)
	}
}

func TestPipelineResumesFromCheckpoint(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(Checkpoint{Stage: StageSRL, Step: 2}))

	rec := newRecordingTrainStep()
	p := NewTrainingPipeline(store, rec.step, 8, 100, 1)

	require.NoError(t, p.Run(context.Background(), trajectories(20)))

	assert.Equal(t, []string{
		"srl/2",
		"rlvr/0", "rlvr/1", "rlvr/2",
	}, rec.steps(), "completed SRL steps are skipped")
}

func TestPipelineSkipsCompletedStage(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(Checkpoint{Stage: StageSRL, Step: 3}))

	rec := newRecordingTrainStep()
	p := NewTrainingPipeline(store, rec.step, 8, 100, 1)

	require.NoError(t, p.Run(context.Background(), trajectories(20)))

	assert.Equal(t, []string{"rlvr/0", "rlvr/1", "rlvr/2"}, rec.steps())
}

func TestPipelineRetriesStageFromCheckpoint(t *testing.T) {
	store := newTestStore(t)
	rec := newRecordingTrainStep()
	rec.failOnce["srl/1"] = errors.New("optimizer diverged")
	// Checkpoint every step so the retry resumes exactly where it failed.
	p := NewTrainingPipeline(store, rec.step, 8, 1, 3)

	require.NoError(t, p.Run(context.Background(), trajectories(20)))

	assert.Equal(t, []string{
		"srl/0", "srl/1", "srl/2",
		"rlvr/0", "rlvr/1", "rlvr/2",
	}, rec.steps(), "step 0 is not re-run after the transient failure")
}

func TestPipelineGivesUpAfterMaxRetries(t *testing.T) {
	store := newTestStore(t)
	failing := func(context.Context, string, []Trajectory, int) (TrainMetrics, error) {
		return nil, errors.New("optimizer diverged")
	}
	p := NewTrainingPipeline(store, failing, 8, 100, 2)

	err := p.Run(context.Background(), trajectories(20))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted 2 attempts")
}

func TestPipelineRejectsEmptyInput(t *testing.T) {
	p := NewTrainingPipeline(newTestStore(t), NoopTrainStep, 0, 0, 0)
	assert.Error(t, p.Run(context.Background(), nil))
}

func TestPipelineStopsOnContextCancel(t *testing.T) {
	store := newTestStore(t)
	rec := newRecordingTrainStep()
	p := NewTrainingPipeline(store, rec.step, 8, 100, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, trajectories(20))
	require.Error(t, err)
	assert.Empty(t, rec.steps(), "no steps run under a cancelled context")
}
