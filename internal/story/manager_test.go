package story

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodybroker/backend/internal/config"
)

// testPublisher records everything published, for assertions.
type testPublisher struct {
	mu   sync.Mutex
	msgs []publishedMsg
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (p *testPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMsg{subject: subject, data: data})
	return nil
}

func (p *testPublisher) bySubject(subject string) []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMsg
	for _, m := range p.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func newTestManager() (*Manager, *MemoryRepository, *testPublisher) {
	repo := NewMemoryRepository()
	pub := &testPublisher{}
	return NewManager(repo, config.DefaultFamilies, pub), repo, pub
}

func TestGetSnapshotLazyInitializesPlayer(t *testing.T) {
	m, _, _ := newTestManager()

	snap, err := m.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, "p1", snap.PlayerID)
	assert.Zero(t, snap.SurgeonButcherScore)
	assert.Empty(t, snap.ArcProgress)
	assert.Empty(t, snap.RecentDecisions)
	require.Len(t, snap.DarkWorldStandings, len(config.DefaultFamilies),
		"one standing row per configured family")
	for _, s := range snap.DarkWorldStandings {
		assert.Zero(t, s.Score)
		assert.Zero(t, s.FavorsOwed)
		assert.Zero(t, s.BetrayalCount)
	}
}

func TestAdjustMoralScoreClamps(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	score, err := m.AdjustMoralScore(ctx, "p1", 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, score, 1e-9)

	score, err = m.AdjustMoralScore(ctx, "p1", 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9, "score never exceeds 1")

	score, err = m.AdjustMoralScore(ctx, "p1", -5)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, score, 1e-9, "score never falls below -1")
}

func TestRecordDecisionAppliesMoralWeight(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	err := m.RecordDecision(ctx, "p1", Decision{DecisionID: "d1", MoralWeight: -0.3}, "s1")
	require.NoError(t, err)

	snap, err := m.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, -0.3, snap.SurgeonButcherScore, 1e-9)
	require.Len(t, snap.RecentDecisions, 1)
	assert.Equal(t, "d1", snap.RecentDecisions[0].DecisionID)
}

func TestRecordDecisionNoScoreLeavesScoreAlone(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	err := m.RecordDecisionNoScore(ctx, "p1", Decision{DecisionID: "d1", MoralWeight: 0.9}, "s1")
	require.NoError(t, err)

	snap, err := m.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, snap.SurgeonButcherScore)
	require.Len(t, snap.RecentDecisions, 1)
}

func TestSnapshotDecisionsCappedAtTwentyNewestFirst(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		d := Decision{
			DecisionID: string(rune('a' + i)),
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, m.RecordDecision(ctx, "p1", d, "s1"))
	}

	snap, err := m.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, snap.RecentDecisions, 20)
	for i := 1; i < len(snap.RecentDecisions); i++ {
		assert.False(t, snap.RecentDecisions[i].Timestamp.After(snap.RecentDecisions[i-1].Timestamp),
			"decisions sorted newest first")
	}
	// The five oldest fell off the window.
	assert.Equal(t, base.Add(24*time.Minute), snap.RecentDecisions[0].Timestamp)
}

func TestUpdateRelationshipClampsAndMergesFlags(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	err := m.UpdateRelationship(ctx, "p1", "npc_mara", EntityNPC, 80, []string{"ally"}, "saved her life")
	require.NoError(t, err)
	err = m.UpdateRelationship(ctx, "p1", "npc_mara", EntityNPC, 50, []string{"ally", "confidant"}, "")
	require.NoError(t, err)

	snap, err := m.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, snap.Relationships, 1)
	rel := snap.Relationships[0]
	assert.InDelta(t, 100, rel.Score, 1e-9, "score clamps to [-100,100]")
	assert.Equal(t, []string{"ally", "confidant"}, rel.Flags, "flags merge as a set")
	assert.Equal(t, "saved her life", rel.LastInteraction)
	require.NotNil(t, rel.LastInteractionAt)
}

func TestUpdateDarkWorldStandingFloorsCountersAndCountsBetrayals(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	err := m.UpdateDarkWorldStanding(ctx, "p1", "flesh_weavers",
		StandingDeltas{Score: -30, FavorsOwed: 2, DebtsOwed: -5}, true, []string{"marked"})
	require.NoError(t, err)

	snap, err := m.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	var fw *DarkWorldStanding
	for i := range snap.DarkWorldStandings {
		if snap.DarkWorldStandings[i].Family == "flesh_weavers" {
			fw = &snap.DarkWorldStandings[i]
		}
	}
	require.NotNil(t, fw)
	assert.InDelta(t, -30, fw.Score, 1e-9)
	assert.Equal(t, 2, fw.FavorsOwed)
	assert.Equal(t, 0, fw.DebtsOwed, "counters floor at zero")
	assert.Equal(t, 1, fw.BetrayalCount)
	assert.Equal(t, []string{"marked"}, fw.SpecialStatus)
}

func TestMutateDebtOfFlesh(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := m.MutateDebtOfFlesh(ctx, "p1", func(state map[string]interface{}) {
			state["death_count"] = asFloat(state["death_count"]) + 1
		})
		require.NoError(t, err)
	}

	snap, err := m.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 3, asFloat(snap.DebtOfFleshState["death_count"]), 1e-9)
}

func TestMutationsPublishDomainEvents(t *testing.T) {
	m, _, pub := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.UpdateArcProgress(ctx, "p1", "arc_hollow", ArcRoleMain, ProgressMid, "beat_3"))
	require.NoError(t, m.RecordDecision(ctx, "p1", Decision{DecisionID: "d1"}, "s1"))

	arcEvents := pub.bySubject("events.story.v1.arc_progress")
	require.Len(t, arcEvents, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(arcEvents[0].data, &payload))
	assert.Equal(t, "p1", payload["player_id"])
	assert.Equal(t, "arc_hollow", payload["arc_id"])
	assert.NotEmpty(t, payload["timestamp"])

	assert.Len(t, pub.bySubject("events.story.v1.decision"), 1)
}
