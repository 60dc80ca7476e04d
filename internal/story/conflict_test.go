package story

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodybroker/backend/internal/config"
)

func TestConflictNPCStateRule(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &testPublisher{}
	m := NewManager(repo, config.DefaultFamilies, nil)
	ctx := context.Background()

	require.NoError(t, m.UpdateRelationship(ctx, "p1", "npc_mara", EntityNPC, 10, nil, "bargained"))

	c := NewConflictDetector(repo, pub, []config.ConflictRule{{
		Name:     "dead_npc_interaction",
		Family:   "npc_state",
		Severity: "high",
		Params:   map[string]interface{}{"window_minutes": 10},
	}})
	events := []StoryEvent{{
		PlayerID:  "p1",
		EventType: "world.state.changed",
		Payload:   map[string]interface{}{"npc_deaths": []interface{}{"npc_mara"}},
		Timestamp: time.Now().UTC(),
	}}

	records := c.Run(ctx, "p1", events)
	require.Len(t, records, 1)
	assert.Equal(t, "npc_state", records[0].ConflictType)
	assert.Equal(t, []string{"npc_mara"}, records[0].InvolvedEntities)
	assert.Equal(t, "high", records[0].Severity)

	assert.Len(t, repo.Conflicts("p1"), 1)
	assert.Len(t, pub.bySubject(SubjectConflictAlert), 1)
}

func TestConflictQuestLogicRule(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &testPublisher{}
	m := NewManager(repo, config.DefaultFamilies, nil)
	ctx := context.Background()

	require.NoError(t, m.UpdateArcProgress(ctx, "p1", "arc_hollow", ArcRoleMain, ProgressMid, ""))

	c := NewConflictDetector(repo, pub, []config.ConflictRule{{
		Name:     "main_quest_before_arc",
		Family:   "quest_logic",
		Severity: "medium",
		Params:   map[string]interface{}{"required_arc_state": "completed"},
	}})
	events := []StoryEvent{{
		PlayerID:  "p1",
		EventType: "quest.completed",
		Payload: map[string]interface{}{
			"quest_type": "main",
			"quest_id":   "q_final",
			"arc_id":     "arc_hollow",
		},
		Timestamp: time.Now().UTC(),
	}}

	records := c.Run(ctx, "p1", events)
	require.Len(t, records, 1)
	assert.Equal(t, "quest_logic", records[0].ConflictType)
	assert.Equal(t, "mid", records[0].ConflictingFacts["arc_state"])

	// Once the arc completes the rule no longer fires.
	require.NoError(t, m.UpdateArcProgress(ctx, "p1", "arc_hollow", ArcRoleMain, ProgressCompleted, ""))
	assert.Empty(t, c.Run(ctx, "p1", events))
}

func TestConflictWorldStoryRule(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &testPublisher{}
	m := NewManager(repo, config.DefaultFamilies, nil)
	ctx := context.Background()

	require.NoError(t, m.UpdateArcProgress(ctx, "p1", "arc_gate", ArcRoleMain, ProgressEarly, ""))

	c := NewConflictDetector(repo, pub, []config.ConflictRule{{
		Name:     "gate_opened_early",
		Family:   "world_story",
		Severity: "high",
		Params: map[string]interface{}{
			"world_flag":    "gate_open",
			"arc_id":        "arc_gate",
			"min_arc_state": "mid",
		},
	}})
	events := []StoryEvent{{
		PlayerID:  "p1",
		EventType: "world.state.changed",
		Payload:   map[string]interface{}{"flags": []interface{}{"gate_open"}},
		Timestamp: time.Now().UTC(),
	}}

	records := c.Run(ctx, "p1", events)
	require.Len(t, records, 1)
	assert.Equal(t, "world_story", records[0].ConflictType)
	assert.Equal(t, "early", records[0].ConflictingFacts["arc_state"])

	// At or past the minimum state there is no contradiction.
	require.NoError(t, m.UpdateArcProgress(ctx, "p1", "arc_gate", ArcRoleMain, ProgressMid, ""))
	assert.Empty(t, c.Run(ctx, "p1", events))
}

func TestConflictUnknownRuleFamilySkipped(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.EnsurePlayer(context.Background(), "p1", config.DefaultFamilies))

	c := NewConflictDetector(repo, &testPublisher{}, []config.ConflictRule{{
		Name:   "mystery",
		Family: "astral_alignment",
	}})
	assert.Empty(t, c.Run(context.Background(), "p1", nil))
}
