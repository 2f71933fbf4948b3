package aotypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAliveReflectsRuntimeHandlePresence(t *testing.T) {
	s := &Session{}
	assert.False(t, s.IsAlive())

	s.RuntimeHandle = &RuntimeHandle{ID: "r1"}
	assert.True(t, s.IsAlive())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusMerged.IsTerminal())
	assert.True(t, StatusDone.IsTerminal())
	assert.False(t, StatusWorking.IsTerminal())
	assert.False(t, StatusCIFailed.IsTerminal())
}

func TestCloneIsDeepCopyNotSharedWithOriginal(t *testing.T) {
	original := &Session{
		ID:            "s1",
		RuntimeHandle: &RuntimeHandle{ID: "r1", Data: map[string]any{"k": "v"}},
		AgentInfo:     &AgentSessionInfo{Summary: "sum", Cost: &CostSummary{USD: 1.5}},
		SubSessionInfo: &SubSessionInfo{
			ParentSessionID: "parent",
			Role:            RoleArchitect,
		},
		Metadata:     map[string]string{"branch": "main"},
		ReviewRounds: []ReviewRoundSummary{{Phase: PhasePlanReview, Round: 1}},
	}

	clone := original.Clone()

	clone.Metadata["branch"] = "feature"
	clone.RuntimeHandle.Data["k"] = "mutated"
	clone.AgentInfo.Cost.USD = 99
	clone.ReviewRounds[0].Round = 2

	assert.Equal(t, "main", original.Metadata["branch"])
	assert.Equal(t, "v", original.RuntimeHandle.Data["k"])
	assert.Equal(t, 1.5, original.AgentInfo.Cost.USD)
	assert.Equal(t, 1, original.ReviewRounds[0].Round)
}

func TestCloneOfNilSessionIsNil(t *testing.T) {
	var s *Session
	assert.Nil(t, s.Clone())
}

func TestCloneHandlesNilOptionalFields(t *testing.T) {
	original := &Session{ID: "s1", Metadata: map[string]string{"a": "1"}}
	clone := original.Clone()
	assert.Nil(t, clone.RuntimeHandle)
	assert.Nil(t, clone.AgentInfo)
	assert.Nil(t, clone.SubSessionInfo)
	assert.Equal(t, "1", clone.Metadata["a"])
}
