package bandit

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectorStartsFromDefaultPriors(t *testing.T) {
	s, err := NewSelector(NewMemoryStore())
	require.NoError(t, err)

	arms := s.Arms()
	require.Len(t, arms, 6)
	for _, arm := range arms {
		assert.Equal(t, 1.0, arm.Alpha, arm.ArmID)
		assert.Equal(t, 1.0, arm.Beta, arm.ArmID)
		assert.Equal(t, 0.5, arm.Mean(), arm.ArmID)
	}
}

func TestUpdateMovesPosterior(t *testing.T) {
	s, err := NewSelector(nil)
	require.NoError(t, err)
	armID := s.Arms()[0].ArmID

	require.NoError(t, s.Update(armID, 1.0))
	require.NoError(t, s.Update(armID, 0.8))

	arm := s.Arms()[0]
	assert.Equal(t, 2.8, arm.Alpha)
	assert.InDelta(t, 1.2, arm.Beta, 1e-9)
	assert.Equal(t, int64(2), arm.Trials)
	assert.InDelta(t, 1.8, arm.CumulativeReward, 1e-9)
}

func TestUpdateClampsReward(t *testing.T) {
	s, err := NewSelector(nil)
	require.NoError(t, err)
	armID := s.Arms()[0].ArmID

	require.NoError(t, s.Update(armID, 7))
	require.NoError(t, s.Update(armID, -3))

	arm := s.Arms()[0]
	assert.Equal(t, 2.0, arm.Alpha) // 1 + clamp(7)=1 + clamp(-3)=0
	assert.Equal(t, 2.0, arm.Beta)
}

func TestUpdateUnknownArm(t *testing.T) {
	s, err := NewSelector(nil)
	require.NoError(t, err)
	assert.Error(t, s.Update("no-such-arm", 0.5))
}

func TestThompsonConvergesToRewardingArm(t *testing.T) {
	s, err := NewSelector(nil)
	require.NoError(t, err)
	s.WithRand(rand.New(rand.NewSource(42)))

	good := s.Arms()[2].ArmID
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		arm := s.Select()
		counts[arm.ArmID]++
		reward := 0.1
		if arm.ArmID == good {
			reward = 0.9
		}
		require.NoError(t, s.Update(arm.ArmID, reward))
	}

	// The rewarding arm should dominate after enough trials.
	assert.Greater(t, counts[good], 250, "rewarding arm drew %d of 500", counts[good])
}

func TestSelectUCBPrefersUnexplored(t *testing.T) {
	s, err := NewSelector(nil)
	require.NoError(t, err)

	first := s.SelectUCB(1.0)
	require.NoError(t, s.Update(first.ArmID, 1.0))

	second := s.SelectUCB(1.0)
	assert.NotEqual(t, first.ArmID, second.ArmID, "unexplored arms rank before tried ones")
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/arms.json"
	store := NewFileStore(path)

	// No snapshot yet: selector starts from defaults.
	s1, err := NewSelector(store)
	require.NoError(t, err)
	armID := s1.Arms()[0].ArmID
	require.NoError(t, s1.Update(armID, 1.0))

	// Restart: posterior survives.
	s2, err := NewSelector(store)
	require.NoError(t, err)
	arm := s2.Arms()[0]
	assert.Equal(t, armID, arm.ArmID)
	assert.Equal(t, 2.0, arm.Alpha)
	assert.Equal(t, int64(1), arm.Trials)
}
