package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/betbot/types"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "betbot.db"))
	require.NoError(t, err)
	return db
}

func record(id, state string, totalLoss, recovered int64) types.SequenceRecord {
	return types.SequenceRecord{
		ID:         id,
		Asset:      "EURUSD",
		Trend:      types.TrendCall,
		Account:    types.AccountDemo,
		BaseStake:  decimal.NewFromInt(1_400_000),
		Steps:      2,
		State:      state,
		TotalLoss:  decimal.NewFromInt(totalLoss),
		Recovered:  decimal.NewFromInt(recovered),
		StartedAt:  time.Now().Add(-2 * time.Minute),
		FinishedAt: time.Now(),
	}
}

func TestSaveAndLoadSequence(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.SaveSequence(record("seq-1", "COMPLETED_WIN", 1_400_000, 1_260_000)))

	got, err := db.GetSequence("seq-1")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", got.Asset)
	assert.Equal(t, "COMPLETED_WIN", got.State)
	assert.True(t, got.Recovered.Equal(decimal.NewFromInt(1_260_000)))

	// Saving again with a later state overwrites, not duplicates.
	require.NoError(t, db.SaveSequence(record("seq-1", "COMPLETED_WIN", 1_400_000, 1_260_000)))
	recent, err := db.GetRecentSequences(10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestStepAttemptsOrderedByStep(t *testing.T) {
	db := newTestDB(t)

	for _, step := range []int{2, 1, 3} {
		require.NoError(t, db.SaveStep(types.StepRecord{
			SequenceID: "seq-1",
			Step:       step,
			ClientID:   "BB_x",
			Stake:      decimal.NewFromInt(1_400_000),
			Status:     types.OutcomeLoss,
			Channel:    types.ChannelPush,
		}))
	}

	attempts, err := db.GetStepAttempts("seq-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, 1, attempts[0].Step)
	assert.Equal(t, 3, attempts[2].Step)
	assert.Equal(t, "loss", attempts[0].Status)
	assert.Equal(t, "push", attempts[0].Channel)
}

func TestRecordAppliedJournalsOutcome(t *testing.T) {
	db := newTestDB(t)

	observed := time.Date(2026, 5, 11, 10, 1, 5, 0, time.UTC)
	require.NoError(t, db.RecordApplied("out-1", "seq-1", types.ChannelPush, observed))

	var rows []AppliedOutcome
	require.NoError(t, db.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "out-1", rows[0].ID)
	assert.Equal(t, "seq-1", rows[0].SequenceID)
	assert.Equal(t, "push", rows[0].Channel)
	assert.True(t, rows[0].ObservedAt.Equal(observed))
}

func TestSessionStatsRollup(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.SaveSequence(record("w-1", "COMPLETED_WIN", 1_400_000, 1_260_000)))
	require.NoError(t, db.SaveSequence(record("l-1", "COMPLETED_LOSS", 4_200_000, 0)))
	require.NoError(t, db.SaveSequence(record("c-1", "CANCELLED", 0, 0)))

	stats, err := db.GetSessionStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalSequences)
	assert.Equal(t, int64(1), stats.Wins)
	assert.Equal(t, int64(1), stats.Losses)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.True(t, stats.NetProfit.Equal(decimal.NewFromInt(-2_940_000)),
		"recovered 1.26M minus lost 4.2M")
}
