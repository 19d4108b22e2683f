package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spamguard/internal/model"
)

func newTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "spamguard.db") + "?_pragma=busy_timeout(5000)"
	st, err := NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st.(*sqliteStore)
}

func ptr(t time.Time) *time.Time { return &t }

func TestRebindNumbersPlaceholders(t *testing.T) {
	b := baseStore{numbered: true}
	assert.Equal(t, "a = $1 AND b = $2", b.rebind("a = ? AND b = ?"))
	b.numbered = false
	assert.Equal(t, "a = ?", b.rebind("a = ?"))
}

func TestBlockRoundTripWithinWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	entry := &model.BlockEntry{
		IP:         "203.0.113.5",
		Kind:       model.BlockTemporary,
		StartBlock: start,
		EndBlock:   ptr(start.Add(48 * time.Hour)),
		Reason:     "comment spam",
	}
	require.NoError(t, st.UpsertBlock(ctx, entry))
	require.NotZero(t, entry.ID)
	require.NotEmpty(t, entry.UUID)

	got, err := st.FindActiveMatch(ctx, BlockQuery{IP: "203.0.113.5"}, start.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, model.MatchIP, got.MatchType)
	assert.Equal(t, "comment spam", got.Reason)
	require.NotNil(t, got.EndBlock)
	assert.True(t, got.EndBlock.Equal(start.Add(48*time.Hour)))

	expired, err := st.FindActiveMatch(ctx, BlockQuery{IP: "203.0.113.5"}, start.Add(49*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, expired)

	early, err := st.FindActiveMatch(ctx, BlockQuery{IP: "203.0.113.5"}, start.Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, early)
}

func TestEndBoundaryIsInclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	require.NoError(t, st.UpsertBlock(ctx, &model.BlockEntry{IP: "192.0.2.10", Kind: model.BlockTemporary, StartBlock: start, EndBlock: &end}))

	got, err := st.FindActiveMatch(ctx, BlockQuery{IP: "192.0.2.10"}, end)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestPermanentMatchesAnyFutureTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertBlock(ctx, &model.BlockEntry{
		IP:         "198.51.100.9",
		Kind:       model.BlockPermanent,
		StartBlock: start,
		EndBlock:   ptr(start.Add(time.Hour)),
	}))
	for _, at := range []time.Time{start, start.Add(24 * time.Hour), start.AddDate(30, 0, 0)} {
		got, err := st.FindActiveMatch(ctx, BlockQuery{IP: "198.51.100.9"}, at)
		require.NoError(t, err)
		require.NotNil(t, got, "at %s", at)
		assert.Nil(t, got.EndBlock)
	}
}

func TestKeyMatchIsCaseInsensitiveForLocation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertBlock(ctx, &model.BlockEntry{
		KeyType:  "Location",
		KeyValue: "ru",
		Kind:     model.BlockPermanent,
	}))
	got, err := st.FindActiveMatch(ctx, BlockQuery{KeyType: "location", KeyValue: "RU"}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.MatchKey, got.MatchType)
	assert.Equal(t, "RU", got.KeyValue)

	miss, err := st.FindActiveMatch(ctx, BlockQuery{IP: "203.0.113.5"}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestUpsertUpdatesExistingMatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	first := &model.BlockEntry{IP: "203.0.113.5", Kind: model.BlockTemporary, StartBlock: start, EndBlock: ptr(start.Add(time.Hour)), Reason: "first"}
	require.NoError(t, st.UpsertBlock(ctx, first))

	second := &model.BlockEntry{IP: "203.0.113.5", Kind: model.BlockPermanent, StartBlock: start, Reason: "second"}
	require.NoError(t, st.UpsertBlock(ctx, second))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.UUID, second.UUID)

	list, err := st.ListBlocks(ctx, BlockFilter{}, Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.BlockPermanent, list[0].Kind)
	assert.Equal(t, "second", list[0].Reason)
	assert.Nil(t, list[0].EndBlock)
}

func TestUpsertAutoBlockLeavesAdminEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return start }
	autoEntry := func(ip string, hours int) *model.BlockEntry {
		return &model.BlockEntry{
			IP:         ip,
			Kind:       model.BlockTemporary,
			StartBlock: start,
			EndBlock:   ptr(start.Add(time.Duration(hours) * time.Hour)),
			CreatedBy:  model.AutoCreatedByPrefix + "stop_forum_spam",
		}
	}

	admin := &model.BlockEntry{IP: "198.51.100.9", Kind: model.BlockPermanent, Reason: "manual"}
	require.NoError(t, st.UpsertBlock(ctx, admin))
	stored, err := st.UpsertAutoBlock(ctx, autoEntry("198.51.100.9", 24))
	require.NoError(t, err)
	assert.False(t, stored)
	got, err := st.FindActiveMatch(ctx, BlockQuery{IP: "198.51.100.9"}, start.Add(48*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.BlockPermanent, got.Kind)
	assert.Equal(t, "manual", got.Reason)

	first := autoEntry("203.0.113.5", 1)
	stored, err = st.UpsertAutoBlock(ctx, first)
	require.NoError(t, err)
	assert.True(t, stored)
	second := autoEntry("203.0.113.5", 24)
	stored, err = st.UpsertAutoBlock(ctx, second)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, first.ID, second.ID)
	got, err = st.FindActiveMatch(ctx, BlockQuery{IP: "203.0.113.5"}, start.Add(12*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)

	// An admin write claims an auto entry; later auto writes leave it alone.
	require.NoError(t, st.UpsertBlock(ctx, &model.BlockEntry{IP: "203.0.113.5", Kind: model.BlockPermanent, Reason: "confirmed"}))
	stored, err = st.UpsertAutoBlock(ctx, autoEntry("203.0.113.5", 1))
	require.NoError(t, err)
	assert.False(t, stored)
	got, err = st.FindActiveMatch(ctx, BlockQuery{IP: "203.0.113.5"}, start.Add(48*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "confirmed", got.Reason)

	_, err = st.UpsertAutoBlock(ctx, &model.BlockEntry{IP: "192.0.2.1", Kind: model.BlockPermanent})
	assert.Error(t, err)
}

func TestUpsertRejectsInvalidEntry(t *testing.T) {
	st := newTestStore(t)
	err := st.UpsertBlock(context.Background(), &model.BlockEntry{IP: "999.1.1.1", Kind: model.BlockPermanent})
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, model.KindInvalidIP, verr.Kind)
}

func TestListBlocksOrderingAndFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }
	for _, ip := range []string{"203.0.113.1", "203.0.113.2", "198.51.100.3"} {
		require.NoError(t, st.UpsertBlock(ctx, &model.BlockEntry{IP: ip, Kind: model.BlockPermanent, StartBlock: clock}))
		clock = clock.Add(time.Minute)
	}
	require.NoError(t, st.UpsertBlock(ctx, &model.BlockEntry{KeyType: "location", KeyValue: "CN", Kind: model.BlockPermanent, StartBlock: clock}))

	all, err := st.ListBlocks(ctx, BlockFilter{}, Page{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "CN", all[0].KeyValue)
	assert.Equal(t, "198.51.100.3", all[1].IP)
	assert.Equal(t, "203.0.113.1", all[3].IP)

	subset, err := st.ListBlocks(ctx, BlockFilter{IPContains: "203.0.113"}, Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, subset, 1)
	assert.Equal(t, "203.0.113.1", subset[0].IP)

	keys, err := st.ListBlocks(ctx, BlockFilter{MatchType: model.MatchKey}, Page{})
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestDeleteBlock(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	entry := &model.BlockEntry{IP: "203.0.113.5", Kind: model.BlockPermanent}
	require.NoError(t, st.UpsertBlock(ctx, entry))
	require.NoError(t, st.DeleteBlock(ctx, entry.ID))
	assert.ErrorIs(t, st.DeleteBlock(ctx, entry.ID), ErrNotFound)
}

func TestConcurrentUpsertsDoNotDuplicate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, st.UpsertBlock(ctx, &model.BlockEntry{IP: "203.0.113.5", Kind: model.BlockPermanent}))
		}()
	}
	wg.Wait()
	list, err := st.ListBlocks(ctx, BlockFilter{}, Page{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestQueryLogsReportsCorruptRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	good := &model.LogEntry{VisitorIP: "192.0.2.1", Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, st.AppendLog(ctx, good))

	_, err := st.db.ExecContext(ctx, `UPDATE event_log SET details_json = '{broken' WHERE id = ?`, good.ID)
	require.NoError(t, err)
	_, err = st.QueryLogs(ctx, LogFilter{}, Page{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode details")

	_, err = st.db.ExecContext(ctx, `UPDATE event_log SET details_json = '[]', metadata_json = 'nope' WHERE id = ?`, good.ID)
	require.NoError(t, err)
	_, err = st.QueryLogs(ctx, LogFilter{}, Page{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode metadata")
}

func TestEventLogAppendQueryAndReports(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []model.LogEntry{
		{VisitorIP: "203.0.113.5", Timestamp: base, Blocked: true, Trigger: "stop_forum_spam",
			Verdicts: []model.Verdict{{Detector: "stop_forum_spam", Blocked: true, Details: map[string]any{"confidence": 45.0}}}},
		{VisitorIP: "203.0.113.5", Timestamp: base.Add(time.Minute), Blocked: true, Trigger: "block_list"},
		{VisitorIP: "198.51.100.9", Timestamp: base.Add(2 * time.Minute), Blocked: true, Trigger: "block_list"},
		{VisitorIP: "192.0.2.1", Timestamp: base.Add(3 * time.Minute), Metadata: map[string]string{"user_agent": "curl"}},
	}
	for i := range entries {
		require.NoError(t, st.AppendLog(ctx, &entries[i]))
		require.NotZero(t, entries[i].ID)
	}

	all, err := st.QueryLogs(ctx, LogFilter{}, Page{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "192.0.2.1", all[0].VisitorIP)
	assert.False(t, all[0].Blocked)
	assert.Empty(t, all[0].Trigger)
	assert.Equal(t, "curl", all[0].Metadata["user_agent"])
	last := all[3]
	require.Len(t, last.Verdicts, 1)
	assert.Equal(t, 45.0, last.Verdicts[0].Details["confidence"])

	blocked := true
	onlyBlocked, err := st.QueryLogs(ctx, LogFilter{Blocked: &blocked, Detector: "block_list"}, Page{})
	require.NoError(t, err)
	assert.Len(t, onlyBlocked, 2)

	byIP, err := st.QueryLogs(ctx, LogFilter{IPContains: "203.0.113"}, Page{})
	require.NoError(t, err)
	assert.Len(t, byIP, 2)

	top, err := st.TopIPs(ctx, base, 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, IPCount{IP: "203.0.113.5", Count: 2}, top[0])

	counts, err := st.CountByDetector(ctx, base)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, DetectorCount{Detector: "block_list", Count: 2}, counts[0])

	purged, err := st.PurgeLogsBefore(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)
	rest, err := st.QueryLogs(ctx, LogFilter{}, Page{})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}
