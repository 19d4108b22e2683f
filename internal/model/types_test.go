package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeBlockedIffAnyVerdictBlocks(t *testing.T) {
	cases := []struct {
		name     string
		verdicts []Verdict
		blocked  bool
		trigger  string
	}{
		{"empty", nil, false, ""},
		{"all allow", []Verdict{{Detector: "a"}, {Detector: "b"}}, false, ""},
		{"one block", []Verdict{{Detector: "a"}, {Detector: "b", Blocked: true}}, true, "b"},
		{"first block wins trigger", []Verdict{{Detector: "a", Blocked: true}, {Detector: "b", Blocked: true}}, true, "a"},
		{"no opinion does not block", []Verdict{NoOpinion("a", errors.New("timeout"))}, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Merge(tc.verdicts, false)
			assert.Equal(t, tc.blocked, d.Blocked)
			assert.Equal(t, tc.trigger, d.Trigger)
		})
	}
}

func TestMergeWhitelistVetoes(t *testing.T) {
	d := Merge([]Verdict{{Detector: "a", Blocked: true}}, true)
	assert.False(t, d.Blocked)
	assert.True(t, d.Whitelisted)
	assert.Empty(t, d.Trigger)
}

func TestBlockEntryValidate(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	cases := []struct {
		name  string
		entry BlockEntry
		kind  ValidationKind
	}{
		{"key type without value", BlockEntry{KeyType: "location", Kind: BlockPermanent}, KindMissingKeyValue},
		{"no match fields", BlockEntry{Kind: BlockPermanent}, KindMissingMatch},
		{"both match fields", BlockEntry{IP: "1.2.3.4", KeyType: "location", KeyValue: "US", Kind: BlockPermanent}, KindConflictingMatch},
		{"bad ip", BlockEntry{IP: "999.1.1.1", Kind: BlockPermanent}, KindInvalidIP},
		{"bad kind", BlockEntry{IP: "1.2.3.4", Kind: "forever"}, KindInvalidBlockKind},
		{"temporary no end", BlockEntry{IP: "1.2.3.4", Kind: BlockTemporary, StartBlock: now}, KindMissingEndDate},
		{"temporary end before start", BlockEntry{IP: "1.2.3.4", Kind: BlockTemporary, StartBlock: now, EndBlock: &past}, KindEndNotAfterStart},
		{"temporary end equal start", BlockEntry{IP: "1.2.3.4", Kind: BlockTemporary, StartBlock: now, EndBlock: &now}, KindEndNotAfterStart},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.kind, verr.Kind)
		})
	}
}

func TestBlockEntryValidateNormalizes(t *testing.T) {
	end := time.Now().Add(time.Hour)
	e := BlockEntry{IP: " ::ffff:198.51.100.9 ", Kind: "Permanent", EndBlock: &end}
	require.NoError(t, e.Validate())
	assert.Equal(t, MatchIP, e.MatchType)
	assert.Equal(t, "198.51.100.9", e.IP)
	assert.Equal(t, BlockPermanent, e.Kind)
	assert.Nil(t, e.EndBlock)

	k := BlockEntry{KeyType: "location", KeyValue: "US", Kind: BlockPermanent}
	require.NoError(t, k.Validate())
	assert.Equal(t, MatchKey, k.MatchType)
}

func TestBlockEntryActiveAt(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	temp := BlockEntry{Kind: BlockTemporary, StartBlock: start, EndBlock: &end}
	assert.False(t, temp.ActiveAt(start.Add(-time.Second)))
	assert.True(t, temp.ActiveAt(start))
	assert.True(t, temp.ActiveAt(end))
	assert.False(t, temp.ActiveAt(end.Add(time.Second)))

	perm := BlockEntry{Kind: BlockPermanent, StartBlock: start}
	assert.True(t, perm.ActiveAt(start.AddDate(50, 0, 0)))
}
