package admin

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spamguard/internal/model"
	"spamguard/internal/storage"
)

func newSQLite(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "admin.db") + "?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newService(t *testing.T, store storage.BlockStore) *Service {
	t.Helper()
	return NewService(store, NewNonceIssuer("test-secret", time.Hour), time.UTC, nil)
}

func TestPermanentManualBlock(t *testing.T) {
	st := newSQLite(t)
	svc := newService(t, st)
	res := svc.Submit(context.Background(), Submission{
		Nonce:     svc.Nonces().Issue(BlockAction),
		BlockedIP: "198.51.100.9",
		Type:      "permanent",
		Reason:    "registration spam",
	})
	require.Equal(t, CodeSuccess, res.Code, res.Message)
	require.NotNil(t, res.Entry)
	assert.Equal(t, model.MatchIP, res.Entry.MatchType)

	for _, at := range []time.Time{time.Now().Add(time.Minute), time.Now().AddDate(5, 0, 0)} {
		got, err := st.FindActiveMatch(context.Background(), storage.BlockQuery{IP: "198.51.100.9"}, at)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, res.Entry.ID, got.ID)
	}
	list, err := st.ListBlocks(context.Background(), storage.BlockFilter{}, storage.Page{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTemporaryKeyBlock(t *testing.T) {
	st := newSQLite(t)
	svc := newService(t, st)
	res := svc.Submit(context.Background(), Submission{
		Nonce:      svc.Nonces().Issue(BlockAction),
		KeyType:    "location",
		BlockedKey: "ru",
		Type:       "Temporary",
		StartDate:  "2026-05-01 00:00",
		EndDate:    "2026-05-08",
	})
	require.Equal(t, CodeSuccess, res.Code, res.Message)
	assert.Equal(t, "RU", res.Entry.KeyValue)
	require.NotNil(t, res.Entry.EndBlock)
	assert.True(t, res.Entry.EndBlock.Equal(time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)))
}

func TestSubmissionValidationCodes(t *testing.T) {
	svc := newService(t, newSQLite(t))
	nonce := svc.Nonces().Issue(BlockAction)
	cases := []struct {
		name string
		sub  Submission
		want Code
	}{
		{"missing nonce", Submission{BlockedIP: "198.51.100.9", Type: "permanent"}, CodeInvalidNonce},
		{"wrong action nonce", Submission{Nonce: svc.Nonces().Issue("other"), BlockedIP: "198.51.100.9", Type: "permanent"}, CodeInvalidNonce},
		{"key without value", Submission{Nonce: nonce, KeyType: "location", Type: "permanent"}, CodeMissingKeyValue},
		{"nothing to match", Submission{Nonce: nonce, Type: "permanent"}, CodeMissingMatch},
		{"ip and key", Submission{Nonce: nonce, BlockedIP: "198.51.100.9", KeyType: "location", BlockedKey: "RU", Type: "permanent"}, CodeConflictingMatch},
		{"invalid ip", Submission{Nonce: nonce, BlockedIP: "198.51.100.999", Type: "temporary"}, CodeInvalidIP},
		{"invalid type", Submission{Nonce: nonce, BlockedIP: "198.51.100.9", Type: "forever"}, CodeInvalidType},
		{"temporary without end", Submission{Nonce: nonce, BlockedIP: "198.51.100.9", Type: "temporary"}, CodeMissingEndDate},
		{"bad start", Submission{Nonce: nonce, BlockedIP: "198.51.100.9", Type: "permanent", StartDate: "soon"}, CodeInvalidDate},
		{"bad end", Submission{Nonce: nonce, BlockedIP: "198.51.100.9", Type: "temporary", EndDate: "later"}, CodeInvalidDate},
		{"end before start", Submission{Nonce: nonce, BlockedIP: "198.51.100.9", Type: "temporary", StartDate: "2026-05-02", EndDate: "2026-05-01"}, CodeEndNotAfterStart},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := svc.Submit(context.Background(), tc.sub)
			assert.Equal(t, tc.want, res.Code)
			assert.Equal(t, tc.want.Message(), res.Message)
			assert.Nil(t, res.Entry)
		})
	}
	assert.NotEqual(t, CodeMissingEndDate, CodeInvalidIP)
}

type failingStore struct {
	storage.BlockStore
}

func (failingStore) UpsertBlock(context.Context, *model.BlockEntry) error {
	return &storage.WriteError{Op: "upsert block", Err: errors.New("database is locked")}
}

func TestStoreFailureIsReported(t *testing.T) {
	svc := newService(t, failingStore{})
	res := svc.Submit(context.Background(), Submission{
		Nonce:     svc.Nonces().Issue(BlockAction),
		BlockedIP: "198.51.100.9",
		Type:      "permanent",
	})
	assert.Equal(t, CodeStoreWrite, res.Code)
	assert.Equal(t, 500, res.Code.HTTPStatus())
}

func TestDeleteRequiresDeleteNonce(t *testing.T) {
	st := newSQLite(t)
	svc := newService(t, st)
	ctx := context.Background()
	res := svc.Submit(ctx, Submission{Nonce: svc.Nonces().Issue(BlockAction), BlockedIP: "198.51.100.9", Type: "permanent"})
	require.Equal(t, CodeSuccess, res.Code, res.Message)
	id := res.Entry.ID

	assert.ErrorIs(t, svc.Delete(ctx, id, ""), ErrInvalidNonce)
	assert.ErrorIs(t, svc.Delete(ctx, id, svc.Nonces().Issue(BlockAction)), ErrInvalidNonce)
	require.NoError(t, svc.Delete(ctx, id, svc.Nonces().Issue(DeleteAction)))
	assert.ErrorIs(t, svc.Delete(ctx, id, svc.Nonces().Issue(DeleteAction)), storage.ErrNotFound)

	detached := newService(t, nil)
	assert.ErrorIs(t, detached.Delete(ctx, id, detached.Nonces().Issue(DeleteAction)), ErrStoreUnavailable)
}

func TestNonceTwoTickWindow(t *testing.T) {
	issuer := NewNonceIssuer("secret", time.Hour)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }
	token := issuer.Issue(BlockAction)
	assert.True(t, issuer.Verify(token, BlockAction))
	assert.False(t, issuer.Verify(token, "delete"))

	now = now.Add(30 * time.Minute)
	assert.True(t, issuer.Verify(token, BlockAction))
	now = now.Add(30 * time.Minute)
	assert.False(t, issuer.Verify(token, BlockAction))

	other := NewNonceIssuer("another", time.Hour)
	other.now = issuer.now
	assert.False(t, other.Verify(issuer.Issue(BlockAction), BlockAction))
	assert.False(t, issuer.Verify("", BlockAction))
}

func TestCodeHTTPStatus(t *testing.T) {
	assert.Equal(t, 201, CodeSuccess.HTTPStatus())
	assert.Equal(t, 403, CodeInvalidNonce.HTTPStatus())
	assert.Equal(t, 400, CodeInvalidIP.HTTPStatus())
	assert.Equal(t, CodeMissingEndDate, CodeFor(model.KindMissingEndDate))
}
