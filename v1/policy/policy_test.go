package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solveshq/solves/v1/database/dbtest"
	solveserrors "github.com/solveshq/solves/v1/errors"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(dbtest.Open(t, Models()...))
}

func draft(t *testing.T, s *Service, kind, title string) *Policy {
	t.Helper()
	p, err := s.CreateDraft(context.Background(), DraftInput{Kind: kind, Title: title, Body: "body of " + title})
	require.NoError(t, err)
	return p
}

func TestCreateDraftVersions(t *testing.T) {
	s := newService(t)
	a := draft(t, s, KindTerms, "Terms v1")
	b := draft(t, s, KindTerms, "Terms v2")
	c := draft(t, s, KindPrivacy, "Privacy v1")
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, 2, b.Version)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, StatusDraft, a.Status)

	_, err := s.CreateDraft(context.Background(), DraftInput{Kind: "cookies", Title: "x", Body: "y"})
	require.ErrorIs(t, err, solveserrors.ErrInvalid)
	assert.Equal(t, "kind", solveserrors.FieldOf(err))
}

func TestPublishArchivesPrevious(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	v1 := draft(t, s, KindTerms, "v1")
	v2 := draft(t, s, KindTerms, "v2")
	other := draft(t, s, KindRefund, "refund")

	pub, err := s.Publish(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, pub.Status)
	require.NotNil(t, pub.PublishedAt)
	_, err = s.Publish(ctx, other.ID)
	require.NoError(t, err)

	_, err = s.Publish(ctx, v2.ID)
	require.NoError(t, err)

	old, err := s.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, old.Status)

	cur, err := s.Current(ctx, KindTerms)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, cur.ID)

	refund, err := s.Current(ctx, KindRefund)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, refund.Status, "publishing terms must not touch refund")

	_, err = s.Publish(ctx, v1.ID)
	require.ErrorIs(t, err, solveserrors.ErrConflict)
	_, err = s.Publish(ctx, "missing")
	require.ErrorIs(t, err, solveserrors.ErrNotFound)
}

func TestUpdateAndDeleteOnlyDrafts(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	d := draft(t, s, KindPrivacy, "p1")

	up, err := s.UpdateDraft(ctx, d.ID, " New title ", "new body")
	require.NoError(t, err)
	assert.Equal(t, "New title", up.Title)
	assert.Equal(t, "new body", up.Body)

	_, err = s.UpdateDraft(ctx, d.ID, "", "x")
	assert.Equal(t, "title", solveserrors.FieldOf(err))

	_, err = s.Publish(ctx, d.ID)
	require.NoError(t, err)
	_, err = s.UpdateDraft(ctx, d.ID, "t", "b")
	require.ErrorIs(t, err, solveserrors.ErrConflict)
	require.ErrorIs(t, s.Delete(ctx, d.ID), solveserrors.ErrConflict)

	d2 := draft(t, s, KindPrivacy, "p2")
	require.NoError(t, s.Delete(ctx, d2.ID))
	require.ErrorIs(t, s.Delete(ctx, d2.ID), solveserrors.ErrNotFound)
}

func TestListAndCurrentMissing(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	draft(t, s, KindTerms, "a")
	draft(t, s, KindTerms, "b")
	draft(t, s, KindRefund, "c")

	terms, err := s.List(ctx, KindTerms)
	require.NoError(t, err)
	require.Len(t, terms, 2)
	assert.Equal(t, 2, terms[0].Version)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.Current(ctx, KindTerms)
	require.ErrorIs(t, err, solveserrors.ErrNotFound)
}

func TestAcceptance(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	ok, err := s.HasAccepted(ctx, "u1", KindTerms)
	require.NoError(t, err)
	assert.True(t, ok, "nothing published means nothing to accept")

	v1 := draft(t, s, KindTerms, "v1")
	_, err = s.Accept(ctx, "u1", v1.ID)
	require.ErrorIs(t, err, solveserrors.ErrConflict, "drafts cannot be accepted")

	_, err = s.Publish(ctx, v1.ID)
	require.NoError(t, err)
	ok, err = s.HasAccepted(ctx, "u1", KindTerms)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Accept(ctx, "u1", v1.ID)
	require.NoError(t, err)
	_, err = s.Accept(ctx, "u1", v1.ID)
	require.NoError(t, err, "accepting twice is a no-op")
	ok, err = s.HasAccepted(ctx, "u1", KindTerms)
	require.NoError(t, err)
	assert.True(t, ok)

	v2 := draft(t, s, KindTerms, "v2")
	_, err = s.Publish(ctx, v2.ID)
	require.NoError(t, err)
	ok, err = s.HasAccepted(ctx, "u1", KindTerms)
	require.NoError(t, err)
	assert.False(t, ok, "a new version needs a new acceptance")

	_, err = s.Accept(ctx, "u1", v1.ID)
	require.ErrorIs(t, err, solveserrors.ErrConflict, "archived versions cannot be accepted")
}
