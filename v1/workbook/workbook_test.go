package workbook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solveshq/solves/v1/database/dbtest"
	solveserrors "github.com/solveshq/solves/v1/errors"
)

const owner = "owner-1"

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(dbtest.Open(t, Models()...))
}

func tfBlock(q string, v bool) BlockInput {
	ans := `{"value":false}`
	if v {
		ans = `{"value":true}`
	}
	return BlockInput{Type: TypeTrueFalse, Question: q, Answer: raw(ans), Explanation: "because"}
}

func newWorkbook(t *testing.T, s *Service, blocks ...BlockInput) *Workbook {
	t.Helper()
	ctx := context.Background()
	w, err := s.Create(ctx, owner, Input{Title: " Go basics ", Tags: []string{"Go", " go ", "", "SQL"}})
	require.NoError(t, err)
	if len(blocks) > 0 {
		_, err = s.AddBlocks(ctx, w.ID, owner, blocks)
		require.NoError(t, err)
	}
	w, err = s.Get(ctx, w.ID)
	require.NoError(t, err)
	return w
}

func TestCreateNormalizes(t *testing.T) {
	s := newService(t)
	w := newWorkbook(t, s)
	assert.Equal(t, "Go basics", w.Title)
	assert.Equal(t, []string{"go", "sql"}, w.Tags)
	assert.False(t, w.Published)

	_, err := s.Create(context.Background(), owner, Input{Title: ""})
	assert.Equal(t, "title", solveserrors.FieldOf(err))
}

func TestBlocksKeepOrder(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	w := newWorkbook(t, s, tfBlock("a", true), tfBlock("b", false))
	c, err := s.AddBlock(ctx, w.ID, owner, tfBlock("c", true))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Position)

	w, err = s.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, w.Blocks, 3)
	for i, q := range []string{"a", "b", "c"} {
		assert.Equal(t, q, w.Blocks[i].Question)
		assert.Equal(t, i, w.Blocks[i].Position)
	}
	assert.JSONEq(t, `{"value":true}`, string(w.Blocks[0].Answer))
}

func TestDeleteBlockCompactsPositions(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	w := newWorkbook(t, s, tfBlock("a", true), tfBlock("b", true), tfBlock("c", true))

	require.NoError(t, s.DeleteBlock(ctx, w.Blocks[1].ID, owner))
	w, err := s.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, w.Blocks, 2)
	assert.Equal(t, "a", w.Blocks[0].Question)
	assert.Equal(t, "c", w.Blocks[1].Question)
	assert.Equal(t, 1, w.Blocks[1].Position)

	require.ErrorIs(t, s.DeleteBlock(ctx, "missing", owner), solveserrors.ErrNotFound)
	require.ErrorIs(t, s.DeleteBlock(ctx, w.Blocks[0].ID, "intruder"), solveserrors.ErrForbidden)
}

func TestReorderBlocks(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	w := newWorkbook(t, s, tfBlock("a", true), tfBlock("b", true), tfBlock("c", true))
	ids := []string{w.Blocks[2].ID, w.Blocks[0].ID, w.Blocks[1].ID}

	got, err := s.ReorderBlocks(ctx, w.ID, owner, ids)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Blocks[0].Question)
	assert.Equal(t, "a", got.Blocks[1].Question)
	assert.Equal(t, "b", got.Blocks[2].Question)

	_, err = s.ReorderBlocks(ctx, w.ID, owner, ids[:2])
	require.ErrorIs(t, err, solveserrors.ErrInvalid)
	_, err = s.ReorderBlocks(ctx, w.ID, owner, []string{ids[0], ids[0], ids[1]})
	require.ErrorIs(t, err, solveserrors.ErrInvalid)
	_, err = s.ReorderBlocks(ctx, w.ID, owner, []string{ids[0], ids[1], "foreign"})
	require.ErrorIs(t, err, solveserrors.ErrInvalid)
}

func TestPublishRequiresValidBlocks(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	w := newWorkbook(t, s)

	_, err := s.Publish(ctx, w.ID, owner)
	require.ErrorIs(t, err, solveserrors.ErrInvalid)
	assert.Equal(t, "blocks", solveserrors.FieldOf(err))

	_, err = s.AddBlock(ctx, w.ID, owner, BlockInput{Type: TypeFreeResponse, Question: "draft"})
	require.NoError(t, err, "drafts accept incomplete blocks")
	_, err = s.Publish(ctx, w.ID, owner)
	require.ErrorIs(t, err, solveserrors.ErrInvalid)
	assert.Equal(t, "blocks[0].answer", solveserrors.FieldOf(err))

	w, err = s.Get(ctx, w.ID)
	require.NoError(t, err)
	_, err = s.UpdateBlock(ctx, w.Blocks[0].ID, owner, BlockInput{Type: TypeFreeResponse, Question: "capital of Italy", Answer: raw(`{"accepted":["Rome"]}`)})
	require.NoError(t, err)

	_, err = s.Publish(ctx, w.ID, "intruder")
	require.ErrorIs(t, err, solveserrors.ErrForbidden)
	pub, err := s.Publish(ctx, w.ID, owner)
	require.NoError(t, err)
	assert.True(t, pub.Published)
	assert.NotNil(t, pub.PublishedAt)

	_, err = s.AddBlock(ctx, w.ID, owner, BlockInput{Type: TypeTrueFalse, Question: "incomplete"})
	require.ErrorIs(t, err, solveserrors.ErrInvalid, "published workbooks only take complete blocks")
	require.ErrorIs(t, s.DeleteBlock(ctx, pub.Blocks[0].ID, owner), solveserrors.ErrConflict)

	un, err := s.Unpublish(ctx, w.ID, owner)
	require.NoError(t, err)
	assert.False(t, un.Published)
	assert.Nil(t, un.PublishedAt)
}

func TestAddBlocksReportsIndex(t *testing.T) {
	s := newService(t)
	w := newWorkbook(t, s)
	_, err := s.AddBlocks(context.Background(), w.ID, owner, []BlockInput{tfBlock("ok", true), {Type: "essay"}})
	require.ErrorIs(t, err, solveserrors.ErrInvalid)
	assert.Equal(t, "blocks[1].type", solveserrors.FieldOf(err))

	got, err := s.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Blocks, "a failed batch adds nothing")
}

func TestViewHidesAnswersFromOthers(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	w := newWorkbook(t, s, tfBlock("a", true))

	_, err := s.View(ctx, w.ID, "someone")
	require.ErrorIs(t, err, solveserrors.ErrNotFound, "drafts are private")

	mine, err := s.View(ctx, w.ID, owner)
	require.NoError(t, err)
	assert.NotEmpty(t, mine.Blocks[0].Answer)

	_, err = s.Publish(ctx, w.ID, owner)
	require.NoError(t, err)
	theirs, err := s.View(ctx, w.ID, "someone")
	require.NoError(t, err)
	assert.Nil(t, theirs.Blocks[0].Answer)
	assert.Empty(t, theirs.Blocks[0].Explanation)
	assert.Equal(t, "a", theirs.Blocks[0].Question)
}

func TestListOwnerAndPublished(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	a := newWorkbook(t, s, tfBlock("a", true))
	newWorkbook(t, s)
	other, err := s.Create(ctx, "owner-2", Input{Title: "Rust intro", Tags: []string{"rust"}})
	require.NoError(t, err)
	_, err = s.AddBlock(ctx, other.ID, "owner-2", tfBlock("r", true))
	require.NoError(t, err)
	_, err = s.Publish(ctx, a.ID, owner)
	require.NoError(t, err)
	_, err = s.Publish(ctx, other.ID, "owner-2")
	require.NoError(t, err)

	mine, total, err := s.List(ctx, Query{OwnerID: owner})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, mine, 2)
	assert.Empty(t, mine[0].Blocks)

	pub, total, err := s.List(ctx, Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, pub, 2)

	rust, _, err := s.List(ctx, Query{Tag: "Rust"})
	require.NoError(t, err)
	require.Len(t, rust, 1)
	assert.Equal(t, other.ID, rust[0].ID)

	found, _, err := s.List(ctx, Query{Search: "basics"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, a.ID, found[0].ID)
}

func TestUpdateAndDelete(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	w := newWorkbook(t, s, tfBlock("a", true))

	up, err := s.Update(ctx, w.ID, owner, Input{Title: "New", Description: "d", Tags: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "New", up.Title)
	assert.Equal(t, []string{"x"}, up.Tags)
	assert.Len(t, up.Blocks, 1)

	_, err = s.Update(ctx, w.ID, "intruder", Input{Title: "Hack"})
	require.ErrorIs(t, err, solveserrors.ErrForbidden)

	require.ErrorIs(t, s.Delete(ctx, w.ID, "intruder"), solveserrors.ErrForbidden)
	require.NoError(t, s.Delete(ctx, w.ID, owner))
	_, err = s.Get(ctx, w.ID)
	require.ErrorIs(t, err, solveserrors.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, w.ID, owner), solveserrors.ErrNotFound)
}
