package cosmigrate_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/anicoll/cosmigrate"
	"github.com/anicoll/cosmigrate/pkg/memaccount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastGovernor() *cosmigrate.Governor {
	return cosmigrate.NewGovernor(cosmigrate.RetryPolicy{
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, nil)
}

func TestCursor_Pagination(t *testing.T) {
	ctx := context.Background()
	source := memaccount.New()
	ref := seed(t, source, "D1", "C1", "/pk", 7)

	c := cosmigrate.NewCursor(source, fastGovernor(), ref, "", 3, 0)
	assert.Empty(t, c.Token())

	var sizes []int
	var ids []string
	for {
		page, err := c.Next(ctx)
		if errors.Is(err, cosmigrate.ErrEndOfContainer) {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page.Items), 3)
		sizes = append(sizes, len(page.Items))
		for _, raw := range page.Items {
			ids = append(ids, itemID(t, raw))
		}
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, []string{"item-0", "item-1", "item-2", "item-3", "item-4", "item-5", "item-6"}, ids)
	assert.True(t, c.Done())
	assert.Empty(t, c.Token())

	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, cosmigrate.ErrEndOfContainer)
}

func TestCursor_ResumesFromToken(t *testing.T) {
	ctx := context.Background()
	source := memaccount.New()
	ref := seed(t, source, "D1", "C1", "/pk", 5)

	first := cosmigrate.NewCursor(source, fastGovernor(), ref, "", 2, 0)
	_, err := first.Next(ctx)
	require.NoError(t, err)
	token := first.Token()
	require.NotEmpty(t, token)

	resumed := cosmigrate.NewCursor(source, fastGovernor(), ref, token, 2, 0)
	page, err := resumed.Next(ctx)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "item-2", itemID(t, page.Items[0]))
}

func TestCursor_EmptyContainer(t *testing.T) {
	source := memaccount.New()
	ref := seed(t, source, "D1", "C1", "/pk", 0)

	c := cosmigrate.NewCursor(source, fastGovernor(), ref, "", 10, 0)
	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, cosmigrate.ErrEndOfContainer)
	assert.True(t, c.Done())
}

func TestCursor_HalvesPageSizeOverByteBudget(t *testing.T) {
	ctx := context.Background()
	source := memaccount.New()
	ref := seed(t, source, "D1", "C1", "/pk", 9)

	c := cosmigrate.NewCursor(source, fastGovernor(), ref, "", 4, 50)

	page, err := c.Next(ctx)
	require.NoError(t, err)
	// the oversized page is still returned in full.
	assert.Len(t, page.Items, 4)
	assert.Equal(t, 2, c.PageSize())

	page, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 1, c.PageSize())

	page, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 1, c.PageSize())
}

func TestCursor_RetriesTransientReads(t *testing.T) {
	source := memaccount.New()
	ref := seed(t, source, "D1", "C1", "/pk", 3)
	source.InjectFault(memaccount.TransientFirst(memaccount.OpReadPage, 2))

	c := cosmigrate.NewCursor(source, fastGovernor(), ref, "", 10, 0)
	page, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.Equal(t, 3, source.Calls(memaccount.OpReadPage))
}

func TestCursor_FatalRead(t *testing.T) {
	source := memaccount.New()
	ref := seed(t, source, "D1", "C1", "/pk", 3)
	source.InjectFault(memaccount.FailOn(memaccount.OpReadPage, "D1/C1@", &cosmigrate.FatalRemoteError{StatusCode: 404, Err: cosmigrate.ErrNotFound}))

	c := cosmigrate.NewCursor(source, fastGovernor(), ref, "", 10, 0)
	_, err := c.Next(context.Background())
	var fe *cosmigrate.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
	assert.ErrorIs(t, err, cosmigrate.ErrNotFound)
	assert.False(t, c.Done())
}

func itemID(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var doc struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc.ID
}
