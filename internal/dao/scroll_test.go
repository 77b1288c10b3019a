package dao

import (
	"context"
	"fmt"
	"math"
	"testing"

	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedScroll(t *testing.T, f *fixture, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		parent := fmt.Sprintf("parent-%d", i)
		_, err := f.orders.Save(ctx, "T1", parent, &order{ID: fmt.Sprintf("o-%d", i), UserID: parent, Seq: i})
		require.NoError(t, err)
	}
}

func TestScrollUp_ReturnsEveryRowOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	seedScroll(t, f, 999)

	seen := make(map[string]bool)
	last := math.MaxInt
	var ptr *ScrollPointer
	for pages := 0; ; pages++ {
		require.Less(t, pages, 250, "scroll did not terminate")
		res, err := f.orders.ScrollUp(ctx, "T1", f.orders.Query(), ptr, 5, "seq")
		require.NoError(t, err)
		if len(res.Items) == 0 {
			break
		}
		assert.LessOrEqual(t, len(res.Items), 5)
		for _, o := range res.Items {
			assert.Less(t, o.Seq, last, "descending order")
			last = o.Seq
			assert.False(t, seen[o.ID], "duplicate %s", o.ID)
			seen[o.ID] = true
		}
		ptr = res.Pointer

		// rows inserted after the scan started are not part of an upward scroll
		if pages == 3 {
			_, err := f.orders.Save(ctx, "T1", "late", &order{ID: "late", UserID: "late", Seq: 5000})
			require.NoError(t, err)
		}
	}
	assert.Len(t, seen, 999)
	assert.False(t, seen["late"])
}

func TestScrollDown_SeesConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	seedScroll(t, f, 100)

	seen := make(map[string]bool)
	last := -1
	var ptr *ScrollPointer
	for pages := 0; ; pages++ {
		require.Less(t, pages, 100, "scroll did not terminate")
		res, err := f.orders.ScrollDown(ctx, "T1", f.orders.Query(), ptr, 7, "seq")
		require.NoError(t, err)
		if len(res.Items) == 0 {
			break
		}
		for _, o := range res.Items {
			assert.Greater(t, o.Seq, last, "ascending order")
			last = o.Seq
			seen[o.ID] = true
		}
		ptr = res.Pointer

		if pages == 2 {
			_, err := f.orders.Save(ctx, "T1", "late", &order{ID: "late", UserID: "late", Seq: 5000})
			require.NoError(t, err)
		}
	}
	assert.Len(t, seen, 101)
	assert.True(t, seen["late"])

	total := 0
	for shard := 0; shard < 4; shard++ {
		total += ptr.OffsetForShard(shard)
	}
	assert.Equal(t, 101, total)
}

func TestScroll_Preconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	seedScroll(t, f, 3)

	res, err := f.orders.ScrollDown(ctx, "T1", f.orders.Query(), nil, 2, "seq")
	require.NoError(t, err)
	assert.Equal(t, ScrollDownward, res.Pointer.Direction())

	_, err = f.orders.ScrollUp(ctx, "T1", f.orders.Query(), res.Pointer, 2, "seq")
	assert.ErrorIs(t, err, ErrScrollDirection)
	assert.True(t, serr.IsType(err, serr.ErrorTypeProtocol))

	_, err = f.orders.ScrollDown(ctx, "T1", f.orders.Query(), nil, 0, "seq")
	assert.True(t, serr.IsType(err, serr.ErrorTypeValidation))

	// a fresh scan starts over
	again, err := f.orders.ScrollDown(ctx, "T1", f.orders.Query(), nil, 2, "seq")
	require.NoError(t, err)
	assert.Equal(t, res.Items, again.Items)
}

func TestScrollDown_IgnoresQueryOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	for i := 0; i < 40; i++ {
		parent := fmt.Sprintf("parent-%d", i)
		_, err := f.orders.Save(ctx, "T1", parent, &order{ID: fmt.Sprintf("o-%d", i), UserID: parent, Seq: i, Amount: (i * 7) % 13})
		require.NoError(t, err)
	}

	byAmount := f.orders.Query().OrderBy("amount", false)
	seen := make(map[string]bool)
	last := -1
	var ptr *ScrollPointer
	for pages := 0; ; pages++ {
		require.Less(t, pages, 20, "scroll did not terminate")
		res, err := f.orders.ScrollDown(ctx, "T1", byAmount, ptr, 5, "seq")
		require.NoError(t, err)
		if len(res.Items) == 0 {
			break
		}
		for _, o := range res.Items {
			assert.Greater(t, o.Seq, last, "ascending by seq")
			last = o.Seq
			seen[o.ID] = true
		}
		ptr = res.Pointer
	}
	assert.Len(t, seen, 40)
}

func TestScrollDown_ZeroPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	seedScroll(t, f, 12)

	res, err := f.orders.ScrollDown(ctx, "T1", f.orders.Query(), &ScrollPointer{}, 5, "seq")
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	assert.Equal(t, 0, res.Items[0].Seq)

	next, err := f.orders.ScrollDown(ctx, "T1", f.orders.Query(), res.Pointer, 5, "seq")
	require.NoError(t, err)
	require.Len(t, next.Items, 5)
	assert.Equal(t, 5, next.Items[0].Seq)

	_, err = f.orders.ScrollUp(ctx, "T1", f.orders.Query(), &ScrollPointer{}, 5, "seq")
	assert.ErrorIs(t, err, ErrScrollDirection)
}
