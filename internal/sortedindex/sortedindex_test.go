package sortedindex_test

import (
	"math/rand"
	"sort"
	"testing"

	"CDPLedger/internal/sortedindex"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type index interface {
	Insert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error
	ReInsert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error
	Remove(id uuid.UUID) error
	Contains(id uuid.UUID) bool
	Len() int
	Key(id uuid.UUID) (*uint256.Int, bool)
	First() uuid.UUID
	Last() uuid.UUID
	Next(id uuid.UUID) uuid.UUID
	Prev(id uuid.UUID) uuid.UUID
	ValidInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) bool
	FindInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) (uuid.UUID, uuid.UUID)
}

var implementations = map[string]func() index{
	"btree":    func() index { return sortedindex.NewTree() },
	"skiplist": func() index { return sortedindex.NewSkipList() },
}

func forEach(t *testing.T, fn func(t *testing.T, ix index)) {
	for name, newIndex := range implementations {
		t.Run(name, func(t *testing.T) {
			fn(t, newIndex())
		})
	}
}

func n(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// walk returns ids from head to tail, and checks Prev mirrors Next
func walk(t *testing.T, ix index) []uuid.UUID {
	t.Helper()
	var out []uuid.UUID
	prev := uuid.Nil
	for id := ix.First(); id != uuid.Nil; id = ix.Next(id) {
		require.Equal(t, prev, ix.Prev(id))
		out = append(out, id)
		prev = id
	}
	require.Equal(t, prev, ix.Last())
	return out
}

func TestIndex_EmptyIndex(t *testing.T) {
	forEach(t, func(t *testing.T, ix index) {
		assert.Equal(t, 0, ix.Len())
		assert.Equal(t, uuid.Nil, ix.First())
		assert.Equal(t, uuid.Nil, ix.Last())
		assert.True(t, ix.ValidInsertPosition(n(5), uuid.Nil, uuid.Nil))
		prev, next := ix.FindInsertPosition(n(5), uuid.Nil, uuid.Nil)
		assert.Equal(t, uuid.Nil, prev)
		assert.Equal(t, uuid.Nil, next)
	})
}

func TestIndex_OrdersDescending(t *testing.T) {
	forEach(t, func(t *testing.T, ix index) {
		low, mid, high := uuid.New(), uuid.New(), uuid.New()
		require.NoError(t, ix.Insert(mid, n(200), uuid.Nil, uuid.Nil))
		require.NoError(t, ix.Insert(low, n(100), uuid.Nil, uuid.Nil))
		require.NoError(t, ix.Insert(high, n(300), uuid.Nil, uuid.Nil))

		assert.Equal(t, []uuid.UUID{high, mid, low}, walk(t, ix))
		assert.Equal(t, high, ix.First())
		assert.Equal(t, low, ix.Last())
		assert.Equal(t, low, ix.Next(mid))
		assert.Equal(t, high, ix.Prev(mid))
		assert.Equal(t, uuid.Nil, ix.Next(low))
		assert.Equal(t, uuid.Nil, ix.Prev(high))
	})
}

func TestIndex_InsertErrors(t *testing.T) {
	forEach(t, func(t *testing.T, ix index) {
		id := uuid.New()
		require.NoError(t, ix.Insert(id, n(1), uuid.Nil, uuid.Nil))
		assert.ErrorIs(t, ix.Insert(id, n(2), uuid.Nil, uuid.Nil), sortedindex.ErrAlreadyExists)
		assert.ErrorIs(t, ix.Insert(uuid.Nil, n(2), uuid.Nil, uuid.Nil), sortedindex.ErrNilID)
		assert.ErrorIs(t, ix.Insert(uuid.New(), n(0), uuid.Nil, uuid.Nil), sortedindex.ErrZeroNICR)
		assert.ErrorIs(t, ix.Remove(uuid.New()), sortedindex.ErrNotFound)
		assert.ErrorIs(t, ix.ReInsert(uuid.New(), n(3), uuid.Nil, uuid.Nil), sortedindex.ErrNotFound)
	})
}

func TestIndex_ReInsertMovesKey(t *testing.T) {
	forEach(t, func(t *testing.T, ix index) {
		a, b := uuid.New(), uuid.New()
		require.NoError(t, ix.Insert(a, n(100), uuid.Nil, uuid.Nil))
		require.NoError(t, ix.Insert(b, n(200), uuid.Nil, uuid.Nil))
		require.Equal(t, a, ix.Last())

		require.NoError(t, ix.ReInsert(a, n(300), uuid.Nil, uuid.Nil))
		assert.Equal(t, a, ix.First())
		key, ok := ix.Key(a)
		require.True(t, ok)
		assert.Equal(t, n(300), key)
		assert.Equal(t, 2, ix.Len())
	})
}

func TestIndex_ValidInsertPosition(t *testing.T) {
	forEach(t, func(t *testing.T, ix index) {
		a, b, c := uuid.New(), uuid.New(), uuid.New()
		require.NoError(t, ix.Insert(a, n(300), uuid.Nil, uuid.Nil))
		require.NoError(t, ix.Insert(b, n(200), uuid.Nil, uuid.Nil))
		require.NoError(t, ix.Insert(c, n(100), uuid.Nil, uuid.Nil))

		assert.True(t, ix.ValidInsertPosition(n(250), a, b))
		assert.True(t, ix.ValidInsertPosition(n(200), a, b))
		assert.True(t, ix.ValidInsertPosition(n(400), uuid.Nil, a))
		assert.True(t, ix.ValidInsertPosition(n(50), c, uuid.Nil))

		assert.False(t, ix.ValidInsertPosition(n(150), a, b))
		assert.False(t, ix.ValidInsertPosition(n(250), a, c))
		assert.False(t, ix.ValidInsertPosition(n(400), uuid.Nil, b))
		assert.False(t, ix.ValidInsertPosition(n(150), c, uuid.Nil))
		assert.False(t, ix.ValidInsertPosition(n(150), uuid.Nil, uuid.Nil))
	})
}

func TestIndex_FindInsertPosition(t *testing.T) {
	forEach(t, func(t *testing.T, ix index) {
		a, b, c := uuid.New(), uuid.New(), uuid.New()
		require.NoError(t, ix.Insert(a, n(300), uuid.Nil, uuid.Nil))
		require.NoError(t, ix.Insert(b, n(200), uuid.Nil, uuid.Nil))
		require.NoError(t, ix.Insert(c, n(100), uuid.Nil, uuid.Nil))

		prev, next := ix.FindInsertPosition(n(150), uuid.Nil, uuid.Nil)
		assert.Equal(t, b, prev)
		assert.Equal(t, c, next)

		prev, next = ix.FindInsertPosition(n(500), c, a)
		assert.Equal(t, uuid.Nil, prev)
		assert.Equal(t, a, next)

		prev, next = ix.FindInsertPosition(n(10), uuid.Nil, uuid.Nil)
		assert.Equal(t, c, prev)
		assert.Equal(t, uuid.Nil, next)

		// Equal keys: the new key goes behind the existing one
		prev, next = ix.FindInsertPosition(n(200), uuid.Nil, uuid.Nil)
		assert.Equal(t, b, prev)
		assert.Equal(t, c, next)

		// A valid hint is returned unchanged
		prev, next = ix.FindInsertPosition(n(250), a, b)
		assert.Equal(t, a, prev)
		assert.Equal(t, b, next)
	})
}

func TestIndex_RandomAgainstSort(t *testing.T) {
	forEach(t, func(t *testing.T, ix index) {
		rng := rand.New(rand.NewSource(1))
		keys := make(map[uuid.UUID]uint64)

		for i := 0; i < 300; i++ {
			switch {
			case len(keys) == 0 || rng.Intn(3) > 0:
				id := uuid.New()
				v := uint64(rng.Intn(50) + 1)
				require.NoError(t, ix.Insert(id, n(v), uuid.Nil, uuid.Nil))
				keys[id] = v
			default:
				for id := range keys {
					if rng.Intn(2) == 0 {
						require.NoError(t, ix.Remove(id))
						delete(keys, id)
					} else {
						v := uint64(rng.Intn(50) + 1)
						require.NoError(t, ix.ReInsert(id, n(v), uuid.Nil, uuid.Nil))
						keys[id] = v
					}
					break
				}
			}
		}

		got := walk(t, ix)
		require.Len(t, got, len(keys))
		require.Equal(t, len(keys), ix.Len())

		want := make([]uuid.UUID, 0, len(keys))
		for id := range keys {
			want = append(want, id)
		}
		sort.Slice(want, func(i, j int) bool {
			if keys[want[i]] != keys[want[j]] {
				return keys[want[i]] > keys[want[j]]
			}
			return string(want[i][:]) < string(want[j][:])
		})
		assert.Equal(t, want, got)
	})
}
