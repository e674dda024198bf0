package score_test

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/bimillog/internal/domain"
	"github.com/victornm/bimillog/internal/score"
)

func newStore() *score.Store {
	return score.NewStore(score.Config{
		Categories: []domain.Category{domain.CategoryRealtime},
	})
}

func TestStore_Increment_Concurrent(t *testing.T) {
	s := newStore()
	s.Increment(domain.CategoryRealtime, 1, decimal.NewFromInt(10))

	const (
		goroutines = 8
		perG       = 200
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				s.Increment(domain.CategoryRealtime, 1, decimal.NewFromInt(1))
			}
		}()
	}
	wg.Wait()

	v, ok := s.Score(domain.CategoryRealtime, 1)
	require.True(t, ok)
	require.True(t, decimal.NewFromInt(10+goroutines*perG).Equal(v),
		"no increment may be lost, got %s", v)
}

func TestStore_Increment_ClampsAtZero(t *testing.T) {
	s := newStore()
	s.Increment(domain.CategoryRealtime, 1, decimal.NewFromInt(2))
	s.Increment(domain.CategoryRealtime, 1, decimal.NewFromInt(-5))

	v, ok := s.Score(domain.CategoryRealtime, 1)
	require.True(t, ok)
	require.True(t, v.IsZero(), "got %s", v)
}

func TestStore_Increment_UnknownCategoryPanics(t *testing.T) {
	s := newStore()

	require.Panics(t, func() {
		s.Increment(domain.CategoryWeekly, 1, decimal.NewFromInt(1))
	})
}

func TestStore_DecayAll(t *testing.T) {
	factor := decimal.NewFromFloat(0.95)
	floor := decimal.NewFromFloat(1.0)

	t.Run("multiplies scores exactly", func(t *testing.T) {
		s := newStore()
		s.Increment(domain.CategoryRealtime, 1, decimal.NewFromInt(100))

		s.DecayAll(domain.CategoryRealtime, factor, floor)

		v, ok := s.Score(domain.CategoryRealtime, 1)
		require.True(t, ok)
		require.True(t, decimal.NewFromInt(95).Equal(v), "got %s", v)
	})

	t.Run("prunes entries at or below the floor", func(t *testing.T) {
		s := newStore()
		s.Increment(domain.CategoryRealtime, 1, decimal.NewFromFloat(1.05))

		s.DecayAll(domain.CategoryRealtime, factor, floor)

		_, ok := s.Score(domain.CategoryRealtime, 1)
		require.False(t, ok, "1.05 * 0.95 <= 1.0 must be evicted")
	})

	t.Run("repeated decay eventually removes every entry", func(t *testing.T) {
		s := newStore()
		s.Increment(domain.CategoryRealtime, 1, decimal.NewFromInt(100))

		for i := 0; i < 200 && s.Len(domain.CategoryRealtime) > 0; i++ {
			s.DecayAll(domain.CategoryRealtime, factor, floor)
		}

		assert.Zero(t, s.Len(domain.CategoryRealtime))
	})

	t.Run("empty category is a no-op", func(t *testing.T) {
		s := newStore()
		s.DecayAll(domain.CategoryRealtime, factor, floor)
		assert.Zero(t, s.Len(domain.CategoryRealtime))
	})
}

func TestStore_RangeByScoreDesc(t *testing.T) {
	s := newStore()
	s.Increment(domain.CategoryRealtime, 1, decimal.NewFromInt(5))
	s.Increment(domain.CategoryRealtime, 2, decimal.NewFromInt(20))
	s.Increment(domain.CategoryRealtime, 3, decimal.NewFromInt(10))
	s.Increment(domain.CategoryRealtime, 4, decimal.NewFromInt(10))

	t.Run("orders by score descending, ties by subject id ascending", func(t *testing.T) {
		got := s.RangeByScoreDesc(domain.CategoryRealtime, 0, -1)
		assert.Equal(t, []int64{2, 3, 4, 1}, got)
	})

	t.Run("applies offset and limit", func(t *testing.T) {
		got := s.RangeByScoreDesc(domain.CategoryRealtime, 1, 2)
		assert.Equal(t, []int64{3, 4}, got)
	})

	t.Run("offset past the end yields nothing", func(t *testing.T) {
		got := s.RangeByScoreDesc(domain.CategoryRealtime, 10, 5)
		assert.Empty(t, got)
	})
}
